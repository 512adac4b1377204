package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MerchantPrefix namespaces merchant ids inside the shared from/to ledger columns.
const MerchantPrefix = "MERCHANT:"

type AccountKind string

const (
	KindUser     AccountKind = "user"
	KindMerchant AccountKind = "merchant"
)

// AccountRef identifies a user or merchant row.
type AccountRef struct {
	Kind AccountKind
	ID   string
}

func UserRef(id string) AccountRef     { return AccountRef{Kind: KindUser, ID: id} }
func MerchantRef(id string) AccountRef { return AccountRef{Kind: KindMerchant, ID: id} }

// LedgerID renders the ref the way it is stored in ledger from/to columns.
func (r AccountRef) LedgerID() string {
	if r.Kind == KindMerchant {
		return MerchantPrefix + r.ID
	}
	return r.ID
}

func (r AccountRef) String() string { return string(r.Kind) + ":" + r.ID }

// Less orders refs for deterministic row locking.
func (r AccountRef) Less(o AccountRef) bool {
	if r.Kind != o.Kind {
		return r.Kind < o.Kind
	}
	return r.ID < o.ID
}

// ParseLedgerID is the inverse of LedgerID.
func ParseLedgerID(s string) AccountRef {
	if id, ok := strings.CutPrefix(s, MerchantPrefix); ok {
		return MerchantRef(id)
	}
	return UserRef(s)
}

// Account is a user or merchant balance row. Merchants only hold coin.
type Account struct {
	Ref         AccountRef
	CoinBalance decimal.Decimal
	FiatBalance decimal.Decimal
	Blocked     bool
}

// Balance returns the balance held in the given currency.
func (a *Account) Balance(c Currency) decimal.Decimal {
	if c == CurrencyRUB {
		return a.FiatBalance
	}
	return a.CoinBalance
}

// SetBalance replaces the balance held in the given currency.
func (a *Account) SetBalance(c Currency, v decimal.Decimal) {
	if c == CurrencyRUB {
		a.FiatBalance = v
		return
	}
	a.CoinBalance = v
}

type TxKind string

const (
	TxTransfer        TxKind = "transfer"
	TxExchange        TxKind = "exchange"
	TxMerchantPayment TxKind = "merchant_payment"
	TxRubPurchase     TxKind = "rub_purchase"
	TxMiningCredit    TxKind = "mining_credit"
	TxCloudtipsCredit TxKind = "cloudtips_credit"
)

type Direction string

const (
	CoinToRub Direction = "coin_to_rub"
	RubToCoin Direction = "rub_to_coin"
)

// ParseDirection validates an exchange direction.
func ParseDirection(s string) (Direction, bool) {
	switch d := Direction(s); d {
	case CoinToRub, RubToCoin:
		return d, true
	}
	return "", false
}

// Source is the currency debited by an exchange in this direction.
func (d Direction) Source() Currency {
	if d == RubToCoin {
		return CurrencyRUB
	}
	return CurrencyCoin
}

// Target is the currency credited by an exchange in this direction.
func (d Direction) Target() Currency {
	if d == RubToCoin {
		return CurrencyCoin
	}
	return CurrencyRUB
}

type RubOperation string

const (
	RubPurchase RubOperation = "purchase"
	RubSale     RubOperation = "sale"
)

// Transaction is an immutable ledger row. From or To is empty when value
// enters or leaves the system (issuance, external payments).
type Transaction struct {
	ID             string
	FromAccountID  string
	ToAccountID    string
	Amount         decimal.Decimal
	Currency       Currency
	Kind           TxKind
	Direction      Direction
	CounterAmount  *decimal.Decimal
	NewCoinBalance *decimal.Decimal
	NewFiatBalance *decimal.Decimal
	ExternalID     string
	Purpose        string
	CreatedAt      time.Time
}

// Touches reports whether the row debits or credits the given ledger id.
func (t *Transaction) Touches(ledgerID string) bool {
	return ledgerID != "" && (t.FromAccountID == ledgerID || t.ToAccountID == ledgerID)
}

// RateState is the singleton issuance counter behind the exchange multiplier.
type RateState struct {
	TotalIssued decimal.Decimal
	HalvingStep int64
}

var multiplierStep = decimal.New(2, -2)

// HalvingStep is floor(totalIssued).
func HalvingStep(totalIssued decimal.Decimal) int64 {
	return totalIssued.Floor().IntPart()
}

// Multiplier is 1 + step*0.02.
func Multiplier(step int64) decimal.Decimal {
	return decimal.NewFromInt(1).Add(decimal.NewFromInt(step).Mul(multiplierStep))
}

// NewRateState derives the halving step from the cumulative issuance.
func NewRateState(totalIssued decimal.Decimal) RateState {
	return RateState{TotalIssued: totalIssued, HalvingStep: HalvingStep(totalIssued)}
}

func (s RateState) Multiplier() decimal.Decimal {
	return Multiplier(s.HalvingStep)
}
