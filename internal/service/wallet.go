package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/gugapay/internal/domain"
	"github.com/punchamoorthee/gugapay/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// errDuplicateInvoice aborts a cloudtips transaction whose invoice id is
// already on the ledger.
var errDuplicateInvoice = errors.New("invoice already credited")

// Wallet is the balance mutation engine. Every operation runs in a single
// store transaction: balances and the ledger row commit together or not at all.
type Wallet struct {
	store store.Store
	rates *RateTracker
	log   logrus.FieldLogger
	now   func() time.Time
	newID func() string
}

func NewWallet(s store.Store, log logrus.FieldLogger) *Wallet {
	return &Wallet{
		store: s,
		rates: NewRateTracker(s, log),
		log:   log,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

type TransferResult struct {
	TransactionID string
	Currency      domain.Currency
	FromBalance   decimal.Decimal
	ToBalance     decimal.Decimal
}

type ExchangeResult struct {
	TransactionID string
	Direction     domain.Direction
	Multiplier    decimal.Decimal
	Debited       decimal.Decimal
	Credited      decimal.Decimal
	CoinBalance   decimal.Decimal
	FiatBalance   decimal.Decimal
}

// PaymentResult carries the payer's new coin balance.
type PaymentResult struct {
	TransactionID string
	Balance       decimal.Decimal
}

type FiatResult struct {
	TransactionID string
	FiatBalance   decimal.Decimal
	// Duplicate is set when a cloudtips invoice was already credited.
	Duplicate bool
}

type MiningResult struct {
	TransactionID string
	CoinBalance   decimal.Decimal
	HalvingStep   int64
}

// Transfer moves amount of currency c between two users.
func (w *Wallet) Transfer(ctx context.Context, fromID, toID string, amount decimal.Decimal, c domain.Currency) (res *TransferResult, err error) {
	defer func() { observe(domain.TxTransfer, err) }()

	if err := requireID("fromUserId", fromID); err != nil {
		return nil, err
	}
	if err := requireID("toUserId", toID); err != nil {
		return nil, err
	}
	if !c.Valid() {
		return nil, newError(CodeInvalidInput, "unsupported currency %q", c)
	}
	if fromID == toID {
		return nil, ErrSelfTransfer
	}
	if err := validateAmount(amount, c); err != nil {
		return nil, err
	}

	from, to := domain.UserRef(fromID), domain.UserRef(toID)
	rec := w.record(domain.TxTransfer, c, amount, from.LedgerID(), to.LedgerID())
	res = &TransferResult{TransactionID: rec.ID, Currency: c}

	err = w.store.ExecTx(ctx, func(tx store.Tx) error {
		accs, err := lockActive(ctx, tx, from, to)
		if err != nil {
			return err
		}
		if err := requireFunds(accs[from], c, amount); err != nil {
			return err
		}
		if err := requireHeadroom(accs[to], c, amount); err != nil {
			return err
		}

		if res.FromBalance, err = debit(ctx, tx, from, c, amount); err != nil {
			return err
		}
		if res.ToBalance, err = credit(ctx, tx, to, c, amount); err != nil {
			return err
		}
		return appendLedger(ctx, tx, rec)
	})
	if err != nil {
		return nil, translate(err, CodeStorageWriteFailed)
	}

	w.committed(rec)
	return res, nil
}

// Convert applies the multiplier to amount in the given direction and rounds
// half away from zero to the scale of the credited currency.
func Convert(amount, multiplier decimal.Decimal, dir domain.Direction) decimal.Decimal {
	if dir == domain.RubToCoin {
		return amount.DivRound(multiplier, domain.CoinScale)
	}
	return domain.CurrencyRUB.Round(amount.Mul(multiplier))
}

// Exchange converts between the user's coin and RUB balances at the current
// multiplier.
func (w *Wallet) Exchange(ctx context.Context, userID string, dir domain.Direction, amount decimal.Decimal) (res *ExchangeResult, err error) {
	defer func() { observe(domain.TxExchange, err) }()

	if err := requireID("userId", userID); err != nil {
		return nil, err
	}
	if _, ok := domain.ParseDirection(string(dir)); !ok {
		return nil, newError(CodeInvalidInput, "direction must be %s or %s", domain.CoinToRub, domain.RubToCoin)
	}
	src, dst := dir.Source(), dir.Target()
	if err := validateAmount(amount, src); err != nil {
		return nil, err
	}
	if amount.GreaterThan(domain.MaxExchangeAmount) {
		return nil, newError(CodeAmountTooLarge, "exchange amount exceeds %s", domain.MaxExchangeAmount.StringFixed(2))
	}

	user := domain.UserRef(userID)
	rec := w.record(domain.TxExchange, src, amount, user.LedgerID(), user.LedgerID())
	rec.Direction = dir
	res = &ExchangeResult{TransactionID: rec.ID, Direction: dir, Debited: amount}

	err = w.store.ExecTx(ctx, func(tx store.Tx) error {
		accs, err := lockActive(ctx, tx, user)
		if err != nil {
			return err
		}
		acc := accs[user]

		if res.Multiplier, err = w.rates.multiplier(ctx, tx); err != nil {
			return err
		}
		res.Credited = Convert(amount, res.Multiplier, dir)
		if !res.Credited.IsPositive() {
			return newError(CodeInvalidAmount, "amount is too small to exchange")
		}

		if err := requireFunds(acc, src, amount); err != nil {
			return err
		}
		if err := requireHeadroom(acc, dst, res.Credited); err != nil {
			return err
		}

		srcBal, err := debit(ctx, tx, user, src, amount)
		if err != nil {
			return err
		}
		dstBal, err := credit(ctx, tx, user, dst, res.Credited)
		if err != nil {
			return err
		}
		acc.SetBalance(src, srcBal)
		acc.SetBalance(dst, dstBal)
		res.CoinBalance, res.FiatBalance = acc.CoinBalance, acc.FiatBalance

		counter, coin, fiat := res.Credited, res.CoinBalance, res.FiatBalance
		rec.CounterAmount, rec.NewCoinBalance, rec.NewFiatBalance = &counter, &coin, &fiat
		return appendLedger(ctx, tx, rec)
	})
	if err != nil {
		return nil, translate(err, CodeStorageWriteFailed)
	}

	w.committed(rec)
	return res, nil
}

// MerchantPayment moves coin from a user to a merchant.
func (w *Wallet) MerchantPayment(ctx context.Context, userID, merchantID string, amount decimal.Decimal, purpose string) (res *PaymentResult, err error) {
	defer func() { observe(domain.TxMerchantPayment, err) }()

	if err := requireID("userId", userID); err != nil {
		return nil, err
	}
	if err := requireID("merchantId", merchantID); err != nil {
		return nil, err
	}
	if err := validateAmount(amount, domain.CurrencyCoin); err != nil {
		return nil, err
	}

	user, merchant := domain.UserRef(userID), domain.MerchantRef(merchantID)
	rec := w.record(domain.TxMerchantPayment, domain.CurrencyCoin, amount, user.LedgerID(), merchant.LedgerID())
	rec.Purpose = strings.TrimSpace(purpose)

	res, err = w.move(ctx, user, merchant, rec)
	return res, err
}

// MerchantTransfer moves coin from a merchant to a user. The result carries
// the merchant's new balance.
func (w *Wallet) MerchantTransfer(ctx context.Context, merchantID, toUserID string, amount decimal.Decimal) (res *PaymentResult, err error) {
	defer func() { observe(domain.TxMerchantPayment, err) }()

	if err := requireID("merchantId", merchantID); err != nil {
		return nil, err
	}
	if err := requireID("toUserId", toUserID); err != nil {
		return nil, err
	}
	if err := validateAmount(amount, domain.CurrencyCoin); err != nil {
		return nil, err
	}

	merchant, user := domain.MerchantRef(merchantID), domain.UserRef(toUserID)
	rec := w.record(domain.TxMerchantPayment, domain.CurrencyCoin, amount, merchant.LedgerID(), user.LedgerID())

	res, err = w.move(ctx, merchant, user, rec)
	return res, err
}

// move is the coin debit/credit pair shared by the merchant operations.
func (w *Wallet) move(ctx context.Context, from, to domain.AccountRef, rec *domain.Transaction) (*PaymentResult, error) {
	res := &PaymentResult{TransactionID: rec.ID}
	err := w.store.ExecTx(ctx, func(tx store.Tx) error {
		accs, err := lockActive(ctx, tx, from, to)
		if err != nil {
			return err
		}
		if err := requireFunds(accs[from], rec.Currency, rec.Amount); err != nil {
			return err
		}
		if err := requireHeadroom(accs[to], rec.Currency, rec.Amount); err != nil {
			return err
		}

		if res.Balance, err = debit(ctx, tx, from, rec.Currency, rec.Amount); err != nil {
			return err
		}
		if _, err := credit(ctx, tx, to, rec.Currency, rec.Amount); err != nil {
			return err
		}
		return appendLedger(ctx, tx, rec)
	})
	if err != nil {
		return nil, translate(err, CodeStorageWriteFailed)
	}

	w.committed(rec)
	return res, nil
}

// RubPurchase debits (purchase) or credits (sale) the user's RUB balance
// against an external counterparty.
func (w *Wallet) RubPurchase(ctx context.Context, userID string, op domain.RubOperation, amount decimal.Decimal) (res *FiatResult, err error) {
	defer func() { observe(domain.TxRubPurchase, err) }()

	if err := requireID("userId", userID); err != nil {
		return nil, err
	}
	if op != domain.RubPurchase && op != domain.RubSale {
		return nil, newError(CodeInvalidInput, "operation_type must be %s or %s", domain.RubPurchase, domain.RubSale)
	}
	if err := validateAmount(amount, domain.CurrencyRUB); err != nil {
		return nil, err
	}

	user := domain.UserRef(userID)
	rec := w.record(domain.TxRubPurchase, domain.CurrencyRUB, amount, "", user.LedgerID())
	if op == domain.RubPurchase {
		rec.FromAccountID, rec.ToAccountID = user.LedgerID(), ""
	}
	res = &FiatResult{TransactionID: rec.ID}

	err = w.store.ExecTx(ctx, func(tx store.Tx) error {
		accs, err := lockActive(ctx, tx, user)
		if err != nil {
			return err
		}

		if op == domain.RubPurchase {
			if err := requireFunds(accs[user], domain.CurrencyRUB, amount); err != nil {
				return err
			}
			res.FiatBalance, err = debit(ctx, tx, user, domain.CurrencyRUB, amount)
		} else {
			if err := requireHeadroom(accs[user], domain.CurrencyRUB, amount); err != nil {
				return err
			}
			res.FiatBalance, err = credit(ctx, tx, user, domain.CurrencyRUB, amount)
		}
		if err != nil {
			return err
		}
		return appendLedger(ctx, tx, rec)
	})
	if err != nil {
		return nil, translate(err, CodeStorageWriteFailed)
	}

	w.committed(rec)
	return res, nil
}

// MiningCredit issues new coin to the user and advances the issuance counter.
// A nil amount credits DefaultMiningAmount.
func (w *Wallet) MiningCredit(ctx context.Context, userID string, amount *decimal.Decimal) (res *MiningResult, err error) {
	defer func() { observe(domain.TxMiningCredit, err) }()

	if err := requireID("userId", userID); err != nil {
		return nil, err
	}
	issued := domain.DefaultMiningAmount
	if amount != nil {
		issued = *amount
	}
	if err := validateAmount(issued, domain.CurrencyCoin); err != nil {
		return nil, err
	}

	user := domain.UserRef(userID)
	rec := w.record(domain.TxMiningCredit, domain.CurrencyCoin, issued, "", user.LedgerID())
	res = &MiningResult{TransactionID: rec.ID}

	err = w.store.ExecTx(ctx, func(tx store.Tx) error {
		accs, err := lockActive(ctx, tx, user)
		if err != nil {
			return err
		}
		if err := requireHeadroom(accs[user], domain.CurrencyCoin, issued); err != nil {
			return err
		}

		if res.CoinBalance, err = credit(ctx, tx, user, domain.CurrencyCoin, issued); err != nil {
			return err
		}
		st, err := w.rates.RecordIssuance(ctx, tx, issued)
		if err != nil {
			return err
		}
		res.HalvingStep = st.HalvingStep
		return appendLedger(ctx, tx, rec)
	})
	if err != nil {
		return nil, translate(err, CodeStorageWriteFailed)
	}

	halvingStepGauge.Set(float64(res.HalvingStep))
	w.committed(rec)
	return res, nil
}

// ParseInvoiceID extracts the user id from a cloudtips invoice id of the
// form <userId>_<suffix>.
func ParseInvoiceID(invoiceID string) (string, error) {
	parts := strings.Split(strings.TrimSpace(invoiceID), "_")
	if len(parts) < 2 || parts[0] == "" {
		return "", newError(CodeInvalidInput, "invalid invoice id %q", invoiceID)
	}
	return parts[0], nil
}

// CloudtipsCredit credits RUB for a paid cloudtips invoice. Each invoice id is
// credited at most once; redelivery returns the current balance unchanged.
func (w *Wallet) CloudtipsCredit(ctx context.Context, invoiceID string, amount decimal.Decimal) (res *FiatResult, err error) {
	defer func() { observe(domain.TxCloudtipsCredit, err) }()

	userID, err := ParseInvoiceID(invoiceID)
	if err != nil {
		return nil, err
	}
	if err := validateAmount(amount, domain.CurrencyRUB); err != nil {
		return nil, err
	}

	user := domain.UserRef(userID)
	invoiceID = strings.TrimSpace(invoiceID)
	rec := w.record(domain.TxCloudtipsCredit, domain.CurrencyRUB, amount, "", user.LedgerID())
	rec.ExternalID = invoiceID
	res = &FiatResult{TransactionID: rec.ID}

	err = w.store.ExecTx(ctx, func(tx store.Tx) error {
		prior, err := tx.FindByExternalID(ctx, invoiceID)
		switch {
		case err == nil:
			res.TransactionID = prior.ID
			return errDuplicateInvoice
		case !errors.Is(err, store.ErrTxNotFound):
			return translate(err, CodeStorageWriteFailed)
		}

		accs, err := lockActive(ctx, tx, user)
		if err != nil {
			return err
		}
		if err := requireHeadroom(accs[user], domain.CurrencyRUB, amount); err != nil {
			return err
		}
		if res.FiatBalance, err = credit(ctx, tx, user, domain.CurrencyRUB, amount); err != nil {
			return err
		}
		return appendLedger(ctx, tx, rec)
	})
	if errors.Is(err, store.ErrDuplicateExternalID) {
		// lost the insert race; the winning row id is not known here
		res.TransactionID = ""
	}
	if errors.Is(err, errDuplicateInvoice) || errors.Is(err, store.ErrDuplicateExternalID) {
		return w.redelivered(ctx, user, invoiceID, res.TransactionID)
	}
	if err != nil {
		return nil, translate(err, CodeStorageWriteFailed)
	}

	w.committed(rec)
	return res, nil
}

func (w *Wallet) redelivered(ctx context.Context, user domain.AccountRef, invoiceID, txID string) (*FiatResult, error) {
	acc, err := w.store.GetAccount(ctx, user)
	if err != nil {
		return nil, translate(err, CodeStorageReadFailed)
	}
	w.log.WithFields(logrus.Fields{
		"invoice_id": invoiceID,
		"user_id":    user.ID,
	}).Info("cloudtips invoice already credited")
	return &FiatResult{TransactionID: txID, FiatBalance: acc.FiatBalance, Duplicate: true}, nil
}

// MerchantBalance returns the merchant's coin balance.
func (w *Wallet) MerchantBalance(ctx context.Context, merchantID string) (decimal.Decimal, error) {
	if err := requireID("merchantId", merchantID); err != nil {
		return decimal.Zero, err
	}
	acc, err := w.store.GetAccount(ctx, domain.MerchantRef(merchantID))
	if err != nil {
		return decimal.Zero, translate(err, CodeStorageReadFailed)
	}
	return acc.CoinBalance, nil
}

func (w *Wallet) UserBalances(ctx context.Context, userID string) (*domain.Account, error) {
	if err := requireID("userId", userID); err != nil {
		return nil, err
	}
	acc, err := w.store.GetAccount(ctx, domain.UserRef(userID))
	if err != nil {
		return nil, translate(err, CodeStorageReadFailed)
	}
	return acc, nil
}

func (w *Wallet) HalvingInfo(ctx context.Context) (domain.RateState, error) {
	return w.rates.State(ctx)
}

// History lists every ledger row touching ref, newest first. Unknown
// accounts have an empty history.
func (w *Wallet) History(ctx context.Context, ref domain.AccountRef) ([]domain.Transaction, error) {
	if err := requireID(string(ref.Kind)+"Id", ref.ID); err != nil {
		return nil, err
	}
	txs, err := w.store.ListTransactions(ctx, ref.LedgerID())
	if err != nil {
		return nil, translate(err, CodeStorageReadFailed)
	}
	return txs, nil
}

// Transaction looks a ledger row up by its id.
func (w *Wallet) Transaction(ctx context.Context, id string) (*domain.Transaction, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrTransactionNotFound
	}
	t, err := w.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, translate(err, CodeStorageReadFailed)
	}
	return t, nil
}

func (w *Wallet) record(kind domain.TxKind, c domain.Currency, amount decimal.Decimal, from, to string) *domain.Transaction {
	return &domain.Transaction{
		ID:            w.newID(),
		FromAccountID: from,
		ToAccountID:   to,
		Amount:        amount,
		Currency:      c,
		Kind:          kind,
		CreatedAt:     w.now().UTC(),
	}
}

func (w *Wallet) committed(rec *domain.Transaction) {
	w.log.WithFields(logrus.Fields{
		"tx_id":    rec.ID,
		"kind":     rec.Kind,
		"from":     rec.FromAccountID,
		"to":       rec.ToAccountID,
		"amount":   rec.Currency.Format(rec.Amount),
		"currency": rec.Currency,
	}).Info("transaction committed")
}
