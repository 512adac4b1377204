package store

import (
	"context"
	"errors"

	"github.com/punchamoorthee/gugapay/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound            = errors.New("account not found")
	ErrTxNotFound          = errors.New("transaction not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrBalanceLimit        = errors.New("balance limit exceeded")
	ErrDuplicateExternalID = errors.New("duplicate external id")
	ErrUnsupported         = errors.New("currency not held by account")
)

// Store is the account store and ledger behind the wallet.
//
// Every balance mutation goes through ExecTx: either all writes made by fn
// become visible or none do.
type Store interface {
	ExecTx(ctx context.Context, fn func(Tx) error) error

	GetAccount(ctx context.Context, ref domain.AccountRef) (*domain.Account, error)
	GetRateState(ctx context.Context) (domain.RateState, error)
	ListTransactions(ctx context.Context, ledgerID string) ([]domain.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
}

// Tx is the unit of work handed to ExecTx callbacks.
type Tx interface {
	// LockAccounts loads and locks the referenced rows in a deterministic order.
	LockAccounts(ctx context.Context, refs ...domain.AccountRef) (map[domain.AccountRef]*domain.Account, error)

	// Debit subtracts amount only if the balance covers it and returns the new balance.
	Debit(ctx context.Context, ref domain.AccountRef, c domain.Currency, amount decimal.Decimal) (decimal.Decimal, error)

	// Credit adds amount only if the result stays under the currency ceiling.
	Credit(ctx context.Context, ref domain.AccountRef, c domain.Currency, amount decimal.Decimal) (decimal.Decimal, error)

	AppendTransaction(ctx context.Context, t *domain.Transaction) error
	FindByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error)

	RateState(ctx context.Context) (domain.RateState, error)

	// LockRateState reads the rate state and holds its row until the
	// transaction ends, queueing concurrent issuers behind it.
	LockRateState(ctx context.Context) (domain.RateState, error)

	// CompareAndSwapIssuance moves total issuance from expected to next and
	// reports false when another writer got there first.
	CompareAndSwapIssuance(ctx context.Context, expected, next decimal.Decimal) (bool, error)
}
