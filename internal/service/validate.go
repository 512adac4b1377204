package service

import (
	"context"
	"errors"
	"strings"

	"github.com/punchamoorthee/gugapay/internal/domain"
	"github.com/punchamoorthee/gugapay/internal/store"
	"github.com/shopspring/decimal"
)

// Bounds on the decimal exponent of a requested amount. Every ceiling is
// below 10^9, and no currency keeps more than 5 fractional digits.
const (
	maxAmountExponent = 9
	minAmountExponent = -20
)

func requireID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return newError(CodeInvalidInput, "%s is required", field)
	}
	return nil
}

// validateAmount checks that amount is positive and fits the currency scale.
// Extra fractional digits are rejected rather than rounded away.
func validateAmount(amount decimal.Decimal, c domain.Currency) error {
	if !amount.IsPositive() {
		return newError(CodeInvalidAmount, "amount must be a positive number")
	}
	// Comparisons rescale to a common exponent, which costs 10^|exp|, so the
	// exponent is bounded before any of them run.
	switch exp := amount.Exponent(); {
	case exp > maxAmountExponent:
		return newError(CodeAmountTooLarge, "amount exceeds %s", c.Format(c.Ceiling()))
	case exp < minAmountExponent:
		return newError(CodeInvalidAmount, "%s amounts allow at most %d fractional digits", c, c.Scale())
	}
	if !c.Representable(amount) {
		return newError(CodeInvalidAmount, "%s amounts allow at most %d fractional digits", c, c.Scale())
	}
	if amount.GreaterThan(c.Ceiling()) {
		return newError(CodeAmountTooLarge, "amount exceeds %s", c.Format(c.Ceiling()))
	}
	return nil
}

// lockActive locks refs for the rest of tx and rejects blocked accounts.
func lockActive(ctx context.Context, tx store.Tx, refs ...domain.AccountRef) (map[domain.AccountRef]*domain.Account, error) {
	accs, err := tx.LockAccounts(ctx, refs...)
	if err != nil {
		return nil, translate(err, CodeStorageWriteFailed)
	}
	for _, ref := range refs {
		if accs[ref].Blocked {
			return nil, newError(CodeAccountBlocked, "%s %s is blocked", ref.Kind, ref.ID)
		}
	}
	return accs, nil
}

func requireFunds(acc *domain.Account, c domain.Currency, amount decimal.Decimal) error {
	if acc.Balance(c).LessThan(amount) {
		return ErrInsufficientFunds
	}
	return nil
}

func requireHeadroom(acc *domain.Account, c domain.Currency, amount decimal.Decimal) error {
	if acc.Balance(c).Add(amount).GreaterThan(c.Ceiling()) {
		return newError(CodeBalanceLimitExceeded, "resulting %s balance would exceed %s", c, c.Format(c.Ceiling()))
	}
	return nil
}

func debit(ctx context.Context, tx store.Tx, ref domain.AccountRef, c domain.Currency, amount decimal.Decimal) (decimal.Decimal, error) {
	bal, err := tx.Debit(ctx, ref, c, amount)
	if err != nil {
		return decimal.Zero, translate(err, CodeStorageWriteFailed)
	}
	return bal, nil
}

func credit(ctx context.Context, tx store.Tx, ref domain.AccountRef, c domain.Currency, amount decimal.Decimal) (decimal.Decimal, error) {
	bal, err := tx.Credit(ctx, ref, c, amount)
	if err != nil {
		return decimal.Zero, translate(err, CodeStorageWriteFailed)
	}
	return bal, nil
}

func appendLedger(ctx context.Context, tx store.Tx, rec *domain.Transaction) error {
	if err := tx.AppendTransaction(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateExternalID) {
			return err
		}
		return wrapError(CodeLedgerWriteFailed, "ledger write failed", err)
	}
	return nil
}

// translate maps store sentinels onto error codes. Anything unrecognised
// becomes fallback.
func translate(err error, fallback Code) error {
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return wrapError(CodeAccountNotFound, "account not found", err)
	case errors.Is(err, store.ErrTxNotFound):
		return wrapError(CodeTransactionNotFound, "transaction not found", err)
	case errors.Is(err, store.ErrInsufficientFunds):
		return wrapError(CodeInsufficientFunds, "insufficient funds", err)
	case errors.Is(err, store.ErrBalanceLimit):
		return wrapError(CodeBalanceLimitExceeded, "balance limit exceeded", err)
	case errors.Is(err, store.ErrUnsupported):
		return wrapError(CodeInvalidInput, "merchants only hold coin", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return wrapError(fallback, "request cancelled", err)
	}

	if fallback == CodeStorageReadFailed {
		return wrapError(fallback, "storage read failed", err)
	}
	return wrapError(fallback, "storage write failed", err)
}
