package service

import (
	"context"

	"github.com/punchamoorthee/gugapay/internal/domain"
	"github.com/punchamoorthee/gugapay/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// maxIssuanceAttempts bounds the compare-and-swap loop in RecordIssuance.
const maxIssuanceAttempts = 5

// RateTracker owns the issuance counter that drives the exchange multiplier.
type RateTracker struct {
	store store.Store
	log   logrus.FieldLogger
}

func NewRateTracker(s store.Store, log logrus.FieldLogger) *RateTracker {
	return &RateTracker{store: s, log: log}
}

// State reads the committed rate state.
func (r *RateTracker) State(ctx context.Context) (domain.RateState, error) {
	st, err := r.store.GetRateState(ctx)
	if err != nil {
		return domain.RateState{}, translate(err, CodeStorageReadFailed)
	}
	return st, nil
}

func (r *RateTracker) CurrentMultiplier(ctx context.Context) (decimal.Decimal, error) {
	st, err := r.State(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return st.Multiplier(), nil
}

// multiplier reads the rate as seen by tx.
func (r *RateTracker) multiplier(ctx context.Context, tx store.Tx) (decimal.Decimal, error) {
	st, err := tx.RateState(ctx)
	if err != nil {
		return decimal.Zero, translate(err, CodeStorageWriteFailed)
	}
	return st.Multiplier(), nil
}

// RecordIssuance adds amount to the issued total inside tx. The counter row
// is locked before it is read, so concurrent miners queue instead of racing;
// a lost swap (a store without row locks) re-reads and tries again.
func (r *RateTracker) RecordIssuance(ctx context.Context, tx store.Tx, amount decimal.Decimal) (domain.RateState, error) {
	for attempt := 1; attempt <= maxIssuanceAttempts; attempt++ {
		cur, err := tx.LockRateState(ctx)
		if err != nil {
			return domain.RateState{}, translate(err, CodeStorageWriteFailed)
		}

		next := domain.NewRateState(cur.TotalIssued.Add(amount))
		ok, err := tx.CompareAndSwapIssuance(ctx, cur.TotalIssued, next.TotalIssued)
		if err != nil {
			return domain.RateState{}, translate(err, CodeStorageWriteFailed)
		}
		if ok {
			return next, nil
		}

		r.log.WithFields(logrus.Fields{
			"attempt":  attempt,
			"expected": cur.TotalIssued.String(),
		}).Debug("issuance counter moved, retrying")
	}
	return domain.RateState{}, newError(CodeStorageWriteFailed, "issuance counter update lost %d races", maxIssuanceAttempts)
}
