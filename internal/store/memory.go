package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/punchamoorthee/gugapay/internal/domain"
	"github.com/shopspring/decimal"
)

// MemoryStore is a thread-safe in-memory Store. Transactions are serialised
// on a single mutex and their writes are staged until fn returns nil.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[domain.AccountRef]domain.Account
	ledger   []domain.Transaction
	external map[string]int
	rate     domain.RateState
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[domain.AccountRef]domain.Account),
		external: make(map[string]int),
		rate:     domain.NewRateState(decimal.Zero),
	}
}

// PutAccount inserts or replaces an account row.
func (m *MemoryStore) PutAccount(acc domain.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc.Ref.Kind == domain.KindMerchant {
		acc.FiatBalance = decimal.Zero
	}
	m.accounts[acc.Ref] = acc
}

// SetBlocked flips the blocked flag, standing in for the admin tooling.
func (m *MemoryStore) SetBlocked(ref domain.AccountRef, blocked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	acc.Blocked = blocked
	m.accounts[ref] = acc
	return nil
}

func (m *MemoryStore) ExecTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		store:   m,
		staged:  make(map[domain.AccountRef]domain.Account),
		rate:    m.rate,
		pending: make(map[string]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for ref, acc := range tx.staged {
		m.accounts[ref] = acc
	}
	for _, rec := range tx.appended {
		if rec.ExternalID != "" {
			m.external[rec.ExternalID] = len(m.ledger)
		}
		m.ledger = append(m.ledger, rec)
	}
	m.rate = tx.rate
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, ref domain.AccountRef) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return &acc, nil
}

func (m *MemoryStore) GetRateState(ctx context.Context) (domain.RateState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, ledgerID string) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []domain.Transaction{}
	for i := len(m.ledger) - 1; i >= 0; i-- {
		if m.ledger[i].Touches(ledgerID) {
			out = append(out, m.ledger[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.ledger {
		if m.ledger[i].ID == id {
			t := m.ledger[i]
			return &t, nil
		}
	}
	return nil, ErrTxNotFound
}

type memTx struct {
	store    *MemoryStore
	staged   map[domain.AccountRef]domain.Account
	appended []domain.Transaction
	pending  map[string]bool
	rate     domain.RateState
}

func (t *memTx) row(ref domain.AccountRef) (domain.Account, error) {
	if acc, ok := t.staged[ref]; ok {
		return acc, nil
	}
	acc, ok := t.store.accounts[ref]
	if !ok {
		return domain.Account{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return acc, nil
}

func (t *memTx) LockAccounts(ctx context.Context, refs ...domain.AccountRef) (map[domain.AccountRef]*domain.Account, error) {
	out := make(map[domain.AccountRef]*domain.Account, len(refs))
	for _, ref := range lockOrder(refs) {
		acc, err := t.row(ref)
		if err != nil {
			return nil, err
		}
		out[ref] = &acc
	}
	return out, nil
}

func (t *memTx) Debit(ctx context.Context, ref domain.AccountRef, c domain.Currency, amount decimal.Decimal) (decimal.Decimal, error) {
	if ref.Kind == domain.KindMerchant && c != domain.CurrencyCoin {
		return decimal.Zero, ErrUnsupported
	}
	acc, err := t.row(ref)
	if err != nil {
		return decimal.Zero, err
	}
	if acc.Balance(c).LessThan(amount) {
		return decimal.Zero, ErrInsufficientFunds
	}
	next := acc.Balance(c).Sub(amount)
	acc.SetBalance(c, next)
	t.staged[ref] = acc
	return next, nil
}

func (t *memTx) Credit(ctx context.Context, ref domain.AccountRef, c domain.Currency, amount decimal.Decimal) (decimal.Decimal, error) {
	if ref.Kind == domain.KindMerchant && c != domain.CurrencyCoin {
		return decimal.Zero, ErrUnsupported
	}
	acc, err := t.row(ref)
	if err != nil {
		return decimal.Zero, err
	}
	next := acc.Balance(c).Add(amount)
	if next.GreaterThan(c.Ceiling()) {
		return decimal.Zero, ErrBalanceLimit
	}
	acc.SetBalance(c, next)
	t.staged[ref] = acc
	return next, nil
}

func (t *memTx) AppendTransaction(ctx context.Context, rec *domain.Transaction) error {
	if rec.ExternalID != "" {
		if _, ok := t.store.external[rec.ExternalID]; ok || t.pending[rec.ExternalID] {
			return ErrDuplicateExternalID
		}
		t.pending[rec.ExternalID] = true
	}
	t.appended = append(t.appended, *rec)
	return nil
}

func (t *memTx) FindByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	if i, ok := t.store.external[externalID]; ok {
		rec := t.store.ledger[i]
		return &rec, nil
	}
	for i := range t.appended {
		if t.appended[i].ExternalID == externalID {
			rec := t.appended[i]
			return &rec, nil
		}
	}
	return nil, ErrTxNotFound
}

func (t *memTx) RateState(ctx context.Context) (domain.RateState, error) {
	return t.rate, nil
}

// LockRateState is RateState: transactions already hold the store mutex.
func (t *memTx) LockRateState(ctx context.Context) (domain.RateState, error) {
	return t.rate, nil
}

func (t *memTx) CompareAndSwapIssuance(ctx context.Context, expected, next decimal.Decimal) (bool, error) {
	if !t.rate.TotalIssued.Equal(expected) {
		return false, nil
	}
	t.rate = domain.NewRateState(next)
	return true, nil
}
