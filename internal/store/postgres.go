package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/gugapay/internal/domain"
	"github.com/shopspring/decimal"
)

// DB is the subset of *pgxpool.Pool used by LedgerStore.
type DB interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	selectUser     = `SELECT balance::text, rub_balance::text, blocked FROM users WHERE user_id = $1`
	selectMerchant = `SELECT balance::text, '0'::text, blocked FROM merchants WHERE merchant_id = $1`
	forUpdate      = ` FOR UPDATE`

	selectLedger = `SELECT id::text, COALESCE(from_account, ''), COALESCE(to_account, ''), amount::text,
		currency, kind, COALESCE(direction, ''), counter_amount::text, new_coin_balance::text,
		new_rub_balance::text, COALESCE(external_id, ''), COALESCE(purpose, ''), created_at
		FROM ledger`

	insertLedger = `INSERT INTO ledger (id, from_account, to_account, amount, currency, kind, direction,
		counter_amount, new_coin_balance, new_rub_balance, external_id, purpose, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	selectRate = `SELECT total_issued::text FROM rate_state WHERE id = 1`

	casIssuance = `INSERT INTO rate_state (id, total_issued, halving_step, updated_at)
		VALUES (1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE
		SET total_issued = EXCLUDED.total_issued, halving_step = EXCLUDED.halving_step, updated_at = now()
		WHERE rate_state.total_issued = $1`

	uniqueViolation      = "23505"
	externalIDConstraint = "ledger_external_id_key"
)

// LedgerStore implements Store on PostgreSQL.
type LedgerStore struct {
	db DB
}

var _ Store = (*LedgerStore)(nil)

// Connect opens and pings a connection pool.
func Connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return pool, nil
}

func NewLedgerStore(db DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// ExecTx runs fn in a read-committed transaction. Rows touched by fn are
// locked with FOR UPDATE, and debits are conditional updates, so read
// committed is enough to rule out lost updates.
func (s *LedgerStore) ExecTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// GetAccount reads a row without locking it.
func (s *LedgerStore) GetAccount(ctx context.Context, ref domain.AccountRef) (*domain.Account, error) {
	return scanAccount(s.db.QueryRow(ctx, accountQuery(ref.Kind), ref.ID), ref)
}

func (s *LedgerStore) GetRateState(ctx context.Context) (domain.RateState, error) {
	return readRate(ctx, s.db, selectRate)
}

// ListTransactions returns every ledger row touching ledgerID, newest first.
func (s *LedgerStore) ListTransactions(ctx context.Context, ledgerID string) ([]domain.Transaction, error) {
	rows, err := s.db.Query(ctx,
		selectLedger+` WHERE from_account = $1 OR to_account = $1 ORDER BY created_at DESC, id`,
		ledgerID)
	if err != nil {
		return nil, fmt.Errorf("ledger query failed: %w", err)
	}
	defer rows.Close()

	txs := []domain.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger query failed: %w", err)
	}
	return txs, nil
}

func (s *LedgerStore) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return scanTransaction(s.db.QueryRow(ctx, selectLedger+` WHERE id = $1`, id))
}

type pgTx struct {
	tx pgx.Tx
}

// LockAccounts acquires row locks in (kind, id) order so two transactions
// touching the same pair of accounts cannot deadlock.
func (t *pgTx) LockAccounts(ctx context.Context, refs ...domain.AccountRef) (map[domain.AccountRef]*domain.Account, error) {
	out := make(map[domain.AccountRef]*domain.Account, len(refs))
	for _, ref := range lockOrder(refs) {
		acc, err := scanAccount(t.tx.QueryRow(ctx, accountQuery(ref.Kind)+forUpdate, ref.ID), ref)
		if err != nil {
			return nil, err
		}
		out[ref] = acc
	}
	return out, nil
}

func (t *pgTx) Debit(ctx context.Context, ref domain.AccountRef, c domain.Currency, amount decimal.Decimal) (decimal.Decimal, error) {
	table, idCol, col, err := balanceColumn(ref, c)
	if err != nil {
		return decimal.Zero, err
	}
	q := fmt.Sprintf(`UPDATE %[1]s SET %[3]s = %[3]s - $1 WHERE %[2]s = $2 AND %[3]s >= $1 RETURNING %[3]s::text`,
		table, idCol, col)

	var raw string
	if err := t.tx.QueryRow(ctx, q, amount, ref.ID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrInsufficientFunds
		}
		return decimal.Zero, fmt.Errorf("debit failed: %w", err)
	}
	return decimal.NewFromString(raw)
}

func (t *pgTx) Credit(ctx context.Context, ref domain.AccountRef, c domain.Currency, amount decimal.Decimal) (decimal.Decimal, error) {
	table, idCol, col, err := balanceColumn(ref, c)
	if err != nil {
		return decimal.Zero, err
	}
	q := fmt.Sprintf(`UPDATE %[1]s SET %[3]s = %[3]s + $1 WHERE %[2]s = $2 AND %[3]s + $1 <= $3 RETURNING %[3]s::text`,
		table, idCol, col)

	var raw string
	if err := t.tx.QueryRow(ctx, q, amount, ref.ID, c.Ceiling()).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrBalanceLimit
		}
		return decimal.Zero, fmt.Errorf("credit failed: %w", err)
	}
	return decimal.NewFromString(raw)
}

func (t *pgTx) AppendTransaction(ctx context.Context, rec *domain.Transaction) error {
	_, err := t.tx.Exec(ctx, insertLedger,
		rec.ID, nullable(rec.FromAccountID), nullable(rec.ToAccountID), rec.Amount,
		string(rec.Currency), string(rec.Kind), nullable(string(rec.Direction)),
		rec.CounterAmount, rec.NewCoinBalance, rec.NewFiatBalance,
		nullable(rec.ExternalID), nullable(rec.Purpose), rec.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == externalIDConstraint {
			return ErrDuplicateExternalID
		}
		return fmt.Errorf("ledger insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) FindByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	return scanTransaction(t.tx.QueryRow(ctx, selectLedger+` WHERE external_id = $1`, externalID))
}

func (t *pgTx) RateState(ctx context.Context) (domain.RateState, error) {
	return readRate(ctx, t.tx, selectRate)
}

func (t *pgTx) LockRateState(ctx context.Context) (domain.RateState, error) {
	return readRate(ctx, t.tx, selectRate+forUpdate)
}

func (t *pgTx) CompareAndSwapIssuance(ctx context.Context, expected, next decimal.Decimal) (bool, error) {
	tag, err := t.tx.Exec(ctx, casIssuance, expected, next, domain.HalvingStep(next))
	if err != nil {
		return false, fmt.Errorf("issuance update failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func accountQuery(kind domain.AccountKind) string {
	if kind == domain.KindMerchant {
		return selectMerchant
	}
	return selectUser
}

func balanceColumn(ref domain.AccountRef, c domain.Currency) (table, idCol, col string, err error) {
	switch {
	case ref.Kind == domain.KindMerchant && c == domain.CurrencyCoin:
		return "merchants", "merchant_id", "balance", nil
	case ref.Kind == domain.KindMerchant:
		return "", "", "", ErrUnsupported
	case c == domain.CurrencyRUB:
		return "users", "user_id", "rub_balance", nil
	default:
		return "users", "user_id", "balance", nil
	}
}

func scanAccount(row pgx.Row, ref domain.AccountRef) (*domain.Account, error) {
	var coin, fiat string
	acc := &domain.Account{Ref: ref}
	if err := row.Scan(&coin, &fiat, &acc.Blocked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("account lookup failed: %w", err)
	}

	var err error
	if acc.CoinBalance, err = decimal.NewFromString(coin); err != nil {
		return nil, fmt.Errorf("bad coin balance for %s: %w", ref, err)
	}
	if acc.FiatBalance, err = decimal.NewFromString(fiat); err != nil {
		return nil, fmt.Errorf("bad rub balance for %s: %w", ref, err)
	}
	return acc, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		t                                 domain.Transaction
		amount, currency, kind, direction string
		counter, newCoin, newFiat         *string
	)
	err := row.Scan(&t.ID, &t.FromAccountID, &t.ToAccountID, &amount, &currency, &kind, &direction,
		&counter, &newCoin, &newFiat, &t.ExternalID, &t.Purpose, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTxNotFound
		}
		return nil, fmt.Errorf("ledger scan failed: %w", err)
	}

	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("bad ledger amount: %w", err)
	}
	t.Currency = domain.Currency(currency)
	t.Kind = domain.TxKind(kind)
	t.Direction = domain.Direction(direction)
	if t.CounterAmount, err = optionalDecimal(counter); err != nil {
		return nil, err
	}
	if t.NewCoinBalance, err = optionalDecimal(newCoin); err != nil {
		return nil, err
	}
	if t.NewFiatBalance, err = optionalDecimal(newFiat); err != nil {
		return nil, err
	}
	return &t, nil
}

func readRate(ctx context.Context, q querier, query string) (domain.RateState, error) {
	var raw string
	if err := q.QueryRow(ctx, query).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NewRateState(decimal.Zero), nil
		}
		return domain.RateState{}, fmt.Errorf("rate state query failed: %w", err)
	}
	total, err := decimal.NewFromString(raw)
	if err != nil {
		return domain.RateState{}, fmt.Errorf("bad total_issued: %w", err)
	}
	return domain.NewRateState(total), nil
}

func optionalDecimal(raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*raw)
	if err != nil {
		return nil, fmt.Errorf("bad ledger value %q: %w", *raw, err)
	}
	return &d, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// lockOrder dedupes refs and sorts them by (kind, id).
func lockOrder(refs []domain.AccountRef) []domain.AccountRef {
	seen := make(map[domain.AccountRef]bool, len(refs))
	out := make([]domain.AccountRef, 0, len(refs))
	for _, r := range refs {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
