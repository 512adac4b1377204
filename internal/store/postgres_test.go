package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/punchamoorthee/gugapay/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var accountCols = []string{"balance", "rub_balance", "blocked"}

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *LedgerStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewLedgerStore(mock)
}

func TestLedgerStoreTransferTx(t *testing.T) {
	mock, s := newMock(t)
	ctx := context.Background()

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE user_id = $1 FOR UPDATE`)).
		WithArgs("100001").
		WillReturnRows(pgxmock.NewRows(accountCols).AddRow("10.00000", "0.00", false))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE user_id = $1 FOR UPDATE`)).
		WithArgs("100002").
		WillReturnRows(pgxmock.NewRows(accountCols).AddRow("1.00000", "0.00", false))
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE users SET balance = balance - $1 WHERE user_id = $2 AND balance >= $1`)).
		WithArgs(pgxmock.AnyArg(), "100001").
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow("6.00000"))
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE users SET balance = balance + $1 WHERE user_id = $2 AND balance + $1 <= $3`)).
		WithArgs(pgxmock.AnyArg(), "100002", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow("5.00000"))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO ledger`)).
		WithArgs(pgxmock.AnyArgs(13)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	from, to := domain.UserRef("100002"), domain.UserRef("100001")
	var fromBal, toBal decimal.Decimal
	err := s.ExecTx(ctx, func(tx Tx) error {
		accs, err := tx.LockAccounts(ctx, from, to)
		if err != nil {
			return err
		}
		assert.True(t, accs[to].CoinBalance.Equal(decimal.NewFromInt(10)))

		if fromBal, err = tx.Debit(ctx, to, domain.CurrencyCoin, decimal.NewFromInt(4)); err != nil {
			return err
		}
		if toBal, err = tx.Credit(ctx, from, domain.CurrencyCoin, decimal.NewFromInt(4)); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, &domain.Transaction{
			ID:            "5f0c2d1e-8f5e-4c7a-9a43-0c3b0f7a1a11",
			FromAccountID: to.LedgerID(),
			ToAccountID:   from.LedgerID(),
			Amount:        decimal.NewFromInt(4),
			Currency:      domain.CurrencyCoin,
			Kind:          domain.TxTransfer,
			CreatedAt:     time.Now(),
		})
	})
	require.NoError(t, err)
	assert.Equal(t, "6.00000", domain.CurrencyCoin.Format(fromBal))
	assert.Equal(t, "5.00000", domain.CurrencyCoin.Format(toBal))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStoreDebitWithoutCoverRollsBack(t *testing.T) {
	mock, s := newMock(t)
	ctx := context.Background()

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE users SET rub_balance = rub_balance - $1`)).
		WithArgs(pgxmock.AnyArg(), "100001").
		WillReturnRows(pgxmock.NewRows([]string{"rub_balance"}))
	mock.ExpectRollback()

	err := s.ExecTx(ctx, func(tx Tx) error {
		_, err := tx.Debit(ctx, domain.UserRef("100001"), domain.CurrencyRUB, decimal.NewFromInt(5))
		return err
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStoreLockMissingAccount(t *testing.T) {
	mock, s := newMock(t)
	ctx := context.Background()

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectQuery(regexp.QuoteMeta(`FROM merchants WHERE merchant_id = $1 FOR UPDATE`)).
		WithArgs("shop").
		WillReturnRows(pgxmock.NewRows(accountCols))
	mock.ExpectRollback()

	err := s.ExecTx(ctx, func(tx Tx) error {
		_, err := tx.LockAccounts(ctx, domain.UserRef("100001"), domain.MerchantRef("shop"))
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStoreDuplicateExternalID(t *testing.T) {
	mock, s := newMock(t)
	ctx := context.Background()

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO ledger`)).
		WithArgs(pgxmock.AnyArgs(13)...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "ledger_external_id_key"})
	mock.ExpectRollback()

	err := s.ExecTx(ctx, func(tx Tx) error {
		return tx.AppendTransaction(ctx, &domain.Transaction{
			ID:          "5f0c2d1e-8f5e-4c7a-9a43-0c3b0f7a1a12",
			ToAccountID: "100001",
			Amount:      decimal.NewFromInt(100),
			Currency:    domain.CurrencyRUB,
			Kind:        domain.TxCloudtipsCredit,
			ExternalID:  "100001_1700000000",
			CreatedAt:   time.Now(),
		})
	})
	assert.ErrorIs(t, err, ErrDuplicateExternalID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStoreCompareAndSwapIssuance(t *testing.T) {
	mock, s := newMock(t)
	ctx := context.Background()

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT total_issued::text FROM rate_state`)).
		WillReturnRows(pgxmock.NewRows([]string{"total_issued"}).AddRow("0.60000"))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO rate_state`)).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), int64(1)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO rate_state`)).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), int64(1)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.ExecTx(ctx, func(tx Tx) error {
		st, err := tx.RateState(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(0), st.HalvingStep)

		next := st.TotalIssued.Add(decimal.RequireFromString("0.5"))
		ok, err := tx.CompareAndSwapIssuance(ctx, st.TotalIssued, next)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = tx.CompareAndSwapIssuance(ctx, st.TotalIssued, next)
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStoreLockRateStateHoldsRow(t *testing.T) {
	mock, s := newMock(t)
	ctx := context.Background()

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT total_issued::text FROM rate_state WHERE id = 1 FOR UPDATE`)).
		WillReturnRows(pgxmock.NewRows([]string{"total_issued"}).AddRow("2.40000"))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO rate_state`)).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), int64(3)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.ExecTx(ctx, func(tx Tx) error {
		st, err := tx.LockRateState(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(2), st.HalvingStep)

		ok, err := tx.CompareAndSwapIssuance(ctx, st.TotalIssued, st.TotalIssued.Add(decimal.NewFromInt(1)))
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStoreRateStateDefaultsToZero(t *testing.T) {
	mock, s := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT total_issued::text FROM rate_state`)).
		WillReturnRows(pgxmock.NewRows([]string{"total_issued"}))

	st, err := s.GetRateState(context.Background())
	require.NoError(t, err)
	assert.True(t, st.TotalIssued.IsZero())
	assert.Equal(t, int64(0), st.HalvingStep)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStoreListTransactions(t *testing.T) {
	mock, s := newMock(t)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	cols := []string{"id", "from_account", "to_account", "amount", "currency", "kind", "direction",
		"counter_amount", "new_coin_balance", "new_rub_balance", "external_id", "purpose", "created_at"}
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE from_account = $1 OR to_account = $1 ORDER BY created_at DESC`)).
		WithArgs("100001").
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("a1", "100001", "100002", "4.00000", "COIN", "transfer", "", nil, nil, nil, "", "", created).
			AddRow("a0", "MERCHANT:shop", "100001", "1.50000", "COIN", "merchant_payment", "", nil, nil, nil, "", "", created.Add(-time.Hour)))

	txs, err := s.ListTransactions(context.Background(), "100001")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, domain.TxTransfer, txs[0].Kind)
	assert.True(t, txs[0].Amount.Equal(decimal.NewFromInt(4)))
	assert.Nil(t, txs[0].CounterAmount)
	assert.Equal(t, domain.MerchantRef("shop"), domain.ParseLedgerID(txs[1].FromAccountID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateRunsEverySchemaStatement(t *testing.T) {
	mock, _ := newMock(t)

	for range schema {
		mock.ExpectExec(".*").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}

	require.NoError(t, Migrate(context.Background(), mock))
	assert.NoError(t, mock.ExpectationsWereMet())
}
