package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by *pgx.Conn, *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id     TEXT PRIMARY KEY,
		balance     NUMERIC(14,5) NOT NULL DEFAULT 0 CHECK (balance >= 0),
		rub_balance NUMERIC(14,2) NOT NULL DEFAULT 0 CHECK (rub_balance >= 0),
		blocked     BOOLEAN NOT NULL DEFAULT FALSE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS merchants (
		merchant_id TEXT PRIMARY KEY,
		balance     NUMERIC(14,5) NOT NULL DEFAULT 0 CHECK (balance >= 0),
		blocked     BOOLEAN NOT NULL DEFAULT FALSE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS ledger (
		id               UUID PRIMARY KEY,
		from_account     TEXT,
		to_account       TEXT,
		amount           NUMERIC(14,5) NOT NULL CHECK (amount > 0),
		currency         TEXT NOT NULL CHECK (currency IN ('COIN', 'RUB')),
		kind             TEXT NOT NULL,
		direction        TEXT,
		counter_amount   NUMERIC(14,5),
		new_coin_balance NUMERIC(14,5),
		new_rub_balance  NUMERIC(14,2),
		external_id      TEXT UNIQUE,
		purpose          TEXT,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_from_idx ON ledger (from_account, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS ledger_to_idx ON ledger (to_account, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS rate_state (
		id           INT PRIMARY KEY,
		total_issued NUMERIC(20,5) NOT NULL DEFAULT 0,
		halving_step BIGINT NOT NULL DEFAULT 0,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`INSERT INTO rate_state (id) VALUES (1) ON CONFLICT (id) DO NOTHING`,
}

// Migrate creates the tables if they do not exist. Safe to run on every start.
func Migrate(ctx context.Context, db Execer) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d failed: %w", i+1, err)
		}
	}
	return nil
}
