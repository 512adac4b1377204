package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/gugapay/internal/config"
	"github.com/punchamoorthee/gugapay/internal/logging"
	"github.com/punchamoorthee/gugapay/internal/store"
	"github.com/sirupsen/logrus"
)

// Benchmark users are numbered from 100001 so they look like the ids the
// messenger bot hands out.
const firstUserID = 100001

type seedOptions struct {
	users, merchants int
	coin, rub        int64
}

func main() {
	var opts seedOptions
	flag.IntVar(&opts.users, "users", 1000, "Number of users the database should hold")
	flag.IntVar(&opts.merchants, "merchants", 10, "Number of merchants the database should hold")
	flag.Int64Var(&opts.coin, "coin", 100, "Initial whole-coin balance per user")
	flag.Int64Var(&opts.rub, "rub", 1000, "Initial whole-ruble balance per user")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal(err)
	}
	log, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		logrus.Fatal(err)
	}

	if err := run(context.Background(), cfg.DBSource, opts, log); err != nil {
		log.WithError(err).Fatal("Seeding failed")
	}
}

func run(ctx context.Context, dbURL string, opts seedOptions, log logrus.FieldLogger) error {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	log.Info("--- Seeding Database ---")

	if err := store.Migrate(ctx, conn); err != nil {
		return err
	}

	var users, merchants int
	if err := conn.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&users); err != nil {
		return fmt.Errorf("unable to count users: %w", err)
	}
	if err := conn.QueryRow(ctx, "SELECT COUNT(*) FROM merchants").Scan(&merchants); err != nil {
		return fmt.Errorf("unable to count merchants: %w", err)
	}

	now := time.Now()
	userRows := newUserRows(users, opts.users, opts.coin, opts.rub, now)
	merchantRows := newMerchantRows(merchants, opts.merchants, now)
	if len(userRows) == 0 && len(merchantRows) == 0 {
		log.WithFields(logrus.Fields{"users": users, "merchants": merchants}).Info("Database already seeded. Skipping.")
		return nil
	}

	// CopyFrom is all or nothing per table, so both go in one transaction.
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	copied, err := tx.CopyFrom(ctx,
		pgx.Identifier{"users"},
		[]string{"user_id", "balance", "rub_balance", "created_at"},
		pgx.CopyFromRows(userRows),
	)
	if err != nil {
		return fmt.Errorf("bulk insert of users failed: %w", err)
	}

	copiedMerchants, err := tx.CopyFrom(ctx,
		pgx.Identifier{"merchants"},
		[]string{"merchant_id", "balance", "created_at"},
		pgx.CopyFromRows(merchantRows),
	)
	if err != nil {
		return fmt.Errorf("bulk insert of merchants failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	log.WithFields(logrus.Fields{"users": copied, "merchants": copiedMerchants}).Info("Successfully seeded database")
	return nil
}

// newUserRows tops the users table up from existing to target rows. Ids
// continue after the ones a previous run created.
func newUserRows(existing, target int, coin, rub int64, now time.Time) [][]any {
	if existing >= target {
		return nil
	}
	rows := make([][]any, 0, target-existing)
	for i := existing; i < target; i++ {
		rows = append(rows, []any{strconv.Itoa(firstUserID + i), coin, rub, now})
	}
	return rows
}

func newMerchantRows(existing, target int, now time.Time) [][]any {
	if existing >= target {
		return nil
	}
	rows := make([][]any, 0, target-existing)
	for i := existing; i < target; i++ {
		rows = append(rows, []any{"merchant-" + strconv.Itoa(i+1), int64(0), now})
	}
	return rows
}
