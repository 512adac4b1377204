package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/punchamoorthee/gugapay/internal/api"
	"github.com/punchamoorthee/gugapay/internal/config"
	"github.com/punchamoorthee/gugapay/internal/domain"
	"github.com/punchamoorthee/gugapay/internal/logging"
	"github.com/punchamoorthee/gugapay/internal/service"
	"github.com/punchamoorthee/gugapay/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const firstDemoUserID = 100001

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal(err)
	}

	log, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		logrus.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledgerStore, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Unable to open store")
	}
	defer closeStore()

	// Initialize Layers
	wallet := service.NewWallet(ledgerStore, log)
	handler := api.NewHandler(wallet, log)

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: api.NewServer(handler, api.Options{
			CORSOrigin:     cfg.CORSOrigin,
			RateLimitRPS:   cfg.RateLimitRPS,
			RateLimitBurst: cfg.RateLimitBurst,
		}, log),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"port": cfg.Port, "store": cfg.StoreDriver}).Info("Server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed")
		}
	case <-ctx.Done():
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Graceful shutdown failed")
		}
	}
}

func openStore(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (store.Store, func(), error) {
	if cfg.StoreDriver == config.DriverMemory {
		mem := store.NewMemoryStore()
		seedDemo(mem, cfg.DemoAccounts)
		log.WithField("accounts", cfg.DemoAccounts).Warn("Using in-memory store, balances are lost on exit")
		return mem, func() {}, nil
	}

	pool, err := store.Connect(ctx, cfg.DBSource)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store.NewLedgerStore(pool), pool.Close, nil
}

// seedDemo gives each demo user 100 coin and 1000 RUB, plus one merchant
// per ten users.
func seedDemo(mem *store.MemoryStore, n int) {
	for i := 0; i < n; i++ {
		mem.PutAccount(domain.Account{
			Ref:         domain.UserRef(strconv.Itoa(firstDemoUserID + i)),
			CoinBalance: decimal.NewFromInt(100),
			FiatBalance: decimal.NewFromInt(1000),
		})
		if i%10 == 0 {
			mem.PutAccount(domain.Account{Ref: domain.MerchantRef("merchant-" + strconv.Itoa(i/10+1))})
		}
	}
}
