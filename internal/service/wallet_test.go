package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/gugapay/internal/domain"
	"github.com/punchamoorthee/gugapay/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

type fixture struct {
	store  *store.MemoryStore
	wallet *Wallet
	logs   *test.Hook
}

func newFixture(t *testing.T, accounts ...domain.Account) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	s := store.NewMemoryStore()
	for _, acc := range accounts {
		s.PutAccount(acc)
	}
	return &fixture{store: s, wallet: NewWallet(s, logger), logs: hook}
}

func user(id, coin, rub string) domain.Account {
	return domain.Account{Ref: domain.UserRef(id), CoinBalance: dec(coin), FiatBalance: dec(rub)}
}

func merchant(id, coin string) domain.Account {
	return domain.Account{Ref: domain.MerchantRef(id), CoinBalance: dec(coin)}
}

func (f *fixture) account(t *testing.T, ref domain.AccountRef) *domain.Account {
	t.Helper()
	acc, err := f.store.GetAccount(context.Background(), ref)
	require.NoError(t, err)
	return acc
}

func (f *fixture) history(t *testing.T, ref domain.AccountRef) []domain.Transaction {
	t.Helper()
	txs, err := f.wallet.History(context.Background(), ref)
	require.NoError(t, err)
	return txs
}

func TestTransferMovesCoin(t *testing.T) {
	f := newFixture(t, user("A", "10", "0"), user("B", "2.5", "0"))

	res, err := f.wallet.Transfer(context.Background(), "A", "B", dec("4"), domain.CurrencyCoin)
	require.NoError(t, err)
	assert.Equal(t, "6.00000", domain.CurrencyCoin.Format(res.FromBalance))
	assert.Equal(t, "6.50000", domain.CurrencyCoin.Format(res.ToBalance))

	txs := f.history(t, domain.UserRef("A"))
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxTransfer, txs[0].Kind)
	assert.Equal(t, domain.CurrencyCoin, txs[0].Currency)
	assert.True(t, txs[0].Amount.Equal(dec("4")))
	assert.Equal(t, "A", txs[0].FromAccountID)
	assert.Equal(t, "B", txs[0].ToAccountID)
	assert.Equal(t, res.TransactionID, txs[0].ID)

	entry := f.logs.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "transaction committed", entry.Message)
	assert.Equal(t, "4.00000", entry.Data["amount"])
}

func TestTransferConservesValue(t *testing.T) {
	f := newFixture(t, user("A", "0.33333", "10.01"), user("B", "7", "0.99"))

	for _, c := range []domain.Currency{domain.CurrencyCoin, domain.CurrencyRUB} {
		a0, b0 := f.account(t, domain.UserRef("A")).Balance(c), f.account(t, domain.UserRef("B")).Balance(c)
		amount := dec("0.01")

		_, err := f.wallet.Transfer(context.Background(), "A", "B", amount, c)
		require.NoError(t, err)

		a1, b1 := f.account(t, domain.UserRef("A")).Balance(c), f.account(t, domain.UserRef("B")).Balance(c)
		assert.True(t, a0.Add(b0).Equal(a1.Add(b1)), "total changed for %s", c)
		assert.True(t, a1.Equal(a0.Sub(amount)))
	}
}

func TestTransferRejections(t *testing.T) {
	f := newFixture(t, user("A", "1", "5"), user("B", "0", "999999999.99"))
	ctx := context.Background()

	tests := []struct {
		name     string
		from, to string
		amount   decimal.Decimal
		currency domain.Currency
		want     *Error
	}{
		{"self transfer", "A", "A", dec("1"), domain.CurrencyCoin, ErrSelfTransfer},
		{"zero amount", "A", "B", decimal.Zero, domain.CurrencyCoin, ErrInvalidAmount},
		{"negative amount", "A", "B", dec("-1"), domain.CurrencyCoin, ErrInvalidAmount},
		{"too many coin digits", "A", "B", dec("0.000001"), domain.CurrencyCoin, ErrInvalidAmount},
		{"too many rub digits", "A", "B", dec("0.001"), domain.CurrencyRUB, ErrInvalidAmount},
		{"huge exponent", "A", "B", dec("1e300000000"), domain.CurrencyCoin, ErrAmountTooLarge},
		{"tiny exponent", "A", "B", dec("1e-300000000"), domain.CurrencyCoin, ErrInvalidAmount},
		{"missing sender", "", "B", dec("1"), domain.CurrencyCoin, ErrInvalidInput},
		{"unknown currency", "A", "B", dec("1"), domain.Currency("USD"), ErrInvalidInput},
		{"unknown receiver", "A", "ghost", dec("1"), domain.CurrencyCoin, ErrAccountNotFound},
		{"overdraft", "A", "B", dec("1.00001"), domain.CurrencyCoin, ErrInsufficientFunds},
		{"receiver at ceiling", "A", "B", dec("0.01"), domain.CurrencyRUB, ErrBalanceLimitExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.wallet.Transfer(ctx, tt.from, tt.to, tt.amount, tt.currency)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.True(t, f.account(t, domain.UserRef("A")).CoinBalance.Equal(dec("1")))
	assert.True(t, f.account(t, domain.UserRef("A")).FiatBalance.Equal(dec("5")))
	assert.Empty(t, f.history(t, domain.UserRef("A")))
}

func TestExtremeExponentsFailFast(t *testing.T) {
	f := newFixture(t, user("A", "10", "10"), user("B", "0", "0"), merchant("m", "10"))
	ctx := context.Background()

	ops := map[string]func(decimal.Decimal) error{
		"transfer": func(a decimal.Decimal) error {
			_, err := f.wallet.Transfer(ctx, "A", "B", a, domain.CurrencyCoin)
			return err
		},
		"exchange": func(a decimal.Decimal) error {
			_, err := f.wallet.Exchange(ctx, "A", domain.CoinToRub, a)
			return err
		},
		"merchant payment": func(a decimal.Decimal) error {
			_, err := f.wallet.MerchantPayment(ctx, "A", "m", a, "")
			return err
		},
		"merchant transfer": func(a decimal.Decimal) error {
			_, err := f.wallet.MerchantTransfer(ctx, "m", "A", a)
			return err
		},
		"rub purchase": func(a decimal.Decimal) error {
			_, err := f.wallet.RubPurchase(ctx, "A", domain.RubSale, a)
			return err
		},
		"mining": func(a decimal.Decimal) error {
			_, err := f.wallet.MiningCredit(ctx, "A", &a)
			return err
		},
		"cloudtips": func(a decimal.Decimal) error {
			_, err := f.wallet.CloudtipsCredit(ctx, "A_1700000000", a)
			return err
		},
	}
	amounts := []struct {
		amount string
		want   *Error
	}{
		{"1e300000000", ErrAmountTooLarge},
		{"1e-300000000", ErrInvalidAmount},
		{"1e10", ErrAmountTooLarge},
		{"1e-21", ErrInvalidAmount},
	}

	for name, op := range ops {
		for _, tt := range amounts {
			t.Run(name+" "+tt.amount, func(t *testing.T) {
				done := make(chan error, 1)
				go func() { done <- op(dec(tt.amount)) }()
				select {
				case err := <-done:
					assert.ErrorIs(t, err, tt.want)
				case <-time.After(5 * time.Second):
					t.Fatal("validation did not return")
				}
			})
		}
	}

	assert.True(t, f.account(t, domain.UserRef("A")).CoinBalance.Equal(dec("10")))
	assert.Empty(t, f.history(t, domain.UserRef("A")))
}

func TestExchangeRubToCoinAtBaseRate(t *testing.T) {
	f := newFixture(t, user("u", "0", "100"))

	res, err := f.wallet.Exchange(context.Background(), "u", domain.RubToCoin, dec("100"))
	require.NoError(t, err)
	assert.Equal(t, "100.00000", domain.CurrencyCoin.Format(res.CoinBalance))
	assert.Equal(t, "0.00", domain.CurrencyRUB.Format(res.FiatBalance))

	txs := f.history(t, domain.UserRef("u"))
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxExchange, txs[0].Kind)
	assert.Equal(t, domain.RubToCoin, txs[0].Direction)
	assert.Equal(t, domain.CurrencyRUB, txs[0].Currency)
	require.NotNil(t, txs[0].CounterAmount)
	assert.True(t, txs[0].CounterAmount.Equal(dec("100")))
	require.NotNil(t, txs[0].NewFiatBalance)
	assert.True(t, txs[0].NewFiatBalance.IsZero())
}

func TestExchangeRejections(t *testing.T) {
	f := newFixture(t, user("u", "0", "1000"), user("rich", "999999999.99999", "1"))
	ctx := context.Background()

	_, err := f.wallet.Exchange(ctx, "u", domain.CoinToRub, dec("1"))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = f.wallet.Exchange(ctx, "u", domain.Direction("sideways"), dec("1"))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.wallet.Exchange(ctx, "u", domain.RubToCoin, dec("100000000"))
	assert.ErrorIs(t, err, ErrAmountTooLarge)

	_, err = f.wallet.Exchange(ctx, "u", domain.RubToCoin, dec("1.001"))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.wallet.Exchange(ctx, "rich", domain.RubToCoin, dec("1"))
	assert.ErrorIs(t, err, ErrBalanceLimitExceeded)

	_, err = f.wallet.Exchange(ctx, "u", domain.RubToCoin, dec("1000"))
	require.NoError(t, err)
	_, err = f.wallet.Exchange(ctx, "u", domain.CoinToRub, dec("0.00001"))
	assert.ErrorIs(t, err, ErrInvalidAmount, "credit rounds to zero RUB")
}

func TestConvertIsDeterministic(t *testing.T) {
	mult := domain.Multiplier(3)

	assert.Equal(t, "10.60", Convert(dec("10"), mult, domain.CoinToRub).StringFixed(2))
	assert.Equal(t, "9.43396", Convert(dec("10"), mult, domain.RubToCoin).StringFixed(5))
	assert.Equal(t, "0.01", Convert(dec("0.00500"), domain.Multiplier(0), domain.CoinToRub).StringFixed(2))
	assert.True(t, Convert(dec("7.77"), mult, domain.RubToCoin).Equal(Convert(dec("7.77"), mult, domain.RubToCoin)))
}

func TestExchangeRoundTrip(t *testing.T) {
	f := newFixture(t, user("u", "12.34567", "0"))
	ctx := context.Background()
	_, err := f.wallet.MiningCredit(ctx, "u", ptr(dec("2")))
	require.NoError(t, err)

	before := f.account(t, domain.UserRef("u")).CoinBalance
	out, err := f.wallet.Exchange(ctx, "u", domain.CoinToRub, dec("5"))
	require.NoError(t, err)
	back, err := f.wallet.Exchange(ctx, "u", domain.RubToCoin, out.Credited)
	require.NoError(t, err)

	assert.True(t, out.Multiplier.Equal(dec("1.04")))
	drift := back.CoinBalance.Sub(before).Abs()
	assert.True(t, drift.LessThanOrEqual(dec("0.01")), "drift %s", drift)
}

func TestMerchantPaymentAndTransfer(t *testing.T) {
	f := newFixture(t, user("u", "5", "0"), merchant("shop", "1"))
	ctx := context.Background()

	paid, err := f.wallet.MerchantPayment(ctx, "u", "shop", dec("2.5"), " coffee ")
	require.NoError(t, err)
	assert.True(t, paid.Balance.Equal(dec("2.5")))

	bal, err := f.wallet.MerchantBalance(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, "3.50000", domain.CurrencyCoin.Format(bal))

	back, err := f.wallet.MerchantTransfer(ctx, "shop", "u", dec("3.5"))
	require.NoError(t, err)
	assert.True(t, back.Balance.IsZero())

	_, err = f.wallet.MerchantTransfer(ctx, "shop", "u", dec("0.00001"))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	txs := f.history(t, domain.MerchantRef("shop"))
	require.Len(t, txs, 2)
	assert.Equal(t, "MERCHANT:shop", txs[0].FromAccountID)
	assert.Equal(t, "u", txs[0].ToAccountID)
	assert.Equal(t, "u", txs[1].FromAccountID)
	assert.Equal(t, "MERCHANT:shop", txs[1].ToAccountID)
	assert.Equal(t, "coffee", txs[1].Purpose)
	assert.Equal(t, domain.TxMerchantPayment, txs[1].Kind)

	_, err = f.wallet.MerchantBalance(ctx, "nope")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestRubPurchaseAndSale(t *testing.T) {
	f := newFixture(t, user("u", "0", "10"))
	ctx := context.Background()

	res, err := f.wallet.RubPurchase(ctx, "u", domain.RubPurchase, dec("3.5"))
	require.NoError(t, err)
	assert.Equal(t, "6.50", domain.CurrencyRUB.Format(res.FiatBalance))

	res, err = f.wallet.RubPurchase(ctx, "u", domain.RubSale, dec("0.5"))
	require.NoError(t, err)
	assert.Equal(t, "7.00", domain.CurrencyRUB.Format(res.FiatBalance))

	_, err = f.wallet.RubPurchase(ctx, "u", domain.RubPurchase, dec("7.01"))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = f.wallet.RubPurchase(ctx, "u", domain.RubOperation("refund"), dec("1"))
	assert.ErrorIs(t, err, ErrInvalidInput)

	txs := f.history(t, domain.UserRef("u"))
	require.Len(t, txs, 2)
	assert.Equal(t, domain.CurrencyRUB, txs[0].Currency)
	assert.Equal(t, "", txs[0].FromAccountID)
	assert.Equal(t, "u", txs[1].FromAccountID)
	assert.Equal(t, "", txs[1].ToAccountID)
}

func TestMiningCreditAdvancesHalving(t *testing.T) {
	f := newFixture(t, user("u", "0", "0"))
	ctx := context.Background()

	res, err := f.wallet.MiningCredit(ctx, "u", ptr(dec("0.6")))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.HalvingStep)

	res, err = f.wallet.MiningCredit(ctx, "u", ptr(dec("0.5")))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.HalvingStep)
	assert.True(t, res.CoinBalance.Equal(dec("1.1")))

	st, err := f.wallet.HalvingInfo(ctx)
	require.NoError(t, err)
	assert.True(t, st.TotalIssued.Equal(dec("1.1")))
	assert.True(t, st.Multiplier().Equal(dec("1.02")))

	res, err = f.wallet.MiningCredit(ctx, "u", nil)
	require.NoError(t, err)
	assert.True(t, res.CoinBalance.Equal(dec("1.10001")))
}

func TestHalvingStepIsMonotonic(t *testing.T) {
	f := newFixture(t, user("u", "0", "0"))
	ctx := context.Background()

	sum := decimal.Zero
	last := int64(0)
	for _, a := range []string{"0.3", "0.00001", "0.9", "1.5", "0.29999", "2"} {
		res, err := f.wallet.MiningCredit(ctx, "u", ptr(dec(a)))
		require.NoError(t, err)
		sum = sum.Add(dec(a))

		assert.GreaterOrEqual(t, res.HalvingStep, last)
		assert.Equal(t, sum.Floor().IntPart(), res.HalvingStep)
		last = res.HalvingStep
	}
}

func TestBlockedAccountRejectsMutations(t *testing.T) {
	f := newFixture(t, user("blocked", "10", "100"), user("ok", "10", "100"), merchant("shop", "10"))
	require.NoError(t, f.store.SetBlocked(domain.UserRef("blocked"), true))
	ctx := context.Background()

	ops := map[string]func() error{
		"transfer out": func() error {
			_, err := f.wallet.Transfer(ctx, "blocked", "ok", dec("1"), domain.CurrencyCoin)
			return err
		},
		"transfer in": func() error {
			_, err := f.wallet.Transfer(ctx, "ok", "blocked", dec("1"), domain.CurrencyRUB)
			return err
		},
		"exchange": func() error {
			_, err := f.wallet.Exchange(ctx, "blocked", domain.CoinToRub, dec("1"))
			return err
		},
		"merchant payment": func() error {
			_, err := f.wallet.MerchantPayment(ctx, "blocked", "shop", dec("1"), "")
			return err
		},
		"merchant transfer": func() error {
			_, err := f.wallet.MerchantTransfer(ctx, "shop", "blocked", dec("1"))
			return err
		},
		"rub purchase": func() error {
			_, err := f.wallet.RubPurchase(ctx, "blocked", domain.RubSale, dec("1"))
			return err
		},
		"mining": func() error {
			_, err := f.wallet.MiningCredit(ctx, "blocked", nil)
			return err
		},
		"cloudtips": func() error {
			_, err := f.wallet.CloudtipsCredit(ctx, "blocked_1700000000", dec("1"))
			return err
		},
	}

	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, op(), ErrAccountBlocked)
		})
	}

	acc := f.account(t, domain.UserRef("blocked"))
	assert.True(t, acc.CoinBalance.Equal(dec("10")))
	assert.True(t, acc.FiatBalance.Equal(dec("100")))
	assert.Empty(t, f.history(t, domain.UserRef("blocked")))

	st, err := f.wallet.HalvingInfo(ctx)
	require.NoError(t, err)
	assert.True(t, st.TotalIssued.IsZero())
}

func TestBlockedMerchantRejectsPayments(t *testing.T) {
	f := newFixture(t, user("u", "10", "0"), merchant("shop", "10"))
	require.NoError(t, f.store.SetBlocked(domain.MerchantRef("shop"), true))

	_, err := f.wallet.MerchantPayment(context.Background(), "u", "shop", dec("1"), "")
	assert.ErrorIs(t, err, ErrAccountBlocked)
	_, err = f.wallet.MerchantTransfer(context.Background(), "shop", "u", dec("1"))
	assert.ErrorIs(t, err, ErrAccountBlocked)
}

func TestCloudtipsCreditIsIdempotent(t *testing.T) {
	f := newFixture(t, user("42", "0", "1"))
	ctx := context.Background()

	first, err := f.wallet.CloudtipsCredit(ctx, "42_1700000000", dec("150"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, "151.00", domain.CurrencyRUB.Format(first.FiatBalance))

	again, err := f.wallet.CloudtipsCredit(ctx, "42_1700000000", dec("150"))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.TransactionID, again.TransactionID)
	assert.Equal(t, "151.00", domain.CurrencyRUB.Format(again.FiatBalance))

	txs := f.history(t, domain.UserRef("42"))
	require.Len(t, txs, 1)
	assert.Equal(t, "42_1700000000", txs[0].ExternalID)
	assert.Equal(t, domain.TxCloudtipsCredit, txs[0].Kind)
}

func TestParseInvoiceID(t *testing.T) {
	id, err := ParseInvoiceID("100500_abc_def")
	require.NoError(t, err)
	assert.Equal(t, "100500", id)

	for _, bad := range []string{"", "100500", "_abc"} {
		_, err := ParseInvoiceID(bad)
		assert.ErrorIs(t, err, ErrInvalidInput, bad)
	}
}

func TestIdempotentReads(t *testing.T) {
	f := newFixture(t, user("u", "1", "1"), merchant("shop", "4.2"))
	ctx := context.Background()
	_, err := f.wallet.MiningCredit(ctx, "u", ptr(dec("3.3")))
	require.NoError(t, err)

	s1, err := f.wallet.HalvingInfo(ctx)
	require.NoError(t, err)
	s2, err := f.wallet.HalvingInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)

	b1, err := f.wallet.MerchantBalance(ctx, "shop")
	require.NoError(t, err)
	b2, err := f.wallet.MerchantBalance(ctx, "shop")
	require.NoError(t, err)
	assert.True(t, b1.Equal(b2))
}

func TestTransactionLookup(t *testing.T) {
	f := newFixture(t, user("A", "1", "0"), user("B", "0", "0"))
	ctx := context.Background()

	res, err := f.wallet.Transfer(ctx, "A", "B", dec("1"), domain.CurrencyCoin)
	require.NoError(t, err)

	got, err := f.wallet.Transaction(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxTransfer, got.Kind)

	_, err = f.wallet.Transaction(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	_, err = f.wallet.Transaction(ctx, "6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	txs, err := f.wallet.History(ctx, domain.UserRef("stranger"))
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestConcurrentTransfersNeverOverdraw(t *testing.T) {
	f := newFixture(t, user("A", "10", "0"), user("B", "0", "0"))
	ctx := context.Background()

	const workers = 50
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, poor int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.wallet.Transfer(ctx, "A", "B", dec("1"), domain.CurrencyCoin)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientFunds):
				poor++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, workers-10, poor)
	assert.True(t, f.account(t, domain.UserRef("A")).CoinBalance.IsZero())
	assert.True(t, f.account(t, domain.UserRef("B")).CoinBalance.Equal(dec("10")))
	assert.Len(t, f.history(t, domain.UserRef("B")), 10)
}

// failingLedger breaks AppendTransaction to check that balance writes roll back.
type failingLedger struct {
	store.Store
}

func (f failingLedger) ExecTx(ctx context.Context, fn func(store.Tx) error) error {
	return f.Store.ExecTx(ctx, func(tx store.Tx) error {
		return fn(brokenAppend{tx})
	})
}

type brokenAppend struct {
	store.Tx
}

func (brokenAppend) AppendTransaction(context.Context, *domain.Transaction) error {
	return errors.New("disk full")
}

func TestLedgerFailureRollsBackBalances(t *testing.T) {
	s := store.NewMemoryStore()
	s.PutAccount(user("A", "5", "0"))
	s.PutAccount(user("B", "0", "0"))
	logger, _ := test.NewNullLogger()
	w := NewWallet(failingLedger{s}, logger)

	_, err := w.Transfer(context.Background(), "A", "B", dec("1"), domain.CurrencyCoin)
	assert.ErrorIs(t, err, ErrLedgerWriteFailed)
	assert.Equal(t, CodeLedgerWriteFailed, CodeOf(err))

	acc, err := s.GetAccount(context.Background(), domain.UserRef("A"))
	require.NoError(t, err)
	assert.True(t, acc.CoinBalance.Equal(dec("5")))
}
