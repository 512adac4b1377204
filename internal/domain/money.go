package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

type Currency string

const (
	CurrencyCoin Currency = "COIN"
	CurrencyRUB  Currency = "RUB"
)

// Fractional digits held for each currency.
const (
	CoinScale int32 = 5
	FiatScale int32 = 2
)

var (
	// MaxExchangeAmount bounds a single exchange request.
	MaxExchangeAmount = decimal.RequireFromString("99999999.99")

	// DefaultMiningAmount is credited when a mining request omits the amount.
	DefaultMiningAmount = decimal.New(1, -CoinScale)

	coinCeiling = decimal.RequireFromString("999999999.99999")
	fiatCeiling = decimal.RequireFromString("999999999.99")
)

// ParseCurrency accepts COIN, GUGA or RUB in any case. Empty means coin.
func ParseCurrency(s string) (Currency, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "COIN", "GUGA":
		return CurrencyCoin, true
	case "RUB":
		return CurrencyRUB, true
	}
	return "", false
}

func (c Currency) Valid() bool {
	return c == CurrencyCoin || c == CurrencyRUB
}

func (c Currency) Scale() int32 {
	if c == CurrencyRUB {
		return FiatScale
	}
	return CoinScale
}

// Ceiling is the largest balance the storage representation can hold.
func (c Currency) Ceiling() decimal.Decimal {
	if c == CurrencyRUB {
		return fiatCeiling
	}
	return coinCeiling
}

// Round rounds half away from zero to the currency scale.
func (c Currency) Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(c.Scale())
}

// Representable reports whether d carries no more digits than the scale allows.
func (c Currency) Representable(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(c.Scale()))
}

// Format renders d with exactly Scale fractional digits.
func (c Currency) Format(d decimal.Decimal) string {
	return d.StringFixed(c.Scale())
}
