// Package exposure implements open-position limits that account for
// currency correlation between instruments.
//
// Holding EURUSD, EURGBP and EURJPY at once is three bets on the euro. The
// limiter caps the lots held on any one symbol and the aggregate lots of
// every position sharing a currency leg.
package exposure

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/instrument"
	"github.com/atmx/contest-engine/internal/model"
)

var (
	// ErrSymbolLimitExceeded is returned when a trade would push the lots
	// held on one symbol beyond the per-symbol maximum.
	ErrSymbolLimitExceeded = errors.New("exposure: per-symbol lot limit exceeded")

	// ErrCurrencyLimitExceeded is returned when a trade would push the
	// aggregate lots across positions sharing a currency beyond the
	// correlated maximum.
	ErrCurrencyLimitExceeded = errors.New("exposure: correlated currency limit exceeded")
)

// Limiter enforces lot limits with currency correlation. A zero limit
// disables that check.
type Limiter struct {
	// MaxPerSymbol is the maximum gross lots on any single symbol.
	MaxPerSymbol decimal.Decimal

	// MaxPerCurrency is the maximum gross lots across all positions whose
	// base or quote is the same currency.
	MaxPerCurrency decimal.Decimal

	catalog *instrument.Catalog
}

// NewLimiter creates a limiter with the given per-symbol and per-currency
// lot limits.
func NewLimiter(maxPerSymbol, maxPerCurrency decimal.Decimal, catalog *instrument.Catalog) *Limiter {
	return &Limiter{
		MaxPerSymbol:   maxPerSymbol,
		MaxPerCurrency: maxPerCurrency,
		catalog:        catalog,
	}
}

// CheckLimit validates whether opening lots of symbol respects the limits
// given the participant's currently open positions. Longs and shorts both
// count toward gross exposure.
func (l *Limiter) CheckLimit(symbol string, lots decimal.Decimal, open []model.Position) error {
	target := l.catalog.Resolve(symbol)

	// 1. Per-symbol limit.
	if l.MaxPerSymbol.IsPositive() {
		held := lots
		for _, p := range open {
			if instrument.Normalize(p.Symbol) == target.Symbol {
				held = held.Add(p.Quantity)
			}
		}
		if held.GreaterThan(l.MaxPerSymbol) {
			return ErrSymbolLimitExceeded
		}
	}

	// 2. Correlated exposure per currency leg.
	if !l.MaxPerCurrency.IsPositive() {
		return nil
	}
	for _, ccy := range legs(target) {
		total := lots
		for _, p := range open {
			if shares(l.catalog.Resolve(p.Symbol), ccy) {
				total = total.Add(p.Quantity)
			}
		}
		if total.GreaterThan(l.MaxPerCurrency) {
			return ErrCurrencyLimitExceeded
		}
	}
	return nil
}

// legs returns the non-USD currencies of an instrument. USD is the account
// currency and appears in most pairs, so it is not treated as correlation.
func legs(it instrument.Instrument) []string {
	var out []string
	for _, c := range []string{it.Base, it.Quote} {
		if c != "" && c != "USD" {
			out = append(out, c)
		}
	}
	return out
}

func shares(it instrument.Instrument, ccy string) bool {
	return it.Base == ccy || it.Quote == ccy
}
