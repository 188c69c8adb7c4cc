// Package price adapts external quote feeds into bid/ask quotes carrying
// freshness and fallback flags.
package price

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/model"
)

var two = decimal.NewFromInt(2)

// Quote is one bid/ask snapshot for a symbol.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Mid       decimal.Decimal `json:"mid"`
	Spread    decimal.Decimal `json:"spread"`
	Timestamp time.Time       `json:"timestamp"`
	// Fallback is set when the feed served a secondary or synthetic price.
	Fallback bool `json:"is_fallback"`
	Stale    bool `json:"is_stale"`
}

// NewQuote fills in mid and spread from bid and ask.
func NewQuote(symbol string, bid, ask decimal.Decimal, ts time.Time) Quote {
	return Quote{
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Mid:       bid.Add(ask).Div(two),
		Spread:    ask.Sub(bid),
		Timestamp: ts,
	}
}

// Reliable reports whether the quote may drive a close or liquidation.
func (q Quote) Reliable() bool {
	return !q.Stale && !q.Fallback && q.Bid.IsPositive() && q.Ask.IsPositive()
}

// ExitPrice is the side of the book a position of the given side closes
// against: longs sell at bid, shorts buy back at ask.
func (q Quote) ExitPrice(side model.Side) decimal.Decimal {
	if side == model.SideShort {
		return q.Ask
	}
	return q.Bid
}

// EntryPrice is the fill price for opening: longs buy at ask, shorts sell
// at bid.
func (q Quote) EntryPrice(side model.Side) decimal.Decimal {
	if side == model.SideShort {
		return q.Bid
	}
	return q.Ask
}

// Source is the price-feed contract. Prices omits symbols it has no quote
// for rather than failing the whole batch.
type Source interface {
	Price(ctx context.Context, symbol string) (Quote, error)
	Prices(ctx context.Context, symbols []string) (map[string]Quote, error)
}

// ErrImplausibleMove is returned by CheckIntegrity when the mark is too far
// from the entry price to be trusted.
var ErrImplausibleMove = errors.New("price: implausible move from entry")

// CheckIntegrity guards liquidation decisions. It rejects quotes that are
// stale, fallback-sourced, non-positive, or whose exit price for side
// deviates from entry by more than maxDeviation (a fraction, 0.10 = 10%).
func CheckIntegrity(q Quote, side model.Side, entry, maxDeviation decimal.Decimal) error {
	if !q.Reliable() {
		return fmt.Errorf("%w: %s stale=%t fallback=%t", model.ErrUnreliablePrice, q.Symbol, q.Stale, q.Fallback)
	}
	if !entry.IsPositive() || !maxDeviation.IsPositive() {
		return nil
	}
	dev := q.ExitPrice(side).Sub(entry).Abs().Div(entry)
	if dev.GreaterThan(maxDeviation) {
		return fmt.Errorf("%w: %w: %s moved %s%% from entry %s",
			model.ErrUnreliablePrice, ErrImplausibleMove, q.Symbol, dev.Mul(decimal.NewFromInt(100)).StringFixed(2), entry)
	}
	return nil
}
