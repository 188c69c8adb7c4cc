// Package pnl turns a position's side, entry, mark and size into a signed
// USD amount. Everything here is pure.
package pnl

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/instrument"
	"github.com/atmx/contest-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Calculator resolves contract and pip sizes from an instrument catalog.
type Calculator struct {
	catalog *instrument.Catalog
}

// New creates a Calculator backed by catalog.
func New(catalog *instrument.Catalog) *Calculator {
	return &Calculator{catalog: catalog}
}

// Unrealized returns the USD P&L of holding quantity lots of symbol from
// entry to mark. Longs profit when mark rises; shorts when it falls.
// Non-positive prices or quantities yield zero.
func (c *Calculator) Unrealized(side model.Side, entry, mark, quantity decimal.Decimal, symbol string) decimal.Decimal {
	if !entry.IsPositive() || !mark.IsPositive() || !quantity.IsPositive() {
		return decimal.Zero
	}
	inst := c.catalog.Resolve(symbol)
	size := quantity.Mul(inst.ContractSize)

	var quote decimal.Decimal
	switch side {
	case model.SideLong:
		quote = mark.Sub(entry).Mul(size)
	case model.SideShort:
		quote = entry.Sub(mark).Mul(size)
	default:
		return decimal.Zero
	}
	return inst.ToUSD(quote, mark).Round(2)
}

// Position is Unrealized applied to an open position.
func (c *Calculator) Position(p *model.Position, mark decimal.Decimal) decimal.Decimal {
	return c.Unrealized(p.Side, p.EntryPrice, mark, p.Quantity, p.Symbol)
}

// Percentage expresses pnl relative to the margin committed to the
// position, not to total capital.
func Percentage(pnl, marginUsed decimal.Decimal) decimal.Decimal {
	if !marginUsed.IsPositive() {
		return decimal.Zero
	}
	return pnl.Div(marginUsed).Mul(hundred).Round(4)
}

// Pips is the signed distance from entry to mark in pips, positive when
// the move favours side.
func (c *Calculator) Pips(side model.Side, entry, mark decimal.Decimal, symbol string) decimal.Decimal {
	inst := c.catalog.Resolve(symbol)
	move := mark.Sub(entry)
	if side == model.SideShort {
		move = move.Neg()
	}
	return move.Div(inst.PipSize).Round(1)
}
