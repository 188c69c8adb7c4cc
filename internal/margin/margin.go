// Package margin classifies a participant's margin level against the
// configured thresholds and computes the margin required to open.
package margin

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/instrument"
	"github.com/atmx/contest-engine/internal/model"
)

// State is the risk band a margin level falls into.
type State string

const (
	StateSafe        State = "safe"
	StateWarning     State = "warning"
	StateDanger      State = "danger" // margin call
	StateLiquidation State = "liquidation"
)

var hundred = decimal.NewFromInt(100)

// Evaluation is the outcome of Evaluate. Level is meaningless when
// Unbounded is set (no margin in use).
type Evaluation struct {
	Equity    decimal.Decimal `json:"equity"`
	Level     decimal.Decimal `json:"margin_level"`
	Unbounded bool            `json:"unbounded"`
	State     State           `json:"state"`
}

// Evaluate computes equity and margin level and classifies them. It is
// total: invalid thresholds fall back to the defaults and zero used margin
// is always safe.
func Evaluate(capital, unrealized, usedMargin decimal.Decimal, s model.RiskSettings) Evaluation {
	if !s.Valid() {
		s = model.DefaultRiskSettings()
	}
	ev := Evaluation{Equity: capital.Add(unrealized)}

	if !usedMargin.IsPositive() {
		ev.Unbounded = true
		ev.State = StateSafe
		return ev
	}

	ev.Level = ev.Equity.Div(usedMargin).Mul(hundred).Round(4)
	ev.State = Classify(ev.Level, s)
	return ev
}

// Classify maps a finite margin level onto a state.
func Classify(level decimal.Decimal, s model.RiskSettings) State {
	switch {
	case level.GreaterThanOrEqual(s.WarningLevel):
		return StateSafe
	case level.GreaterThanOrEqual(s.MarginCallLevel):
		return StateWarning
	case level.GreaterThanOrEqual(s.LiquidationLevel):
		return StateDanger
	default:
		return StateLiquidation
	}
}

// Required is the USD margin needed to hold quantity lots of inst at price
// with the given leverage.
func Required(inst instrument.Instrument, price, quantity decimal.Decimal, leverage int) decimal.Decimal {
	if leverage < 1 {
		leverage = 1
	}
	notional := price.Mul(quantity).Mul(inst.ContractSize)
	return inst.ToUSD(notional, price).Div(decimal.NewFromInt(int64(leverage))).Round(2)
}
