package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// NewParticipant seeds a ledger with the contest's starting capital.
func NewParticipant(id, contestID, userID string, kind ContestKind, capital decimal.Decimal, joinedAt time.Time) *Participant {
	return &Participant{
		ID:               id,
		ContestID:        contestID,
		ContestKind:      kind,
		UserID:           userID,
		Status:           ParticipantActive,
		StartingCapital:  capital,
		CurrentCapital:   capital,
		AvailableCapital: capital,
		JoinedAt:         joinedAt,
	}
}

// ApplyOpen reserves margin for a new position.
func (p *Participant) ApplyOpen(margin decimal.Decimal) {
	p.AvailableCapital = p.AvailableCapital.Sub(margin)
	p.UsedMargin = p.UsedMargin.Add(margin)
	p.CurrentOpenPositions++
}

// ApplyClose releases the position's margin and books its realized P&L.
// It is the only place the closing ledger arithmetic lives; every store
// calls it inside its close transaction.
func (p *Participant) ApplyClose(pos *Position, realized decimal.Decimal, countInStats bool) {
	// Deltas only, so CheckInvariants still sees any earlier drift.
	p.RealizedPnl = p.RealizedPnl.Add(realized)
	p.CurrentCapital = p.CurrentCapital.Add(realized)
	p.UsedMargin = p.UsedMargin.Sub(pos.MarginUsed)
	p.AvailableCapital = p.AvailableCapital.Add(pos.MarginUsed).Add(realized)
	p.Pnl = p.Pnl.Add(realized)
	if p.StartingCapital.IsPositive() {
		p.PnlPercentage = p.Pnl.Div(p.StartingCapital).Mul(hundred).Round(4)
	}
	if p.CurrentOpenPositions > 0 {
		p.CurrentOpenPositions--
	}

	if !countInStats {
		return
	}
	p.TotalTrades++
	switch {
	case realized.IsPositive():
		p.WinningTrades++
		n := decimal.NewFromInt(int64(p.WinningTrades))
		p.AverageWin = p.AverageWin.Add(realized.Sub(p.AverageWin).Div(n)).Round(8)
		if realized.GreaterThan(p.LargestWin) {
			p.LargestWin = realized
		}
	case realized.IsNegative():
		p.LosingTrades++
		n := decimal.NewFromInt(int64(p.LosingTrades))
		p.AverageLoss = p.AverageLoss.Add(realized.Sub(p.AverageLoss).Div(n)).Round(8)
		if realized.LessThan(p.LargestLoss) {
			p.LargestLoss = realized
		}
	}
}

// CheckInvariants verifies the two capital identities.
func (p *Participant) CheckInvariants() error {
	if want := p.StartingCapital.Add(p.RealizedPnl); !p.CurrentCapital.Equal(want) {
		return fmt.Errorf("%w: participant %s current capital %s, want %s",
			ErrInvariantViolated, p.ID, p.CurrentCapital, want)
	}
	if sum := p.AvailableCapital.Add(p.UsedMargin); !sum.Equal(p.CurrentCapital) {
		return fmt.Errorf("%w: participant %s available+used %s, current %s",
			ErrInvariantViolated, p.ID, sum, p.CurrentCapital)
	}
	return nil
}

// Liquidate flags the participant as stopped out.
func (p *Participant) Liquidate(reason string, at time.Time) {
	p.Status = ParticipantLiquidated
	p.LiquidationReason = reason
	p.LiquidatedAt = &at
}

// Settle marks pos closed according to c and builds its audit records.
// pos must be open; callers enforce the guard under their own lock.
func Settle(pos *Position, c Closure) (Order, TradeHistory, error) {
	detail, err := EncodeCloseDetail(c.Detail)
	if err != nil {
		return Order{}, TradeHistory{}, err
	}
	reason := c.Detail.Reason()
	closedAt := c.ClosedAt.UTC()
	exit := c.ExitPrice
	holding := int64(closedAt.Sub(pos.OpenedAt).Seconds())
	if holding < 0 {
		holding = 0
	}

	pos.Status = TerminalStatus(reason)
	pos.CloseReason = reason
	pos.ExitPrice = &exit
	pos.RealizedPnl = c.RealizedPnl
	pos.RealizedPnlPercentage = c.RealizedPnlPercentage
	pos.ClosedAt = &closedAt
	pos.HoldingTimeSeconds = holding

	order := Order{
		ID:            uuid.New().String(),
		PositionID:    pos.ID,
		ParticipantID: pos.ParticipantID,
		Symbol:        pos.Symbol,
		Side:          opposite(pos.Side),
		Quantity:      pos.Quantity,
		Price:         exit,
		Reason:        reason,
		Detail:        detail,
		CreatedAt:     closedAt,
	}
	trade := TradeHistory{
		ID:                 uuid.New().String(),
		PositionID:         pos.ID,
		OrderID:            order.ID,
		ParticipantID:      pos.ParticipantID,
		ContestID:          pos.ContestID,
		UserID:             pos.UserID,
		Symbol:             pos.Symbol,
		Side:               pos.Side,
		Quantity:           pos.Quantity,
		Leverage:           pos.Leverage,
		EntryPrice:         pos.EntryPrice,
		ExitPrice:          exit,
		MarginUsed:         pos.MarginUsed,
		RealizedPnl:        c.RealizedPnl,
		PnlPercentage:      c.RealizedPnlPercentage,
		CloseReason:        reason,
		HoldingTimeSeconds: holding,
		OpenedAt:           pos.OpenedAt,
		ClosedAt:           closedAt,
	}
	return order, trade, nil
}

func opposite(s Side) Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}
