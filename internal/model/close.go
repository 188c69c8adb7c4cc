package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CloseDetail is the closed set of per-reason audit payloads. Only the types
// in this file implement it.
type CloseDetail interface {
	Reason() CloseReason
	closeDetail()
}

// UserClose records a participant-initiated close.
type UserClose struct {
	// LockedPrice is true when the caller-supplied price was honoured.
	LockedPrice bool `json:"locked_price"`
}

type StopLossClose struct {
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	MarkPrice    decimal.Decimal `json:"mark_price"`
}

type TakeProfitClose struct {
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	MarkPrice    decimal.Decimal `json:"mark_price"`
}

type MarginCallClose struct {
	MarginLevelAtTrigger decimal.Decimal `json:"margin_level_at_trigger"`
	EquityAtTrigger      decimal.Decimal `json:"equity_at_trigger"`
}

type ContestEndClose struct {
	ContestID string    `json:"contest_id"`
	EndsAt    time.Time `json:"ends_at"`
}

func (UserClose) Reason() CloseReason       { return CloseReasonUser }
func (StopLossClose) Reason() CloseReason   { return CloseReasonStopLoss }
func (TakeProfitClose) Reason() CloseReason { return CloseReasonTakeProfit }
func (MarginCallClose) Reason() CloseReason { return CloseReasonMarginCall }
func (ContestEndClose) Reason() CloseReason { return CloseReasonContestEnd }

func (UserClose) closeDetail()       {}
func (StopLossClose) closeDetail()   {}
func (TakeProfitClose) closeDetail() {}
func (MarginCallClose) closeDetail() {}
func (ContestEndClose) closeDetail() {}

// TerminalStatus maps a close reason onto the position's final status.
func TerminalStatus(reason CloseReason) PositionStatus {
	if reason == CloseReasonMarginCall {
		return PositionLiquidated
	}
	return PositionClosed
}

// EncodeCloseDetail serializes d for the audit trail.
func EncodeCloseDetail(d CloseDetail) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("encode close detail: nil detail")
	}
	return json.Marshal(d)
}

// DecodeCloseDetail is the inverse of EncodeCloseDetail.
func DecodeCloseDetail(reason CloseReason, data []byte) (CloseDetail, error) {
	var d CloseDetail
	switch reason {
	case CloseReasonUser:
		var v UserClose
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		d = v
	case CloseReasonStopLoss:
		var v StopLossClose
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		d = v
	case CloseReasonTakeProfit:
		var v TakeProfitClose
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		d = v
	case CloseReasonMarginCall:
		var v MarginCallClose
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		d = v
	case CloseReasonContestEnd:
		var v ContestEndClose
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		d = v
	default:
		return nil, fmt.Errorf("decode close detail: unknown reason %q", reason)
	}
	return d, nil
}

// Closure is everything the store needs to close one position atomically.
// The exit price and realized P&L are computed before the transaction begins.
type Closure struct {
	PositionID            string
	Detail                CloseDetail
	ExitPrice             decimal.Decimal
	RealizedPnl           decimal.Decimal
	RealizedPnlPercentage decimal.Decimal
	ClosedAt              time.Time
	// CountInStats controls whether trade counters and win/loss averages move.
	CountInStats bool
}

// ClosedPosition is the committed outcome of a Closure.
type ClosedPosition struct {
	Position    Position
	Participant *Participant // nil for simulator positions
	Order       Order
	Trade       TradeHistory
}
