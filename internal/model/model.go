// Package model defines the core domain types shared across the contest engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ContestKind tags which product a participant belongs to. Both kinds share
// one participant ledger; the tag is resolved once per request.
type ContestKind string

const (
	ContestKindCompetition ContestKind = "competition"
	ContestKindChallenge   ContestKind = "challenge"
)

type ContestStatus string

const (
	ContestStatusUpcoming  ContestStatus = "upcoming"
	ContestStatusActive    ContestStatus = "active"
	ContestStatusEnding    ContestStatus = "ending"
	ContestStatusFinalized ContestStatus = "finalized"
)

type ParticipantStatus string

const (
	ParticipantActive       ParticipantStatus = "active"
	ParticipantLiquidated   ParticipantStatus = "liquidated"
	ParticipantCompleted    ParticipantStatus = "completed"
	ParticipantDisqualified ParticipantStatus = "disqualified"
	ParticipantRefunded     ParticipantStatus = "refunded"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid reports whether s is one of the two supported sides.
func (s Side) Valid() bool { return s == SideLong || s == SideShort }

type PositionStatus string

const (
	PositionOpen       PositionStatus = "open"
	PositionClosed     PositionStatus = "closed"
	PositionLiquidated PositionStatus = "liquidated"
)

type CloseReason string

const (
	CloseReasonUser       CloseReason = "user"
	CloseReasonStopLoss   CloseReason = "stop_loss"
	CloseReasonTakeProfit CloseReason = "take_profit"
	CloseReasonMarginCall CloseReason = "margin_call"
	CloseReasonContestEnd CloseReason = "contest_end"
)

// Contest is a time-boxed trading competition or challenge.
type Contest struct {
	ID              string          `json:"id" db:"id"`
	Kind            ContestKind     `json:"kind" db:"kind"`
	Name            string          `json:"name" db:"name"`
	Status          ContestStatus   `json:"status" db:"status"`
	StartingCapital decimal.Decimal `json:"starting_capital" db:"starting_capital"`
	MaxLeverage     int             `json:"max_leverage" db:"max_leverage"`
	StartsAt        time.Time       `json:"starts_at" db:"starts_at"`
	EndsAt          time.Time       `json:"ends_at" db:"ends_at"`
}

// Participant is the capital ledger of one user inside one contest.
//
// Invariants maintained by every close:
//
//	CurrentCapital == StartingCapital + RealizedPnl
//	AvailableCapital + UsedMargin == CurrentCapital
//
// UnrealizedPnl is a cache refreshed by the risk sweep and is never used to
// derive CurrentCapital.
type Participant struct {
	ID          string            `json:"id" db:"id"`
	ContestID   string            `json:"contest_id" db:"contest_id"`
	ContestKind ContestKind       `json:"contest_kind" db:"contest_kind"`
	UserID      string            `json:"user_id" db:"user_id"`
	Status      ParticipantStatus `json:"status" db:"status"`

	StartingCapital  decimal.Decimal `json:"starting_capital" db:"starting_capital"`
	CurrentCapital   decimal.Decimal `json:"current_capital" db:"current_capital"`
	AvailableCapital decimal.Decimal `json:"available_capital" db:"available_capital"`
	UsedMargin       decimal.Decimal `json:"used_margin" db:"used_margin"`
	RealizedPnl      decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	Pnl              decimal.Decimal `json:"pnl" db:"pnl"`
	PnlPercentage    decimal.Decimal `json:"pnl_percentage" db:"pnl_percentage"`

	TotalTrades          int `json:"total_trades" db:"total_trades"`
	WinningTrades        int `json:"winning_trades" db:"winning_trades"`
	LosingTrades         int `json:"losing_trades" db:"losing_trades"`
	CurrentOpenPositions int `json:"current_open_positions" db:"current_open_positions"`

	AverageWin  decimal.Decimal `json:"average_win" db:"average_win"`
	AverageLoss decimal.Decimal `json:"average_loss" db:"average_loss"` // <= 0
	LargestWin  decimal.Decimal `json:"largest_win" db:"largest_win"`
	LargestLoss decimal.Decimal `json:"largest_loss" db:"largest_loss"` // <= 0

	LiquidationReason   string     `json:"liquidation_reason,omitempty" db:"liquidation_reason"`
	LiquidatedAt        *time.Time `json:"liquidated_at,omitempty" db:"liquidated_at"`
	UnrealizedUpdatedAt *time.Time `json:"unrealized_updated_at,omitempty" db:"unrealized_updated_at"`
	JoinedAt            time.Time  `json:"joined_at" db:"joined_at"`
}

// Position is one leveraged exposure on one symbol. Quantity is in lots.
type Position struct {
	ID            string          `json:"id" db:"id"`
	ParticipantID string          `json:"participant_id" db:"participant_id"`
	ContestID     string          `json:"contest_id" db:"contest_id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Side          Side            `json:"side" db:"side"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	Leverage      int             `json:"leverage" db:"leverage"`
	EntryPrice    decimal.Decimal `json:"entry_price" db:"entry_price"`
	MarginUsed    decimal.Decimal `json:"margin_used" db:"margin_used"`

	TakeProfit *decimal.Decimal `json:"take_profit,omitempty" db:"take_profit"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty" db:"stop_loss"`

	Status                PositionStatus   `json:"status" db:"status"`
	CloseReason           CloseReason      `json:"close_reason,omitempty" db:"close_reason"`
	ExitPrice             *decimal.Decimal `json:"exit_price,omitempty" db:"exit_price"`
	RealizedPnl           decimal.Decimal  `json:"realized_pnl" db:"realized_pnl"`
	RealizedPnlPercentage decimal.Decimal  `json:"realized_pnl_percentage" db:"realized_pnl_percentage"`
	HoldingTimeSeconds    int64            `json:"holding_time_seconds" db:"holding_time_seconds"`

	// Simulator positions belong to a synthetic participant and never touch
	// the participant ledger.
	Simulator bool `json:"simulator" db:"simulator"`

	OpenedAt time.Time  `json:"opened_at" db:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty" db:"closed_at"`

	// UnrealizedPnl is populated for read responses only.
	UnrealizedPnl *decimal.Decimal `json:"unrealized_pnl,omitempty" db:"-"`
}

// IsOpen reports whether the position still holds its margin reservation.
func (p *Position) IsOpen() bool { return p.Status == PositionOpen }

// Order is the immutable closing order produced by every position close.
type Order struct {
	ID            string          `json:"id" db:"id"`
	PositionID    string          `json:"position_id" db:"position_id"`
	ParticipantID string          `json:"participant_id" db:"participant_id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Side          Side            `json:"side" db:"side"` // opposite of the position side
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	Price         decimal.Decimal `json:"price" db:"price"`
	Reason        CloseReason     `json:"reason" db:"reason"`
	Detail        []byte          `json:"detail" db:"detail"` // encoded CloseDetail
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// TradeHistory is the append-only round-trip record of a closed position.
type TradeHistory struct {
	ID                 string          `json:"id" db:"id"`
	PositionID         string          `json:"position_id" db:"position_id"`
	OrderID            string          `json:"order_id" db:"order_id"`
	ParticipantID      string          `json:"participant_id" db:"participant_id"`
	ContestID          string          `json:"contest_id" db:"contest_id"`
	UserID             string          `json:"user_id" db:"user_id"`
	Symbol             string          `json:"symbol" db:"symbol"`
	Side               Side            `json:"side" db:"side"`
	Quantity           decimal.Decimal `json:"quantity" db:"quantity"`
	Leverage           int             `json:"leverage" db:"leverage"`
	EntryPrice         decimal.Decimal `json:"entry_price" db:"entry_price"`
	ExitPrice          decimal.Decimal `json:"exit_price" db:"exit_price"`
	MarginUsed         decimal.Decimal `json:"margin_used" db:"margin_used"`
	RealizedPnl        decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	PnlPercentage      decimal.Decimal `json:"pnl_percentage" db:"pnl_percentage"`
	CloseReason        CloseReason     `json:"close_reason" db:"close_reason"`
	HoldingTimeSeconds int64           `json:"holding_time_seconds" db:"holding_time_seconds"`
	OpenedAt           time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt           time.Time       `json:"closed_at" db:"closed_at"`
}

// RiskSettings are the admin-configurable thresholds, expressed in percent
// of used margin.
type RiskSettings struct {
	LiquidationLevel decimal.Decimal `json:"liquidation_level" db:"liquidation_level"`
	MarginCallLevel  decimal.Decimal `json:"margin_call_level" db:"margin_call_level"`
	WarningLevel     decimal.Decimal `json:"warning_level" db:"warning_level"`
	// MaxPriceDeviation is the largest fractional move from entry that the
	// risk sweep will accept before refusing to liquidate (0.10 = 10%).
	MaxPriceDeviation decimal.Decimal `json:"max_price_deviation" db:"max_price_deviation"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// DefaultRiskSettings returns the 50/100/150 threshold set.
func DefaultRiskSettings() RiskSettings {
	return RiskSettings{
		LiquidationLevel:  decimal.NewFromInt(50),
		MarginCallLevel:   decimal.NewFromInt(100),
		WarningLevel:      decimal.NewFromInt(150),
		MaxPriceDeviation: decimal.NewFromFloat(0.10),
	}
}

// Valid reports whether the thresholds are strictly ordered and positive.
func (s RiskSettings) Valid() bool {
	return s.LiquidationLevel.IsPositive() &&
		s.LiquidationLevel.LessThan(s.MarginCallLevel) &&
		s.MarginCallLevel.LessThan(s.WarningLevel) &&
		s.MaxPriceDeviation.IsPositive()
}
