// Package store defines the persistence interface for the contest engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for contests and risk settings), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/model"
)

// Store is the persistence interface. The participant ledger is only ever
// mutated through OpenPosition and ClosePosition, each of which runs as one
// atomic unit.
type Store interface {
	// --- Contests ---

	// CreateContest persists a new contest.
	CreateContest(ctx context.Context, c *model.Contest) error

	// GetContest retrieves a contest by ID.
	GetContest(ctx context.Context, id string) (*model.Contest, error)

	// ListContestsDue returns active contests whose end time has passed and
	// contests left in the ending state by an interrupted run.
	ListContestsDue(ctx context.Context, now time.Time) ([]model.Contest, error)

	// ListContestsWithOpenPositions returns IDs of active contests in which
	// at least one active participant holds an open position.
	ListContestsWithOpenPositions(ctx context.Context) ([]string, error)

	// TransitionContest moves a contest from one status to another. It
	// reports false when the contest was not in the expected status.
	TransitionContest(ctx context.Context, id string, from, to model.ContestStatus) (bool, error)

	// --- Participants ---

	// CreateParticipant persists a new participant ledger.
	CreateParticipant(ctx context.Context, p *model.Participant) error

	// GetParticipant retrieves a participant by ID.
	GetParticipant(ctx context.Context, id string) (*model.Participant, error)

	// ListParticipants returns every participant of a contest.
	ListParticipants(ctx context.Context, contestID string) ([]model.Participant, error)

	// UpdateUnrealizedPnl refreshes the cached unrealized P&L for a batch of
	// participants. It never touches capital fields.
	UpdateUnrealizedPnl(ctx context.Context, values map[string]decimal.Decimal, at time.Time) error

	// MarkParticipantLiquidated flags an active participant with no open
	// positions as liquidated.
	MarkParticipantLiquidated(ctx context.Context, id, reason string, at time.Time) error

	// CompleteParticipants marks every still-active participant of a
	// contest as completed and returns how many changed.
	CompleteParticipants(ctx context.Context, contestID string) (int, error)

	// --- Positions ---

	// GetPosition retrieves a position by ID.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListOpenPositions returns every open position in a contest.
	ListOpenPositions(ctx context.Context, contestID string) ([]model.Position, error)

	// ListOpenPositionsByParticipant returns a participant's open positions.
	ListOpenPositionsByParticipant(ctx context.Context, participantID string) ([]model.Position, error)

	// ListOpenPositionsWithTriggers returns open positions in a contest that
	// carry a stop-loss or take-profit.
	ListOpenPositionsWithTriggers(ctx context.Context, contestID string) ([]model.Position, error)

	// OpenPosition inserts pos and reserves its margin against the owning
	// participant in one transaction. Returns ErrInsufficientMargin or
	// ErrParticipantInactive without side effects.
	OpenPosition(ctx context.Context, pos *model.Position) (*model.Participant, error)

	// UpdateTPSL replaces the take-profit and stop-loss of an open position.
	UpdateTPSL(ctx context.Context, id string, takeProfit, stopLoss *decimal.Decimal) (*model.Position, error)

	// ClosePosition closes an open position, appends its Order and
	// TradeHistory and settles the participant ledger atomically. Returns
	// ErrPositionNotOpen when the position is no longer open.
	ClosePosition(ctx context.Context, c model.Closure) (*model.ClosedPosition, error)

	// --- Audit trail ---

	// GetAuditTrail returns the orders and trade history for a position.
	GetAuditTrail(ctx context.Context, positionID string) ([]model.Order, []model.TradeHistory, error)

	// --- Admin settings ---

	// GetRiskSettings returns the stored risk thresholds.
	GetRiskSettings(ctx context.Context) (*model.RiskSettings, error)

	// SaveRiskSettings replaces the stored risk thresholds.
	SaveRiskSettings(ctx context.Context, s model.RiskSettings) error

	// IsRestricted reports whether a user is barred from trading.
	IsRestricted(ctx context.Context, userID string) (bool, error)

	// SetRestricted sets or clears a user's trading restriction.
	SetRestricted(ctx context.Context, userID string, restricted bool) error
}
