package model

import "errors"

var (
	// ErrMarketClosed blocks every user-initiated trading action.
	ErrMarketClosed = errors.New("market closed")

	// ErrRestricted is returned when the user is fraud- or admin-restricted.
	ErrRestricted = errors.New("trading restricted")

	// ErrPositionNotOpen marks an idempotent no-op: the position was already
	// closed or liquidated by a concurrent path.
	ErrPositionNotOpen = errors.New("position not found or already closed")

	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrUnreliablePrice is returned for stale or fallback quotes. It blocks
	// manual closes and every liquidation decision.
	ErrUnreliablePrice = errors.New("unreliable price")

	// ErrTransactionFailed means the ledger mutation was aborted; the
	// position remains open and the call is safe to retry.
	ErrTransactionFailed = errors.New("ledger transaction failed")

	ErrInsufficientMargin  = errors.New("insufficient margin")
	ErrNotFound            = errors.New("not found")
	ErrParticipantInactive = errors.New("participant is not active")
	ErrContestNotActive    = errors.New("contest is not active")
	ErrInvalidTPSL         = errors.New("invalid take-profit or stop-loss")
	ErrInvariantViolated   = errors.New("ledger invariant violated")
)
