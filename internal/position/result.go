package position

import (
	"errors"

	"github.com/atmx/contest-engine/internal/exposure"
	"github.com/atmx/contest-engine/internal/instrument"
	"github.com/atmx/contest-engine/internal/model"
)

// ErrInvalidRequest wraps request validation failures.
var ErrInvalidRequest = errors.New("invalid request")

// Reason codes carried by a rejected Result.
const (
	ReasonInvalidRequest      = "invalid_request"
	ReasonInvalidSymbol       = "invalid_symbol"
	ReasonMarketClosed        = "market_closed"
	ReasonRestricted          = "restricted"
	ReasonNotOpen             = "not_open"
	ReasonNotFound            = "not_found"
	ReasonPriceUnavailable    = "price_unavailable"
	ReasonUnreliablePrice     = "unreliable_price"
	ReasonTransactionFailed   = "transaction_failed"
	ReasonInsufficientMargin  = "insufficient_margin"
	ReasonParticipantInactive = "participant_inactive"
	ReasonContestNotActive    = "contest_not_active"
	ReasonInvalidTPSL         = "invalid_tpsl"
	ReasonExposureLimit       = "exposure_limit"
)

// Result is returned by user actions. Expected refusals (market closed,
// insufficient margin, ...) come back as OK=false with a reason code and a
// human-readable message; only unexpected failures are returned as errors.
type Result struct {
	OK      bool   `json:"ok"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`

	Position    *model.Position    `json:"position,omitempty"`
	Participant *model.Participant `json:"participant,omitempty"`
	Order       *model.Order       `json:"order,omitempty"`
}

// reject converts an expected error into a Result. The second return is
// false when err is not an expected condition.
func reject(err error) (Result, bool) {
	var reason string
	switch {
	// Checked first: stores wrap the underlying cause alongside it.
	case errors.Is(err, model.ErrTransactionFailed):
		reason = ReasonTransactionFailed
	case errors.Is(err, ErrInvalidRequest):
		reason = ReasonInvalidRequest
	case errors.Is(err, instrument.ErrInvalidSymbol), errors.Is(err, instrument.ErrUnknownSymbol):
		reason = ReasonInvalidSymbol
	case errors.Is(err, model.ErrMarketClosed):
		reason = ReasonMarketClosed
	case errors.Is(err, model.ErrRestricted):
		reason = ReasonRestricted
	case errors.Is(err, model.ErrPositionNotOpen):
		reason = ReasonNotOpen
	case errors.Is(err, model.ErrNotFound):
		reason = ReasonNotFound
	case errors.Is(err, model.ErrPriceUnavailable):
		reason = ReasonPriceUnavailable
	case errors.Is(err, model.ErrUnreliablePrice):
		reason = ReasonUnreliablePrice
	case errors.Is(err, model.ErrInsufficientMargin):
		reason = ReasonInsufficientMargin
	case errors.Is(err, model.ErrParticipantInactive):
		reason = ReasonParticipantInactive
	case errors.Is(err, model.ErrContestNotActive):
		reason = ReasonContestNotActive
	case errors.Is(err, model.ErrInvalidTPSL):
		reason = ReasonInvalidTPSL
	case errors.Is(err, exposure.ErrSymbolLimitExceeded), errors.Is(err, exposure.ErrCurrencyLimitExceeded):
		reason = ReasonExposureLimit
	default:
		return Result{}, false
	}
	return Result{Reason: reason, Message: err.Error()}, true
}
