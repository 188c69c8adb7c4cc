// Package trade provides the HTTP handlers for opening, editing and closing
// positions, reading contest and participant state, and triggering sweeps
// from an external scheduler.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/position"
	"github.com/atmx/contest-engine/internal/sweep"
)

// Sweeps are the sweep entry points exposed under /internal/sweeps. Any
// nil runner leaves its route unregistered.
type Sweeps struct {
	Risk       func(ctx context.Context) (*sweep.Report, error)
	Trigger    func(ctx context.Context, contestID string) (*sweep.Report, error)
	ContestEnd func(ctx context.Context) (*sweep.Report, error)
	Lease      sweep.Lease
	LeaseTTL   time.Duration
}

// Service serves the position lifecycle over HTTP.
type Service struct {
	positions *position.Manager
	sweeps    *Sweeps
	log       *zap.Logger
}

// NewService creates a new trade service. Pass nil sweeps to leave the
// internal sweep routes out.
func NewService(positions *position.Manager, sweeps *Sweeps, log *zap.Logger) *Service {
	if sweeps != nil && sweeps.Lease == nil {
		sweeps.Lease = sweep.NewLocalLease()
	}
	return &Service{positions: positions, sweeps: sweeps, log: log.Named("http")}
}

// Register mounts the public position and read routes on r.
func (s *Service) Register(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/positions", s.OpenPosition)
		r.Patch("/positions/{positionID}/tpsl", s.UpdateTPSL)
		r.Post("/positions/{positionID}/close", s.ClosePosition)
		r.Get("/positions/{positionID}/audit", s.GetAuditTrail)
		r.Get("/contests/{contestID}/positions", s.ListOpenPositions)
		r.Get("/participants/{participantID}", s.GetParticipant)
	})
}

// RegisterSweeps mounts the sweep triggers under /internal/sweeps. It is a
// no-op when the service was built without sweeps.
func (s *Service) RegisterSweeps(r chi.Router) {
	if s.sweeps == nil {
		return
	}
	r.Route("/internal/sweeps", func(r chi.Router) {
		if s.sweeps.Risk != nil {
			r.Post("/risk", s.RunRiskSweep)
		}
		if s.sweeps.Trigger != nil {
			r.Post("/trigger/{contestID}", s.RunTriggerSweep)
		}
		if s.sweeps.ContestEnd != nil {
			r.Post("/contest-end", s.RunContestEndSweep)
		}
	})
}

// --- Request types ---

// TPSLRequest is the JSON body for PATCH /positions/{id}/tpsl. A null or
// missing level clears it.
type TPSLRequest struct {
	TakeProfit *decimal.Decimal `json:"take_profit"`
	StopLoss   *decimal.Decimal `json:"stop_loss"`
}

// CloseRequest is the optional JSON body for POST /positions/{id}/close.
type CloseRequest struct {
	LockedPrice *decimal.Decimal `json:"locked_price,omitempty"`
	LockedAt    *time.Time       `json:"locked_at,omitempty"`
}

// --- Position handlers ---

// OpenPosition handles POST /api/v1/positions
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req position.OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.positions.Open(r.Context(), req)
	if err != nil {
		s.log.Error("open position failed", zap.String("participant_id", req.ParticipantID), zap.Error(err))
		writeError(w, "failed to open position", http.StatusInternalServerError)
		return
	}
	writeResult(w, res, http.StatusCreated)
}

// UpdateTPSL handles PATCH /api/v1/positions/{positionID}/tpsl
func (s *Service) UpdateTPSL(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	var req TPSLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.positions.UpdateTPSL(r.Context(), positionID, req.TakeProfit, req.StopLoss)
	if err != nil {
		s.log.Error("update tpsl failed", zap.String("position_id", positionID), zap.Error(err))
		writeError(w, "failed to update take-profit/stop-loss", http.StatusInternalServerError)
		return
	}
	writeResult(w, res, http.StatusOK)
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close
// An empty body closes at the live price.
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	var req CloseRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	var locked *position.LockedPrice
	if req.LockedPrice != nil && req.LockedAt != nil {
		locked = &position.LockedPrice{Price: *req.LockedPrice, At: *req.LockedAt}
	}

	res, err := s.positions.Close(r.Context(), positionID, locked)
	if err != nil {
		s.log.Error("close position failed", zap.String("position_id", positionID), zap.Error(err))
		writeError(w, "failed to close position", http.StatusInternalServerError)
		return
	}
	writeResult(w, res, http.StatusOK)
}

// GetAuditTrail handles GET /api/v1/positions/{positionID}/audit
func (s *Service) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	audit, err := s.positions.AuditTrail(r.Context(), positionID)
	if errors.Is(err, model.ErrNotFound) {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load audit trail", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, audit)
}

// ListOpenPositions handles GET /api/v1/contests/{contestID}/positions
func (s *Service) ListOpenPositions(w http.ResponseWriter, r *http.Request) {
	contestID := chi.URLParam(r, "contestID")

	positions, err := s.positions.OpenPositions(r.Context(), contestID)
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetParticipant handles GET /api/v1/participants/{participantID}
// Returns the ledger, open positions and live margin level.
func (s *Service) GetParticipant(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participantID")

	acct, err := s.positions.Account(r.Context(), participantID)
	if errors.Is(err, model.ErrNotFound) {
		writeError(w, "participant not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load participant", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// --- Sweep handlers ---

// RunRiskSweep handles POST /internal/sweeps/risk
func (s *Service) RunRiskSweep(w http.ResponseWriter, r *http.Request) {
	s.runSweep(w, r, "risk", s.sweeps.Risk)
}

// RunTriggerSweep handles POST /internal/sweeps/trigger/{contestID}
func (s *Service) RunTriggerSweep(w http.ResponseWriter, r *http.Request) {
	contestID := chi.URLParam(r, "contestID")
	s.runSweep(w, r, "trigger:"+contestID, func(ctx context.Context) (*sweep.Report, error) {
		return s.sweeps.Trigger(ctx, contestID)
	})
}

// RunContestEndSweep handles POST /internal/sweeps/contest-end
func (s *Service) RunContestEndSweep(w http.ResponseWriter, r *http.Request) {
	s.runSweep(w, r, "contest_end", s.sweeps.ContestEnd)
}

func (s *Service) runSweep(w http.ResponseWriter, r *http.Request, name string, run func(context.Context) (*sweep.Report, error)) {
	report, err := sweep.Exclusive(r.Context(), s.sweeps.Lease, name, s.sweeps.LeaseTTL, run)
	switch {
	case errors.Is(err, sweep.ErrLeaseHeld):
		writeError(w, "sweep already running", http.StatusConflict)
	case err != nil:
		s.log.Error("sweep aborted", zap.String("sweep", name), zap.Error(err))
		writeError(w, "sweep aborted: "+err.Error(), http.StatusServiceUnavailable)
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

// --- Response helpers ---

// statusFor maps a rejected Result's reason onto an HTTP status.
func statusFor(reason string) int {
	switch reason {
	case position.ReasonInvalidRequest, position.ReasonInvalidSymbol, position.ReasonInvalidTPSL:
		return http.StatusBadRequest
	case position.ReasonRestricted:
		return http.StatusForbidden
	case position.ReasonNotFound:
		return http.StatusNotFound
	case position.ReasonNotOpen, position.ReasonMarketClosed,
		position.ReasonContestNotActive, position.ReasonParticipantInactive:
		return http.StatusConflict
	case position.ReasonInsufficientMargin, position.ReasonExposureLimit:
		return http.StatusUnprocessableEntity
	case position.ReasonPriceUnavailable, position.ReasonUnreliablePrice, position.ReasonTransactionFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func writeResult(w http.ResponseWriter, res position.Result, okStatus int) {
	status := okStatus
	if !res.OK {
		status = statusFor(res.Reason)
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
