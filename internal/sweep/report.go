// Package sweep runs the periodic jobs that act without a user session:
// margin-call liquidation, stop-loss/take-profit triggers and contest-end
// auto-close. Every sweep is idempotent and isolates per-participant
// failures; only a store-level failure aborts a run.
package sweep

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/model"
)

// Closer is the single close path. *position.Manager satisfies it.
type Closer interface {
	CloseAt(ctx context.Context, pos model.Position, exit decimal.Decimal, detail model.CloseDetail) (*model.ClosedPosition, error)
}

// Thresholds supplies the current risk settings.
type Thresholds interface {
	Current(ctx context.Context) model.RiskSettings
}

// Failure is one isolated error recorded during a sweep.
type Failure struct {
	ContestID     string `json:"contest_id,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
	PositionID    string `json:"position_id,omitempty"`
	Error         string `json:"error"`
}

// Report summarizes one sweep run. It is safe for concurrent use while the
// run is in progress.
type Report struct {
	Sweep     string        `json:"sweep"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`

	Contests     int `json:"contests"`
	Participants int `json:"participants"`
	Positions    int `json:"positions"`
	Closed       int `json:"closed"`
	// Skipped counts participants or positions deferred to the next cycle
	// because a price was missing or untrustworthy.
	Skipped int `json:"skipped"`

	Liquidated []string  `json:"liquidated,omitempty"`
	Finalized  []string  `json:"finalized,omitempty"`
	Failures   []Failure `json:"failures,omitempty"`

	mu sync.Mutex
}

func newReport(name string, start time.Time) *Report {
	return &Report{Sweep: name, StartedAt: start}
}

func (r *Report) fail(f Failure) {
	r.mu.Lock()
	r.Failures = append(r.Failures, f)
	r.mu.Unlock()
}

func (r *Report) add(fn func(r *Report)) {
	r.mu.Lock()
	fn(r)
	r.mu.Unlock()
}

func (r *Report) finish(end time.Time) {
	r.mu.Lock()
	r.Duration = end.Sub(r.StartedAt)
	r.mu.Unlock()
}

func symbolsOf(positions []model.Position) []string {
	seen := make(map[string]bool, len(positions))
	var out []string
	for _, p := range positions {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			out = append(out, p.Symbol)
		}
	}
	return out
}
