// Package settings serves the admin-configurable risk thresholds as a
// timestamped snapshot that is refreshed on read once it expires.
package settings

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atmx/contest-engine/internal/model"
)

// Loader reads the persisted thresholds. store.Store satisfies it.
type Loader interface {
	GetRiskSettings(ctx context.Context) (*model.RiskSettings, error)
}

// Snapshot is one loaded copy of the settings.
type Snapshot struct {
	Settings model.RiskSettings
	LoadedAt time.Time
}

// Service hands out the current snapshot. A failed refresh keeps serving
// the previous snapshot (or the defaults) and retries on the next read.
type Service struct {
	loader Loader
	ttl    time.Duration
	log    *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	snap *Snapshot
}

// New creates a settings service.
func New(loader Loader, ttl time.Duration, log *zap.Logger) *Service {
	return &Service{loader: loader, ttl: ttl, log: log, now: time.Now}
}

// Current returns thresholds no older than the TTL when the loader is
// reachable. The result is always valid.
func (s *Service) Current(ctx context.Context) model.RiskSettings {
	return s.Snapshot(ctx).Settings
}

// Snapshot is Current with the load time attached.
func (s *Service) Snapshot(ctx context.Context) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.snap != nil && now.Sub(s.snap.LoadedAt) < s.ttl {
		return *s.snap
	}

	loaded, err := s.loader.GetRiskSettings(ctx)
	if err != nil {
		s.log.Warn("risk settings refresh failed", zap.Error(err))
		if s.snap != nil {
			return *s.snap
		}
		return Snapshot{Settings: model.DefaultRiskSettings()}
	}

	rs := *loaded
	if !rs.Valid() {
		s.log.Warn("stored risk settings invalid, using defaults",
			zap.String("liquidation", rs.LiquidationLevel.String()),
			zap.String("margin_call", rs.MarginCallLevel.String()),
			zap.String("warning", rs.WarningLevel.String()))
		rs = model.DefaultRiskSettings()
	}
	s.snap = &Snapshot{Settings: rs, LoadedAt: now}
	return *s.snap
}

// Invalidate forces the next read to reload.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.snap = nil
	s.mu.Unlock()
}
