package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for slow-changing reference data: contests, risk settings and
// trading restrictions. Ledger reads and every write go to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateContest(ctx context.Context, c *model.Contest) error {
	if err := s.primary.CreateContest(ctx, c); err != nil {
		return err
	}
	s.cacheJSON(ctx, contestKey(c.ID), c)
	return nil
}

func (s *CachedStore) TransitionContest(ctx context.Context, id string, from, to model.ContestStatus) (bool, error) {
	ok, err := s.primary.TransitionContest(ctx, id, from, to)
	if err != nil {
		return false, err
	}
	s.rdb.Del(ctx, contestKey(id))
	return ok, nil
}

func (s *CachedStore) SaveRiskSettings(ctx context.Context, rs model.RiskSettings) error {
	if err := s.primary.SaveRiskSettings(ctx, rs); err != nil {
		return err
	}
	s.rdb.Del(ctx, riskSettingsKey)
	return nil
}

func (s *CachedStore) SetRestricted(ctx context.Context, userID string, restricted bool) error {
	if err := s.primary.SetRestricted(ctx, userID, restricted); err != nil {
		return err
	}
	s.rdb.Del(ctx, restrictionKey(userID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetContest(ctx context.Context, id string) (*model.Contest, error) {
	data, err := s.rdb.Get(ctx, contestKey(id)).Bytes()
	if err == nil {
		var c model.Contest
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	c, err := s.primary.GetContest(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, contestKey(id), c)
	return c, nil
}

func (s *CachedStore) GetRiskSettings(ctx context.Context) (*model.RiskSettings, error) {
	data, err := s.rdb.Get(ctx, riskSettingsKey).Bytes()
	if err == nil {
		var rs model.RiskSettings
		if json.Unmarshal(data, &rs) == nil {
			return &rs, nil
		}
	}

	rs, err := s.primary.GetRiskSettings(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, riskSettingsKey, rs)
	return rs, nil
}

func (s *CachedStore) IsRestricted(ctx context.Context, userID string) (bool, error) {
	v, err := s.rdb.Get(ctx, restrictionKey(userID)).Result()
	if err == nil {
		return v == "1", nil
	}

	restricted, err := s.primary.IsRestricted(ctx, userID)
	if err != nil {
		return false, err
	}
	flag := "0"
	if restricted {
		flag = "1"
	}
	s.rdb.Set(ctx, restrictionKey(userID), flag, s.ttl)
	return restricted, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListContestsDue(ctx context.Context, now time.Time) ([]model.Contest, error) {
	return s.primary.ListContestsDue(ctx, now)
}

func (s *CachedStore) ListContestsWithOpenPositions(ctx context.Context) ([]string, error) {
	return s.primary.ListContestsWithOpenPositions(ctx)
}

func (s *CachedStore) CreateParticipant(ctx context.Context, p *model.Participant) error {
	return s.primary.CreateParticipant(ctx, p)
}

func (s *CachedStore) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	return s.primary.GetParticipant(ctx, id)
}

func (s *CachedStore) ListParticipants(ctx context.Context, contestID string) ([]model.Participant, error) {
	return s.primary.ListParticipants(ctx, contestID)
}

func (s *CachedStore) UpdateUnrealizedPnl(ctx context.Context, values map[string]decimal.Decimal, at time.Time) error {
	return s.primary.UpdateUnrealizedPnl(ctx, values, at)
}

func (s *CachedStore) MarkParticipantLiquidated(ctx context.Context, id, reason string, at time.Time) error {
	return s.primary.MarkParticipantLiquidated(ctx, id, reason, at)
}

func (s *CachedStore) CompleteParticipants(ctx context.Context, contestID string) (int, error) {
	return s.primary.CompleteParticipants(ctx, contestID)
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, id)
}

func (s *CachedStore) ListOpenPositions(ctx context.Context, contestID string) ([]model.Position, error) {
	return s.primary.ListOpenPositions(ctx, contestID)
}

func (s *CachedStore) ListOpenPositionsByParticipant(ctx context.Context, participantID string) ([]model.Position, error) {
	return s.primary.ListOpenPositionsByParticipant(ctx, participantID)
}

func (s *CachedStore) ListOpenPositionsWithTriggers(ctx context.Context, contestID string) ([]model.Position, error) {
	return s.primary.ListOpenPositionsWithTriggers(ctx, contestID)
}

func (s *CachedStore) OpenPosition(ctx context.Context, pos *model.Position) (*model.Participant, error) {
	return s.primary.OpenPosition(ctx, pos)
}

func (s *CachedStore) UpdateTPSL(ctx context.Context, id string, takeProfit, stopLoss *decimal.Decimal) (*model.Position, error) {
	return s.primary.UpdateTPSL(ctx, id, takeProfit, stopLoss)
}

func (s *CachedStore) ClosePosition(ctx context.Context, c model.Closure) (*model.ClosedPosition, error) {
	return s.primary.ClosePosition(ctx, c)
}

func (s *CachedStore) GetAuditTrail(ctx context.Context, positionID string) ([]model.Order, []model.TradeHistory, error) {
	return s.primary.GetAuditTrail(ctx, positionID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const riskSettingsKey = "risk_settings"

func contestKey(id string) string      { return fmt.Sprintf("contest:%s", id) }
func restrictionKey(uid string) string { return fmt.Sprintf("restricted:%s", uid) }
