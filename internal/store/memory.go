package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
// A single mutex makes every mutation atomic.
type MemoryStore struct {
	mu           sync.RWMutex
	contests     map[string]*model.Contest
	participants map[string]*model.Participant
	positions    map[string]*model.Position
	orders       []model.Order
	trades       []model.TradeHistory
	settings     *model.RiskSettings
	restricted   map[string]bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contests:     make(map[string]*model.Contest),
		participants: make(map[string]*model.Participant),
		positions:    make(map[string]*model.Position),
		restricted:   make(map[string]bool),
	}
}

// --- Contests ---

func (s *MemoryStore) CreateContest(_ context.Context, c *model.Contest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contests[c.ID]; ok {
		return fmt.Errorf("contest %s already exists", c.ID)
	}
	copy := *c
	s.contests[c.ID] = &copy
	return nil
}

func (s *MemoryStore) GetContest(_ context.Context, id string) (*model.Contest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contests[id]
	if !ok {
		return nil, fmt.Errorf("contest %s: %w", id, model.ErrNotFound)
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) ListContestsDue(_ context.Context, now time.Time) ([]model.Contest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Contest
	for _, c := range s.contests {
		due := c.Status == model.ContestStatusActive && !c.EndsAt.After(now)
		if due || c.Status == model.ContestStatusEnding {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndsAt.Before(out[j].EndsAt) })
	return out, nil
}

func (s *MemoryStore) ListContestsWithOpenPositions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, p := range s.positions {
		if !p.IsOpen() || p.Simulator || seen[p.ContestID] {
			continue
		}
		c, ok := s.contests[p.ContestID]
		if !ok || c.Status != model.ContestStatusActive {
			continue
		}
		if part, ok := s.participants[p.ParticipantID]; ok && part.Status == model.ParticipantActive {
			seen[p.ContestID] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) TransitionContest(_ context.Context, id string, from, to model.ContestStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contests[id]
	if !ok {
		return false, fmt.Errorf("contest %s: %w", id, model.ErrNotFound)
	}
	if c.Status != from {
		return false, nil
	}
	c.Status = to
	return true, nil
}

// --- Participants ---

func (s *MemoryStore) CreateParticipant(_ context.Context, p *model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[p.ID]; ok {
		return fmt.Errorf("participant %s already exists", p.ID)
	}
	copy := *p
	s.participants[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, id string) (*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[id]
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", id, model.ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListParticipants(_ context.Context, contestID string) ([]model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Participant
	for _, p := range s.participants {
		if p.ContestID == contestID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateUnrealizedPnl(_ context.Context, values map[string]decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, v := range values {
		p, ok := s.participants[id]
		if !ok {
			continue
		}
		ts := at
		p.UnrealizedPnl = v
		p.UnrealizedUpdatedAt = &ts
	}
	return nil
}

func (s *MemoryStore) MarkParticipantLiquidated(_ context.Context, id, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[id]
	if !ok {
		return fmt.Errorf("participant %s: %w", id, model.ErrNotFound)
	}
	if p.Status != model.ParticipantActive {
		return fmt.Errorf("participant %s is %s: %w", id, p.Status, model.ErrParticipantInactive)
	}
	if p.CurrentOpenPositions > 0 {
		return fmt.Errorf("participant %s still has %d open positions", id, p.CurrentOpenPositions)
	}
	p.Liquidate(reason, at)
	return nil
}

func (s *MemoryStore) CompleteParticipants(_ context.Context, contestID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, p := range s.participants {
		if p.ContestID == contestID && p.Status == model.ParticipantActive {
			p.Status = model.ParticipantCompleted
			n++
		}
	}
	return n, nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListOpenPositions(_ context.Context, contestID string) ([]model.Position, error) {
	return s.filterPositions(func(p *model.Position) bool {
		return p.IsOpen() && p.ContestID == contestID
	}), nil
}

func (s *MemoryStore) ListOpenPositionsByParticipant(_ context.Context, participantID string) ([]model.Position, error) {
	return s.filterPositions(func(p *model.Position) bool {
		return p.IsOpen() && p.ParticipantID == participantID
	}), nil
}

func (s *MemoryStore) ListOpenPositionsWithTriggers(_ context.Context, contestID string) ([]model.Position, error) {
	return s.filterPositions(func(p *model.Position) bool {
		return p.IsOpen() && p.ContestID == contestID && (p.StopLoss != nil || p.TakeProfit != nil)
	}), nil
}

func (s *MemoryStore) filterPositions(keep func(*model.Position) bool) []model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if keep(p) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

func (s *MemoryStore) OpenPosition(_ context.Context, pos *model.Position) (*model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[pos.ID]; ok {
		return nil, fmt.Errorf("position %s already exists", pos.ID)
	}
	copy := *pos
	copy.Status = model.PositionOpen

	if pos.Simulator {
		s.positions[pos.ID] = &copy
		return nil, nil
	}

	p, ok := s.participants[pos.ParticipantID]
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", pos.ParticipantID, model.ErrNotFound)
	}
	if p.Status != model.ParticipantActive {
		return nil, model.ErrParticipantInactive
	}
	if p.AvailableCapital.LessThan(pos.MarginUsed) {
		return nil, fmt.Errorf("%w: need %s, available %s", model.ErrInsufficientMargin, pos.MarginUsed, p.AvailableCapital)
	}

	updated := *p
	updated.ApplyOpen(pos.MarginUsed)
	s.positions[pos.ID] = &copy
	s.participants[p.ID] = &updated

	out := updated
	return &out, nil
}

func (s *MemoryStore) UpdateTPSL(_ context.Context, id string, takeProfit, stopLoss *decimal.Decimal) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok || !p.IsOpen() {
		return nil, fmt.Errorf("position %s: %w", id, model.ErrPositionNotOpen)
	}
	p.TakeProfit = takeProfit
	p.StopLoss = stopLoss
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ClosePosition(_ context.Context, c model.Closure) (*model.ClosedPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.positions[c.PositionID]
	if !ok || !current.IsOpen() {
		return nil, fmt.Errorf("position %s: %w", c.PositionID, model.ErrPositionNotOpen)
	}

	// Work on copies; nothing is written back until every step succeeds.
	pos := *current
	var participant *model.Participant
	if !pos.Simulator {
		p, ok := s.participants[pos.ParticipantID]
		if !ok {
			return nil, fmt.Errorf("%w: participant %s: %w", model.ErrTransactionFailed, pos.ParticipantID, model.ErrNotFound)
		}
		updated := *p
		updated.ApplyClose(&pos, c.RealizedPnl, c.CountInStats)
		if err := updated.CheckInvariants(); err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrTransactionFailed, err)
		}
		participant = &updated
	}

	order, trade, err := model.Settle(&pos, c)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrTransactionFailed, err)
	}

	s.positions[pos.ID] = &pos
	s.orders = append(s.orders, order)
	s.trades = append(s.trades, trade)

	result := &model.ClosedPosition{Position: pos, Order: order, Trade: trade}
	if participant != nil {
		s.participants[participant.ID] = participant
		out := *participant
		result.Participant = &out
	}
	return result, nil
}

// --- Audit trail ---

func (s *MemoryStore) GetAuditTrail(_ context.Context, positionID string) ([]model.Order, []model.TradeHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.positions[positionID]; !ok {
		return nil, nil, fmt.Errorf("position %s: %w", positionID, model.ErrNotFound)
	}
	var orders []model.Order
	for _, o := range s.orders {
		if o.PositionID == positionID {
			orders = append(orders, o)
		}
	}
	var trades []model.TradeHistory
	for _, t := range s.trades {
		if t.PositionID == positionID {
			trades = append(trades, t)
		}
	}
	return orders, trades, nil
}

// --- Admin settings ---

func (s *MemoryStore) GetRiskSettings(_ context.Context) (*model.RiskSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.settings == nil {
		def := model.DefaultRiskSettings()
		return &def, nil
	}
	copy := *s.settings
	return &copy, nil
}

func (s *MemoryStore) SaveRiskSettings(_ context.Context, rs model.RiskSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs.UpdatedAt = time.Now().UTC()
	s.settings = &rs
	return nil
}

func (s *MemoryStore) IsRestricted(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restricted[userID], nil
}

func (s *MemoryStore) SetRestricted(_ context.Context, userID string, restricted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if restricted {
		s.restricted[userID] = true
	} else {
		delete(s.restricted, userID)
	}
	return nil
}
