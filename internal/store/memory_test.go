package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/contest-engine/internal/model"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seed(t *testing.T) (*MemoryStore, *model.Participant) {
	t.Helper()
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()
	require.NoError(t, s.CreateContest(ctx, &model.Contest{
		ID: "c1", Kind: model.ContestKindCompetition, Status: model.ContestStatusActive,
		StartingCapital: d(10000), MaxLeverage: 100, StartsAt: now.Add(-time.Hour), EndsAt: now.Add(time.Hour),
	}))
	p := model.NewParticipant("p1", "c1", "u1", model.ContestKindCompetition, d(10000), now)
	require.NoError(t, s.CreateParticipant(ctx, p))
	return s, p
}

func newPosition(id string, margin float64) *model.Position {
	return &model.Position{
		ID: id, ParticipantID: "p1", ContestID: "c1", UserID: "u1",
		Symbol: "EURUSD", Side: model.SideLong, Quantity: d(1), Leverage: 100,
		EntryPrice: d(1.1), MarginUsed: d(margin), OpenedAt: time.Now().UTC().Add(-time.Minute),
	}
}

func closure(id string, pnl float64, detail model.CloseDetail) model.Closure {
	return model.Closure{
		PositionID: id, Detail: detail, ExitPrice: d(1.105),
		RealizedPnl: d(pnl), ClosedAt: time.Now().UTC(), CountInStats: true,
	}
}

func TestOpenPosition_ReservesMargin(t *testing.T) {
	s, _ := seed(t)
	ctx := context.Background()

	part, err := s.OpenPosition(ctx, newPosition("pos1", 1100))
	require.NoError(t, err)
	assert.True(t, part.UsedMargin.Equal(d(1100)))
	assert.True(t, part.AvailableCapital.Equal(d(8900)))
	assert.Equal(t, 1, part.CurrentOpenPositions)
	require.NoError(t, part.CheckInvariants())
}

func TestOpenPosition_InsufficientMargin(t *testing.T) {
	s, _ := seed(t)
	ctx := context.Background()

	_, err := s.OpenPosition(ctx, newPosition("pos1", 10001))
	assert.ErrorIs(t, err, model.ErrInsufficientMargin)

	_, err = s.GetPosition(ctx, "pos1")
	assert.ErrorIs(t, err, model.ErrNotFound)
	p, _ := s.GetParticipant(ctx, "p1")
	assert.True(t, p.UsedMargin.IsZero())
}

func TestClosePosition_SettlesLedgerAndAudit(t *testing.T) {
	s, _ := seed(t)
	ctx := context.Background()
	_, err := s.OpenPosition(ctx, newPosition("pos1", 1100))
	require.NoError(t, err)

	res, err := s.ClosePosition(ctx, closure("pos1", 500, model.UserClose{}))
	require.NoError(t, err)

	assert.Equal(t, model.PositionClosed, res.Position.Status)
	assert.Equal(t, model.CloseReasonUser, res.Position.CloseReason)
	require.NotNil(t, res.Participant)
	assert.True(t, res.Participant.CurrentCapital.Equal(d(10500)))
	assert.True(t, res.Participant.AvailableCapital.Equal(d(10500)))
	assert.True(t, res.Participant.UsedMargin.IsZero())
	require.NoError(t, res.Participant.CheckInvariants())

	orders, trades, err := s.GetAuditTrail(ctx, "pos1")
	require.NoError(t, err)
	assert.Len(t, orders, 1)
	assert.Len(t, trades, 1)
	assert.Equal(t, orders[0].ID, trades[0].OrderID)
}

func TestClosePosition_RejectsDriftedLedger(t *testing.T) {
	s, _ := seed(t)
	ctx := context.Background()
	_, err := s.OpenPosition(ctx, newPosition("pos1", 1100))
	require.NoError(t, err)

	s.mu.Lock()
	s.participants["p1"].AvailableCapital = s.participants["p1"].AvailableCapital.Add(d(1877))
	s.mu.Unlock()

	_, err = s.ClosePosition(ctx, closure("pos1", 100, model.UserClose{}))
	require.ErrorIs(t, err, model.ErrTransactionFailed)
	assert.ErrorIs(t, err, model.ErrInvariantViolated)

	pos, err := s.GetPosition(ctx, "pos1")
	require.NoError(t, err)
	assert.True(t, pos.IsOpen())

	p, err := s.GetParticipant(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.UsedMargin.Equal(d(1100)))
	assert.Equal(t, 1, p.CurrentOpenPositions)

	orders, trades, err := s.GetAuditTrail(ctx, "pos1")
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Empty(t, trades)
}

func TestClosePosition_Idempotent(t *testing.T) {
	s, _ := seed(t)
	ctx := context.Background()
	_, err := s.OpenPosition(ctx, newPosition("pos1", 1100))
	require.NoError(t, err)

	_, err = s.ClosePosition(ctx, closure("pos1", 500, model.UserClose{}))
	require.NoError(t, err)
	before, _ := s.GetParticipant(ctx, "p1")

	_, err = s.ClosePosition(ctx, closure("pos1", 500, model.UserClose{}))
	assert.ErrorIs(t, err, model.ErrPositionNotOpen)

	after, _ := s.GetParticipant(ctx, "p1")
	assert.Equal(t, before, after)
	orders, trades, _ := s.GetAuditTrail(ctx, "pos1")
	assert.Len(t, orders, 1)
	assert.Len(t, trades, 1)
}

func TestClosePosition_ConcurrentSingleWinner(t *testing.T) {
	s, _ := seed(t)
	ctx := context.Background()
	_, err := s.OpenPosition(ctx, newPosition("pos1", 1100))
	require.NoError(t, err)

	var wins, noops atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ClosePosition(ctx, closure("pos1", -200, model.MarginCallClose{MarginLevelAtTrigger: d(40)}))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, model.ErrPositionNotOpen):
				noops.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), noops.Load())
	p, _ := s.GetParticipant(ctx, "p1")
	assert.True(t, p.CurrentCapital.Equal(d(9800)))
	require.NoError(t, p.CheckInvariants())
}

func TestClosePosition_SimulatorSkipsLedger(t *testing.T) {
	s, _ := seed(t)
	ctx := context.Background()
	pos := newPosition("sim1", 1100)
	pos.Simulator = true
	pos.ParticipantID = "synthetic"

	part, err := s.OpenPosition(ctx, pos)
	require.NoError(t, err)
	assert.Nil(t, part)

	res, err := s.ClosePosition(ctx, closure("sim1", 250, model.UserClose{}))
	require.NoError(t, err)
	assert.Nil(t, res.Participant)

	orders, trades, _ := s.GetAuditTrail(ctx, "sim1")
	assert.Len(t, orders, 1)
	assert.Len(t, trades, 1)

	p, _ := s.GetParticipant(ctx, "p1")
	assert.True(t, p.CurrentCapital.Equal(d(10000)))
}

func TestMarkParticipantLiquidated_RequiresFlatBook(t *testing.T) {
	s, _ := seed(t)
	ctx := context.Background()
	_, err := s.OpenPosition(ctx, newPosition("pos1", 1100))
	require.NoError(t, err)

	err = s.MarkParticipantLiquidated(ctx, "p1", "margin level 40%", time.Now())
	assert.Error(t, err)

	_, err = s.ClosePosition(ctx, closure("pos1", -6000, model.MarginCallClose{MarginLevelAtTrigger: d(40)}))
	require.NoError(t, err)
	require.NoError(t, s.MarkParticipantLiquidated(ctx, "p1", "margin level 40%", time.Now()))

	p, _ := s.GetParticipant(ctx, "p1")
	assert.Equal(t, model.ParticipantLiquidated, p.Status)
	assert.NotNil(t, p.LiquidatedAt)

	ids, err := s.ListContestsWithOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestUpdateTPSL(t *testing.T) {
	s, _ := seed(t)
	ctx := context.Background()
	_, err := s.OpenPosition(ctx, newPosition("pos1", 1100))
	require.NoError(t, err)

	sl := d(1.095)
	pos, err := s.UpdateTPSL(ctx, "pos1", nil, &sl)
	require.NoError(t, err)
	assert.True(t, pos.StopLoss.Equal(sl))

	withTriggers, _ := s.ListOpenPositionsWithTriggers(ctx, "c1")
	assert.Len(t, withTriggers, 1)

	_, err = s.ClosePosition(ctx, closure("pos1", 0, model.UserClose{}))
	require.NoError(t, err)
	_, err = s.UpdateTPSL(ctx, "pos1", nil, nil)
	assert.ErrorIs(t, err, model.ErrPositionNotOpen)
}

func TestContestTransitions(t *testing.T) {
	s, _ := seed(t)
	ctx := context.Background()

	due, err := s.ListContestsDue(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)

	ok, err := s.TransitionContest(ctx, "c1", model.ContestStatusActive, model.ContestStatusEnding)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionContest(ctx, "c1", model.ContestStatusActive, model.ContestStatusEnding)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.CompleteParticipants(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRestrictions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SetRestricted(ctx, "u1", true))
	r, _ := s.IsRestricted(ctx, "u1")
	assert.True(t, r)
	require.NoError(t, s.SetRestricted(ctx, "u1", false))
	r, _ = s.IsRestricted(ctx, "u1")
	assert.False(t, r)
}
