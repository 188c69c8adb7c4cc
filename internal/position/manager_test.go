package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atmx/contest-engine/internal/events"
	"github.com/atmx/contest-engine/internal/exposure"
	"github.com/atmx/contest-engine/internal/instrument"
	"github.com/atmx/contest-engine/internal/margin"
	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/price"
	"github.com/atmx/contest-engine/internal/store"
)

// Wednesday, FX market open.
var tradingTime = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func dp(f float64) *decimal.Decimal {
	v := d(f)
	return &v
}

type staticThresholds struct{ s model.RiskSettings }

func (t staticThresholds) Current(context.Context) model.RiskSettings { return t.s }

type fixture struct {
	store   *store.MemoryStore
	prices  *price.MemorySource
	bus     *events.Bus
	manager *Manager
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:  store.NewMemoryStore(),
		prices: price.NewMemorySource(5 * time.Second),
		bus:    events.NewBus(zap.NewNop(), time.Second),
		clock:  tradingTime,
	}
	f.prices.SetClock(func() time.Time { return f.clock })

	require.NoError(t, f.store.CreateContest(ctx, &model.Contest{
		ID: "c1", Kind: model.ContestKindCompetition, Status: model.ContestStatusActive,
		StartingCapital: d(10000), MaxLeverage: 100,
		StartsAt: tradingTime.Add(-24 * time.Hour), EndsAt: tradingTime.Add(24 * time.Hour),
	}))
	require.NoError(t, f.store.CreateParticipant(ctx,
		model.NewParticipant("p1", "c1", "u1", model.ContestKindCompetition, d(10000), tradingTime.Add(-time.Hour))))

	catalog := instrument.DefaultCatalog()
	f.manager = NewManager(
		f.store, f.prices, catalog,
		exposure.NewLimiter(d(5), d(10), catalog),
		staticThresholds{model.DefaultRiskSettings()},
		f.bus,
		Config{LockedMaxAge: 2 * time.Second, CountLiquidationsInStats: true},
		zap.NewNop(),
	)
	f.manager.now = func() time.Time { return f.clock }
	f.prices.Set("EURUSD", d(1.1), d(1.1))
	return f
}

func (f *fixture) openLong(t *testing.T) *model.Position {
	t.Helper()
	res, err := f.manager.Open(context.Background(), OpenRequest{
		ParticipantID: "p1", Symbol: "EUR/USD", Side: model.SideLong, Quantity: d(1), Leverage: 100,
	})
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	return res.Position
}

func TestOpen_ReservesMargin(t *testing.T) {
	f := newFixture(t)
	pos := f.openLong(t)

	assert.Equal(t, "EURUSD", pos.Symbol)
	assert.True(t, pos.EntryPrice.Equal(d(1.1)))
	assert.True(t, pos.MarginUsed.Equal(d(1100)), "margin %s", pos.MarginUsed)

	p, err := f.store.GetParticipant(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, p.UsedMargin.Equal(d(1100)))
	assert.True(t, p.AvailableCapital.Equal(d(8900)))
	assert.Equal(t, 1, p.CurrentOpenPositions)
}

func TestOpen_EntryAtAskForLongBidForShort(t *testing.T) {
	f := newFixture(t)
	f.prices.Set("EURUSD", d(1.1), d(1.1002))

	long := f.openLong(t)
	assert.True(t, long.EntryPrice.Equal(d(1.1002)))

	res, err := f.manager.Open(context.Background(), OpenRequest{
		ParticipantID: "p1", Symbol: "EURUSD", Side: model.SideShort, Quantity: d(1), Leverage: 100,
	})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.True(t, res.Position.EntryPrice.Equal(d(1.1)))
}

func TestOpen_Rejections(t *testing.T) {
	base := OpenRequest{ParticipantID: "p1", Symbol: "EURUSD", Side: model.SideLong, Quantity: d(1), Leverage: 100}

	tests := []struct {
		name   string
		setup  func(f *fixture)
		mutate func(r *OpenRequest)
		want   string
	}{
		{"bad side", nil, func(r *OpenRequest) { r.Side = "up" }, ReasonInvalidRequest},
		{"zero quantity", nil, func(r *OpenRequest) { r.Quantity = decimal.Zero }, ReasonInvalidRequest},
		{"leverage above contest max", nil, func(r *OpenRequest) { r.Leverage = 500 }, ReasonInvalidRequest},
		{"unknown symbol", nil, func(r *OpenRequest) { r.Symbol = "ABCXYZ" }, ReasonInvalidSymbol},
		{"market closed", func(f *fixture) { f.clock = time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC) }, nil, ReasonMarketClosed},
		{"restricted", func(f *fixture) {
			require.NoError(t, f.store.SetRestricted(context.Background(), "u1", true))
		}, nil, ReasonRestricted},
		{"insufficient margin", nil, func(r *OpenRequest) { r.Quantity = d(5); r.Leverage = 1 }, ReasonInsufficientMargin},
		{"contest not active", func(f *fixture) {
			_, err := f.store.TransitionContest(context.Background(), "c1", model.ContestStatusActive, model.ContestStatusEnding)
			require.NoError(t, err)
		}, nil, ReasonContestNotActive},
		{"participant missing", nil, func(r *OpenRequest) { r.ParticipantID = "nope" }, ReasonNotFound},
		{"stale price", func(f *fixture) {
			f.prices.Put(price.Quote{Symbol: "EURUSD", Bid: d(1.1), Ask: d(1.1), Timestamp: f.clock.Add(-time.Minute)})
		}, nil, ReasonUnreliablePrice},
		{"no price", func(f *fixture) { f.prices.Delete("EURUSD") }, nil, ReasonPriceUnavailable},
		{"take-profit below entry", nil, func(r *OpenRequest) { r.TakeProfit = dp(1.09) }, ReasonInvalidTPSL},
		{"stop-loss above entry", nil, func(r *OpenRequest) { r.StopLoss = dp(1.2) }, ReasonInvalidTPSL},
		{"exposure limit", nil, func(r *OpenRequest) { r.Quantity = d(6) }, ReasonExposureLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			req := base
			if tt.mutate != nil {
				tt.mutate(&req)
			}

			res, err := f.manager.Open(context.Background(), req)
			require.NoError(t, err)
			assert.False(t, res.OK)
			assert.Equal(t, tt.want, res.Reason, res.Message)

			p, err := f.store.GetParticipant(context.Background(), "p1")
			require.NoError(t, err)
			assert.True(t, p.UsedMargin.IsZero())
		})
	}
}

func TestClose_RealizesProfit(t *testing.T) {
	f := newFixture(t)
	var published atomic.Int32
	f.bus.Subscribe(events.PositionClosed, "test", func(_ context.Context, e events.Event) error {
		if e.Position != nil && e.Position.CloseReason == model.CloseReasonUser {
			published.Add(1)
		}
		return nil
	})
	pos := f.openLong(t)

	f.clock = f.clock.Add(10 * time.Minute)
	f.prices.Set("EURUSD", d(1.105), d(1.1052))

	res, err := f.manager.Close(context.Background(), pos.ID, nil)
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	f.bus.Wait()

	assert.True(t, res.Position.RealizedPnl.Equal(d(500)), "pnl %s", res.Position.RealizedPnl)
	assert.True(t, res.Position.ExitPrice.Equal(d(1.105)))
	assert.Equal(t, int64(600), res.Position.HoldingTimeSeconds)
	assert.Equal(t, model.PositionClosed, res.Position.Status)
	assert.Equal(t, model.SideShort, res.Order.Side)

	p := res.Participant
	require.NotNil(t, p)
	assert.True(t, p.CurrentCapital.Equal(d(10500)))
	assert.True(t, p.AvailableCapital.Equal(d(10500)))
	assert.True(t, p.UsedMargin.IsZero())
	assert.Equal(t, 1, p.WinningTrades)
	require.NoError(t, p.CheckInvariants())
	assert.Equal(t, int32(1), published.Load())
}

func TestClose_LockedPrice(t *testing.T) {
	tests := []struct {
		name     string
		age      time.Duration
		wantExit float64
		wantLock bool
	}{
		{"fresh lock honoured", time.Second, 1.104, true},
		{"expired lock replaced", 3 * time.Second, 1.105, false},
		{"lock from the future replaced", -time.Second, 1.105, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			pos := f.openLong(t)
			f.prices.Set("EURUSD", d(1.105), d(1.1052))

			locked := &LockedPrice{Price: d(1.104), At: f.clock.Add(-tt.age)}
			res, err := f.manager.Close(context.Background(), pos.ID, locked)
			require.NoError(t, err)
			require.True(t, res.OK, res.Message)
			assert.True(t, res.Position.ExitPrice.Equal(d(tt.wantExit)), "exit %s", res.Position.ExitPrice)

			detail, err := model.DecodeCloseDetail(res.Order.Reason, res.Order.Detail)
			require.NoError(t, err)
			assert.Equal(t, model.UserClose{LockedPrice: tt.wantLock}, detail)
		})
	}
}

func TestClose_OffMarketLockIgnored(t *testing.T) {
	f := newFixture(t)
	pos := f.openLong(t)

	res, err := f.manager.Close(context.Background(), pos.ID, &LockedPrice{Price: d(2.0), At: f.clock})
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	assert.True(t, res.Position.ExitPrice.Equal(d(1.1)), "exit %s", res.Position.ExitPrice)
	assert.True(t, res.Position.RealizedPnl.IsZero())

	p, err := f.store.GetParticipant(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, p.CurrentCapital.Equal(d(10000)), "capital %s", p.CurrentCapital)

	detail, err := model.DecodeCloseDetail(res.Order.Reason, res.Order.Detail)
	require.NoError(t, err)
	assert.Equal(t, model.UserClose{LockedPrice: false}, detail)
}

func TestClose_LockNeedsReliableQuote(t *testing.T) {
	f := newFixture(t)
	pos := f.openLong(t)
	f.prices.Delete("EURUSD")

	res, err := f.manager.Close(context.Background(), pos.ID, &LockedPrice{Price: d(1.1), At: f.clock})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonPriceUnavailable, res.Reason)

	got, err := f.store.GetPosition(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOpen())
}

func TestClose_UnreliablePriceKeepsPositionOpen(t *testing.T) {
	for _, q := range []price.Quote{
		{Symbol: "EURUSD", Bid: d(1.105), Ask: d(1.105), Timestamp: tradingTime.Add(-time.Minute)},
		{Symbol: "EURUSD", Bid: d(1.105), Ask: d(1.105), Timestamp: tradingTime, Fallback: true},
	} {
		f := newFixture(t)
		pos := f.openLong(t)
		f.prices.Put(q)

		res, err := f.manager.Close(context.Background(), pos.ID, nil)
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Equal(t, ReasonUnreliablePrice, res.Reason)

		got, err := f.store.GetPosition(context.Background(), pos.ID)
		require.NoError(t, err)
		assert.True(t, got.IsOpen())
	}
}

func TestClose_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := f.openLong(t)

	first, err := f.manager.Close(ctx, pos.ID, nil)
	require.NoError(t, err)
	require.True(t, first.OK)
	before, _ := f.store.GetParticipant(ctx, "p1")

	second, err := f.manager.Close(ctx, pos.ID, nil)
	require.NoError(t, err)
	assert.False(t, second.OK)
	assert.Equal(t, ReasonNotOpen, second.Reason)

	after, _ := f.store.GetParticipant(ctx, "p1")
	assert.Equal(t, before, after)
	orders, trades, err := f.store.GetAuditTrail(ctx, pos.ID)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
	assert.Len(t, trades, 1)

	missing, err := f.manager.Close(ctx, "no-such-position", nil)
	require.NoError(t, err)
	assert.Equal(t, ReasonNotOpen, missing.Reason)
}

func TestClose_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	pos := f.openLong(t)
	f.prices.Set("EURUSD", d(1.098), d(1.098))

	var wins, noops atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.manager.Close(context.Background(), pos.ID, nil)
			if err != nil {
				return
			}
			switch {
			case res.OK:
				wins.Add(1)
			case res.Reason == ReasonNotOpen:
				noops.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), noops.Load())

	p, err := f.store.GetParticipant(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, p.CurrentCapital.Equal(d(9800)), "capital %s", p.CurrentCapital)
	require.NoError(t, p.CheckInvariants())
}

func TestClose_MarketClosed(t *testing.T) {
	f := newFixture(t)
	pos := f.openLong(t)
	f.clock = time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)

	res, err := f.manager.Close(context.Background(), pos.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, ReasonMarketClosed, res.Reason)
}

func TestSimulatorPositionSkipsLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.manager.Open(ctx, OpenRequest{
		UserID: "u9", ContestID: "c1", Symbol: "EURUSD", Side: model.SideLong,
		Quantity: d(1), Leverage: 100, Simulator: true,
	})
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	assert.Nil(t, res.Participant)
	assert.Equal(t, "sim:u9", res.Position.ParticipantID)

	f.prices.Set("EURUSD", d(1.105), d(1.105))
	closed, err := f.manager.Close(ctx, res.Position.ID, nil)
	require.NoError(t, err)
	require.True(t, closed.OK)
	assert.Nil(t, closed.Participant)

	p, err := f.store.GetParticipant(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.CurrentCapital.Equal(d(10000)))

	orders, trades, err := f.store.GetAuditTrail(ctx, res.Position.ID)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
	assert.Len(t, trades, 1)
}

type failingCloseStore struct {
	store.Store
}

func (failingCloseStore) ClosePosition(context.Context, model.Closure) (*model.ClosedPosition, error) {
	return nil, fmt.Errorf("%w: commit: connection reset", model.ErrTransactionFailed)
}

func TestClose_TransactionFailureLeavesPositionOpen(t *testing.T) {
	f := newFixture(t)
	pos := f.openLong(t)
	f.manager.store = failingCloseStore{f.store}

	res, err := f.manager.Close(context.Background(), pos.ID, nil)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonTransactionFailed, res.Reason)

	got, err := f.store.GetPosition(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOpen())
	p, _ := f.store.GetParticipant(context.Background(), "p1")
	assert.True(t, p.UsedMargin.Equal(d(1100)))
}

type brokenStore struct {
	store.Store
}

func (brokenStore) GetPosition(context.Context, string) (*model.Position, error) {
	return nil, errors.New("connection refused")
}

func TestClose_UnexpectedErrorPropagates(t *testing.T) {
	f := newFixture(t)
	f.manager.store = brokenStore{f.store}

	_, err := f.manager.Close(context.Background(), "pos", nil)
	assert.ErrorContains(t, err, "connection refused")
}

func TestUpdateTPSL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := f.openLong(t)

	res, err := f.manager.UpdateTPSL(ctx, pos.ID, dp(1.12), dp(1.08))
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	assert.True(t, res.Position.TakeProfit.Equal(d(1.12)))
	assert.True(t, res.Position.StopLoss.Equal(d(1.08)))

	res, err = f.manager.UpdateTPSL(ctx, pos.ID, dp(1.05), nil)
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidTPSL, res.Reason)

	res, err = f.manager.UpdateTPSL(ctx, pos.ID, nil, nil)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Nil(t, res.Position.TakeProfit)
	assert.Nil(t, res.Position.StopLoss)
}

func TestOpenPositionsAndAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openLong(t)
	f.prices.Set("EURUSD", d(1.095), d(1.0952))

	positions, err := f.manager.OpenPositions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.NotNil(t, positions[0].UnrealizedPnl)
	assert.True(t, positions[0].UnrealizedPnl.Equal(d(-500)))

	acct, err := f.manager.Account(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, acct.Unrealized.Equal(d(-500)))
	// (10000 - 500) / 1100 * 100 = 863.6364
	assert.True(t, acct.Margin.Level.Equal(d(863.6364)), "level %s", acct.Margin.Level)
	assert.Equal(t, margin.StateSafe, acct.Margin.State)
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := f.openLong(t)

	audit, err := f.manager.AuditTrail(ctx, pos.ID)
	require.NoError(t, err)
	assert.Empty(t, audit.Orders)
	assert.NotNil(t, audit.Orders)

	_, err = f.manager.Close(ctx, pos.ID, nil)
	require.NoError(t, err)
	audit, err = f.manager.AuditTrail(ctx, pos.ID)
	require.NoError(t, err)
	assert.Len(t, audit.Orders, 1)
	assert.Len(t, audit.Trades, 1)
}
