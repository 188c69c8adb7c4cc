package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/contest-engine/internal/events"
	"github.com/atmx/contest-engine/internal/exposure"
	"github.com/atmx/contest-engine/internal/instrument"
	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/position"
	"github.com/atmx/contest-engine/internal/price"
	"github.com/atmx/contest-engine/internal/store"
	"github.com/atmx/contest-engine/internal/sweep"
	"github.com/atmx/contest-engine/internal/trade"
)

// Wednesday, FX market open.
var tradingTime = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type staticThresholds struct{}

func (staticThresholds) Current(context.Context) model.RiskSettings { return model.DefaultRiskSettings() }

type testEnv struct {
	store  *store.MemoryStore
	prices *price.MemorySource
	router chi.Router
}

// newTestEnv creates a Service over an in-memory store with one active
// contest and one participant holding 10000.
func newTestEnv(t *testing.T, sweeps *trade.Sweeps) *testEnv {
	t.Helper()
	ctx := context.Background()
	now := func() time.Time { return tradingTime }

	ms := store.NewMemoryStore()
	prices := price.NewMemorySource(5 * time.Second)
	prices.SetClock(now)
	prices.Set("EURUSD", d(1.1), d(1.1))

	if err := ms.CreateContest(ctx, &model.Contest{
		ID: "c1", Kind: model.ContestKindCompetition, Status: model.ContestStatusActive,
		StartingCapital: d(10000), MaxLeverage: 100,
		StartsAt: tradingTime.Add(-time.Hour), EndsAt: tradingTime.Add(time.Hour),
	}); err != nil {
		t.Fatalf("failed to seed contest: %v", err)
	}
	if err := ms.CreateParticipant(ctx,
		model.NewParticipant("p1", "c1", "u1", model.ContestKindCompetition, d(10000), tradingTime.Add(-time.Hour))); err != nil {
		t.Fatalf("failed to seed participant: %v", err)
	}

	catalog := instrument.DefaultCatalog()
	bus := events.NewBus(zap.NewNop(), time.Second)
	t.Cleanup(bus.Wait)

	mgr := position.NewManager(ms, prices, catalog,
		exposure.NewLimiter(d(5), d(10), catalog),
		staticThresholds{}, bus,
		position.Config{LockedMaxAge: 2 * time.Second},
		zap.NewNop(),
	)
	mgr.SetClock(now)

	svc := trade.NewService(mgr, sweeps, zap.NewNop())
	r := chi.NewRouter()
	svc.Register(r)
	svc.RegisterSweeps(r)

	return &testEnv{store: ms, prices: prices, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) position.Result {
	t.Helper()
	var res position.Result
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return res
}

func (e *testEnv) openLong(t *testing.T) *model.Position {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/positions", position.OpenRequest{
		ParticipantID: "p1", Symbol: "EUR/USD", Side: model.SideLong, Quantity: d(1), Leverage: 100,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	res := decodeResult(t, w)
	if !res.OK || res.Position == nil {
		t.Fatalf("expected ok result with position, got %+v", res)
	}
	return res.Position
}

// --- Position handler tests ---

func TestOpenPosition(t *testing.T) {
	env := newTestEnv(t, nil)
	pos := env.openLong(t)

	if pos.Symbol != "EURUSD" {
		t.Errorf("expected normalized symbol EURUSD, got %s", pos.Symbol)
	}
	if !pos.MarginUsed.Equal(d(1100)) {
		t.Errorf("expected margin 1100, got %s", pos.MarginUsed)
	}
}

func TestOpenPosition_InvalidBody(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest("POST", "/api/v1/positions", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestOpenPosition_RejectionStatus(t *testing.T) {
	tests := []struct {
		name       string
		req        position.OpenRequest
		wantStatus int
		wantReason string
	}{
		{
			name:       "unknown symbol",
			req:        position.OpenRequest{ParticipantID: "p1", Symbol: "ABCXYZ", Side: model.SideLong, Quantity: d(1), Leverage: 10},
			wantStatus: http.StatusBadRequest,
			wantReason: position.ReasonInvalidSymbol,
		},
		{
			name:       "insufficient margin",
			req:        position.OpenRequest{ParticipantID: "p1", Symbol: "EURUSD", Side: model.SideLong, Quantity: d(5), Leverage: 1},
			wantStatus: http.StatusUnprocessableEntity,
			wantReason: position.ReasonInsufficientMargin,
		},
		{
			name:       "unknown participant",
			req:        position.OpenRequest{ParticipantID: "nobody", Symbol: "EURUSD", Side: model.SideLong, Quantity: d(1), Leverage: 10},
			wantStatus: http.StatusNotFound,
			wantReason: position.ReasonNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			w := env.do(t, "POST", "/api/v1/positions", tt.req)
			if w.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			res := decodeResult(t, w)
			if res.OK || res.Reason != tt.wantReason {
				t.Errorf("expected reason %s, got %+v", tt.wantReason, res)
			}
		})
	}
}

func TestOpenPosition_Restricted(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.store.SetRestricted(context.Background(), "u1", true); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, "POST", "/api/v1/positions", position.OpenRequest{
		ParticipantID: "p1", Symbol: "EURUSD", Side: model.SideLong, Quantity: d(1), Leverage: 100,
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestClosePosition(t *testing.T) {
	env := newTestEnv(t, nil)
	pos := env.openLong(t)
	env.prices.Set("EURUSD", d(1.105), d(1.105))

	w := env.do(t, "POST", "/api/v1/positions/"+pos.ID+"/close", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decodeResult(t, w)
	if !res.Position.RealizedPnl.Equal(d(500)) {
		t.Errorf("expected realized pnl 500, got %s", res.Position.RealizedPnl)
	}
	if !res.Participant.CurrentCapital.Equal(d(10500)) {
		t.Errorf("expected capital 10500, got %s", res.Participant.CurrentCapital)
	}

	// A second close is a no-op conflict, not an error.
	w = env.do(t, "POST", "/api/v1/positions/"+pos.ID+"/close", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on repeat close, got %d", w.Code)
	}
	if res := decodeResult(t, w); res.Reason != position.ReasonNotOpen {
		t.Errorf("expected reason %s, got %s", position.ReasonNotOpen, res.Reason)
	}
}

func TestClosePosition_LockedPrice(t *testing.T) {
	env := newTestEnv(t, nil)
	pos := env.openLong(t)
	env.prices.Set("EURUSD", d(1.101), d(1.101))

	locked := d(1.102)
	at := tradingTime.Add(-time.Second)
	w := env.do(t, "POST", "/api/v1/positions/"+pos.ID+"/close", trade.CloseRequest{
		LockedPrice: &locked, LockedAt: &at,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decodeResult(t, w)
	if !res.Position.ExitPrice.Equal(locked) {
		t.Errorf("expected exit at locked price %s, got %s", locked, res.Position.ExitPrice)
	}
}

func TestClosePosition_OffMarketLockUsesLivePrice(t *testing.T) {
	env := newTestEnv(t, nil)
	pos := env.openLong(t)

	locked := d(2.0)
	at := tradingTime
	w := env.do(t, "POST", "/api/v1/positions/"+pos.ID+"/close", trade.CloseRequest{
		LockedPrice: &locked, LockedAt: &at,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decodeResult(t, w)
	if !res.Position.ExitPrice.Equal(d(1.1)) {
		t.Errorf("expected exit at live bid 1.1, got %s", res.Position.ExitPrice)
	}
	if !res.Participant.CurrentCapital.Equal(d(10000)) {
		t.Errorf("expected capital unchanged at 10000, got %s", res.Participant.CurrentCapital)
	}
}

func TestClosePosition_UnreliablePrice(t *testing.T) {
	env := newTestEnv(t, nil)
	pos := env.openLong(t)
	env.prices.Put(price.Quote{
		Symbol: "EURUSD", Bid: d(1.1), Ask: d(1.1), Mid: d(1.1),
		Timestamp: tradingTime, Fallback: true,
	})

	w := env.do(t, "POST", "/api/v1/positions/"+pos.ID+"/close", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
}

func TestUpdateTPSL(t *testing.T) {
	env := newTestEnv(t, nil)
	pos := env.openLong(t)

	tp, sl := d(1.12), d(1.09)
	w := env.do(t, "PATCH", "/api/v1/positions/"+pos.ID+"/tpsl", trade.TPSLRequest{TakeProfit: &tp, StopLoss: &sl})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decodeResult(t, w)
	if res.Position.TakeProfit == nil || !res.Position.TakeProfit.Equal(tp) {
		t.Errorf("expected take profit %s, got %v", tp, res.Position.TakeProfit)
	}

	// Stop-loss above the mark on a long is invalid.
	bad := d(1.2)
	w = env.do(t, "PATCH", "/api/v1/positions/"+pos.ID+"/tpsl", trade.TPSLRequest{StopLoss: &bad})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Read handler tests ---

func TestGetParticipant(t *testing.T) {
	env := newTestEnv(t, nil)
	env.openLong(t)

	w := env.do(t, "GET", "/api/v1/participants/p1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var acct position.Account
	if err := json.NewDecoder(w.Body).Decode(&acct); err != nil {
		t.Fatal(err)
	}
	if len(acct.Positions) != 1 {
		t.Errorf("expected 1 open position, got %d", len(acct.Positions))
	}
	if !acct.Participant.UsedMargin.Equal(d(1100)) {
		t.Errorf("expected used margin 1100, got %s", acct.Participant.UsedMargin)
	}
}

func TestGetParticipant_NotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, "GET", "/api/v1/participants/nobody", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListOpenPositions(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "GET", "/api/v1/contests/c1/positions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := bytes.TrimSpace(w.Body.Bytes()); string(got) != "[]" {
		t.Errorf("expected empty array, got %s", got)
	}

	env.openLong(t)
	env.prices.Set("EURUSD", d(1.101), d(1.101))
	w = env.do(t, "GET", "/api/v1/contests/c1/positions", nil)
	var positions []model.Position
	if err := json.NewDecoder(w.Body).Decode(&positions); err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	if positions[0].UnrealizedPnl == nil || !positions[0].UnrealizedPnl.Equal(d(100)) {
		t.Errorf("expected unrealized pnl 100, got %v", positions[0].UnrealizedPnl)
	}
}

func TestGetAuditTrail(t *testing.T) {
	env := newTestEnv(t, nil)
	pos := env.openLong(t)
	env.do(t, "POST", "/api/v1/positions/"+pos.ID+"/close", nil)

	w := env.do(t, "GET", "/api/v1/positions/"+pos.ID+"/audit", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var audit position.Audit
	if err := json.NewDecoder(w.Body).Decode(&audit); err != nil {
		t.Fatal(err)
	}
	if len(audit.Orders) != 1 || len(audit.Trades) != 1 {
		t.Errorf("expected 1 order and 1 trade, got %d and %d", len(audit.Orders), len(audit.Trades))
	}

	w = env.do(t, "GET", "/api/v1/positions/missing/audit", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown position, got %d", w.Code)
	}
}

// --- Sweep handler tests ---

func TestRunRiskSweep(t *testing.T) {
	calls := 0
	env := newTestEnv(t, &trade.Sweeps{
		Risk: func(context.Context) (*sweep.Report, error) {
			calls++
			return &sweep.Report{Sweep: "risk", Participants: 3}, nil
		},
	})

	w := env.do(t, "POST", "/internal/sweeps/risk", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var report sweep.Report
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if calls != 1 || report.Participants != 3 {
		t.Errorf("expected one run reporting 3 participants, got %d runs and %+v", calls, &report)
	}
}

func TestRunTriggerSweep_PassesContest(t *testing.T) {
	var got string
	env := newTestEnv(t, &trade.Sweeps{
		Trigger: func(_ context.Context, contestID string) (*sweep.Report, error) {
			got = contestID
			return &sweep.Report{Sweep: "trigger"}, nil
		},
	})

	w := env.do(t, "POST", "/internal/sweeps/trigger/c1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got != "c1" {
		t.Errorf("expected contest c1, got %q", got)
	}
}

func TestRunSweep_LeaseHeld(t *testing.T) {
	started := make(chan struct{})
	finish := make(chan struct{})
	env := newTestEnv(t, &trade.Sweeps{
		ContestEnd: func(context.Context) (*sweep.Report, error) {
			close(started)
			<-finish
			return &sweep.Report{}, nil
		},
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		env.do(t, "POST", "/internal/sweeps/contest-end", nil)
	}()
	<-started

	w := env.do(t, "POST", "/internal/sweeps/contest-end", nil)
	close(finish)
	wg.Wait()

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 while sweep is running, got %d", w.Code)
	}
}

func TestRunSweep_Aborted(t *testing.T) {
	env := newTestEnv(t, &trade.Sweeps{
		Risk: func(context.Context) (*sweep.Report, error) {
			return nil, errors.New("store unavailable")
		},
	})

	w := env.do(t, "POST", "/internal/sweeps/risk", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestSweepRoutes_AbsentWithoutSweeps(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, "POST", "/internal/sweeps/risk", nil)
	if w.Code != http.StatusNotFound && w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected sweep route to be absent, got %d", w.Code)
	}
}
