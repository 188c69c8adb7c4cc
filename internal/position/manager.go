// Package position owns the lifecycle of leveraged positions: opening with
// margin reservation, editing take-profit and stop-loss, and the single
// close path shared by user requests and every sweep.
package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/contest-engine/internal/events"
	"github.com/atmx/contest-engine/internal/exposure"
	"github.com/atmx/contest-engine/internal/instrument"
	"github.com/atmx/contest-engine/internal/margin"
	"github.com/atmx/contest-engine/internal/metrics"
	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/pnl"
	"github.com/atmx/contest-engine/internal/price"
	"github.com/atmx/contest-engine/internal/store"
)

// Thresholds supplies the current risk settings. *settings.Service
// satisfies it.
type Thresholds interface {
	Current(ctx context.Context) model.RiskSettings
}

// 0.2%, roughly 20 pips on EURUSD.
var defaultLockedMaxSlippage = decimal.New(2, -3)

// Config tunes the manager.
type Config struct {
	// LockedMaxAge bounds how old a caller-supplied close price may be.
	LockedMaxAge time.Duration
	// LockedMaxSlippage is the largest fractional distance between a locked
	// price and the live exit price for the lock to be honoured.
	LockedMaxSlippage decimal.Decimal
	// CountLiquidationsInStats makes margin-call closes move the trade
	// counters and win/loss averages.
	CountLiquidationsInStats bool
}

// Manager is the only writer of the participant ledger.
type Manager struct {
	store      store.Store
	prices     price.Source
	catalog    *instrument.Catalog
	calc       *pnl.Calculator
	limiter    *exposure.Limiter
	thresholds Thresholds
	events     events.Publisher
	cfg        Config
	log        *zap.Logger
	now        func() time.Time
}

// NewManager wires a manager. limiter and pub may be nil.
func NewManager(
	st store.Store,
	prices price.Source,
	catalog *instrument.Catalog,
	limiter *exposure.Limiter,
	thresholds Thresholds,
	pub events.Publisher,
	cfg Config,
	log *zap.Logger,
) *Manager {
	if cfg.LockedMaxAge <= 0 {
		cfg.LockedMaxAge = 2 * time.Second
	}
	if !cfg.LockedMaxSlippage.IsPositive() {
		cfg.LockedMaxSlippage = defaultLockedMaxSlippage
	}
	return &Manager{
		store:      st,
		prices:     prices,
		catalog:    catalog,
		calc:       pnl.New(catalog),
		limiter:    limiter,
		thresholds: thresholds,
		events:     pub,
		cfg:        cfg,
		log:        log.Named("position"),
		now:        time.Now,
	}
}

// SetClock overrides the time source used for market hours, lock ages and
// close timestamps.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// OpenRequest describes a new position.
type OpenRequest struct {
	ParticipantID string           `json:"participant_id"`
	UserID        string           `json:"user_id"`
	ContestID     string           `json:"contest_id,omitempty"`
	Symbol        string           `json:"symbol"`
	Side          model.Side       `json:"side"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Leverage      int              `json:"leverage"`
	TakeProfit    *decimal.Decimal `json:"take_profit,omitempty"`
	StopLoss      *decimal.Decimal `json:"stop_loss,omitempty"`
	// Simulator positions are not backed by a participant ledger. They
	// need UserID and ContestID; ParticipantID is synthesized.
	Simulator bool `json:"simulator,omitempty"`
}

// LockedPrice is the price the caller saw when requesting a close.
type LockedPrice struct {
	Price decimal.Decimal `json:"price"`
	At    time.Time       `json:"at"`
}

// Open validates req, prices the entry from the live quote and reserves the
// margin.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (Result, error) {
	res, err := m.open(ctx, req)
	if err != nil {
		if r, ok := reject(err); ok {
			metrics.CloseRejections.WithLabelValues("open", r.Reason).Inc()
			return r, nil
		}
		return Result{}, err
	}
	return res, nil
}

func (m *Manager) open(ctx context.Context, req OpenRequest) (Result, error) {
	if err := validateOpen(req); err != nil {
		return Result{}, err
	}
	pair, err := instrument.ParseSymbol(req.Symbol)
	if err != nil {
		return Result{}, err
	}
	inst, err := m.catalog.Lookup(pair.Symbol)
	if err != nil {
		return Result{}, err
	}
	now := m.now().UTC()
	if !inst.IsOpen(now) {
		return Result{}, fmt.Errorf("%s: %w", inst.Symbol, model.ErrMarketClosed)
	}

	// Resolve who is trading once; both contest kinds share the ledger.
	var participant *model.Participant
	userID, contestID, participantID := req.UserID, req.ContestID, req.ParticipantID
	if !req.Simulator {
		participant, err = m.store.GetParticipant(ctx, req.ParticipantID)
		if err != nil {
			return Result{}, err
		}
		if req.UserID != "" && req.UserID != participant.UserID {
			return Result{}, fmt.Errorf("%w: participant %s belongs to another user", ErrInvalidRequest, participant.ID)
		}
		if participant.Status != model.ParticipantActive {
			return Result{}, model.ErrParticipantInactive
		}
		userID, contestID = participant.UserID, participant.ContestID
	} else {
		participantID = "sim:" + req.UserID
	}
	if err := m.checkRestricted(ctx, userID); err != nil {
		return Result{}, err
	}

	contest, err := m.store.GetContest(ctx, contestID)
	if err != nil {
		return Result{}, err
	}
	if !req.Simulator && !contestOpen(contest, now) {
		return Result{}, fmt.Errorf("contest %s is %s: %w", contest.ID, contest.Status, model.ErrContestNotActive)
	}
	if contest.MaxLeverage > 0 && req.Leverage > contest.MaxLeverage {
		return Result{}, fmt.Errorf("%w: leverage %d exceeds contest maximum %d", ErrInvalidRequest, req.Leverage, contest.MaxLeverage)
	}

	q, err := m.quote(ctx, inst.Symbol)
	if err != nil {
		return Result{}, err
	}
	entry := q.EntryPrice(req.Side)
	if err := validateTPSL(req.Side, entry, req.TakeProfit, req.StopLoss); err != nil {
		return Result{}, err
	}

	if m.limiter != nil && participant != nil {
		open, err := m.store.ListOpenPositionsByParticipant(ctx, participant.ID)
		if err != nil {
			return Result{}, fmt.Errorf("load open positions: %w", err)
		}
		if err := m.limiter.CheckLimit(inst.Symbol, req.Quantity, open); err != nil {
			metrics.ExposureRejections.Inc()
			return Result{}, err
		}
	}

	pos := &model.Position{
		ID:            uuid.New().String(),
		ParticipantID: participantID,
		ContestID:     contestID,
		UserID:        userID,
		Symbol:        inst.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Leverage:      req.Leverage,
		EntryPrice:    entry,
		MarginUsed:    margin.Required(inst, entry, req.Quantity, req.Leverage),
		TakeProfit:    req.TakeProfit,
		StopLoss:      req.StopLoss,
		Status:        model.PositionOpen,
		Simulator:     req.Simulator,
		OpenedAt:      now,
	}
	updated, err := m.store.OpenPosition(ctx, pos)
	if err != nil {
		return Result{}, err
	}

	metrics.PositionsOpened.WithLabelValues(string(pos.Side)).Inc()
	m.log.Info("position opened",
		zap.String("position_id", pos.ID),
		zap.String("participant_id", pos.ParticipantID),
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)),
		zap.String("quantity", pos.Quantity.String()),
		zap.String("entry", entry.String()),
		zap.String("margin", pos.MarginUsed.String()),
	)
	m.publish(ctx, events.Event{Kind: events.PositionOpened, Position: pos, Participant: updated})

	return Result{OK: true, Position: pos, Participant: updated}, nil
}

// UpdateTPSL replaces the take-profit and stop-loss of an open position.
// Either may be nil to clear it. Levels are validated against the current
// exit-side mark, or the entry price when no reliable quote is available.
func (m *Manager) UpdateTPSL(ctx context.Context, positionID string, takeProfit, stopLoss *decimal.Decimal) (Result, error) {
	res, err := m.updateTPSL(ctx, positionID, takeProfit, stopLoss)
	if err != nil {
		if r, ok := reject(err); ok {
			metrics.CloseRejections.WithLabelValues("tpsl", r.Reason).Inc()
			return r, nil
		}
		return Result{}, err
	}
	return res, nil
}

func (m *Manager) updateTPSL(ctx context.Context, positionID string, takeProfit, stopLoss *decimal.Decimal) (Result, error) {
	pos, err := m.store.GetPosition(ctx, positionID)
	if errors.Is(err, model.ErrNotFound) {
		return Result{}, fmt.Errorf("position %s: %w", positionID, model.ErrPositionNotOpen)
	}
	if err != nil {
		return Result{}, err
	}
	if !pos.IsOpen() {
		return Result{}, fmt.Errorf("position %s: %w", positionID, model.ErrPositionNotOpen)
	}
	if !m.catalog.Resolve(pos.Symbol).IsOpen(m.now().UTC()) {
		return Result{}, fmt.Errorf("%s: %w", pos.Symbol, model.ErrMarketClosed)
	}
	if err := m.checkRestricted(ctx, pos.UserID); err != nil {
		return Result{}, err
	}

	ref := pos.EntryPrice
	if q, err := m.quote(ctx, pos.Symbol); err == nil {
		ref = q.ExitPrice(pos.Side)
	}
	if err := validateTPSL(pos.Side, ref, takeProfit, stopLoss); err != nil {
		return Result{}, err
	}

	updated, err := m.store.UpdateTPSL(ctx, positionID, takeProfit, stopLoss)
	if err != nil {
		return Result{}, err
	}
	m.log.Info("tpsl updated",
		zap.String("position_id", positionID),
		zap.Stringp("take_profit", decimalString(takeProfit)),
		zap.Stringp("stop_loss", decimalString(stopLoss)),
	)
	return Result{OK: true, Position: updated}, nil
}

// Close is the user-initiated close. A locked price no older than
// LockedMaxAge is honoured; otherwise a fresh quote is fetched and must be
// reliable. Closing a position that is already closed is a no-op that
// reports ReasonNotOpen.
func (m *Manager) Close(ctx context.Context, positionID string, locked *LockedPrice) (Result, error) {
	start := time.Now()
	closed, err := m.closeByUser(ctx, positionID, locked)
	if err != nil {
		if r, ok := reject(err); ok {
			metrics.CloseRejections.WithLabelValues("close", r.Reason).Inc()
			if r.Reason == ReasonTransactionFailed {
				m.log.Warn("close aborted", zap.String("position_id", positionID), zap.Error(err))
			}
			return r, nil
		}
		return Result{}, err
	}
	metrics.CloseLatency.WithLabelValues(string(model.CloseReasonUser)).Observe(time.Since(start).Seconds())
	return Result{OK: true, Position: &closed.Position, Participant: closed.Participant, Order: &closed.Order}, nil
}

func (m *Manager) closeByUser(ctx context.Context, positionID string, locked *LockedPrice) (*model.ClosedPosition, error) {
	pos, err := m.store.GetPosition(ctx, positionID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("position %s: %w", positionID, model.ErrPositionNotOpen)
	}
	if err != nil {
		return nil, err
	}
	if !pos.IsOpen() {
		return nil, fmt.Errorf("position %s: %w", positionID, model.ErrPositionNotOpen)
	}
	now := m.now().UTC()
	if !m.catalog.Resolve(pos.Symbol).IsOpen(now) {
		return nil, fmt.Errorf("%s: %w", pos.Symbol, model.ErrMarketClosed)
	}
	if err := m.checkRestricted(ctx, pos.UserID); err != nil {
		return nil, err
	}

	exit, usedLock, err := m.resolveExit(ctx, pos, locked, now)
	if err != nil {
		return nil, err
	}
	return m.CloseAt(ctx, *pos, exit, model.UserClose{LockedPrice: usedLock})
}

// resolveExit prices a user close from the live quote's exit side. A
// caller-supplied lock replaces it only when it is fresh and within
// LockedMaxSlippage of that live price; a lock never substitutes for a
// missing or unreliable quote.
func (m *Manager) resolveExit(ctx context.Context, pos *model.Position, locked *LockedPrice, now time.Time) (decimal.Decimal, bool, error) {
	q, err := m.quote(ctx, pos.Symbol)
	if err != nil {
		return decimal.Zero, false, err
	}
	live := q.ExitPrice(pos.Side)
	if locked == nil || !locked.Price.IsPositive() || locked.At.IsZero() {
		return live, false, nil
	}

	age := now.Sub(locked.At)
	if age < 0 || age > m.cfg.LockedMaxAge {
		m.log.Debug("locked price expired",
			zap.String("position_id", pos.ID), zap.Duration("age", age))
		return live, false, nil
	}
	slippage := locked.Price.Sub(live).Abs().Div(live)
	if slippage.GreaterThan(m.cfg.LockedMaxSlippage) {
		m.log.Warn("locked price off market",
			zap.String("position_id", pos.ID),
			zap.String("locked", locked.Price.String()),
			zap.String("live", live.String()),
		)
		return live, false, nil
	}
	return locked.Price, true, nil
}

// CloseAt closes pos at exit with detail as the recorded reason. It is the
// single close path: user closes, trigger, risk and contest-end sweeps all
// come through here. The price must already be validated by the caller.
// Returns an error wrapping model.ErrPositionNotOpen when another path won
// the race.
func (m *Manager) CloseAt(ctx context.Context, pos model.Position, exit decimal.Decimal, detail model.CloseDetail) (*model.ClosedPosition, error) {
	if !exit.IsPositive() {
		return nil, fmt.Errorf("%w: exit price %s", model.ErrPriceUnavailable, exit)
	}
	realized := m.calc.Position(&pos, exit)
	count := true
	if detail.Reason() == model.CloseReasonMarginCall {
		count = m.cfg.CountLiquidationsInStats
	}

	closed, err := m.store.ClosePosition(ctx, model.Closure{
		PositionID:            pos.ID,
		Detail:                detail,
		ExitPrice:             exit,
		RealizedPnl:           realized,
		RealizedPnlPercentage: pnl.Percentage(realized, pos.MarginUsed),
		ClosedAt:              m.now().UTC(),
		CountInStats:          count,
	})
	if err != nil {
		return nil, err
	}

	metrics.PositionsClosed.WithLabelValues(string(detail.Reason())).Inc()
	m.log.Info("position closed",
		zap.String("position_id", pos.ID),
		zap.String("participant_id", pos.ParticipantID),
		zap.String("reason", string(detail.Reason())),
		zap.String("exit", exit.String()),
		zap.String("realized_pnl", realized.String()),
	)
	cp := closed.Position
	m.publish(ctx, events.Event{
		Kind:        events.PositionClosed,
		Position:    &cp,
		Participant: closed.Participant,
		Detail:      detail,
	})
	return closed, nil
}

// OpenPositions returns the open positions of a contest annotated with
// unrealized P&L at the current exit-side mark. Positions without a quote
// are returned unannotated.
func (m *Manager) OpenPositions(ctx context.Context, contestID string) ([]model.Position, error) {
	positions, err := m.store.ListOpenPositions(ctx, contestID)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	m.annotate(ctx, positions)
	return positions, nil
}

// Account is a participant's ledger with its live margin picture.
type Account struct {
	Participant model.Participant `json:"participant"`
	Positions   []model.Position  `json:"positions"`
	Unrealized  decimal.Decimal   `json:"unrealized_pnl"`
	Margin      margin.Evaluation `json:"margin"`
}

// Account loads a participant and evaluates its margin from live prices.
func (m *Manager) Account(ctx context.Context, participantID string) (*Account, error) {
	p, err := m.store.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	positions, err := m.store.ListOpenPositionsByParticipant(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	m.annotate(ctx, positions)

	unrealized := decimal.Zero
	for _, pos := range positions {
		if pos.UnrealizedPnl != nil {
			unrealized = unrealized.Add(*pos.UnrealizedPnl)
		}
	}
	eval := margin.Evaluate(p.CurrentCapital, unrealized, p.UsedMargin, m.thresholds.Current(ctx))
	if positions == nil {
		positions = []model.Position{}
	}
	return &Account{Participant: *p, Positions: positions, Unrealized: unrealized, Margin: eval}, nil
}

// Audit is the reconstructable close history of one position.
type Audit struct {
	Orders []model.Order        `json:"orders"`
	Trades []model.TradeHistory `json:"trades"`
}

// AuditTrail returns the orders and trade history of a position.
func (m *Manager) AuditTrail(ctx context.Context, positionID string) (*Audit, error) {
	orders, trades, err := m.store.GetAuditTrail(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []model.Order{}
	}
	if trades == nil {
		trades = []model.TradeHistory{}
	}
	return &Audit{Orders: orders, Trades: trades}, nil
}

func (m *Manager) annotate(ctx context.Context, positions []model.Position) {
	if len(positions) == 0 {
		return
	}
	seen := make(map[string]bool)
	var symbols []string
	for _, p := range positions {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			symbols = append(symbols, p.Symbol)
		}
	}
	quotes, err := m.prices.Prices(ctx, symbols)
	if err != nil {
		m.log.Warn("batch price fetch failed", zap.Error(err))
		return
	}
	for i := range positions {
		q, ok := quotes[positions[i].Symbol]
		if !ok {
			continue
		}
		u := m.calc.Position(&positions[i], q.ExitPrice(positions[i].Side))
		positions[i].UnrealizedPnl = &u
	}
}

// quote fetches a live quote and refuses stale or fallback data.
func (m *Manager) quote(ctx context.Context, symbol string) (price.Quote, error) {
	q, err := m.prices.Price(ctx, symbol)
	if err != nil {
		return price.Quote{}, fmt.Errorf("%w: %s: %w", model.ErrPriceUnavailable, symbol, err)
	}
	if !q.Reliable() {
		return price.Quote{}, fmt.Errorf("%w: %s stale=%t fallback=%t", model.ErrUnreliablePrice, symbol, q.Stale, q.Fallback)
	}
	return q, nil
}

func (m *Manager) checkRestricted(ctx context.Context, userID string) error {
	restricted, err := m.store.IsRestricted(ctx, userID)
	if err != nil {
		return fmt.Errorf("restriction lookup: %w", err)
	}
	if restricted {
		return fmt.Errorf("user %s: %w", userID, model.ErrRestricted)
	}
	return nil
}

func (m *Manager) publish(ctx context.Context, e events.Event) {
	if m.events == nil {
		return
	}
	e.Timestamp = m.now().UTC()
	m.events.Publish(ctx, e)
}

func contestOpen(c *model.Contest, now time.Time) bool {
	if c.Status != model.ContestStatusActive {
		return false
	}
	if !c.StartsAt.IsZero() && now.Before(c.StartsAt) {
		return false
	}
	return c.EndsAt.IsZero() || now.Before(c.EndsAt)
}

func validateOpen(req OpenRequest) error {
	switch {
	case !req.Side.Valid():
		return fmt.Errorf("%w: side must be long or short", ErrInvalidRequest)
	case !req.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	case req.Leverage < 1:
		return fmt.Errorf("%w: leverage must be at least 1", ErrInvalidRequest)
	case req.Simulator && (req.UserID == "" || req.ContestID == ""):
		return fmt.Errorf("%w: simulator positions need user_id and contest_id", ErrInvalidRequest)
	case !req.Simulator && req.ParticipantID == "":
		return fmt.Errorf("%w: participant_id is required", ErrInvalidRequest)
	}
	return nil
}

// validateTPSL checks that a long's take-profit sits above ref and its
// stop-loss below, and the reverse for shorts.
func validateTPSL(side model.Side, ref decimal.Decimal, takeProfit, stopLoss *decimal.Decimal) error {
	if takeProfit != nil {
		if !takeProfit.IsPositive() {
			return fmt.Errorf("%w: take-profit must be positive", model.ErrInvalidTPSL)
		}
		if (side == model.SideLong && !takeProfit.GreaterThan(ref)) ||
			(side == model.SideShort && !takeProfit.LessThan(ref)) {
			return fmt.Errorf("%w: take-profit %s on the wrong side of %s for %s", model.ErrInvalidTPSL, takeProfit, ref, side)
		}
	}
	if stopLoss != nil {
		if !stopLoss.IsPositive() {
			return fmt.Errorf("%w: stop-loss must be positive", model.ErrInvalidTPSL)
		}
		if (side == model.SideLong && !stopLoss.LessThan(ref)) ||
			(side == model.SideShort && !stopLoss.GreaterThan(ref)) {
			return fmt.Errorf("%w: stop-loss %s on the wrong side of %s for %s", model.ErrInvalidTPSL, stopLoss, ref, side)
		}
	}
	return nil
}

func decimalString(v *decimal.Decimal) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}
