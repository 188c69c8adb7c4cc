package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/contest-engine/internal/events"
	"github.com/atmx/contest-engine/internal/margin"
	"github.com/atmx/contest-engine/internal/metrics"
	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/pnl"
	"github.com/atmx/contest-engine/internal/price"
	"github.com/atmx/contest-engine/internal/store"
)

// RiskSweeper is the margin-call backstop. It liquidates participants whose
// margin level has fallen below the liquidation threshold, but only on
// prices it can trust.
type RiskSweeper struct {
	store       store.Store
	prices      price.Source
	calc        *pnl.Calculator
	closer      Closer
	thresholds  Thresholds
	events      events.Publisher
	concurrency int
	log         *zap.Logger
	now         func() time.Time
}

// NewRiskSweeper wires a risk sweeper. pub may be nil.
func NewRiskSweeper(st store.Store, prices price.Source, calc *pnl.Calculator, closer Closer,
	thresholds Thresholds, pub events.Publisher, concurrency int, log *zap.Logger) *RiskSweeper {
	if concurrency < 1 {
		concurrency = 1
	}
	return &RiskSweeper{
		store:       st,
		prices:      prices,
		calc:        calc,
		closer:      closer,
		thresholds:  thresholds,
		events:      pub,
		concurrency: concurrency,
		log:         log.Named("risk_sweep"),
		now:         time.Now,
	}
}

// Run sweeps every contest with open positions.
func (s *RiskSweeper) Run(ctx context.Context) (*Report, error) {
	start := s.now().UTC()
	report := newReport("risk", start)
	defer func() {
		report.finish(s.now().UTC())
		metrics.ObserveSweep("risk", start, len(report.Failures))
	}()

	contests, err := s.store.ListContestsWithOpenPositions(ctx)
	if err != nil {
		return report, fmt.Errorf("risk sweep: list contests: %w", err)
	}
	settings := s.thresholds.Current(ctx)

	for _, contestID := range contests {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.sweepContest(ctx, contestID, settings, report); err != nil {
			return report, fmt.Errorf("risk sweep: contest %s: %w", contestID, err)
		}
	}

	if len(report.Liquidated) > 0 || len(report.Failures) > 0 {
		s.log.Info("risk sweep finished",
			zap.Int("contests", report.Contests),
			zap.Int("participants", report.Participants),
			zap.Int("liquidated", len(report.Liquidated)),
			zap.Int("skipped", report.Skipped),
			zap.Int("failures", len(report.Failures)),
		)
	}
	return report, nil
}

// account is one participant's slice of a contest sweep.
type account struct {
	participant model.Participant
	positions   []model.Position
	unrealized  decimal.Decimal
	complete    bool // every position had a quote
}

func (s *RiskSweeper) sweepContest(ctx context.Context, contestID string, settings model.RiskSettings, report *Report) error {
	positions, err := s.store.ListOpenPositions(ctx, contestID)
	if err != nil {
		return err
	}
	participants, err := s.store.ListParticipants(ctx, contestID)
	if err != nil {
		return err
	}

	accounts := make(map[string]*account)
	for _, p := range participants {
		if p.Status == model.ParticipantActive {
			accounts[p.ID] = &account{participant: p, complete: true}
		}
	}
	for _, pos := range positions {
		if a, ok := accounts[pos.ParticipantID]; ok && !pos.Simulator {
			a.positions = append(a.positions, pos)
		}
	}

	// Prices are fetched once per contest, before any transaction.
	quotes, err := s.prices.Prices(ctx, symbolsOf(positions))
	if err != nil {
		report.fail(Failure{ContestID: contestID, Error: fmt.Sprintf("fetch prices: %v", err)})
		return nil
	}

	values := make(map[string]decimal.Decimal)
	for id, a := range accounts {
		if len(a.positions) == 0 {
			delete(accounts, id)
			continue
		}
		for _, pos := range a.positions {
			q, ok := quotes[pos.Symbol]
			if !ok {
				a.complete = false
				continue
			}
			a.unrealized = a.unrealized.Add(s.calc.Position(&pos, q.ExitPrice(pos.Side)))
		}
		if a.complete {
			values[id] = a.unrealized
		}
	}
	if len(values) > 0 {
		if err := s.store.UpdateUnrealizedPnl(ctx, values, s.now().UTC()); err != nil {
			return fmt.Errorf("update unrealized pnl: %w", err)
		}
	}

	report.add(func(r *Report) {
		r.Contests++
		r.Participants += len(accounts)
		r.Positions += len(positions)
	})

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, a := range accounts {
		g.Go(func() error {
			s.evaluate(ctx, contestID, a, quotes, settings, report)
			return nil
		})
	}
	return g.Wait()
}

func (s *RiskSweeper) evaluate(ctx context.Context, contestID string, a *account, quotes map[string]price.Quote, settings model.RiskSettings, report *Report) {
	p := a.participant
	if !a.complete {
		report.add(func(r *Report) { r.Skipped++ })
		s.log.Warn("missing prices, participant skipped", zap.String("participant_id", p.ID))
		return
	}

	eval := margin.Evaluate(p.CurrentCapital, a.unrealized, p.UsedMargin, settings)
	if eval.State != margin.StateLiquidation {
		return
	}

	// Never liquidate on a price we cannot trust; retry next cycle.
	for _, pos := range a.positions {
		if err := price.CheckIntegrity(quotes[pos.Symbol], pos.Side, pos.EntryPrice, settings.MaxPriceDeviation); err != nil {
			metrics.LiquidationsBlocked.Inc()
			report.add(func(r *Report) { r.Skipped++ })
			s.log.Warn("liquidation blocked by price integrity",
				zap.String("participant_id", p.ID),
				zap.String("position_id", pos.ID),
				zap.String("margin_level", eval.Level.String()),
				zap.Error(err),
			)
			return
		}
	}

	detail := model.MarginCallClose{MarginLevelAtTrigger: eval.Level, EquityAtTrigger: eval.Equity}
	var closed []model.Position
	confirmed := true
	for _, pos := range a.positions {
		q := quotes[pos.Symbol]
		res, err := s.closer.CloseAt(ctx, pos, q.ExitPrice(pos.Side), detail)
		switch {
		case err == nil:
			closed = append(closed, res.Position)
			report.add(func(r *Report) { r.Closed++ })
		case errors.Is(err, model.ErrPositionNotOpen):
			// Closed concurrently by the user or a trigger; still released.
		default:
			confirmed = false
			report.fail(Failure{ContestID: contestID, ParticipantID: p.ID, PositionID: pos.ID, Error: err.Error()})
			s.log.Error("liquidation close failed",
				zap.String("participant_id", p.ID), zap.String("position_id", pos.ID), zap.Error(err))
		}
	}
	if !confirmed {
		return
	}

	reason := fmt.Sprintf("margin level %s%% below liquidation level %s%%",
		eval.Level.StringFixed(2), settings.LiquidationLevel.StringFixed(2))
	now := s.now().UTC()
	if err := s.store.MarkParticipantLiquidated(ctx, p.ID, reason, now); err != nil {
		report.fail(Failure{ContestID: contestID, ParticipantID: p.ID, Error: err.Error()})
		s.log.Error("mark liquidated failed", zap.String("participant_id", p.ID), zap.Error(err))
		return
	}

	metrics.Liquidations.Inc()
	report.add(func(r *Report) { r.Liquidated = append(r.Liquidated, p.ID) })
	s.log.Warn("participant liquidated",
		zap.String("participant_id", p.ID),
		zap.String("user_id", p.UserID),
		zap.String("margin_level", eval.Level.String()),
		zap.Int("positions", len(closed)),
	)
	if s.events != nil {
		if fresh, err := s.store.GetParticipant(ctx, p.ID); err == nil {
			p = *fresh
		}
		s.events.Publish(ctx, events.Event{
			Kind: events.ParticipantLiquidated, Timestamp: now,
			Participant: &p, Positions: closed, Reason: reason,
		})
	}
}
