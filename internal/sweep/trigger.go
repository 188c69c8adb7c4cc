package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/contest-engine/internal/metrics"
	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/price"
	"github.com/atmx/contest-engine/internal/store"
)

// TriggerSweeper closes positions whose stop-loss or take-profit has been
// crossed.
type TriggerSweeper struct {
	store       store.Store
	prices      price.Source
	closer      Closer
	concurrency int
	log         *zap.Logger
	now         func() time.Time
}

func NewTriggerSweeper(st store.Store, prices price.Source, closer Closer, concurrency int, log *zap.Logger) *TriggerSweeper {
	if concurrency < 1 {
		concurrency = 1
	}
	return &TriggerSweeper{
		store:       st,
		prices:      prices,
		closer:      closer,
		concurrency: concurrency,
		log:         log.Named("trigger_sweep"),
		now:         time.Now,
	}
}

// Triggered reports which trigger, if any, mark fires for pos. The stop
// loss is checked first so at most one fires. mark must be the exit side
// of the quote: bid for longs, ask for shorts.
func Triggered(pos *model.Position, mark decimal.Decimal) model.CloseDetail {
	if !mark.IsPositive() {
		return nil
	}
	long := pos.Side == model.SideLong
	if sl := pos.StopLoss; sl != nil {
		if (long && mark.LessThanOrEqual(*sl)) || (!long && mark.GreaterThanOrEqual(*sl)) {
			return model.StopLossClose{TriggerPrice: *sl, MarkPrice: mark}
		}
	}
	if tp := pos.TakeProfit; tp != nil {
		if (long && mark.GreaterThanOrEqual(*tp)) || (!long && mark.LessThanOrEqual(*tp)) {
			return model.TakeProfitClose{TriggerPrice: *tp, MarkPrice: mark}
		}
	}
	return nil
}

// Run checks every position in contestID that carries a trigger.
func (s *TriggerSweeper) Run(ctx context.Context, contestID string) (*Report, error) {
	start := s.now().UTC()
	report := newReport("trigger", start)
	defer func() {
		report.finish(s.now().UTC())
		metrics.ObserveSweep("trigger", start, len(report.Failures))
	}()
	if err := s.run(ctx, contestID, report); err != nil {
		return report, err
	}
	return report, nil
}

// RunAll runs the trigger sweep for every contest with open positions.
func (s *TriggerSweeper) RunAll(ctx context.Context) (*Report, error) {
	start := s.now().UTC()
	report := newReport("trigger", start)
	defer func() {
		report.finish(s.now().UTC())
		metrics.ObserveSweep("trigger", start, len(report.Failures))
	}()

	contests, err := s.store.ListContestsWithOpenPositions(ctx)
	if err != nil {
		return report, fmt.Errorf("trigger sweep: list contests: %w", err)
	}
	for _, id := range contests {
		if err := s.run(ctx, id, report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (s *TriggerSweeper) run(ctx context.Context, contestID string, report *Report) error {
	positions, err := s.store.ListOpenPositionsWithTriggers(ctx, contestID)
	if err != nil {
		return fmt.Errorf("trigger sweep: contest %s: %w", contestID, err)
	}
	report.add(func(r *Report) {
		r.Contests++
		r.Positions += len(positions)
	})
	if len(positions) == 0 {
		return nil
	}

	quotes, err := s.prices.Prices(ctx, symbolsOf(positions))
	if err != nil {
		report.fail(Failure{ContestID: contestID, Error: fmt.Sprintf("fetch prices: %v", err)})
		return nil
	}

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, pos := range positions {
		g.Go(func() error {
			s.check(ctx, contestID, pos, quotes, report)
			return nil
		})
	}
	return g.Wait()
}

func (s *TriggerSweeper) check(ctx context.Context, contestID string, pos model.Position, quotes map[string]price.Quote, report *Report) {
	q, ok := quotes[pos.Symbol]
	if !ok || !q.Reliable() {
		report.add(func(r *Report) { r.Skipped++ })
		return
	}
	mark := q.ExitPrice(pos.Side)
	detail := Triggered(&pos, mark)
	if detail == nil {
		return
	}

	_, err := s.closer.CloseAt(ctx, pos, mark, detail)
	switch {
	case err == nil:
		report.add(func(r *Report) { r.Closed++ })
		s.log.Info("trigger fired",
			zap.String("position_id", pos.ID),
			zap.String("reason", string(detail.Reason())),
			zap.String("mark", mark.String()),
		)
	case errors.Is(err, model.ErrPositionNotOpen):
	default:
		report.fail(Failure{ContestID: contestID, ParticipantID: pos.ParticipantID, PositionID: pos.ID, Error: err.Error()})
		s.log.Error("trigger close failed", zap.String("position_id", pos.ID), zap.Error(err))
	}
}
