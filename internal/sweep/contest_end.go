package sweep

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/atmx/contest-engine/internal/events"
	"github.com/atmx/contest-engine/internal/metrics"
	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/price"
	"github.com/atmx/contest-engine/internal/store"
)

// Finalizer receives a contest once every position is closed and every
// active participant completed. Prize distribution lives behind it.
type Finalizer interface {
	Finalize(ctx context.Context, contest model.Contest) error
}

// ContestEndSweeper auto-closes positions of contests past their end time
// and hands the settled contest to the Finalizer.
type ContestEndSweeper struct {
	store     store.Store
	prices    price.Source
	closer    Closer
	finalizer Finalizer
	log       *zap.Logger
	now       func() time.Time
}

func NewContestEndSweeper(st store.Store, prices price.Source, closer Closer, finalizer Finalizer, log *zap.Logger) *ContestEndSweeper {
	return &ContestEndSweeper{
		store:     st,
		prices:    prices,
		closer:    closer,
		finalizer: finalizer,
		log:       log.Named("contest_end_sweep"),
		now:       time.Now,
	}
}

// Run processes every contest that is due. A contest whose positions could
// not all be closed stays in the ending state and is retried next run.
func (s *ContestEndSweeper) Run(ctx context.Context) (*Report, error) {
	start := s.now().UTC()
	report := newReport("contest_end", start)
	defer func() {
		report.finish(s.now().UTC())
		metrics.ObserveSweep("contest_end", start, len(report.Failures))
	}()

	due, err := s.store.ListContestsDue(ctx, start)
	if err != nil {
		return report, fmt.Errorf("contest end sweep: list due: %w", err)
	}
	for _, c := range due {
		if err := s.end(ctx, c, report); err != nil {
			return report, fmt.Errorf("contest end sweep: contest %s: %w", c.ID, err)
		}
	}
	return report, nil
}

func (s *ContestEndSweeper) end(ctx context.Context, c model.Contest, report *Report) error {
	if c.Status == model.ContestStatusActive {
		ok, err := s.store.TransitionContest(ctx, c.ID, model.ContestStatusActive, model.ContestStatusEnding)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		c.Status = model.ContestStatusEnding
		s.log.Info("contest ending", zap.String("contest_id", c.ID), zap.Time("ends_at", c.EndsAt))
	}
	report.add(func(r *Report) { r.Contests++ })

	positions, err := s.store.ListOpenPositions(ctx, c.ID)
	if err != nil {
		return err
	}
	report.add(func(r *Report) { r.Positions += len(positions) })

	pending := 0
	if len(positions) > 0 {
		quotes, err := s.prices.Prices(ctx, symbolsOf(positions))
		if err != nil {
			report.fail(Failure{ContestID: c.ID, Error: fmt.Sprintf("fetch prices: %v", err)})
			return nil
		}
		detail := model.ContestEndClose{ContestID: c.ID, EndsAt: c.EndsAt}
		for _, pos := range positions {
			q, ok := quotes[pos.Symbol]
			if !ok || !q.Reliable() {
				pending++
				report.add(func(r *Report) { r.Skipped++ })
				continue
			}
			_, err := s.closer.CloseAt(ctx, pos, q.ExitPrice(pos.Side), detail)
			switch {
			case err == nil:
				report.add(func(r *Report) { r.Closed++ })
			case errors.Is(err, model.ErrPositionNotOpen):
			default:
				pending++
				report.fail(Failure{ContestID: c.ID, ParticipantID: pos.ParticipantID, PositionID: pos.ID, Error: err.Error()})
			}
		}
	}
	if pending > 0 {
		s.log.Warn("contest end deferred", zap.String("contest_id", c.ID), zap.Int("open_positions", pending))
		return nil
	}

	completed, err := s.store.CompleteParticipants(ctx, c.ID)
	if err != nil {
		return err
	}
	if err := s.finalizer.Finalize(ctx, c); err != nil {
		report.fail(Failure{ContestID: c.ID, Error: fmt.Sprintf("finalize: %v", err)})
		s.log.Error("contest finalize failed", zap.String("contest_id", c.ID), zap.Error(err))
		return nil
	}
	ok, err := s.store.TransitionContest(ctx, c.ID, model.ContestStatusEnding, model.ContestStatusFinalized)
	if err != nil {
		return err
	}
	if ok {
		report.add(func(r *Report) { r.Finalized = append(r.Finalized, c.ID) })
		s.log.Info("contest finalized", zap.String("contest_id", c.ID), zap.Int("completed", completed))
	}
	return nil
}

// PublishingFinalizer ranks the contest by final capital and publishes the
// standings for the payout service.
type PublishingFinalizer struct {
	store  store.Store
	events events.Publisher
}

func NewPublishingFinalizer(st store.Store, pub events.Publisher) *PublishingFinalizer {
	return &PublishingFinalizer{store: st, events: pub}
}

func (f *PublishingFinalizer) Finalize(ctx context.Context, c model.Contest) error {
	participants, err := f.store.ListParticipants(ctx, c.ID)
	if err != nil {
		return err
	}
	Rank(participants)
	f.events.Publish(ctx, events.Event{Kind: events.ContestFinalized, Contest: &c, Standings: participants})
	return nil
}

// Rank orders participants for payout: completed ahead of liquidated and
// everything else, then by current capital, then by earliest join.
func Rank(ps []model.Participant) {
	tier := func(p model.Participant) int {
		switch p.Status {
		case model.ParticipantCompleted, model.ParticipantActive:
			return 0
		case model.ParticipantLiquidated:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if ta, tb := tier(a), tier(b); ta != tb {
			return ta < tb
		}
		if !a.CurrentCapital.Equal(b.CurrentCapital) {
			return a.CurrentCapital.GreaterThan(b.CurrentCapital)
		}
		return a.JoinedAt.Before(b.JoinedAt)
	})
}
