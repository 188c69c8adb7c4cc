package sweep

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is one periodic sweep.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (*Report, error)
}

// Scheduler runs each Job on its own ticker. A tick is skipped when the
// job's lease is held elsewhere, so replicas never sweep concurrently.
type Scheduler struct {
	jobs     []Job
	lease    Lease
	leaseTTL time.Duration
	log      *zap.Logger
	wg       sync.WaitGroup
}

func NewScheduler(lease Lease, leaseTTL time.Duration, log *zap.Logger, jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs:     jobs,
		lease:    lease,
		leaseTTL: leaseTTL,
		log:      log.Named("scheduler"),
	}
}

// Start launches one goroutine per job. They stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			s.log.Warn("sweep disabled", zap.String("sweep", job.Name))
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
}

// Wait blocks until every job loop has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	s.log.Info("sweep scheduled", zap.String("sweep", job.Name), zap.Duration("interval", job.Interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, job)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("sweep panic", zap.String("sweep", job.Name), zap.Any("recover", r))
		}
	}()

	report, err := Exclusive(ctx, s.lease, job.Name, s.leaseTTL, job.Run)
	switch {
	case errors.Is(err, ErrLeaseHeld):
		s.log.Debug("sweep lease held elsewhere", zap.String("sweep", job.Name))
	case err != nil:
		s.log.Error("sweep aborted", zap.String("sweep", job.Name), zap.Error(err))
	case report != nil && len(report.Failures) > 0:
		s.log.Warn("sweep finished with failures",
			zap.String("sweep", job.Name),
			zap.Int("failures", len(report.Failures)),
			zap.Duration("duration", report.Duration),
		)
	}
}
