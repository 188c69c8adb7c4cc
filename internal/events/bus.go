// Package events carries post-commit domain events from the position
// lifecycle to independent consumers (notifications, websocket clients,
// Kafka). Consumer failures are logged and never reach the publisher.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atmx/contest-engine/internal/model"
)

// Kind names an event and doubles as its subscription key.
type Kind string

const (
	PositionOpened        Kind = "position.opened"
	PositionClosed        Kind = "position.closed"
	ParticipantLiquidated Kind = "participant.liquidated"
	ContestFinalized      Kind = "contest.finalized"
)

// Event is published only after the corresponding transaction committed.
type Event struct {
	Kind      Kind
	Timestamp time.Time

	Position    *model.Position
	Participant *model.Participant // nil for simulator positions
	Detail      model.CloseDetail  // set for PositionClosed

	// Positions lists everything closed by a liquidation.
	Positions []model.Position
	Reason    string

	// Contest and Standings are set for ContestFinalized.
	Contest   *model.Contest
	Standings []model.Participant
}

// UserID returns the owner of the event's subject.
func (e Event) UserID() string {
	switch {
	case e.Position != nil:
		return e.Position.UserID
	case e.Participant != nil:
		return e.Participant.UserID
	case len(e.Positions) > 0:
		return e.Positions[0].UserID
	}
	return ""
}

// Handler consumes one event. Returned errors are logged.
type Handler func(ctx context.Context, e Event) error

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

type subscription struct {
	name    string
	handler Handler
}

// Bus is an in-process fan-out bus. Every handler runs on its own
// goroutine with panic recovery.
type Bus struct {
	log     *zap.Logger
	timeout time.Duration

	mu   sync.RWMutex
	subs map[Kind][]subscription
	wg   sync.WaitGroup
}

// NewBus creates an empty bus. Each handler invocation is bounded by
// timeout.
func NewBus(log *zap.Logger, timeout time.Duration) *Bus {
	return &Bus{
		log:     log,
		timeout: timeout,
		subs:    make(map[Kind][]subscription),
	}
}

// Subscribe registers handler for kind under a name used in logs.
func (b *Bus) Subscribe(kind Kind, name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[kind] = append(b.subs[kind], subscription{name: name, handler: handler})
	b.log.Debug("subscribed handler", zap.String("kind", string(kind)), zap.String("handler", name))
}

// Publish delivers e to every subscriber of its kind without blocking the
// caller. The caller's cancellation does not propagate to handlers.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[e.Kind]...)
	b.mu.RUnlock()

	base := context.WithoutCancel(ctx)
	for _, sub := range subs {
		b.wg.Add(1)
		go b.deliver(base, sub, e)
	}
}

func (b *Bus) deliver(ctx context.Context, sub subscription, e Event) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panic",
				zap.Any("recover", r), zap.String("kind", string(e.Kind)), zap.String("handler", sub.name))
		}
	}()

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	if err := sub.handler(ctx, e); err != nil {
		level := b.log.Warn
		if errors.Is(err, context.DeadlineExceeded) {
			level = b.log.Error
		}
		level("event handler failed",
			zap.String("kind", string(e.Kind)), zap.String("handler", sub.name), zap.Error(err))
	}
}

// Wait blocks until every in-flight handler has returned.
func (b *Bus) Wait() {
	b.wg.Wait()
}
