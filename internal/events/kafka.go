package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/model"
)

// messageWriter is the subset of *kafka.Writer the forwarder uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaForwarder republishes bus events to a Kafka topic for out-of-process
// consumers such as fraud analytics and badge evaluation. Messages are
// keyed by participant so they share a partition. The bus delivers each
// event on its own goroutine, so consumers must not rely on arrival order;
// use the event's timestamp instead.
type KafkaForwarder struct {
	writer messageWriter
}

// NewKafkaForwarder creates a forwarder writing to topic on brokers.
func NewKafkaForwarder(brokers []string, topic string) *KafkaForwarder {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaForwarder{writer: w}
}

// Subscribe registers the forwarder for every event kind.
func (f *KafkaForwarder) Subscribe(bus *Bus) {
	for _, k := range []Kind{PositionOpened, PositionClosed, ParticipantLiquidated, ContestFinalized} {
		bus.Subscribe(k, "kafka", f.Handle)
	}
}

// Handle writes one event.
func (f *KafkaForwarder) Handle(ctx context.Context, e Event) error {
	msg, err := encode(e)
	if err != nil {
		return err
	}
	if err := f.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", e.Kind, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (f *KafkaForwarder) Close() error {
	return f.writer.Close()
}

// envelope is the wire format of a forwarded event.
type envelope struct {
	Kind          Kind             `json:"kind"`
	Timestamp     time.Time        `json:"timestamp"`
	UserID        string           `json:"user_id"`
	ParticipantID string           `json:"participant_id,omitempty"`
	ContestID     string           `json:"contest_id,omitempty"`
	PositionID    string           `json:"position_id,omitempty"`
	Symbol        string           `json:"symbol,omitempty"`
	Side          model.Side       `json:"side,omitempty"`
	CloseReason   string           `json:"close_reason,omitempty"`
	ExitPrice     *decimal.Decimal `json:"exit_price,omitempty"`
	RealizedPnl   *decimal.Decimal `json:"realized_pnl,omitempty"`
	Detail        json.RawMessage  `json:"detail,omitempty"`
	PositionIDs   []string         `json:"position_ids,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Standings     []standing       `json:"standings,omitempty"`
}

type standing struct {
	Rank          int             `json:"rank"`
	ParticipantID string          `json:"participant_id"`
	UserID        string          `json:"user_id"`
	Status        string          `json:"status"`
	Capital       decimal.Decimal `json:"current_capital"`
	PnlPercentage decimal.Decimal `json:"pnl_percentage"`
}

func encode(e Event) (kafka.Message, error) {
	env := envelope{Kind: e.Kind, Timestamp: e.Timestamp, UserID: e.UserID(), Reason: e.Reason}
	if e.Participant != nil {
		env.ParticipantID = e.Participant.ID
		env.ContestID = e.Participant.ContestID
	}
	if p := e.Position; p != nil {
		env.ParticipantID = p.ParticipantID
		env.ContestID = p.ContestID
		env.PositionID = p.ID
		env.Symbol = p.Symbol
		env.Side = p.Side
		env.CloseReason = string(p.CloseReason)
		env.ExitPrice = p.ExitPrice
		if e.Kind == PositionClosed {
			pnl := p.RealizedPnl
			env.RealizedPnl = &pnl
		}
	}
	if e.Detail != nil {
		raw, err := model.EncodeCloseDetail(e.Detail)
		if err != nil {
			return kafka.Message{}, err
		}
		env.Detail = raw
	}
	if c := e.Contest; c != nil {
		env.ContestID = c.ID
		for i, p := range e.Standings {
			env.Standings = append(env.Standings, standing{
				Rank: i + 1, ParticipantID: p.ID, UserID: p.UserID, Status: string(p.Status),
				Capital: p.CurrentCapital, PnlPercentage: p.PnlPercentage,
			})
		}
	}
	for _, p := range e.Positions {
		env.PositionIDs = append(env.PositionIDs, p.ID)
		if env.ParticipantID == "" {
			env.ParticipantID, env.ContestID = p.ParticipantID, p.ContestID
		}
	}

	value, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode %s: %w", e.Kind, err)
	}
	key := env.ParticipantID
	if key == "" {
		key = env.ContestID
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  env.Timestamp,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(e.Kind)},
		},
	}, nil
}
