// Package events publishes trade lifecycle events to kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xtrntr/tokenex/internal/models"

	"github.com/segmentio/kafka-go"
)

// EventType distinguishes trade events on the topic
type EventType string

const (
	TradeExecuted         EventType = "trade.executed"
	TradeSettled          EventType = "trade.settled"
	TradeSettlementFailed EventType = "trade.settlement_failed"
)

// TradeEvent is the message value written for each trade
type TradeEvent struct {
	Type       EventType    `json:"type"`
	Trade      models.Trade `json:"trade"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// eventType picks the event for a trade's current settlement state
func eventType(t models.Trade) EventType {
	switch t.SettlementStatus {
	case models.SettlementSettled:
		return TradeSettled
	case models.SettlementFailed:
		return TradeSettlementFailed
	default:
		return TradeExecuted
	}
}

// Writer is the subset of kafka.Writer the publisher uses
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter creates a writer that keys messages by instrument so each
// instrument's trades stay ordered within a partition
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

// Publisher writes trade events
type Publisher struct {
	writer Writer
	now    func() time.Time
}

// NewPublisher creates a publisher over w
func NewPublisher(w Writer) *Publisher {
	return &Publisher{writer: w, now: func() time.Time { return time.Now().UTC() }}
}

// PublishTrades writes one event per trade in a single batch
func (p *Publisher) PublishTrades(ctx context.Context, trades []models.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	now := p.now()
	msgs := make([]kafka.Message, 0, len(trades))
	for _, t := range trades {
		value, err := json.Marshal(TradeEvent{Type: eventType(t), Trade: t, OccurredAt: now})
		if err != nil {
			return fmt.Errorf("failed to encode trade event: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(t.InstrumentID), Value: value})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write trade events: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer
func (p *Publisher) Close() error {
	return p.writer.Close()
}
