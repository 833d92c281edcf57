// Package events publishes committed trades to the event stream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/tradesim/trade-engine/internal/metrics"
	"github.com/tradesim/trade-engine/internal/model"
)

const TypeTradeExecuted = "trade.executed"

// TradeExecuted is emitted once per committed trade.
type TradeExecuted struct {
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Trade      model.Trade     `json:"trade"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// NewTradeExecuted builds the event for a committed trade.
func NewTradeExecuted(t model.Trade, newBalance decimal.Decimal) TradeExecuted {
	return TradeExecuted{
		EventID:    uuid.NewString(),
		Type:       TypeTradeExecuted,
		OccurredAt: t.Timestamp,
		Trade:      t,
		NewBalance: newBalance,
	}
}

// Publisher delivers trade events.
type Publisher interface {
	PublishTradeExecuted(ctx context.Context, ev TradeExecuted) error
	Close() error
}

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON keyed by user ID, so one user's
// trades land on one partition in commit order.
type KafkaPublisher struct {
	w     messageWriter
	topic string
}

// NewKafkaPublisher constructs a publisher backed by a kafka.Writer.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Dialer:       dialer,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: int(kafka.RequireOne),
	})
	return &KafkaPublisher{w: w, topic: topic}
}

func (p *KafkaPublisher) PublishTradeExecuted(ctx context.Context, ev TradeExecuted) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type, err)
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Trade.UserID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
		Time: ev.OccurredAt,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// Async decouples trade commits from broker latency. Events are queued
// into a bounded buffer and published by Run; when the buffer is full the
// event is dropped and counted rather than blocking the trade path.
type Async struct {
	pub     Publisher
	queue   chan TradeExecuted
	timeout time.Duration
	logger  *slog.Logger
}

// NewAsync wraps pub with a queue of size buffer.
func NewAsync(pub Publisher, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Async{
		pub:     pub,
		queue:   make(chan TradeExecuted, buffer),
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// Enqueue schedules ev for publishing. It never blocks.
func (a *Async) Enqueue(ev TradeExecuted) bool {
	select {
	case a.queue <- ev:
		return true
	default:
		metrics.EventsPublished.WithLabelValues("dropped").Inc()
		a.logger.Warn("event queue full, dropping trade event",
			"trade_id", ev.Trade.ID, "user_id", ev.Trade.UserID)
		return false
	}
}

// Run publishes queued events until ctx is done, then drains what is
// already queued and closes the underlying publisher.
func (a *Async) Run(ctx context.Context) error {
	defer func() {
		if err := a.pub.Close(); err != nil {
			a.logger.Error("closing event publisher", "error", err)
		}
	}()
	for {
		select {
		case ev := <-a.queue:
			a.publish(context.Background(), ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-a.queue:
					a.publish(context.Background(), ev)
				default:
					return nil
				}
			}
		}
	}
}

func (a *Async) publish(ctx context.Context, ev TradeExecuted) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.pub.PublishTradeExecuted(ctx, ev); err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		a.logger.Error("publish trade event failed",
			"trade_id", ev.Trade.ID, "user_id", ev.Trade.UserID, "error", err)
		return
	}
	metrics.EventsPublished.WithLabelValues("ok").Inc()
}
