package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig configures the event publisher.
type KafkaConfig struct {
	Brokers      []string
	TopicPrefix  string
	WriteTimeout time.Duration
}

// KafkaPublisher writes domain events to kafka, one topic per event type
// under the configured prefix (broker.order.filled, broker.deposit.credited).
// Messages are keyed by user id so a user's events stay ordered.
type KafkaPublisher struct {
	writer *kafka.Writer
	prefix string
	logger *zap.Logger
}

// NewKafkaPublisher creates a kafka-backed event publisher.
func NewKafkaPublisher(cfg KafkaConfig, logger *zap.Logger) *KafkaPublisher {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: cfg.WriteTimeout,
		// Topics are created per event type; see Publish.
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{
		writer: writer,
		prefix: cfg.TopicPrefix,
		logger: logger,
	}
}

func (p *KafkaPublisher) topic(eventType EventType) string {
	if p.prefix == "" {
		return string(eventType)
	}
	return p.prefix + "." + string(eventType)
}

// Publish writes one event. Failures are logged and returned but callers in
// the settlement path treat them as non-fatal: the ledger, not the event
// stream, is the source of truth.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.Type, err)
	}

	msg := kafka.Message{
		Topic: p.topic(event.Type),
		Key:   []byte(event.UserID.String()),
		Value: value,
		Time:  event.CreatedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("event publish failed",
			zap.String("type", string(event.Type)),
			zap.String("event_id", event.ID.String()),
			zap.Error(err))
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}

	p.logger.Debug("event published",
		zap.String("type", string(event.Type)),
		zap.String("user_id", event.UserID.String()))
	return nil
}

// Close flushes and closes the kafka writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
