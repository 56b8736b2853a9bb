// Package events publishes lifecycle events to Kafka for downstream
// consumers (messaging surface, analytics, the realtime bridge on other
// instances).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/havenlink/support-core/internal/config"
)

// Event types published by the core
const (
	TypeSessionCreated  = "session.created"
	TypeSessionPaused   = "session.paused"
	TypeSessionResumed  = "session.resumed"
	TypeSessionEnded    = "session.ended"
	TypeRequesterQueued = "queue.requester_queued"
	TypeQueueDrained    = "queue.requester_matched"
	TypeQueueCancelled  = "queue.requester_cancelled"
	TypeAlertRaised     = "alert.raised"
)

// Event is one lifecycle event
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Publisher writes lifecycle events to the configured topics
type Publisher struct {
	writer *kafka.Writer
	topics config.TopicsConfig
	logger *slog.Logger
}

// NewPublisher creates a Kafka-backed event publisher
func NewPublisher(cfg config.KafkaConfig, logger *slog.Logger) *Publisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Logger:       kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...))
		}),
	}

	return &Publisher{
		writer: writer,
		topics: cfg.Topics,
		logger: logger,
	}
}

// Publish emits one event; delivery is async and failures are logged,
// never propagated into the triggering operation.
func (p *Publisher) Publish(ctx context.Context, event Event) {
	event.Timestamp = time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal event", "type", event.Type, "error", err)
		return
	}

	msg := kafka.Message{
		Topic: p.topicFor(event.Type),
		Key:   []byte(event.ID),
		Value: payload,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("Failed to publish event", "type", event.Type, "error", err)
	}
}

func (p *Publisher) topicFor(eventType string) string {
	switch eventType {
	case TypeRequesterQueued, TypeQueueDrained, TypeQueueCancelled:
		return p.topics.QueueEvents
	case TypeAlertRaised:
		return p.topics.AlertEvents
	default:
		return p.topics.SessionEvents
	}
}

// Close flushes and closes the underlying writer
func (p *Publisher) Close() error {
	return p.writer.Close()
}
