// Package audit emits structured events for every administrative action the
// engine performs: queue pauses, fixes applied, alerts sent. The engine only
// needs the Record capability; where the events land is a deployment choice.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Event is one recorded administrative action.
type Event struct {
	Action  string         `json:"action"`
	Actor   string         `json:"actor"`
	Subject string         `json:"subject"`
	Detail  map[string]any `json:"detail,omitempty"`
	At      time.Time      `json:"at"`
}

// Sink records audit events. Implementations must not block job execution on
// sink failures; callers log and continue.
type Sink interface {
	Record(ctx context.Context, ev Event) error
	Close() error
}

// KafkaSink publishes audit events to a Kafka topic.
type KafkaSink struct {
	writer *kafka.Writer
	logger zerolog.Logger
}

// KafkaConfig holds producer settings.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// NewKafkaSink creates a producer-backed sink.
func NewKafkaSink(cfg KafkaConfig, logger zerolog.Logger) *KafkaSink {
	batchTimeout := cfg.BatchTimeout
	if batchTimeout == 0 {
		batchTimeout = 100 * time.Millisecond
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           batchTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{writer: writer, logger: logger}
}

// Record publishes one event keyed by subject.
func (s *KafkaSink) Record(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(ev.Subject),
		Value: value,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(ev.Action)},
			{Key: "actor", Value: []byte(ev.Actor)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.Error().Err(err).Str("action", ev.Action).Msg("failed to publish audit event")
		return err
	}
	return nil
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

// rowInserter is the slice of the store the Postgres sink needs.
type rowInserter interface {
	InsertAuditEvent(ctx context.Context, action, actor, subject string, detail map[string]any) error
}

// StoreSink writes audit events as Postgres rows.
type StoreSink struct {
	store rowInserter
}

// NewStoreSink wraps the shared store.
func NewStoreSink(store rowInserter) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Record(ctx context.Context, ev Event) error {
	return s.store.InsertAuditEvent(ctx, ev.Action, ev.Actor, ev.Subject, ev.Detail)
}

func (s *StoreSink) Close() error { return nil }

// NopSink discards events; used in tests.
type NopSink struct{}

func (NopSink) Record(context.Context, Event) error { return nil }
func (NopSink) Close() error                        { return nil }
