package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// LogSink writes events as structured log lines.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink { return &LogSink{logger: logger} }

func (s *LogSink) Emit(ctx context.Context, e Event) error {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "event",
		slog.String("name", string(e.Name)),
		slog.String("outcome", e.Outcome),
		slog.String("mode", e.Mode),
		slog.String("reason", e.Reason),
		slog.Int("pool_size", e.PoolSize),
		slog.Bool("identity_leak", e.IdentityLeak),
		slog.Int("risk_level", e.RiskLevel),
	)
	return nil
}

// Recorder keeps events in memory. Used by tests and the CLI dry runs.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name Name) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// KafkaConfig holds Kafka producer settings.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	Async        bool
}

// DefaultKafkaConfig returns sensible defaults; Brokers must be set.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Topic:        "hush.events",
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON, keyed by event name.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a KafkaSink.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultKafkaConfig().Topic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		Async:                  cfg.Async,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{writer: w, topic: cfg.Topic}, nil
}

func (s *KafkaSink) Emit(ctx context.Context, e Event) error {
	msg, err := kafkaMessage(e)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", e.Name, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func kafkaMessage(e Event) (kafka.Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("serialize event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(e.Name),
		Value: data,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "schema_version", Value: []byte(fmt.Sprint(e.Version))},
		},
	}, nil
}
