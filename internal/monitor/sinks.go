package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"courier/internal/archive"
	"courier/internal/types"
)

// FileSink writes each flushed batch as one compressed archive file.
type FileSink struct {
	writer *archive.Writer
	prefix string
}

var _ Sink = (*FileSink)(nil)

// NewFileSink archives events under prefix ("events" when empty).
func NewFileSink(w *archive.Writer, prefix string) *FileSink {
	if prefix == "" {
		prefix = "events"
	}
	return &FileSink{writer: w, prefix: prefix}
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) WriteEvents(ctx context.Context, events []types.EmailEvent) error {
	if _, err := archive.WriteBatch(ctx, s.writer, s.prefix, events); err != nil {
		return fmt.Errorf("archiving %d events: %w", len(events), err)
	}
	return nil
}

func (s *FileSink) Close() error { return nil }

// KafkaSinkConfig configures a KafkaSink.
type KafkaSinkConfig struct {
	Brokers []string
	Topic   string

	// BatchSize defaults to 100, BatchTimeout to 1s, WriteTimeout to 10s.
	BatchSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events to a Kafka topic keyed by event ID.
type KafkaSink struct {
	writer messageWriter
	logger types.Logger

	mu     sync.Mutex
	closed bool
}

var _ Sink = (*KafkaSink)(nil)

// NewKafkaSink creates a sink backed by a kafka-go Writer.
func NewKafkaSink(cfg KafkaSinkConfig, logger types.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "at least one Kafka broker is required", nil)
	}
	if cfg.Topic == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "Kafka topic is required", nil)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		Compression:            kafka.Zstd,
		AllowAutoTopicCreation: false,
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	logger.Info("kafka event sink created", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return newKafkaSink(w, logger), nil
}

func newKafkaSink(w messageWriter, logger types.Logger) *KafkaSink {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &KafkaSink{writer: w, logger: logger}
}

func (s *KafkaSink) Name() string { return "kafka" }

// WriteEvents publishes the batch in one WriteMessages call.
func (s *KafkaSink) WriteEvents(ctx context.Context, events []types.EmailEvent) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("kafka sink is closed")
	}

	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshaling event %s: %w", ev.ID, err)
		}
		headers := []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
			{Key: "timestamp", Value: []byte(ev.Timestamp.Format(time.RFC3339))},
		}
		if ev.TemplateName != "" {
			headers = append(headers, kafka.Header{Key: "template", Value: []byte(ev.TemplateName)})
		}
		msgs = append(msgs, kafka.Message{
			Key:     []byte(ev.ID),
			Value:   value,
			Headers: headers,
			Time:    ev.Timestamp,
		})
	}

	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		s.logger.Warn("kafka write failed", "events", len(events), "error", err)
		return fmt.Errorf("writing %d events to kafka: %w", len(events), err)
	}
	return nil
}

// Close closes the underlying writer once.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.writer.Close()
}
