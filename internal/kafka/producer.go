package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/felipemaragno/eventhooks/internal/domain"
	"github.com/felipemaragno/eventhooks/internal/observability"
)

// Writer is the subset of *kafka.Writer the producer uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer lets domain modules publish events to the topic.
type Producer struct {
	writer Writer
	logger *slog.Logger
}

// ProducerConfig configures the Kafka producer.
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	Async        bool
}

func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "domain.events",
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        false, // Sync for reliability
	}
}

func NewProducer(config ProducerConfig, logger *slog.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    config.BatchSize,
		BatchTimeout: config.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
		Async:        config.Async,
		Compression:  kafka.Snappy,
	}
	return newProducer(writer, logger)
}

func newProducer(writer Writer, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Producer{writer: writer, logger: logger}
}

// Publish validates and sends one event.
func (p *Producer) Publish(ctx context.Context, event EventMessage) error {
	return p.PublishBatch(ctx, []EventMessage{event})
}

// PublishBatch validates every event before writing any of them.
func (p *Producer) PublishBatch(ctx context.Context, events []EventMessage) error {
	messages := make([]kafka.Message, len(events))
	for i, event := range events {
		if _, err := domain.ParseEventType(event.Type); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		value, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", i, err)
		}
		messages[i] = kafka.Message{Key: event.key(), Value: value}
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("write messages: %w", err)
	}
	return nil
}

// ProduceLoad publishes count synthetic events drawn from types and
// tenants in batches of batchSize. An empty tenants slice produces global
// events.
func (p *Producer) ProduceLoad(ctx context.Context, count, batchSize int, types []domain.EventType, tenants []string) error {
	if len(types) == 0 {
		types = domain.Catalogue
	}
	if batchSize <= 0 {
		batchSize = 500
	}

	batch := make([]EventMessage, 0, batchSize)
	for i := 0; i < count; i++ {
		batch = append(batch, SyntheticEvent(i, types, tenants))

		if len(batch) >= batchSize {
			if err := p.PublishBatch(ctx, batch); err != nil {
				return err
			}
			batch = batch[:0]
			p.logger.Info("produced events", "count", i+1)
		}
	}

	if len(batch) > 0 {
		if err := p.PublishBatch(ctx, batch); err != nil {
			return err
		}
	}

	p.logger.Info("finished producing events", "total", count)
	return nil
}

// SyntheticEvent builds the i-th load-test event, cycling through types
// and picking a random tenant.
func SyntheticEvent(i int, types []domain.EventType, tenants []string) EventMessage {
	msg := EventMessage{
		Type: string(types[i%len(types)]),
		Data: json.RawMessage(fmt.Sprintf(`{"index":%d,"loadtest":true}`, i)),
	}
	if len(tenants) > 0 {
		t := tenants[rand.Intn(len(tenants))]
		msg.TenantID = &t
	}
	return msg
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
