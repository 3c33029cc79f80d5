// Package kafka ingests domain events from a Kafka topic and publishes them.
// The consumer commits offsets only after the dispatcher has accepted a
// batch, so a crash before commit redelivers the batch (at-least-once).
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/felipemaragno/eventhooks/internal/dispatcher"
	"github.com/felipemaragno/eventhooks/internal/domain"
	"github.com/felipemaragno/eventhooks/internal/observability"
)

// ConsumerConfig defines Kafka consumer parameters.
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	GroupID       string
	BatchTimeout  time.Duration // Max time to collect messages before processing
	CommitTimeout time.Duration // Timeout for offset commits
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Topic:         "domain.events",
		GroupID:       "eventhooks",
		BatchTimeout:  100 * time.Millisecond,
		CommitTimeout: 5 * time.Second,
	}
}

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Triggerer accepts domain events. *dispatcher.Dispatcher implements it.
type Triggerer interface {
	Trigger(ctx context.Context, tenantID *string, event domain.EventType, payload json.RawMessage) (dispatcher.TriggerResult, error)
}

// Consumer reads domain events from Kafka and triggers their deliveries.
type Consumer struct {
	config  ConsumerConfig
	reader  Reader
	trigger Triggerer
	logger  *slog.Logger
	metrics *observability.Metrics

	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// NewConsumer creates a consumer-group reader for config.Topic.
func NewConsumer(config ConsumerConfig, trigger Triggerer, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        config.BatchTimeout,
		CommitInterval: 0, // Manual commits only
		StartOffset:    kafka.FirstOffset,
		GroupBalancers: []kafka.GroupBalancer{
			kafka.RangeGroupBalancer{},
			kafka.RoundRobinGroupBalancer{},
		},
		IsolationLevel: kafka.ReadCommitted,
	})
	return newConsumer(config, reader, trigger, logger)
}

func newConsumer(config ConsumerConfig, reader Reader, trigger Triggerer, logger *slog.Logger) *Consumer {
	defaults := DefaultConsumerConfig()
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = defaults.BatchTimeout
	}
	if config.CommitTimeout <= 0 {
		config.CommitTimeout = defaults.CommitTimeout
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Consumer{
		config:   config,
		reader:   reader,
		trigger:  trigger,
		logger:   logger,
		shutdown: make(chan struct{}),
	}
}

func (c *Consumer) WithMetrics(m *observability.Metrics) *Consumer {
	c.metrics = m
	return c
}

// Start begins consuming messages.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.consumeLoop(ctx)
	c.logger.Info("kafka consumer started",
		"topic", c.config.Topic,
		"group", c.config.GroupID,
		"batch_timeout", c.config.BatchTimeout,
	)
}

// Stop gracefully shuts down the consumer.
func (c *Consumer) Stop() {
	c.once.Do(func() { close(c.shutdown) })
	c.wg.Wait()
	if err := c.reader.Close(); err != nil {
		c.logger.Error("failed to close kafka reader", "error", err)
	}
	c.logger.Info("kafka consumer stopped")
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		if batch := c.collectBatch(ctx); len(batch) > 0 {
			c.processBatchAndCommit(ctx, batch)
		}
	}
}

// collectBatch fetches messages until BatchTimeout elapses.
func (c *Consumer) collectBatch(ctx context.Context) []kafka.Message {
	var batch []kafka.Message
	deadline := time.Now().Add(c.config.BatchTimeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return batch
		case <-c.shutdown:
			return batch
		default:
		}

		// Short timeout for each fetch to stay responsive
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if remaining > 10*time.Millisecond {
			remaining = 10 * time.Millisecond
		}

		readCtx, cancel := context.WithTimeout(ctx, remaining)
		msg, err := c.reader.FetchMessage(readCtx)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			c.logger.Error("failed to fetch message", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		batch = append(batch, msg)
	}
	return batch
}

func (c *Consumer) processBatchAndCommit(ctx context.Context, messages []kafka.Message) {
	start := time.Now()
	var dispatched, skipped int

	for _, msg := range messages {
		if c.handle(ctx, msg) {
			dispatched++
		} else {
			skipped++
		}
	}

	c.logger.Debug("batch processed",
		"total", len(messages),
		"dispatched", dispatched,
		"skipped", skipped,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if err := c.commitMessages(ctx, messages); err != nil {
		c.logger.Error("failed to commit messages",
			"error", err,
			"count", len(messages),
		)
	}
}

// handle triggers one message. Malformed messages are logged and skipped so
// they never block the partition.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	event, eventType, err := DecodeEvent(msg.Value)
	if err != nil {
		c.logger.Error("skipping malformed event",
			"error", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
		c.count("malformed")
		return false
	}

	res, err := c.trigger.Trigger(ctx, event.TenantID, eventType, event.Data)
	if err != nil {
		c.logger.Error("failed to trigger event",
			"error", err,
			"event", eventType,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
		c.count("error")
		return false
	}

	c.logger.Debug("event consumed",
		"event", eventType,
		"enqueued", res.Success,
		"failed", res.Failed,
	)
	c.count("dispatched")
	return true
}

func (c *Consumer) count(result string) {
	if c.metrics != nil {
		c.metrics.KafkaMessages.WithLabelValues(result).Inc()
	}
}

func (c *Consumer) commitMessages(ctx context.Context, messages []kafka.Message) error {
	if len(messages) == 0 {
		return nil
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.CommitTimeout)
	defer cancel()

	return c.reader.CommitMessages(commitCtx, messages...)
}
