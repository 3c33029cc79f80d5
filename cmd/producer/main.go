// Producer for load testing: publishes synthetic domain events to Kafka.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/felipemaragno/eventhooks/internal/config"
	"github.com/felipemaragno/eventhooks/internal/domain"
	"github.com/felipemaragno/eventhooks/internal/kafka"
	"github.com/felipemaragno/eventhooks/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	count := flag.Int("count", 100000, "number of events to produce")
	batchSize := flag.Int("batch", 500, "events per Kafka write")
	types := flag.String("types", "", "comma-separated event types (default: the whole catalogue)")
	tenants := flag.String("tenants", "", "comma-separated tenant IDs to spread events over (default: global events)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		observability.NewLogger(os.Stderr, "info", "json").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)

	var eventTypes []domain.EventType
	for _, s := range splitList(*types) {
		t, err := domain.ParseEventType(s)
		if err != nil {
			logger.Error("invalid event type", "type", s, "error", err)
			os.Exit(1)
		}
		eventTypes = append(eventTypes, t)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("received shutdown signal")
		cancel()
	}()

	producerConfig := kafka.DefaultProducerConfig()
	producerConfig.Brokers = cfg.Kafka.Brokers
	producerConfig.Topic = cfg.Kafka.Topic

	logger.Info("starting load test producer",
		"brokers", producerConfig.Brokers,
		"topic", producerConfig.Topic,
		"count", *count,
		"types", len(eventTypes),
	)

	producer := kafka.NewProducer(producerConfig, logger)
	defer func() { _ = producer.Close() }()

	start := time.Now()
	if err := producer.ProduceLoad(ctx, *count, *batchSize, eventTypes, splitList(*tenants)); err != nil {
		logger.Error("failed to produce events", "error", err)
		os.Exit(1)
	}

	duration := time.Since(start)
	logger.Info("load test complete",
		"events", *count,
		"duration", duration,
		"rate", float64(*count)/duration.Seconds(),
	)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
