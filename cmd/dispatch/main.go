// Dispatch service: admin API, event ingestion and webhook delivery in one
// process.
//
// Events arrive over HTTP (POST /events) or, when enabled, from a Kafka
// topic. Deliveries are scheduled on an in-process worker pool; a resumer
// sweeps the store for deliveries left unfinished by a previous process.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/felipemaragno/eventhooks/internal/api"
	"github.com/felipemaragno/eventhooks/internal/clock"
	"github.com/felipemaragno/eventhooks/internal/config"
	"github.com/felipemaragno/eventhooks/internal/delivery"
	"github.com/felipemaragno/eventhooks/internal/dispatcher"
	"github.com/felipemaragno/eventhooks/internal/domain"
	"github.com/felipemaragno/eventhooks/internal/kafka"
	"github.com/felipemaragno/eventhooks/internal/observability"
	"github.com/felipemaragno/eventhooks/internal/registry"
	"github.com/felipemaragno/eventhooks/internal/repository"
	"github.com/felipemaragno/eventhooks/internal/repository/memory"
	"github.com/felipemaragno/eventhooks/internal/repository/postgres"
	"github.com/felipemaragno/eventhooks/internal/resilience"
	"github.com/felipemaragno/eventhooks/internal/retention"
	"github.com/felipemaragno/eventhooks/internal/retry"
	"github.com/felipemaragno/eventhooks/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default: ./eventhooks.yaml if present)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics("eventhooks", prometheus.DefaultRegisterer)
	healthHandler := observability.NewHealthHandler()
	clk := clock.RealClock{}

	// Stores
	var (
		subRepo      repository.SubscriptionRepository
		deliveryRepo repository.DeliveryRepository
		shutdownRepo = func(context.Context) error { return nil }
	)
	if cfg.Database.InMemory() {
		logger.Warn("database.url not set, using in-memory stores")
		subRepo = memory.NewSubscriptionRepository()
		deliveryRepo = memory.NewDeliveryRepository()
	} else {
		pool, err := connectPostgres(ctx, cfg.Database)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		logger.Info("connected to database")

		if err := postgres.Migrate(ctx, pool); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}

		pgDeliveries := postgres.NewDeliveryRepository(pool).WithBatcher(postgres.BatcherConfig{
			MaxSize: cfg.Database.BatchSize,
			MaxWait: cfg.Database.BatchWait,
		})
		subRepo = postgres.NewSubscriptionRepository(pool)
		deliveryRepo = pgDeliveries
		shutdownRepo = pgDeliveries.Shutdown
		healthHandler.AddCheck("database", pool)
	}

	// Resilience
	breakers := resilience.NewCircuitBreakerManager(cfg.CircuitBreakerConfig())
	breakers.OnStateChange(func(webhookID string, from, to resilience.CircuitBreakerState) {
		metrics.CircuitBreakerState.WithLabelValues(webhookID).Set(to.Float())
		if to == resilience.CircuitBreakerStateOpen {
			metrics.CircuitBreakerTrips.WithLabelValues(webhookID).Inc()
		}
		logger.Warn("circuit breaker state changed", "webhook_id", webhookID, "from", from, "to", to)
	})

	guard := &resilience.Guard{
		Limiter:   resilience.NewInMemoryRateLimiter(cfg.RateLimiterConfig()),
		Breaker:   breakers,
		Semaphore: resilience.NewLocalSemaphore(cfg.Resilience.MaxConcurrent),
		Logger:    logger,
	}

	if cfg.Redis.Enabled() {
		redisClient, err := connectRedis(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Warn("Redis not available, using in-memory resilience", "error", err)
		} else {
			defer redisClient.Close()
			logger.Info("connected to Redis")
			guard.Limiter = resilience.NewRedisRateLimiter(redisClient, resilience.RedisRateLimiterConfig{
				Window:    time.Second,
				Limit:     int(cfg.Resilience.RateLimit),
				KeyPrefix: cfg.Redis.KeyPrefix + "ratelimit:",
			}, logger)
			guard.Semaphore = resilience.NewRedisSemaphore(redisClient, resilience.RedisSemaphoreConfig{
				Limit:     cfg.Resilience.MaxConcurrent,
				TTL:       cfg.Worker.HTTPTimeout + 15*time.Second,
				KeyPrefix: cfg.Redis.KeyPrefix + "sem:",
			}, logger)
			healthHandler.AddCheck("redis", observability.CheckFunc(func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			}))
		}
	}

	// Delivery
	executor := delivery.NewExecutor(cfg.ExecutorConfig(), &http.Client{}, clk)

	workerPool := worker.NewPool(
		cfg.WorkerConfig(),
		deliveryRepo,
		subRepo,
		executor,
		clk,
		cfg.RetryPolicy(),
		logger,
	).WithMetrics(metrics).WithResilience(guard)

	conditions := dispatcher.NewConditions(0)
	reg := registry.New(subRepo, domain.SubscriptionValidator{
		AllowLoopback:  !cfg.Registry.Production,
		CheckCondition: conditions.Check,
	}, clk, logger)

	disp := dispatcher.New(reg, workerPool, conditions, clk, logger).WithMetrics(metrics)

	resumer := retry.NewResumer(deliveryRepo, workerPool, cfg.ResumerConfig(), logger)

	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		consumer = kafka.NewConsumer(cfg.ConsumerConfig(), disp, logger).WithMetrics(metrics)
	}

	var pruner *retention.Job
	if cfg.Retention.Enabled {
		pruner, err = retention.New(retention.Config{
			Schedule: cfg.Retention.Schedule,
			MaxAge:   cfg.Retention.MaxAge,
		}, deliveryRepo, clk, logger)
		if err != nil {
			logger.Error("failed to configure retention", "error", err)
			os.Exit(1)
		}
		pruner.WithMetrics(metrics)
	}

	// HTTP
	router := api.NewRouter(api.RouterConfig{
		Handler:       api.NewHandler(reg, disp, deliveryRepo, logger),
		HealthHandler: healthHandler,
		Metrics:       metrics,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start
	workerPool.Start(ctx)
	go resumer.Start(ctx)
	if consumer != nil {
		consumer.Start(ctx)
	}
	if pruner != nil {
		pruner.Start()
	}
	healthHandler.SetReady(true)

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("dispatch started",
		"workers", cfg.Worker.Workers,
		"queue_size", cfg.Worker.QueueSize,
		"in_memory", cfg.Database.InMemory(),
		"redis", cfg.Redis.Enabled(),
		"kafka", cfg.Kafka.Enabled,
		"retention", cfg.Retention.Enabled,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	if consumer != nil {
		consumer.Stop()
	}
	if pruner != nil {
		pruner.Stop()
	}
	resumer.Stop()
	workerPool.Stop()

	if err := shutdownRepo(shutdownCtx); err != nil {
		logger.Error("failed to flush delivery attempts", "error", err)
	}

	logger.Info("shutdown complete")
}

func connectPostgres(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
		poolConfig.MinConns = cfg.MaxConns / 3
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
