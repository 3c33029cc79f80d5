package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/felipemaragno/eventhooks/internal/api"
	"github.com/felipemaragno/eventhooks/internal/clock"
	"github.com/felipemaragno/eventhooks/internal/delivery"
	"github.com/felipemaragno/eventhooks/internal/dispatcher"
	"github.com/felipemaragno/eventhooks/internal/domain"
	"github.com/felipemaragno/eventhooks/internal/observability"
	"github.com/felipemaragno/eventhooks/internal/registry"
	"github.com/felipemaragno/eventhooks/internal/repository/postgres"
	"github.com/felipemaragno/eventhooks/internal/resilience"
	"github.com/felipemaragno/eventhooks/internal/retry"
	"github.com/felipemaragno/eventhooks/internal/signature"
	"github.com/felipemaragno/eventhooks/internal/worker"
)

type testEnv struct {
	pgContainer    *tcpostgres.PostgresContainer
	redisContainer *tcredis.RedisContainer
	pool           *pgxpool.Pool
	redisClient    *redis.Client
	handler        http.Handler
	workerPool     *worker.Pool
	subs           *postgres.SubscriptionRepository
	deliveries     *postgres.DeliveryRepository
	ctx            context.Context
	cancel         context.CancelFunc
}

type envOptions struct {
	rateLimit int
}

func setupTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("eventhooks_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		cancel()
		t.Fatalf("failed to start postgres container: %v", err)
	}

	redisContainer, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf("failed to start redis container: %v", err)
	}

	fail := func(format string, args ...any) {
		_ = redisContainer.Terminate(ctx)
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf(format, args...)
	}

	pgConnStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fail("failed to get postgres connection string: %v", err)
	}
	redisConnStr, err := redisContainer.ConnectionString(ctx)
	if err != nil {
		fail("failed to get redis connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, pgConnStr)
	if err != nil {
		fail("failed to connect to postgres: %v", err)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		fail("failed to run migrations: %v", err)
	}

	redisOpt, err := redis.ParseURL(redisConnStr)
	if err != nil {
		pool.Close()
		fail("failed to parse redis URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpt)

	logger := observability.NewLogger(io.Discard, "debug", "text")

	// Unique namespace per test avoids duplicate registration.
	metrics := observability.NewMetrics(fmt.Sprintf("eventhooks_test_%d", rand.Int63()), prometheus.NewRegistry())
	healthHandler := observability.NewHealthHandler().AddCheck("database", pool)
	healthHandler.SetReady(true)

	subRepo := postgres.NewSubscriptionRepository(pool)
	deliveryRepo := postgres.NewDeliveryRepository(pool).WithBatcher(postgres.DefaultBatcherConfig())

	limiterConfig := resilience.DefaultRedisRateLimiterConfig()
	if opts.rateLimit > 0 {
		limiterConfig.Limit = opts.rateLimit
	}
	guard := &resilience.Guard{
		Limiter:   resilience.NewRedisRateLimiter(redisClient, limiterConfig, logger),
		Breaker:   resilience.NewCircuitBreakerManager(resilience.DefaultCircuitBreakerConfig()),
		Semaphore: resilience.NewRedisSemaphore(redisClient, resilience.DefaultRedisSemaphoreConfig(), logger),
		Logger:    logger,
	}

	clk := clock.RealClock{}
	executor := delivery.NewExecutor(delivery.Config{Timeout: 5 * time.Second}, &http.Client{}, clk)
	workerPool := worker.NewPool(
		worker.Config{Workers: 4, QueueSize: 128, ThrottleDelay: 200 * time.Millisecond},
		deliveryRepo,
		subRepo,
		executor,
		clk,
		retry.Policy{
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     time.Second,
			Multiplier:      2,
			MaxAttempts:     5,
		},
		logger,
	).WithMetrics(metrics).WithResilience(guard)

	conditions := dispatcher.NewConditions(0)
	reg := registry.New(subRepo, domain.SubscriptionValidator{
		AllowLoopback:  true,
		CheckCondition: conditions.Check,
	}, clk, logger)
	disp := dispatcher.New(reg, workerPool, conditions, clk, logger).WithMetrics(metrics)

	router := api.NewRouter(api.RouterConfig{
		Handler:       api.NewHandler(reg, disp, deliveryRepo, logger),
		HealthHandler: healthHandler,
		Metrics:       metrics,
		Logger:        logger,
	})

	return &testEnv{
		pgContainer:    pgContainer,
		redisContainer: redisContainer,
		pool:           pool,
		redisClient:    redisClient,
		handler:        router,
		workerPool:     workerPool,
		subs:           subRepo,
		deliveries:     deliveryRepo,
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (e *testEnv) teardown(t *testing.T) {
	t.Helper()
	e.workerPool.Stop()
	_ = e.deliveries.Shutdown(e.ctx)
	e.pool.Close()
	e.redisClient.Close()
	_ = e.redisContainer.Terminate(e.ctx)
	_ = e.pgContainer.Terminate(e.ctx)
	e.cancel()
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createWebhook(t *testing.T, body map[string]any) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/webhooks", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode webhook: %v", err)
	}
	return resp.ID
}

func (e *testEnv) trigger(t *testing.T, eventType string, data any) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/events", map[string]any{"type": eventType, "data": data})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rec.Code, rec.Body.String())
	}
}

// waitForState polls the store until the delivery reaches want.
func (e *testEnv) waitForState(t *testing.T, deliveryID string, want domain.DeliveryState, timeout time.Duration) []*domain.DeliveryAttempt {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		attempts, err := e.deliveries.Get(e.ctx, deliveryID)
		if err == nil && attempts[len(attempts)-1].State() == want {
			return attempts
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivery %s did not reach %s within %v (last err %v)", deliveryID, want, timeout, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// TestEndToEndWebhookDelivery covers create webhook, trigger event,
// signed delivery and the recorded attempt.
func TestEndToEndWebhookDelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t, envOptions{})
	defer env.teardown(t)
	env.workerPool.Start(env.ctx)

	type received struct {
		deliveryID string
		body       []byte
		signed     bool
	}
	webhookReceived := make(chan received, 1)
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		webhookReceived <- received{
			deliveryID: r.Header.Get(delivery.HeaderDelivery),
			body:       body,
			signed:     signature.Verify(body, "whsec", r.Header.Get(signature.Header)),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer mockServer.Close()

	env.createWebhook(t, map[string]any{
		"name":   "orders",
		"url":    mockServer.URL,
		"events": []string{"order.created"},
		"secret": "whsec",
	})

	env.trigger(t, "order.created", map[string]any{"order_id": "12345", "amount": 99.99})

	var got received
	select {
	case got = <-webhookReceived:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for webhook delivery")
	}

	if !got.signed {
		t.Error("signature did not verify")
	}
	var payload struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(got.body, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Event != "order.created" {
		t.Errorf("event = %q, want order.created", payload.Event)
	}

	attempts := env.waitForState(t, got.deliveryID, domain.DeliveryStateSuccess, 5*time.Second)
	if len(attempts) != 1 {
		t.Errorf("attempts = %d, want 1", len(attempts))
	}
	if attempts[0].StatusCode == nil || *attempts[0].StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %v, want 200", attempts[0].StatusCode)
	}
}

// TestEndToEndRetryOnFailure checks that each retry is a new attempt row
// and the delivery ends in success.
func TestEndToEndRetryOnFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t, envOptions{})
	defer env.teardown(t)
	env.workerPool.Start(env.ctx)

	var attemptCount atomic.Int32
	deliveryIDs := make(chan string, 3)
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deliveryIDs <- r.Header.Get(delivery.HeaderDelivery)
		if attemptCount.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer mockServer.Close()

	env.createWebhook(t, map[string]any{
		"name":   "orders",
		"url":    mockServer.URL,
		"events": []string{"order.*"},
	})
	env.trigger(t, "order.updated", map[string]any{"test": true})

	var deliveryID string
	select {
	case deliveryID = <-deliveryIDs:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for first attempt")
	}

	attempts := env.waitForState(t, deliveryID, domain.DeliveryStateSuccess, 15*time.Second)
	if len(attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(attempts))
	}
	for i, a := range attempts {
		if a.Attempt != i+1 {
			t.Errorf("attempts[%d].Attempt = %d, want %d", i, a.Attempt, i+1)
		}
		if a.DeliveryID != deliveryID {
			t.Errorf("attempts[%d].DeliveryID = %s, want %s", i, a.DeliveryID, deliveryID)
		}
	}
	if attempts[0].Success || attempts[1].Success || !attempts[2].Success {
		t.Errorf("success flags = %v %v %v, want false false true",
			attempts[0].Success, attempts[1].Success, attempts[2].Success)
	}
}

// TestEndToEndRateLimiting checks that the shared Redis limiter holds
// deliveries back without consuming attempts.
func TestEndToEndRateLimiting(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	const (
		rateLimit   = 5
		totalEvents = 10
	)

	env := setupTestEnv(t, envOptions{rateLimit: rateLimit})
	defer env.teardown(t)
	env.workerPool.Start(env.ctx)

	var (
		mu        sync.Mutex
		delivered []string
	)
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		delivered = append(delivered, r.Header.Get(delivery.HeaderDelivery))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer mockServer.Close()

	env.createWebhook(t, map[string]any{
		"name":   "limited",
		"url":    mockServer.URL,
		"events": []string{"content.*"},
	})

	for i := 0; i < totalEvents; i++ {
		env.trigger(t, "content.created", map[string]any{"index": i})
	}

	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	firstWindow := len(delivered)
	mu.Unlock()
	if firstWindow > rateLimit {
		t.Errorf("delivered %d in the first window, want at most %d", firstWindow, rateLimit)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		mu.Lock()
		n := len(delivered)
		mu.Unlock()
		if n >= totalEvents {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d deliveries arrived", n, totalEvents)
		}
		time.Sleep(50 * time.Millisecond)
	}

	mu.Lock()
	ids := append([]string(nil), delivered...)
	mu.Unlock()
	for _, id := range ids {
		attempts := env.waitForState(t, id, domain.DeliveryStateSuccess, 5*time.Second)
		if len(attempts) != 1 || attempts[0].Attempt != 1 {
			t.Errorf("delivery %s has %d attempts, want a single attempt 1", id, len(attempts))
		}
	}
}

// TestResumeAfterRestart records an unfinished delivery as a previous
// process would have left it and lets the resumer pick it up.
func TestResumeAfterRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t, envOptions{})
	defer env.teardown(t)
	env.workerPool.Start(env.ctx)

	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer mockServer.Close()

	webhookID := env.createWebhook(t, map[string]any{
		"name":   "resumed",
		"url":    mockServer.URL,
		"events": []string{"*"},
	})

	errMsg := "connection refused"
	if err := env.deliveries.Record(env.ctx, &domain.DeliveryAttempt{
		DeliveryID: "dlv-resume",
		WebhookID:  webhookID,
		Event:      domain.EventUserCreated,
		Payload:    json.RawMessage(`{"id":"u-1"}`),
		Attempt:    1,
		Error:      &errMsg,
	}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	resumer := retry.NewResumer(env.deliveries, env.workerPool, retry.DefaultResumerConfig(), nil)
	if n := resumer.Sweep(env.ctx); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}

	attempts := env.waitForState(t, "dlv-resume", domain.DeliveryStateSuccess, 10*time.Second)
	if len(attempts) != 2 || attempts[1].Attempt != 2 {
		t.Errorf("attempts = %d (last %d), want the resumed attempt 2", len(attempts), attempts[len(attempts)-1].Attempt)
	}
}

// TestReadyEndpoint checks readiness against the live database.
func TestReadyEndpoint(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t, envOptions{})
	defer env.teardown(t)

	rec := env.do(t, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var response observability.ReadyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response.Checks["database"] != "ok" {
		t.Errorf("database check = %q, want ok", response.Checks["database"])
	}
}
