// Package worker implements the retry scheduler that owns delivery jobs
// until they reach a terminal state.
//
// Architecture:
//
//	 Enqueue ──► ┌──────────────┐      ┌──────────┐  ┌──────────┐
//	             │ bounded queue│ ───► │ Worker 1 │..│ Worker N │
//	             └──────▲───────┘      └────┬─────┘  └────┬─────┘
//	                    │                   │  Executor   │
//	                    │                   ▼             ▼
//	             backoff timer ◄──── record attempt (Delivery Store)
//
// Workers:
//  1. Take a job from the queue
//  2. Pass the per-webhook rate limit, concurrency and circuit breaker checks
//  3. Deliver the job through the Executor (signed when a secret is set)
//  4. Record exactly one attempt
//  5. Resolve the delivery, or hand it to a backoff timer that re-enqueues
//     the next attempt
//
// Backoff waits never hold a worker. A delivery is owned by the pool from
// Enqueue until it resolves, so its attempts are strictly ordered.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipemaragno/eventhooks/internal/clock"
	"github.com/felipemaragno/eventhooks/internal/delivery"
	"github.com/felipemaragno/eventhooks/internal/domain"
	"github.com/felipemaragno/eventhooks/internal/observability"
	"github.com/felipemaragno/eventhooks/internal/repository"
	"github.com/felipemaragno/eventhooks/internal/resilience"
	"github.com/felipemaragno/eventhooks/internal/retry"
)

// Deliverer performs one HTTP attempt. *delivery.Executor implements it.
type Deliverer interface {
	Deliver(ctx context.Context, job *domain.DeliveryJob) (*delivery.Result, error)
}

// SubscriptionGetter resolves the current subscription for manual retries.
type SubscriptionGetter interface {
	GetByID(ctx context.Context, id string) (*domain.Subscription, error)
}

// Config defines worker pool parameters.
//
// Workers: number of concurrent delivery goroutines.
// QueueSize: capacity of the job queue; Enqueue fails fast when it is full.
// ThrottleDelay: how long a job refused by a resilience check waits.
// RecordTimeout: bound on persisting one attempt.
type Config struct {
	Workers       int
	QueueSize     int
	ThrottleDelay time.Duration
	RecordTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:       8,
		QueueSize:     1024,
		ThrottleDelay: time.Second,
		RecordTimeout: 5 * time.Second,
	}
}

type waitResult struct {
	attempt *domain.DeliveryAttempt
	err     error
}

// Pool manages worker goroutines for webhook delivery.
// Use NewPool to create, then call Start to begin processing.
// Call Stop for graceful shutdown.
type Pool struct {
	config   Config
	store    repository.DeliveryRepository
	subs     SubscriptionGetter
	executor Deliverer
	clock    clock.Clock
	policy   retry.Policy
	logger   *slog.Logger
	metrics  *observability.Metrics
	guard    *resilience.Guard

	queue chan *domain.DeliveryJob

	mu      sync.Mutex
	states  map[string]domain.DeliveryState
	waiters map[string][]chan waitResult
	stopped bool

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	timers  sync.WaitGroup
}

// NewPool creates a worker pool with the given dependencies.
// Use WithMetrics and WithResilience to add optional features.
func NewPool(
	config Config,
	store repository.DeliveryRepository,
	subs SubscriptionGetter,
	executor Deliverer,
	clk clock.Clock,
	policy retry.Policy,
	logger *slog.Logger,
) *Pool {
	defaults := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.ThrottleDelay <= 0 {
		config.ThrottleDelay = defaults.ThrottleDelay
	}
	if config.RecordTimeout <= 0 {
		config.RecordTimeout = defaults.RecordTimeout
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config:   config,
		store:    store,
		subs:     subs,
		executor: executor,
		clock:    clk,
		policy:   policy,
		logger:   logger,
		queue:    make(chan *domain.DeliveryJob, config.QueueSize),
		states:   make(map[string]domain.DeliveryState),
		waiters:  make(map[string][]chan waitResult),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// WithMetrics enables Prometheus metrics collection.
func (p *Pool) WithMetrics(m *observability.Metrics) *Pool {
	p.metrics = m
	return p
}

// WithResilience enables the per-webhook checks run before every attempt.
// A refused check postpones the job by ThrottleDelay without consuming an
// attempt.
func (p *Pool) WithResilience(g *resilience.Guard) *Pool {
	p.guard = g
	return p
}

// Start launches the workers. Jobs enqueued before Start wait in the queue.
// Cancelling ctx has the same effect as Stop without waiting.
func (p *Pool) Start(ctx context.Context) {
	context.AfterFunc(ctx, p.cancel)

	for i := 0; i < p.config.Workers; i++ {
		p.workers.Add(1)
		go p.worker(i)
	}

	p.logger.Info("worker pool started",
		"workers", p.config.Workers,
		"queue_size", p.config.QueueSize,
	)
}

// Stop refuses new jobs, lets in-flight HTTP attempts finish and be recorded,
// and releases every EnqueueAndWait caller with domain.ErrPoolStopped.
// Deliveries still waiting for backoff stay non-terminal in the store and
// are picked up by the resumer on the next start.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.workers.Wait()
	p.timers.Wait()

	p.mu.Lock()
	for id, ws := range p.waiters {
		for _, w := range ws {
			w <- waitResult{err: domain.ErrPoolStopped}
		}
		delete(p.waiters, id)
	}
	clear(p.states)
	p.mu.Unlock()

	p.updateGauges()
	p.logger.Info("worker pool stopped")
}

// Enqueue hands job to the pool without blocking. It returns
// domain.ErrQueueFull when the queue is at capacity, domain.ErrPoolStopped
// after Stop, and domain.ErrDeliveryInProgress when the pool already owns
// job.DeliveryID.
func (p *Pool) Enqueue(job *domain.DeliveryJob) error {
	return p.enqueue(job, nil)
}

// EnqueueAndWait enqueues job and blocks until its delivery resolves,
// returning the attempt that resolved it.
func (p *Pool) EnqueueAndWait(ctx context.Context, job *domain.DeliveryJob) (*domain.DeliveryAttempt, error) {
	done := make(chan waitResult, 1)
	if err := p.enqueue(job, done); err != nil {
		return nil, err
	}

	select {
	case res := <-done:
		return res.attempt, res.err
	case <-ctx.Done():
		p.dropWaiter(job.DeliveryID, done)
		return nil, ctx.Err()
	}
}

func (p *Pool) enqueue(job *domain.DeliveryJob, done chan waitResult) error {
	if job == nil || job.DeliveryID == "" || job.Attempt < 1 {
		return fmt.Errorf("%w: job needs a delivery id and attempt >= 1", domain.ErrInvalidInput)
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return domain.ErrPoolStopped
	}
	if _, owned := p.states[job.DeliveryID]; owned {
		p.mu.Unlock()
		return domain.ErrDeliveryInProgress
	}

	select {
	case p.queue <- job:
	default:
		p.mu.Unlock()
		p.logger.Warn("queue full, dropping delivery",
			"delivery_id", job.DeliveryID,
			"webhook_id", job.WebhookID,
			"event", job.Event,
		)
		if p.metrics != nil {
			p.metrics.DeliveriesDropped.Inc()
		}
		return domain.ErrQueueFull
	}

	p.states[job.DeliveryID] = domain.DeliveryStatePending
	if done != nil {
		p.waiters[job.DeliveryID] = append(p.waiters[job.DeliveryID], done)
	}
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.DeliveriesEnqueued.Inc()
	}
	p.updateGauges()
	return nil
}

// Retry re-enters a delivery that failed terminally for exactly one more
// attempt, addressed to the subscription's current URL and secret.
func (p *Pool) Retry(ctx context.Context, deliveryID string) error {
	history, err := p.store.Get(ctx, deliveryID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return domain.ErrNotFound
	}
	for _, a := range history {
		if a.Success {
			return domain.ErrAlreadyDelivered
		}
	}
	if _, owned := p.State(deliveryID); owned {
		return domain.ErrDeliveryInProgress
	}

	last := history[len(history)-1]
	job, err := p.nextJob(ctx, history[0], last)
	if err != nil {
		return err
	}
	job.MaxAttempts = last.Attempt + 1

	p.logger.Info("manual retry",
		"delivery_id", deliveryID,
		"webhook_id", job.WebhookID,
		"attempt", job.Attempt,
	)
	return p.Enqueue(job)
}

// Resume continues a delivery whose latest recorded attempt is retryable.
// It implements retry.Scheduler. When the webhook no longer exists the
// delivery is closed with a terminal attempt and domain.ErrNotFound is
// returned.
func (p *Pool) Resume(ctx context.Context, last *domain.DeliveryAttempt) error {
	if last.State().Terminal() {
		return nil
	}
	if _, owned := p.State(last.DeliveryID); owned {
		return domain.ErrDeliveryInProgress
	}

	first := last
	if history, err := p.store.Get(ctx, last.DeliveryID); err == nil && len(history) > 0 {
		first = history[0]
	}

	job, err := p.nextJob(ctx, first, last)
	if errors.Is(err, domain.ErrNotFound) {
		return p.abandon(ctx, last, err)
	}
	if err != nil {
		return err
	}
	if p.policy.Exhausted(last.Attempt, 0) {
		job.MaxAttempts = job.Attempt
	}
	return p.Enqueue(job)
}

// abandon records a terminal attempt for a delivery that can never be sent,
// so it stops showing up as pending.
func (p *Pool) abandon(ctx context.Context, last *domain.DeliveryAttempt, cause error) error {
	now := p.clock.Now().UTC()
	msg := "webhook deleted: " + cause.Error()
	closing := &domain.DeliveryAttempt{
		DeliveryID:  last.DeliveryID,
		WebhookID:   last.WebhookID,
		TenantID:    last.TenantID,
		Event:       last.Event,
		Payload:     last.Payload,
		Attempt:     last.Attempt + 1,
		Error:       &msg,
		CreatedAt:   now,
		DeliveredAt: &now,
	}
	if err := p.store.Record(ctx, closing); err != nil {
		return fmt.Errorf("close delivery %s: %w", last.DeliveryID, err)
	}
	p.logger.Warn("delivery closed, webhook no longer exists",
		"delivery_id", last.DeliveryID,
		"webhook_id", last.WebhookID,
		"attempt", closing.Attempt,
	)
	p.recordOutcome("failed")
	return cause
}

func (p *Pool) nextJob(ctx context.Context, first, last *domain.DeliveryAttempt) (*domain.DeliveryJob, error) {
	sub, err := p.subs.GetByID(ctx, last.WebhookID)
	if err != nil {
		return nil, err
	}
	return &domain.DeliveryJob{
		DeliveryID: last.DeliveryID,
		WebhookID:  sub.ID,
		URL:        sub.URL,
		Secret:     sub.Secret,
		TenantID:   last.TenantID,
		Event:      last.Event,
		Payload:    last.Payload,
		Attempt:    last.Attempt + 1,
		CreatedAt:  first.CreatedAt,
	}, nil
}

// State reports the state of a delivery the pool currently owns. Resolved
// deliveries are no longer tracked; their state is derived from the store.
func (p *Pool) State(deliveryID string) (domain.DeliveryState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[deliveryID]
	return s, ok
}

func (p *Pool) QueueDepth() int {
	return len(p.queue)
}

func (p *Pool) worker(id int) {
	defer p.workers.Done()

	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debug("worker shutting down", "worker_id", id)
			return
		case job := <-p.queue:
			p.updateGauges()
			p.process(job)
		}
	}
}

func (p *Pool) process(job *domain.DeliveryJob) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker panic",
				"panic", r,
				"delivery_id", job.DeliveryID,
				"webhook_id", job.WebhookID,
			)
			p.resolve(job.DeliveryID, nil, fmt.Errorf("worker panic: %v", r))
		}
	}()

	if p.ctx.Err() != nil {
		return
	}
	p.setState(job.DeliveryID, domain.DeliveryStateInFlight)

	var (
		result  *delivery.Result
		sendErr error
		ran     bool
	)
	// Stop does not cut an attempt short; the executor timeout bounds it and
	// Stop waits for the worker.
	ctx := observability.ContextWithDeliveryID(context.WithoutCancel(p.ctx), job.DeliveryID)
	guardErr := p.guard.Do(ctx, job.WebhookID, func() error {
		ran = true
		result, sendErr = p.executor.Deliver(ctx, job)
		if countsAgainstBreaker(sendErr) {
			return sendErr
		}
		return nil
	})
	if !ran {
		if !resilience.IsThrottled(guardErr) {
			p.logger.Warn("resilience check failed",
				"delivery_id", job.DeliveryID,
				"webhook_id", job.WebhookID,
				"error", guardErr,
			)
		}
		p.throttle(job, guardErr)
		return
	}

	attempt := p.buildAttempt(job, result, sendErr)
	if err := p.record(attempt); err != nil {
		// An attempt that is not in the store did not happen; repeat the
		// same attempt number so the history has no gaps.
		delay := p.policy.CalculateDelay(job.Attempt)
		p.logger.Error("failed to record attempt, repeating it",
			"error", err,
			"delivery_id", job.DeliveryID,
			"webhook_id", job.WebhookID,
			"attempt", job.Attempt,
			"delay", delay,
		)
		p.setState(job.DeliveryID, domain.DeliveryStatePending)
		p.schedule(job, delay)
		return
	}

	switch {
	case attempt.Success:
		p.logger.Debug("delivery successful",
			"delivery_id", job.DeliveryID,
			"webhook_id", job.WebhookID,
			"attempt", job.Attempt,
			"status_code", result.StatusCode,
		)
		p.recordOutcome("success")
		p.resolve(job.DeliveryID, attempt, nil)

	case attempt.DeliveredAt != nil:
		p.logger.Warn("delivery failed permanently",
			"delivery_id", job.DeliveryID,
			"webhook_id", job.WebhookID,
			"attempt", job.Attempt,
			"error", sendErr,
		)
		p.recordOutcome("failed")
		p.resolve(job.DeliveryID, attempt, nil)

	default:
		delay := p.policy.CalculateDelay(job.Attempt)
		p.logger.Info("scheduling retry",
			"delivery_id", job.DeliveryID,
			"webhook_id", job.WebhookID,
			"attempt", job.Attempt,
			"delay", delay,
			"error", sendErr,
		)
		if p.metrics != nil {
			p.metrics.DeliveriesRetrying.Inc()
		}
		p.setState(job.DeliveryID, domain.DeliveryStateFailedRetryable)

		next := *job
		next.Attempt++
		p.schedule(&next, delay)
	}
}

// countsAgainstBreaker: transport errors and 5xx mean the endpoint is
// unhealthy; 4xx means it answered.
func countsAgainstBreaker(err error) bool {
	if err == nil {
		return false
	}
	var derr *domain.DeliveryError
	if errors.As(err, &derr) {
		return derr.StatusCode == 0 || derr.StatusCode >= 500
	}
	return true
}

func (p *Pool) buildAttempt(job *domain.DeliveryJob, result *delivery.Result, sendErr error) *domain.DeliveryAttempt {
	now := p.clock.Now().UTC()
	attempt := &domain.DeliveryAttempt{
		DeliveryID: job.DeliveryID,
		WebhookID:  job.WebhookID,
		TenantID:   job.TenantID,
		Event:      job.Event,
		Payload:    job.Payload,
		Attempt:    job.Attempt,
		Success:    sendErr == nil,
		CreatedAt:  now,
	}

	if result != nil {
		attempt.DurationMs = int(result.Duration.Milliseconds())
		if result.StatusCode != 0 {
			code := result.StatusCode
			attempt.StatusCode = &code
		}
		if result.Body != "" {
			body := result.Body
			attempt.ResponseBody = &body
		}
	}
	if sendErr != nil {
		msg := sendErr.Error()
		attempt.Error = &msg
	}
	if attempt.Success || p.policy.Exhausted(job.Attempt, job.MaxAttempts) {
		attempt.DeliveredAt = &now
	}

	if p.metrics != nil {
		outcome := "success"
		if !attempt.Success {
			outcome = "failure"
		}
		p.metrics.DeliveryAttempts.WithLabelValues(outcome).Inc()
		if result != nil {
			p.metrics.DeliveryDuration.Observe(result.Duration.Seconds())
		}
	}
	return attempt
}

// record persists the attempt even while the pool is stopping.
func (p *Pool) record(attempt *domain.DeliveryAttempt) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), p.config.RecordTimeout)
	defer cancel()
	return p.store.Record(ctx, attempt)
}

// Rate limiting, concurrency limits and an open breaker are backpressure,
// not delivery failures. The job keeps its attempt number.
func (p *Pool) throttle(job *domain.DeliveryJob, reason error) {
	p.logger.Debug("delivery throttled",
		"delivery_id", job.DeliveryID,
		"webhook_id", job.WebhookID,
		"reason", reason,
	)
	if p.metrics != nil {
		p.metrics.DeliveriesThrottled.WithLabelValues(throttleReason(reason)).Inc()
	}
	p.setState(job.DeliveryID, domain.DeliveryStatePending)
	p.schedule(job, p.config.ThrottleDelay)
}

func throttleReason(err error) string {
	switch {
	case errors.Is(err, resilience.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, resilience.ErrConcurrencyLimited):
		return "concurrency_limited"
	default:
		return "error"
	}
}

// schedule waits delay on a timer goroutine and puts job back on the
// queue. The send blocks until a slot frees up or the pool stops.
func (p *Pool) schedule(job *domain.DeliveryJob, delay time.Duration) {
	p.timers.Add(1)
	go func() {
		defer p.timers.Done()

		select {
		case <-p.clock.After(delay):
		case <-p.ctx.Done():
			return
		}

		p.setState(job.DeliveryID, domain.DeliveryStatePending)
		select {
		case p.queue <- job:
			p.updateGauges()
		case <-p.ctx.Done():
		}
	}()
}

func (p *Pool) setState(deliveryID string, s domain.DeliveryState) {
	p.mu.Lock()
	if _, owned := p.states[deliveryID]; owned {
		p.states[deliveryID] = s
	}
	p.mu.Unlock()
}

// resolve releases ownership of the delivery and wakes its waiters.
func (p *Pool) resolve(deliveryID string, attempt *domain.DeliveryAttempt, err error) {
	p.mu.Lock()
	delete(p.states, deliveryID)
	ws := p.waiters[deliveryID]
	delete(p.waiters, deliveryID)
	p.mu.Unlock()

	for _, w := range ws {
		w <- waitResult{attempt: attempt, err: err}
	}
	p.updateGauges()
}

func (p *Pool) dropWaiter(deliveryID string, done chan waitResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ws := p.waiters[deliveryID]
	for i, w := range ws {
		if w == done {
			p.waiters[deliveryID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(p.waiters[deliveryID]) == 0 {
		delete(p.waiters, deliveryID)
	}
}

func (p *Pool) recordOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.Deliveries.WithLabelValues(outcome).Inc()
	}
}

func (p *Pool) updateGauges() {
	if p.metrics == nil {
		return
	}
	p.metrics.QueueDepth.Set(float64(len(p.queue)))
	p.mu.Lock()
	inFlight := len(p.states)
	p.mu.Unlock()
	p.metrics.InFlight.Set(float64(inFlight))
}
