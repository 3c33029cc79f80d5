package resilience

import (
	"context"
	"errors"
	"log/slog"

	"github.com/felipemaragno/eventhooks/internal/observability"
)

// Guard combines the per-webhook checks that run before an HTTP attempt.
// Any nil component is skipped.
type Guard struct {
	Limiter   RateLimiter
	Breaker   CircuitBreaker
	Semaphore Semaphore
	Logger    *slog.Logger
}

// Do runs fn for webhookID if the rate limiter, semaphore and circuit
// breaker all admit it. When a check refuses, Do returns ErrRateLimited,
// ErrConcurrencyLimited or ErrCircuitOpen and fn is not called. Otherwise
// Do returns fn's error, which the breaker records as a failure.
func (g *Guard) Do(ctx context.Context, webhookID string, fn func() error) error {
	if g == nil {
		return fn()
	}
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if id := observability.DeliveryIDFromContext(ctx); id != "" {
		logger = logger.With("delivery_id", id)
	}

	if g.Limiter != nil {
		allowed, err := g.Limiter.Allow(ctx, webhookID)
		if err != nil {
			logger.Warn("rate limiter error", "webhook_id", webhookID, "error", err)
		} else if !allowed {
			return ErrRateLimited
		}
	}

	if g.Semaphore != nil {
		acquired, err := g.Semaphore.Acquire(ctx, webhookID)
		if err != nil {
			return err
		}
		if !acquired {
			return ErrConcurrencyLimited
		}
		defer func() {
			if err := g.Semaphore.Release(context.WithoutCancel(ctx), webhookID); err != nil {
				logger.Warn("semaphore release failed", "webhook_id", webhookID, "error", err)
			}
		}()
	}

	if g.Breaker != nil {
		return g.Breaker.Execute(webhookID, fn)
	}
	return fn()
}

// IsThrottled reports whether err means the attempt never ran.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrConcurrencyLimited)
}
