// Package resilience protects webhook endpoints from overload and keeps a
// broken endpoint from consuming the worker pool. Every check is keyed by
// webhook ID.
//
// This package uses:
//   - golang.org/x/time/rate: in-process token bucket per webhook.
//   - github.com/sony/gobreaker: per-webhook circuit breaker.
//   - github.com/redis/go-redis/v9: sliding-window limiter and concurrency
//     semaphore shared across instances, with in-process fallback.
package resilience

import (
	"context"
	"errors"
)

var (
	ErrRateLimited        = errors.New("rate limited")
	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrConcurrencyLimited = errors.New("concurrency limit reached")
)

// RateLimiter decides whether another request to a webhook may start now.
type RateLimiter interface {
	Allow(ctx context.Context, webhookID string) (bool, error)
}

// CircuitBreaker runs fn unless the webhook's breaker is open, in which case
// it returns ErrCircuitOpen without calling fn. An error from fn counts as a
// failure.
type CircuitBreaker interface {
	Execute(webhookID string, fn func() error) error
	State(webhookID string) CircuitBreakerState
}

// Semaphore caps concurrent requests per webhook.
type Semaphore interface {
	// Acquire attempts to acquire a slot. The caller must call Release when
	// done if Acquire returns true.
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// InMemoryRateLimiter adapts RateLimiterManager to the RateLimiter interface.
type InMemoryRateLimiter struct {
	manager *RateLimiterManager
}

func NewInMemoryRateLimiter(config RateLimiterConfig) *InMemoryRateLimiter {
	return &InMemoryRateLimiter{manager: NewRateLimiterManager(config)}
}

func (a *InMemoryRateLimiter) Allow(ctx context.Context, webhookID string) (bool, error) {
	return a.manager.Allow(webhookID), nil
}
