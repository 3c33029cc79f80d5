package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSemaphore is a per-webhook counter with TTL, shared by every instance,
// so the fleet as a whole never exceeds Limit concurrent requests to one
// endpoint.
type RedisSemaphore struct {
	client   redis.Cmdable
	limit    int
	ttl      time.Duration
	prefix   string
	fallback *LocalSemaphore
	logger   *slog.Logger
}

// RedisSemaphoreConfig holds configuration for the Redis semaphore.
type RedisSemaphoreConfig struct {
	// Limit is the maximum concurrent acquisitions per key (default: 10)
	Limit int
	// TTL bounds how long a slot survives a worker that died without
	// releasing it (default: 45s, above the delivery timeout).
	TTL       time.Duration
	KeyPrefix string
}

func DefaultRedisSemaphoreConfig() RedisSemaphoreConfig {
	return RedisSemaphoreConfig{
		Limit:     10,
		TTL:       45 * time.Second,
		KeyPrefix: "eventhooks:sem:",
	}
}

func NewRedisSemaphore(client redis.Cmdable, config RedisSemaphoreConfig, logger *slog.Logger) *RedisSemaphore {
	if config.Limit <= 0 {
		config.Limit = 10
	}
	if config.TTL <= 0 {
		config.TTL = 45 * time.Second
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "eventhooks:sem:"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisSemaphore{
		client:   client,
		limit:    config.Limit,
		ttl:      config.TTL,
		prefix:   config.KeyPrefix,
		fallback: NewLocalSemaphore(config.Limit),
		logger:   logger,
	}
}

// acquireScript returns 1 if acquired, 0 if limit reached.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl_ms = tonumber(ARGV[2])

local current = tonumber(redis.call('GET', key) or '0')

if current < limit then
    redis.call('INCR', key)
    redis.call('PEXPIRE', key, ttl_ms)
    return 1
else
    return 0
end
`)

// releaseScript decrements without going below zero.
var releaseScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current > 0 then
    return redis.call('DECR', key)
end
return 0
`)

func (s *RedisSemaphore) Acquire(ctx context.Context, key string) (bool, error) {
	result, err := acquireScript.Run(ctx, s.client, []string{s.prefix + key}, s.limit, s.ttl.Milliseconds()).Int()
	if err != nil {
		s.logger.Warn("redis semaphore acquire failed, using fallback",
			"error", err,
			"key", key,
		)
		return s.fallback.Acquire(ctx, key)
	}

	return result == 1, nil
}

func (s *RedisSemaphore) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.prefix + key}).Err(); err != nil {
		s.logger.Warn("redis semaphore release failed",
			"error", err,
			"key", key,
		)
		return s.fallback.Release(ctx, key)
	}
	return nil
}

// LocalSemaphore is the in-process Semaphore. Acquire never blocks.
type LocalSemaphore struct {
	limit      int
	mu         sync.Mutex
	semaphores map[string]chan struct{}
}

func NewLocalSemaphore(limit int) *LocalSemaphore {
	return &LocalSemaphore{
		limit:      limit,
		semaphores: make(map[string]chan struct{}),
	}
}

func (m *LocalSemaphore) slot(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, exists := m.semaphores[key]
	if !exists {
		sem = make(chan struct{}, m.limit)
		m.semaphores[key] = sem
	}
	return sem
}

func (m *LocalSemaphore) Acquire(ctx context.Context, key string) (bool, error) {
	select {
	case m.slot(key) <- struct{}{}:
		return true, nil
	default:
		return false, nil
	}
}

func (m *LocalSemaphore) Release(ctx context.Context, key string) error {
	select {
	case <-m.slot(key):
	default:
	}
	return nil
}
