package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter is a sliding-window limiter shared by every instance.
// Each request is a sorted-set member scored by its timestamp:
//
//  1. Remove entries older than the window
//  2. Count remaining entries
//  3. If count < limit, add new entry and allow
//  4. Otherwise, reject
//
// The steps run atomically in a Lua script. When Redis is unreachable the
// limiter degrades to an in-process token bucket with the same rate.
type RedisRateLimiter struct {
	client   redis.Scripter
	window   time.Duration
	limit    int
	prefix   string
	fallback *RateLimiterManager
	logger   *slog.Logger
	now      func() time.Time
	seq      atomic.Uint64
}

// RedisRateLimiterConfig holds configuration for the Redis rate limiter.
type RedisRateLimiterConfig struct {
	Window    time.Duration // Sliding window size (default: 1s)
	Limit     int           // Requests per webhook per window (default: 100)
	KeyPrefix string        // default: "eventhooks:ratelimit:"
}

func DefaultRedisRateLimiterConfig() RedisRateLimiterConfig {
	return RedisRateLimiterConfig{
		Window:    time.Second,
		Limit:     100,
		KeyPrefix: "eventhooks:ratelimit:",
	}
}

func NewRedisRateLimiter(client redis.Scripter, config RedisRateLimiterConfig, logger *slog.Logger) *RedisRateLimiter {
	if config.Window <= 0 {
		config.Window = time.Second
	}
	if config.Limit <= 0 {
		config.Limit = 100
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "eventhooks:ratelimit:"
	}
	if logger == nil {
		logger = slog.Default()
	}

	perSecond := float64(config.Limit) / config.Window.Seconds()
	return &RedisRateLimiter{
		client: client,
		window: config.Window,
		limit:  config.Limit,
		prefix: config.KeyPrefix,
		fallback: NewRateLimiterManager(RateLimiterConfig{
			RequestsPerSecond: perSecond,
			BurstSize:         config.Limit/10 + 1,
		}),
		logger: logger,
		now:    time.Now,
	}
}

// rateLimitScript returns 1 if allowed, 0 if rate limited.
var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window)
    return 1
else
    return 0
end
`)

func (r *RedisRateLimiter) Allow(ctx context.Context, webhookID string) (bool, error) {
	now := r.now()
	key := r.prefix + webhookID
	member := fmt.Sprintf("%d-%d", now.UnixNano(), r.seq.Add(1))

	result, err := rateLimitScript.Run(ctx, r.client, []string{key}, now.UnixMilli(), r.window.Milliseconds(), r.limit, member).Int()
	if err != nil {
		r.logger.Warn("redis rate limiter failed, using fallback",
			"error", err,
			"webhook_id", webhookID,
		)
		return r.fallback.Allow(webhookID), nil
	}

	return result == 1, nil
}
