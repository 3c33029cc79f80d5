package resilience

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// DefaultMaxTrackedWebhooks bounds how many token buckets stay in memory.
const DefaultMaxTrackedWebhooks = 10000

// RateLimiterConfig is the token bucket applied to each webhook.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// MaxWebhooks caps the tracked buckets; the least recently used bucket
	// is dropped and starts full if that webhook comes back.
	MaxWebhooks int
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 100,
		BurstSize:         10,
		MaxWebhooks:       DefaultMaxTrackedWebhooks,
	}
}

// RateLimiterManager keeps one token bucket per webhook so a busy endpoint
// never eats another endpoint's budget.
type RateLimiterManager struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
}

func NewRateLimiterManager(config RateLimiterConfig) *RateLimiterManager {
	if config.MaxWebhooks <= 0 {
		config.MaxWebhooks = DefaultMaxTrackedWebhooks
	}
	if config.BurstSize <= 0 {
		config.BurstSize = 1
	}
	limiters, err := lru.New[string, *rate.Limiter](config.MaxWebhooks)
	if err != nil {
		panic(err)
	}
	return &RateLimiterManager{
		limit:    rate.Limit(config.RequestsPerSecond),
		burst:    config.BurstSize,
		limiters: limiters,
	}
}

func (m *RateLimiterManager) limiter(webhookID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.limiters.Get(webhookID); ok {
		return l
	}
	l := rate.NewLimiter(m.limit, m.burst)
	m.limiters.Add(webhookID, l)
	return l
}

// Allow reports whether a request to the webhook may start now and takes a
// token if so.
func (m *RateLimiterManager) Allow(webhookID string) bool {
	return m.limiter(webhookID).Allow()
}

// Tracked returns the number of webhooks holding a bucket.
func (m *RateLimiterManager) Tracked() int {
	return m.limiters.Len()
}
