// Package retry holds the backoff policy and the resumer that picks up
// deliveries left unfinished by a previous process.
package retry

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	MaxAttempts     int
}

func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 1 * time.Second,
		MaxInterval:     1 * time.Hour,
		Multiplier:      2.0,
		Jitter:          0.1,
		MaxAttempts:     5,
	}
}

// CalculateDelay returns the wait before attempt+1, i.e. Initial*Multiplier^(attempt-1)
// capped at MaxInterval.
func (p Policy) CalculateDelay(attempt int) time.Duration {
	delay := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt-1))

	if delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}

	if p.Jitter > 0 {
		jitterRange := delay * p.Jitter
		jitterOffset := (rand.Float64()*2 - 1) * jitterRange
		delay += jitterOffset
	}

	return time.Duration(delay)
}

// Limit returns the attempt budget, preferring a non-zero override.
func (p Policy) Limit(override int) int {
	if override > 0 {
		return override
	}
	return p.MaxAttempts
}

// Exhausted reports whether attempt used the last allowed try.
func (p Policy) Exhausted(attempt, override int) bool {
	return attempt >= p.Limit(override)
}

func (p Policy) Validate() error {
	switch {
	case p.InitialInterval <= 0:
		return fmt.Errorf("retry: initial interval must be positive")
	case p.MaxInterval < p.InitialInterval:
		return fmt.Errorf("retry: max interval %v below initial interval %v", p.MaxInterval, p.InitialInterval)
	case p.Multiplier < 1:
		return fmt.Errorf("retry: multiplier must be >= 1")
	case p.Jitter < 0 || p.Jitter >= 1:
		return fmt.Errorf("retry: jitter must be in [0,1)")
	case p.MaxAttempts < 1:
		return fmt.Errorf("retry: max attempts must be >= 1")
	}
	return nil
}
