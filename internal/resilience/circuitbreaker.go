package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// A breaker trips when the failure ratio over a closed-state interval
// reaches FailureRatio after at least MinRequests calls.
//
//	[Closed] ---(failure ratio reached)---> [Open]
//	[Open] ---(Timeout elapsed)---> [Half-Open]
//	[Half-Open] ---(MaxRequests successes)---> [Closed]
//	[Half-Open] ---(failure)---> [Open]
//
// MaxRequests is the number of trial requests allowed while half-open.
// Interval clears counts while closed; zero never clears.
type CircuitBreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:  5,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  3,
	}
}

type CircuitBreakerState string

const (
	CircuitBreakerStateClosed   CircuitBreakerState = "closed"
	CircuitBreakerStateOpen     CircuitBreakerState = "open"
	CircuitBreakerStateHalfOpen CircuitBreakerState = "half-open"
)

// Float encodes the state for the circuit breaker gauge.
func (s CircuitBreakerState) Float() float64 {
	switch s {
	case CircuitBreakerStateHalfOpen:
		return 1
	case CircuitBreakerStateOpen:
		return 2
	default:
		return 0
	}
}

// CircuitBreakerManager keeps one gobreaker per webhook so a failing
// endpoint never blocks deliveries to healthy ones.
type CircuitBreakerManager struct {
	config   CircuitBreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.RWMutex

	onStateChange func(webhookID string, from, to CircuitBreakerState)
}

func NewCircuitBreakerManager(config CircuitBreakerConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// OnStateChange registers a callback for breaker transitions. Set it before
// the first Execute.
func (m *CircuitBreakerManager) OnStateChange(fn func(webhookID string, from, to CircuitBreakerState)) {
	m.onStateChange = fn
}

func (m *CircuitBreakerManager) breaker(webhookID string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[webhookID]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists = m.breakers[webhookID]; exists {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        webhookID,
		MaxRequests: m.config.MaxRequests,
		Interval:    m.config.Interval,
		Timeout:     m.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < m.config.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= m.config.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if m.onStateChange != nil {
				m.onStateChange(name, toState(from), toState(to))
			}
		},
	})
	m.breakers[webhookID] = cb
	return cb
}

func (m *CircuitBreakerManager) Execute(webhookID string, fn func() error) error {
	_, err := m.breaker(webhookID).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

func (m *CircuitBreakerManager) State(webhookID string) CircuitBreakerState {
	return toState(m.breaker(webhookID).State())
}

// Remove drops the webhook's breaker. Called when a subscription is deleted.
func (m *CircuitBreakerManager) Remove(webhookID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, webhookID)
}

func toState(s gobreaker.State) CircuitBreakerState {
	switch s {
	case gobreaker.StateOpen:
		return CircuitBreakerStateOpen
	case gobreaker.StateHalfOpen:
		return CircuitBreakerStateHalfOpen
	default:
		return CircuitBreakerStateClosed
	}
}
