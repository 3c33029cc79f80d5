// Package clock abstracts time so schedulers can be tested without sleeping.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

func (RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// MockClock fires every After immediately and remembers the requested
// durations, so backoff schedules can be asserted.
type MockClock struct {
	mu      sync.Mutex
	NowTime time.Time
	waits   []time.Duration
}

func NewMock(now time.Time) *MockClock {
	return &MockClock{NowTime: now}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.NowTime
}

func (m *MockClock) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waits = append(m.waits, d)
	ch := make(chan time.Time, 1)
	ch <- m.NowTime.Add(d)
	return ch
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NowTime = m.NowTime.Add(d)
}

// Waits returns the durations passed to After, in call order.
func (m *MockClock) Waits() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.waits...)
}
