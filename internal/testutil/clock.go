package testutil

import (
	"sync"
	"time"

	"github.com/mescon/autopulse/internal/clock"
)

// MockClock implements clock.Clock with manual time control. AfterFunc
// callbacks fire synchronously from Advance, which keeps retry and flush
// tests deterministic.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*pendingFunc
}

type pendingFunc struct {
	executeAt time.Time
	fn        func()
	stopped   bool
	fired     bool
}

// MockTimer implements clock.Timer for a scheduled callback.
type MockTimer struct {
	clock *MockClock
	p     *pendingFunc
}

var _ clock.Clock = (*MockClock)(nil)

// NewMockClock creates a MockClock starting at the given time.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

// Now returns the mock's current time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// SetNow moves the clock without firing pending callbacks.
func (m *MockClock) SetNow(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// AfterFunc schedules f to run when the clock is advanced past d.
func (m *MockClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &pendingFunc{executeAt: m.now.Add(d), fn: f}
	m.pending = append(m.pending, p)
	return &MockTimer{clock: m, p: p}
}

// Advance moves the clock forward and synchronously fires due callbacks.
// Returns the number fired.
func (m *MockClock) Advance(d time.Duration) int {
	m.mu.Lock()
	m.now = m.now.Add(d)
	var due []*pendingFunc
	for _, p := range m.pending {
		if !p.stopped && !p.fired && !p.executeAt.After(m.now) {
			p.fired = true
			due = append(due, p)
		}
	}
	m.mu.Unlock()

	for _, p := range due {
		p.fn()
	}
	return len(due)
}

// PendingCount returns the number of armed callbacks.
func (m *MockClock) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, p := range m.pending {
		if !p.stopped && !p.fired {
			count++
		}
	}
	return count
}

// Stop implements clock.Timer.
func (t *MockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.p.stopped || t.p.fired {
		return false
	}
	t.p.stopped = true
	return true
}
