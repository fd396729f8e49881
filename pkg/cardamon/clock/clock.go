package clock

import "time"

// Clock wraps the time functions used when stamping runs, iterations and
// samples so tests can supply deterministic timestamps.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// RealClock implements Clock with actual time.
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

func (RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// MockClock implements Clock for testing. It only moves when told to.
type MockClock struct {
	now time.Time
}

func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (m *MockClock) Now() time.Time {
	return m.now
}

func (m *MockClock) Since(t time.Time) time.Duration {
	return m.now.Sub(t)
}

func (m *MockClock) Set(t time.Time) {
	m.now = t
}

// Advance moves the mock clock forward by d.
func (m *MockClock) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}
