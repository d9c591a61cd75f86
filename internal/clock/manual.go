package clock

import (
	"sync"
	"time"
)

// Manual is a hand-advanced Clock for deterministic tests.
type Manual struct {
	mu      sync.Mutex
	current time.Time
	pending []*manualTimer
}

type manualTimer struct {
	due time.Time
	ch  chan time.Time
}

// NewManual returns a Manual clock whose time starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{current: start.UTC()}
}

// Now returns the manual clock's current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// After returns a channel that fires once Advance has moved the clock d or
// further past the current time. Non-positive durations fire immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	if d <= 0 {
		now := m.current
		m.mu.Unlock()
		ch <- now
		return ch
	}
	m.pending = append(m.pending, &manualTimer{due: m.current.Add(d), ch: ch})
	m.mu.Unlock()
	return ch
}

// Sleep blocks until the clock has been advanced by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves the clock forward by d, firing every timer that came due,
// and returns the new current time.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	m.current = m.current.Add(d)
	now := m.current
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return now
	}
	still := m.pending[:0]
	for _, timer := range m.pending {
		if timer.due.After(now) {
			still = append(still, timer)
			continue
		}
		timer.ch <- now
	}
	m.pending = still
	m.mu.Unlock()
	return now
}
