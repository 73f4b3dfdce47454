// Package clock provides the time source used by the control loop.
package clock

import (
	"sync"
	"time"
)

// Clock returns UTC instants. Successive calls within one process never go
// backwards, so differences between them are safe to use as dwell times.
type Clock interface {
	Now() time.Time
}

// Real reads the process monotonic clock and projects it onto the UTC wall
// time captured at construction.
type Real struct {
	start time.Time // carries the monotonic reading
	wall  time.Time // UTC, monotonic reading stripped
}

// NewReal creates a Real clock anchored at the current instant.
func NewReal() *Real {
	now := time.Now()
	return &Real{start: now, wall: now.UTC()}
}

// Now returns the current UTC instant.
func (r *Real) Now() time.Time {
	return r.wall.Add(time.Since(r.start))
}

// Manual is a Clock that only moves when told to. Safe for concurrent use.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a Manual clock set to start (converted to UTC).
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the clock's current instant.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d. Negative values are ignored.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now = m.now.Add(d)
	}
	return m.now
}

// Set jumps the clock to t if t is not before the current instant.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.After(m.now) {
		m.now = t.UTC()
	}
}
