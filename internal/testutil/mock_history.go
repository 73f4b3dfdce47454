// mock_history.go - In-memory loading history and counter fakes for testing
package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/iontrap-lab/backend/internal/models"
)

// ErrEmpty mirrors history.ErrEmpty for the mock.
var ErrEmpty = errors.New("loading history is empty")

// MockHistory implements autoload.History in memory and records calls.
type MockHistory struct {
	mu        sync.RWMutex
	events    []models.LoadingEvent
	updates   int
	appendErr error
}

// NewMockHistory creates an empty history, optionally pre-filled.
func NewMockHistory(events ...models.LoadingEvent) *MockHistory {
	return &MockHistory{events: append([]models.LoadingEvent(nil), events...)}
}

func (m *MockHistory) Append(_ context.Context, ev models.LoadingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *MockHistory) UpdateLast(_ context.Context, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return ErrEmpty
	}
	m.events[len(m.events)-1].TrappingDuration = d
	m.updates++
	return nil
}

func (m *MockHistory) Last() (models.LoadingEvent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.events) == 0 {
		return models.LoadingEvent{}, false
	}
	return m.events[len(m.events)-1], true
}

// Query returns events in window for profile ("" for all).
func (m *MockHistory) Query(window models.TimeRange, profile string) []models.LoadingEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.LoadingEvent
	for _, ev := range m.events {
		if window.Contains(ev.TrappingTime) && (profile == "" || ev.ProfileName == profile) {
			out = append(out, ev)
		}
	}
	return out
}

// Events returns a copy of all recorded events.
func (m *MockHistory) Events() []models.LoadingEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.LoadingEvent(nil), m.events...)
}

// Updates returns how many times UpdateLast succeeded.
func (m *MockHistory) Updates() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updates
}

// FailAppend makes Append return err (nil to clear).
func (m *MockHistory) FailAppend(err error) {
	m.mu.Lock()
	m.appendErr = err
	m.mu.Unlock()
}

// MockCounter records Enable calls.
type MockCounter struct {
	mu      sync.Mutex
	enabled bool
	toggles int
}

func (c *MockCounter) Enable(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled != on {
		c.toggles++
	}
	c.enabled = on
}

// Enabled reports the last Enable value.
func (c *MockCounter) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}
