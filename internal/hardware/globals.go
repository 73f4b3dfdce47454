package hardware

import (
	"fmt"
	"sync"
)

// GlobalStore is the shared dictionary of global variables.
type GlobalStore struct {
	mu       sync.RWMutex
	values   map[string]float64
	failures map[string]error
}

// NewGlobalStore creates a store holding a copy of initial.
func NewGlobalStore(initial map[string]float64) *GlobalStore {
	g := &GlobalStore{values: make(map[string]float64, len(initial)), failures: make(map[string]error)}
	for k, v := range initial {
		g.values[k] = v
	}
	return g
}

// Global returns the value of name.
func (g *GlobalStore) Global(name string) (float64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.values[name]
	return v, ok
}

// SetGlobal assigns value to name. Unknown names are refused.
func (g *GlobalStore) SetGlobal(name string, value float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failures[name]; err != nil {
		return err
	}
	if _, ok := g.values[name]; !ok {
		return fmt.Errorf("unknown global %q", name)
	}
	g.values[name] = value
	return nil
}

// FailOn makes assignments to name return err until cleared with nil.
func (g *GlobalStore) FailOn(name string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.failures, name)
		return
	}
	g.failures[name] = err
}

// Snapshot returns a copy of all values.
func (g *GlobalStore) Snapshot() map[string]float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]float64, len(g.values))
	for k, v := range g.values {
		out[k] = v
	}
	return out
}
