// Package override turns per-state hardware adjustments into the sequence of
// shutter, global-variable and voltage changes needed when the AutoLoader
// enters a state, and remembers how to undo them on the next transition.
package override

import (
	"sort"

	"github.com/iontrap-lab/backend/internal/models"
)

// Record is a set of hardware values for one target state.
type Record struct {
	Shutters    map[string]bool    `json:"shutters,omitempty"`
	Globals     map[string]float64 `json:"globals,omitempty"`
	VoltageNode string             `json:"voltageNode,omitempty"`
	// Shuttle selects an interpolated move to VoltageNode; false jumps.
	Shuttle bool `json:"shuttle,omitempty"`
}

// NewRecord returns an empty record.
func NewRecord() *Record {
	return &Record{Shutters: map[string]bool{}, Globals: map[string]float64{}}
}

// BuildRecord collects the adjustments that apply to state. Later
// adjustments for the same key win.
func BuildRecord(adjustments []models.Adjustment, state string) *Record {
	r := NewRecord()
	for _, a := range adjustments {
		if !a.AppliesTo(state) {
			continue
		}
		switch a.Kind {
		case models.AdjustShutter:
			r.Shutters[a.Name] = a.Open
		case models.AdjustGlobal:
			r.Globals[a.Name] = a.Value
		case models.AdjustVoltageNode:
			r.VoltageNode = a.Name
			r.Shuttle = a.Shuttle
		}
	}
	return r
}

// Empty reports whether r changes nothing.
func (r *Record) Empty() bool {
	return r == nil || (len(r.Shutters) == 0 && len(r.Globals) == 0 && r.VoltageNode == "")
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := NewRecord()
	if r == nil {
		return c
	}
	for k, v := range r.Shutters {
		c.Shutters[k] = v
	}
	for k, v := range r.Globals {
		c.Globals[k] = v
	}
	c.VoltageNode = r.VoltageNode
	c.Shuttle = r.Shuttle
	return c
}

// SetDefault returns the union of r and other. On key collisions the value
// in r is kept.
func (r *Record) SetDefault(other *Record) *Record {
	out := r.Clone()
	if other == nil {
		return out
	}
	for k, v := range other.Shutters {
		if _, ok := out.Shutters[k]; !ok {
			out.Shutters[k] = v
		}
	}
	for k, v := range other.Globals {
		if _, ok := out.Globals[k]; !ok {
			out.Globals[k] = v
		}
	}
	if out.VoltageNode == "" && other.VoltageNode != "" {
		out.VoltageNode = other.VoltageNode
		out.Shuttle = other.Shuttle
	}
	return out
}

// Overlay replaces the values of keys present in both r and other with
// other's values. Keys only present in other are ignored.
func (r *Record) Overlay(other *Record) {
	if other == nil {
		return
	}
	for k := range r.Shutters {
		if v, ok := other.Shutters[k]; ok {
			r.Shutters[k] = v
		}
	}
	for k := range r.Globals {
		if v, ok := other.Globals[k]; ok {
			r.Globals[k] = v
		}
	}
	if r.VoltageNode != "" && other.VoltageNode != "" {
		r.VoltageNode = other.VoltageNode
		r.Shuttle = other.Shuttle
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
