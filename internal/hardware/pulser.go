// Package hardware provides in-memory stand-ins for the laboratory
// instruments the AutoLoader drives: the pulser with its shutter mask and
// pulse-program flag, the global-variable store, the shutter name table, the
// voltage controller and the photon counter. The server runs against them
// when no instrument drivers are attached, and the tests use them throughout.
package hardware

import (
	"fmt"
	"sync"
)

// Pulser simulates the FPGA pulser: a 32-bit shutter mask and the
// pulse-program-running flag.
type Pulser struct {
	mu        sync.RWMutex
	shutter   uint32
	ppActive  bool
	failures  map[int]error
	listeners []func(active bool)
}

// NewPulser creates a pulser with all shutters closed.
func NewPulser() *Pulser {
	return &Pulser{failures: make(map[int]error)}
}

// SetShutterBit opens (value=true) or closes a shutter channel.
func (p *Pulser) SetShutterBit(channel int, value bool) error {
	if channel < 0 || channel > 31 {
		return fmt.Errorf("shutter channel %d out of range", channel)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failures[channel]; err != nil {
		return err
	}
	bit := uint32(1) << uint(channel)
	if value {
		p.shutter |= bit
	} else {
		p.shutter &^= bit
	}
	return nil
}

// Shutter returns the current shutter mask.
func (p *Pulser) Shutter() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.shutter
}

// SetShutter replaces the whole mask.
func (p *Pulser) SetShutter(mask uint32) {
	p.mu.Lock()
	p.shutter = mask
	p.mu.Unlock()
}

// FailChannel makes writes to channel return err until cleared with nil.
func (p *Pulser) FailChannel(channel int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, channel)
		return
	}
	p.failures[channel] = err
}

// PPActive reports whether a pulse program is running.
func (p *Pulser) PPActive() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ppActive
}

// SetPPActive starts or stops the simulated pulse program and notifies
// listeners when the flag changes.
func (p *Pulser) SetPPActive(active bool) {
	p.mu.Lock()
	changed := p.ppActive != active
	p.ppActive = active
	listeners := append([]func(bool){}, p.listeners...)
	p.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range listeners {
		fn(active)
	}
}

// OnPPActiveChanged registers fn to be called when the pulse program starts
// or stops.
func (p *Pulser) OnPPActiveChanged(fn func(active bool)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}
