package override

import (
	"fmt"
	"sync"

	"github.com/iontrap-lab/backend/internal/models"
	"go.uber.org/zap"
)

// Pulser owns the shutter bit mask.
type Pulser interface {
	SetShutterBit(channel int, value bool) error
	Shutter() uint32
}

// Globals is the shared global-variable dictionary.
type Globals interface {
	Global(name string) (float64, bool)
	SetGlobal(name string, value float64) error
}

// ShutterNames maps shutter names to pulser channels.
type ShutterNames interface {
	ChannelOf(name string) (int, bool)
}

// VoltageController moves the trap electrodes between named nodes. done is
// called once the move has finished, possibly before ShuttleTo returns.
type VoltageController interface {
	CurrentPosition() string
	ShuttleTo(node string, onestep bool, done func(error)) error
}

// Hardware bundles the collaborators the engine drives.
type Hardware struct {
	Pulser   Pulser
	Globals  Globals
	Shutters ShutterNames
	Voltages VoltageController
}

// ErrorHook observes hardware failures by kind ("shutter", "global",
// "voltage").
type ErrorHook func(kind string, err error)

// Engine applies per-state overrides and tracks the pending reversion. It is
// driven from the control goroutine only.
type Engine struct {
	log     *zap.Logger
	hw      Hardware
	onError ErrorHook

	overrides map[string]*Record
	revert    *Record

	// Voltage moves finish on the controller's goroutine.
	voltMu  sync.Mutex
	target  string // last commanded node while moves are pending
	pending int
	waiters []func()
}

// NewEngine creates an engine over hw. onError may be nil.
func NewEngine(logger *zap.Logger, hw Hardware, onError ErrorHook) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		log:       logger.Named("override"),
		hw:        hw,
		onError:   onError,
		overrides: map[string]*Record{},
	}
}

// LoadProfile rebuilds the per-state override table from p. The pending
// reversion is kept so that changes made under the previous profile are
// still undone.
func (e *Engine) LoadProfile(p *models.Profile) {
	table := map[string]*Record{}
	if p != nil {
		for _, a := range p.Adjustments {
			for _, st := range a.States {
				if _, done := table[st]; !done {
					table[st] = BuildRecord(p.Adjustments, st)
				}
			}
		}
	}
	e.overrides = table
}

// Override returns the override declared for state. The result must not be
// modified.
func (e *Engine) Override(state string) *Record {
	if r, ok := e.overrides[state]; ok {
		return r
	}
	return NewRecord()
}

// PendingRevert returns a copy of the values that will be restored when the
// current state is left.
func (e *Engine) PendingRevert() *Record {
	return e.revert.Clone()
}

// Enter reconfigures the hardware for state: it applies the state's
// override, undoes any change of the previous state that this state does not
// replace, and records how to revert. reached is called exactly once when
// the hardware has settled, which may be before Enter returns. The effective
// record that was applied is returned.
func (e *Engine) Enter(state string, reached func()) *Record {
	ov := e.Override(state)
	next := e.snapshot(ov)
	prev := e.revert
	next.Overlay(prev)
	effective := ov.SetDefault(prev)
	e.revert = next

	e.log.Debug("entering state",
		zap.String("state", state),
		zap.Int("shutters", len(effective.Shutters)),
		zap.Int("globals", len(effective.Globals)),
		zap.String("voltageNode", effective.VoltageNode))
	e.apply(effective, reached)
	return effective
}

// RevertAll restores every value changed since the engine started and clears
// the pending reversion.
func (e *Engine) RevertAll(reached func()) {
	prev := e.revert
	e.revert = nil
	e.apply(prev.Clone(), reached)
}

// snapshot reads the current runtime value of every key mentioned by r.
func (e *Engine) snapshot(r *Record) *Record {
	snap := NewRecord()
	if len(r.Shutters) > 0 && e.hw.Pulser != nil && e.hw.Shutters != nil {
		mask := e.hw.Pulser.Shutter()
		for _, name := range sortedKeys(r.Shutters) {
			ch, ok := e.hw.Shutters.ChannelOf(name)
			if !ok {
				e.log.Warn("unknown shutter, not tracked for revert", zap.String("shutter", name))
				continue
			}
			snap.Shutters[name] = mask&(1<<uint(ch)) != 0
		}
	}
	if len(r.Globals) > 0 && e.hw.Globals != nil {
		for _, name := range sortedKeys(r.Globals) {
			v, ok := e.hw.Globals.Global(name)
			if !ok {
				e.log.Warn("unknown global, not tracked for revert", zap.String("global", name))
				continue
			}
			snap.Globals[name] = v
		}
	}
	if r.VoltageNode != "" && e.hw.Voltages != nil {
		if pos := e.voltagePosition(); pos != "" {
			snap.VoltageNode = pos
			snap.Shuttle = r.Shuttle
		}
	}
	return snap
}

func (e *Engine) apply(r *Record, reached func()) {
	var once sync.Once
	done := func() {
		if reached != nil {
			once.Do(reached)
		}
	}

	e.applyShutters(r.Shutters)
	e.applyGlobals(r.Globals)

	if r.VoltageNode == "" || e.hw.Voltages == nil {
		done()
		return
	}
	e.applyVoltage(r.VoltageNode, r.Shuttle, done)
}

// voltagePosition is where the electrodes are headed: the target of the last
// pending move, or the controller's position when idle.
func (e *Engine) voltagePosition() string {
	e.voltMu.Lock()
	defer e.voltMu.Unlock()
	if e.pending > 0 {
		return e.target
	}
	return e.hw.Voltages.CurrentPosition()
}

// applyVoltage moves to node unless the electrodes are already there or on
// their way. done runs once every pending move has finished.
func (e *Engine) applyVoltage(node string, shuttle bool, done func()) {
	e.voltMu.Lock()
	if e.pending > 0 && e.target == node {
		e.waiters = append(e.waiters, done)
		e.voltMu.Unlock()
		return
	}
	if e.pending == 0 && e.hw.Voltages.CurrentPosition() == node {
		e.voltMu.Unlock()
		done()
		return
	}
	e.target = node
	e.pending++
	e.waiters = append(e.waiters, done)
	e.voltMu.Unlock()

	err := e.hw.Voltages.ShuttleTo(node, !shuttle, func(err error) {
		if err != nil {
			e.fail("voltage", fmt.Errorf("moving to %s: %w", node, err))
		}
		e.moveFinished()
	})
	if err != nil {
		e.fail("voltage", fmt.Errorf("moving to %s: %w", node, err))
		e.moveFinished()
	}
}

func (e *Engine) moveFinished() {
	e.voltMu.Lock()
	e.pending--
	if e.pending > 0 {
		e.voltMu.Unlock()
		return
	}
	waiters := e.waiters
	e.waiters = nil
	e.target = ""
	e.voltMu.Unlock()

	for _, fn := range waiters {
		fn()
	}
}

func (e *Engine) applyShutters(shutters map[string]bool) {
	if len(shutters) == 0 || e.hw.Pulser == nil || e.hw.Shutters == nil {
		return
	}
	var mask, values uint32
	for _, name := range sortedKeys(shutters) {
		ch, ok := e.hw.Shutters.ChannelOf(name)
		if !ok {
			e.fail("shutter", fmt.Errorf("unknown shutter %q", name))
			continue
		}
		bit := uint32(1) << uint(ch)
		mask |= bit
		if shutters[name] {
			values |= bit
		}
	}
	for ch := 0; ch < 32; ch++ {
		bit := uint32(1) << uint(ch)
		if mask&bit == 0 {
			continue
		}
		if err := e.hw.Pulser.SetShutterBit(ch, values&bit != 0); err != nil {
			e.fail("shutter", fmt.Errorf("setting shutter channel %d: %w", ch, err))
		}
	}
}

func (e *Engine) applyGlobals(globals map[string]float64) {
	if len(globals) == 0 || e.hw.Globals == nil {
		return
	}
	for _, name := range sortedKeys(globals) {
		// Unknown globals could never be restored, so they are not written.
		if _, ok := e.hw.Globals.Global(name); !ok {
			e.fail("global", fmt.Errorf("unknown global %q", name))
			continue
		}
		if err := e.hw.Globals.SetGlobal(name, globals[name]); err != nil {
			e.fail("global", fmt.Errorf("setting global %s: %w", name, err))
		}
	}
}

func (e *Engine) fail(kind string, err error) {
	e.log.Warn("hardware update failed", zap.String("kind", kind), zap.Error(err))
	if e.onError != nil {
		e.onError(kind, err)
	}
}
