package hardware

import (
	"fmt"
	"sync"
	"time"
)

// VoltageController simulates the DC electrode controller. One-step jumps
// complete immediately; shuttles complete after ShuttleDelay. Moves never
// overlap.
type VoltageController struct {
	mu           sync.Mutex
	nodes        []string
	position     string
	busy         bool
	queue        []move
	shuttleDelay time.Duration
	listeners    []func(node string)
}

// NewVoltageController creates a controller over nodes positioned at start.
func NewVoltageController(nodes []string, start string, shuttleDelay time.Duration) *VoltageController {
	return &VoltageController{
		nodes:        append([]string(nil), nodes...),
		position:     start,
		shuttleDelay: shuttleDelay,
	}
}

// ShuttlingNodes returns the known node names.
func (v *VoltageController) ShuttlingNodes() []string {
	return append([]string(nil), v.nodes...)
}

// CurrentPosition returns the node the electrodes sit at.
func (v *VoltageController) CurrentPosition() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.position
}

// OnPositionChanged registers fn to be called after each completed move.
func (v *VoltageController) OnPositionChanged(fn func(node string)) {
	v.mu.Lock()
	v.listeners = append(v.listeners, fn)
	v.mu.Unlock()
}

// ShuttleTo moves to node. Moves are serialized: a request while another
// move is in flight is queued and runs after it, in call order.
func (v *VoltageController) ShuttleTo(node string, onestep bool, done func(error)) error {
	v.mu.Lock()
	if !v.known(node) {
		v.mu.Unlock()
		return fmt.Errorf("unknown voltage node %q", node)
	}
	m := move{node: node, onestep: onestep, done: done}
	if v.busy {
		v.queue = append(v.queue, m)
		v.mu.Unlock()
		return nil
	}
	v.busy = true
	v.mu.Unlock()

	v.run(m)
	return nil
}

type move struct {
	node    string
	onestep bool
	done    func(error)
}

func (v *VoltageController) run(m move) {
	if m.onestep || v.shuttleDelay <= 0 {
		v.finish(m)
		return
	}
	time.AfterFunc(v.shuttleDelay, func() { v.finish(m) })
}

func (v *VoltageController) finish(m move) {
	v.mu.Lock()
	v.position = m.node
	listeners := append([]func(string){}, v.listeners...)
	var next *move
	if len(v.queue) > 0 {
		n := v.queue[0]
		v.queue = v.queue[1:]
		next = &n
	} else {
		v.busy = false
	}
	v.mu.Unlock()

	for _, fn := range listeners {
		fn(m.node)
	}
	if m.done != nil {
		m.done(nil)
	}
	if next != nil {
		v.run(*next)
	}
}

func (v *VoltageController) known(node string) bool {
	for _, n := range v.nodes {
		if n == node {
			return true
		}
	}
	return false
}
