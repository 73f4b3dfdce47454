// Package fsm implements the event-driven state machine that sequences the
// AutoLoader: named states with enter/exit actions, state groups, guarded
// transitions tried in insertion order, and a confirmation gate that defers
// events while hardware is still settling into the current state.
//
// A Machine is not safe for concurrent use. It is owned by a single control
// goroutine; producers hand events to that goroutine.
package fsm

import (
	"errors"
	"fmt"
	"time"

	"github.com/iontrap-lab/backend/internal/clock"
	"go.uber.org/zap"
)

// MaxDeferredEvents bounds the queue of events held while a state is
// unconfirmed.
const MaxDeferredEvents = 100

var (
	ErrUnknownState   = errors.New("unknown state")
	ErrDuplicateState = errors.New("duplicate state")
	ErrNotInitialized = errors.New("state machine not initialized")
)

// EventType names a kind of event.
type EventType string

const (
	EventTimer           EventType = "timer"
	EventData            EventType = "data"
	EventStartButton     EventType = "startButton"
	EventStopButton      EventType = "stopButton"
	EventPPStarted       EventType = "ppStarted"
	EventPPStopped       EventType = "ppStopped"
	EventOutOfLock       EventType = "outOfLock"
	EventIonTrapped      EventType = "ionTrapped"
	EventIonStillTrapped EventType = "ionStillTrapped"
)

// Event is delivered to the machine. Data carries the event payload, such as
// a counter sample for EventData.
type Event struct {
	Type EventType
	Data any
}

// Change describes the transition an action runs in.
type Change struct {
	Event Event
	From  string
	To    string
	// Rollback is set when the action compensates a failed transition.
	Rollback bool
}

// Action is an enter, exit or transition action. Returning an error aborts
// the transition in progress.
//
// When a later step fails, completed exits are undone by running the
// matching Enter and completed enters by running the matching Exit, with
// Change.Rollback set. Such calls must restore hardware and bookkeeping only
// and skip one-off side effects like recording history or counting attempts.
type Action func(c Change) error

// Guard decides whether a transition may fire for ev in state s.
type Guard func(s *State, ev Event) bool

// State is a node of the machine.
type State struct {
	Name              string
	Enter             Action
	Exit              Action
	NeedsConfirmation bool
	OnConfirmed       func()

	clock     clock.Clock
	enteredAt time.Time
	groups    []*StateGroup
}

// TimeInState returns how long the machine has been in s.
func (s *State) TimeInState() time.Duration {
	if s.clock == nil || s.enteredAt.IsZero() {
		return 0
	}
	return s.clock.Now().Sub(s.enteredAt)
}

// EnteredAt returns when s was last entered.
func (s *State) EnteredAt() time.Time { return s.enteredAt }

// StateGroup shares enter/exit actions between states. The group's Enter
// fires when the machine moves into a member from a non-member, Exit when
// it moves from a member to a non-member.
type StateGroup struct {
	Name  string
	Enter Action
	Exit  Action

	members map[string]struct{}
}

// Contains reports whether state is a member of g.
func (g *StateGroup) Contains(state string) bool {
	_, ok := g.members[state]
	return ok
}

// Transition connects From to To on events of type Event.
type Transition struct {
	Event  EventType
	From   string
	To     string
	Guard  Guard
	Action Action
}

type transitionKey struct {
	event EventType
	from  string
}

// Option configures a Machine.
type Option func(*Machine)

// WithIgnoredEvents sets the event types dropped, rather than deferred, while
// the current state is unconfirmed.
func WithIgnoredEvents(types ...EventType) Option {
	return func(m *Machine) { m.ignored = toSet(types) }
}

// WithImmediateEvents sets the event types processed even while the current
// state is unconfirmed.
func WithImmediateEvents(types ...EventType) Option {
	return func(m *Machine) { m.immediate = toSet(types) }
}

// WithTransitionHook registers fn to run after every completed transition.
func WithTransitionHook(fn func(c Change)) Option {
	return func(m *Machine) { m.onTransition = fn }
}

// WithDropHook registers fn to run for every event dropped by the
// confirmation gate.
func WithDropHook(fn func(ev Event, reason string)) Option {
	return func(m *Machine) { m.onDrop = fn }
}

// Machine is the state machine.
type Machine struct {
	log   *zap.Logger
	clock clock.Clock

	states      map[string]*State
	order       []string
	groups      []*StateGroup
	transitions map[transitionKey][]*Transition

	current        *State
	confirmed      bool
	pendingConfirm func()
	deferred       []Event

	ignored   map[EventType]struct{}
	immediate map[EventType]struct{}

	onTransition func(c Change)
	onDrop       func(ev Event, reason string)
}

// New creates an empty machine. By default data and timer events are dropped
// while unconfirmed and stopButton is processed immediately.
func New(logger *zap.Logger, clk clock.Clock, opts ...Option) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Machine{
		log:         logger.Named("fsm"),
		clock:       clk,
		states:      make(map[string]*State),
		transitions: make(map[transitionKey][]*Transition),
		confirmed:   true,
		ignored:     toSet([]EventType{EventData, EventTimer}),
		immediate:   toSet([]EventType{EventStopButton}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddState registers a state. Names must be unique.
func (m *Machine) AddState(s *State) error {
	if s == nil || s.Name == "" {
		return fmt.Errorf("%w: empty state", ErrUnknownState)
	}
	if _, ok := m.states[s.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateState, s.Name)
	}
	s.clock = m.clock
	m.states[s.Name] = s
	m.order = append(m.order, s.Name)
	return nil
}

// AddStateGroup registers a group over already registered states.
func (m *Machine) AddStateGroup(name string, enter, exit Action, states ...string) (*StateGroup, error) {
	g := &StateGroup{Name: name, Enter: enter, Exit: exit, members: make(map[string]struct{}, len(states))}
	for _, st := range states {
		s, ok := m.states[st]
		if !ok {
			return nil, fmt.Errorf("group %s: %w: %s", name, ErrUnknownState, st)
		}
		if _, dup := g.members[st]; dup {
			continue
		}
		g.members[st] = struct{}{}
		s.groups = append(s.groups, g)
	}
	m.groups = append(m.groups, g)
	return g, nil
}

// AddTransition registers t after all transitions already registered for the
// same event and source state.
func (m *Machine) AddTransition(t Transition) error {
	if _, ok := m.states[t.From]; !ok {
		return fmt.Errorf("transition %s: %w: %s", t.Event, ErrUnknownState, t.From)
	}
	if _, ok := m.states[t.To]; !ok {
		return fmt.Errorf("transition %s: %w: %s", t.Event, ErrUnknownState, t.To)
	}
	key := transitionKey{event: t.Event, from: t.From}
	tr := t
	m.transitions[key] = append(m.transitions[key], &tr)
	return nil
}

// AddTransitionFrom registers the same transition from each of froms.
func (m *Machine) AddTransitionFrom(event EventType, froms []string, to string, guard Guard, action Action) error {
	for _, from := range froms {
		if err := m.AddTransition(Transition{Event: event, From: from, To: to, Guard: guard, Action: action}); err != nil {
			return err
		}
	}
	return nil
}

// Initialize enters the initial state. Its Enter action and the Enter
// actions of its groups run with an empty From.
func (m *Machine) Initialize(name string) error {
	s, ok := m.states[name]
	if !ok {
		return fmt.Errorf("initialize: %w: %s", ErrUnknownState, name)
	}
	change := Change{To: name}
	if s.Enter != nil {
		if err := s.Enter(change); err != nil {
			return fmt.Errorf("initialize %s: %w", name, err)
		}
	}
	for _, g := range s.groups {
		if g.Enter != nil {
			if err := g.Enter(change); err != nil {
				return fmt.Errorf("initialize group %s: %w", g.Name, err)
			}
		}
	}
	s.enteredAt = m.clock.Now()
	m.current = s
	m.confirmed = true
	m.pendingConfirm = nil
	m.deferred = nil
	return nil
}

// Current returns the current state, or nil before Initialize.
func (m *Machine) Current() *State { return m.current }

// CurrentName returns the current state's name.
func (m *Machine) CurrentName() string {
	if m.current == nil {
		return ""
	}
	return m.current.Name
}

// State returns the named state.
func (m *Machine) State(name string) (*State, bool) {
	s, ok := m.states[name]
	return s, ok
}

// StateNames returns all state names in registration order.
func (m *Machine) StateNames() []string {
	return append([]string(nil), m.order...)
}

// Confirmed reports whether the current state has been confirmed reached.
func (m *Machine) Confirmed() bool { return m.confirmed }

// DeferredLen returns the number of events waiting for confirmation.
func (m *Machine) DeferredLen() int { return len(m.deferred) }

// Process handles one event and reports whether a transition fired.
func (m *Machine) Process(ev Event) bool {
	if m.current == nil {
		m.log.Error("event before initialization", zap.String("event", string(ev.Type)))
		return false
	}

	_, immediate := m.immediate[ev.Type]
	if !m.confirmed && !immediate {
		m.gate(ev)
		return false
	}

	t := m.match(ev)
	if t == nil {
		return false
	}
	preempted := !m.confirmed
	if !m.fire(t, ev) {
		return false
	}
	if preempted && len(m.deferred) > 0 {
		m.log.Debug("clearing deferred events after preempting transition",
			zap.String("event", string(ev.Type)), zap.Int("dropped", len(m.deferred)))
		for _, d := range m.deferred {
			m.drop(d, "preempted")
		}
		m.deferred = nil
	}
	return true
}

// ConfirmStateReached marks the current state as reached, runs its
// OnConfirmed callback once and then replays deferred events in arrival
// order. Replay stops early if a replayed event leads into another state that
// awaits confirmation; the remaining events stay queued.
func (m *Machine) ConfirmStateReached() {
	if m.confirmed {
		return
	}
	m.confirmed = true
	if cb := m.pendingConfirm; cb != nil {
		m.pendingConfirm = nil
		cb()
	}
	for m.confirmed && len(m.deferred) > 0 {
		ev := m.deferred[0]
		m.deferred = m.deferred[1:]
		m.Process(ev)
	}
	if len(m.deferred) == 0 {
		m.deferred = nil
	}
}

func (m *Machine) gate(ev Event) {
	if _, ignore := m.ignored[ev.Type]; ignore {
		m.drop(ev, "ignored")
		return
	}
	if len(m.deferred) >= MaxDeferredEvents {
		m.log.Debug("deferred event queue full, dropping event", zap.String("event", string(ev.Type)))
		m.drop(ev, "overflow")
		return
	}
	m.deferred = append(m.deferred, ev)
}

func (m *Machine) drop(ev Event, reason string) {
	if m.onDrop != nil {
		m.onDrop(ev, reason)
	}
}

func (m *Machine) match(ev Event) *Transition {
	for _, t := range m.transitions[transitionKey{event: ev.Type, from: m.current.Name}] {
		if t.Guard == nil || t.Guard(m.current, ev) {
			return t
		}
	}
	return nil
}

// step is one action of a transition together with its compensation.
type step struct {
	name string
	run  Action
	undo Action
}

// fire runs the exit, transition and enter actions of t. If any action
// fails, completed exits are compensated by re-entering and completed enters
// by exiting, in reverse order, and the machine stays where it was.
func (m *Machine) fire(t *Transition, ev Event) bool {
	from := m.current
	to := m.states[t.To]
	change := Change{Event: ev, From: from.Name, To: to.Name}

	var steps []step
	if from.Exit != nil {
		steps = append(steps, step{name: "exit " + from.Name, run: from.Exit, undo: from.Enter})
	}
	for _, g := range from.groups {
		if !g.Contains(to.Name) && g.Exit != nil {
			steps = append(steps, step{name: "exit group " + g.Name, run: g.Exit, undo: g.Enter})
		}
	}
	if t.Action != nil {
		steps = append(steps, step{name: "transition action", run: t.Action})
	}
	if to.Enter != nil {
		steps = append(steps, step{name: "enter " + to.Name, run: to.Enter, undo: to.Exit})
	}
	for _, g := range to.groups {
		if !g.Contains(from.Name) && g.Enter != nil {
			steps = append(steps, step{name: "enter group " + g.Name, run: g.Enter, undo: g.Exit})
		}
	}

	for i, st := range steps {
		if err := st.run(change); err != nil {
			m.log.Error("transition aborted",
				zap.String("from", from.Name),
				zap.String("to", to.Name),
				zap.String("event", string(ev.Type)),
				zap.String("step", st.name),
				zap.Error(err))
			m.rollback(steps[:i], change)
			return false
		}
	}

	now := m.clock.Now()
	to.enteredAt = now
	m.current = to
	if to.NeedsConfirmation {
		m.confirmed = false
		m.pendingConfirm = to.OnConfirmed
	} else {
		m.confirmed = true
		m.pendingConfirm = nil
	}
	if m.onTransition != nil {
		m.onTransition(change)
	}
	return true
}

func (m *Machine) rollback(done []step, change Change) {
	back := Change{Event: change.Event, From: change.To, To: change.From, Rollback: true}
	for i := len(done) - 1; i >= 0; i-- {
		st := done[i]
		if st.undo == nil {
			continue
		}
		if err := st.undo(back); err != nil {
			m.log.Error("compensating action failed", zap.String("step", st.name), zap.Error(err))
		}
	}
}

func toSet(types []EventType) map[EventType]struct{} {
	set := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return set
}
