// Package autoload implements the AutoLoader: the supervisory controller
// that preheats the oven, ionizes, detects and confirms trapped ions, dumps
// surplus ions and reloads after losses.
//
// All state lives on one control goroutine. Producers (counter sampler,
// pulse-program flag, interlock evaluator, API) hand events to it with Post;
// Run owns the loop and the 10 Hz timer. Tests drive the same code
// synchronously with Handle and Step.
package autoload

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/iontrap-lab/backend/internal/clock"
	"github.com/iontrap-lab/backend/internal/fsm"
	"github.com/iontrap-lab/backend/internal/interlock"
	"github.com/iontrap-lab/backend/internal/metrics"
	"github.com/iontrap-lab/backend/internal/models"
	"github.com/iontrap-lab/backend/internal/observer"
	"github.com/iontrap-lab/backend/internal/override"
	"go.uber.org/zap"
)

const (
	// DefaultTickInterval paces timer events.
	DefaultTickInterval = 100 * time.Millisecond
	// DefaultQueueSize is the capacity of the event channel.
	DefaultQueueSize = 256
	// StillTrappedInterval is how often Idle refreshes the trapping duration
	// of an ion that is still believed to be in the trap.
	StillTrappedInterval = time.Second
)

// Internal event types handled by the loop rather than the state machine.
const (
	eventInterlock fsm.EventType = "interlock"
	eventProfile   fsm.EventType = "profile"
)

var errNoProfile = errors.New("autoload: no profile")

// Counter switches photon-count sampling on and off.
type Counter interface {
	Enable(on bool)
}

// Interlock reports per-context lock status.
type Interlock interface {
	ContextStatus(context string) models.LockStatus
	Subscribe(context string, fn interlock.Listener) (unsubscribe func())
}

// History records trapped ions.
type History interface {
	Append(ctx context.Context, ev models.LoadingEvent) error
	UpdateLast(ctx context.Context, trappingDuration time.Duration) error
	Last() (models.LoadingEvent, bool)
}

// Config wires the AutoLoader to its collaborators. Counter, Interlock and
// Bus are optional.
type Config struct {
	Clock        clock.Clock
	Hardware     override.Hardware
	Counter      Counter
	Interlock    Interlock
	History      History
	Bus          *observer.Bus
	TickInterval time.Duration
	QueueSize    int
}

// AutoLoader is the loading controller.
type AutoLoader struct {
	log     *zap.Logger
	clock   clock.Clock
	cfg     Config
	machine *fsm.Machine
	engine  *override.Engine

	events    chan fsm.Event
	confirmCh chan uint64
	done      chan struct{}
	doneOnce  sync.Once

	// Control goroutine state.
	profile           *models.Profile
	gen               uint64
	lockStatus        models.LockStatus
	unsubscribeLock   func()
	numFailedAutoload int
	loadCheckCycles   int
	preheatStartedAt  time.Time
	loadingSince      time.Time
	ionSeenAt         time.Time
	trapping          bool
	trappingTime      time.Time
	lastDurationSave  time.Time

	mu     sync.RWMutex
	status Status
}

// New builds an AutoLoader in Idle running profile p.
func New(logger *zap.Logger, cfg Config, p *models.Profile) (*AutoLoader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if p == nil {
		return nil, errNoProfile
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewReal()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	a := &AutoLoader{
		log:        logger.Named("autoload"),
		clock:      cfg.Clock,
		cfg:        cfg,
		events:     make(chan fsm.Event, cfg.QueueSize),
		confirmCh:  make(chan uint64, 64),
		done:       make(chan struct{}),
		lockStatus: models.Locked,
	}
	a.engine = override.NewEngine(logger, cfg.Hardware, func(kind string, err error) {
		metrics.RecordHardwareError(kind)
	})
	if err := a.buildMachine(); err != nil {
		return nil, err
	}
	a.applyProfile(p)
	if err := a.machine.Initialize(Idle); err != nil {
		return nil, err
	}
	metrics.RecordTransition("", Idle)
	a.snapshot()
	return a, nil
}

// Post queues ev for the control goroutine. It blocks while the queue is
// full and returns false once the loop has stopped.
func (a *AutoLoader) Post(ev fsm.Event) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.events <- ev:
		return true
	case <-a.done:
		return false
	}
}

// Start presses the start button.
func (a *AutoLoader) Start() bool { return a.Post(fsm.Event{Type: fsm.EventStartButton}) }

// Stop presses the stop button.
func (a *AutoLoader) Stop() bool { return a.Post(fsm.Event{Type: fsm.EventStopButton}) }

// IonTrapped declares manually that an ion is in the trap.
func (a *AutoLoader) IonTrapped() bool { return a.Post(fsm.Event{Type: fsm.EventIonTrapped}) }

// IonStillTrapped declares that the ion of the last loading event is still
// in the trap.
func (a *AutoLoader) IonStillTrapped() bool {
	return a.Post(fsm.Event{Type: fsm.EventIonStillTrapped})
}

// PushSample delivers a counter sample.
func (a *AutoLoader) PushSample(s models.CounterSample) bool {
	return a.Post(fsm.Event{Type: fsm.EventData, Data: s})
}

// SetPPActive reports a pulse program starting or stopping.
func (a *AutoLoader) SetPPActive(active bool) bool {
	if active {
		return a.Post(fsm.Event{Type: fsm.EventPPStarted})
	}
	return a.Post(fsm.Event{Type: fsm.EventPPStopped})
}

// SetProfile switches to p. The change takes effect on the control
// goroutine; hardware overrides of the current state stay until the next
// transition.
func (a *AutoLoader) SetProfile(p *models.Profile) bool {
	return a.Post(fsm.Event{Type: eventProfile, Data: p.Clone()})
}

// Status returns the current status.
func (a *AutoLoader) Status() Status {
	a.mu.RLock()
	s := a.status
	a.mu.RUnlock()
	s.TimeInState = a.clock.Now().Sub(s.EnteredAt)
	return s
}

// Run processes events and emits timer ticks until ctx is cancelled, then
// shuts the AutoLoader down.
func (a *AutoLoader) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()
	a.log.Info("control loop started", zap.Duration("tick", a.cfg.TickInterval))

	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			a.Shutdown(sctx)
			cancel()
			a.log.Info("control loop stopped")
			return nil
		case ev := <-a.events:
			a.dispatch(ev)
		case gen := <-a.confirmCh:
			a.confirm(gen)
			a.drainConfirmations()
			a.snapshot()
		case <-ticker.C:
			a.dispatch(fsm.Event{Type: fsm.EventTimer})
		}
	}
}

// Handle processes ev immediately. It must not be called while Run is
// active.
func (a *AutoLoader) Handle(ev fsm.Event) {
	a.dispatch(ev)
}

// Step processes every queued event and returns how many there were. It
// must not be called while Run is active.
func (a *AutoLoader) Step() int {
	n := 0
	for {
		select {
		case ev := <-a.events:
			a.dispatch(ev)
			n++
		default:
			a.drainConfirmations()
			a.snapshot()
			return n
		}
	}
}

// Shutdown stops loading and persists the trapping duration of a trapped
// ion. It runs on the control goroutine: Run calls it on exit, callers
// driving the AutoLoader with Handle call it directly.
func (a *AutoLoader) Shutdown(ctx context.Context) {
	a.doneOnce.Do(func() { close(a.done) })
	a.dispatch(fsm.Event{Type: fsm.EventStopButton})
	if a.trapping {
		a.saveTrappingDuration(ctx)
	}
	if a.unsubscribeLock != nil {
		a.unsubscribeLock()
		a.unsubscribeLock = nil
	}
	a.snapshot()
}

func (a *AutoLoader) dispatch(ev fsm.Event) {
	switch ev.Type {
	case eventInterlock:
		a.handleLockStatus(ev.Data.(models.LockStatus))
	case eventProfile:
		a.applyProfile(ev.Data.(*models.Profile))
	default:
		if ev.Type == fsm.EventTimer && a.machine.CurrentName() == Idle {
			a.refreshStillTrapped()
		}
		a.machine.Process(ev)
	}
	a.drainConfirmations()
	a.snapshot()
}

func (a *AutoLoader) applyProfile(p *models.Profile) {
	if p == nil {
		return
	}
	prev := a.profile
	a.profile = p
	a.engine.LoadProfile(p)

	if a.cfg.Interlock != nil && (prev == nil || prev.InterlockContext != p.InterlockContext) {
		if a.unsubscribeLock != nil {
			a.unsubscribeLock()
		}
		lockCtx := p.InterlockContext
		a.unsubscribeLock = a.cfg.Interlock.Subscribe(lockCtx, func(_ string, s models.LockStatus) {
			a.Post(fsm.Event{Type: eventInterlock, Data: s})
		})
		a.lockStatus = a.cfg.Interlock.ContextStatus(lockCtx)
		metrics.SetInterlockStatus(lockCtx, a.lockStatus.Severity())
	}
	if prev != nil {
		a.log.Info("profile changed", zap.String("profile", p.Name))
	}
	a.publish(observer.ValueChanged, p.Clone())
}

func (a *AutoLoader) handleLockStatus(s models.LockStatus) {
	if s == a.lockStatus {
		return
	}
	a.lockStatus = s
	metrics.SetInterlockStatus(a.profile.InterlockContext, s.Severity())
	a.publish(observer.InterlockStatusChanged, InterlockChange{Context: a.profile.InterlockContext, Status: s})
	if a.profile.UseInterlock && s == models.Unlocked {
		a.log.Warn("wavemeter out of lock", zap.String("context", a.profile.InterlockContext))
		a.machine.Process(fsm.Event{Type: fsm.EventOutOfLock})
	}
}

// reached returns the confirmation callback for the state entered now.
func (a *AutoLoader) reached() func() {
	a.gen++
	gen := a.gen
	return func() {
		select {
		case a.confirmCh <- gen:
		default:
			a.log.Warn("confirmation queue full", zap.Uint64("generation", gen))
		}
	}
}

func (a *AutoLoader) confirm(gen uint64) {
	if gen == a.gen && !a.machine.Confirmed() {
		a.machine.ConfirmStateReached()
	}
}

func (a *AutoLoader) drainConfirmations() {
	for {
		select {
		case gen := <-a.confirmCh:
			a.confirm(gen)
		default:
			return
		}
	}
}

func (a *AutoLoader) refreshStillTrapped() {
	if !a.trapping {
		return
	}
	now := a.clock.Now()
	if now.Sub(a.lastDurationSave) < StillTrappedInterval {
		return
	}
	a.saveTrappingDuration(context.Background())
}

func (a *AutoLoader) saveTrappingDuration(ctx context.Context) {
	if a.cfg.History == nil || a.trappingTime.IsZero() {
		return
	}
	now := a.clock.Now()
	a.lastDurationSave = now
	if err := a.cfg.History.UpdateLast(ctx, now.Sub(a.trappingTime)); err != nil {
		a.log.Warn("updating trapping duration failed", zap.Error(err))
	}
}

func (a *AutoLoader) publish(topic observer.Topic, payload any) {
	if a.cfg.Bus != nil {
		a.cfg.Bus.Publish(topic, payload)
	}
}

func (a *AutoLoader) snapshot() {
	cur := a.machine.Current()
	s := Status{
		Confirmed:         a.machine.Confirmed(),
		NumFailedAutoload: a.numFailedAutoload,
		LoadCheckCycles:   a.loadCheckCycles,
		LockStatus:        a.lockStatus,
		Trapping:          a.trapping,
	}
	if cur != nil {
		s.State = cur.Name
		s.Color = Color(cur.Name)
		s.EnteredAt = cur.EnteredAt()
	}
	if a.profile != nil {
		s.Profile = a.profile.Name
	}
	if a.trapping {
		s.TrappingTime = a.trappingTime
		s.TrappingDuration = a.clock.Now().Sub(a.trappingTime)
	}
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}
