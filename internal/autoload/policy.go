package autoload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iontrap-lab/backend/internal/fsm"
	"github.com/iontrap-lab/backend/internal/history"
	"github.com/iontrap-lab/backend/internal/metrics"
	"github.com/iontrap-lab/backend/internal/models"
	"github.com/iontrap-lab/backend/internal/observer"
	"go.uber.org/zap"
)

// loadingStates make up the oven-on window bounded by maxOvenOnTime.
var loadingStates = []string{Load, PeriodicCheck, Check, BeyondThreshold, Dump}

// sample extracts the counter sample carried by a data event.
func sample(ev fsm.Event) (models.CounterSample, bool) {
	s, ok := ev.Data.(models.CounterSample)
	return s, ok
}

// inRange holds when every band active in state accepts the sample's rate.
// With no active band it is false.
func inRange(p *models.Profile, state string, s models.CounterSample) bool {
	bands := p.ActiveBands(state)
	if len(bands) == 0 {
		return false
	}
	for _, b := range bands {
		r := s.Rate(b.Channel)
		if r < b.Min || r > b.Max {
			return false
		}
	}
	return true
}

// underRange holds when any active band sees a rate below its minimum. With
// no active band it is true.
func underRange(p *models.Profile, state string, s models.CounterSample) bool {
	bands := p.ActiveBands(state)
	if len(bands) == 0 {
		return true
	}
	for _, b := range bands {
		if s.Rate(b.Channel) < b.Min {
			return true
		}
	}
	return false
}

// overRange holds when any active band sees a rate above its maximum.
func overRange(p *models.Profile, state string, s models.CounterSample) bool {
	for _, b := range p.ActiveBands(state) {
		if s.Rate(b.Channel) > b.Max {
			return true
		}
	}
	return false
}

type counterPredicate func(p *models.Profile, state string, s models.CounterSample) bool

func (a *AutoLoader) counters(pred counterPredicate) fsm.Guard {
	return func(st *fsm.State, ev fsm.Event) bool {
		s, ok := sample(ev)
		return ok && pred(a.profile, st.Name, s)
	}
}

func (a *AutoLoader) notInRange(st *fsm.State, ev fsm.Event) bool {
	s, ok := sample(ev)
	return ok && !inRange(a.profile, st.Name, s)
}

func (a *AutoLoader) ovenLimitReached() bool {
	return !a.loadingSince.IsZero() && a.clock.Now().Sub(a.loadingSince) > a.profile.MaxOvenOnTime
}

func (a *AutoLoader) failuresExhausted() bool {
	return a.numFailedAutoload >= a.profile.MaxFailedAutoload
}

func (a *AutoLoader) wavemeterOutOfLock() bool {
	return a.profile.UseInterlock && a.lockStatus == models.Unlocked
}

// after returns a guard that holds once the current state has lasted longer
// than the profile duration selected by d.
func (a *AutoLoader) after(d func(p *models.Profile) time.Duration) fsm.Guard {
	return func(st *fsm.State, _ fsm.Event) bool {
		return st.TimeInState() > d(a.profile)
	}
}

func (a *AutoLoader) buildMachine() error {
	m := fsm.New(a.log, a.clock,
		fsm.WithIgnoredEvents(fsm.EventData, fsm.EventTimer),
		fsm.WithImmediateEvents(fsm.EventStopButton, fsm.EventOutOfLock),
		fsm.WithTransitionHook(a.onTransition),
		fsm.WithDropHook(func(ev fsm.Event, reason string) {
			metrics.RecordDroppedEvent(string(ev.Type), reason)
		}),
	)
	a.machine = m

	extraEnter := map[string]fsm.Action{
		Preheat: a.enterPreheat,
		Load:    a.enterLoad,
		Check:   a.enterCheck,
		Trapped: a.enterTrapped,
	}
	for _, name := range States {
		st := &fsm.State{
			Name:              name,
			Enter:             a.enterState(name, extraEnter[name]),
			NeedsConfirmation: true,
		}
		if name == Trapped {
			st.Exit = a.exitTrapped
			st.OnConfirmed = func() { a.publish(observer.IonReappeared, a.trappingTime) }
		}
		if err := m.AddState(st); err != nil {
			return err
		}
	}

	active := make([]string, 0, len(States)-1)
	for _, name := range States {
		if name != Idle {
			active = append(active, name)
		}
	}
	if _, err := m.AddStateGroup("active", a.enableCounter(true), a.enableCounter(false), active...); err != nil {
		return err
	}
	if _, err := m.AddStateGroup("loading", func(fsm.Change) error {
		a.loadingSince = a.clock.Now()
		return nil
	}, func(fsm.Change) error {
		a.loadingSince = time.Time{}
		return nil
	}, loadingStates...); err != nil {
		return err
	}

	return a.addTransitions(active)
}

func (a *AutoLoader) addTransitions(active []string) error {
	type row struct {
		event  fsm.EventType
		from   []string
		to     string
		guard  fsm.Guard
		action fsm.Action
	}
	from := func(states ...string) []string { return states }
	all := func(guards ...fsm.Guard) fsm.Guard {
		return func(st *fsm.State, ev fsm.Event) bool {
			for _, g := range guards {
				if !g(st, ev) {
					return false
				}
			}
			return true
		}
	}
	cond := func(f func() bool) fsm.Guard {
		return func(*fsm.State, fsm.Event) bool { return f() }
	}
	not := func(f func() bool) func() bool { return func() bool { return !f() } }
	cyclesLeft := func() bool { return a.loadCheckCycles <= a.profile.MaxLoadCheckCycles }

	waitForComeback := a.after(func(p *models.Profile) time.Duration { return p.WaitForComeback })
	postSequenceWait := a.after(func(p *models.Profile) time.Duration { return p.PostSequenceWait })
	giveUp := func() bool { return !a.profile.AutoReload || a.failuresExhausted() }
	retry := func() bool { return a.profile.AutoReload && !a.failuresExhausted() }

	rows := []row{
		{fsm.EventStartButton, from(Idle, AutoReloadFailed), Preheat, nil, a.resetFailures},
		{fsm.EventTimer, from(Preheat), Load, a.after(func(p *models.Profile) time.Duration { return p.PreheatTime }), nil},
		{fsm.EventTimer, from(Load), AutoReloadFailed, cond(func() bool {
			return a.ovenLimitReached() && a.profile.AutoReload && a.failuresExhausted()
		}), nil},
		{fsm.EventTimer, from(Load), Idle, cond(func() bool {
			return (a.ovenLimitReached() && !a.profile.AutoReload) || a.wavemeterOutOfLock()
		}), nil},
		{fsm.EventTimer, from(Load), OvenCooldown, cond(func() bool {
			return a.ovenLimitReached() && a.profile.AutoReload && !a.failuresExhausted()
		}), nil},
		{fsm.EventTimer, from(OvenCooldown), Preheat, a.after(func(p *models.Profile) time.Duration { return p.OvenCooldown }), nil},
		{fsm.EventTimer, from(Load), PeriodicCheck, a.after(func(p *models.Profile) time.Duration { return p.PeriodicCheckTime }), nil},
		{fsm.EventData, from(Load), Check, a.counters(inRange), nil},
		{fsm.EventData, from(Load), BeyondThreshold, a.counters(overRange), nil},
		{fsm.EventTimer, from(PeriodicCheck), Load, a.after(func(p *models.Profile) time.Duration { return p.PeriodicLoadTime }), nil},
		{fsm.EventData, from(PeriodicCheck), Check, a.counters(inRange), nil},
		{fsm.EventData, from(PeriodicCheck), BeyondThreshold, a.counters(overRange), nil},
		{fsm.EventTimer, from(Check), Trapped, a.after(func(p *models.Profile) time.Duration { return p.CheckTime }), nil},
		{fsm.EventData, from(Check), Load, all(a.counters(underRange), cond(cyclesLeft)), nil},
		{fsm.EventData, from(Check), AutoReloadFailed, all(a.counters(underRange), cond(not(cyclesLeft))), nil},
		{fsm.EventData, from(Check), BeyondThreshold, a.counters(overRange), nil},
		{fsm.EventData, from(BeyondThreshold), Check, a.counters(inRange), nil},
		{fsm.EventTimer, from(BeyondThreshold), Dump, a.after(func(p *models.Profile) time.Duration { return p.BeyondThresholdTime }), nil},
		{fsm.EventTimer, from(Dump), Load, a.after(func(p *models.Profile) time.Duration { return p.DumpTime }), nil},
		{fsm.EventData, from(Trapped), WaitingForComeback, a.notInRange, nil},
		{fsm.EventTimer, from(WaitingForComeback), Idle, all(waitForComeback, cond(giveUp)), a.ionLost},
		{fsm.EventTimer, from(WaitingForComeback), Preheat, all(waitForComeback, cond(retry)), a.ionLost},
		{fsm.EventData, from(WaitingForComeback), Trapped, a.counters(inRange), nil},
		{fsm.EventPPStopped, from(Frozen), PostSequenceWait, nil, nil},
		{fsm.EventTimer, from(PostSequenceWait), Idle, all(postSequenceWait, cond(giveUp)), a.ionLost},
		{fsm.EventTimer, from(PostSequenceWait), Preheat, all(postSequenceWait, cond(retry)), a.ionLost},
		{fsm.EventData, from(PostSequenceWait), Trapped, a.counters(inRange), nil},
		{fsm.EventPPStarted, from(Preheat, Load, PeriodicCheck, Check, Trapped, BeyondThreshold,
			WaitingForComeback, AutoReloadFailed, PostSequenceWait, Dump, OvenCooldown), Frozen, nil, nil},
		{fsm.EventStopButton, active, Idle, nil, a.stopped},
		{fsm.EventIonTrapped, from(Idle), Trapped, nil, nil},
		{fsm.EventIonStillTrapped, from(Idle), Trapped, nil, nil},
		{fsm.EventOutOfLock, from(Load), Idle, nil, nil},
	}
	for _, r := range rows {
		if err := a.machine.AddTransitionFrom(r.event, r.from, r.to, r.guard, r.action); err != nil {
			return fmt.Errorf("building policy: %w", err)
		}
	}
	return nil
}

// enterState wraps a state's own enter action with the hardware override.
func (a *AutoLoader) enterState(name string, extra fsm.Action) fsm.Action {
	return func(c fsm.Change) error {
		if extra != nil && !c.Rollback {
			if err := extra(c); err != nil {
				return err
			}
		}
		a.engine.Enter(name, a.reached())
		return nil
	}
}

func (a *AutoLoader) enableCounter(on bool) fsm.Action {
	return func(fsm.Change) error {
		if a.cfg.Counter != nil {
			a.cfg.Counter.Enable(on)
		}
		return nil
	}
}

func (a *AutoLoader) resetFailures(fsm.Change) error {
	a.numFailedAutoload = 0
	return nil
}

func (a *AutoLoader) enterPreheat(fsm.Change) error {
	a.numFailedAutoload++
	a.loadCheckCycles = 0
	a.preheatStartedAt = a.clock.Now()
	a.trapping = false
	return nil
}

func (a *AutoLoader) enterLoad(fsm.Change) error {
	a.loadCheckCycles++
	return nil
}

func (a *AutoLoader) enterCheck(c fsm.Change) error {
	if c.From == Load || c.From == PeriodicCheck {
		a.ionSeenAt = a.clock.Now()
	}
	return nil
}

func (a *AutoLoader) enterTrapped(c fsm.Change) error {
	now := a.clock.Now()
	a.numFailedAutoload = 0

	resume := a.trapping && (c.From == WaitingForComeback || c.From == PostSequenceWait)
	if c.Event.Type == fsm.EventIonStillTrapped && a.cfg.History != nil {
		if last, ok := a.cfg.History.Last(); ok && now.Sub(last.End()) <= a.profile.HistoryLength {
			a.trappingTime = last.TrappingTime
			resume = true
		}
	}
	a.trapping = true
	if resume {
		a.log.Info("ion back in trap", zap.Time("trappingTime", a.trappingTime), zap.String("from", c.From))
		return nil
	}

	a.trappingTime = now
	var loading time.Duration
	if c.From == Check && !a.preheatStartedAt.IsZero() && !a.ionSeenAt.IsZero() {
		loading = a.ionSeenAt.Sub(a.preheatStartedAt)
	}
	ev := models.LoadingEvent{
		TrappingTime:    now,
		LoadingDuration: loading,
		ProfileName:     a.profile.Name,
		IonCount:        1,
		Valid:           true,
	}
	a.log.Info("ion trapped",
		zap.String("profile", ev.ProfileName),
		zap.Duration("loadingDuration", loading),
		zap.String("from", c.From))
	metrics.RecordLoad(ev.ProfileName, loading.Seconds())
	if a.cfg.History != nil {
		if err := a.cfg.History.Append(context.Background(), ev); err != nil && !errors.Is(err, history.ErrDuplicate) {
			a.log.Warn("recording loading event failed", zap.Error(err))
		}
	}
	return nil
}

func (a *AutoLoader) exitTrapped(c fsm.Change) error {
	if c.Rollback {
		return nil
	}
	a.saveTrappingDuration(context.Background())
	return nil
}

// ionLost ends the current trapping after the ion failed to reappear.
func (a *AutoLoader) ionLost(c fsm.Change) error {
	if a.trapping {
		a.log.Info("ion lost", zap.String("state", c.From), zap.Time("trappingTime", a.trappingTime))
	}
	a.trapping = false
	return nil
}

func (a *AutoLoader) stopped(c fsm.Change) error {
	if c.From == WaitingForComeback {
		return a.ionLost(c)
	}
	return nil
}

func (a *AutoLoader) onTransition(c fsm.Change) {
	a.log.Info("state changed",
		zap.String("from", c.From),
		zap.String("to", c.To),
		zap.String("event", string(c.Event.Type)))
	metrics.RecordTransition(c.From, c.To)
	a.publish(observer.StatusChanged, StatusChange{
		From:  c.From,
		State: c.To,
		Color: Color(c.To),
		Event: string(c.Event.Type),
	})
}
