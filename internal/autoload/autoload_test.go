package autoload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iontrap-lab/backend/internal/clock"
	"github.com/iontrap-lab/backend/internal/fsm"
	"github.com/iontrap-lab/backend/internal/interlock"
	"github.com/iontrap-lab/backend/internal/models"
	"github.com/iontrap-lab/backend/internal/observer"
	"github.com/iontrap-lab/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	integration = 100 * time.Millisecond
	tick        = 100 * time.Millisecond
	signal      = 50000.0
	background  = 1000.0
	tooBright   = 200000.0
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// testProfile is a fast loading profile with a counter band on channel 0
// covering every state that watches for an ion.
func testProfile() *models.Profile {
	p := models.DefaultProfile("Yb171")
	p.PreheatTime = time.Second
	p.MaxOvenOnTime = 10 * time.Second
	p.CheckTime = 500 * time.Millisecond
	p.PeriodicCheckTime = 5 * time.Second
	p.PeriodicLoadTime = time.Second
	p.BeyondThresholdTime = 200 * time.Millisecond
	p.DumpTime = 200 * time.Millisecond
	p.AutoReload = true
	p.Counters = []models.CounterBand{{
		Channel: 0,
		States:  []string{Load, PeriodicCheck, Check, BeyondThreshold, Trapped, WaitingForComeback, PostSequenceWait},
		Min:     20000,
		Max:     80000,
	}}
	p.Adjustments = []models.Adjustment{
		models.GlobalAdjustment("OvenCurrent", 4.2, Preheat, Load, PeriodicCheck, Check, BeyondThreshold, Dump),
		models.ShutterAdjustment("Oven", true, Preheat, Load, PeriodicCheck, Check),
		models.ShutterAdjustment("Ionization", true, Load),
		models.VoltageAdjustment("Load", false, Preheat, Load, PeriodicCheck, Check, BeyondThreshold, Dump),
	}
	return p
}

type harness struct {
	t       *testing.T
	a       *AutoLoader
	clk     *clock.Manual
	rig     *testutil.Rig
	hist    *testutil.MockHistory
	counter *testutil.MockCounter
	msgs    <-chan observer.Message
	path    []string
}

type option func(*Config)

func newHarness(t *testing.T, p *models.Profile, opts ...option) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clk:     clock.NewManual(t0),
		rig:     testutil.NewRig(0),
		hist:    testutil.NewMockHistory(),
		counter: &testutil.MockCounter{},
	}
	bus := observer.NewBus(nil)
	_, h.msgs = bus.Subscribe(4096)
	cfg := Config{
		Clock:    h.clk,
		Hardware: h.rig.Hardware(),
		Counter:  h.counter,
		History:  h.hist,
		Bus:      bus,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	a, err := New(nil, cfg, p)
	require.NoError(t, err)
	h.a = a
	h.path = []string{a.Status().State}
	return h
}

func (h *harness) send(typ fsm.EventType) { h.a.Handle(fsm.Event{Type: typ}) }

func (h *harness) data(rate float64) {
	h.a.Handle(fsm.Event{Type: fsm.EventData, Data: models.SampleForRates(integration, rate)})
}

// tick advances the clock in 100 ms steps, delivering a timer event each step.
func (h *harness) tick(d time.Duration) {
	for i := 0; i < int(d/tick); i++ {
		h.clk.Advance(tick)
		h.send(fsm.EventTimer)
	}
}

// dwell delivers a sample and a timer event every 100 ms for d.
func (h *harness) dwell(d time.Duration, rate float64) {
	for i := 0; i < int(d/tick); i++ {
		h.clk.Advance(tick)
		h.data(rate)
		h.send(fsm.EventTimer)
	}
}

func (h *harness) state() string { return h.a.Status().State }

// states returns every state entered so far, starting with Idle.
func (h *harness) states() []string {
	for {
		select {
		case msg := <-h.msgs:
			if c, ok := msg.Payload.(StatusChange); ok && msg.Topic == observer.StatusChanged {
				h.path = append(h.path, c.State)
			}
		default:
			return h.path
		}
	}
}

func (h *harness) toLoad() {
	h.t.Helper()
	h.send(fsm.EventStartButton)
	h.tick(1100 * time.Millisecond)
	require.Equal(h.t, Load, h.state())
}

func TestHappyPathLoad(t *testing.T) {
	h := newHarness(t, testProfile())

	h.send(fsm.EventStartButton)
	h.tick(1100 * time.Millisecond)
	h.data(signal)
	h.dwell(600*time.Millisecond, signal)

	assert.Equal(t, []string{Idle, Preheat, Load, Check, Trapped}, h.states())
	events := h.hist.Events()
	require.Len(t, events, 1)
	assert.InDelta(t, float64(time.Second), float64(events[0].LoadingDuration), float64(200*time.Millisecond))
	assert.Equal(t, "Yb171", events[0].ProfileName)
	assert.True(t, events[0].Valid)

	st := h.a.Status()
	assert.Equal(t, "green", st.Color)
	assert.Zero(t, st.NumFailedAutoload, "reset on entering Trapped")
	assert.True(t, st.Trapping)
}

func TestHistoryFailureDoesNotBlockTrapping(t *testing.T) {
	h := newHarness(t, testProfile())
	h.hist.FailAppend(errors.New("disk full"))

	h.send(fsm.EventStartButton)
	h.tick(1100 * time.Millisecond)
	h.dwell(700*time.Millisecond, signal)

	assert.Equal(t, Trapped, h.state())
	assert.True(t, h.a.Status().Trapping)
	assert.Empty(t, h.hist.Events())
}

func TestRollbackReentryRecordsNothing(t *testing.T) {
	h := newHarness(t, testProfile())
	h.send(fsm.EventIonTrapped)
	require.Equal(t, Trapped, h.state())
	require.Len(t, h.hist.Events(), 1)

	// A failed transition out of Trapped undoes the exit by re-entering.
	back := fsm.Change{Event: fsm.Event{Type: fsm.EventPPStarted}, From: Frozen, To: Trapped, Rollback: true}
	require.NoError(t, h.a.exitTrapped(back))
	require.NoError(t, h.a.enterState(Trapped, h.a.enterTrapped)(back))

	assert.Len(t, h.hist.Events(), 1)
	assert.Zero(t, h.hist.Updates())
	assert.True(t, h.a.Status().Trapping)
}

func TestOverThresholdDump(t *testing.T) {
	h := newHarness(t, testProfile())
	h.toLoad()

	h.data(tooBright)
	assert.Equal(t, BeyondThreshold, h.state())
	h.tick(300 * time.Millisecond)
	assert.Equal(t, Dump, h.state())
	h.tick(300 * time.Millisecond)

	assert.Equal(t, []string{Idle, Preheat, Load, BeyondThreshold, Dump, Load}, h.states())
	assert.Empty(t, h.hist.Events())
}

func TestOvenCooldownOnFailedAttempt(t *testing.T) {
	p := testProfile()
	p.MaxOvenOnTime = time.Second
	p.MaxFailedAutoload = 3
	p.OvenCooldown = 500 * time.Millisecond
	h := newHarness(t, p)
	h.toLoad()
	assert.Equal(t, 1, h.a.Status().NumFailedAutoload)

	h.dwell(1100*time.Millisecond, background)
	assert.Equal(t, OvenCooldown, h.state())
	h.tick(600 * time.Millisecond)

	assert.Equal(t, []string{Idle, Preheat, Load, OvenCooldown, Preheat}, h.states())
	assert.Equal(t, 2, h.a.Status().NumFailedAutoload)
}

func TestOvenLimitWithoutAutoReloadGoesIdle(t *testing.T) {
	p := testProfile()
	p.MaxOvenOnTime = time.Second
	p.AutoReload = false
	h := newHarness(t, p)
	h.toLoad()
	h.dwell(1100*time.Millisecond, background)
	assert.Equal(t, Idle, h.state())
}

func TestFailuresExhaustedEndInAutoReloadFailed(t *testing.T) {
	p := testProfile()
	p.MaxOvenOnTime = time.Second
	p.MaxFailedAutoload = 2
	p.OvenCooldown = 500 * time.Millisecond
	h := newHarness(t, p)
	h.toLoad()

	h.dwell(1100*time.Millisecond, background) // attempt 1 -> cooldown
	h.tick(600 * time.Millisecond)             // -> Preheat, attempt 2
	h.tick(1100 * time.Millisecond)            // -> Load
	h.dwell(1100*time.Millisecond, background) // attempt 2 exhausted

	assert.Equal(t, AutoReloadFailed, h.state())
	assert.Equal(t, "black", h.a.Status().Color)

	// Sticky: timers and data do not leave it.
	h.dwell(5*time.Second, signal)
	assert.Equal(t, AutoReloadFailed, h.state())

	h.send(fsm.EventStartButton)
	assert.Equal(t, Preheat, h.state())
	assert.Equal(t, 1, h.a.Status().NumFailedAutoload, "start resets the failure count")
}

func TestInterlockTripDuringLoad(t *testing.T) {
	lo, hi := 751527.0, 751528.0
	clk := clock.NewManual(t0)
	eval := interlock.NewEvaluator(nil, clk)
	eval.SetChannels([]models.InterlockChannel{{
		Wavemeter: "wm1", Channel: 3, Min: &lo, Max: &hi, Contexts: []string{"load"}, Enabled: true,
	}})
	var seen []models.LockStatus
	eval.Subscribe("load", func(_ string, s models.LockStatus) { seen = append(seen, s) })

	p := testProfile()
	p.UseInterlock = true
	p.InterlockContext = "load"
	h := newHarness(t, p, func(c *Config) {
		c.Clock = clk
		c.Interlock = eval
	})
	h.clk = clk

	reading := func(f float64) models.ChannelReading {
		return models.ChannelReading{Freq: f, ServerTime: clk.Now(), ServerActive: true}
	}
	eval.Update("wm1", 3, reading(751527.5))
	h.a.Step()
	h.toLoad()

	eval.Update("wm1", 3, reading(751530))
	h.a.Step()
	assert.Equal(t, Load, h.state(), "a single outlier is only transient")
	eval.Update("wm1", 3, reading(751530))
	h.a.Step()

	assert.Equal(t, []models.LockStatus{models.Locked, models.Transient, models.Unlocked}, seen)
	assert.Equal(t, []string{Idle, Preheat, Load, Idle}, h.states())
	assert.Equal(t, models.Unlocked, h.a.Status().LockStatus)
}

func TestUnlockIgnoredWithoutUseInterlock(t *testing.T) {
	clk := clock.NewManual(t0)
	eval := interlock.NewEvaluator(nil, clk)
	eval.SetChannels([]models.InterlockChannel{{Wavemeter: "wm1", Channel: 3, UseServerInterlock: true, Contexts: []string{"load"}, Enabled: true}})

	h := newHarness(t, testProfile(), func(c *Config) {
		c.Clock = clk
		c.Interlock = eval
	})
	h.clk = clk
	h.toLoad()
	eval.Update("wm1", 3, models.ChannelReading{ServerTime: clk.Now(), ServerActive: true, ServerRangeActive: true})
	h.a.Step()
	assert.Equal(t, Load, h.state())
	assert.Equal(t, models.Unlocked, h.a.Status().LockStatus)
}

func TestStopPreemptsConfirmation(t *testing.T) {
	p := testProfile()
	p.Adjustments = []models.Adjustment{models.VoltageAdjustment("Load", true, Preheat)}
	h := newHarness(t, p, func(c *Config) {
		slow := testutil.NewRig(time.Hour)
		c.Hardware = slow.Hardware()
	})

	h.send(fsm.EventStartButton)
	require.Equal(t, Preheat, h.state())
	require.False(t, h.a.Status().Confirmed, "shuttle still in flight")

	h.send(fsm.EventPPStarted)
	assert.Equal(t, 1, h.a.machine.DeferredLen())

	h.send(fsm.EventStopButton)
	assert.Equal(t, Idle, h.state())
	assert.Zero(t, h.a.machine.DeferredLen())
}

func TestStopMidShuttleReturnsElectrodes(t *testing.T) {
	p := testProfile()
	p.Adjustments = []models.Adjustment{models.VoltageAdjustment("Load", true, Preheat)}
	slow := testutil.NewRig(50 * time.Millisecond)
	var mu sync.Mutex
	var moves []string
	slow.Voltages.OnPositionChanged(func(node string) {
		mu.Lock()
		moves = append(moves, node)
		mu.Unlock()
	})
	h := newHarness(t, p, func(c *Config) { c.Hardware = slow.Hardware() })

	h.send(fsm.EventStartButton)
	require.Equal(t, Preheat, h.state())
	h.send(fsm.EventStopButton)
	require.Equal(t, Idle, h.state())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(moves) == 2
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"Load", "Experiment"}, moves)
	mu.Unlock()
	assert.Equal(t, "Experiment", slow.Voltages.CurrentPosition())
}

func TestUnconfirmedStateDropsSamplesAndTicks(t *testing.T) {
	p := testProfile()
	p.Adjustments = []models.Adjustment{models.VoltageAdjustment("Load", true, Preheat)}
	h := newHarness(t, p, func(c *Config) {
		c.Hardware = testutil.NewRig(time.Hour).Hardware()
	})
	h.send(fsm.EventStartButton)
	h.dwell(3*time.Second, signal)

	assert.Equal(t, Preheat, h.state())
	assert.Zero(t, h.a.machine.DeferredLen())
}

func TestPulseProgramFreezeAndResume(t *testing.T) {
	h := newHarness(t, testProfile())
	h.send(fsm.EventIonTrapped)
	require.Equal(t, Trapped, h.state())
	trappedAt := h.clk.Now()

	h.clk.Advance(time.Second)
	h.send(fsm.EventPPStarted)
	h.tick(2 * time.Second)
	assert.Equal(t, Frozen, h.state())
	h.send(fsm.EventPPStopped)
	h.data(signal)

	assert.Equal(t, []string{Idle, Trapped, Frozen, PostSequenceWait, Trapped}, h.states())
	events := h.hist.Events()
	require.Len(t, events, 1, "resuming does not record a new ion")
	assert.Equal(t, trappedAt, events[0].TrappingTime)

	h.clk.Advance(time.Second)
	h.send(fsm.EventStopButton)
	last, _ := h.hist.Last()
	assert.Equal(t, 4*time.Second, last.TrappingDuration, "duration accumulates across Frozen")
}

func TestIonReappearedOnEveryTrappedConfirmation(t *testing.T) {
	h := newHarness(t, testProfile())
	h.send(fsm.EventIonTrapped)
	h.data(background) // lost
	require.Equal(t, WaitingForComeback, h.state())
	h.data(signal)
	require.Equal(t, Trapped, h.state())

	n := 0
	for len(h.msgs) > 0 {
		if m := <-h.msgs; m.Topic == observer.IonReappeared {
			n++
		}
	}
	assert.Equal(t, 2, n)
	assert.Len(t, h.hist.Events(), 1)
}

func TestWaitingForComebackTimesOut(t *testing.T) {
	p := testProfile()
	p.WaitForComeback = time.Second
	h := newHarness(t, p)
	h.send(fsm.EventIonTrapped)
	h.data(background)
	h.tick(1100 * time.Millisecond)

	// autoReload with failures left: reload.
	assert.Equal(t, Preheat, h.state())
	assert.False(t, h.a.Status().Trapping)

	p.AutoReload = false
	h2 := newHarness(t, p)
	h2.send(fsm.EventIonTrapped)
	h2.data(background)
	h2.tick(1100 * time.Millisecond)
	assert.Equal(t, Idle, h2.state())
}

func TestStopFromEveryStateReachesIdle(t *testing.T) {
	drivers := map[string]func(h *harness){
		Preheat: func(h *harness) { h.send(fsm.EventStartButton) },
		Load:    func(h *harness) { h.toLoad() },
		PeriodicCheck: func(h *harness) {
			h.toLoad()
			h.tick(5100 * time.Millisecond)
		},
		Check: func(h *harness) {
			h.toLoad()
			h.data(signal)
		},
		Trapped: func(h *harness) { h.send(fsm.EventIonTrapped) },
		Frozen: func(h *harness) {
			h.send(fsm.EventIonTrapped)
			h.send(fsm.EventPPStarted)
		},
		WaitingForComeback: func(h *harness) {
			h.send(fsm.EventIonTrapped)
			h.data(background)
		},
		PostSequenceWait: func(h *harness) {
			h.send(fsm.EventIonTrapped)
			h.send(fsm.EventPPStarted)
			h.send(fsm.EventPPStopped)
		},
		BeyondThreshold: func(h *harness) {
			h.toLoad()
			h.data(tooBright)
		},
		Dump: func(h *harness) {
			h.toLoad()
			h.data(tooBright)
			h.tick(300 * time.Millisecond)
		},
		OvenCooldown: func(h *harness) {
			h.toLoad()
			for i := 0; i < 300 && h.state() != OvenCooldown; i++ {
				h.tick(tick)
			}
		},
		AutoReloadFailed: func(h *harness) {
			h.toLoad()
			for i := 0; i < 50 && h.state() != AutoReloadFailed; i++ {
				h.data(signal)
				h.data(0)
			}
		},
	}
	require.Len(t, drivers, len(States)-1)

	for state, drive := range drivers {
		t.Run(state, func(t *testing.T) {
			h := newHarness(t, testProfile())
			drive(h)
			require.Equal(t, state, h.state())
			require.True(t, h.counter.Enabled())

			h.send(fsm.EventStopButton)
			assert.Equal(t, Idle, h.state())
			assert.False(t, h.counter.Enabled(), "counter sampling off in Idle")
		})
	}
}

func TestLoadCheckCyclesBoundCheckRetries(t *testing.T) {
	p := testProfile()
	p.MaxLoadCheckCycles = 2
	h := newHarness(t, p)
	h.toLoad()
	assert.Equal(t, 1, h.a.Status().LoadCheckCycles)

	h.data(signal) // Check
	h.data(0)      // cycles 1 <= 2: back to Load, cycles 2
	require.Equal(t, Load, h.state())
	assert.Equal(t, 2, h.a.Status().LoadCheckCycles)

	h.data(signal)
	h.data(0) // cycles 2 <= 2: Load, cycles 3
	require.Equal(t, Load, h.state())

	h.data(signal)
	h.data(0) // cycles 3 > 2
	assert.Equal(t, AutoReloadFailed, h.state())

	h.send(fsm.EventStartButton)
	assert.Zero(t, h.a.Status().LoadCheckCycles, "reset on entering Preheat")
}

func TestCheckWithoutBandsFallsBackToLoad(t *testing.T) {
	p := testProfile()
	p.Counters[0].States = []string{Load}
	h := newHarness(t, p)
	h.toLoad()
	h.data(signal)
	require.Equal(t, Check, h.state())

	// No band is active in Check, so any sample counts as under range.
	h.data(signal)
	assert.Equal(t, Load, h.state())
}

func TestPeriodicCheckReturnsToLoad(t *testing.T) {
	p := testProfile()
	p.MaxOvenOnTime = time.Minute
	h := newHarness(t, p)
	h.toLoad()
	h.dwell(5100*time.Millisecond, background)
	require.Equal(t, PeriodicCheck, h.state())
	h.dwell(1100*time.Millisecond, background)
	assert.Equal(t, Load, h.state())

	h.tick(5100 * time.Millisecond)
	h.data(signal)
	assert.Equal(t, Check, h.state())
}

func TestOverridesFollowStates(t *testing.T) {
	h := newHarness(t, testProfile())

	h.send(fsm.EventStartButton)
	v, _ := h.rig.Globals.Global("OvenCurrent")
	assert.Equal(t, 4.2, v)
	assert.Equal(t, uint32(0b001), h.rig.Pulser.Shutter())
	assert.Equal(t, "Load", h.rig.Voltages.CurrentPosition())

	h.tick(1100 * time.Millisecond)
	assert.Equal(t, uint32(0b011), h.rig.Pulser.Shutter())

	h.send(fsm.EventStopButton)
	v, _ = h.rig.Globals.Global("OvenCurrent")
	assert.Zero(t, v)
	assert.Zero(t, h.rig.Pulser.Shutter())
	assert.Equal(t, "Experiment", h.rig.Voltages.CurrentPosition())
}

func TestIonStillTrappedResumesRecentEvent(t *testing.T) {
	p := testProfile()
	p.HistoryLength = time.Hour
	prev := models.LoadingEvent{TrappingTime: t0.Add(-20 * time.Minute), TrappingDuration: 15 * time.Minute, ProfileName: "Yb171", IonCount: 1, Valid: true}
	h := newHarness(t, p)
	h.hist = testutil.NewMockHistory(prev)
	h.a.cfg.History = h.hist

	h.send(fsm.EventIonStillTrapped)
	require.Equal(t, Trapped, h.state())
	assert.Len(t, h.hist.Events(), 1)
	assert.Equal(t, prev.TrappingTime, h.a.Status().TrappingTime)

	h.clk.Advance(time.Minute)
	h.send(fsm.EventStopButton)
	last, _ := h.hist.Last()
	assert.Equal(t, 21*time.Minute, last.TrappingDuration)
}

func TestIonStillTrappedWithStaleHistoryRecordsNewEvent(t *testing.T) {
	p := testProfile()
	p.HistoryLength = time.Minute
	old := models.LoadingEvent{TrappingTime: t0.Add(-3 * time.Hour), TrappingDuration: time.Hour, ProfileName: "Yb171"}
	h := newHarness(t, p)
	h.hist = testutil.NewMockHistory(old)
	h.a.cfg.History = h.hist

	h.send(fsm.EventIonStillTrapped)
	require.Equal(t, Trapped, h.state())
	events := h.hist.Events()
	require.Len(t, events, 2)
	assert.Equal(t, t0, events[1].TrappingTime)
}

func TestIdleKeepsTrappingDurationCurrent(t *testing.T) {
	h := newHarness(t, testProfile())
	h.send(fsm.EventIonTrapped)
	h.send(fsm.EventStopButton)
	before := h.hist.Updates()

	h.tick(3 * time.Second)
	assert.GreaterOrEqual(t, h.hist.Updates()-before, 2)
	last, _ := h.hist.Last()
	assert.Equal(t, 3*time.Second, last.TrappingDuration)
}

func TestShutdownPersistsTrappingDuration(t *testing.T) {
	h := newHarness(t, testProfile())
	h.send(fsm.EventIonTrapped)
	h.clk.Advance(90 * time.Second)

	h.a.Shutdown(context.Background())
	assert.Equal(t, Idle, h.state())
	last, _ := h.hist.Last()
	assert.Equal(t, 90*time.Second, last.TrappingDuration)
	assert.False(t, h.a.Start(), "no events accepted after shutdown")
}

func TestRunLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := testProfile()
	p.PreheatTime = 50 * time.Millisecond
	rig := testutil.NewRig(5 * time.Millisecond)
	hist := testutil.NewMockHistory()
	a, err := New(nil, Config{
		Hardware:     rig.Hardware(),
		History:      hist,
		TickInterval: 5 * time.Millisecond,
	}, p)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.True(t, a.Start())
	assert.Eventually(t, func() bool { return a.Status().State == Load }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return a.Status().Confirmed }, 2*time.Second, 5*time.Millisecond)

	require.True(t, a.PushSample(models.SampleForRates(integration, signal)))
	assert.Eventually(t, func() bool { return a.Status().State == Check }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, Idle, a.Status().State)
	assert.False(t, a.Stop())
}
