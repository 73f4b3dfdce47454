// Package interlock turns wavemeter readings into a four-valued lock status
// per channel and aggregates the channels subscribed to a context. The
// Evaluator is safe for concurrent use: pollers update it from their own
// goroutines while the AutoLoader reads context status.
package interlock

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iontrap-lab/backend/internal/clock"
	"github.com/iontrap-lab/backend/internal/models"
	"go.uber.org/zap"
)

// StaleAfter is the age beyond which a server reading counts as missing.
const StaleAfter = 20 * time.Second

// Listener is called with the new aggregate status of a context.
type Listener func(context string, status models.LockStatus)

type subscription struct {
	context string
	fn      Listener
}

// Evaluator tracks the observed state of every configured channel.
type Evaluator struct {
	log   *zap.Logger
	clock clock.Clock

	// deliver is held from computing a change until its listeners return, so
	// notifications arrive in the order the statuses changed. Listeners must
	// not feed the evaluator.
	deliver sync.Mutex

	mu       sync.Mutex
	channels map[string]*models.ChannelStatus
	order    []string
	subs     map[uuid.UUID]subscription
	last     map[string]models.LockStatus
}

// NewEvaluator creates an evaluator with no channels.
func NewEvaluator(logger *zap.Logger, clk clock.Clock) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		log:      logger.Named("interlock"),
		clock:    clk,
		channels: make(map[string]*models.ChannelStatus),
		subs:     make(map[uuid.UUID]subscription),
		last:     make(map[string]models.LockStatus),
	}
}

// SetChannels replaces the channel table. Channels that keep their
// wavemeter/channel key also keep their observed state; new channels start
// as NoData until the first reading arrives.
func (e *Evaluator) SetChannels(channels []models.InterlockChannel) {
	e.deliver.Lock()
	defer e.deliver.Unlock()
	e.mu.Lock()
	next := make(map[string]*models.ChannelStatus, len(channels))
	order := make([]string, 0, len(channels))
	for _, ch := range channels {
		key := ch.Key()
		if _, dup := next[key]; dup {
			e.log.Warn("duplicate interlock channel ignored", zap.String("channel", key))
			continue
		}
		st := &models.ChannelStatus{InterlockChannel: ch, LockStatus: models.NoData}
		if old, ok := e.channels[key]; ok {
			st.CurrentFreq = old.CurrentFreq
			st.Timestamp = old.Timestamp
			st.UnlockedCount = old.UnlockedCount
			st.LockStatus = old.LockStatus
		}
		next[key] = st
		order = append(order, key)
	}
	e.channels = next
	e.order = order
	notify := e.changedLocked()
	e.mu.Unlock()

	e.log.Info("interlock channels configured", zap.Int("channels", len(order)))
	notify()
}

// Update feeds one reading for a wavemeter channel. Readings for channels
// that are not configured are ignored and reported as false.
func (e *Evaluator) Update(wavemeter string, channel int, r models.ChannelReading) bool {
	e.deliver.Lock()
	defer e.deliver.Unlock()
	e.mu.Lock()
	st, ok := e.channels[models.InterlockChannel{Wavemeter: wavemeter, Channel: channel}.Key()]
	if !ok {
		e.mu.Unlock()
		return false
	}
	prev := st.LockStatus
	e.evaluate(st, r)
	if st.LockStatus != prev {
		e.log.Debug("channel status changed",
			zap.String("channel", st.Key()),
			zap.Stringer("from", prev),
			zap.Stringer("to", st.LockStatus),
			zap.Float64("freq", st.CurrentFreq))
	}
	notify := e.changedLocked()
	e.mu.Unlock()

	notify()
	return true
}

func (e *Evaluator) evaluate(st *models.ChannelStatus, r models.ChannelReading) {
	st.CurrentFreq = r.Freq
	st.Timestamp = r.ServerTime

	switch {
	case e.clock.Now().Sub(r.ServerTime) > StaleAfter || !r.ServerActive:
		st.LockStatus = models.NoData
	case st.UseServerInterlock && r.ServerRangeActive:
		if r.ServerInRange {
			st.LockStatus = models.Locked
		} else {
			st.LockStatus = models.Unlocked
		}
	default:
		outOfBand := (st.Min != nil && r.Freq < *st.Min) || (st.Max != nil && r.Freq > *st.Max)
		if outOfBand {
			st.UnlockedCount++
		} else {
			st.UnlockedCount = 0
		}
		switch st.UnlockedCount {
		case 0:
			st.LockStatus = models.Locked
		case 1:
			st.LockStatus = models.Transient
		default:
			st.LockStatus = models.Unlocked
		}
	}
}

// Refresh marks channels whose last reading has gone stale as NoData. Pollers
// call it after a failed fetch so that a dead server cannot leave a channel
// looking locked.
func (e *Evaluator) Refresh() {
	e.deliver.Lock()
	defer e.deliver.Unlock()
	e.mu.Lock()
	now := e.clock.Now()
	for _, key := range e.order {
		st := e.channels[key]
		if st.LockStatus != models.NoData && now.Sub(st.Timestamp) > StaleAfter {
			st.LockStatus = models.NoData
		}
	}
	notify := e.changedLocked()
	e.mu.Unlock()
	notify()
}

// ContextStatus returns the minimum status over enabled channels subscribed
// to context, or Locked when there are none.
func (e *Evaluator) ContextStatus(context string) models.LockStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.contextStatusLocked(context)
}

func (e *Evaluator) contextStatusLocked(context string) models.LockStatus {
	status := models.Locked
	for _, key := range e.order {
		st := e.channels[key]
		if st.Enabled && st.InContext(context) {
			status = models.MinStatus(status, st.LockStatus)
		}
	}
	return status
}

// Channels returns a snapshot of all channels in configuration order.
func (e *Evaluator) Channels() []models.ChannelStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.ChannelStatus, 0, len(e.order))
	for _, key := range e.order {
		st := *e.channels[key]
		st.Contexts = append([]string(nil), st.Contexts...)
		out = append(out, st)
	}
	return out
}

// Contexts returns the sorted names of all contexts any channel subscribes to.
func (e *Evaluator) Contexts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := map[string]struct{}{}
	for _, st := range e.channels {
		for _, c := range st.Contexts {
			seen[c] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for c := range seen {
		names = append(names, c)
	}
	sort.Strings(names)
	return names
}

// Subscribe registers fn for changes of context's aggregate status. fn is
// not called for the current status, only when it changes. The returned
// function removes the subscription.
func (e *Evaluator) Subscribe(context string, fn Listener) (unsubscribe func()) {
	id := uuid.New()
	e.mu.Lock()
	e.subs[id] = subscription{context: context, fn: fn}
	if _, ok := e.last[context]; !ok {
		e.last[context] = e.contextStatusLocked(context)
	}
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// changedLocked recomputes every subscribed context and returns a function
// that delivers the changes. It must run with e.mu held; the returned
// function must run without it.
func (e *Evaluator) changedLocked() func() {
	type change struct {
		fn      Listener
		context string
		status  models.LockStatus
	}
	var changes []change
	for context, prev := range e.last {
		now := e.contextStatusLocked(context)
		if now == prev {
			continue
		}
		e.last[context] = now
		e.log.Info("context status changed",
			zap.String("context", context),
			zap.Stringer("from", prev),
			zap.Stringer("to", now))
		for _, s := range e.subs {
			if s.context == context {
				changes = append(changes, change{fn: s.fn, context: context, status: now})
			}
		}
	}
	return func() {
		for _, c := range changes {
			c.fn(c.context, c.status)
		}
	}
}
