// Package metrics holds the Prometheus instrumentation of the AutoLoader
// service. Collectors register with the default registry on import and are
// served by the API under /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "autoload"

var (
	// transitions counts completed state transitions.
	// Labels: from, to
	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fsm",
		Name:      "transitions_total",
		Help:      "Completed AutoLoader state transitions",
	}, []string{"from", "to"})

	// droppedEvents counts events discarded by the confirmation gate.
	// Labels: event, reason (ignored, overflow, preempted)
	droppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fsm",
		Name:      "dropped_events_total",
		Help:      "Events dropped while the current state was unconfirmed",
	}, []string{"event", "reason"})

	// currentState is 1 for the state the AutoLoader is in and 0 otherwise.
	currentState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "state",
		Help:      "Current AutoLoader state (1 = active)",
	}, []string{"state"})

	// loads counts trapped ions appended to the loading history.
	// Labels: profile
	loads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "loads_total",
		Help:      "Ions trapped, by profile",
	}, []string{"profile"})

	// loadingDuration observes how long a successful load took.
	loadingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "loading_duration_seconds",
		Help:      "Time from oven preheat to ion seen",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	})

	// hardwareErrors counts failed hardware writes.
	// Labels: kind (shutter, global, voltage)
	hardwareErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hardware",
		Name:      "errors_total",
		Help:      "Failed hardware updates by kind",
	}, []string{"kind"})

	// interlockStatus is the lock status per context (0 Unlocked .. 3 Locked).
	interlockStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "interlock",
		Name:      "status",
		Help:      "Aggregate interlock status per context (0=Unlocked, 1=Transient, 2=NoData, 3=Locked)",
	}, []string{"context"})

	// wavemeterFetchErrors counts failed wavemeter polls.
	// Labels: wavemeter
	wavemeterFetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "interlock",
		Name:      "fetch_errors_total",
		Help:      "Failed wavemeter server polls",
	}, []string{"wavemeter"})

	// wavemeterFetchDuration measures wavemeter poll latency.
	// Labels: wavemeter
	wavemeterFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "interlock",
		Name:      "fetch_duration_seconds",
		Help:      "Wavemeter server poll latency",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"wavemeter"})

	// historyDegraded is 1 while the loading history runs in memory only.
	historyDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "history",
		Name:      "degraded",
		Help:      "1 while the loading history database is unavailable",
	})
)

// RecordTransition records a completed transition and updates the state
// gauge.
func RecordTransition(from, to string) {
	transitions.WithLabelValues(from, to).Inc()
	if from != "" {
		currentState.WithLabelValues(from).Set(0)
	}
	currentState.WithLabelValues(to).Set(1)
}

// RecordDroppedEvent records an event discarded by the confirmation gate.
func RecordDroppedEvent(event, reason string) {
	droppedEvents.WithLabelValues(event, reason).Inc()
}

// RecordLoad records a trapped ion and how long loading took.
func RecordLoad(profile string, durationSec float64) {
	loads.WithLabelValues(profile).Inc()
	if durationSec > 0 {
		loadingDuration.Observe(durationSec)
	}
}

// RecordHardwareError records a failed hardware write.
func RecordHardwareError(kind string) {
	hardwareErrors.WithLabelValues(kind).Inc()
}

// SetInterlockStatus publishes the aggregate status of a context.
func SetInterlockStatus(context string, severity int) {
	interlockStatus.WithLabelValues(context).Set(float64(severity))
}

// RecordWavemeterFetch records the outcome of one wavemeter poll.
func RecordWavemeterFetch(wavemeter string, durationSec float64, err error) {
	wavemeterFetchDuration.WithLabelValues(wavemeter).Observe(durationSec)
	if err != nil {
		wavemeterFetchErrors.WithLabelValues(wavemeter).Inc()
	}
}

// SetHistoryDegraded flags whether the loading history is memory-only.
func SetHistoryDegraded(degraded bool) {
	if degraded {
		historyDegraded.Set(1)
		return
	}
	historyDegraded.Set(0)
}
