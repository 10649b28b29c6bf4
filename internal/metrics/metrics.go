// Package metrics exposes Prometheus collectors for engine activity: phase
// dispatches, transitions, run durations, cleanup passes, and store size.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is a
// valid no-op receiver, so components never need to guard their calls.
type Metrics struct {
	dispatches     *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	cleanupRuns    *prometheus.CounterVec
	hitlBlocks     *prometheus.CounterVec
	runsActive     prometheus.Gauge
	storeSizeBytes prometheus.Gauge
	tokensUsed     *prometheus.CounterVec
}

// MustNew constructs the collectors and registers them with the given
// registerer. Re-registering identical collectors is tolerated so multiple
// engine instances (tests) can share the default registry; any other
// registration error panics, matching promauto semantics.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	dispatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ashep",
		Subsystem: "worker",
		Name:      "dispatches_total",
		Help:      "Phase dispatches by phase and terminal status.",
	}, []string{"phase", "status"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ashep",
		Subsystem: "policy",
		Name:      "transitions_total",
		Help:      "Policy transitions by type.",
	}, []string{"type"})
	runDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ashep",
		Subsystem: "worker",
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of agent runs per phase.",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
	}, []string{"phase"})
	cleanupRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ashep",
		Subsystem: "retention",
		Name:      "cleanup_runs_total",
		Help:      "Runs processed by cleanup passes, by operation and action.",
	}, []string{"operation", "action"})
	hitlBlocks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ashep",
		Subsystem: "policy",
		Name:      "hitl_blocks_total",
		Help:      "Issues blocked for human attention, by reason code.",
	}, []string{"reason"})
	runsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ashep",
		Subsystem: "worker",
		Name:      "runs_active",
		Help:      "Agent runs currently in flight.",
	})
	storeSizeBytes := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ashep",
		Subsystem: "runlog",
		Name:      "store_size_bytes",
		Help:      "Combined on-disk size of the run log store.",
	})
	tokensUsed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ashep",
		Subsystem: "agent",
		Name:      "tokens_used_total",
		Help:      "Tokens consumed by agent sessions, per phase.",
	}, []string{"phase"})

	m := &Metrics{
		dispatches:     dispatches,
		transitions:    transitions,
		runDuration:    runDuration,
		cleanupRuns:    cleanupRuns,
		hitlBlocks:     hitlBlocks,
		runsActive:     runsActive,
		storeSizeBytes: storeSizeBytes,
		tokensUsed:     tokensUsed,
	}

	collectors := []prometheus.Collector{
		dispatches, transitions, runDuration, cleanupRuns,
		hitlBlocks, runsActive, storeSizeBytes, tokensUsed,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			panic(err)
		}
	}
	return m
}

// RecordDispatch counts one finished dispatch.
func (m *Metrics) RecordDispatch(phase, status string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(phase, status).Inc()
}

// RecordTransition counts one policy verdict.
func (m *Metrics) RecordTransition(transitionType string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(transitionType).Inc()
}

// ObserveRunDuration records a run's wall-clock time.
func (m *Metrics) ObserveRunDuration(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordCleanup counts runs touched by a cleanup pass.
func (m *Metrics) RecordCleanup(operation string, archived, deleted int) {
	if m == nil {
		return
	}
	if archived > 0 {
		m.cleanupRuns.WithLabelValues(operation, "archived").Add(float64(archived))
	}
	if deleted > 0 {
		m.cleanupRuns.WithLabelValues(operation, "deleted").Add(float64(deleted))
	}
}

// RecordHITLBlock counts one soft block.
func (m *Metrics) RecordHITLBlock(reason string) {
	if m == nil {
		return
	}
	m.hitlBlocks.WithLabelValues(reason).Inc()
}

// RunStarted marks a run in flight.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsActive.Inc()
}

// RunFinished marks a run done.
func (m *Metrics) RunFinished() {
	if m == nil {
		return
	}
	m.runsActive.Dec()
}

// SetStoreSize publishes the latest size sample.
func (m *Metrics) SetStoreSize(bytes int64) {
	if m == nil {
		return
	}
	m.storeSizeBytes.Set(float64(bytes))
}

// AddTokens counts tokens consumed by a phase.
func (m *Metrics) AddTokens(phase string, tokens int) {
	if m == nil || tokens <= 0 {
		return
	}
	m.tokensUsed.WithLabelValues(phase).Add(float64(tokens))
}
