// Package metrics holds the Prometheus collectors for the orchestration core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orchestra"

// Metrics groups the counters updated by lock, status and workflow code.
type Metrics struct {
	registry *prometheus.Registry

	lockAcquire     *prometheus.CounterVec
	staleLocks      prometheus.Counter
	cacheLookups    *prometheus.CounterVec
	cacheWrites     *prometheus.CounterVec
	phaseRuns       *prometheus.CounterVec
	callbackPanics  *prometheus.CounterVec
	contextTokens   prometheus.Histogram
}

// New creates collectors registered on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		lockAcquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "acquire_total",
			Help:      "Lock acquisition attempts by result (acquired, contended, error).",
		}, []string{"result"}),
		staleLocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "stale_removed_total",
			Help:      "Stale or dead-owner lock files removed.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "status_cache",
			Name:      "lookups_total",
			Help:      "Project status lookups by outcome (hit, miss, corrupt).",
		}, []string{"outcome"}),
		cacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "status_cache",
			Name:      "writes_total",
			Help:      "Status cache writes by mode (locked, unlocked, direct, failed).",
		}, []string{"mode"}),
		phaseRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "phase_runs_total",
			Help:      "Executed workflow phases by phase and outcome.",
		}, []string{"phase", "outcome"}),
		callbackPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "callback_panics_total",
			Help:      "Recovered observer callback panics by event.",
		}, []string{"event"}),
		contextTokens: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "context",
			Name:      "accumulated_tokens",
			Help:      "Estimated tokens of accumulated story context handed to a phase.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 6000, 8000},
		}),
	}
	m.registry.MustRegister(
		m.lockAcquire, m.staleLocks, m.cacheLookups, m.cacheWrites,
		m.phaseRuns, m.callbackPanics, m.contextTokens,
	)
	return m
}

// Registry exposes the underlying registry (for tests and custom exporters).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) LockAcquire(result string) {
	if m != nil {
		m.lockAcquire.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) StaleLockRemoved() {
	if m != nil {
		m.staleLocks.Inc()
	}
}

func (m *Metrics) CacheLookup(outcome string) {
	if m != nil {
		m.cacheLookups.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) CacheWrite(mode string) {
	if m != nil {
		m.cacheWrites.WithLabelValues(mode).Inc()
	}
}

func (m *Metrics) PhaseRun(phase, outcome string) {
	if m != nil {
		m.phaseRuns.WithLabelValues(phase, outcome).Inc()
	}
}

func (m *Metrics) CallbackPanic(event string) {
	if m != nil {
		m.callbackPanics.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) ContextTokens(n int) {
	if m != nil {
		m.contextTokens.Observe(float64(n))
	}
}
