// Package metrics exposes Prometheus instrumentation for identity resolution
// and entitlement reconciliation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "quillboard"

// SyncMetrics groups the collectors used by the session and reconcile
// packages. A nil *SyncMetrics is valid and records nothing.
type SyncMetrics struct {
	bootstrapTotal    *prometheus.CounterVec
	bypassTotal       *prometheus.CounterVec
	reconcileTotal    *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	lateResultsTotal  *prometheus.CounterVec
	pendingAttempts   *prometheus.GaugeVec
}

// NewSyncMetrics creates the collectors and registers them. Collectors that
// are already registered under the same name are reused.
func NewSyncMetrics(registerer prometheus.Registerer, namespace string) *SyncMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &SyncMetrics{
		bootstrapTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "bootstrap_total",
				Help:      "Session bootstraps by resolution path",
			},
			[]string{"path"}, // override, remote, remote_cached_plan, anonymous
		),
		bypassTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "bypass_attempts_total",
				Help:      "Bypass credential checks by result",
			},
			[]string{"result"},
		),
		reconcileTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "attempts_total",
				Help:      "Reconciliation attempts by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		reconcileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "duration_seconds",
				Help:      "Time from local commit to a terminal reconciliation outcome",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 7, 10},
			},
			[]string{"kind"},
		),
		lateResultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "late_results_total",
				Help:      "Remote upserts that completed after their deadline, by result",
			},
			[]string{"kind", "result"},
		),
		pendingAttempts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "pending_attempts",
				Help:      "Reconciliation attempts awaiting a remote result",
			},
			[]string{"kind"},
		),
	}

	m.bootstrapTotal = registerCounterVec(registerer, m.bootstrapTotal)
	m.bypassTotal = registerCounterVec(registerer, m.bypassTotal)
	m.reconcileTotal = registerCounterVec(registerer, m.reconcileTotal)
	m.lateResultsTotal = registerCounterVec(registerer, m.lateResultsTotal)
	m.reconcileDuration = registerHistogramVec(registerer, m.reconcileDuration)
	m.pendingAttempts = registerGaugeVec(registerer, m.pendingAttempts)

	return m
}

func registerCounterVec(registerer prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func registerHistogramVec(registerer prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := registerer.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return h
}

func registerGaugeVec(registerer prometheus.Registerer, g *prometheus.GaugeVec) *prometheus.GaugeVec {
	if err := registerer.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return g
}

func defaultLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}

// RecordBootstrap counts a bootstrap resolved through path.
func (m *SyncMetrics) RecordBootstrap(path string) {
	if m == nil {
		return
	}
	m.bootstrapTotal.WithLabelValues(defaultLabel(path)).Inc()
}

// RecordBypass counts a bypass check; result is "granted" or "denied".
func (m *SyncMetrics) RecordBypass(result string) {
	if m == nil {
		return
	}
	m.bypassTotal.WithLabelValues(defaultLabel(result)).Inc()
}

// AttemptStarted marks an attempt of kind as pending.
func (m *SyncMetrics) AttemptStarted(kind string) {
	if m == nil {
		return
	}
	m.pendingAttempts.WithLabelValues(defaultLabel(kind)).Inc()
}

// AttemptFinished records the terminal outcome of an attempt. wasPending
// must be true when AttemptStarted was called for it.
func (m *SyncMetrics) AttemptFinished(kind, outcome string, elapsed time.Duration, wasPending bool) {
	if m == nil {
		return
	}
	kind = defaultLabel(kind)
	m.reconcileTotal.WithLabelValues(kind, defaultLabel(outcome)).Inc()
	m.reconcileDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	if wasPending {
		m.pendingAttempts.WithLabelValues(kind).Dec()
	}
}

// RecordLateResult counts an upsert that finished after its deadline.
func (m *SyncMetrics) RecordLateResult(kind, result string) {
	if m == nil {
		return
	}
	m.lateResultsTotal.WithLabelValues(defaultLabel(kind), defaultLabel(result)).Inc()
}
