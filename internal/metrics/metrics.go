// Package metrics exposes valve's Prometheus collectors on a private
// registry. All recording methods are safe to call on a nil *Metrics, which
// lets components run without instrumentation in tests and CLI commands.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "valve"

// Metrics holds Prometheus metrics for the gate and its background workers.
type Metrics struct {
	decisionsTotal   *prometheus.CounterVec
	decisionDuration *prometheus.HistogramVec
	rateLimitBackend *prometheus.CounterVec
	breakerState     prometheus.Gauge
	usageEvents      *prometheus.CounterVec
	usageQueueDepth  prometheus.Gauge
	alertsTriggered  *prometheus.CounterVec
	alertEvalErrors  prometheus.Counter
	keyLifecycle     *prometheus.CounterVec
	registry         *prometheus.Registry
}

// Decision outcomes, one per error class of the request pipeline.
var outcomes = []string{
	"allowed", "unauthorized", "expired", "revoked",
	"forbidden", "rate_limited", "error",
}

// New creates a Metrics instance with its own registry, including the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Total number of API key authorization decisions by outcome",
		},
		[]string{"outcome"},
	)

	m.decisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "decision_duration_seconds",
			Help:      "Time spent deciding whether to admit a request",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"outcome"},
	)

	m.rateLimitBackend = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "backend_checks_total",
			Help:      "Rate limit checks by backend that answered them",
		},
		[]string{"backend"},
	)

	m.breakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "breaker_state",
			Help:      "Redis circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	m.usageEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "events_total",
			Help:      "Usage events by fate (persisted, dropped, failed)",
		},
		[]string{"result"},
	)

	m.usageQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "queue_depth",
			Help:      "Usage events waiting to be persisted",
		},
	)

	m.alertsTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "triggered_total",
			Help:      "Alert rules triggered by type",
		},
		[]string{"type"},
	)

	m.alertEvalErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "evaluation_errors_total",
			Help:      "Alert rule evaluations that failed",
		},
	)

	m.keyLifecycle = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "lifecycle_events_total",
			Help:      "Key lifecycle events (created, rotated, revoked, finalized, deleted)",
		},
		[]string{"event"},
	)

	m.registry.MustRegister(
		m.decisionsTotal,
		m.decisionDuration,
		m.rateLimitBackend,
		m.breakerState,
		m.usageEvents,
		m.usageQueueDepth,
		m.alertsTriggered,
		m.alertEvalErrors,
		m.keyLifecycle,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.init()
	return m
}

// init pre-creates label combinations so series appear in /metrics output
// before the first event.
func (m *Metrics) init() {
	for _, o := range outcomes {
		m.decisionsTotal.WithLabelValues(o)
	}
	for _, b := range []string{"memory", "redis", "fallback"} {
		m.rateLimitBackend.WithLabelValues(b)
	}
	for _, r := range []string{"persisted", "dropped", "failed"} {
		m.usageEvents.WithLabelValues(r)
	}
	for _, t := range []string{"rate_limit", "error_rate", "usage"} {
		m.alertsTriggered.WithLabelValues(t)
	}
	for _, e := range []string{"created", "rotated", "revoked", "finalized", "deleted"} {
		m.keyLifecycle.WithLabelValues(e)
	}
}

// RecordDecision records the outcome of one gate decision.
func (m *Metrics) RecordDecision(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(outcome).Inc()
	m.decisionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordRateLimitBackend counts which backend answered a rate limit check.
func (m *Metrics) RecordRateLimitBackend(backend string) {
	if m == nil {
		return
	}
	m.rateLimitBackend.WithLabelValues(backend).Inc()
}

// SetBreakerState publishes the redis breaker state.
func (m *Metrics) SetBreakerState(state int) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(state))
}

// RecordUsageEvents adds n events with the given result.
func (m *Metrics) RecordUsageEvents(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.usageEvents.WithLabelValues(result).Add(float64(n))
}

// SetUsageQueueDepth publishes the recorder backlog.
func (m *Metrics) SetUsageQueueDepth(n int) {
	if m == nil {
		return
	}
	m.usageQueueDepth.Set(float64(n))
}

// RecordAlertTriggered counts a fired alert rule.
func (m *Metrics) RecordAlertTriggered(alertType string) {
	if m == nil {
		return
	}
	m.alertsTriggered.WithLabelValues(alertType).Inc()
}

// RecordAlertEvalError counts a failed rule evaluation.
func (m *Metrics) RecordAlertEvalError() {
	if m == nil {
		return
	}
	m.alertEvalErrors.Inc()
}

// RecordKeyEvent counts a key lifecycle event.
func (m *Metrics) RecordKeyEvent(event string) {
	if m == nil {
		return
	}
	m.keyLifecycle.WithLabelValues(event).Inc()
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
