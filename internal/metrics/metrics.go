// Package metrics exposes Prometheus instrumentation for the event and
// persistence pipeline. The Metrics value satisfies the narrow sink
// interfaces the bus and the persistence service consume.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sproutlab/sprout/internal/breaker"
)

// Metrics holds every collector and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	eventsPublished  *prometheus.CounterVec
	handlerOutcomes  *prometheus.CounterVec
	eventsDeadLetter prometheus.Counter
	eventsRetried    prometheus.Counter

	flushesTotal    prometheus.Counter
	flushesFailed   prometheus.Counter
	flushProperties prometheus.Counter
	flushDuration   prometheus.Histogram

	breakerState     *prometheus.GaugeVec
	recoveryAttempts *prometheus.CounterVec

	activeErrors prometheus.GaugeFunc
	pendingDepth prometheus.GaugeFunc
}

// New builds the collector set. activeErrors and pendingDepth, when non-nil,
// are sampled on scrape for the active error count and the unflushed property
// write count.
func New(activeErrors, pendingDepth func() float64) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sprout",
		Subsystem: "bus",
		Name:      "events_published_total",
		Help:      "Events published, by kind.",
	}, []string{"kind"})

	m.handlerOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sprout",
		Subsystem: "bus",
		Name:      "handler_outcomes_total",
		Help:      "Handler invocation outcomes.",
	}, []string{"outcome"})

	m.eventsDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sprout",
		Subsystem: "bus",
		Name:      "events_dead_lettered_total",
		Help:      "Events parked in the event store after failed dispatch.",
	})

	m.eventsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sprout",
		Subsystem: "bus",
		Name:      "events_retried_total",
		Help:      "Dead-lettered events republished by the retry loop.",
	})

	m.flushesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sprout",
		Subsystem: "persist",
		Name:      "flushes_total",
		Help:      "Completed persistence flushes.",
	})

	m.flushesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sprout",
		Subsystem: "persist",
		Name:      "flushes_failed_total",
		Help:      "Persistence flushes that rolled back.",
	})

	m.flushProperties = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sprout",
		Subsystem: "persist",
		Name:      "flushed_properties_total",
		Help:      "Property writes committed by flushes.",
	})

	m.flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sprout",
		Subsystem: "persist",
		Name:      "flush_duration_seconds",
		Help:      "Flush transaction duration.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	m.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sprout",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit state per breaker (0 closed, 1 open, 2 half-open).",
	}, []string{"circuit"})

	m.recoveryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sprout",
		Subsystem: "recovery",
		Name:      "attempts_total",
		Help:      "Recovery strategy attempts, by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	m.registry.MustRegister(
		m.eventsPublished, m.handlerOutcomes, m.eventsDeadLetter, m.eventsRetried,
		m.flushesTotal, m.flushesFailed, m.flushProperties, m.flushDuration,
		m.breakerState, m.recoveryAttempts,
	)

	if pendingDepth != nil {
		m.pendingDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "sprout",
			Subsystem: "persist",
			Name:      "pending_properties",
			Help:      "Buffered property writes awaiting flush.",
		}, pendingDepth)
		m.registry.MustRegister(m.pendingDepth)
	}

	if activeErrors != nil {
		m.activeErrors = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "sprout",
			Subsystem: "errmon",
			Name:      "active_errors",
			Help:      "Unresolved device errors.",
		}, activeErrors)
		m.registry.MustRegister(m.activeErrors)
	}

	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// EventPublished implements the bus sink.
func (m *Metrics) EventPublished(kind string) {
	m.eventsPublished.WithLabelValues(kind).Inc()
}

// HandlerOutcome implements the bus sink.
func (m *Metrics) HandlerOutcome(outcome string) {
	m.handlerOutcomes.WithLabelValues(outcome).Inc()
}

// EventDeadLettered implements the bus sink.
func (m *Metrics) EventDeadLettered() {
	m.eventsDeadLetter.Inc()
}

// EventRetried implements the bus sink.
func (m *Metrics) EventRetried() {
	m.eventsRetried.Inc()
}

// FlushCompleted implements the persistence sink.
func (m *Metrics) FlushCompleted(devices, properties int, elapsed time.Duration) {
	m.flushesTotal.Inc()
	m.flushProperties.Add(float64(properties))
	m.flushDuration.Observe(elapsed.Seconds())
}

// FlushFailed implements the persistence sink.
func (m *Metrics) FlushFailed() {
	m.flushesFailed.Inc()
}

// ObserveBreaker records a breaker transition; register it with
// Breaker.OnStateChange.
func (m *Metrics) ObserveBreaker(change breaker.StateChange) {
	m.breakerState.WithLabelValues(change.Name).Set(float64(change.NewState))
}

// RecoveryAttempt implements the recovery orchestrator sink.
func (m *Metrics) RecoveryAttempt(strategy string, success bool) {
	outcome := "failed"
	if success {
		outcome = "succeeded"
	}
	m.recoveryAttempts.WithLabelValues(strategy, outcome).Inc()
}
