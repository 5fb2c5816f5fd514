// Package metrics exposes Prometheus collectors for the agent runtime.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentrt"

// Metrics groups the runtime collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	executions    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	pendingEvents prometheus.Gauge
	armedTimers   prometheus.Gauge
	pushResults   *prometheus.CounterVec
	routed        *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
}

// New registers the collectors on a fresh registry, so several runtimes
// (and tests) can coexist in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "runs_total",
			Help:      "Skill runs by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a single skill run until it completes, pauses or fails.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"trigger"}),
		pendingEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "async",
			Name:      "pending_events",
			Help:      "Async operations awaiting a callback.",
		}),
		armedTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "async",
			Name:      "armed_timers",
			Help:      "Timeout timers currently armed.",
		}),
		pushResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "notifications_total",
			Help:      "Push notification outcomes.",
		}, []string{"result"}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "events_total",
			Help:      "Inbound events by type and whether a task accepted them.",
		}, []string{"event_type", "result"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "queue_depth",
			Help:      "Items waiting in a task's work queue.",
		}, []string{"task_id"}),
	}
	reg.MustRegister(m.executions, m.duration, m.pendingEvents, m.armedTimers, m.pushResults, m.routed, m.queueDepth)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRun records one finished run.
func (m *Metrics) ObserveRun(trigger, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(trigger, outcome).Inc()
	m.duration.WithLabelValues(trigger).Observe(d.Seconds())
}

// AddPending moves the pending event gauge by delta.
func (m *Metrics) AddPending(delta int) {
	if m == nil {
		return
	}
	m.pendingEvents.Add(float64(delta))
}

// SetArmedTimers sets the armed timer gauge.
func (m *Metrics) SetArmedTimers(n int) {
	if m == nil {
		return
	}
	m.armedTimers.Set(float64(n))
}

// IncPush counts a push delivery outcome.
func (m *Metrics) IncPush(result string) {
	if m == nil {
		return
	}
	m.pushResults.WithLabelValues(result).Inc()
}

// IncRouted counts a routed or dropped event.
func (m *Metrics) IncRouted(eventType string, matched bool) {
	if m == nil {
		return
	}
	result := "routed"
	if !matched {
		result = "dropped"
	}
	m.routed.WithLabelValues(eventType, result).Inc()
}

// SetQueueDepth reports a task's queue length.
func (m *Metrics) SetQueueDepth(taskID string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(taskID).Set(float64(n))
}
