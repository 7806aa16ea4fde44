package flow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus-compatible metrics for workflow execution
// monitoring in production environments.
//
// Metrics exposed (all namespaced with "stateflow_"):
//
//  1. events_processed_total (counter): events routed through the engine.
//     Labels: workflow_id, status (success/failure/ignored).
//  2. transitions_total (counter): committed state transitions.
//     Labels: workflow_id.
//  3. step_latency_ms (histogram): handler execution duration.
//     Labels: workflow_id, state_id, status.
//  4. timeouts_total (counter): timeout actions fired by the sweeper.
//     Labels: action (transition/event).
//  5. paused_instances (gauge): instances currently paused.
//  6. bus_queue_depth (gauge): events waiting in the bus queue.
//  7. bus_inflight_deliveries (gauge): listener callbacks in flight.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := NewMetrics(registry)
//	engine, err := New(WithMetrics(metrics), ...)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	eventsProcessed *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	stepLatency     *prometheus.HistogramVec
	timeouts        *prometheus.CounterVec

	pausedInstances prometheus.Gauge
	busQueueDepth   prometheus.Gauge
	busInflight     prometheus.Gauge

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics creates and registers all workflow metrics with the given
// registry. Pass nil to use prometheus.DefaultRegisterer; a dedicated
// registry is recommended for isolation.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		enabled:  true,
	}

	m.eventsProcessed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stateflow",
		Name:      "events_processed_total",
		Help:      "Events routed through the engine, by workflow and outcome",
	}, []string{"workflow_id", "status"})

	m.transitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stateflow",
		Name:      "transitions_total",
		Help:      "State transitions committed to the store",
	}, []string{"workflow_id"})

	m.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stateflow",
		Name:      "step_latency_ms",
		Help:      "Handler execution duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"workflow_id", "state_id", "status"})

	m.timeouts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stateflow",
		Name:      "timeouts_total",
		Help:      "Timeout actions fired by the background sweeper",
	}, []string{"action"})

	m.pausedInstances = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "stateflow",
		Name:      "paused_instances",
		Help:      "Instances currently paused and waiting for resume",
	})

	m.busQueueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "stateflow",
		Name:      "bus_queue_depth",
		Help:      "Events waiting in the bus queue",
	})

	m.busInflight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "stateflow",
		Name:      "bus_inflight_deliveries",
		Help:      "Listener callbacks currently in flight",
	})

	return m
}

func (m *Metrics) on() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// RecordEvent counts one processed event with its outcome
// ("success", "failure", "ignored").
func (m *Metrics) RecordEvent(workflowID, status string) {
	if !m.on() {
		return
	}
	m.eventsProcessed.WithLabelValues(workflowID, status).Inc()
}

// RecordTransition counts one committed state transition.
func (m *Metrics) RecordTransition(workflowID string) {
	if !m.on() {
		return
	}
	m.transitions.WithLabelValues(workflowID).Inc()
}

// RecordStepLatency observes a handler execution duration. Use this to
// track P50/P95/P99 latencies per state.
func (m *Metrics) RecordStepLatency(workflowID, stateID string, latency time.Duration, status string) {
	if !m.on() {
		return
	}
	m.stepLatency.WithLabelValues(workflowID, stateID, status).Observe(float64(latency.Milliseconds()))
}

// RecordTimeout counts one timeout action ("transition" or "event").
func (m *Metrics) RecordTimeout(action string) {
	if !m.on() {
		return
	}
	m.timeouts.WithLabelValues(action).Inc()
}

// SetPausedInstances sets the paused-instance gauge, normally from the
// sweeper's pass over the store.
func (m *Metrics) SetPausedInstances(n int) {
	if !m.on() {
		return
	}
	m.pausedInstances.Set(float64(n))
}

// SetBusQueueDepth sets the bus queue gauge.
func (m *Metrics) SetBusQueueDepth(n int) {
	if !m.on() {
		return
	}
	m.busQueueDepth.Set(float64(n))
}

// SetBusInflight sets the in-flight delivery gauge.
func (m *Metrics) SetBusInflight(n int) {
	if !m.on() {
		return
	}
	m.busInflight.Set(float64(n))
}

// Disable temporarily disables metric recording (useful for testing).
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable re-enables metric recording after Disable.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

// Reset zeroes the gauges. Counters and histograms are cumulative and
// stay as they are; this does not unregister anything.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pausedInstances.Set(0)
	m.busQueueDepth.Set(0)
	m.busInflight.Set(0)
}
