// Package metrics holds the Prometheus collectors of the orchestrator.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "budpipeline"

// Metrics records execution, step, event and trigger activity.
type Metrics struct {
	registry *prometheus.Registry

	executionsStarted  prometheus.Counter
	executionsFinished *prometheus.CounterVec
	stepTransitions    *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	eventsRouted       *prometheus.CounterVec
	triggersFired      *prometheus.CounterVec
	deliveries         *prometheus.CounterVec
	poolActive         prometheus.Gauge
}

// New creates a Metrics instance on its own registry, with the Go and
// process collectors installed.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		executionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Pipeline executions created.",
		}),
		executionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Pipeline executions that reached a terminal status.",
		}, []string{"status"}),
		stepTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_transitions_total",
			Help:      "Step status transitions by action type and target status.",
		}, []string{"action", "status"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_dispatch_duration_seconds",
			Help:      "Time spent in synchronous action dispatch.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 9),
		}, []string{"action"}),
		eventsRouted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_routed_total",
			Help:      "External events routed to awaiting steps by decision.",
		}, []string{"decision"}),
		triggersFired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_fired_total",
			Help:      "Executions spawned by triggers.",
		}, []string{"kind", "result"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_deliveries_total",
			Help:      "Progress callbacks published to subscription topics.",
		}, []string{"result"}),
		poolActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_pool_active",
			Help:      "Synchronous step dispatches currently running.",
		}),
	}
}

// Registry returns the underlying registry.
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

func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.executionsStarted.Inc()
}

func (m *Metrics) ExecutionFinished(status string) {
	if m == nil {
		return
	}
	m.executionsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) StepTransition(action, status string) {
	if m == nil {
		return
	}
	m.stepTransitions.WithLabelValues(action, status).Inc()
}

func (m *Metrics) StepDispatched(action string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(action).Observe(d.Seconds())
}

func (m *Metrics) EventRouted(decision string) {
	if m == nil {
		return
	}
	m.eventsRouted.WithLabelValues(decision).Inc()
}

// TriggerFired counts a trigger firing; kind is "cron" or "event".
func (m *Metrics) TriggerFired(kind string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.triggersFired.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) CallbackDelivered(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.deliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) SetPoolActive(n int64) {
	if m == nil {
		return
	}
	m.poolActive.Set(float64(n))
}
