// Package metrics provides the orchestrator core's Prometheus collectors;
// pkg/coordinator is the package that records into them. Unlike the teacher's package there
// is no global singleton: callers construct a *Metrics and pass it in.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the orchestrator core emits.
type Metrics struct {
	QueueDepth      *prometheus.GaugeVec
	QueueEnqueued   *prometheus.CounterVec
	QueueDropped    *prometheus.CounterVec

	OperationsTotal    *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec

	ProviderCallsTotal   *prometheus.CounterVec
	ProviderCallDuration *prometheus.HistogramVec
	ProviderCircuitState *prometheus.GaugeVec

	EventBusPublished *prometheus.CounterVec
	EventBusDropped   *prometheus.CounterVec
	EventBusSubscribers prometheus.Gauge

	WorkersActive prometheus.Gauge
	WorkersTotal  prometheus.Gauge
}

// New constructs a Metrics instance registered against registerer. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the default
// global registry.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "coordinator_queue_depth", Help: "Current depth of a named coordinator queue."},
			[]string{"queue"},
		),
		QueueEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "coordinator_queue_enqueued_total", Help: "Total operations enqueued per queue."},
			[]string{"queue"},
		),
		QueueDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "coordinator_queue_dropped_total", Help: "Total operations rejected as queue_full."},
			[]string{"queue"},
		),
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "operations_total", Help: "Total operations processed, by type and outcome."},
			[]string{"op_type", "outcome"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "operation_duration_seconds",
				Help:    "Operation execution duration in seconds.",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"op_type"},
		),
		ProviderCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "provider_calls_total", Help: "Total provider calls, by provider and outcome."},
			[]string{"provider", "outcome"},
		),
		ProviderCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provider_call_duration_seconds",
				Help:    "Provider call duration in seconds.",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider"},
		),
		ProviderCircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "provider_circuit_state", Help: "Circuit breaker state per provider (0=closed,1=half-open,2=open)."},
			[]string{"provider"},
		),
		EventBusPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "eventbus_published_total", Help: "Total events published, by event type."},
			[]string{"event_type"},
		),
		EventBusDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "eventbus_dropped_total", Help: "Total events dropped from a subscriber's buffer."},
			[]string{"event_type"},
		),
		EventBusSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "eventbus_subscribers", Help: "Current number of active event bus subscribers."},
		),
		WorkersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "coordinator_workers_active", Help: "Workers currently executing an operation."},
		),
		WorkersTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "coordinator_workers_total", Help: "Configured worker pool size."},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.QueueDepth, m.QueueEnqueued, m.QueueDropped,
			m.OperationsTotal, m.OperationDuration,
			m.ProviderCallsTotal, m.ProviderCallDuration, m.ProviderCircuitState,
			m.EventBusPublished, m.EventBusDropped, m.EventBusSubscribers,
			m.WorkersActive, m.WorkersTotal,
		)
	}
	return m
}

func (m *Metrics) RecordOperation(opType, outcome string, d time.Duration) {
	m.OperationsTotal.WithLabelValues(opType, outcome).Inc()
	m.OperationDuration.WithLabelValues(opType).Observe(d.Seconds())
}

func (m *Metrics) RecordProviderCall(provider, outcome string, d time.Duration) {
	m.ProviderCallsTotal.WithLabelValues(provider, outcome).Inc()
	m.ProviderCallDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepth(queue string, depth int) {
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (m *Metrics) RecordQueueDrop(queue string) {
	m.QueueDropped.WithLabelValues(queue).Inc()
}
