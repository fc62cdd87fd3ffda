package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/sourcing-go/core/metrics"
	"github.com/codewandler/sourcing-go/core/saga"
)

// sagaMetrics implements saga.SagaMetrics using Prometheus.
type sagaMetrics struct {
	instancesStarted  *prometheus.CounterVec
	instancesFinished *prometheus.CounterVec
	handleDuration    *prometheus.HistogramVec
	compensations     *prometheus.CounterVec
	conflicts         *prometheus.CounterVec
	retries           *prometheus.CounterVec
}

// NewSagaMetrics creates a new Prometheus implementation of SagaMetrics.
func NewSagaMetrics(reg prometheus.Registerer) saga.SagaMetrics {
	m := &sagaMetrics{
		instancesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcing_saga_instances_started_total",
			Help: "Total number of saga instances started",
		}, []string{"saga_type"}),

		instancesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcing_saga_instances_finished_total",
			Help: "Total number of saga instances reaching a terminal status",
		}, []string{"saga_type", "status"}),

		handleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sourcing_saga_handle_duration_seconds",
			Help:    "Saga event handling time in seconds",
			Buckets: defaultBuckets,
		}, []string{"saga_type"}),

		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcing_saga_compensations_total",
			Help: "Total number of compensations executed",
		}, []string{"saga_type"}),

		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcing_saga_conflicts_total",
			Help: "Total number of saga state version conflicts",
		}, []string{"saga_type"}),

		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcing_saga_retries_total",
			Help: "Total number of saga step retries",
		}, []string{"saga_type"}),
	}

	reg.MustRegister(
		m.instancesStarted,
		m.instancesFinished,
		m.handleDuration,
		m.compensations,
		m.conflicts,
		m.retries,
	)

	return m
}

func (m *sagaMetrics) InstanceStarted(sagaType string) {
	m.instancesStarted.WithLabelValues(sagaType).Inc()
}

func (m *sagaMetrics) InstanceFinished(sagaType, status string) {
	m.instancesFinished.WithLabelValues(sagaType, status).Inc()
}

func (m *sagaMetrics) HandleDuration(sagaType string) metrics.Timer {
	return newTimer(m.handleDuration.WithLabelValues(sagaType))
}

func (m *sagaMetrics) CompensationExecuted(sagaType string) {
	m.compensations.WithLabelValues(sagaType).Inc()
}

func (m *sagaMetrics) Conflict(sagaType string) {
	m.conflicts.WithLabelValues(sagaType).Inc()
}

func (m *sagaMetrics) Retried(sagaType string) {
	m.retries.WithLabelValues(sagaType).Inc()
}

var _ saga.SagaMetrics = (*sagaMetrics)(nil)
