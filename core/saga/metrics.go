package saga

import (
	"github.com/codewandler/sourcing-go/core/metrics"
)

// SagaMetrics receives instrumentation from the saga manager.
type SagaMetrics interface {
	InstanceStarted(sagaType string)
	InstanceFinished(sagaType, status string)
	HandleDuration(sagaType string) metrics.Timer
	CompensationExecuted(sagaType string)
	Conflict(sagaType string)
	Retried(sagaType string)
}

type nopSagaMetrics struct{}

var _ SagaMetrics = (*nopSagaMetrics)(nil)

func (nopSagaMetrics) InstanceStarted(string)          {}
func (nopSagaMetrics) InstanceFinished(string, string) {}
func (nopSagaMetrics) HandleDuration(string) metrics.Timer {
	return metrics.NopTimer()
}
func (nopSagaMetrics) CompensationExecuted(string) {}
func (nopSagaMetrics) Conflict(string)             {}
func (nopSagaMetrics) Retried(string)              {}

func NopSagaMetrics() SagaMetrics { return nopSagaMetrics{} }
