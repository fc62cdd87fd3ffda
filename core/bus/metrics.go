package bus

import "github.com/codewandler/sourcing-go/core/metrics"

// BusMetrics defines the metrics interface for event and command dispatch.
type BusMetrics interface {
	PublishDuration(topic string) metrics.Timer
	HandlerDuration(handler string) metrics.Timer
	HandlerFailed(handler string)
	DuplicateSkipped(handler string)
	SubscriptionsActive(count int)

	CommandDispatchDuration(command string) metrics.Timer
	CommandFailed(command string)
}

type nopBusMetrics struct{}

func (nopBusMetrics) PublishDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopBusMetrics) HandlerDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopBusMetrics) HandlerFailed(string)                 {}
func (nopBusMetrics) DuplicateSkipped(string)              {}
func (nopBusMetrics) SubscriptionsActive(int)              {}

func (nopBusMetrics) CommandDispatchDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopBusMetrics) CommandFailed(string)                         {}

// NopBusMetrics returns a no-op BusMetrics implementation.
func NopBusMetrics() BusMetrics { return nopBusMetrics{} }
