package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/sourcing-go/core/bus"
	"github.com/codewandler/sourcing-go/core/metrics"
)

// busMetrics implements bus.BusMetrics using Prometheus.
type busMetrics struct {
	publishDuration     *prometheus.HistogramVec
	handlerDuration     *prometheus.HistogramVec
	handlerFailures     *prometheus.CounterVec
	duplicatesSkipped   *prometheus.CounterVec
	subscriptionsActive prometheus.Gauge

	commandDispatchDuration *prometheus.HistogramVec
	commandFailures         *prometheus.CounterVec
}

// NewBusMetrics creates a new Prometheus implementation of BusMetrics.
func NewBusMetrics(reg prometheus.Registerer) bus.BusMetrics {
	m := &busMetrics{
		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sourcing_bus_publish_duration_seconds",
			Help:    "Event publish latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"topic"}),

		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sourcing_bus_handler_duration_seconds",
			Help:    "Handler execution time in seconds",
			Buckets: defaultBuckets,
		}, []string{"handler"}),

		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcing_bus_handler_failures_total",
			Help: "Total number of handler errors",
		}, []string{"handler"}),

		duplicatesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcing_bus_duplicates_skipped_total",
			Help: "Total number of envelopes skipped by idempotent handlers",
		}, []string{"handler"}),

		subscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sourcing_bus_subscriptions_active",
			Help: "Number of active subscriptions",
		}),

		commandDispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sourcing_bus_command_dispatch_duration_seconds",
			Help:    "Command dispatch latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"command"}),

		commandFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcing_bus_command_failures_total",
			Help: "Total number of failed command dispatches",
		}, []string{"command"}),
	}

	reg.MustRegister(
		m.publishDuration,
		m.handlerDuration,
		m.handlerFailures,
		m.duplicatesSkipped,
		m.subscriptionsActive,
		m.commandDispatchDuration,
		m.commandFailures,
	)

	return m
}

func (m *busMetrics) PublishDuration(topic string) metrics.Timer {
	return newTimer(m.publishDuration.WithLabelValues(topic))
}

func (m *busMetrics) HandlerDuration(handler string) metrics.Timer {
	return newTimer(m.handlerDuration.WithLabelValues(handler))
}

func (m *busMetrics) HandlerFailed(handler string) {
	m.handlerFailures.WithLabelValues(handler).Inc()
}

func (m *busMetrics) DuplicateSkipped(handler string) {
	m.duplicatesSkipped.WithLabelValues(handler).Inc()
}

func (m *busMetrics) SubscriptionsActive(count int) {
	m.subscriptionsActive.Set(float64(count))
}

func (m *busMetrics) CommandDispatchDuration(command string) metrics.Timer {
	return newTimer(m.commandDispatchDuration.WithLabelValues(command))
}

func (m *busMetrics) CommandFailed(command string) {
	m.commandFailures.WithLabelValues(command).Inc()
}

var _ bus.BusMetrics = (*busMetrics)(nil)
