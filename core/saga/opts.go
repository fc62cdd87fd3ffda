package saga

import (
	"log/slog"
)

const (
	defaultMaxRetries = 3

	// sagas react before regular read-side subscribers
	subscribePriority = 100

	// save attempts per event when instances race
	conflictAttempts = 10
)

type managerOpts struct {
	log        *slog.Logger
	metrics    SagaMetrics
	maxRetries int
}

func newManagerOpts(opts ...ManagerOption) managerOpts {
	options := managerOpts{
		log:        slog.Default(),
		metrics:    NopSagaMetrics(),
		maxRetries: defaultMaxRetries,
	}
	for _, o := range opts {
		o.applyToManager(&options)
	}
	return options
}

type ManagerOption interface {
	applyToManager(o *managerOpts)
}

// === log ==

type LogOption struct {
	l *slog.Logger
}

func (o LogOption) applyToManager(opts *managerOpts) { opts.log = o.l }

func WithLog(l *slog.Logger) LogOption { return LogOption{l: l} }

// === metrics ==

type MetricsOption struct {
	m SagaMetrics
}

func (o MetricsOption) applyToManager(opts *managerOpts) { opts.metrics = o.m }

func WithMetrics(m SagaMetrics) MetricsOption { return MetricsOption{m: m} }

// === max retries ==

type MaxRetriesOption struct {
	n int
}

func (o MaxRetriesOption) applyToManager(opts *managerOpts) { opts.maxRetries = o.n }

// WithMaxRetries caps how often a timed-out instance is retried before it
// fails over into compensation.
func WithMaxRetries(n int) MaxRetriesOption { return MaxRetriesOption{n: n} }
