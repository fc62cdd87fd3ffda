package bus

import (
	"log/slog"
	"time"
)

type (
	valueOption[T any] struct{ v T }

	busOpts struct {
		log       *slog.Logger
		metrics   BusMetrics
		mws       []Middleware
		batchSize int
		dedupSize int
		dedupTTL  time.Duration
	}

	subscribeOpts struct {
		name     string
		priority int
	}

	publishOpts struct {
		batchSize int
	}

	commandBusOpts struct {
		log     *slog.Logger
		metrics BusMetrics
		mws     []CommandMiddleware
	}
)

type (
	BusOption        interface{ applyToBus(*busOpts) }
	SubscribeOption  interface{ applyToSubscribe(*subscribeOpts) }
	PublishOption    interface{ applyToPublish(*publishOpts) }
	CommandBusOption interface{ applyToCommandBus(*commandBusOpts) }
)

type (
	LogOption         valueOption[*slog.Logger]
	MetricsOption     valueOption[BusMetrics]
	MiddlewareOption  struct{ mws []Middleware }
	BatchSizeOption   valueOption[int]
	DedupWindowOption struct {
		size int
		ttl  time.Duration
	}
	PriorityOption          valueOption[int]
	NameOption              valueOption[string]
	CommandMiddlewareOption struct{ mws []CommandMiddleware }
)

func WithLog(l *slog.Logger) LogOption          { return LogOption{v: l} }
func WithMetrics(m BusMetrics) MetricsOption    { return MetricsOption{v: m} }
func WithMiddlewares(mws ...Middleware) MiddlewareOption {
	return MiddlewareOption{mws: mws}
}

// WithBatchSize bounds how many events of a batch are dispatched
// concurrently.
func WithBatchSize(n int) BatchSizeOption { return BatchSizeOption{v: n} }

// WithDedupWindow sizes the delivery dedup window. size <= 0 disables
// deduplication.
func WithDedupWindow(size int, ttl time.Duration) DedupWindowOption {
	return DedupWindowOption{size: size, ttl: ttl}
}

// WithPriority orders handlers for one event: higher priorities run first,
// equal priorities keep registration order.
func WithPriority(p int) PriorityOption { return PriorityOption{v: p} }

// WithName names a subscription. The name keys the dedup window and shows
// up in logs, metrics and handler errors.
func WithName(name string) NameOption { return NameOption{v: name} }

func WithCommandMiddlewares(mws ...CommandMiddleware) CommandMiddlewareOption {
	return CommandMiddlewareOption{mws: mws}
}

func (o LogOption) applyToBus(b *busOpts)     { b.log = o.v }
func (o MetricsOption) applyToBus(b *busOpts) { b.metrics = o.v }
func (o MiddlewareOption) applyToBus(b *busOpts) {
	b.mws = append(b.mws, o.mws...)
}
func (o BatchSizeOption) applyToBus(b *busOpts) { b.batchSize = o.v }
func (o DedupWindowOption) applyToBus(b *busOpts) {
	b.dedupSize = o.size
	b.dedupTTL = o.ttl
}

func (o PriorityOption) applyToSubscribe(s *subscribeOpts) { s.priority = o.v }
func (o NameOption) applyToSubscribe(s *subscribeOpts)     { s.name = o.v }

func (o BatchSizeOption) applyToPublish(p *publishOpts) { p.batchSize = o.v }

func (o LogOption) applyToCommandBus(c *commandBusOpts)     { c.log = o.v }
func (o MetricsOption) applyToCommandBus(c *commandBusOpts) { c.metrics = o.v }
func (o CommandMiddlewareOption) applyToCommandBus(c *commandBusOpts) {
	c.mws = append(c.mws, o.mws...)
}

const (
	defaultBatchSize = 8
	defaultDedupSize = 4096
	defaultDedupTTL  = 10 * time.Minute
)

func newBusOpts(opts ...BusOption) busOpts {
	options := busOpts{
		log:       slog.Default(),
		metrics:   NopBusMetrics(),
		batchSize: defaultBatchSize,
		dedupSize: defaultDedupSize,
		dedupTTL:  defaultDedupTTL,
	}
	for _, opt := range opts {
		opt.applyToBus(&options)
	}
	return options
}

func newSubscribeOpts(opts ...SubscribeOption) subscribeOpts {
	options := subscribeOpts{}
	for _, opt := range opts {
		opt.applyToSubscribe(&options)
	}
	return options
}

func newPublishOpts(batchSize int, opts ...PublishOption) publishOpts {
	options := publishOpts{batchSize: batchSize}
	for _, opt := range opts {
		opt.applyToPublish(&options)
	}
	if options.batchSize <= 0 {
		options.batchSize = 1
	}
	return options
}

func newCommandBusOpts(opts ...CommandBusOption) commandBusOpts {
	options := commandBusOpts{
		log:     slog.Default(),
		metrics: NopBusMetrics(),
	}
	for _, opt := range opts {
		opt.applyToCommandBus(&options)
	}
	return options
}
