package es

import (
	"context"
	"log/slog"
)

type (
	valueOption[T any]  struct{ v T }
	StoreOption         valueOption[EventStore]
	ContextOption       struct{ ctx context.Context }
	MemoryOption        struct{}
	EventRegisterOption struct {
		t    string
		ctor func() any
	}
	UpcasterOption struct {
		t    string
		from int
		fn   UpcastFunc
	}
	LogOption struct {
		l *slog.Logger
	}
	AggregateOption struct {
		aggregates []Aggregate
	}
	MultiOption[T any] struct{ opts []T }
	EnvOpts            MultiOption[EnvOption]
	EnvRepoOpts        MultiOption[RepositoryOption]
)

func WithInMemory() MemoryOption         { return MemoryOption{} }
func WithStore(s EventStore) StoreOption { return StoreOption{v: s} }

func WithEvent[T any]() EventRegisterOption {
	t := getEventTypeOf(new(T))
	return EventRegisterOption{t: t, ctor: func() any { return any(new(T)) }}
}

// WithUpcaster registers a payload transform lifting eventType payloads from
// fromVersion to fromVersion+1. The old schema usually has no Go type
// anymore, so upcasters are keyed by the persisted type name.
func WithUpcaster(eventType string, fromVersion int, fn UpcastFunc) UpcasterOption {
	return UpcasterOption{t: eventType, from: fromVersion, fn: fn}
}

func WithCtx(ctx context.Context) ContextOption     { return ContextOption{ctx: ctx} }
func WithLog(l *slog.Logger) LogOption              { return LogOption{l: l} }
func WithAggregates(a ...Aggregate) AggregateOption { return AggregateOption{aggregates: a} }
func WithEnvOpts(opts ...EnvOption) EnvOpts         { return EnvOpts{opts: opts} }

// WithRepoOpts forwards options to the repository the Env creates.
func WithRepoOpts(opts ...RepositoryOption) EnvRepoOpts { return EnvRepoOpts{opts: opts} }

func (o StoreOption) applyToEnv(e *envOptions) { e.store = o.v }
func (o MemoryOption) applyToEnv(e *envOptions) {
	e.store = NewInMemoryStore()
}
func (o EventRegisterOption) applyToEnv(e *envOptions) {
	e.events = append(e.events, o)
}
func (o UpcasterOption) applyToEnv(e *envOptions) {
	e.upcasters = append(e.upcasters, o)
}
func (o SnapshotterOption) applyToEnv(e *envOptions) {
	e.snapshotter = o.v
}
func (o ContextOption) applyToEnv(e *envOptions) {
	e.ctx = o.ctx
}
func (o LogOption) applyToEnv(e *envOptions) {
	e.log = o.l
}
func (o AggregateOption) applyToEnv(e *envOptions) {
	e.aggregates = append(e.aggregates, o.aggregates...)
}
func (o EnvOpts) applyToEnv(e *envOptions) {
	for _, opt := range o.opts {
		opt.applyToEnv(e)
	}
}
func (o EnvRepoOpts) applyToEnv(e *envOptions) {
	e.repoOpts = append(e.repoOpts, o.opts...)
}
