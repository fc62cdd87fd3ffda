package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Env wires a store, registry, snapshotter and repository together. It is
// the composition root for event sourcing; the bus, sagas and the outbox
// relay are attached on top of it.
type Env struct {
	ctx          context.Context
	id           string
	done         chan struct{}
	shutdownOnce sync.Once
	cancelCtx    context.CancelFunc
	log          *slog.Logger
	store        EventStore
	snapshotter  Snapshotter
	registry     *EventRegistry
	repo         Repository
}

func (e *Env) Repository() Repository   { return e.repo }
func (e *Env) Store() EventStore        { return e.store }
func (e *Env) Snapshotter() Snapshotter { return e.snapshotter }
func (e *Env) Registry() *EventRegistry { return e.registry }
func (e *Env) Context() context.Context { return e.ctx }

func NewEnv(opts ...EnvOption) (e *Env, err error) {
	var (
		id      = gonanoid.Must(6)
		options = newEnvOptions(opts...)
	)

	// ctx
	ctx := options.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	// log
	log := options.log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("env", id))

	e = &Env{
		id:          id,
		log:         log,
		store:       options.store,
		snapshotter: options.snapshotter,
		registry:    NewRegistry(),
		done:        make(chan struct{}),
	}
	e.ctx, e.cancelCtx = context.WithCancel(ctx)

	for _, agg := range options.aggregates {
		agg.Register(e.registry)
		e.log.Debug("registered aggregate", "type", fmt.Sprintf("%T", agg))
	}

	// register events
	RegisterEventFor[AggregateCreatedEvent](e.registry)
	for _, s := range options.events {
		e.registry.Register(s.t, s.ctor)
		e.log.Debug("registered event", "type", s.t)
	}

	// register upcasters
	for _, u := range options.upcasters {
		if err := e.registry.RegisterUpcaster(u.t, u.from, u.fn); err != nil {
			return nil, fmt.Errorf("failed to register upcaster: %w", err)
		}
		e.log.Debug("registered upcaster", "type", u.t, "from", u.from)
	}

	// create repository
	repoOpts := []RepositoryOption{WithSnapshotter(e.snapshotter)}
	if options.metrics != nil {
		repoOpts = append(repoOpts, WithMetrics(options.metrics))
	}
	repoOpts = append(repoOpts, options.repoOpts...)
	e.repo = NewRepository(
		e.log,
		e.store,
		e.registry,
		repoOpts...,
	)

	context.AfterFunc(e.ctx, func() {
		e.log.Info("env shutdown")
		close(e.done)
	})

	return e, nil
}

func (e *Env) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.cancelCtx()
		<-e.done
	})
}

// Append wraps events in envelopes and appends them to the store, expecting
// the stream to be at version expect.
func (e *Env) Append(ctx context.Context, expect Version, aggType string, aggID string, events ...any) error {
	_, err := e.AppendWithResult(ctx, expect, aggType, aggID, events...)
	return err
}

func (e *Env) AppendWithResult(
	ctx context.Context,
	expect Version,
	aggType string,
	aggID string,
	events ...any,
) (*StoreAppendResult, error) {
	return AppendEvents(ctx, e.store, aggType, aggID, expect, events...)
}
