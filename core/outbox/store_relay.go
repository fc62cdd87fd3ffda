package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/sourcing-go/core/bus"
	"github.com/codewandler/sourcing-go/core/es"
)

// StoreRelay bridges an event store onto the bus without an outbox table.
// It follows the store-wide sequence with a durable checkpoint, publishing
// every envelope in order. The push subscription only wakes the sweep;
// progress is driven by ReadAll, so dropped subscription deliveries are
// harmless.
type StoreRelay struct {
	log         *slog.Logger
	store       es.EventStore
	registry    *es.EventRegistry
	bus         *bus.Bus
	checkpoints CheckpointStore

	name         string
	batchSize    int
	pollInterval time.Duration

	// owned by Start and the run goroutine, sequentially
	lastSeq uint64

	closeChan chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func NewStoreRelay(
	store es.EventStore,
	registry *es.EventRegistry,
	b *bus.Bus,
	checkpoints CheckpointStore,
	opts ...RelayOption,
) *StoreRelay {
	options := newRelayOpts(opts...)
	return &StoreRelay{
		log:          options.log.With(slog.String("relay", options.name)),
		store:        store,
		registry:     registry,
		bus:          b,
		checkpoints:  checkpoints,
		name:         options.name,
		batchSize:    options.batchSize,
		pollInterval: options.pollInterval,
		closeChan:    make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start resumes from the checkpoint, sweeps the backlog and then follows the
// store until ctx is done or Stop is called.
func (r *StoreRelay) Start(ctx context.Context) error {
	last, err := r.checkpoints.Get(ctx, r.name)
	if err != nil && !errors.Is(err, ErrCheckpointNotFound) {
		return err
	}
	r.lastSeq = last

	r.log.Info("starting", slog.Uint64("last_seq", last))

	sub, err := r.store.Subscribe(ctx, es.WithDeliverPolicy(es.DeliverNewPolicy))
	if err != nil {
		return err
	}

	// catch up before going live; failures here are retried by the loop
	if err := r.sweep(ctx); err != nil {
		r.log.Error("catchup sweep failed, will retry", slog.Any("error", err))
	}

	go r.run(ctx, sub)
	return nil
}

// Stop ends the relay loop and waits for it to finish. Call only after
// Start.
func (r *StoreRelay) Stop() {
	r.closeOnce.Do(func() {
		close(r.closeChan)
		<-r.done
	})
}

func (r *StoreRelay) run(ctx context.Context, sub es.Subscription) {
	defer func() {
		sub.Cancel()
		r.log.Info("stopped")
		close(r.done)
	}()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.closeChan:
			return
		case <-sub.Chan():
			// the envelope itself is re-read by the sweep, in strict order
			if err := r.sweep(ctx); err != nil {
				r.log.Error("sweep failed", slog.Any("error", err))
			}
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				r.log.Error("sweep failed", slog.Any("error", err))
			}
		}
	}
}

// sweep publishes everything past the checkpoint, batch by batch, advancing
// the checkpoint after each published batch.
func (r *StoreRelay) sweep(ctx context.Context) error {
	for {
		envs, err := r.store.ReadAll(ctx, r.lastSeq, r.batchSize)
		if err != nil {
			return err
		}
		if len(envs) == 0 {
			return nil
		}

		events := make([]bus.Event, 0, len(envs))
		for _, env := range envs {
			payload, err := r.registry.Decode(env)
			if err != nil {
				return fmt.Errorf("decode seq %d (%s): %w", env.Seq, env.Type, err)
			}
			events = append(events, bus.NewEvent(env, payload))
		}

		if err := r.bus.PublishBatch(ctx, events); err != nil {
			return fmt.Errorf("publish: %w", err)
		}

		r.lastSeq = envs[len(envs)-1].Seq
		if err := r.checkpoints.Set(ctx, r.name, r.lastSeq); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		r.log.Debug("swept",
			slog.Int("count", len(events)), slog.Uint64("last_seq", r.lastSeq))
	}
}
