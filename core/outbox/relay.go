package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/sourcing-go/core/bus"
	"github.com/codewandler/sourcing-go/core/es"
)

// Relay moves committed outbox rows onto the in-process buses: event rows
// become bus publishes, command rows become command dispatches. Rows are
// marked processed only after the hand-off succeeded, so delivery is
// at-least-once and relies on the bus dedup window for idempotency.
type Relay struct {
	log      *slog.Logger
	queue    Queue
	registry *es.EventRegistry
	bus      *bus.Bus
	commands *bus.CommandBus

	name         string
	batchSize    int
	pollInterval time.Duration

	closeChan chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func NewRelay(q Queue, registry *es.EventRegistry, b *bus.Bus, commands *bus.CommandBus, opts ...RelayOption) *Relay {
	options := newRelayOpts(opts...)
	return &Relay{
		log:          options.log.With(slog.String("relay", options.name)),
		queue:        q,
		registry:     registry,
		bus:          b,
		commands:     commands,
		name:         options.name,
		batchSize:    options.batchSize,
		pollInterval: options.pollInterval,
		closeChan:    make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start drains the backlog, then keeps draining on queue notifications with
// a poll ticker as fallback until ctx is done or Stop is called.
func (r *Relay) Start(ctx context.Context) error {
	r.log.Info("starting")
	r.drain(ctx)

	go r.run(ctx)
	return nil
}

// Stop ends the relay loop and waits for it to finish. Call only after
// Start.
func (r *Relay) Stop() {
	r.closeOnce.Do(func() {
		close(r.closeChan)
		<-r.done
	})
}

func (r *Relay) run(ctx context.Context) {
	defer func() {
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
		case <-r.queue.Notify():
			r.drain(ctx)
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

// drain loops until both lanes are empty or a hand-off fails; failed rows
// stay unprocessed and are retried on the next notification or tick.
func (r *Relay) drain(ctx context.Context) {
	for {
		n, err := r.drainOnce(ctx)
		if err != nil {
			r.log.Error("drain failed, rows stay queued", slog.Any("error", err))
			return
		}
		if n == 0 {
			return
		}
	}
}

func (r *Relay) drainOnce(ctx context.Context) (int, error) {
	n, err := r.drainEvents(ctx)
	if err != nil {
		return n, err
	}
	c, err := r.drainCommands(ctx)
	return n + c, err
}

func (r *Relay) drainEvents(ctx context.Context) (int, error) {
	msgs, err := r.queue.Unprocessed(ctx, KindEvents, r.batchSize)
	if err != nil || len(msgs) == 0 {
		return 0, err
	}

	events := make([]bus.Event, 0, len(msgs))
	seqs := make([]uint64, 0, len(msgs))
	for _, m := range msgs {
		var env es.Envelope
		if err := json.Unmarshal(m.Payload, &env); err != nil {
			// structurally broken rows never heal, drop them
			r.log.Error("dropping malformed event row",
				slog.Uint64("seq", m.Seq), slog.Any("error", err))
			if err := r.queue.MarkProcessed(ctx, KindEvents, m.Seq); err != nil {
				return 0, err
			}
			continue
		}
		payload, err := r.registry.Decode(env)
		if err != nil {
			// unknown types may still get registered, keep the row
			return 0, fmt.Errorf("decode event seq %d (%s): %w", m.Seq, env.Type, err)
		}
		events = append(events, bus.NewEvent(env, payload))
		seqs = append(seqs, m.Seq)
	}

	if len(events) > 0 {
		if err := r.bus.PublishBatch(ctx, events); err != nil {
			return 0, fmt.Errorf("publish: %w", err)
		}
		if err := r.queue.MarkProcessed(ctx, KindEvents, seqs...); err != nil {
			return 0, err
		}
		r.log.Debug("events relayed", slog.Int("count", len(events)))
	}
	return len(msgs), nil
}

func (r *Relay) drainCommands(ctx context.Context) (int, error) {
	msgs, err := r.queue.Unprocessed(ctx, KindCommands, r.batchSize)
	if err != nil || len(msgs) == 0 {
		return 0, err
	}

	for i, m := range msgs {
		var cmd Command
		if err := json.Unmarshal(m.Payload, &cmd); err != nil {
			r.log.Error("dropping malformed command row",
				slog.Uint64("seq", m.Seq), slog.Any("error", err))
			if err := r.queue.MarkProcessed(ctx, KindCommands, m.Seq); err != nil {
				return i, err
			}
			continue
		}
		if _, err := r.commands.DispatchNamed(ctx, cmd.Name, cmd.Payload); err != nil {
			return i, fmt.Errorf("dispatch seq %d: %w", m.Seq, err)
		}
		if err := r.queue.MarkProcessed(ctx, KindCommands, m.Seq); err != nil {
			return i, err
		}
		r.log.Debug("command relayed",
			slog.String("command", cmd.Name), slog.Uint64("seq", m.Seq))
	}
	return len(msgs), nil
}
