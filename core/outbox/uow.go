package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codewandler/sourcing-go/core/bus"
	"github.com/codewandler/sourcing-go/core/es"
)

// UnitOfWork commits aggregate changes and hands the committed envelopes off
// for publication. With a queue the hand-off is durable and a Relay makes it
// visible; without one the envelopes go straight onto the bus and a
// StoreRelay covers redelivery.
type UnitOfWork struct {
	log      *slog.Logger
	repo     es.Repository
	registry *es.EventRegistry
	queue    Queue
	bus      *bus.Bus
}

type UowOption interface {
	applyToUow(u *UnitOfWork)
}

func (o LogOption) applyToUow(u *UnitOfWork) { u.log = o.l }

// NewUnitOfWork commits through repo and enqueues committed envelopes on q.
func NewUnitOfWork(repo es.Repository, q Queue, opts ...UowOption) *UnitOfWork {
	u := &UnitOfWork{log: slog.Default(), repo: repo, queue: q}
	for _, o := range opts {
		o.applyToUow(u)
	}
	return u
}

// NewDirectUnitOfWork commits through repo and publishes straight onto b.
func NewDirectUnitOfWork(repo es.Repository, registry *es.EventRegistry, b *bus.Bus, opts ...UowOption) *UnitOfWork {
	u := &UnitOfWork{log: slog.Default(), repo: repo, registry: registry, bus: b}
	for _, o := range opts {
		o.applyToUow(u)
	}
	return u
}

// Commit saves the aggregate and hands its new envelopes off. The append
// commits first: when the hand-off fails the events are already durable and
// reach the bus through the relay's redelivery.
func (u *UnitOfWork) Commit(ctx context.Context, agg es.Aggregate, opts ...es.SaveOption) error {
	res, err := u.repo.SaveWithResult(ctx, agg, opts...)
	if err != nil {
		return err
	}
	if len(res.Envelopes) == 0 {
		return nil
	}

	if u.queue != nil {
		vs := make([]any, len(res.Envelopes))
		for i, env := range res.Envelopes {
			vs[i] = env
		}
		if err := Enqueue(ctx, u.queue, KindEvents, vs...); err != nil {
			return fmt.Errorf("enqueue committed events: %w", err)
		}
		u.log.Debug("events enqueued", slog.Int("count", len(vs)))
		return nil
	}

	events := make([]bus.Event, 0, len(res.Envelopes))
	for _, env := range res.Envelopes {
		payload, err := u.registry.Decode(env)
		if err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		events = append(events, bus.NewEvent(env, payload))
	}
	if err := u.bus.PublishBatch(ctx, events); err != nil {
		return fmt.Errorf("publish after commit: %w", err)
	}
	u.log.Debug("events published", slog.Int("count", len(events)))
	return nil
}

// SendCommand queues a command for asynchronous dispatch by the relay.
func (u *UnitOfWork) SendCommand(ctx context.Context, cmd any) error {
	if u.queue == nil {
		return errors.New("unit of work has no queue, dispatch the command directly")
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return Enqueue(ctx, u.queue, KindCommands, Command{
		Name:    bus.CommandNameOf(cmd),
		Payload: payload,
	})
}
