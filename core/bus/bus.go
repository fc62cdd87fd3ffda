package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/codewandler/sourcing-go/core/cache"
)

// Subscription binds a topic pattern to a handler. Cancel removes it from
// the bus.
type Subscription struct {
	name     string
	pattern  string
	priority int
	handler  Handler
	bus      *Bus
	seq      uint64
}

func (s *Subscription) Name() string    { return s.name }
func (s *Subscription) Pattern() string { return s.pattern }
func (s *Subscription) Cancel()         { s.bus.unsubscribe(s) }

// Bus dispatches events to pattern-matched subscriptions, synchronously and
// in priority order. Batches fan out concurrently per event while the
// handler chain of each single event stays ordered.
type Bus struct {
	log       *slog.Logger
	metrics   BusMetrics
	mws       []Middleware
	batchSize int

	// delivery dedup window, keyed by (subscription, event ID)
	dedup    cache.Cache
	dedupTTL cache.PutOption

	mu     sync.RWMutex
	subs   []*Subscription
	subSeq uint64
}

func New(opts ...BusOption) *Bus {
	options := newBusOpts(opts...)

	b := &Bus{
		log:       options.log.With(slog.String("component", "bus")),
		metrics:   options.metrics,
		mws:       options.mws,
		batchSize: options.batchSize,
	}
	if options.dedupSize > 0 {
		b.dedup = cache.NewLRU(cache.LRUOpts{Size: options.dedupSize})
		b.dedupTTL = cache.WithTTL(options.dedupTTL)
	}

	return b
}

// Close releases the dedup window. The bus must not be published to
// afterwards.
func (b *Bus) Close() {
	if c, ok := b.dedup.(*cache.LRU); ok {
		c.Close()
	}
}

func (b *Bus) Subscribe(pattern string, h Handler, opts ...SubscribeOption) (*Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, errors.New("handler is nil")
	}

	options := newSubscribeOpts(opts...)
	name := options.name
	if name == "" {
		name = fmt.Sprintf("sub-%s", gonanoid.Must(6))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subSeq++
	sub := &Subscription{
		name:     name,
		pattern:  pattern,
		priority: options.priority,
		handler:  applyMiddlewares(h, b.mws),
		bus:      b,
		seq:      b.subSeq,
	}
	b.subs = append(b.subs, sub)
	// descending priority, stable so equal priorities keep registration order
	sort.SliceStable(b.subs, func(i, j int) bool { return b.subs[i].priority > b.subs[j].priority })

	b.metrics.SubscriptionsActive(len(b.subs))
	b.log.Debug("subscribed",
		slog.String("sub", name),
		slog.String("pattern", pattern),
		slog.Int("priority", options.priority),
	)

	return sub, nil
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.metrics.SubscriptionsActive(len(b.subs))
	b.log.Debug("unsubscribed", slog.String("sub", sub.name))
}

func (b *Bus) matching(topic string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if Match(s.pattern, topic) {
			out = append(out, s)
		}
	}
	return out
}

// Publish dispatches ev to every matching subscription. All handlers run,
// even after a failure; their errors aggregate into *DispatchError.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if derr := b.publish(ctx, ev); derr != nil {
		return derr
	}
	return nil
}

func (b *Bus) publish(ctx context.Context, ev Event) *DispatchError {
	topic := ev.Topic()
	defer b.metrics.PublishDuration(topic).ObserveDuration()

	var herrs []*HandlerError
	for _, sub := range b.matching(topic) {
		if herr := b.deliver(ctx, sub, ev); herr != nil {
			herrs = append(herrs, herr)
		}
	}
	if len(herrs) > 0 {
		return &DispatchError{Errors: herrs}
	}
	return nil
}

// PublishBatch dispatches the batch with bounded concurrency across events.
// Every event is attempted regardless of sibling failures; the combined
// outcome is a single *DispatchError.
func (b *Bus) PublishBatch(ctx context.Context, events []Event, opts ...PublishOption) error {
	if len(events) == 0 {
		return nil
	}
	options := newPublishOpts(b.batchSize, opts...)

	var (
		mu    sync.Mutex
		herrs []*HandlerError
	)

	g := &errgroup.Group{}
	g.SetLimit(options.batchSize)
	for _, ev := range events {
		g.Go(func() error {
			if derr := b.publish(ctx, ev); derr != nil {
				mu.Lock()
				herrs = append(herrs, derr.Errors...)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(herrs) > 0 {
		return &DispatchError{Errors: herrs}
	}
	return nil
}

// deliver invokes one subscription for one event, skipping deliveries seen
// in the dedup window. Successful deliveries enter the window; failed ones
// do not, so redelivery retries them.
func (b *Bus) deliver(ctx context.Context, sub *Subscription, ev Event) *HandlerError {
	var key string
	if b.dedup != nil {
		key = dedupKey(sub.name, ev.ID)
		if _, seen := b.dedup.Get(key); seen {
			b.metrics.DuplicateSkipped(sub.name)
			b.log.Debug("duplicate delivery skipped",
				slog.String("sub", sub.name),
				slog.String("event_id", ev.ID),
			)
			return nil
		}
	}

	timer := b.metrics.HandlerDuration(sub.name)
	err := b.invoke(ctx, sub, ev)
	timer.ObserveDuration()

	if err != nil {
		b.metrics.HandlerFailed(sub.name)
		var herr *HandlerError
		if !errors.As(err, &herr) {
			herr = &HandlerError{Handler: sub.name, EventID: ev.ID, Err: err}
		}
		return herr
	}

	if b.dedup != nil {
		b.dedup.Put(key, struct{}{}, b.dedupTTL)
	}
	return nil
}

func (b *Bus) invoke(ctx context.Context, sub *Subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return sub.handler.Handle(ctx, ev)
}
