package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const memorySubscriptionBuffer = 256

// InMemoryStore is a simple, correct (optimistic) store for tests/dev.
// Envelopes live in per-stream slices plus one globally ordered log that
// backs ReadAll.
type InMemoryStore struct {
	mu      sync.Mutex
	log     *slog.Logger
	seq     uint64
	streams map[string][]Envelope
	all     []Envelope
	subs    map[string]*inMemorySubscription
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		log:     slog.Default().With(slog.String("store", "memory")),
		streams: map[string][]Envelope{},
		subs:    map[string]*inMemorySubscription{},
	}
}

func (s *InMemoryStore) streamKey(aggType, aggID string) string {
	return fmt.Sprintf("%s-%s", aggType, aggID)
}

func (s *InMemoryStore) Load(
	_ context.Context,
	aggType,
	aggID string,
	opts ...StoreLoadOption,
) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// init load options
	loadOpts := &eventStoreLoadOptions{}
	for _, opt := range opts {
		opt.ApplyToStoreLoadOptions(loadOpts)
	}

	// get stream
	sk := s.streamKey(aggType, aggID)
	events, ok := s.streams[sk]
	if !ok {
		return nil, ErrAggregateNotFound
	}

	out := make([]Envelope, 0)
	for _, e := range events {
		if e.Version < loadOpts.startVersion {
			continue
		}
		if e.Seq < loadOpts.startSeq {
			continue
		}
		out = append(out, e)
	}

	return out, nil
}

func (s *InMemoryStore) Append(
	_ context.Context,
	aggType string,
	aggID string,
	expectedVersion Version,
	events []Envelope,
) (*StoreAppendResult, error) {
	if len(events) == 0 {
		return nil, ErrStoreNoEvents
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		sk         = s.streamKey(aggType, aggID)
		curStream  = s.streams[sk]
		curVersion Version
	)

	if len(curStream) > 0 {
		curVersion = curStream[len(curStream)-1].Version
	}
	if curVersion != expectedVersion {
		return nil, &ConflictError{
			AggregateType: aggType,
			AggregateID:   aggID,
			Expected:      expectedVersion,
			Actual:        curVersion,
		}
	}

	// validate before any mutation so the batch stays all-or-nothing
	for i, e := range events {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if want := expectedVersion + Version(i+1); e.Version != want {
			return nil, fmt.Errorf("envelope version %d out of order, want %d", e.Version, want)
		}
	}

	var (
		lastSeq     uint64
		lastVersion Version
		appended    = make([]Envelope, 0, len(events))
	)
	for _, e := range events {
		s.seq++
		lastSeq = s.seq
		lastVersion = e.Version
		e.Seq = lastSeq
		appended = append(appended, e)
	}
	s.streams[sk] = append(curStream, appended...)
	s.all = append(s.all, appended...)

	s.log.Debug(
		"append",
		slog.Uint64("last_seq", lastSeq),
		slog.Int("num_events", len(appended)),
	)

	s.dispatchLocked(appended)

	return &StoreAppendResult{LastSeq: lastSeq, LastVersion: lastVersion}, nil
}

func (s *InMemoryStore) ReadAll(_ context.Context, afterSeq uint64, limit int) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// seqs are contiguous starting at 1, so afterSeq doubles as slice offset
	if afterSeq >= uint64(len(s.all)) {
		return nil, nil
	}
	rest := s.all[afterSeq:]
	if limit > 0 && limit < len(rest) {
		rest = rest[:limit]
	}

	out := make([]Envelope, len(rest))
	copy(out, rest)
	return out, nil
}

func (s *InMemoryStore) Subscribe(ctx context.Context, opts ...SubscribeOption) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	options := NewSubscribeOpts(opts...)

	subID := gonanoid.Must()
	sub := &inMemorySubscription{
		filters: options.filters,
		ch:      make(chan Envelope, memorySubscriptionBuffer),
		maxSeq:  s.seq,
		cancel: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, subID)
		},
	}
	s.subs[subID] = sub

	context.AfterFunc(ctx, func() {
		sub.Cancel()
	})

	if options.deliverPolicy == DeliverAllPolicy {
		// catchup from a snapshot of the log; live dispatch may interleave,
		// consumers needing strict order poll ReadAll with a checkpoint
		catchup := make([]Envelope, len(s.all))
		copy(catchup, s.all)
		go func() {
			for _, e := range catchup {
				if e.Seq < options.startSequence {
					continue
				}
				if !matchFilters(e, sub.filters) {
					continue
				}
				select {
				case sub.ch <- e:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	return sub, nil
}

func (s *InMemoryStore) dispatchLocked(events []Envelope) {
	if len(s.subs) == 0 {
		return
	}

	s.log.Debug(
		"dispatching events",
		slog.Int("events", len(events)),
		slog.Int("subscriptions", len(s.subs)),
	)

	for _, e := range events {
		for _, sub := range s.subs {
			if !matchFilters(e, sub.filters) {
				continue
			}
			select {
			case sub.ch <- e:
			default:
				// slow consumer, drop rather than block the store
				sub.dropped++
				s.log.Warn(
					"subscription buffer full, dropping event",
					slog.Uint64("seq", e.Seq),
					slog.Uint64("dropped_total", sub.dropped),
				)
			}
		}
	}
}

// === Subscription ===

type inMemorySubscription struct {
	filters []SubscribeFilter
	ch      chan Envelope
	maxSeq  uint64
	dropped uint64
	cancel  context.CancelFunc
}

func (i *inMemorySubscription) Chan() <-chan Envelope { return i.ch }
func (i *inMemorySubscription) Cancel()               { i.cancel() }
func (i *inMemorySubscription) MaxSequence() uint64   { return i.maxSeq }

var _ EventStore = (*InMemoryStore)(nil)
