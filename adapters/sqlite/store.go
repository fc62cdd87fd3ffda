package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/sourcing-go/core/es"
)

const storeSubscriptionBuffer = 256

// EventStore implements es.EventStore on the events table. Optimistic
// concurrency rests on the unique (aggregate_type, aggregate_id, version)
// index: a racing writer loses the insert and gets a conflict.
//
// Subscriptions are process-local: appends through this handle notify
// subscribers, appends from other processes are only seen by polling
// ReadAll (see outbox.StoreRelay).
type EventStore struct {
	db  *DB
	log *slog.Logger

	mu   sync.Mutex
	subs map[string]*storeSubscription
}

func NewEventStore(db *DB) *EventStore {
	return &EventStore{
		db:   db,
		log:  db.log.With(slog.String("store", "sqlite")),
		subs: map[string]*storeSubscription{},
	}
}

const envelopeColumns = "seq, id, aggregate_type, aggregate_id, version, type, schema_version, occurred_at, correlation_id, causation_id, data"

type storeLoadOptions struct {
	startVersion es.Version
	startSeq     uint64
}

func (l *storeLoadOptions) SetStartVersion(i es.Version) { l.startVersion = i }
func (l *storeLoadOptions) SetStartSeq(i uint64)         { l.startSeq = i }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (es.Envelope, error) {
	var (
		e          es.Envelope
		occurredAt string
	)
	err := row.Scan(
		&e.Seq, &e.ID, &e.AggregateType, &e.AggregateID, &e.Version,
		&e.Type, &e.SchemaVersion, &occurredAt, &e.CorrelationID, &e.CausationID, &e.Data,
	)
	if err != nil {
		return es.Envelope{}, err
	}
	e.OccurredAt, err = time.Parse(time.RFC3339Nano, occurredAt)
	if err != nil {
		return es.Envelope{}, fmt.Errorf("parse occurred_at: %w", err)
	}
	return e, nil
}

func (s *EventStore) Load(
	ctx context.Context,
	aggType, aggID string,
	opts ...es.StoreLoadOption,
) ([]es.Envelope, error) {
	loadOpts := &storeLoadOptions{}
	for _, opt := range opts {
		opt.ApplyToStoreLoadOptions(loadOpts)
	}

	rows, err := s.db.sql.QueryContext(ctx,
		"SELECT "+envelopeColumns+" FROM events WHERE aggregate_type = ? AND aggregate_id = ? AND version >= ? AND seq >= ? ORDER BY version",
		aggType, aggID, uint64(loadOpts.startVersion), loadOpts.startSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]es.Envelope, 0)
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(out) == 0 {
		// distinguish an empty tail from a stream that does not exist
		var one int
		err := s.db.sql.QueryRowContext(ctx,
			"SELECT 1 FROM events WHERE aggregate_type = ? AND aggregate_id = ? LIMIT 1",
			aggType, aggID,
		).Scan(&one)
		if err == sql.ErrNoRows {
			return nil, es.ErrAggregateNotFound
		}
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (s *EventStore) Append(
	ctx context.Context,
	aggType string,
	aggID string,
	expectedVersion es.Version,
	events []es.Envelope,
) (*es.StoreAppendResult, error) {
	if len(events) == 0 {
		return nil, es.ErrStoreNoEvents
	}

	// validate before any write so the batch stays all-or-nothing
	for i, e := range events {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if want := expectedVersion + es.Version(i+1); e.Version != want {
			return nil, fmt.Errorf("envelope version %d out of order, want %d", e.Version, want)
		}
	}

	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var curVersion uint64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_type = ? AND aggregate_id = ?",
		aggType, aggID,
	).Scan(&curVersion); err != nil {
		return nil, fmt.Errorf("read stream version: %w", err)
	}
	if es.Version(curVersion) != expectedVersion {
		return nil, &es.ConflictError{
			AggregateType: aggType,
			AggregateID:   aggID,
			Expected:      expectedVersion,
			Actual:        es.Version(curVersion),
		}
	}

	var lastSeq uint64
	appended := make([]es.Envelope, 0, len(events))
	for _, e := range events {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO events (id, aggregate_type, aggregate_id, version, type, schema_version, occurred_at, correlation_id, causation_id, data) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			e.ID, e.AggregateType, e.AggregateID, uint64(e.Version), e.Type, e.SchemaVersion,
			e.OccurredAt.UTC().Format(time.RFC3339Nano), e.CorrelationID, e.CausationID, []byte(e.Data),
		)
		if err != nil {
			if isConstraintError(err) {
				// lost a race after the version check
				return nil, s.conflictFor(ctx, aggType, aggID, expectedVersion)
			}
			return nil, fmt.Errorf("insert event: %w", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		lastSeq = uint64(seq)
		e.Seq = lastSeq
		appended = append(appended, e)
	}

	if err := tx.Commit(); err != nil {
		if isConstraintError(err) {
			return nil, s.conflictFor(ctx, aggType, aggID, expectedVersion)
		}
		return nil, fmt.Errorf("commit append: %w", err)
	}

	s.log.Debug("append",
		slog.Uint64("last_seq", lastSeq),
		slog.Int("num_events", len(appended)),
	)

	s.dispatch(appended)

	return &es.StoreAppendResult{
		LastSeq:     lastSeq,
		LastVersion: appended[len(appended)-1].Version,
	}, nil
}

func (s *EventStore) conflictFor(ctx context.Context, aggType, aggID string, expected es.Version) error {
	var actual uint64
	_ = s.db.sql.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_type = ? AND aggregate_id = ?",
		aggType, aggID,
	).Scan(&actual)
	return &es.ConflictError{
		AggregateType: aggType,
		AggregateID:   aggID,
		Expected:      expected,
		Actual:        es.Version(actual),
	}
}

func (s *EventStore) ReadAll(ctx context.Context, afterSeq uint64, limit int) ([]es.Envelope, error) {
	query := "SELECT " + envelopeColumns + " FROM events WHERE seq > ? ORDER BY seq"
	args := []any{afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []es.Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *EventStore) maxSeq(ctx context.Context) (uint64, error) {
	var seq uint64
	err := s.db.sql.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM events").Scan(&seq)
	return seq, err
}

func (s *EventStore) Subscribe(ctx context.Context, opts ...es.SubscribeOption) (es.Subscription, error) {
	options := es.NewSubscribeOpts(opts...)

	max, err := s.maxSeq(ctx)
	if err != nil {
		return nil, err
	}

	subID := gonanoid.Must()
	sub := &storeSubscription{
		filters: options.Filters(),
		ch:      make(chan es.Envelope, storeSubscriptionBuffer),
		maxSeq:  max,
		cancel: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, subID)
		},
	}

	s.mu.Lock()
	s.subs[subID] = sub
	s.mu.Unlock()

	context.AfterFunc(ctx, sub.Cancel)

	if options.DeliverPolicy() == es.DeliverAllPolicy {
		// catchup pages the log up to the subscribe-time max, live dispatch
		// covers everything after; consumers needing strict order poll
		// ReadAll with a checkpoint instead
		go func() {
			after := options.StartSequence()
			for after < max {
				batch, err := s.ReadAll(ctx, after, storeSubscriptionBuffer)
				if err != nil || len(batch) == 0 {
					return
				}
				for _, e := range batch {
					if e.Seq > max {
						return
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
				after = batch[len(batch)-1].Seq
			}
		}()
	}

	return sub, nil
}

func (s *EventStore) dispatch(events []es.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.subs) == 0 {
		return
	}

	for _, e := range events {
		for _, sub := range s.subs {
			if !matchFilters(e, sub.filters) {
				continue
			}
			select {
			case sub.ch <- e:
			default:
				sub.dropped++
				s.log.Warn("subscription buffer full, dropping event",
					slog.Uint64("seq", e.Seq),
					slog.Uint64("dropped_total", sub.dropped),
				)
			}
		}
	}
}

func matchFilters(env es.Envelope, filters []es.SubscribeFilter) bool {
	for _, f := range filters {
		if f.AggregateType != "" && env.AggregateType != f.AggregateType {
			return false
		}
		if f.AggregateID != "" && env.AggregateID != f.AggregateID {
			return false
		}
	}
	return true
}

type storeSubscription struct {
	filters []es.SubscribeFilter
	ch      chan es.Envelope
	maxSeq  uint64
	dropped uint64
	cancel  func()
}

func (s *storeSubscription) Chan() <-chan es.Envelope { return s.ch }
func (s *storeSubscription) Cancel()                  { s.cancel() }
func (s *storeSubscription) MaxSequence() uint64      { return s.maxSeq }

var _ es.EventStore = (*EventStore)(nil)
