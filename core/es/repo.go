package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/codewandler/sourcing-go/core/cache"
	"github.com/codewandler/sourcing-go/core/sf"
)

type (
	// SaveResult reports what a save committed. Envelope sequences are
	// derived from the append result; stores assign contiguous sequences
	// per batch.
	SaveResult struct {
		Envelopes   []Envelope
		LastSeq     uint64
		LastVersion Version
	}

	Repository interface {
		Load(ctx context.Context, agg Aggregate, opts ...LoadOption) error
		Save(ctx context.Context, agg Aggregate, opts ...SaveOption) error
		// SaveWithResult saves and returns the committed envelopes, e.g. for
		// handing them to an outbox or bus after the append.
		SaveWithResult(ctx context.Context, agg Aggregate, opts ...SaveOption) (*SaveResult, error)
		CreateSnapshot(ctx context.Context, agg Aggregate) (*Snapshot, error)
	}
)

// snapState tracks when a stream was last snapshotted. It feeds the
// snapshot strategy and lives in memory only; a restart resets it.
type snapState struct {
	version Version
	at      time.Time
}

// repository rehydrates aggregates and persists new events with optimistic
// concurrency. State restore prefers the cache, then the snapshotter, then
// replays the remaining events.
type repository struct {
	log      *slog.Logger
	store    EventStore
	registry *EventRegistry
	options  repoOpts

	// aggregate state keyed by stream, serialized like a snapshot
	state cache.TypedCache[*Snapshot]

	// collapses concurrent snapshot loads for the same stream
	snapshots *sf.Singleflight[Snapshot]

	mu       sync.Mutex
	lastSnap map[string]snapState
}

func NewRepository(
	log *slog.Logger,
	store EventStore,
	registry *EventRegistry,
	opts ...RepositoryOption,
) Repository {
	options := newRepoOpts(opts...)
	r := &repository{
		log:       log.With(slog.String("repo", fmt.Sprintf("%T", store))),
		store:     store,
		registry:  registry,
		options:   options,
		state:     cache.NewTyped[*Snapshot](options.cache),
		snapshots: sf.New[Snapshot](),
		lastSnap:  map[string]snapState{},
	}

	return r
}

// with derives a repository sharing store and registry but with opts applied
// on top of the current configuration.
func (r *repository) with(opts ...RepositoryOption) *repository {
	options := r.options
	for _, opt := range opts {
		opt.applyToRepository(&options)
	}
	return &repository{
		log:       r.log,
		store:     r.store,
		registry:  r.registry,
		options:   options,
		state:     cache.NewTyped[*Snapshot](options.cache),
		snapshots: sf.New[Snapshot](),
		lastSnap:  map[string]snapState{},
	}
}

func streamKey(aggType, aggID string) string { return aggType + "/" + aggID }

// Load rehydrates agg from the store and sets its version and sequence.
func (r *repository) Load(ctx context.Context, agg Aggregate, opts ...LoadOption) (err error) {
	aggType := agg.GetAggType()
	if aggType == "" {
		return errors.New("aggregate type is empty")
	}
	aggID := agg.GetID()
	if aggID == "" {
		return errors.New("aggregate id is empty")
	}
	if len(agg.Uncommitted()) != 0 {
		return errors.New("aggregate has uncommitted events (dirty=true)")
	}

	defer r.options.metrics.RepoLoadDuration(aggType).ObserveDuration()

	loadOptions := newLoadOptions(append(r.options.loadOpts, opts...)...)
	key := streamKey(aggType, aggID)

	restored := false

	// fastest path: cached state from an earlier load or save
	if loadOptions.useCache {
		if ss, ok := r.state.Get(key); ok {
			if err := RestoreSnapshot(agg, ss); err != nil {
				r.state.Delete(key)
				r.log.Debug("cached state unusable", slog.String("key", key), slog.Any("error", err))
			} else {
				r.options.metrics.CacheHit(aggType)
				restored = true
			}
		} else {
			r.options.metrics.CacheMiss(aggType)
		}
	}

	// snapshot path
	if !restored && loadOptions.snapshot && r.options.snapshotter != nil {
		ss, err := r.snapshots.Do(key, func() (*Snapshot, error) {
			defer r.options.metrics.SnapshotLoadDuration(aggType).ObserveDuration()
			return r.options.snapshotter.LoadSnapshot(ctx, aggType, aggID)
		})
		switch {
		case errors.Is(err, ErrSnapshotNotFound):
			// full replay
		case err != nil:
			return fmt.Errorf("failed to load snapshot: %w", err)
		default:
			if err := RestoreSnapshot(agg, ss); err != nil {
				if !errors.Is(err, ErrSnapshotIncompatible) {
					return err
				}
				r.log.Warn("snapshot incompatible, replaying full stream",
					slog.String("key", key), slog.Any("error", err))
			} else {
				r.recordSnapState(key, ss.Version, ss.CreatedAt)
			}
		}
	}

	var (
		curVersion = agg.GetVersion()
		curSeq     = agg.GetSeq()
		minVersion = curVersion + 1
		minSeq     = curSeq + 1
	)

	log := r.log.With(
		slog.Group(
			"agg",
			slog.String("type", aggType),
			slog.String("id", aggID),
			slog.Uint64("seq", curSeq),
			curVersion.SlogAttr(),
		),
	)

	log.Debug(
		"load",
		slog.Group("opts",
			slog.Uint64("min_seq", minSeq),
			minVersion.SlogAttrWithKey("min_version"),
			slog.Bool("snapshot", loadOptions.snapshot),
			slog.Bool("use_cache", loadOptions.useCache),
		),
	)

	// load the remaining events
	loaded, err := r.store.Load(
		ctx,
		aggType,
		aggID,
		WithStartAtVersion(minVersion),
		WithStartAtSeq(minSeq),
	)
	if err != nil {
		return err
	}

	// apply them
	for _, e := range loaded {

		expectVersion := agg.GetVersion() + 1
		if e.Version != expectVersion {
			return fmt.Errorf("expect version %d, got %d", expectVersion, e.Version)
		}

		evt, err := r.registry.Decode(e)
		if err != nil {
			return err
		}
		if err := agg.Apply(evt); err != nil {
			return err
		}

		// update version & sequence
		agg.setVersion(e.Version)
		agg.setSeq(e.Seq)
		curVersion = e.Version
	}

	if curVersion == 0 {
		return ErrAggregateNotFound
	}

	if loadOptions.useCache && len(loaded) > 0 {
		r.cacheState(agg)
	}

	return nil
}

func (r *repository) Save(ctx context.Context, agg Aggregate, saveOpts ...SaveOption) error {
	_, err := r.SaveWithResult(ctx, agg, saveOpts...)
	return err
}

func (r *repository) SaveWithResult(ctx context.Context, agg Aggregate, saveOpts ...SaveOption) (*SaveResult, error) {
	uncommitted := agg.Uncommitted()
	if len(uncommitted) == 0 {
		return &SaveResult{LastSeq: agg.GetSeq(), LastVersion: agg.GetVersion()}, nil
	}
	aggType := agg.GetAggType()
	if aggType == "" {
		return nil, errors.New("aggregate type is empty")
	}
	aggID := agg.GetID()
	if aggID == "" {
		return nil, errors.New("aggregate id is empty")
	}

	defer r.options.metrics.RepoSaveDuration(aggType).ObserveDuration()

	saveOptions := newSaveOptions(append(r.options.saveOpts, saveOpts...)...)
	key := streamKey(aggType, aggID)

	expectVersion := agg.GetVersion()
	newEnvs := make([]Envelope, 0, len(uncommitted))
	v := expectVersion

	for _, ev := range uncommitted {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}

		v++

		env := Envelope{
			ID:            r.options.idGenerator(),
			Type:          getEventTypeOf(ev),
			SchemaVersion: schemaVersionOf(ev),
			AggregateID:   aggID,
			AggregateType: aggType,
			Version:       v,
			OccurredAt:    time.Now(),
			CorrelationID: saveOptions.correlationID,
			CausationID:   saveOptions.causationID,
			Data:          data,
		}

		err = env.Validate()
		if err != nil {
			return nil, err
		}

		newEnvs = append(newEnvs, env)
	}

	// append to store
	if res, err := r.store.Append(
		ctx,
		aggType,
		aggID,
		expectVersion,
		newEnvs,
	); err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			r.options.metrics.ConcurrencyConflict(aggType)
			r.state.Delete(key)
		}
		return nil, fmt.Errorf("failed to save agg_type=%s agg_id=%s: %w", aggType, aggID, err)
	} else if res != nil {
		agg.setSeq(res.LastSeq)
		firstSeq := res.LastSeq - uint64(len(newEnvs)) + 1
		for i := range newEnvs {
			newEnvs[i].Seq = firstSeq + uint64(i)
		}
	} else {
		return nil, errors.New("append returned nil result")
	}

	agg.setVersion(v)
	agg.ClearUncommitted()
	r.options.metrics.EventsAppended(aggType, len(newEnvs))

	if saveOptions.useCache {
		r.cacheState(agg)
	}

	// snapshot, either requested or due per the strategy
	if saveOptions.snapshot {
		if _, snapshotErr := r.createAndSaveSnapshot(ctx, agg, saveOptions.snapshotTTL); snapshotErr != nil {
			return nil, snapshotErr
		}
	} else if r.snapshotDue(key, agg.GetVersion()) {
		// strategy snapshots are best-effort
		if _, snapshotErr := r.createAndSaveSnapshot(ctx, agg, saveOptions.snapshotTTL); snapshotErr != nil {
			r.log.Warn("snapshot failed", slog.String("key", key), slog.Any("error", snapshotErr))
		}
	}

	r.log.Debug(
		"saved",
		slog.Group(
			"agg",
			slog.String("id", aggID),
			slog.String("type", aggType),
			slog.Uint64("seq", agg.GetSeq()),
			agg.GetVersion().SlogAttr(),
		),
		slog.Int("num_events", len(newEnvs)),
	)

	return &SaveResult{Envelopes: newEnvs, LastSeq: agg.GetSeq(), LastVersion: v}, nil
}

// cacheState stores the aggregate's current state so subsequent loads skip
// the snapshotter and most of the replay.
func (r *repository) cacheState(agg Aggregate) {
	ss, err := CreateSnapshot(agg)
	if err != nil {
		r.log.Debug("failed to cache aggregate state", slog.Any("error", err))
		return
	}
	r.state.Put(streamKey(agg.GetAggType(), agg.GetID()), ss)
}

func (r *repository) recordSnapState(key string, version Version, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.lastSnap[key]; ok && cur.version >= version {
		return
	}
	r.lastSnap[key] = snapState{version: version, at: at}
}

// snapshotDue consults the strategy with the number of events and the time
// elapsed since the last known snapshot of this stream.
func (r *repository) snapshotDue(key string, version Version) bool {
	if r.options.strategy == nil {
		return false
	}

	now := time.Now()

	r.mu.Lock()
	st, ok := r.lastSnap[key]
	if !ok {
		// first observation of this stream since startup
		st = snapState{version: 0, at: now}
		r.lastSnap[key] = st
	}
	r.mu.Unlock()

	return r.options.strategy.ShouldSnapshot(int(version-st.version), now.Sub(st.at))
}

func (r *repository) CreateSnapshot(ctx context.Context, agg Aggregate) (*Snapshot, error) {
	return r.createAndSaveSnapshot(ctx, agg, 0)
}

func (r *repository) createAndSaveSnapshot(ctx context.Context, agg Aggregate, ttl time.Duration) (ss *Snapshot, err error) {
	if r.options.snapshotter == nil {
		return nil, ErrSnapshotterUnconfigured
	}
	ss, err = CreateSnapshot(agg)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}

	defer r.options.metrics.SnapshotSaveDuration(agg.GetAggType()).ObserveDuration()

	if ts, ok := r.options.snapshotter.(ttlSnapshotter); ok && ttl > 0 {
		err = ts.SaveSnapshotWithTTL(ctx, ss, ttl)
	} else {
		err = r.options.snapshotter.SaveSnapshot(ctx, ss)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}

	key := streamKey(ss.AggregateType, ss.AggregateID)
	r.recordSnapState(key, ss.Version, ss.CreatedAt)
	r.snapshots.Forget(key)
	r.options.metrics.SnapshotCreated(ss.AggregateType)

	r.log.Debug("snapshot saved", ss.logAttrs())
	return
}

var _ Repository = &repository{}

// === TypedRepository ===

type (
	TypedRepository[T Aggregate] interface {
		GetAggType() string
		New() T
		NewWithID(id string) T
		Create(ctx context.Context, aggID string, opts ...SaveOption) (T, error)
		Load(ctx context.Context, a T, opts ...LoadOption) error
		GetOrCreate(ctx context.Context, aggID string, opts ...LoadAndSaveOption) (T, error)
		GetByID(ctx context.Context, aggID string, opts ...LoadOption) (T, error)
		Save(ctx context.Context, agg T, opts ...SaveOption) error
		// WithTransaction loads the aggregate, runs fn and saves, retrying the
		// whole round on concurrency conflicts.
		WithTransaction(ctx context.Context, aggID string, fn func(a T) error, opts ...WithTransactionOption) error
	}
)

// transactionAttempts bounds the load-mutate-save retry loop of
// WithTransaction under contention.
const transactionAttempts = 15

type typedRepo[T Aggregate] struct {
	r   Repository
	log *slog.Logger
}

func (t *typedRepo[T]) New() T { return t.NewWithID("") }

func (t *typedRepo[T]) NewWithID(id string) T {
	var a T
	if c, ok := any(a).(interface{ Create() T }); ok {
		a = c.Create()
	} else {
		rt := reflect.TypeOf((*T)(nil)).Elem()
		if rt.Kind() == reflect.Pointer {
			a = reflect.New(rt.Elem()).Interface().(T)
		} else {
			a = *new(T)
		}
	}
	a.SetID(id)
	return a
}

func (t *typedRepo[T]) Create(ctx context.Context, aggID string, opts ...SaveOption) (a T, err error) {
	if aggID == "" {
		return a, errors.New("aggregate id is empty")
	}
	a = t.NewWithID(aggID)
	if err = a.Create(aggID); err != nil {
		return a, err
	}
	if err = t.Save(ctx, a, opts...); err != nil {
		return a, err
	}
	t.log.Debug("created", slog.String("id", aggID))
	return a, nil
}

func (t *typedRepo[T]) Load(ctx context.Context, a T, opts ...LoadOption) error {
	return t.r.Load(ctx, a, opts...)
}

func (t *typedRepo[T]) GetOrCreate(ctx context.Context, aggID string, opts ...LoadAndSaveOption) (a T, err error) {
	if aggID == "" {
		return a, errors.New("aggregate id is empty")
	}
	options := newGetOrCreateOptions(opts...)
	a = t.NewWithID(aggID)
	err = t.r.Load(ctx, a, options.loadOpts...)
	if err != nil {
		if errors.Is(err, ErrAggregateNotFound) {
			err = a.Create(aggID)
			if err != nil {
				return a, err
			}
			err = t.Save(ctx, a, options.saveOpts...)
			if err != nil {
				return a, err
			}

			t.log.Debug("created", slog.String("id", aggID))
		} else {
			return a, err
		}
	}
	return a, nil
}

func (t *typedRepo[T]) GetByID(ctx context.Context, aggID string, opts ...LoadOption) (a T, err error) {
	if aggID == "" {
		return a, errors.New("aggregate id is empty")
	}
	a = t.NewWithID(aggID)
	err = t.r.Load(ctx, a, opts...)
	if err != nil {
		return
	}
	return a, nil
}

func (t *typedRepo[T]) Save(ctx context.Context, agg T, opts ...SaveOption) error {
	return t.r.Save(ctx, agg, opts...)
}

func (t *typedRepo[T]) WithTransaction(
	ctx context.Context,
	aggID string,
	fn func(a T) error,
	opts ...WithTransactionOption,
) error {
	if aggID == "" {
		return errors.New("aggregate id is empty")
	}
	options := newWithTransactionOptions(opts...)

	return RetryOnConflict(ctx, transactionAttempts, func() error {
		var (
			a   T
			err error
		)
		if options.create {
			a, err = t.GetOrCreate(ctx, aggID,
				WithLoadOpts(options.loadOpts...),
				WithSaveOpts(options.saveOpts...),
			)
		} else {
			a, err = t.GetByID(ctx, aggID, options.loadOpts...)
		}
		if err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
		return t.r.Save(ctx, a, options.saveOpts...)
	})
}

func (t *typedRepo[T]) GetAggType() string {
	a := t.New()
	return a.GetAggType()
}

func NewTypedRepository[T Aggregate](log *slog.Logger, s EventStore, reg *EventRegistry, opts ...RepositoryOption) TypedRepository[T] {
	return NewTypedRepositoryFrom[T](log, NewRepository(log, s, reg, opts...))
}

// NewTypedRepositoryFrom wraps an existing repository. Options apply when r
// was built by NewRepository; a custom Repository implementation is used
// as-is.
func NewTypedRepositoryFrom[T Aggregate](log *slog.Logger, r Repository, opts ...RepositoryOption) TypedRepository[T] {
	if impl, ok := r.(*repository); ok && len(opts) > 0 {
		r = impl.with(opts...)
	}
	return &typedRepo[T]{r: r, log: log.With(slog.String("repo", fmt.Sprintf("%T", *new(T))))}
}
