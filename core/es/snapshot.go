package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/sourcing-go/ports/kv"
)

var (
	ErrSnapshotterUnconfigured = errors.New("no snapshotter configured")
	ErrSnapshotNotFound        = errors.New("snapshot not found")
	// ErrSnapshotIncompatible is returned when a stored snapshot was taken
	// under a different state schema than the aggregate declares. Snapshots
	// are never upcast; the repository falls back to a full replay.
	ErrSnapshotIncompatible = errors.New("snapshot schema incompatible")
)

type (
	Snapshot struct {
		SnapshotID string `json:"snapshot_id"` // unique ID of the snapshot

		AggregateID   string  `json:"aggregate_id"`   // aggregate the state belongs to
		AggregateType string  `json:"aggregate_type"` // aggregate stream type
		Version       Version `json:"version"`        // stream version the state materializes

		Seq uint64 `json:"seq"` // global sequence from the store

		CreatedAt     time.Time `json:"created_at"`
		SchemaVersion int       `json:"schema_version"` // aggregate state schema, not event schema
		Encoding      string    `json:"encoding"`
		Data          []byte    `json:"data"`
	}

	// Snapshottable lets aggregates control their snapshot encoding.
	// Aggregates without it are JSON-marshalled as-is.
	Snapshottable interface {
		Snapshot() (data []byte, err error)
		RestoreSnapshot(data []byte) error
	}

	Snapshotter interface {
		SaveSnapshot(ctx context.Context, snapshot *Snapshot) error
		LoadSnapshot(ctx context.Context, aggType, aggID string) (*Snapshot, error)
	}

	// ttlSnapshotter is implemented by snapshotters whose backend supports
	// expiring entries. The repository uses it when saving with a TTL.
	ttlSnapshotter interface {
		SaveSnapshotWithTTL(ctx context.Context, snapshot *Snapshot, ttl time.Duration) error
	}
)

func (s *Snapshot) logAttrs() slog.Attr {
	return slog.Group(
		"snapshot",
		slog.String("id", s.SnapshotID),
		slog.String("aggregate_type", s.AggregateType),
		slog.String("aggregate_id", s.AggregateID),
		s.Version.SlogAttr(),
		slog.Uint64("seq", s.Seq),
		slog.Int("schema_version", s.SchemaVersion),
		slog.Time("created_at", s.CreatedAt),
		slog.Int("size", len(s.Data)),
	)
}

// snapshotSchemaOf derives the state schema version an aggregate expects.
// Aggregates declare versions above 1 by implementing SnapshotSchema() int.
func snapshotSchemaOf(agg Aggregate) int {
	if t, ok := any(agg).(interface{ SnapshotSchema() int }); ok {
		if v := t.SnapshotSchema(); v > 0 {
			return v
		}
	}
	return 1
}

func LoadSnapshot(
	ctx context.Context,
	snapshotter Snapshotter,
	aggType, aggID string,
) (*Snapshot, error) {
	if snapshotter == nil {
		return nil, ErrSnapshotterUnconfigured
	}
	return snapshotter.LoadSnapshot(ctx, aggType, aggID)
}

// ApplySnapshot loads the latest snapshot for agg and restores its state,
// version and sequence from it. A schema mismatch fails with
// ErrSnapshotIncompatible and leaves agg untouched.
func ApplySnapshot(ctx context.Context, snapshotter Snapshotter, agg Aggregate) (err error) {
	snapshot, err := LoadSnapshot(ctx, snapshotter, agg.GetAggType(), agg.GetID())
	if err != nil {
		return err
	}
	return RestoreSnapshot(agg, snapshot)
}

// RestoreSnapshot restores agg from an already loaded snapshot.
func RestoreSnapshot(agg Aggregate, snapshot *Snapshot) (err error) {
	if want := snapshotSchemaOf(agg); snapshot.SchemaVersion != want {
		return fmt.Errorf("%w: stored v%d, aggregate expects v%d",
			ErrSnapshotIncompatible, snapshot.SchemaVersion, want)
	}
	if sss, ok := any(agg).(Snapshottable); ok {
		err = sss.RestoreSnapshot(snapshot.Data)
	} else {
		err = json.Unmarshal(snapshot.Data, agg)
	}
	if err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}
	agg.setVersion(snapshot.Version)
	agg.setSeq(snapshot.Seq)
	return nil
}

// CreateSnapshot materializes the current state of agg into a Snapshot.
func CreateSnapshot(agg Aggregate) (ss *Snapshot, err error) {
	var data []byte
	s, ok := any(agg).(Snapshottable)
	if ok {
		data, err = s.Snapshot()
	} else {
		data, err = json.Marshal(agg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot aggregate state: %w", err)
	}
	ss = &Snapshot{
		SnapshotID:    gonanoid.Must(),
		Seq:           agg.GetSeq(),
		AggregateID:   agg.GetID(),
		AggregateType: agg.GetAggType(),
		Version:       agg.GetVersion(),
		CreatedAt:     time.Now(),
		Encoding:      "json",
		Data:          data,
		SchemaVersion: snapshotSchemaOf(agg),
	}
	return
}

// === In-Memory Snapshotter ===

type InMemorySnapshotter struct {
	mu        sync.Mutex
	log       *slog.Logger
	snapshots map[string]*Snapshot
}

func NewInMemorySnapshotter() *InMemorySnapshotter {
	return &InMemorySnapshotter{
		log:       slog.Default().With(slog.String("snapshotter", "memory")),
		snapshots: map[string]*Snapshot{},
	}
}

func (i *InMemorySnapshotter) SaveSnapshot(_ context.Context, snapshot *Snapshot) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	sk := fmt.Sprintf("%s-%s", snapshot.AggregateType, snapshot.AggregateID)
	i.snapshots[sk] = snapshot
	return nil
}

func (i *InMemorySnapshotter) LoadSnapshot(_ context.Context, aggType, aggID string) (*Snapshot, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	sk := fmt.Sprintf("%s-%s", aggType, aggID)
	s, ok := i.snapshots[sk]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return s, nil
}

var _ Snapshotter = &InMemorySnapshotter{}

// === Key-Value Snapshotter ===

// KeyValueSnapshotter persists snapshots on any kv.Store, e.g. the in-memory
// store or a JetStream bucket (adapters/nats).
type KeyValueSnapshotter struct {
	store kv.Store
}

func NewKeyValueSnapshotter(store kv.Store) *KeyValueSnapshotter {
	return &KeyValueSnapshotter{store: store}
}

func (k *KeyValueSnapshotter) key(aggType, aggID string) string {
	return fmt.Sprintf("snapshot.%s.%s", aggType, aggID)
}

func (k *KeyValueSnapshotter) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	return k.SaveSnapshotWithTTL(ctx, snapshot, 0)
}

func (k *KeyValueSnapshotter) SaveSnapshotWithTTL(ctx context.Context, snapshot *Snapshot, ttl time.Duration) error {
	return kv.Put(ctx, k.store, k.key(snapshot.AggregateType, snapshot.AggregateID), snapshot, kv.PutOptions{TTL: ttl})
}

func (k *KeyValueSnapshotter) LoadSnapshot(ctx context.Context, aggType, aggID string) (*Snapshot, error) {
	s, err := kv.Get[*Snapshot](ctx, k.store, k.key(aggType, aggID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return s, nil
}

var (
	_ Snapshotter    = (*KeyValueSnapshotter)(nil)
	_ ttlSnapshotter = (*KeyValueSnapshotter)(nil)
)
