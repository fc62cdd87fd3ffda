package es

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/sourcing-go/ports/kv"
)

func TestSnapshot_Roundtrip(t *testing.T) {
	a := &testCounter{}
	require.NoError(t, a.Create("c-1"))
	require.NoError(t, a.Inc(4))
	a.setVersion(2)
	a.setSeq(12)

	ss, err := CreateSnapshot(a)
	require.NoError(t, err)
	require.NotEmpty(t, ss.SnapshotID)
	require.Equal(t, "counter", ss.AggregateType)
	require.Equal(t, "c-1", ss.AggregateID)
	require.Equal(t, Version(2), ss.Version)
	require.Equal(t, uint64(12), ss.Seq)
	require.Equal(t, 1, ss.SchemaVersion)
	require.Equal(t, "json", ss.Encoding)

	restored := &testCounter{}
	restored.SetID("c-1")
	require.NoError(t, RestoreSnapshot(restored, ss))
	require.Equal(t, 4, restored.Counter)
	require.Equal(t, Version(2), restored.GetVersion())
	require.Equal(t, uint64(12), restored.GetSeq())
}

func TestSnapshot_SchemaMismatch(t *testing.T) {
	a := &testCounterV2{}
	a.SetID("c-1")

	err := RestoreSnapshot(a, &Snapshot{SchemaVersion: 1, Data: []byte(`{}`)})
	require.ErrorIs(t, err, ErrSnapshotIncompatible)
	require.Equal(t, Version(0), a.GetVersion(), "aggregate untouched")
}

// b64Counter snapshots its state through a custom encoding instead of the
// default JSON marshal of the aggregate.
type b64Counter struct {
	testCounter
}

func (a *b64Counter) Snapshot() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString([]byte{byte(a.Counter)})), nil
}

func (a *b64Counter) RestoreSnapshot(data []byte) error {
	raw, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return err
	}
	a.Counter = int(raw[0])
	return nil
}

func TestSnapshot_CustomEncoding(t *testing.T) {
	a := &b64Counter{}
	a.SetID("c-1")
	a.Counter = 42

	ss, err := CreateSnapshot(a)
	require.NoError(t, err)

	restored := &b64Counter{}
	restored.SetID("c-1")
	require.NoError(t, RestoreSnapshot(restored, ss))
	require.Equal(t, 42, restored.Counter)
}

func TestKeyValueSnapshotter(t *testing.T) {
	sut := NewKeyValueSnapshotter(kv.NewMemStore())

	_, err := sut.LoadSnapshot(t.Context(), "counter", "c-1")
	require.ErrorIs(t, err, ErrSnapshotNotFound)

	a := &testCounter{}
	a.SetID("c-1")
	a.Counter = 3
	a.setVersion(1)

	ss, err := CreateSnapshot(a)
	require.NoError(t, err)
	require.NoError(t, sut.SaveSnapshot(t.Context(), ss))

	loaded, err := sut.LoadSnapshot(t.Context(), "counter", "c-1")
	require.NoError(t, err)
	require.Equal(t, ss.SnapshotID, loaded.SnapshotID)
	require.Equal(t, Version(1), loaded.Version)

	t.Run("ttl expires entries", func(t *testing.T) {
		require.NoError(t, sut.SaveSnapshotWithTTL(t.Context(), ss, time.Millisecond))
		time.Sleep(5 * time.Millisecond)
		_, err := sut.LoadSnapshot(t.Context(), "counter", "c-1")
		require.ErrorIs(t, err, ErrSnapshotNotFound)
	})
}

func TestApplySnapshot(t *testing.T) {
	snapshotter := NewInMemorySnapshotter()

	a := &testCounter{}
	a.SetID("c-1")
	a.Counter = 8
	a.setVersion(3)
	a.setSeq(20)

	ss, err := CreateSnapshot(a)
	require.NoError(t, err)
	require.NoError(t, snapshotter.SaveSnapshot(t.Context(), ss))

	fresh := &testCounter{}
	fresh.SetID("c-1")
	require.NoError(t, ApplySnapshot(t.Context(), snapshotter, fresh))
	require.Equal(t, 8, fresh.Counter)
	require.Equal(t, Version(3), fresh.GetVersion())
	require.Equal(t, uint64(20), fresh.GetSeq())

	t.Run("nil snapshotter", func(t *testing.T) {
		require.ErrorIs(t, ApplySnapshot(t.Context(), nil, fresh), ErrSnapshotterUnconfigured)
	})
}

func TestSnapshotStrategies(t *testing.T) {
	cases := []struct {
		name     string
		strategy SnapshotStrategy
		events   int
		since    time.Duration
		want     bool
	}{
		{"every n, below threshold", EveryNEvents(10), 9, 0, false},
		{"every n, at threshold", EveryNEvents(10), 10, 0, true},
		{"every n disabled", EveryNEvents(0), 100, 0, false},
		{"max age, fresh", MaxAge(time.Hour), 5, time.Minute, false},
		{"max age, stale", MaxAge(time.Hour), 5, 2 * time.Hour, true},
		{"max age, no new events", MaxAge(time.Hour), 0, 2 * time.Hour, false},
		{"any of", AnyOf(EveryNEvents(100), MaxAge(time.Hour)), 1, 2 * time.Hour, true},
		{"any of, none", AnyOf(EveryNEvents(100), MaxAge(time.Hour)), 1, time.Minute, false},
		{"all of", AllOf(EveryNEvents(10), MaxAge(time.Hour)), 10, 2 * time.Hour, true},
		{"all of, partial", AllOf(EveryNEvents(10), MaxAge(time.Hour)), 10, time.Minute, false},
		{"all of, empty", AllOf(), 100, 2 * time.Hour, false},
		{"never", NeverSnapshot(), 1000, 100 * time.Hour, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.strategy.ShouldSnapshot(tc.events, tc.since))
		})
	}
}
