package nats

import (
	"log/slog"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/sourcing-go/core/es"
)

func newTestStore(t *testing.T) *EventStore {
	connectNatsC := NewTestContainer(t)
	store, err := NewEventStore(EventStoreConfig{
		Connect:       connectNatsC,
		Log:           slog.Default(),
		SubjectPrefix: "foo.tenant-1",
		StreamSubjects: []string{
			"foo.>",
		},
	})
	require.NoError(t, err)
	require.NotNil(t, store)
	return store
}

func testEnvelope(aggType, aggID string, version es.Version, eventType string) es.Envelope {
	return es.Envelope{
		ID:            gonanoid.Must(),
		OccurredAt:    time.Now(),
		AggregateType: aggType,
		AggregateID:   aggID,
		Type:          eventType,
		SchemaVersion: 1,
		Version:       version,
		Data:          []byte(`{"n":1}`),
	}
}

func recvEnvelope(t *testing.T, ch <-chan es.Envelope) es.Envelope {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return es.Envelope{}
	}
}

func TestStore_Append(t *testing.T) {
	slog.SetLogLoggerLevel(slog.LevelDebug)

	store := newTestStore(t)

	require.Equal(t, "foo.tenant-1.test.1234", store.subjectForAggregate("test", "1234"))

	t.Run("stream info", func(t *testing.T) {
		si, err := store.stream.Info(t.Context())
		require.NoError(t, err)
		require.NotNil(t, si)
		require.Equal(t, "SOURCING_ES", si.Config.Name)
		require.Equal(t, uint64(1), si.Config.FirstSeq)
		require.Equal(t, []string{"foo.>"}, si.Config.Subjects)
	})

	t.Run("end state", func(t *testing.T) {
		cons := store.stream.ConsumerNames(t.Context())
		require.NoError(t, cons.Err())
		allNames := make([]string, 0)
		for n := range cons.Name() {
			allNames = append(allNames, n)
		}
		require.Equal(t, []string{}, allNames, "no dangling consumers")
	})

	t.Run("append batches", func(t *testing.T) {
		res, err := store.Append(t.Context(), "test", "123", 0, []es.Envelope{
			testEnvelope("test", "123", 1, "somethingHappened"),
			testEnvelope("test", "123", 2, "somethingHappened"),
			testEnvelope("test", "123", 3, "somethingHappened"),
		})
		require.NoError(t, err)
		require.NotNil(t, res)
		require.EqualValues(t, 3, res.LastSeq)
		require.EqualValues(t, 3, res.LastVersion)

		v, err := store.getMostRecentEventForAgg(t.Context(), "test", "123")
		require.NoError(t, err)
		require.EqualValues(t, 3, v.Version)
		require.EqualValues(t, 3, v.Seq)

		res, err = store.Append(t.Context(), "test", "123", 3, []es.Envelope{
			testEnvelope("test", "123", 4, "somethingHappened"),
			testEnvelope("test", "123", 5, "somethingHappened"),
		})
		require.NoError(t, err)
		require.EqualValues(t, 5, res.LastSeq)
		require.EqualValues(t, 5, res.LastVersion)
	})

	t.Run("sequences continue across streams", func(t *testing.T) {
		res, err := store.Append(t.Context(), "invoice", "9", 0, []es.Envelope{
			testEnvelope("invoice", "9", 1, "issued"),
		})
		require.NoError(t, err)
		require.EqualValues(t, 6, res.LastSeq)
		require.EqualValues(t, 1, res.LastVersion)
	})

	t.Run("conflict on stale version", func(t *testing.T) {
		_, err := store.Append(t.Context(), "test", "123", 3, []es.Envelope{
			testEnvelope("test", "123", 4, "somethingHappened"),
		})
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)

		var conflict *es.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "test", conflict.AggregateType)
		assert.Equal(t, "123", conflict.AggregateID)
		assert.EqualValues(t, 3, conflict.Expected)
		assert.EqualValues(t, 5, conflict.Actual)
	})

	t.Run("version gap refused before publish", func(t *testing.T) {
		_, err := store.Append(t.Context(), "test", "123", 5, []es.Envelope{
			testEnvelope("test", "123", 6, "somethingHappened"),
			testEnvelope("test", "123", 9, "somethingHappened"),
		})
		require.Error(t, err)

		v, err := store.getMostRecentEventForAgg(t.Context(), "test", "123")
		require.NoError(t, err)
		require.EqualValues(t, 5, v.Version)
	})

	t.Run("empty batch", func(t *testing.T) {
		_, err := store.Append(t.Context(), "test", "123", 5, nil)
		require.ErrorIs(t, err, es.ErrStoreNoEvents)
	})
}

func TestStore_Load(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load(t.Context(), "order", "missing")
	require.ErrorIs(t, err, es.ErrAggregateNotFound)

	_, err = store.Append(t.Context(), "order", "o-1", 0, []es.Envelope{
		testEnvelope("order", "o-1", 1, "placed"),
		testEnvelope("order", "o-1", 2, "paid"),
		testEnvelope("order", "o-1", 3, "shipped"),
	})
	require.NoError(t, err)

	t.Run("full stream", func(t *testing.T) {
		events, err := store.Load(t.Context(), "order", "o-1")
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.EqualValues(t, 1, events[0].Version)
		assert.EqualValues(t, 1, events[0].Seq)
		assert.Equal(t, "order.placed", events[0].Topic())
		assert.JSONEq(t, `{"n":1}`, string(events[0].Data))
		assert.EqualValues(t, 3, events[2].Version)
		assert.EqualValues(t, 3, events[2].Seq)
	})

	t.Run("from version", func(t *testing.T) {
		events, err := store.Load(t.Context(), "order", "o-1", es.WithStartAtVersion(2))
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.EqualValues(t, 2, events[0].Version)
	})

	t.Run("from seq", func(t *testing.T) {
		events, err := store.Load(t.Context(), "order", "o-1", es.WithStartAtSeq(3))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.EqualValues(t, 3, events[0].Version)
	})

	t.Run("filtered empty is not missing", func(t *testing.T) {
		events, err := store.Load(t.Context(), "order", "o-1", es.WithStartAtVersion(10))
		require.NoError(t, err)
		require.Empty(t, events)
	})
}

func TestStore_ReadAll(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Append(t.Context(), "order", "a", 0, []es.Envelope{
		testEnvelope("order", "a", 1, "placed"),
		testEnvelope("order", "a", 2, "paid"),
	})
	require.NoError(t, err)
	_, err = store.Append(t.Context(), "invoice", "b", 0, []es.Envelope{
		testEnvelope("invoice", "b", 1, "issued"),
	})
	require.NoError(t, err)

	all, err := store.ReadAll(t.Context(), 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.EqualValues(t, 1, all[0].Seq)
	assert.EqualValues(t, 2, all[1].Seq)
	assert.EqualValues(t, 3, all[2].Seq)

	tail, err := store.ReadAll(t.Context(), 1, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.EqualValues(t, 2, tail[0].Seq)

	limited, err := store.ReadAll(t.Context(), 0, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)

	empty, err := store.ReadAll(t.Context(), 3, 0)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestStore_Subscribe(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Append(t.Context(), "test", "123", 0, []es.Envelope{
		testEnvelope("test", "123", 1, "somethingHappened"),
		testEnvelope("test", "123", 2, "somethingHappened"),
		testEnvelope("test", "123", 3, "somethingHappened"),
	})
	require.NoError(t, err)

	t.Run("deliver new", func(t *testing.T) {
		sub, err := store.Subscribe(t.Context())
		require.NoError(t, err)
		defer sub.Cancel()
		require.EqualValues(t, 3, sub.MaxSequence())

		_, err = store.Append(t.Context(), "test", "123", 3, []es.Envelope{
			testEnvelope("test", "123", 4, "somethingHappened"),
		})
		require.NoError(t, err)

		ev := recvEnvelope(t, sub.Chan())
		assert.EqualValues(t, 4, ev.Seq)
		assert.EqualValues(t, 4, ev.Version)
	})

	t.Run("from start sequence", func(t *testing.T) {
		sub, err := store.Subscribe(t.Context(), es.WithStartSequence(3), es.WithDeliverPolicy(es.DeliverAllPolicy))
		require.NoError(t, err)
		defer sub.Cancel()

		ev := recvEnvelope(t, sub.Chan())
		require.EqualValues(t, 3, ev.Seq)
	})

	t.Run("deliver all", func(t *testing.T) {
		sub, err := store.Subscribe(t.Context(), es.WithDeliverPolicy(es.DeliverAllPolicy))
		require.NoError(t, err)
		defer sub.Cancel()

		for want := uint64(1); want <= 4; want++ {
			ev := recvEnvelope(t, sub.Chan())
			require.EqualValues(t, want, ev.Seq)
		}
	})

	t.Run("filter by aggregate type", func(t *testing.T) {
		sub, err := store.Subscribe(t.Context(), es.WithFilters(es.SubscribeFilter{AggregateType: "invoice"}))
		require.NoError(t, err)
		defer sub.Cancel()

		_, err = store.Append(t.Context(), "test", "123", 4, []es.Envelope{
			testEnvelope("test", "123", 5, "somethingHappened"),
		})
		require.NoError(t, err)
		_, err = store.Append(t.Context(), "invoice", "9", 0, []es.Envelope{
			testEnvelope("invoice", "9", 1, "issued"),
		})
		require.NoError(t, err)

		ev := recvEnvelope(t, sub.Chan())
		assert.Equal(t, "invoice", ev.AggregateType)
		assert.EqualValues(t, 1, ev.Version)
	})
}
