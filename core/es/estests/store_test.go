package estests

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/sourcing-go/adapters/nats"
	"github.com/codewandler/sourcing-go/adapters/postgres"
	"github.com/codewandler/sourcing-go/adapters/sqlite"
	"github.com/codewandler/sourcing-go/core/es"
	"github.com/codewandler/sourcing-go/core/es/estests/domain"
)

type testCase struct {
	name        string
	store       es.EventStore
	snapshotter es.Snapshotter
}

func getStoreSUTs(t *testing.T) []testCase {
	var (
		streamSubjects = []string{"sourcing.es.>"}
		subjectPrefix  = "sourcing.es.tenant-1"
	)

	newNats := func() (*nats.EventStore, *es.KeyValueSnapshotter) {
		connectNatsC := nats.NewTestContainer(t)
		natsES, err := nats.NewEventStore(nats.EventStoreConfig{
			Log:            slog.Default(),
			Connect:        connectNatsC,
			StreamSubjects: streamSubjects,
			SubjectPrefix:  subjectPrefix,
		})
		require.NoError(t, err)
		require.NotNil(t, natsES)

		natsSnapshotter, err := nats.NewSnapshotter(nats.KvConfig{
			Connect: connectNatsC,
			Bucket:  "snapshots",
		})
		require.NoError(t, err)
		require.NotNil(t, natsSnapshotter)
		return natsES, natsSnapshotter
	}

	newSqlite := func() (*sqlite.EventStore, *sqlite.Snapshotter) {
		db, err := sqlite.Open(filepath.Join(t.TempDir(), "estests.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		return sqlite.NewEventStore(db), sqlite.NewSnapshotter(db)
	}

	newPostgres := func() (*postgres.EventStore, *postgres.Snapshotter) {
		db, err := postgres.Open(t.Context(), postgres.NewTestContainer(t))
		require.NoError(t, err)
		t.Cleanup(db.Close)
		return postgres.NewEventStore(db), postgres.NewSnapshotter(db)
	}

	suts := []testCase{
		{
			name:        "1. ALL memory",
			store:       es.NewInMemoryStore(),
			snapshotter: es.NewInMemorySnapshotter(),
		},
	}

	sqliteStore, sqliteSnaps := newSqlite()
	suts = append(suts, testCase{
		name:        "2. ALL sqlite",
		store:       sqliteStore,
		snapshotter: sqliteSnaps,
	})

	pgStore, pgSnaps := newPostgres()
	suts = append(suts, testCase{
		name:        "3. ALL postgres",
		store:       pgStore,
		snapshotter: pgSnaps,
	})

	natsStore, natsSnaps := newNats()
	suts = append(suts, testCase{
		name:        "4. ALL nats",
		store:       natsStore,
		snapshotter: natsSnaps,
	})

	natsStore2, _ := newNats()
	suts = append(suts, testCase{
		name:        "5. store=nats, snapshotter=memory",
		store:       natsStore2,
		snapshotter: es.NewInMemorySnapshotter(),
	})

	return suts
}

type Tef func(opts ...es.EnvOption) *es.TestingEnv
type TestFunc func(t *testing.T, tef Tef)

func eachStore(testFunc TestFunc) func(t *testing.T) {
	return func(t *testing.T) {
		for _, sut := range getStoreSUTs(t) {
			t.Run(sut.name, func(t *testing.T) {
				testFunc(
					t,
					func(opts ...es.EnvOption) *es.TestingEnv {
						return es.StartTestEnv(
							t,
							es.WithSnapshotter(sut.snapshotter),
							es.WithStore(sut.store),
							es.WithAggregates(new(domain.InventoryItem)),
							es.WithEnvOpts(opts...),
						)
					},
				)
			})
		}
	}
}

func TestEventStore_All(t *testing.T) {
	slog.SetLogLoggerLevel(slog.LevelDebug)

	t.Run("start sequence", eachStore(func(t *testing.T, tef Tef) {
		sut := tef().Store()

		ar, err := sut.Append(
			t.Context(),
			"test", "1234", 0,
			[]es.Envelope{
				{ID: gonanoid.Must(), AggregateType: "test", AggregateID: "1234", Type: "test", SchemaVersion: 1, Version: 1, Data: []byte(`{}`), OccurredAt: time.Now()},
				{ID: gonanoid.Must(), AggregateType: "test", AggregateID: "1234", Type: "test", SchemaVersion: 1, Version: 2, Data: []byte(`{}`), OccurredAt: time.Now()},
			},
		)
		require.NoError(t, err)
		require.Equal(t, uint64(2), ar.LastSeq)
	}))

	t.Run("create, mutate, load", eachStore(func(t *testing.T, tef Tef) {
		te := tef()

		a := domain.NewInventoryItem("1000")
		require.Equal(t, "1000", a.GetID())
		require.Equal(t, 0, a.Available())

		t.Run("mutate", func(t *testing.T) {
			require.NoError(t, a.Receive(5))
			require.Equal(t, 5, a.Available())
			require.NoError(t, te.Repository().Save(t.Context(), a, es.WithSnapshot(true)))
		})

		t.Run("load", func(t *testing.T) {
			loaded := domain.NewInventoryItem("1000")
			require.NoError(t, te.Repository().Load(t.Context(), loaded, es.WithSnapshot(true)))
			require.Equal(t, 5, loaded.Available())
			require.Equal(t, "1000", loaded.GetID())
			require.Equal(t, es.Version(1), loaded.GetVersion())
		})

		t.Run("inspect events", func(t *testing.T) {
			sut := te.Store()

			allEvents, err := sut.Load(t.Context(), a.GetAggType(), a.GetID())
			require.NoError(t, err)
			require.NotNil(t, allEvents)
			require.Len(t, allEvents, 1)

			first := allEvents[0]
			require.NotEmpty(t, first.Seq)
			require.Equal(t, es.Version(1), first.Version)
			require.Equal(t, "inventory_item.StockReceived", first.Topic())
		})
	}))

	t.Run("snapshots", eachStore(func(t *testing.T, tef Tef) {
		var (
			te      = tef()
			tr      = es.NewTypedRepositoryFrom[*domain.InventoryItem](slog.Default(), te.Repository())
			aggID   = "my-item-" + gonanoid.Must()
			aggType = tr.GetAggType()
		)

		t.Run("get or create", func(t *testing.T) {
			a, err := tr.GetOrCreate(t.Context(), aggID, es.WithSnapshot(true))
			require.NoError(t, err)
			require.NotNil(t, a)
			require.Equal(t, aggID, a.GetID())
			require.Equal(t, es.Version(1), a.GetVersion())
		})

		t.Run("save agg with snapshot", func(t *testing.T) {
			a, err := tr.GetByID(t.Context(), aggID)
			require.NoError(t, err)
			require.NoError(t, a.Receive(3))
			require.NoError(t, tr.Save(t.Context(), a, es.WithSnapshot(true)))
			require.Equal(t, es.Version(2), a.GetVersion())
		})

		t.Run("load snapshot", func(t *testing.T) {
			ss, err := es.LoadSnapshot(t.Context(), te.Snapshotter(), aggType, aggID)
			require.NoError(t, err)
			require.NotNil(t, ss)
			require.NotEmpty(t, ss.SnapshotID)
			require.Equal(t, aggID, ss.AggregateID)
			require.Equal(t, aggType, ss.AggregateType)
			require.Equal(t, es.Version(2), ss.Version)
			require.NotZero(t, ss.Seq)
		})

		t.Run("apply snapshot", func(t *testing.T) {
			a := tr.NewWithID(aggID)
			require.NoError(t, es.ApplySnapshot(t.Context(), te.Snapshotter(), a))
			require.Equal(t, es.Version(2), a.GetVersion(), "version must be correct")
			require.NotZero(t, a.GetSeq(), "seq must be correct")
			require.Equal(t, 3, a.Available(), "stock must be correct")
		})

		t.Run("load with snapshot option", func(t *testing.T) {
			a, err := tr.GetByID(t.Context(), aggID, es.WithSnapshot(true))
			require.NoError(t, err)
			require.NotNil(t, a)
			require.EqualValues(t, 2, a.GetVersion(), "version must be correct")
			require.Equal(t, 3, a.Available(), "stock must be correct")
		})
	}))

	t.Run("loadtest", eachStore(func(t *testing.T, tef Tef) {
		// --- config ---
		var (
			N     = 5_000
			aggID = "lt-5000"
			te    = tef()
		)

		// state
		a1 := domain.NewInventoryItem(aggID)
		numMutations := 0
		numReceipts := 0

		for i := 0; i < N; i++ {
			require.NoError(t, a1.Receive(1))
			numMutations++
			numReceipts++

			require.Equal(t, numReceipts, a1.NumReceipts)

			// recount to zero at 20
			if a1.OnHand == 20 {
				require.NoError(t, a1.Recount(0))
				require.NoError(t, te.Repository().Save(t.Context(), a1))
				numMutations++
			}

			if i%1000 == 0 && i > 0 || i == N-20 {
				require.NoError(t, te.Repository().Save(t.Context(), a1, es.WithSnapshot(true)))
				require.Equal(t, es.Version(numMutations), a1.GetVersion())
			} else if i%100 == 0 && i > 0 {
				require.NoError(t, te.Repository().Save(t.Context(), a1))
				require.Equal(t, es.Version(numMutations), a1.GetVersion())
			}
		}

		// final save
		require.NoError(t, te.Repository().Save(t.Context(), a1))
		require.Equal(t, es.Version(numMutations), a1.GetVersion())
		require.Equal(t, numReceipts, a1.NumReceipts)
		require.Equal(t, numReceipts, N)

		// === load ===
		loadAt := time.Now()

		a2 := domain.NewInventoryItem(aggID)
		require.NoError(t, te.Repository().Load(t.Context(), a2, es.WithSnapshot(true)))

		loadTook := time.Since(loadAt)
		t.Logf("load took: %s", loadTook)

		require.Equal(t, N, a2.NumReceipts)
		require.Equal(t, a1.OnHand, a2.OnHand)
		require.Equal(t, a1.GetSeq(), a2.GetSeq())
	}))
}
