// Package es provides an event sourcing framework for building event-driven applications.
//
// # Overview
//
// Event sourcing is a pattern where application state is stored as a sequence of events
// rather than as current state snapshots. This package provides the core abstractions
// and implementations for building event-sourced systems in Go.
//
// # Core Components
//
// The package provides several key components:
//
// Aggregate: The domain object that encapsulates business logic and state changes.
// Events are raised within aggregates and applied to update internal state.
// Use [BaseAggregate] as an embeddable helper that tracks version and uncommitted events.
//
//	type User struct {
//	    es.BaseAggregate
//	    Name  string
//	    Email string
//	}
//
//	func (u *User) ChangeName(name string) error {
//	    return es.RaiseAndApply(u, &NameChanged{Name: name})
//	}
//
// EventStore: The persistence layer for events. It provides [EventStore.Load] to retrieve
// events for an aggregate and [EventStore.Append] to persist new events with optimistic
// concurrency control. [EventStore.ReadAll] reads across all streams in global sequence
// order, which is what the outbox relay and other catchup readers build on. Use
// [NewInMemoryStore] for testing or one of the adapters (sqlite, postgres, nats) for
// production storage.
//
// Repository: The application-level interface for working with aggregates.
// It handles loading aggregates by replaying events and saving new events.
// Use [NewTypedRepository] for type-safe operations with generics:
//
//	repo := es.NewTypedRepository[*User](log, store, registry)
//	user, err := repo.GetByID(ctx, "user-123")
//	user.ChangeName("New Name")
//	repo.Save(ctx, user)
//
// # Event Registration
//
// Events must be registered with an [EventRegistry] before they can be decoded:
//
//	registry := es.NewRegistry()
//	es.RegisterEvents(registry, es.Event[NameChanged](), es.Event[EmailChanged]())
//
// Payloads evolve over time. An event type declares its current schema version via
// SchemaVersion() int, and [UpcastFunc] transforms lift old payloads version by
// version during decode:
//
//	registry.RegisterUpcaster("NameChanged", 1, es.AddField("locale", "en"))
//
// # Snapshots
//
// For aggregates with many events, snapshots can optimize loading by capturing
// state at a point in time. Implement [Snapshottable] for custom serialization,
// or let the framework use JSON marshaling as a fallback:
//
//	// Load with snapshot optimization
//	user, err := repo.GetByID(ctx, "user-123", es.WithSnapshot(true))
//
//	// Save with snapshot
//	repo.Save(ctx, user, es.WithSnapshot(true))
//
// Automatic snapshotting is driven by a [SnapshotStrategy], e.g.
// [EveryNEvents] or [SnapshotOlderThan], configured via [WithSnapshotStrategy].
//
// # Concurrency Control
//
// The framework uses optimistic concurrency via the [Version] type. When saving,
// the repository checks that the aggregate's version matches the store's version.
// If another process has modified the aggregate, [ErrConcurrencyConflict] is returned.
//
// For serialized access to a single aggregate, use [TypedRepository.WithTransaction]:
//
//	repo.WithTransaction(ctx, "user-123", func(user *User) error {
//	    return user.ChangeName("New Name")
//	})
//
// # Environment
//
// The [Env] type wires store, registry, snapshotter and repository together
// with shared configuration:
//
//	env, err := es.NewEnv(
//	    es.WithLog(logger),
//	    es.WithStore(store),
//	    es.WithEvent[NameChanged](),
//	    es.WithAggregates(&User{}),
//	)
//	repo := env.Repository()
package es
