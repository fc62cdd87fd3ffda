// Package bus provides the in-process event bus and the command bus.
//
// Events are addressed by topic "<aggregate_type>.<event_type>" and matched
// against NATS-style subscription patterns ("*" one token, ">" the rest).
// Dispatch is synchronous: handlers for one event run in priority order, and
// every handler runs even when an earlier one fails. Failures aggregate into
// [*DispatchError] after the whole fan-out finished, so one bad handler never
// starves its siblings. Batches fan out concurrently across events with a
// bounded limit.
//
// Deliveries are idempotent within a sliding window: each (subscription,
// event ID) pair is delivered at most once, which makes at-least-once
// redelivery from the outbox relay safe.
//
// The command bus routes each command to exactly one handler and returns its
// result synchronously.
package bus
