// Package outbox connects the event store's write side to the buses.
//
// The Queue is the transactional outbox: committed envelopes and commands
// land on it (in the same transaction in the SQL adapters) and the Relay
// moves them onto the event and command buses, marking rows processed only
// after a successful hand-off. StoreRelay does the same directly from the
// event store using a checkpoint, for setups without an outbox table.
// UnitOfWork is the write-side entry point combining repository save and
// hand-off.
package outbox
