package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrStoreNoEvents = errors.New("no events to store")
)

// ConflictError is returned by Append when the expected version does not
// match the current stream version. It matches ErrConcurrencyConflict via
// errors.Is and carries both versions so callers can log or reload.
type ConflictError struct {
	AggregateType string
	AggregateID   string
	Expected      Version
	Actual        Version
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s/%s: expected version %d, stream is at %d",
		e.AggregateType, e.AggregateID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConcurrencyConflict }

type (
	startVersionOption valueOption[Version]
	StartSeqOption     valueOption[uint64]

	eventStoreLoadOptions struct {
		startVersion Version
		startSeq     uint64
	}

	storeLoadOptionsReceiver interface {
		SetStartVersion(Version)
		SetStartSeq(uint64)
	}

	StoreLoadOption interface {
		ApplyToStoreLoadOptions(storeLoadOptionsReceiver)
	}
)

func (e *eventStoreLoadOptions) SetStartVersion(v Version) { e.startVersion = v }
func (e *eventStoreLoadOptions) SetStartSeq(seq uint64)    { e.startSeq = seq }
func WithStartAtVersion(startVersion Version) StoreLoadOption {
	return startVersionOption{startVersion}
}
func WithStartAtSeq(startSeq uint64) StartSeqOption { return StartSeqOption{startSeq} }
func (o startVersionOption) ApplyToStoreLoadOptions(receiver storeLoadOptionsReceiver) {
	receiver.SetStartVersion(o.v)
}
func (o StartSeqOption) ApplyToStoreLoadOptions(receiver storeLoadOptionsReceiver) {
	receiver.SetStartSeq(o.v)
}

type (
	StoreAppendResult struct {
		// LastSeq is the global sequence of the last appended envelope.
		LastSeq uint64
		// LastVersion is the stream version of the last appended envelope.
		LastVersion Version
	}

	// EventStore stores and loads envelopes per aggregate stream.
	//
	// Append is atomic per call: either every envelope of the batch is
	// persisted with contiguous versions following expectedVersion, or none
	// is. A mismatch between expectedVersion and the current stream version
	// fails with *ConflictError.
	EventStore interface {
		Stream
		Load(ctx context.Context, aggType string, aggID string, opts ...StoreLoadOption) ([]Envelope, error)
		Append(ctx context.Context, aggType string, aggID string, expectedVersion Version, events []Envelope) (*StoreAppendResult, error)
		// ReadAll returns envelopes across all streams in global order,
		// strictly after afterSeq. limit <= 0 means no limit.
		ReadAll(ctx context.Context, afterSeq uint64, limit int) ([]Envelope, error)
	}
)

// AppendEvents wraps raw domain events in envelopes and appends them in one
// atomic batch.
func AppendEvents(
	ctx context.Context,
	store EventStore,
	aggType string,
	aggID string,
	expect Version,
	events ...any,
) (*StoreAppendResult, error) {
	if len(events) == 0 {
		return nil, ErrStoreNoEvents
	}
	envelopes := make([]Envelope, 0, len(events))
	for i, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, Envelope{
			ID:            gonanoid.Must(),
			Type:          getEventTypeOf(ev),
			AggregateID:   aggID,
			AggregateType: aggType,
			SchemaVersion: schemaVersionOf(ev),
			Data:          data,
			OccurredAt:    time.Now(),
			Version:       expect + Version(i+1),
		})
	}
	return store.Append(
		ctx,
		aggType,
		aggID,
		expect,
		envelopes,
	)
}

// RetryOnConflict runs fn, retrying with backoff while it fails with
// ErrConcurrencyConflict. fn must reload its state before re-applying
// changes; any other error aborts immediately.
func RetryOnConflict(ctx context.Context, attempts uint, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrConcurrencyConflict) }),
		retry.LastErrorOnly(true),
		retry.Delay(2*time.Millisecond),
		retry.MaxJitter(5*time.Millisecond),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
	)
}
