package outbox

import (
	"context"
	"encoding/json"
	"time"
)

// Kind separates the two outbox lanes: committed event envelopes and
// commands awaiting dispatch.
type Kind string

const (
	KindEvents   Kind = "events"
	KindCommands Kind = "commands"
)

// Message is one outbox row. Seq is assigned by the queue on enqueue and is
// monotonic across both lanes.
type Message struct {
	Seq       uint64          `json:"seq"`
	Payload   json.RawMessage `json:"payload"`
	Processed bool            `json:"processed"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue is a durable, ordered hand-off between the write side and the relay.
// Rows stay until MarkProcessed, so the relay may see a row more than once.
type Queue interface {
	Enqueue(ctx context.Context, kind Kind, msgs []Message) error
	// Unprocessed returns pending rows in seq order, at most limit
	// (limit <= 0 means no limit).
	Unprocessed(ctx context.Context, kind Kind, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, kind Kind, seqs ...uint64) error
	// Notify signals that new rows may be pending. Signals are collapsed,
	// consumers pair the channel with polling.
	Notify() <-chan struct{}
}

// Command is the payload shape of rows on the commands lane.
type Command struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Enqueue marshals values and enqueues them as one batch.
func Enqueue(ctx context.Context, q Queue, kind Kind, vs ...any) error {
	if len(vs) == 0 {
		return nil
	}
	msgs := make([]Message, 0, len(vs))
	for _, v := range vs {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		msgs = append(msgs, Message{Payload: data})
	}
	return q.Enqueue(ctx, kind, msgs)
}
