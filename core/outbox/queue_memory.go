package outbox

import (
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a process-local outbox for tests and single-process
// setups where durability comes from the event store alone.
type InMemoryQueue struct {
	mu     sync.Mutex
	seq    uint64
	lanes  map[Kind][]Message
	notify chan struct{}
}

var _ Queue = (*InMemoryQueue)(nil)

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		lanes:  map[Kind][]Message{},
		notify: make(chan struct{}, 1),
	}
}

func (q *InMemoryQueue) Enqueue(_ context.Context, kind Kind, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	q.mu.Lock()
	for _, m := range msgs {
		q.seq++
		m.Seq = q.seq
		m.Processed = false
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		q.lanes[kind] = append(q.lanes[kind], m)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *InMemoryQueue) Unprocessed(_ context.Context, kind Kind, limit int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Message
	for _, m := range q.lanes[kind] {
		if m.Processed {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *InMemoryQueue) MarkProcessed(_ context.Context, kind Kind, seqs ...uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	lane := q.lanes[kind]
	for _, seq := range seqs {
		for i := range lane {
			if lane[i].Seq == seq {
				lane[i].Processed = true
				break
			}
		}
	}

	// drop the fully processed head so lanes do not grow without bound
	i := 0
	for i < len(lane) && lane[i].Processed {
		i++
	}
	q.lanes[kind] = lane[i:]

	return nil
}

func (q *InMemoryQueue) Notify() <-chan struct{} { return q.notify }
