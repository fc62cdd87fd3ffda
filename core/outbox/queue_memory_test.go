package outbox

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueue(t *testing.T) {
	ctx := t.Context()

	t.Run("enqueue assigns monotonic seqs across lanes", func(t *testing.T) {
		q := NewInMemoryQueue()
		require.NoError(t, q.Enqueue(ctx, KindEvents, []Message{
			{Payload: json.RawMessage(`1`)},
			{Payload: json.RawMessage(`2`)},
		}))
		require.NoError(t, q.Enqueue(ctx, KindCommands, []Message{
			{Payload: json.RawMessage(`3`)},
		}))

		events, err := q.Unprocessed(ctx, KindEvents, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, uint64(1), events[0].Seq)
		assert.Equal(t, uint64(2), events[1].Seq)
		assert.False(t, events[0].CreatedAt.IsZero())

		commands, err := q.Unprocessed(ctx, KindCommands, 0)
		require.NoError(t, err)
		require.Len(t, commands, 1)
		assert.Equal(t, uint64(3), commands[0].Seq)
	})

	t.Run("unprocessed honors limit and order", func(t *testing.T) {
		q := NewInMemoryQueue()
		for i := 0; i < 5; i++ {
			require.NoError(t, q.Enqueue(ctx, KindEvents, []Message{{Payload: json.RawMessage(`{}`)}}))
		}

		got, err := q.Unprocessed(ctx, KindEvents, 3)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, uint64(1), got[0].Seq)
		assert.Equal(t, uint64(3), got[2].Seq)
	})

	t.Run("mark processed removes rows from the pending set", func(t *testing.T) {
		q := NewInMemoryQueue()
		require.NoError(t, q.Enqueue(ctx, KindEvents, []Message{
			{Payload: json.RawMessage(`1`)},
			{Payload: json.RawMessage(`2`)},
			{Payload: json.RawMessage(`3`)},
		}))

		require.NoError(t, q.MarkProcessed(ctx, KindEvents, 1, 3))

		got, err := q.Unprocessed(ctx, KindEvents, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, uint64(2), got[0].Seq)
	})

	t.Run("notify is signaled on enqueue and coalesced", func(t *testing.T) {
		q := NewInMemoryQueue()
		require.NoError(t, q.Enqueue(ctx, KindEvents, []Message{{Payload: json.RawMessage(`1`)}}))
		require.NoError(t, q.Enqueue(ctx, KindEvents, []Message{{Payload: json.RawMessage(`2`)}}))

		select {
		case <-q.Notify():
		default:
			t.Fatal("expected a pending notification")
		}
		select {
		case <-q.Notify():
			t.Fatal("notifications should coalesce into one signal")
		default:
		}
	})

	t.Run("enqueue ignores caller-set seq and processed flag", func(t *testing.T) {
		q := NewInMemoryQueue()
		require.NoError(t, q.Enqueue(ctx, KindEvents, []Message{
			{Seq: 99, Processed: true, Payload: json.RawMessage(`1`)},
		}))

		got, err := q.Unprocessed(ctx, KindEvents, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, uint64(1), got[0].Seq)
	})
}
