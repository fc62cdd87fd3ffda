package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codewandler/sourcing-go/core/app"
)

const listenerBatch = 256

// Listener extends a store's subscriptions to appends from other processes.
// It holds one connection on LISTEN and, on every wake, reads rows past its
// cursor and feeds them to the store's subscribers. While it runs it owns
// dispatch, local appends stop dispatching directly.
//
// Appends racing the handover at start may be delivered twice. Subscribers
// are best effort either way, strict consumers poll ReadAll with a
// checkpoint.
type Listener struct {
	store *EventStore
	log   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ app.Runnable = (*Listener)(nil)

func NewListener(store *EventStore) *Listener {
	return &Listener{
		store: store,
		log:   store.log.With(slog.String("component", "listener")),
	}
}

func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return errors.New("listener already started")
	}

	cursor, err := l.store.maxSeq(ctx)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	l.store.listening.Store(true)

	conn, err := l.store.db.pool.Acquire(ctx)
	if err != nil {
		l.store.listening.Store(false)
		return fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		l.store.listening.Store(false)
		return fmt.Errorf("listen: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	go func() {
		defer func() {
			l.store.listening.Store(false)
			conn.Release()
			close(l.done)
		}()

		// flush appends that landed during the handover
		cursor = l.drain(ctx, cursor)

		for {
			if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
				if ctx.Err() == nil {
					l.log.Error("wait for notification", slog.Any("error", err))
				}
				return
			}
			cursor = l.drain(ctx, cursor)
		}
	}()

	l.log.Debug("listening", slog.Uint64("cursor", cursor))
	return nil
}

func (l *Listener) drain(ctx context.Context, cursor uint64) uint64 {
	for {
		batch, err := l.store.ReadAll(ctx, cursor, listenerBatch)
		if err != nil {
			if ctx.Err() == nil {
				l.log.Error("read events", slog.Any("error", err))
			}
			return cursor
		}
		if len(batch) == 0 {
			return cursor
		}
		l.store.dispatch(batch)
		cursor = batch[len(batch)-1].Seq
	}
}

func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
