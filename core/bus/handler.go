package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/codewandler/sourcing-go/core/es"
	"github.com/codewandler/sourcing-go/core/metrics"
)

// Event is a decoded domain event together with its envelope as it travels
// over the bus. The embedded envelope provides ID, versions and Topic().
type Event struct {
	es.Envelope
	Payload any
}

func NewEvent(env es.Envelope, payload any) Event {
	return Event{Envelope: env, Payload: payload}
}

type (
	Handler interface {
		Handle(ctx context.Context, ev Event) error
	}
	HandleFunc func(ctx context.Context, ev Event) error

	// Middleware wraps a handler. Middlewares are applied in reverse
	// registration order, so the first registered runs outermost.
	Middleware func(next Handler) Handler
)

func (f HandleFunc) Handle(ctx context.Context, ev Event) error { return f(ctx, ev) }

func applyMiddlewares(h Handler, middlewares []Middleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// === log ===

func NewLogMiddleware(log *slog.Logger) Middleware {
	if log == nil {
		log = slog.Default()
	}
	return func(next Handler) Handler {
		return HandleFunc(func(ctx context.Context, ev Event) error {
			handleAt := time.Now()

			l := log.With(
				slog.Group(
					"event",
					slog.String("id", ev.ID),
					slog.String("topic", ev.Topic()),
					slog.Uint64("seq", ev.Seq),
					ev.Version.SlogAttr(),
				),
			)

			err := next.Handle(ctx, ev)
			if err != nil {
				l.Error("failed", slog.Any("error", err), slog.Duration("duration", time.Since(handleAt)))
			} else {
				l.Debug("handled", slog.Duration("duration", time.Since(handleAt)))
			}

			return err
		})
	}
}

// === timing ===

// NewTimingMiddleware records the duration of every handled event.
func NewTimingMiddleware(timer metrics.TimerFunc) Middleware {
	return func(next Handler) Handler {
		return HandleFunc(func(ctx context.Context, ev Event) error {
			defer timer().ObserveDuration()
			return next.Handle(ctx, ev)
		})
	}
}
