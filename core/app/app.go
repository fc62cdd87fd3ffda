package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Runnable is a long-running component supervised by the App, e.g. an
// outbox relay or a store sweep.
type Runnable interface {
	// Start launches the component and returns once it is running. The
	// component observes ctx for shutdown.
	Start(ctx context.Context) error
	// Stop halts the component and waits for it to finish.
	Stop()
}

type runnableFunc struct {
	start func(ctx context.Context) error
	stop  func()
}

func (r runnableFunc) Start(ctx context.Context) error {
	if r.start == nil {
		return nil
	}
	return r.start(ctx)
}

func (r runnableFunc) Stop() {
	if r.stop != nil {
		r.stop()
	}
}

// NewRunnable adapts start/stop funcs to the Runnable interface. Either may
// be nil.
func NewRunnable(start func(ctx context.Context) error, stop func()) Runnable {
	return runnableFunc{start: start, stop: stop}
}

type Config struct {
	Context context.Context
	Log     *slog.Logger
	Name    string
}

// App starts runnables in registration order and stops them in reverse.
// Canceling the configured context stops the app as well.
type App struct {
	ctx       context.Context
	cancelCtx context.CancelFunc
	log       *slog.Logger
	name      string

	mu        sync.Mutex
	runnables []Runnable
	started   []Runnable

	stopOnce sync.Once
	done     chan struct{}
}

func New(config Config, runnables ...Runnable) *App {
	// === config defaults ===
	if config.Name == "" {
		config.Name = fmt.Sprintf("app-%s", gonanoid.Must(6))
	}
	if config.Log == nil {
		config.Log = slog.Default()
	}
	if config.Context == nil {
		config.Context = context.Background()
	}

	a := &App{
		log:       config.Log.With(slog.String("app", config.Name)),
		name:      config.Name,
		runnables: runnables,
		done:      make(chan struct{}),
	}
	a.ctx, a.cancelCtx = context.WithCancel(config.Context)

	context.AfterFunc(a.ctx, a.Stop)

	return a
}

func (a *App) Context() context.Context { return a.ctx }

// Done is closed once the app has stopped.
func (a *App) Done() <-chan struct{} { return a.done }

// Add registers more runnables. Call before Run.
func (a *App) Add(runnables ...Runnable) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runnables = append(a.runnables, runnables...)
}

// Run starts all runnables in registration order. When one fails, the
// already started ones are stopped in reverse and the error is returned.
func (a *App) Run() error {
	a.mu.Lock()
	runnables := a.runnables
	a.mu.Unlock()

	for _, r := range runnables {
		name := fmt.Sprintf("%T", r)
		a.log.Debug("starting component", slog.String("component", name))
		if err := r.Start(a.ctx); err != nil {
			a.log.Error("component failed to start",
				slog.String("component", name), slog.Any("error", err))
			a.Stop()
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
		a.mu.Lock()
		a.started = append(a.started, r)
		a.mu.Unlock()
	}

	a.log.Info("app started", slog.Int("components", len(runnables)))
	return nil
}

// Stop stops all started runnables in reverse order, then cancels the app
// context. Safe to call more than once.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		a.log.Info("stopping")

		a.mu.Lock()
		started := a.started
		a.started = nil
		a.mu.Unlock()

		for i := len(started) - 1; i >= 0; i-- {
			name := fmt.Sprintf("%T", started[i])
			a.log.Debug("stopping component", slog.String("component", name))
			started[i].Stop()
		}

		a.cancelCtx()
		close(a.done)
		a.log.Info("stopped")
	})
}

// Shutdown stops the app, waiting at most until ctx is done.
func (a *App) Shutdown(ctx context.Context) error {
	go a.Stop()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run builds the app and starts it.
func Run(config Config, runnables ...Runnable) (*App, error) {
	a := New(config, runnables...)
	if err := a.Run(); err != nil {
		return nil, err
	}
	return a, nil
}
