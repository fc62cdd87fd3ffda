package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/codewandler/sourcing-go/core/bus"
	"github.com/codewandler/sourcing-go/core/perkey"
)

// CompensationError reports a compensation command that could not be
// dispatched; the instance is marked failed and needs manual intervention.
type CompensationError struct {
	SagaType string
	SagaID   string
	Step     string
	Err      error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("saga %s/%s: compensation of step %s failed: %v", e.SagaType, e.SagaID, e.Step, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

// Manager runs registered sagas: it subscribes them to the event bus,
// correlates events to instances, serializes handling per instance ID and
// dispatches the commands an instance enqueues. Failed instances are rolled
// back by dispatching each completed step's compensation command in reverse
// order.
type Manager struct {
	log        *slog.Logger
	metrics    SagaMetrics
	maxRetries int

	store    Store
	bus      *bus.Bus
	commands *bus.CommandBus
	sched    *perkey.Scheduler[string]

	mu    sync.Mutex
	sagas map[string]Saga
	subs  []*bus.Subscription
}

func NewManager(store Store, b *bus.Bus, commands *bus.CommandBus, opts ...ManagerOption) *Manager {
	options := newManagerOpts(opts...)
	return &Manager{
		log:        options.log.With(slog.String("component", "saga_manager")),
		metrics:    options.metrics,
		maxRetries: options.maxRetries,
		store:      store,
		bus:        b,
		commands:   commands,
		sched:      perkey.New[string](),
		sagas:      map[string]Saga{},
	}
}

// Register subscribes the saga to its topic patterns. All patterns share one
// subscription name, so the bus dedup window delivers an event only once per
// saga even when several patterns match it.
func (m *Manager) Register(s Saga) error {
	if s.Type() == "" {
		return errors.New("saga type is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sagas[s.Type()]; ok {
		return fmt.Errorf("saga already registered: %s", s.Type())
	}

	subName := "saga/" + s.Type()
	var subs []*bus.Subscription
	for _, pattern := range s.SubscribeTo() {
		sub, err := m.bus.Subscribe(pattern, m.handlerFor(s),
			bus.WithName(subName),
			bus.WithPriority(subscribePriority),
		)
		if err != nil {
			for _, made := range subs {
				made.Cancel()
			}
			return fmt.Errorf("saga %s: subscribe %q: %w", s.Type(), pattern, err)
		}
		subs = append(subs, sub)
	}

	m.sagas[s.Type()] = s
	m.subs = append(m.subs, subs...)
	m.log.Info("saga registered",
		slog.String("saga", s.Type()),
		slog.Any("patterns", s.SubscribeTo()),
	)
	return nil
}

// Close cancels all saga subscriptions and waits for in-flight handling to
// drain.
func (m *Manager) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	m.sched.Close()
}

func (m *Manager) handlerFor(s Saga) bus.Handler {
	return bus.HandleFunc(func(ctx context.Context, ev bus.Event) error {
		id, ok := s.Correlate(ev)
		if !ok || id == "" {
			return nil
		}
		return m.sched.DoContext(ctx, id, func() error {
			return m.retryConflicts(ctx, func() error {
				return m.process(ctx, s, id, ev)
			})
		})
	})
}

// retryConflicts reruns fn while it loses the optimistic lock on the
// instance. fn reloads the instance on every attempt.
func (m *Manager) retryConflicts(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(conflictAttempts),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrSagaConflict) }),
		retry.LastErrorOnly(true),
		retry.Delay(2*time.Millisecond),
		retry.MaxJitter(5*time.Millisecond),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
	)
}

func (m *Manager) process(ctx context.Context, s Saga, id string, ev bus.Event) error {
	defer m.metrics.HandleDuration(s.Type()).ObserveDuration()

	log := m.log.With(slog.Group("saga",
		slog.String("type", s.Type()),
		slog.String("id", id),
	))

	ins, err := m.store.Load(ctx, s.Type(), id)
	switch {
	case errors.Is(err, ErrSagaNotFound):
		ins = NewInstance(s.Type(), id)
		ins.MaxRetries = m.maxRetries
		m.metrics.InstanceStarted(s.Type())
		log.Debug("saga started", slog.String("event", ev.Topic()))
	case err != nil:
		return fmt.Errorf("saga %s/%s: load: %w", s.Type(), id, err)
	}

	if ins.Status.Terminal() {
		log.Debug("event ignored, saga is terminal", slog.String("status", string(ins.Status)))
		return nil
	}

	expected := ins.Version
	if err := s.Handle(ctx, ins, ev); err != nil {
		return fmt.Errorf("saga %s/%s: handle %s: %w", s.Type(), id, ev.Topic(), err)
	}

	if ins.Status == StatusCompensating {
		return m.compensate(ctx, ins, expected)
	}

	// LastCommand is persisted before dispatch so a timeout can redeliver it.
	if n := len(ins.pending); n > 0 {
		last := ins.pending[n-1]
		ins.LastCommand = &last
	}

	if err := m.save(ctx, ins, expected); err != nil {
		return err
	}

	if ins.Status.Terminal() {
		m.metrics.InstanceFinished(s.Type(), string(ins.Status))
		log.Info("saga finished", slog.String("status", string(ins.Status)))
	}

	return m.dispatchPending(ctx, ins, log)
}

func (m *Manager) save(ctx context.Context, ins *Instance, expected uint64) error {
	err := m.store.Save(ctx, ins, expected)
	if err != nil && errors.Is(err, ErrSagaConflict) {
		m.metrics.Conflict(ins.Type)
	}
	return err
}

func (m *Manager) dispatchPending(ctx context.Context, ins *Instance, log *slog.Logger) error {
	for _, cmd := range ins.takePending() {
		if _, err := m.commands.DispatchNamed(ctx, cmd.Name, cmd.Payload); err != nil {
			return fmt.Errorf("saga %s/%s: %w", ins.Type, ins.ID, err)
		}
		log.Debug("command dispatched", slog.String("command", cmd.Name))
	}
	return nil
}

// compensate undoes completed steps newest first. Progress is saved after
// every step, so a crash or conflict resumes where it stopped instead of
// compensating twice.
func (m *Manager) compensate(ctx context.Context, ins *Instance, expected uint64) error {
	log := m.log.With(slog.Group("saga",
		slog.String("type", ins.Type),
		slog.String("id", ins.ID),
	))
	log.Info("compensating", slog.String("reason", ins.Reason))

	if err := m.save(ctx, ins, expected); err != nil {
		return err
	}

	for i := len(ins.Steps) - 1; i >= 0; i-- {
		step := &ins.Steps[i]
		if step.CompensateWith == nil || step.CompensatedAt != nil || step.CompletedAt.IsZero() {
			continue
		}

		if _, err := m.commands.DispatchNamed(ctx, step.CompensateWith.Name, step.CompensateWith.Payload); err != nil {
			cerr := &CompensationError{SagaType: ins.Type, SagaID: ins.ID, Step: step.Name, Err: err}
			log.Error("compensation failed", slog.String("step", step.Name), slog.Any("error", err))
			if terr := ins.Transition(StatusFailed); terr == nil {
				if serr := m.save(ctx, ins, ins.Version); serr != nil {
					log.Error("failed to record compensation failure", slog.Any("error", serr))
				}
				m.metrics.InstanceFinished(ins.Type, string(ins.Status))
			}
			return cerr
		}

		now := time.Now()
		step.CompensatedAt = &now
		m.metrics.CompensationExecuted(ins.Type)
		if err := m.save(ctx, ins, ins.Version); err != nil {
			return err
		}
		log.Debug("step compensated", slog.String("step", step.Name))
	}

	if err := ins.Transition(StatusCompensated); err != nil {
		return err
	}
	if err := m.save(ctx, ins, ins.Version); err != nil {
		return err
	}
	m.metrics.InstanceFinished(ins.Type, string(ins.Status))
	log.Info("compensated")
	return nil
}

// OnTimeout handles an instance whose expected event never arrived: while
// retries remain the last command is dispatched again, afterwards the
// instance fails over into compensation.
func (m *Manager) OnTimeout(ctx context.Context, sagaType, id string) error {
	return m.sched.DoContext(ctx, id, func() error {
		return m.retryConflicts(ctx, func() error {
			return m.timeout(ctx, sagaType, id)
		})
	})
}

func (m *Manager) timeout(ctx context.Context, sagaType, id string) error {
	log := m.log.With(slog.Group("saga",
		slog.String("type", sagaType),
		slog.String("id", id),
	))

	ins, err := m.store.Load(ctx, sagaType, id)
	if err != nil {
		return fmt.Errorf("saga %s/%s: load: %w", sagaType, id, err)
	}
	if ins.Status.Terminal() {
		return nil
	}

	expected := ins.Version

	if ins.Retries < ins.MaxRetries {
		ins.Retries++
		if err := ins.Transition(StatusWaiting); err != nil {
			return err
		}
		if err := m.save(ctx, ins, expected); err != nil {
			return err
		}
		m.metrics.Retried(sagaType)
		log.Warn("saga timed out, retrying",
			slog.Int("retry", ins.Retries),
			slog.Int("max_retries", ins.MaxRetries),
		)
		if ins.LastCommand != nil {
			if _, err := m.commands.DispatchNamed(ctx, ins.LastCommand.Name, ins.LastCommand.Payload); err != nil {
				return fmt.Errorf("saga %s/%s: %w", sagaType, id, err)
			}
		}
		return nil
	}

	log.Warn("saga timed out, retries exhausted", slog.Int("retries", ins.Retries))
	if err := ins.MarkFailed("timeout: retries exhausted"); err != nil {
		return err
	}
	if ins.Status == StatusCompensating {
		return m.compensate(ctx, ins, expected)
	}
	if err := m.save(ctx, ins, expected); err != nil {
		return err
	}
	m.metrics.InstanceFinished(sagaType, string(ins.Status))
	return nil
}
