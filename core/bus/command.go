package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codewandler/sourcing-go/internal/reflector"
)

var (
	ErrNoCommandHandler         = errors.New("no command handler")
	ErrCommandAlreadyRegistered = errors.New("command handler already registered")
)

type (
	CommandHandler interface {
		HandleCommand(ctx context.Context, cmd any) (any, error)
	}
	CommandHandlerFunc func(ctx context.Context, cmd any) (any, error)
	CommandMiddleware  func(next CommandHandler) CommandHandler
)

func (f CommandHandlerFunc) HandleCommand(ctx context.Context, cmd any) (any, error) {
	return f(ctx, cmd)
}

func applyCommandMiddlewares(h CommandHandler, middlewares []CommandMiddleware) CommandHandler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// CommandNameOf derives the routing name of a command. Commands may override
// the default (the bare struct name) by implementing CommandName() string.
func CommandNameOf(cmd any) string {
	if c, ok := cmd.(interface{ CommandName() string }); ok {
		return c.CommandName()
	}
	return reflector.TypeInfoOf(cmd).Short
}

type commandRegistration struct {
	h    CommandHandler
	ctor func() any
}

// CommandBus routes each command to exactly one handler, synchronously.
type CommandBus struct {
	log     *slog.Logger
	metrics BusMetrics
	mws     []CommandMiddleware

	mu       sync.RWMutex
	handlers map[string]commandRegistration
}

func NewCommandBus(opts ...CommandBusOption) *CommandBus {
	options := newCommandBusOpts(opts...)
	return &CommandBus{
		log:      options.log.With(slog.String("component", "command_bus")),
		metrics:  options.metrics,
		mws:      options.mws,
		handlers: map[string]commandRegistration{},
	}
}

// Register binds a handler to a command name. A second registration for the
// same name fails with ErrCommandAlreadyRegistered.
func (b *CommandBus) Register(name string, h CommandHandler) error {
	return b.register(name, h, nil)
}

func (b *CommandBus) register(name string, h CommandHandler, ctor func() any) error {
	if name == "" {
		return errors.New("command name is empty")
	}
	if h == nil {
		return errors.New("command handler is nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrCommandAlreadyRegistered, name)
	}
	b.handlers[name] = commandRegistration{
		h:    applyCommandMiddlewares(h, b.mws),
		ctor: ctor,
	}
	b.log.Debug("command registered", slog.String("command", name))
	return nil
}

func (b *CommandBus) lookup(name string) (commandRegistration, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	reg, ok := b.handlers[name]
	if !ok {
		return commandRegistration{}, fmt.Errorf("%w: %s", ErrNoCommandHandler, name)
	}
	return reg, nil
}

// Dispatch routes cmd to its handler and returns the handler's result.
func (b *CommandBus) Dispatch(ctx context.Context, cmd any) (any, error) {
	name := CommandNameOf(cmd)
	reg, err := b.lookup(name)
	if err != nil {
		return nil, err
	}
	return b.dispatch(ctx, name, reg, cmd)
}

// DispatchNamed routes a serialized command by name. When the command was
// registered via RegisterCommand the payload is decoded into its Go type
// first; otherwise the handler receives the raw payload.
func (b *CommandBus) DispatchNamed(ctx context.Context, name string, payload json.RawMessage) (any, error) {
	reg, err := b.lookup(name)
	if err != nil {
		return nil, err
	}

	var cmd any = payload
	if reg.ctor != nil {
		c := reg.ctor()
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, c); err != nil {
				return nil, fmt.Errorf("failed to decode command %s: %w", name, err)
			}
		}
		cmd = c
	}
	return b.dispatch(ctx, name, reg, cmd)
}

func (b *CommandBus) dispatch(ctx context.Context, name string, reg commandRegistration, cmd any) (any, error) {
	defer b.metrics.CommandDispatchDuration(name).ObserveDuration()

	res, err := reg.h.HandleCommand(ctx, cmd)
	if err != nil {
		b.metrics.CommandFailed(name)
		return res, fmt.Errorf("command %s: %w", name, err)
	}
	return res, nil
}

// RegisterCommand registers a typed handler under the command's derived
// name. Dispatch accepts both T and *T payloads.
func RegisterCommand[T any](b *CommandBus, fn func(ctx context.Context, cmd *T) (any, error)) error {
	name := CommandNameOf(new(T))
	h := CommandHandlerFunc(func(ctx context.Context, cmd any) (any, error) {
		switch c := cmd.(type) {
		case *T:
			return fn(ctx, c)
		case T:
			return fn(ctx, &c)
		default:
			return nil, fmt.Errorf("command %s: unexpected payload type %T", name, cmd)
		}
	})
	return b.register(name, h, func() any { return new(T) })
}
