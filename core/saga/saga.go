package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/codewandler/sourcing-go/core/bus"
)

var ErrInvalidTransition = errors.New("invalid saga transition")

// Status is the lifecycle state of a saga instance.
type Status string

const (
	StatusStarted      Status = "started"
	StatusWaiting      Status = "waiting"
	StatusCompensating Status = "compensating"
	StatusCompleted    Status = "completed"
	StatusCompensated  Status = "compensated"
	StatusFailed       Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusStarted:      {StatusWaiting, StatusCompensating, StatusCompleted, StatusFailed},
	StatusWaiting:      {StatusWaiting, StatusCompensating, StatusCompleted, StatusFailed},
	StatusCompensating: {StatusCompensated, StatusFailed},
}

// Command is a serialized command queued by a saga, routed by name through
// the command bus.
type Command struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewCommand serializes cmd into a Command routed by its derived name.
func NewCommand(cmd any) (Command, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return Command{}, err
	}
	return Command{Name: bus.CommandNameOf(cmd), Payload: payload}, nil
}

// Step records one completed unit of saga work and how to undo it.
type Step struct {
	Name           string          `json:"name"`
	Command        json.RawMessage `json:"command,omitempty"`
	CompensateWith *Command        `json:"compensate_with,omitempty"`
	CompletedAt    time.Time       `json:"completed_at"`
	CompensatedAt  *time.Time      `json:"compensated_at,omitempty"`
}

// Instance is the persisted state of one saga execution.
type Instance struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Status     Status          `json:"status"`
	Version    uint64          `json:"version"` // optimistic lock, bumped on save
	Data       json.RawMessage `json:"data,omitempty"`
	Steps      []Step          `json:"steps,omitempty"`
	Retries    int             `json:"retries"`
	MaxRetries int             `json:"max_retries"`
	Reason     string          `json:"reason,omitempty"`
	// LastCommand is the most recently dispatched command, kept for
	// redelivery on timeout.
	LastCommand *Command  `json:"last_command,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// queued during Handle, dispatched by the manager after the save
	pending []Command
}

func NewInstance(sagaType, id string) *Instance {
	now := time.Now()
	return &Instance{
		ID:        id,
		Type:      sagaType,
		Status:    StatusStarted,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the instance to the given status, validating against the
// status machine.
func (i *Instance) Transition(to Status) error {
	for _, s := range transitions[i.Status] {
		if s == to {
			i.Status = to
			i.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, i.Status, to)
}

// Complete moves the instance to its successful terminal status.
func (i *Instance) Complete() error { return i.Transition(StatusCompleted) }

// MarkFailed records the failure reason and enters compensation when
// completed steps exist to undo; otherwise the instance fails directly.
func (i *Instance) MarkFailed(reason string) error {
	i.Reason = reason
	if i.hasCompensatableSteps() {
		return i.Transition(StatusCompensating)
	}
	return i.Transition(StatusFailed)
}

func (i *Instance) hasCompensatableSteps() bool {
	for _, s := range i.Steps {
		if s.CompensateWith != nil && s.CompensatedAt == nil && !s.CompletedAt.IsZero() {
			return true
		}
	}
	return false
}

// CompleteStep records a completed step. compensateWith, if non-nil, is the
// command undoing the step should the saga later compensate.
func (i *Instance) CompleteStep(name string, compensateWith *Command) {
	i.Steps = append(i.Steps, Step{
		Name:           name,
		CompensateWith: compensateWith,
		CompletedAt:    time.Now(),
	})
	i.UpdatedAt = time.Now()
}

// EnqueueCommand queues cmd for dispatch after the instance is saved.
func (i *Instance) EnqueueCommand(cmd any) error {
	c, err := NewCommand(cmd)
	if err != nil {
		return err
	}
	i.pending = append(i.pending, c)
	return nil
}

// EnqueueNamed queues an already serialized command.
func (i *Instance) EnqueueNamed(name string, payload json.RawMessage) {
	i.pending = append(i.pending, Command{Name: name, Payload: payload})
}

func (i *Instance) takePending() []Command {
	p := i.pending
	i.pending = nil
	return p
}

// SetData replaces the saga's custom state.
func (i *Instance) SetData(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	i.Data = data
	return nil
}

// GetData unmarshals the saga's custom state into v.
func (i *Instance) GetData(v any) error {
	if len(i.Data) == 0 {
		return nil
	}
	return json.Unmarshal(i.Data, v)
}

// Saga defines one orchestration. The manager subscribes it to the event
// bus, correlates events to instances and serializes all handling per
// instance ID.
type Saga interface {
	// Type names the saga, e.g. "order_fulfillment".
	Type() string
	// SubscribeTo returns the topic patterns this saga listens on.
	SubscribeTo() []string
	// Correlate extracts the saga ID from an event. ok=false means the
	// event does not belong to any instance of this saga.
	Correlate(ev bus.Event) (sagaID string, ok bool)
	// Handle advances the instance: transition status, complete steps,
	// enqueue commands or mark the saga failed.
	Handle(ctx context.Context, ins *Instance, ev bus.Event) error
}
