package es

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBaseAggregate_Create(t *testing.T) {
	a := &testCounter{}
	require.NoError(t, a.Create("c-1"))
	require.Equal(t, "c-1", a.GetID())
	require.True(t, a.IsCreated())
	require.Len(t, a.Uncommitted(), 1)

	t.Run("twice fails", func(t *testing.T) {
		require.ErrorContains(t, a.Create("c-1"), "already created")
	})

	t.Run("empty id fails", func(t *testing.T) {
		b := &testCounter{}
		require.ErrorContains(t, b.Create(""), "id is required")
	})
}

func TestBaseAggregate_Uncommitted(t *testing.T) {
	a := &testCounter{}
	a.Raise(&counterIncremented{By: 1})
	a.Raise(&counterIncremented{By: 2})

	events := a.Uncommitted()
	require.Len(t, events, 2)

	// the returned slice is a copy
	events[0] = nil
	require.NotNil(t, a.Uncommitted()[0])

	a.ClearUncommitted()
	require.Empty(t, a.Uncommitted())
}

type validatedEvent struct {
	Qty int `json:"qty"`
}

func (e validatedEvent) Validate() error {
	if e.Qty <= 0 {
		return errors.New("qty must be positive")
	}
	return nil
}

type validatingAgg struct {
	BaseAggregate
	Applied int
}

func (a *validatingAgg) GetAggType() string { return "validating" }
func (a *validatingAgg) Register(Registrar) {}
func (a *validatingAgg) Apply(event any) error {
	switch event.(type) {
	case *validatedEvent:
		a.Applied++
		return nil
	}
	return a.BaseAggregate.Apply(event)
}

func TestRaiseAndApply_Validates(t *testing.T) {
	a := &validatingAgg{}

	err := RaiseAndApply(a, &validatedEvent{Qty: 0})
	require.ErrorContains(t, err, "qty must be positive")
	require.Empty(t, a.Uncommitted(), "invalid events leave the aggregate untouched")
	require.Zero(t, a.Applied)

	require.NoError(t, RaiseAndApply(a, &validatedEvent{Qty: 3}, &validatedEvent{Qty: 4}))
	require.Len(t, a.Uncommitted(), 2)
	require.Equal(t, 2, a.Applied)
}
