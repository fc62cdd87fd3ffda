// Package assert provides small composable preconditions for aggregate
// command methods. A failed condition yields an error naming the condition,
// so the guard reads as documentation:
//
//	if err := assert.Assert(
//	    assert.NotEmpty(name, "item name"),
//	    assert.Positive(qty, "quantity"),
//	)(); err != nil {
//	    return err
//	}
package assert

import (
	"cmp"
	"fmt"
)

type Func func() error
type CondFunc func() bool

type Cond interface {
	String() string
	Eval() bool
	Check() error
}

type cond struct {
	name  string
	cond  CondFunc
	check func() error
}

func (c *cond) Check() error   { return c.check() }
func (c *cond) String() string { return c.name }
func (c *cond) Eval() bool     { return c.cond() }

func newCond(name string, condFn CondFunc) *cond {
	return &cond{name: name, cond: condFn, check: func() error {
		if !condFn() {
			return fmt.Errorf("assertion failed: %s", name)
		}
		return nil
	}}
}

func Not(c Cond) Cond {
	return newCond(fmt.Sprintf("[not](%s)", c.String()), func() bool { return !c.Eval() })
}
func True(v bool, name string) Cond  { return newCond(name, func() bool { return v }) }
func False(v bool, name string) Cond { return newCond(name, func() bool { return !v }) }

// NotEmpty fails when s is the empty string.
func NotEmpty(s string, name string) Cond {
	return newCond(fmt.Sprintf("%s must not be empty", name), func() bool { return s != "" })
}

// Positive fails when v <= 0.
func Positive[T cmp.Ordered](v T, name string) Cond {
	var zero T
	return newCond(fmt.Sprintf("%s must be positive, got %v", name, v), func() bool { return v > zero })
}

// AtLeast fails when v < min.
func AtLeast[T cmp.Ordered](v, min T, name string) Cond {
	return newCond(fmt.Sprintf("%s must be >= %v, got %v", name, min, v), func() bool { return v >= min })
}

// AtMost fails when v > max.
func AtMost[T cmp.Ordered](v, max T, name string) Cond {
	return newCond(fmt.Sprintf("%s must be <= %v, got %v", name, max, v), func() bool { return v <= max })
}

func All(cs ...Cond) Cond {
	all := newCond("all", func() bool {
		for _, c := range cs {
			if !c.Eval() {
				return false
			}
		}
		return true
	})

	all.check = func() error {
		for _, c := range cs {
			if err := c.Check(); err != nil {
				return err
			}
		}
		return nil
	}

	return all
}

func Assert(cond ...Cond) Func {
	return All(cond...).Check
}
