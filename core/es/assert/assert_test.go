package assert

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssert(t *testing.T) {
	mustBeTrue := True(true, "must be true")
	require.True(t, mustBeTrue.Eval())
	require.NoError(t, mustBeTrue.Check())
	require.Equal(t, "must be true", mustBeTrue.String())

	mustBeFalse := False(false, "must be false")
	require.True(t, mustBeFalse.Eval())
	require.NoError(t, mustBeFalse.Check())

	require.NoError(t, All(mustBeTrue, mustBeFalse).Check())
	require.Error(t, All(mustBeTrue, mustBeFalse, newCond("foo", func() bool {
		return false
	})).Check())

	require.False(t, Not(mustBeTrue).Eval())
}

func TestAssert_Guards(t *testing.T) {
	require.NoError(t, NotEmpty("corn", "item name").Check())
	err := NotEmpty("", "item name").Check()
	require.ErrorContains(t, err, "item name must not be empty")

	require.NoError(t, Positive(5, "quantity").Check())
	require.ErrorContains(t, Positive(0, "quantity").Check(), "quantity must be positive, got 0")
	require.ErrorContains(t, Positive(-3, "quantity").Check(), "got -3")

	require.NoError(t, AtLeast(10, 10, "stock").Check())
	require.Error(t, AtLeast(9, 10, "stock").Check())
	require.NoError(t, AtMost(24, 24, "counter").Check())
	require.ErrorContains(t, AtMost(25, 24, "counter").Check(), "counter must be <= 24, got 25")

	require.NoError(t, Assert(
		NotEmpty("corn", "item name"),
		Positive(uint64(3), "quantity"),
	)())
}
