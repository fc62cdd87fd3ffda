package ds

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSet_JSON(t *testing.T) {
	s := NewStringSet("hello", "world", "!")

	data, err := json.Marshal(s)
	require.NoError(t, err)
	require.Equal(t, `["hello","world","!"]`, string(data))

	data, err = json.Marshal(*s)
	require.NoError(t, err)
	require.Equal(t, `["hello","world","!"]`, string(data))

	var back Set[string]
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, []string{"hello", "world", "!"}, back.Values())
}

func TestSet_JSON_empty(t *testing.T) {
	data, err := json.Marshal(NewStringSet())
	require.NoError(t, err)
	require.Equal(t, `[]`, string(data))
}

func TestSet_AddRemove(t *testing.T) {
	s := NewStringSet()
	require.True(t, s.IsEmpty())

	s.Add("hello")
	require.False(t, s.IsEmpty())
	require.True(t, s.Contains("hello"))

	s.Remove("hello")
	require.True(t, s.IsEmpty())
	require.False(t, s.Contains("hello"))
}

func TestSet_OrderIsStable(t *testing.T) {
	s := NewSet(3, 1, 2)
	s.Add(1) // repeated add keeps the original position
	require.Equal(t, []int{3, 1, 2}, s.Values())

	s.Remove(1)
	s.Add(1)
	require.Equal(t, []int{3, 2, 1}, s.Values())
}

func TestSet_ZeroValueUsable(t *testing.T) {
	var s Set[string]
	s.Add("a")
	require.True(t, s.Contains("a"))
	require.Equal(t, 1, s.Len())
}

func TestSet_ForEach(t *testing.T) {
	var seen []string
	NewStringSet("a", "b", "c").ForEach(func(v string) { seen = append(seen, v) })
	require.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestSet_CopyIsIndependent(t *testing.T) {
	a := NewStringSet("x", "y")
	b := a.Copy()
	b.Add("z")
	require.Equal(t, []string{"x", "y"}, a.Values())
	require.Equal(t, []string{"x", "y", "z"}, b.Values())
}

func TestSet_Eq(t *testing.T) {
	require.True(t, NewSet(1, 2, 3).Eq(NewSet(3, 2, 1)))
	require.False(t, NewSet(1, 2).Eq(NewSet(1, 2, 3)))
	require.True(t, NewStringSet("a", "b").EqValues("b", "a"))
}

func TestSet_Clear(t *testing.T) {
	s := NewStringSet("a", "b")
	s.Clear()
	require.True(t, s.IsEmpty())
	require.Empty(t, s.Values())
}
