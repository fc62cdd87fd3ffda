package ds

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type counter struct {
	ID string `json:"id"`
	N  int    `json:"n"`
}

func (counter) Create(id string) *counter { return &counter{ID: id} }

func TestMap_Ensure(t *testing.T) {
	m := NewMap[counter]()

	e := m.Ensure("a")
	require.Equal(t, "a", e.ID, "factory seeds the id")
	e.N = 3

	require.Equal(t, 3, m.Ensure("a").N, "second Ensure returns the same entry")
	require.Equal(t, 1, m.Len())
}

func TestMap_GetRemove(t *testing.T) {
	m := NewMap[counter]()

	_, ok := m.Get("a")
	require.False(t, ok, "Get does not create")
	require.Equal(t, 0, m.Len())

	m.Ensure("a").N = 1
	e, ok := m.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, e.N)

	m.Remove("a")
	_, ok = m.Get("a")
	require.False(t, ok)
}

func TestMap_KeysSorted(t *testing.T) {
	m := NewMap[counter]()
	m.Ensure("b")
	m.Ensure("a")
	m.Ensure("c")
	require.Equal(t, []string{"a", "b", "c"}, m.Keys())

	var seen []string
	m.ForEach(func(id string, _ *counter) { seen = append(seen, id) })
	require.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestMap_ZeroValueUsable(t *testing.T) {
	var m Map[counter]
	m.Ensure("a").N = 1
	require.Equal(t, 1, m.Len())
	m.Remove("a")
	require.Equal(t, 0, m.Len())
}

func TestMap_JSON(t *testing.T) {
	t.Run("marshal", func(t *testing.T) {
		m := NewMap[counter]()
		m.Ensure("foobar").N = 10
		data, err := json.Marshal(m)
		require.NoError(t, err)
		require.Equal(t, `{"foobar":{"id":"foobar","n":10}}`, string(data))
	})

	t.Run("marshal empty", func(t *testing.T) {
		var m Map[counter]
		data, err := json.Marshal(m)
		require.NoError(t, err)
		require.Equal(t, `{}`, string(data))
	})

	t.Run("unmarshal", func(t *testing.T) {
		var m Map[counter]
		require.NoError(t, json.Unmarshal([]byte(`{"foobar":{"id":"foobar","n":10}}`), &m))
		require.Equal(t, 10, m.Ensure("foobar").N)
	})
}
