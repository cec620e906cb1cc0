package crdt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLWWMap_SetAndGet(t *testing.T) {
	m := NewLWWMap("node-1", nil)
	m.Set([]string{"user", "name"}, "Alice")
	m.Set([]string{"user", "age"}, 30)

	assert.Equal(t, "Alice", m.Get([]string{"user", "name"}))
	assert.Equal(t, 30, m.Get([]string{"user", "age"}))
	assert.Equal(t, map[string]any{"name": "Alice", "age": 30}, m.Get([]string{"user"}))
	assert.Nil(t, m.Get([]string{"missing"}))
}

func TestLWWMap_ObjectValueIsFlattened(t *testing.T) {
	m := NewLWWMap("node-1", nil)
	m.Set([]string{"user"}, map[string]any{
		"name":    "Alice",
		"profile": map[string]any{"color": "blue"},
	})

	assert.Equal(t, "Alice", m.Get([]string{"user", "name"}))
	assert.Equal(t, "blue", m.Get([]string{"user", "profile", "color"}))
}

func TestLWWMap_ConcurrentWritesResolveByTimestamp(t *testing.T) {
	m := NewLWWMap("node-1", nil)
	path := []string{"doc", "title"}

	_, err := m.Apply(Operation{ID: "a", Timestamp: 10, Origin: "n2", Path: path, Kind: KindSet, Value: "late"})
	require.NoError(t, err)
	_, err = m.Apply(Operation{ID: "b", Timestamp: 5, Origin: "n3", Path: path, Kind: KindSet, Value: "early"})
	require.NoError(t, err)

	assert.Equal(t, "late", m.Get(path))
}

func TestLWWMap_DeleteHidesEqualOrOlderWrites(t *testing.T) {
	m := NewLWWMap("node-1", nil)
	path := []string{"doc", "title"}

	_, err := m.Apply(Operation{ID: "w", Timestamp: 10, Origin: "nb", Path: path, Kind: KindSet, Value: "v"})
	require.NoError(t, err)

	// Tombstone with identical timestamp and greater origin wins.
	_, err = m.Apply(Operation{ID: "d", Timestamp: 10, Origin: "nc", Path: path, Kind: KindDelete})
	require.NoError(t, err)
	assert.Nil(t, m.Get(path))

	// A strictly newer write resurrects the path.
	_, err = m.Apply(Operation{ID: "w2", Timestamp: 11, Origin: "na", Path: path, Kind: KindSet, Value: "back"})
	require.NoError(t, err)
	assert.Equal(t, "back", m.Get(path))
}

func TestLWWMap_DeleteHidesDescendants(t *testing.T) {
	m := NewLWWMap("node-1", nil)

	_, err := m.Apply(Operation{ID: "w1", Timestamp: 5, Origin: "n1", Path: []string{"user", "name"}, Kind: KindSet, Value: "Alice"})
	require.NoError(t, err)
	_, err = m.Apply(Operation{ID: "w2", Timestamp: 5, Origin: "n1", Path: []string{"user", "age"}, Kind: KindSet, Value: 30})
	require.NoError(t, err)

	_, err = m.Apply(Operation{ID: "d", Timestamp: 10, Origin: "n2", Path: []string{"user"}, Kind: KindDelete})
	require.NoError(t, err)

	assert.Nil(t, m.Get([]string{"user"}))
	assert.Nil(t, m.Get([]string{"user", "name"}))
	assert.Empty(t, m.Value())

	// Writes newer than the tombstone reappear.
	_, err = m.Apply(Operation{ID: "w3", Timestamp: 11, Origin: "n1", Path: []string{"user", "name"}, Kind: KindSet, Value: "Bob"})
	require.NoError(t, err)
	assert.Equal(t, "Bob", m.Get([]string{"user", "name"}))
	assert.Equal(t, map[string]any{"user": map[string]any{"name": "Bob"}}, m.Value())
}

func TestLWWMap_NestedChildrenWinOverScalar(t *testing.T) {
	m := NewLWWMap("node-1", nil)
	_, err := m.Apply(Operation{ID: "s", Timestamp: 5, Origin: "n1", Path: []string{"a"}, Kind: KindSet, Value: "scalar"})
	require.NoError(t, err)
	_, err = m.Apply(Operation{ID: "c", Timestamp: 5, Origin: "n2", Path: []string{"a", "b"}, Kind: KindSet, Value: 1})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"a": map[string]any{"b": 1}}, m.Value())
}

func TestLWWMap_ApplyOrderDoesNotMatter(t *testing.T) {
	ops := []Operation{
		{ID: "1", Timestamp: 1, Origin: "na", Path: []string{"x"}, Kind: KindSet, Value: "first"},
		{ID: "2", Timestamp: 2, Origin: "nb", Path: []string{"x"}, Kind: KindSet, Value: "second"},
		{ID: "3", Timestamp: 3, Origin: "nc", Path: []string{"x"}, Kind: KindDelete},
		{ID: "4", Timestamp: 4, Origin: "na", Path: []string{"x"}, Kind: KindSet, Value: "final"},
		{ID: "5", Timestamp: 2, Origin: "nb", Path: []string{"y", "z"}, Kind: KindSet, Value: 42},
	}

	reference := NewLWWMap("ref", nil)
	for _, op := range ops {
		_, err := reference.Apply(op)
		require.NoError(t, err)
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]Operation(nil), ops...)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		m := NewLWWMap("replica", nil)
		for _, op := range shuffled {
			_, err := m.Apply(op)
			require.NoError(t, err)
		}
		assert.Equal(t, reference.Value(), m.Value())
	}
}

func TestLWWMap_KeysAndHas(t *testing.T) {
	m := NewLWWMap("node-1", nil)
	m.Set([]string{"alpha", "one"}, 1)
	m.Set([]string{"beta"}, 2)
	m.Delete([]string{"beta"})

	assert.Equal(t, []string{"alpha"}, m.Keys())
	assert.True(t, m.Has("alpha"))
	assert.False(t, m.Has("beta"))
}

func TestLWWMap_OperationsSince(t *testing.T) {
	m := NewLWWMap("node-1", nil)
	_, err := m.Apply(Operation{ID: "1", Timestamp: 1, Origin: "n", Path: []string{"a"}, Kind: KindSet, Value: 1})
	require.NoError(t, err)
	_, err = m.Apply(Operation{ID: "2", Timestamp: 5, Origin: "n", Path: []string{"b"}, Kind: KindSet, Value: 2})
	require.NoError(t, err)

	since := m.OperationsSince(1)
	require.Len(t, since, 1)
	assert.Equal(t, "2", since[0].ID)
	assert.Len(t, m.OperationsSince(0), 2)
	assert.Empty(t, m.OperationsSince(10))
}

func TestLWWMap_StateRoundTripPreservesLog(t *testing.T) {
	m := NewLWWMap("node-1", nil)
	m.Set([]string{"user", "name"}, "Alice")
	m.Delete([]string{"user", "name"})
	m.Set([]string{"count"}, 3)

	restored := NewLWWMapFromState("node-2", m.State())
	assert.Equal(t, m.Value(), restored.Value())
	assert.Equal(t, m.AllOperations(), restored.AllOperations())
	assert.Equal(t, m.VersionVector(), restored.VersionVector())

	// Duplicates of already-persisted operations stay rejected after restore.
	ops := m.AllOperations()
	applied, err := restored.Apply(ops[0])
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestLWWMap_MergeConverges(t *testing.T) {
	a := NewLWWMap("node-a", nil)
	b := NewLWWMap("node-b", nil)

	a.Set([]string{"doc", "title"}, "from a")
	b.Set([]string{"doc", "body"}, "from b")
	b.Delete([]string{"doc", "title"})

	a2 := NewLWWMapFromState("node-a", a.State())
	b2 := NewLWWMapFromState("node-b", b.State())

	a.Merge(b)
	b2.Merge(a2)
	assert.Equal(t, a.Value(), b2.Value())
}
