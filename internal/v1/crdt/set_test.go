package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestORSet_AddRemoveContains(t *testing.T) {
	s := NewORSet("node-1")
	s.Add("apple")
	s.Add("banana")
	s.Remove("apple")

	assert.False(t, s.Contains("apple"))
	assert.True(t, s.Contains("banana"))
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, []any{"banana"}, s.ToList())
}

func TestORSet_AddWinsOverConcurrentRemove(t *testing.T) {
	a := NewORSet("node-a")
	b := NewORSet("node-b")

	addOp := a.Add("shared")
	_, err := b.Apply(addOp)
	require.NoError(t, err)

	// b removes while a concurrently re-adds; b never observed a's new tag.
	removeOp := b.Remove("shared")
	readd := a.Add("shared")

	_, err = a.Apply(removeOp)
	require.NoError(t, err)
	_, err = b.Apply(readd)
	require.NoError(t, err)

	assert.True(t, a.Contains("shared"))
	assert.True(t, b.Contains("shared"))
}

func TestORSet_RemoveOnlyRetiresObservedTags(t *testing.T) {
	s := NewORSet("node-1")
	op := s.Remove("never-added")

	payload, ok := op.Value.(map[string]any)
	require.True(t, ok)
	assert.Empty(t, payload["tags"])
	assert.False(t, s.Contains("never-added"))
}

func TestORSet_DuplicateAddTagsCollapseInValue(t *testing.T) {
	s := NewORSet("node-1")
	s.Add("x")
	s.Add("x")

	assert.Equal(t, 1, s.Len())

	// One remove observes both tags, so the element disappears.
	s.Remove("x")
	assert.False(t, s.Contains("x"))
	assert.Equal(t, 0, s.Len())
}

func TestORSet_UnhashableValues(t *testing.T) {
	s := NewORSet("node-1")
	s.Add(map[string]any{"id": 1, "name": "widget"})

	assert.True(t, s.Contains(map[string]any{"name": "widget", "id": 1}))
	assert.Equal(t, 1, s.Len())

	s.Remove(map[string]any{"id": 1, "name": "widget"})
	assert.Equal(t, 0, s.Len())
}

func TestORSet_MergeConverges(t *testing.T) {
	a := NewORSet("node-a")
	b := NewORSet("node-b")

	a.Add("one")
	b.Add("two")
	b.Add("three")
	b.Remove("three")

	a2 := NewORSetFromState("node-a", a.State())
	b2 := NewORSetFromState("node-b", b.State())

	a.Merge(b)
	b2.Merge(a2)
	assert.ElementsMatch(t, a.ToList(), b2.ToList())
	assert.ElementsMatch(t, []any{"one", "two"}, a.ToList())
}

func TestORSet_StateRoundTrip(t *testing.T) {
	s := NewORSet("node-1")
	s.Add("keep")
	s.Add("drop")
	s.Remove("drop")

	restored := NewORSetFromState("node-2", s.State())
	assert.ElementsMatch(t, s.ToList(), restored.ToList())
	assert.Equal(t, s.AllOperations(), restored.AllOperations())

	// Replayed operations stay idempotent after restore.
	applied, err := restored.Apply(s.AllOperations()[0])
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestORSet_RejectsUnknownKinds(t *testing.T) {
	s := NewORSet("node-1")
	_, err := s.Apply(Operation{ID: "x", Kind: KindSet, Origin: "n"})
	assert.Error(t, err)
}
