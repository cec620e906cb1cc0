package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/v1/crdt"
)

// backendContract exercises the behavior every backend must share.
func backendContract(t *testing.T, backend Backend) {
	t.Helper()
	ctx := context.Background()

	_, err := backend.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, backend.Save(ctx, "room:alpha", []byte(`{"a":1}`)))
	require.NoError(t, backend.Save(ctx, "room:beta", []byte(`{"b":2}`)))
	require.NoError(t, backend.Save(ctx, "other:gamma", []byte(`{"c":3}`)))

	data, err := backend.Load(ctx, "room:alpha")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))

	// Save replaces.
	require.NoError(t, backend.Save(ctx, "room:alpha", []byte(`{"a":9}`)))
	data, err = backend.Load(ctx, "room:alpha")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":9}`, string(data))

	exists, err := backend.Exists(ctx, "room:beta")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = backend.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)

	keys, err := backend.ListKeys(ctx, "room:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"room:alpha", "room:beta"}, keys)
	keys, err = backend.ListKeys(ctx, "")
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	removed, err := backend.Delete(ctx, "room:beta")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = backend.Delete(ctx, "room:beta")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestMemoryStorage_Contract(t *testing.T) {
	backend := NewMemoryStorage()
	require.NoError(t, backend.Connect(context.Background()))
	backendContract(t, backend)
	require.NoError(t, backend.Disconnect(context.Background()))
}

func TestMemoryStorage_CopiesData(t *testing.T) {
	backend := NewMemoryStorage()
	ctx := context.Background()

	original := []byte(`{"x":1}`)
	require.NoError(t, backend.Save(ctx, "k", original))
	original[2] = 'y'

	data, err := backend.Load(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(data))
}

func TestRedisStorage_Contract(t *testing.T) {
	mr := miniredis.RunT(t)

	backend := NewRedisStorage(mr.Addr(), "", 0)
	require.NoError(t, backend.Connect(context.Background()))
	defer backend.Disconnect(context.Background())

	backendContract(t, backend)
}

func TestRedisStorage_ConnectFailure(t *testing.T) {
	backend := NewRedisStorage("127.0.0.1:1", "", 0)
	assert.Error(t, backend.Connect(context.Background()))
}

func TestRoomSnapshot_RoundTripPreservesOperationLog(t *testing.T) {
	state := crdt.NewLWWMap("server", nil)
	state.SetBy([]string{"doc", "title"}, "hello", "user-1")
	state.DeleteBy([]string{"doc", "title"}, "user-2")
	// JSON numbers come back as float64, so the fixture writes one.
	state.SetBy([]string{"count"}, float64(2), "user-1")

	backend := NewMemoryStorage()
	ctx := context.Background()

	snap := RoomSnapshot{State: state.State(), Metadata: map[string]any{"name": "demo"}}
	require.NoError(t, SaveRoom(ctx, backend, "r1", snap))

	loaded, err := LoadRoom(ctx, backend, "r1")
	require.NoError(t, err)
	assert.Equal(t, "demo", loaded.Metadata["name"])

	restored := crdt.NewLWWMapFromState("server", loaded.State)
	assert.Equal(t, state.Value(), restored.Value())
	assert.Equal(t, state.VersionVector(), restored.VersionVector())

	// The restored log still rejects duplicates of persisted operations.
	ops := state.AllOperations()
	require.NotEmpty(t, ops)
	applied, err := restored.Apply(ops[0])
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = LoadRoom(ctx, backend, "no-such-room")
	assert.ErrorIs(t, err, ErrNotFound)
}

type flakyBackend struct {
	*MemoryStorage
	fail bool
}

func (f *flakyBackend) Load(ctx context.Context, key string) ([]byte, error) {
	if f.fail {
		return nil, errors.New("store down")
	}
	return f.MemoryStorage.Load(ctx, key)
}

func TestBreakerBackend_OpensAfterRepeatedFailures(t *testing.T) {
	inner := &flakyBackend{MemoryStorage: NewMemoryStorage(), fail: true}
	backend := WithBreaker("test-storage", inner)
	ctx := context.Background()

	// gobreaker trips after more than five consecutive failures.
	for i := 0; i < 6; i++ {
		_, err := backend.Load(ctx, "k")
		require.Error(t, err)
	}

	_, err := backend.Load(ctx, "k")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestBreakerBackend_NotFoundDoesNotTrip(t *testing.T) {
	inner := &flakyBackend{MemoryStorage: NewMemoryStorage(), fail: false}
	backend := WithBreaker("test-storage-2", inner)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := backend.Load(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	}

	// The breaker stayed closed, so a real value still loads.
	require.NoError(t, backend.Save(ctx, "k", []byte(`1`)))
	data, err := backend.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte(`1`), data)
}
