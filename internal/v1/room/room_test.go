package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/v1/crdt"
	"github.com/driftsync/driftsync/internal/v1/protocol"
)

// fakeConn records everything sent to it and can be told to fail.
type fakeConn struct {
	mu   sync.Mutex
	sent [][]byte
	fail bool
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("connection closed")
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) messages(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.sent))
	for _, raw := range c.sent {
		var msg map[string]any
		require.NoError(t, json.Unmarshal(raw, &msg))
		out = append(out, msg)
	}
	return out
}

func testUser(id string) protocol.User {
	return protocol.User{ID: id, Name: "User " + id}
}

func TestRoom_Members(t *testing.T) {
	r := NewRoom("r1", nil)
	conn := &fakeConn{}

	r.AddMember(testUser("u1"), conn)
	assert.True(t, r.HasMember("u1"))
	assert.Equal(t, 1, r.MemberCount())
	assert.False(t, r.IsEmpty())

	u, ok := r.GetUser("u1")
	require.True(t, ok)
	assert.Equal(t, "User u1", u.Name)

	// Reconnect replaces the previous connection.
	conn2 := &fakeConn{}
	r.AddMember(testUser("u1"), conn2)
	assert.Equal(t, 1, r.MemberCount())
	got, ok := r.GetSender("u1")
	require.True(t, ok)
	assert.Same(t, conn2, got.(*fakeConn))

	removed, ok := r.RemoveMember("u1")
	require.True(t, ok)
	assert.Equal(t, "u1", removed.ID)
	assert.True(t, r.IsEmpty())

	_, ok = r.RemoveMember("u1")
	assert.False(t, ok)
}

func TestRoom_InitialStateAndOperations(t *testing.T) {
	r := NewRoom("r1", map[string]any{"title": "untitled"})
	assert.Equal(t, map[string]any{"title": "untitled"}, r.Value())

	op := r.SetState([]string{"title"}, "draft", "u1")
	assert.Equal(t, crdt.KindSet, op.Kind)
	assert.Equal(t, "draft", r.Value()["title"])

	// Replaying the generated op is a no-op.
	applied, err := r.ApplyOperation(op)
	require.NoError(t, err)
	assert.False(t, applied)

	assert.NotEmpty(t, r.AllOperations())
	assert.NotEmpty(t, r.VersionVector())
}

func TestRoom_SnapshotRoundTrip(t *testing.T) {
	r := NewRoom("r1", nil)
	r.SetState([]string{"doc", "title"}, "hello", "u1")
	op := r.SetState([]string{"doc", "count"}, 3, "u2")

	snap := r.StateSnapshot()
	restored := NewRoomFromState("r1", snap, map[string]any{"kind": "doc"})

	assert.Equal(t, r.Value(), restored.Value())
	assert.Equal(t, map[string]any{"kind": "doc"}, restored.Metadata())

	// The restored log still rejects duplicates.
	applied, err := restored.ApplyOperation(op)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestRoom_Broadcast(t *testing.T) {
	r := NewRoom("r1", nil)
	c1, c2, c3 := &fakeConn{}, &fakeConn{}, &fakeConn{}
	r.AddMember(testUser("u1"), c1)
	r.AddMember(testUser("u2"), c2)
	r.AddMember(testUser("u3"), c3)

	r.Broadcast(protocol.NewUserLeft("r1", "u9"), "u2")

	assert.Len(t, c1.messages(t), 1)
	assert.Empty(t, c2.messages(t))
	require.Len(t, c3.messages(t), 1)
	assert.Equal(t, "user_left", c3.messages(t)[0]["type"])
}

func TestRoom_BroadcastEvictsDeadConnections(t *testing.T) {
	r := NewRoom("r1", nil)
	alive, dead := &fakeConn{}, &fakeConn{fail: true}
	r.AddMember(testUser("u1"), alive)
	r.AddMember(testUser("u2"), dead)

	r.Broadcast(protocol.NewUserJoined("r1", testUser("u3")), "")

	assert.True(t, r.HasMember("u1"))
	assert.False(t, r.HasMember("u2"))
	assert.Len(t, alive.messages(t), 1)
}

func TestRoom_SendTo(t *testing.T) {
	r := NewRoom("r1", nil)
	conn := &fakeConn{}
	r.AddMember(testUser("u1"), conn)

	assert.True(t, r.SendTo("u1", protocol.NewPong(1.5)))
	assert.False(t, r.SendTo("ghost", protocol.NewPong(1.5)))
	require.Len(t, conn.messages(t), 1)
	assert.Equal(t, "pong", conn.messages(t)[0]["type"])
}

func TestRoom_CallFunction(t *testing.T) {
	r := NewRoom("r1", nil)
	err := r.RegisterFunction("sum", func(ctx context.Context, call *FunctionCall) (any, error) {
		total := 0.0
		for _, arg := range call.Args {
			total += arg.(float64)
		}
		return total, nil
	}, FunctionOptions{Public: true})
	require.NoError(t, err)

	user := testUser("u1")
	result, err := r.CallFunction(context.Background(), "sum", []any{1.0, 2.0, 3.0}, nil, &user)
	require.NoError(t, err)
	assert.Equal(t, 6.0, result)

	_, err = r.CallFunction(context.Background(), "missing", nil, nil, &user)
	assert.Error(t, err)
}

func TestRoom_CallFunctionRecoversPanic(t *testing.T) {
	r := NewRoom("r1", nil)
	require.NoError(t, r.RegisterFunction("boom", func(ctx context.Context, call *FunctionCall) (any, error) {
		panic("kaput")
	}, FunctionOptions{Public: true}))

	user := testUser("u1")
	_, err := r.CallFunction(context.Background(), "boom", nil, nil, &user)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestRoom_RegisterFunctionValidatesPermissions(t *testing.T) {
	r := NewRoom("r1", nil)

	err := r.RegisterFunction("locked", func(ctx context.Context, call *FunctionCall) (any, error) {
		return nil, nil
	}, FunctionOptions{RequiredPermissions: []string{"write"}})
	require.NoError(t, err)

	fn, ok := r.GetFunction("locked")
	require.True(t, ok)
	assert.True(t, fn.RequiresAuth)
	require.Len(t, fn.RequiredPermissions, 1)

	err = r.RegisterFunction("bad", func(ctx context.Context, call *FunctionCall) (any, error) {
		return nil, nil
	}, FunctionOptions{RequiredPermissions: []string{"launch_missiles"}})
	assert.Error(t, err)
}

func TestRoom_Metadata(t *testing.T) {
	r := NewRoom("r1", nil)
	r.SetMetadata("topic", "standup")

	meta := r.Metadata()
	assert.Equal(t, "standup", meta["topic"])

	// The returned map is a copy.
	meta["topic"] = "mutated"
	assert.Equal(t, "standup", r.Metadata()["topic"])
}
