// Package room holds the collaborative room: its CRDT document, the member
// connections, the registered server functions and the broadcast fan-out.
// The Manager on top owns room lifecycle (lazy creation, deletion, global
// function registration) and wires rooms to the presence subsystem.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/v1/crdt"
	"github.com/driftsync/driftsync/internal/v1/logging"
	"github.com/driftsync/driftsync/internal/v1/metrics"
	"github.com/driftsync/driftsync/internal/v1/permissions"
	"github.com/driftsync/driftsync/internal/v1/protocol"
)

// Sender delivers one marshaled server message to a single connection. An
// error marks the connection dead; the room evicts it after the broadcast.
type Sender interface {
	Send(data []byte) error
}

// FunctionCall carries everything a server function needs: the wire
// arguments plus the room and calling user.
type FunctionCall struct {
	Args   []any
	Kwargs map[string]any
	Room   *Room
	User   *protocol.User
}

// Handler is the signature of a callable server function. The context is
// cancelled when the call exceeds the configured function timeout.
type Handler func(ctx context.Context, call *FunctionCall) (any, error)

// FunctionOptions control who may invoke a registered function.
type FunctionOptions struct {
	// Public functions may be called without an authenticated user.
	Public bool
	// RequiredPermissions must all be granted to the caller on the room.
	// Names outside the permission set fail registration.
	RequiredPermissions []string
}

// RegisteredFunction is a callable exposed to clients.
type RegisteredFunction struct {
	Name                string
	Handler             Handler
	RequiresAuth        bool
	RequiredPermissions []permissions.Permission
}

func newRegisteredFunction(name string, handler Handler, opts FunctionOptions) (RegisteredFunction, error) {
	perms := make([]permissions.Permission, 0, len(opts.RequiredPermissions))
	for _, raw := range opts.RequiredPermissions {
		p, err := permissions.Parse(raw)
		if err != nil {
			return RegisteredFunction{}, fmt.Errorf("register function %q: %w", name, err)
		}
		perms = append(perms, p)
	}
	return RegisteredFunction{
		Name:                name,
		Handler:             handler,
		RequiresAuth:        !opts.Public,
		RequiredPermissions: perms,
	}, nil
}

type member struct {
	user protocol.User
	conn Sender
}

// Room is one collaborative space. All methods are safe for concurrent use.
type Room struct {
	ID     string
	origin string

	mu        sync.RWMutex
	state     *crdt.LWWMap
	members   map[string]member
	functions map[string]RegisteredFunction
	metadata  map[string]any
	createdAt time.Time
}

// NewRoom creates a room with an optional initial document.
func NewRoom(roomID string, initialState map[string]any) *Room {
	origin := "server-" + roomID
	return &Room{
		ID:        roomID,
		origin:    origin,
		state:     crdt.NewLWWMap(origin, initialState),
		members:   make(map[string]member),
		functions: make(map[string]RegisteredFunction),
		metadata:  make(map[string]any),
		createdAt: time.Now(),
	}
}

// NewRoomFromState rebuilds a room from a persisted snapshot, preserving the
// CRDT operation log.
func NewRoomFromState(roomID string, state crdt.MapState, metadata map[string]any) *Room {
	r := NewRoom(roomID, nil)
	r.state = crdt.NewLWWMapFromState(r.origin, state)
	if metadata != nil {
		r.metadata = metadata
	}
	return r
}

// AddMember attaches a user connection. A reconnecting user replaces their
// previous connection.
func (r *Room) AddMember(user protocol.User, conn Sender) {
	r.mu.Lock()
	r.members[user.ID] = member{user: user, conn: conn}
	count := len(r.members)
	r.mu.Unlock()
	metrics.RoomMembers.WithLabelValues(r.ID).Set(float64(count))
}

// RemoveMember detaches a user. Returns the user and whether they were a
// member.
func (r *Room) RemoveMember(userID string) (protocol.User, bool) {
	r.mu.Lock()
	m, ok := r.members[userID]
	if ok {
		delete(r.members, userID)
	}
	count := len(r.members)
	r.mu.Unlock()
	metrics.RoomMembers.WithLabelValues(r.ID).Set(float64(count))
	return m.user, ok
}

// GetUser returns a member's user record.
func (r *Room) GetUser(userID string) (protocol.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[userID]
	return m.user, ok
}

// GetSender returns a member's connection.
func (r *Room) GetSender(userID string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[userID]
	return m.conn, ok
}

// HasMember reports whether a user is connected to the room.
func (r *Room) HasMember(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[userID]
	return ok
}

// Users lists the connected members.
func (r *Room) Users() []protocol.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.User, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.user)
	}
	return out
}

// MemberCount returns the number of connected members.
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// IsEmpty reports whether the room has no members.
func (r *Room) IsEmpty() bool {
	return r.MemberCount() == 0
}

// Metadata returns a copy of the room metadata.
func (r *Room) Metadata() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.metadata))
	for k, v := range r.metadata {
		out[k] = v
	}
	return out
}

// SetMetadata sets one metadata value.
func (r *Room) SetMetadata(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

// ApplyOperation applies a CRDT operation to the room document. Duplicate
// operations return false without error.
func (r *Room) ApplyOperation(op crdt.Operation) (bool, error) {
	r.mu.Lock()
	applied, err := r.state.Apply(op)
	r.mu.Unlock()
	if applied {
		metrics.OperationsApplied.WithLabelValues(string(op.Kind)).Inc()
	}
	return applied, err
}

// SetState writes a value at a dotted path on behalf of a user and returns
// the generated operation. An empty path replaces top-level keys from an
// object value.
func (r *Room) SetState(path []string, value any, userID string) crdt.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	op := r.state.SetBy(path, value, userID)
	metrics.OperationsApplied.WithLabelValues(string(op.Kind)).Inc()
	return op
}

// Value returns the current resolved document.
func (r *Room) Value() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Value()
}

// OperationsSince returns operations strictly newer than ts.
func (r *Room) OperationsSince(ts float64) []crdt.Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.OperationsSince(ts)
}

// AllOperations returns the full operation log.
func (r *Room) AllOperations() []crdt.Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.AllOperations()
}

// VersionVector returns the per-origin high-water timestamps.
func (r *Room) VersionVector() crdt.VersionVector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.VersionVector()
}

// StateSnapshot returns the persistable CRDT state, log included.
func (r *Room) StateSnapshot() crdt.MapState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.State()
}

// RegisterFunction exposes a callable to clients of this room.
func (r *Room) RegisterFunction(name string, handler Handler, opts FunctionOptions) error {
	fn, err := newRegisteredFunction(name, handler, opts)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions[name] = fn
	return nil
}

// GetFunction looks up a registered function.
func (r *Room) GetFunction(name string) (RegisteredFunction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.functions[name]
	return fn, ok
}

// CallFunction runs a registered function. Panics inside the handler are
// recovered and returned as errors so one bad function cannot take the
// server down.
func (r *Room) CallFunction(ctx context.Context, name string, args []any, kwargs map[string]any, user *protocol.User) (result any, err error) {
	fn, ok := r.GetFunction(name)
	if !ok {
		return nil, fmt.Errorf("function %q not registered", name)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("function %q panicked: %v", name, p)
		}
	}()
	return fn.Handler(ctx, &FunctionCall{Args: args, Kwargs: kwargs, Room: r, User: user})
}

// Broadcast marshals msg once and sends it to every member except
// excludeUserID. Connections that fail to accept the message are evicted
// after the send pass completes.
func (r *Room) Broadcast(msg any, excludeUserID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal broadcast", zap.String("room_id", r.ID), zap.Error(err))
		return
	}
	r.BroadcastRaw(data, excludeUserID)
}

// BroadcastRaw sends pre-marshaled bytes to every member except
// excludeUserID.
func (r *Room) BroadcastRaw(data []byte, excludeUserID string) {
	var failed []string
	var failedMu sync.Mutex

	r.mu.RLock()
	var wg sync.WaitGroup
	for userID, m := range r.members {
		if userID == excludeUserID {
			continue
		}
		wg.Add(1)
		go func(userID string, conn Sender) {
			defer wg.Done()
			if err := conn.Send(data); err != nil {
				failedMu.Lock()
				failed = append(failed, userID)
				failedMu.Unlock()
			}
		}(userID, m.conn)
	}
	wg.Wait()
	r.mu.RUnlock()

	// Evict dead connections outside the read lock.
	for _, userID := range failed {
		if _, ok := r.RemoveMember(userID); ok {
			logging.Warn(context.Background(), "evicted unreachable member",
				zap.String("room_id", r.ID), zap.String("user_id", userID))
		}
	}
}

// SendTo delivers a message to a single member. Returns false when the user
// is not a member or the send fails.
func (r *Room) SendTo(userID string, msg any) bool {
	conn, ok := r.GetSender(userID)
	if !ok {
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	return conn.Send(data) == nil
}
