package room

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/v1/crdt"
	"github.com/driftsync/driftsync/internal/v1/logging"
	"github.com/driftsync/driftsync/internal/v1/metrics"
	"github.com/driftsync/driftsync/internal/v1/presence"
	"github.com/driftsync/driftsync/internal/v1/protocol"
)

type globalFunction struct {
	handler Handler
	opts    FunctionOptions
}

// Manager owns every live room and the presence subsystem. Functions
// registered on the manager apply to all rooms, existing and future.
type Manager struct {
	mu              sync.RWMutex
	rooms           map[string]*Room
	globalFunctions map[string]globalFunction

	Presence *presence.Manager

	onRoomCreated func(*Room)
	onRoomDeleted func(roomID string)
}

// NewManager creates a room manager wired to the given presence manager.
func NewManager(pres *presence.Manager) *Manager {
	return &Manager{
		rooms:           make(map[string]*Room),
		globalFunctions: make(map[string]globalFunction),
		Presence:        pres,
	}
}

// OnRoomCreated installs a callback invoked after each room is created.
func (m *Manager) OnRoomCreated(fn func(*Room)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRoomCreated = fn
}

// OnRoomDeleted installs a callback invoked after each room is deleted.
func (m *Manager) OnRoomDeleted(fn func(roomID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRoomDeleted = fn
}

// finishCreate registers the room under m.mu and hands back the created
// callback so callers invoke it after unlocking, the same way DeleteRoom
// treats onRoomDeleted. A callback that re-enters the manager must not
// find the lock held.
func (m *Manager) finishCreate(r *Room) func(*Room) {
	for name, fn := range m.globalFunctions {
		reg, err := newRegisteredFunction(name, fn.handler, fn.opts)
		if err != nil {
			// Validated at registration time; cannot fail here.
			continue
		}
		r.functions[name] = reg
	}
	m.rooms[r.ID] = r
	metrics.ActiveRooms.Set(float64(len(m.rooms)))
	logging.Info(context.Background(), "room created", zap.String("room_id", r.ID))
	return m.onRoomCreated
}

// CreateRoom creates a room. An empty roomID gets a generated UUID. Creating
// an existing room returns the existing instance.
func (m *Manager) CreateRoom(roomID string, initialState map[string]any, metadata map[string]any) *Room {
	if roomID == "" {
		roomID = uuid.NewString()
	}
	m.mu.Lock()
	if existing, ok := m.rooms[roomID]; ok {
		m.mu.Unlock()
		return existing
	}
	r := NewRoom(roomID, initialState)
	if metadata != nil {
		r.metadata = metadata
	}
	onCreated := m.finishCreate(r)
	m.mu.Unlock()
	if onCreated != nil {
		onCreated(r)
	}
	return r
}

// CreateRoomFromState seeds a room from a persisted CRDT snapshot. Creating
// an existing room returns the existing instance.
func (m *Manager) CreateRoomFromState(roomID string, state crdt.MapState, metadata map[string]any) *Room {
	m.mu.Lock()
	if existing, ok := m.rooms[roomID]; ok {
		m.mu.Unlock()
		return existing
	}
	r := NewRoomFromState(roomID, state, metadata)
	onCreated := m.finishCreate(r)
	m.mu.Unlock()
	if onCreated != nil {
		onCreated(r)
	}
	return r
}

// GetRoom looks up a live room.
func (m *Manager) GetRoom(roomID string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	return r, ok
}

// GetOrCreateRoom returns the room, creating it when absent.
func (m *Manager) GetOrCreateRoom(roomID string) *Room {
	if r, ok := m.GetRoom(roomID); ok {
		return r
	}
	return m.CreateRoom(roomID, nil, nil)
}

// HasRoom reports whether a room is live.
func (m *Manager) HasRoom(roomID string) bool {
	_, ok := m.GetRoom(roomID)
	return ok
}

// DeleteRoom removes a room. Returns false when the room does not exist.
func (m *Manager) DeleteRoom(roomID string) bool {
	m.mu.Lock()
	_, ok := m.rooms[roomID]
	if ok {
		delete(m.rooms, roomID)
	}
	count := len(m.rooms)
	onDeleted := m.onRoomDeleted
	m.mu.Unlock()
	if !ok {
		return false
	}
	metrics.ActiveRooms.Set(float64(count))
	metrics.RoomMembers.DeleteLabelValues(roomID)
	if onDeleted != nil {
		onDeleted(roomID)
	}
	logging.Info(context.Background(), "room deleted", zap.String("room_id", roomID))
	return true
}

// RoomIDs lists the ids of all live rooms.
func (m *Manager) RoomIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	return out
}

// RoomCount returns the number of live rooms.
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// CleanupEmptyRooms deletes every room without members and returns how many
// were removed.
func (m *Manager) CleanupEmptyRooms() int {
	var empty []string
	m.mu.RLock()
	for id, r := range m.rooms {
		if r.IsEmpty() {
			empty = append(empty, id)
		}
	}
	m.mu.RUnlock()

	removed := 0
	for _, id := range empty {
		if m.DeleteRoom(id) {
			removed++
		}
	}
	return removed
}

// RegisterFunction registers a function on every room, existing and future.
func (m *Manager) RegisterFunction(name string, handler Handler, opts FunctionOptions) error {
	reg, err := newRegisteredFunction(name, handler, opts)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globalFunctions[name] = globalFunction{handler: handler, opts: opts}
	for _, r := range m.rooms {
		r.mu.Lock()
		r.functions[name] = reg
		r.mu.Unlock()
	}
	return nil
}

// BroadcastOperation fans an applied operation out to a room. When
// excludeSender is set, the originating user is skipped.
func (m *Manager) BroadcastOperation(roomID string, op crdt.Operation, senderID string, excludeSender bool) {
	r, ok := m.GetRoom(roomID)
	if !ok {
		return
	}
	exclude := ""
	if excludeSender {
		exclude = senderID
	}
	r.Broadcast(protocol.NewOperationBroadcast(roomID, senderID, op), exclude)
}
