// Package presence tracks which users are visible in which rooms, together
// with their ephemeral presence documents (cursor position, status, custom
// data). Presence is deliberately not CRDT state: it is last-write-wins
// per user and vanishes when the user disconnects or goes stale.
package presence

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftsync/driftsync/internal/v1/metrics"
	"github.com/driftsync/driftsync/internal/v1/protocol"
)

// Entry is one user's presence in one room.
type Entry struct {
	User        protocol.User
	Data        map[string]any
	LastUpdated time.Time
}

// snapshot returns the wire representation of the entry.
func (e *Entry) snapshot() map[string]any {
	return map[string]any{
		"user":         e.User,
		"data":         e.Data,
		"last_updated": float64(e.LastUpdated.UnixNano()) / float64(time.Second),
	}
}

// RoomPresence tracks every user present in a single room.
type RoomPresence struct {
	roomID string
	mu     sync.RWMutex
	users  map[string]*Entry
}

// NewRoomPresence creates an empty tracker for a room.
func NewRoomPresence(roomID string) *RoomPresence {
	return &RoomPresence{roomID: roomID, users: make(map[string]*Entry)}
}

// AddUser registers a user, replacing any previous entry.
func (r *RoomPresence) AddUser(user protocol.User, initialData map[string]any) {
	if initialData == nil {
		initialData = make(map[string]any)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.ID] = &Entry{User: user, Data: initialData, LastUpdated: time.Now()}
}

// RemoveUser drops a user's entry, returning the removed user.
func (r *RoomPresence) RemoveUser(userID string) (protocol.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.users[userID]
	if !ok {
		return protocol.User{}, false
	}
	delete(r.users, userID)
	return entry.User, true
}

// Update merges data into the user's presence document and refreshes the
// staleness clock. Returns false when the user is not present.
func (r *RoomPresence) Update(userID string, data map[string]any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.users[userID]
	if !ok {
		return false
	}
	for key, value := range data {
		entry.Data[key] = value
	}
	entry.LastUpdated = time.Now()
	return true
}

// Get returns a copy of the user's entry.
func (r *RoomPresence) Get(userID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.users[userID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Has reports whether a user is present.
func (r *RoomPresence) Has(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[userID]
	return ok
}

// Users lists everyone present in the room.
func (r *RoomPresence) Users() []protocol.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.User, 0, len(r.users))
	for _, entry := range r.users {
		out = append(out, entry.User)
	}
	return out
}

// Count returns the number of present users.
func (r *RoomPresence) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// IsEmpty reports whether nobody is present.
func (r *RoomPresence) IsEmpty() bool {
	return r.Count() == 0
}

// Snapshot returns the full presence view keyed by user id.
func (r *RoomPresence) Snapshot() map[string]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]map[string]any, len(r.users))
	for userID, entry := range r.users {
		out[userID] = entry.snapshot()
	}
	return out
}

// reapStale removes entries untouched since the threshold and returns the
// ids of the reaped users.
func (r *RoomPresence) reapStale(threshold time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var reaped []string
	for userID, entry := range r.users {
		if entry.LastUpdated.Before(threshold) {
			delete(r.users, userID)
			reaped = append(reaped, userID)
		}
	}
	return reaped
}

// BroadcastFunc delivers a presence broadcast to every member of a room.
type BroadcastFunc func(roomID string, msg protocol.PresenceBroadcast)

// Manager tracks presence across all rooms and runs the stale-entry reaper.
type Manager struct {
	mu              sync.RWMutex
	rooms           map[string]*RoomPresence
	staleTimeout    time.Duration
	cleanupInterval time.Duration
	broadcast       BroadcastFunc

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

// NewManager creates a presence manager. staleTimeout controls when an entry
// is considered dead; cleanupInterval is the reaper period.
func NewManager(staleTimeout, cleanupInterval time.Duration) *Manager {
	return &Manager{
		rooms:           make(map[string]*RoomPresence),
		staleTimeout:    staleTimeout,
		cleanupInterval: cleanupInterval,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// SetBroadcastFunc installs the callback used to fan presence updates out to
// room members. Must be called before Start.
func (m *Manager) SetBroadcastFunc(fn BroadcastFunc) {
	m.broadcast = fn
}

// Start launches the reaper goroutine. Subsequent calls are no-ops.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.started.Store(true)
		go m.reapLoop()
	})
}

// Stop halts the reaper and waits for it to exit. Safe to call without a
// prior Start and safe to call twice.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	if m.started.Load() {
		<-m.done
	}
}

func (m *Manager) reapLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reapStale()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) reapStale() {
	threshold := time.Now().Add(-m.staleTimeout)

	m.mu.Lock()
	defer m.mu.Unlock()
	for roomID, room := range m.rooms {
		reaped := room.reapStale(threshold)
		if len(reaped) > 0 {
			metrics.PresenceReaps.Add(float64(len(reaped)))
		}
		if room.IsEmpty() {
			delete(m.rooms, roomID)
		}
	}
}

func (m *Manager) getOrCreateRoom(roomID string) *RoomPresence {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		room = NewRoomPresence(roomID)
		m.rooms[roomID] = room
	}
	return room
}

func (m *Manager) getRoom(roomID string) (*RoomPresence, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[roomID]
	return room, ok
}

// JoinRoom records a user as present and returns the room's roster.
func (m *Manager) JoinRoom(roomID string, user protocol.User, initialData map[string]any) []protocol.User {
	room := m.getOrCreateRoom(roomID)
	room.AddUser(user, initialData)
	return room.Users()
}

// LeaveRoom drops a user's presence; empty rooms are discarded.
func (m *Manager) LeaveRoom(roomID, userID string) (protocol.User, bool) {
	room, ok := m.getRoom(roomID)
	if !ok {
		return protocol.User{}, false
	}
	user, removed := room.RemoveUser(userID)
	if removed && room.IsEmpty() {
		m.mu.Lock()
		if current, ok := m.rooms[roomID]; ok && current.IsEmpty() {
			delete(m.rooms, roomID)
		}
		m.mu.Unlock()
	}
	return user, removed
}

// UpdatePresence merges data into a user's presence and, when broadcast is
// set and the callback is installed, fans the update out to the room.
func (m *Manager) UpdatePresence(roomID, userID string, data map[string]any, broadcast bool) bool {
	room, ok := m.getRoom(roomID)
	if !ok {
		return false
	}
	if !room.Update(userID, data) {
		return false
	}
	if broadcast && m.broadcast != nil {
		m.broadcast(roomID, protocol.NewPresenceBroadcast(roomID, userID, data))
	}
	return true
}

// RoomUsers lists everyone present in a room.
func (m *Manager) RoomUsers(roomID string) []protocol.User {
	room, ok := m.getRoom(roomID)
	if !ok {
		return nil
	}
	return room.Users()
}

// RoomSnapshot returns the full presence view of a room.
func (m *Manager) RoomSnapshot(roomID string) map[string]map[string]any {
	room, ok := m.getRoom(roomID)
	if !ok {
		return map[string]map[string]any{}
	}
	return room.Snapshot()
}

// UserPresence returns a user's entry in a room.
func (m *Manager) UserPresence(roomID, userID string) (Entry, bool) {
	room, ok := m.getRoom(roomID)
	if !ok {
		return Entry{}, false
	}
	return room.Get(userID)
}

// IsUserInRoom reports whether a user is present in a room.
func (m *Manager) IsUserInRoom(roomID, userID string) bool {
	room, ok := m.getRoom(roomID)
	return ok && room.Has(userID)
}

// UserRooms lists the rooms a user is present in.
func (m *Manager) UserRooms(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for roomID, room := range m.rooms {
		if room.Has(userID) {
			out = append(out, roomID)
		}
	}
	return out
}

// RoomCount returns the number of rooms with any presence.
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// TotalUsers returns the presence entry count across all rooms.
func (m *Manager) TotalUsers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, room := range m.rooms {
		total += room.Count()
	}
	return total
}
