// Package permissions provides role-based access control for rooms. The
// permission set is closed: unknown permission names are rejected at parse
// and registration time rather than silently granted or ignored.
package permissions

import (
	"fmt"
	"sync"

	"k8s.io/utils/set"
)

// Permission is one grantable capability on a room.
type Permission string

const (
	Read     Permission = "read"
	Write    Permission = "write"
	Delete   Permission = "delete"
	Admin    Permission = "admin"
	Call     Permission = "call"
	Presence Permission = "presence"
)

var allPermissions = set.New(Read, Write, Delete, Admin, Call, Presence)

// Parse converts a permission name into a Permission, rejecting names
// outside the closed set.
func Parse(name string) (Permission, error) {
	p := Permission(name)
	if !allPermissions.Has(p) {
		return "", fmt.Errorf("unknown permission %q", name)
	}
	return p, nil
}

// Role is a named permission bundle.
type Role struct {
	Name        string
	Description string
	permissions set.Set[Permission]
}

// NewRole builds a role from permission names. Any unknown name fails the
// whole registration.
func NewRole(name, description string, perms ...string) (Role, error) {
	granted := set.New[Permission]()
	for _, raw := range perms {
		p, err := Parse(raw)
		if err != nil {
			return Role{}, fmt.Errorf("role %q: %w", name, err)
		}
		granted.Insert(p)
	}
	return Role{Name: name, Description: description, permissions: granted}, nil
}

func mustRole(name, description string, perms ...Permission) Role {
	return Role{Name: name, Description: description, permissions: set.New(perms...)}
}

// Predefined roles.
var (
	Viewer = mustRole("viewer", "Can observe state and share presence", Read, Presence)
	Editor = mustRole("editor", "Can read, write and call functions", Read, Write, Call, Presence)
	Owner  = mustRole("admin", "Full access", Read, Write, Delete, Admin, Call, Presence)
)

// Has reports whether the role grants a permission.
func (r Role) Has(p Permission) bool {
	return r.permissions.Has(p)
}

// Permissions returns the role's grants, sorted.
func (r Role) Permissions() []Permission {
	return r.permissions.SortedList()
}

// Manager tracks per-user, per-room role assignments. Safe for concurrent
// use.
type Manager struct {
	mu    sync.RWMutex
	roles map[string]map[string]Role // user id -> room id -> role
}

// NewManager creates an empty permission manager.
func NewManager() *Manager {
	return &Manager{roles: make(map[string]map[string]Role)}
}

// AssignRole grants a role to a user on one room, replacing any previous
// assignment.
func (m *Manager) AssignRole(userID, roomID string, role Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byRoom := m.roles[userID]
	if byRoom == nil {
		byRoom = make(map[string]Role)
		m.roles[userID] = byRoom
	}
	byRoom[roomID] = role
}

// GetRole returns the user's role on a room, if any.
func (m *Manager) GetRole(userID, roomID string) (Role, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.roles[userID][roomID]
	return role, ok
}

// CheckPermission reports whether the user's role on the room grants the
// permission. Users with no assignment have no permissions.
func (m *Manager) CheckPermission(userID, roomID string, p Permission) bool {
	role, ok := m.GetRole(userID, roomID)
	return ok && role.Has(p)
}

// RevokeAccess removes the user's role on a room. Returns false when no
// assignment existed.
func (m *Manager) RevokeAccess(userID, roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	byRoom, ok := m.roles[userID]
	if !ok {
		return false
	}
	if _, ok := byRoom[roomID]; !ok {
		return false
	}
	delete(byRoom, roomID)
	if len(byRoom) == 0 {
		delete(m.roles, userID)
	}
	return true
}

// UserRooms lists the rooms a user has a role on, with the assigned roles.
func (m *Manager) UserRooms(userID string) map[string]Role {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Role, len(m.roles[userID]))
	for roomID, role := range m.roles[userID] {
		out[roomID] = role
	}
	return out
}
