package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_RejectsUnknownNames(t *testing.T) {
	for _, name := range []string{"read", "write", "delete", "admin", "call", "presence"} {
		p, err := Parse(name)
		require.NoError(t, err)
		assert.Equal(t, Permission(name), p)
	}

	for _, name := range []string{"", "share", "comment", "READ", "superuser"} {
		_, err := Parse(name)
		assert.Error(t, err, "expected %q to be rejected", name)
	}
}

func TestNewRole_RejectsUnknownPermission(t *testing.T) {
	_, err := NewRole("custom", "", "read", "levitate")
	assert.Error(t, err)

	role, err := NewRole("custom", "", "read", "call")
	require.NoError(t, err)
	assert.True(t, role.Has(Read))
	assert.True(t, role.Has(Call))
	assert.False(t, role.Has(Write))
}

func TestPredefinedRoles(t *testing.T) {
	assert.True(t, Viewer.Has(Read))
	assert.False(t, Viewer.Has(Write))
	assert.True(t, Editor.Has(Write))
	assert.False(t, Editor.Has(Delete))
	assert.True(t, Owner.Has(Admin))
	assert.True(t, Owner.Has(Delete))
}

func TestManager_AssignCheckRevoke(t *testing.T) {
	m := NewManager()

	assert.False(t, m.CheckPermission("u1", "r1", Read))

	m.AssignRole("u1", "r1", Editor)
	assert.True(t, m.CheckPermission("u1", "r1", Write))
	assert.False(t, m.CheckPermission("u1", "r1", Delete))
	assert.False(t, m.CheckPermission("u1", "r2", Write))
	assert.False(t, m.CheckPermission("u2", "r1", Write))

	m.AssignRole("u1", "r1", Viewer)
	assert.False(t, m.CheckPermission("u1", "r1", Write))

	assert.True(t, m.RevokeAccess("u1", "r1"))
	assert.False(t, m.RevokeAccess("u1", "r1"))
	assert.False(t, m.CheckPermission("u1", "r1", Read))
}

func TestManager_UserRooms(t *testing.T) {
	m := NewManager()
	m.AssignRole("u1", "r1", Viewer)
	m.AssignRole("u1", "r2", Owner)

	rooms := m.UserRooms("u1")
	require.Len(t, rooms, 2)
	assert.Equal(t, "viewer", rooms["r1"].Name)
	assert.Equal(t, "admin", rooms["r2"].Name)
	assert.Empty(t, m.UserRooms("nobody"))
}
