// Package storage provides the pluggable persistence layer for rooms.
//
// Backends are deliberately dumb key-value stores over JSON blobs; every
// schema decision lives in the snapshot codec here. Three backends ship:
// in-memory (development and tests), PostgreSQL (lib/pq) and Redis
// (go-redis). WithBreaker wraps any backend in a circuit breaker so a dying
// store degrades to in-memory operation instead of stalling every session.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/driftsync/driftsync/internal/v1/crdt"
)

// ErrNotFound is returned by Load when the key has no value.
var ErrNotFound = errors.New("storage: key not found")

// Backend is the contract every storage implementation satisfies. Keys are
// opaque strings; values are JSON blobs.
type Backend interface {
	// Connect establishes the connection and prepares schema if needed.
	Connect(ctx context.Context) error
	// Disconnect releases the connection. Safe to call when not connected.
	Disconnect(ctx context.Context) error
	// Save writes data under key, replacing any previous value.
	Save(ctx context.Context, key string, data []byte) error
	// Load reads the value under key, or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Returns false when the key did not exist.
	Delete(ctx context.Context, key string) (bool, error)
	// Exists reports whether key has a value.
	Exists(ctx context.Context, key string) (bool, error)
	// ListKeys returns every key starting with prefix; empty prefix lists all.
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// RoomKeyPrefix namespaces room snapshots in the shared key space.
const RoomKeyPrefix = "room:"

// RoomKey returns the storage key for a room snapshot.
func RoomKey(roomID string) string {
	return RoomKeyPrefix + roomID
}

// RoomSnapshot is the persisted form of a room: the full CRDT state
// (including its operation log) plus the room metadata.
type RoomSnapshot struct {
	State    crdt.MapState  `json:"state"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// EncodeRoomSnapshot serializes a snapshot for storage.
func EncodeRoomSnapshot(snap RoomSnapshot) ([]byte, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode room snapshot: %w", err)
	}
	return raw, nil
}

// DecodeRoomSnapshot parses a stored snapshot. Operation timestamps inside
// the state are preserved exactly as recorded.
func DecodeRoomSnapshot(raw []byte) (RoomSnapshot, error) {
	var snap RoomSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return RoomSnapshot{}, fmt.Errorf("decode room snapshot: %w", err)
	}
	return snap, nil
}

// SaveRoom encodes and stores a room snapshot.
func SaveRoom(ctx context.Context, backend Backend, roomID string, snap RoomSnapshot) error {
	raw, err := EncodeRoomSnapshot(snap)
	if err != nil {
		return err
	}
	return backend.Save(ctx, RoomKey(roomID), raw)
}

// LoadRoom fetches and decodes a room snapshot, or ErrNotFound.
func LoadRoom(ctx context.Context, backend Backend, roomID string) (RoomSnapshot, error) {
	raw, err := backend.Load(ctx, RoomKey(roomID))
	if err != nil {
		return RoomSnapshot{}, err
	}
	return DecodeRoomSnapshot(raw)
}
