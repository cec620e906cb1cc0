package crdt

import (
	"sort"
	"strings"
)

// pathSep joins path segments into flat entry keys. Snapshot keys use the
// same separator, so segments must not contain a dot themselves; the protocol
// layer enforces that before operations reach the map.
const pathSep = "."

type mapEntry struct {
	value     any
	timestamp float64
	origin    string
}

type mapTombstone struct {
	timestamp float64
	origin    string
}

// LWWMap is a last-writer-wins map with nested paths. Every path is an
// independent LWW slot, so concurrent writers to different fields never
// conflict. Deletes leave tombstones: a tombstone hides its exact path and
// every descendant path whose write is not strictly newer than the delete.
type LWWMap struct {
	opLog
	entries    map[string]mapEntry
	tombstones map[string]mapTombstone
}

// NewLWWMap creates a map owned by origin. An optional initial document is
// flattened into entries at timestamp zero, so any replicated write wins
// over it.
func NewLWWMap(origin string, initial map[string]any) *LWWMap {
	m := &LWWMap{
		opLog:      newOpLog(origin),
		entries:    make(map[string]mapEntry),
		tombstones: make(map[string]mapTombstone),
	}
	if initial != nil {
		m.flattenSet(nil, initial, 0, origin)
	}
	return m
}

// Set writes value at path as the local origin and returns the operation.
// Object values are flattened into one entry per leaf.
func (m *LWWMap) Set(path []string, value any) Operation {
	return m.SetBy(path, value, m.origin)
}

// SetBy is Set with an explicit origin, used when the server applies a write
// on behalf of a connected user.
func (m *LWWMap) SetBy(path []string, value any, origin string) Operation {
	op := NewOperation(origin, path, KindSet, value)
	m.Apply(op)
	return op
}

// Delete tombstones the path as the local origin and returns the operation.
func (m *LWWMap) Delete(path []string) Operation {
	return m.DeleteBy(path, m.origin)
}

// DeleteBy is Delete with an explicit origin.
func (m *LWWMap) DeleteBy(path []string, origin string) Operation {
	op := NewOperation(origin, path, KindDelete, nil)
	m.Apply(op)
	return op
}

// Apply applies a set or delete operation. Duplicates return false.
func (m *LWWMap) Apply(op Operation) (bool, error) {
	if m.hasSeen(op) {
		return false, nil
	}
	switch op.Kind {
	case KindSet:
		if obj, ok := op.Value.(map[string]any); ok {
			m.flattenSet(op.Path, obj, op.Timestamp, op.Origin)
		} else {
			m.setEntry(joinPath(op.Path), op.Value, op.Timestamp, op.Origin)
		}
	case KindDelete:
		key := joinPath(op.Path)
		existing, ok := m.tombstones[key]
		if !ok || newer(op.Timestamp, op.Origin, existing.timestamp, existing.origin) {
			m.tombstones[key] = mapTombstone{timestamp: op.Timestamp, origin: op.Origin}
		}
	default:
		return false, unsupportedKind("LWWMap", op.Kind)
	}
	m.record(op)
	return true, nil
}

func (m *LWWMap) flattenSet(path []string, obj map[string]any, ts float64, origin string) {
	for key, val := range obj {
		child := append(append([]string(nil), path...), key)
		if nested, ok := val.(map[string]any); ok {
			m.flattenSet(child, nested, ts, origin)
		} else {
			m.setEntry(joinPath(child), val, ts, origin)
		}
	}
}

func (m *LWWMap) setEntry(key string, value any, ts float64, origin string) {
	existing, ok := m.entries[key]
	if !ok || newer(ts, origin, existing.timestamp, existing.origin) {
		m.entries[key] = mapEntry{value: value, timestamp: ts, origin: origin}
	}
}

// hidden reports whether the entry at key is masked by a tombstone at the
// same path or at any ancestor path. A tombstone wins when its
// (timestamp, origin) is greater than or equal to the entry's.
func (m *LWWMap) hidden(key string, e mapEntry) bool {
	for tombKey, t := range m.tombstones {
		if tombKey != key && !strings.HasPrefix(key, tombKey+pathSep) {
			continue
		}
		if newerOrEqual(t.timestamp, t.origin, e.timestamp, e.origin) {
			return true
		}
	}
	return false
}

// Get returns the visible value at path: the entry itself, or the nested
// document reconstructed from descendant entries, or nil.
func (m *LWWMap) Get(path []string) any {
	if len(path) == 0 {
		v := m.Value()
		if len(v) == 0 {
			return nil
		}
		return v
	}
	key := joinPath(path)
	if e, ok := m.entries[key]; ok && !m.hidden(key, e) {
		return e.value
	}

	prefix := key + pathSep
	nested := make(map[string]any)
	for entryKey, e := range m.entries {
		if !strings.HasPrefix(entryKey, prefix) || m.hidden(entryKey, e) {
			continue
		}
		insertNested(nested, strings.Split(entryKey[len(prefix):], pathSep), e.value)
	}
	if len(nested) == 0 {
		return nil
	}
	return nested
}

// Has reports whether a visible entry exists at or under key.
func (m *LWWMap) Has(key string) bool {
	for entryKey, e := range m.entries {
		if (entryKey == key || strings.HasPrefix(entryKey, key+pathSep)) && !m.hidden(entryKey, e) {
			return true
		}
	}
	return false
}

// Keys returns the visible top-level keys, sorted.
func (m *LWWMap) Keys() []string {
	seen := make(map[string]struct{})
	for entryKey, e := range m.entries {
		if m.hidden(entryKey, e) {
			continue
		}
		top, _, _ := strings.Cut(entryKey, pathSep)
		seen[top] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Value reconstructs the current document as a nested map. When a path holds
// both a scalar and deeper children, the children win; the outcome does not
// depend on map iteration order.
func (m *LWWMap) Value() map[string]any {
	result := make(map[string]any)
	for entryKey, e := range m.entries {
		if m.hidden(entryKey, e) {
			continue
		}
		insertNested(result, strings.Split(entryKey, pathSep), e.value)
	}
	return result
}

// insertNested places value at the segment path inside doc, materializing
// intermediate objects. Scalars in the way of deeper children are replaced,
// and a scalar never replaces an existing object.
func insertNested(doc map[string]any, segments []string, value any) {
	current := doc
	for _, seg := range segments[:len(segments)-1] {
		next, ok := current[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[seg] = next
		}
		current = next
	}
	last := segments[len(segments)-1]
	if _, isObj := current[last].(map[string]any); isObj {
		return
	}
	current[last] = value
}

func joinPath(path []string) string {
	return strings.Join(path, pathSep)
}

// Merge replays every operation from another map.
func (m *LWWMap) Merge(other *LWWMap) {
	for _, op := range other.AllOperations() {
		m.Apply(op)
	}
}

// MapEntryState and MapTombstoneState are the persisted forms of a single
// map slot.
type MapEntryState struct {
	Value     any     `json:"value"`
	Timestamp float64 `json:"timestamp"`
	Origin    string  `json:"node_id"`
}

type MapTombstoneState struct {
	Timestamp float64 `json:"timestamp"`
	Origin    string  `json:"node_id"`
}

// MapState is the persisted form of an LWWMap, including the operation log
// so that sync requests replay identically after a restart.
type MapState struct {
	Entries    map[string]MapEntryState     `json:"entries"`
	Tombstones map[string]MapTombstoneState `json:"tombstones"`
	Operations []Operation                  `json:"operations"`
}

// State snapshots the map for persistence or transmission.
func (m *LWWMap) State() MapState {
	state := MapState{
		Entries:    make(map[string]MapEntryState, len(m.entries)),
		Tombstones: make(map[string]MapTombstoneState, len(m.tombstones)),
		Operations: m.AllOperations(),
	}
	for key, e := range m.entries {
		state.Entries[key] = MapEntryState{Value: e.value, Timestamp: e.timestamp, Origin: e.origin}
	}
	for key, t := range m.tombstones {
		state.Tombstones[key] = MapTombstoneState{Timestamp: t.timestamp, Origin: t.origin}
	}
	return state
}

// NewLWWMapFromState rebuilds a map from a snapshot. Entry, tombstone and
// operation timestamps are preserved exactly, so State followed by
// NewLWWMapFromState round-trips.
func NewLWWMapFromState(origin string, state MapState) *LWWMap {
	m := NewLWWMap(origin, nil)
	for key, e := range state.Entries {
		m.entries[key] = mapEntry{value: e.Value, timestamp: e.Timestamp, origin: e.Origin}
	}
	for key, t := range state.Tombstones {
		m.tombstones[key] = mapTombstone{timestamp: t.Timestamp, origin: t.Origin}
	}
	for _, op := range state.Operations {
		m.record(op)
	}
	return m
}
