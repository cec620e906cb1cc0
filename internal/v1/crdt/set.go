package crdt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// ORSet is an observed-remove (add-wins) set. Every add carries a unique tag
// (the operation id); a remove only retires the tags its issuer had observed,
// so an add concurrent with a remove survives.
//
// Elements are arbitrary JSON values, keyed internally by a hash of their
// canonical encoding.
type ORSet struct {
	opLog
	// element hash -> live tag -> value
	elements    map[string]map[string]any
	removedTags map[string]struct{}
}

// NewORSet creates a set owned by origin.
func NewORSet(origin string) *ORSet {
	return &ORSet{
		opLog:       newOpLog(origin),
		elements:    make(map[string]map[string]any),
		removedTags: make(map[string]struct{}),
	}
}

// hashValue produces a deterministic key for a JSON-serializable value.
// encoding/json sorts object keys, so equal values always hash equally.
func hashValue(value any) string {
	raw, err := json.Marshal(value)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", value))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

// Add inserts value as the local origin and returns the operation.
func (s *ORSet) Add(value any) Operation {
	return s.AddBy(value, s.origin)
}

// AddBy is Add with an explicit origin.
func (s *ORSet) AddBy(value any, origin string) Operation {
	op := NewOperation(origin, nil, KindAdd, value)
	s.Apply(op)
	return op
}

// Remove retires every currently observed tag of value and returns the
// operation. Removing an absent value is a recorded no-op.
func (s *ORSet) Remove(value any) Operation {
	return s.RemoveBy(value, s.origin)
}

// RemoveBy is Remove with an explicit origin.
func (s *ORSet) RemoveBy(value any, origin string) Operation {
	var observed []string
	for tag := range s.elements[hashValue(value)] {
		if _, gone := s.removedTags[tag]; !gone {
			observed = append(observed, tag)
		}
	}
	sort.Strings(observed)
	op := NewOperation(origin, nil, KindRemove, map[string]any{
		"element": value,
		"tags":    observed,
	})
	s.Apply(op)
	return op
}

// Apply applies an add or remove operation. Duplicates return false.
func (s *ORSet) Apply(op Operation) (bool, error) {
	if s.hasSeen(op) {
		return false, nil
	}
	switch op.Kind {
	case KindAdd:
		hash := hashValue(op.Value)
		if _, gone := s.removedTags[op.ID]; !gone {
			tags := s.elements[hash]
			if tags == nil {
				tags = make(map[string]any)
				s.elements[hash] = tags
			}
			tags[op.ID] = op.Value
		}
	case KindRemove:
		for _, tag := range removeTags(op.Value) {
			s.removedTags[tag] = struct{}{}
		}
	default:
		return false, unsupportedKind("ORSet", op.Kind)
	}
	s.record(op)
	return true, nil
}

// removeTags extracts the observed tag list from a remove operation payload.
// Tags arrive as []string locally and as []any after a JSON round trip.
func removeTags(value any) []string {
	payload, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	switch tags := payload["tags"].(type) {
	case []string:
		return tags
	case []any:
		out := make([]string, 0, len(tags))
		for _, t := range tags {
			if tag, ok := t.(string); ok {
				out = append(out, tag)
			}
		}
		return out
	}
	return nil
}

// Merge replays every operation from another set.
func (s *ORSet) Merge(other *ORSet) {
	for _, op := range other.AllOperations() {
		s.Apply(op)
	}
}

// Contains reports whether value has at least one surviving tag.
func (s *ORSet) Contains(value any) bool {
	for tag := range s.elements[hashValue(value)] {
		if _, gone := s.removedTags[tag]; !gone {
			return true
		}
	}
	return false
}

// Len returns the number of distinct surviving elements.
func (s *ORSet) Len() int {
	return len(s.ToList())
}

// ToList returns the surviving elements, ordered by element hash so the
// result is stable across replicas.
func (s *ORSet) ToList() []any {
	hashes := make([]string, 0, len(s.elements))
	for hash := range s.elements {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)

	var out []any
	for _, hash := range hashes {
		for tag, val := range s.elements[hash] {
			if _, gone := s.removedTags[tag]; !gone {
				out = append(out, val)
				break
			}
		}
	}
	return out
}

// Value returns the surviving elements as a slice.
func (s *ORSet) Value() any {
	return s.ToList()
}

// ORSetState is the persisted form of an ORSet.
type ORSetState struct {
	// element hash -> tag -> value, live tags only
	Elements    map[string]map[string]any `json:"elements"`
	RemovedTags []string                  `json:"removed_tags"`
	Operations  []Operation               `json:"operations"`
}

// State snapshots the set for persistence or transmission.
func (s *ORSet) State() ORSetState {
	state := ORSetState{
		Elements:    make(map[string]map[string]any, len(s.elements)),
		RemovedTags: make([]string, 0, len(s.removedTags)),
		Operations:  s.AllOperations(),
	}
	for hash, tags := range s.elements {
		copied := make(map[string]any, len(tags))
		for tag, val := range tags {
			copied[tag] = val
		}
		state.Elements[hash] = copied
	}
	for tag := range s.removedTags {
		state.RemovedTags = append(state.RemovedTags, tag)
	}
	sort.Strings(state.RemovedTags)
	return state
}

// NewORSetFromState rebuilds a set from a snapshot.
func NewORSetFromState(origin string, state ORSetState) *ORSet {
	s := NewORSet(origin)
	for hash, tags := range state.Elements {
		copied := make(map[string]any, len(tags))
		for tag, val := range tags {
			copied[tag] = val
		}
		s.elements[hash] = copied
	}
	for _, tag := range state.RemovedTags {
		s.removedTags[tag] = struct{}{}
	}
	for _, op := range state.Operations {
		s.record(op)
	}
	return s
}
