// Package crdt implements the conflict-free replicated data types that back
// every collaborative room: LWW-Register, LWW-Map, OR-Set and G/PN-Counters.
//
// All types share the same operation model: an immutable Operation record
// identified by a UUID, stamped with the originating replica (node id) and a
// float seconds timestamp. Applying the same operation twice is a no-op, and
// merging two replicas is done by replaying every unseen operation, so state
// converges regardless of delivery order.
//
// Conflict resolution for LWW types orders two writes by timestamp first and
// breaks ties by comparing origin strings. The comparison is deliberately
// lexicographic so that the outcome is deterministic on every replica without
// coordination.
package crdt

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the operation kinds understood by the CRDT types.
type Kind string

const (
	KindSet       Kind = "set"
	KindDelete    Kind = "delete"
	KindIncrement Kind = "increment"
	KindDecrement Kind = "decrement"
	KindAdd       Kind = "add"
	KindRemove    Kind = "remove"
)

// Operation is a single immutable mutation of a CRDT. Operations can be
// applied in any order on any replica and still converge.
//
// The wire timestamp of a client-supplied operation is never trusted: the
// protocol layer re-stamps inbound operations with the server clock before
// they reach a CRDT. Operations decoded from a persisted snapshot keep their
// recorded timestamps so that snapshots round-trip exactly.
type Operation struct {
	ID        string   `json:"id"`
	Timestamp float64  `json:"timestamp"`
	Origin    string   `json:"node_id"`
	Path      []string `json:"path"`
	Kind      Kind     `json:"op_type"`
	Value     any      `json:"value,omitempty"`
}

// NewOperation creates an operation with a fresh UUID and the current clock.
func NewOperation(origin string, path []string, kind Kind, value any) Operation {
	return Operation{
		ID:        uuid.NewString(),
		Timestamp: Now(),
		Origin:    origin,
		Path:      append([]string(nil), path...),
		Kind:      kind,
		Value:     value,
	}
}

// Now returns the current time as float seconds, the timestamp unit used by
// operations and version vectors.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// VersionVector tracks the latest timestamp seen from each origin. Sync uses
// it to request only operations newer than what a peer already holds.
type VersionVector map[string]float64

// Update records a timestamp for an origin, keeping the maximum.
func (v VersionVector) Update(origin string, ts float64) {
	if ts > v[origin] {
		v[origin] = ts
	}
}

// Get returns the latest timestamp seen from an origin, zero if unknown.
func (v VersionVector) Get(origin string) float64 {
	return v[origin]
}

// Merge folds another vector into this one, pointwise maximum.
func (v VersionVector) Merge(other VersionVector) {
	for origin, ts := range other {
		v.Update(origin, ts)
	}
}

// Clone returns an independent copy.
func (v VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(v))
	for origin, ts := range v {
		out[origin] = ts
	}
	return out
}

// CRDT is the capability set shared by every replicated type in this package.
// Merge is intentionally absent: it is typed per concrete CRDT.
type CRDT interface {
	Apply(op Operation) (bool, error)
	Value() any
	OperationsSince(ts float64) []Operation
	AllOperations() []Operation
	VersionVector() VersionVector
}

// newer reports whether (ts1, origin1) wins over (ts2, origin2) under LWW
// ordering: later timestamp first, origin string comparison on ties.
func newer(ts1 float64, origin1 string, ts2 float64, origin2 string) bool {
	if ts1 != ts2 {
		return ts1 > ts2
	}
	return origin1 > origin2
}

// newerOrEqual is the inclusive form of newer, used for tombstone visibility.
func newerOrEqual(ts1 float64, origin1 string, ts2 float64, origin2 string) bool {
	if ts1 != ts2 {
		return ts1 > ts2
	}
	return origin1 >= origin2
}

// opLog is the ordered operation log plus duplicate tracking and version
// vector shared by all CRDT implementations. Not safe for concurrent use;
// callers synchronize at the room layer.
type opLog struct {
	origin string
	ops    []Operation
	seen   map[string]struct{}
	vector VersionVector
}

func newOpLog(origin string) opLog {
	return opLog{
		origin: origin,
		seen:   make(map[string]struct{}),
		vector: make(VersionVector),
	}
}

func (l *opLog) hasSeen(op Operation) bool {
	_, ok := l.seen[op.ID]
	return ok
}

func (l *opLog) record(op Operation) {
	l.ops = append(l.ops, op)
	l.seen[op.ID] = struct{}{}
	l.vector.Update(op.Origin, op.Timestamp)
}

// OperationsSince returns operations strictly newer than ts, in log order.
func (l *opLog) OperationsSince(ts float64) []Operation {
	var out []Operation
	for _, op := range l.ops {
		if op.Timestamp > ts {
			out = append(out, op)
		}
	}
	return out
}

// AllOperations returns a copy of the full operation log.
func (l *opLog) AllOperations() []Operation {
	return append([]Operation(nil), l.ops...)
}

// VersionVector returns a copy of the per-origin high-water timestamps.
func (l *opLog) VersionVector() VersionVector {
	return l.vector.Clone()
}

func unsupportedKind(typ string, kind Kind) error {
	return fmt.Errorf("%s does not support %q operations", typ, kind)
}
