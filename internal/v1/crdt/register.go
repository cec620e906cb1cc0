package crdt

// LWWRegister holds a single value. Concurrent writes resolve to the one with
// the latest (timestamp, origin) pair.
type LWWRegister struct {
	opLog
	value     any
	timestamp float64
	valOrigin string
}

// NewLWWRegister creates a register owned by origin. The initial value has
// timestamp zero, so any real write replaces it.
func NewLWWRegister(origin string, initial any) *LWWRegister {
	return &LWWRegister{
		opLog:     newOpLog(origin),
		value:     initial,
		valOrigin: origin,
	}
}

// Set writes a new value as the local origin and returns the operation so it
// can be relayed to peers.
func (r *LWWRegister) Set(value any) Operation {
	op := NewOperation(r.origin, nil, KindSet, value)
	r.Apply(op)
	return op
}

// Apply applies a set operation. Duplicate operations (same id) return false.
func (r *LWWRegister) Apply(op Operation) (bool, error) {
	if r.hasSeen(op) {
		return false, nil
	}
	if op.Kind != KindSet {
		return false, unsupportedKind("LWWRegister", op.Kind)
	}
	if newer(op.Timestamp, op.Origin, r.timestamp, r.valOrigin) {
		r.value = op.Value
		r.timestamp = op.Timestamp
		r.valOrigin = op.Origin
	}
	r.record(op)
	return true, nil
}

// Merge replays every operation from another register.
func (r *LWWRegister) Merge(other *LWWRegister) {
	for _, op := range other.AllOperations() {
		r.Apply(op)
	}
}

// Value returns the current winning value.
func (r *LWWRegister) Value() any {
	return r.value
}

// RegisterState is the persisted form of an LWWRegister.
type RegisterState struct {
	Value      any         `json:"value"`
	Timestamp  float64     `json:"timestamp"`
	Origin     string      `json:"node_id"`
	Operations []Operation `json:"operations"`
}

// State snapshots the register, including its full operation log, so that a
// reconstructed replica serves sync requests identically.
func (r *LWWRegister) State() RegisterState {
	return RegisterState{
		Value:      r.value,
		Timestamp:  r.timestamp,
		Origin:     r.valOrigin,
		Operations: r.AllOperations(),
	}
}

// NewLWWRegisterFromState rebuilds a register from a snapshot. Recorded
// operation timestamps are preserved, never re-stamped.
func NewLWWRegisterFromState(origin string, state RegisterState) *LWWRegister {
	r := NewLWWRegister(origin, nil)
	r.value = state.Value
	r.timestamp = state.Timestamp
	r.valOrigin = state.Origin
	for _, op := range state.Operations {
		r.record(op)
	}
	return r
}
