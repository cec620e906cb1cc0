package crdt

import (
	"encoding/json"
	"fmt"
)

// GCounter is a grow-only counter. Each origin accumulates its own count and
// the value is the sum across origins.
type GCounter struct {
	opLog
	counts map[string]int64
}

// NewGCounter creates a counter owned by origin.
func NewGCounter(origin string) *GCounter {
	return &GCounter{
		opLog:  newOpLog(origin),
		counts: make(map[string]int64),
	}
}

// Increment adds amount (>= 0) as the local origin and returns the operation.
func (c *GCounter) Increment(amount int64) (Operation, error) {
	if amount < 0 {
		return Operation{}, fmt.Errorf("GCounter increment must be non-negative, got %d", amount)
	}
	op := NewOperation(c.origin, nil, KindIncrement, amount)
	if _, err := c.Apply(op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// Apply applies an increment operation. Duplicates return false.
func (c *GCounter) Apply(op Operation) (bool, error) {
	if c.hasSeen(op) {
		return false, nil
	}
	if op.Kind != KindIncrement {
		return false, unsupportedKind("GCounter", op.Kind)
	}
	amount, err := counterAmount(op.Value)
	if err != nil {
		return false, err
	}
	if amount < 0 {
		return false, fmt.Errorf("GCounter increment must be non-negative, got %d", amount)
	}
	c.counts[op.Origin] += amount
	c.record(op)
	return true, nil
}

// Merge takes the pointwise maximum of per-origin counts and absorbs the
// other counter's operation log.
func (c *GCounter) Merge(other *GCounter) {
	for origin, count := range other.counts {
		if count > c.counts[origin] {
			c.counts[origin] = count
		}
	}
	for _, op := range other.AllOperations() {
		if !c.hasSeen(op) {
			c.record(op)
		}
	}
}

// Value returns the counter total.
func (c *GCounter) Value() any {
	return c.Total()
}

// Total returns the sum of all per-origin counts.
func (c *GCounter) Total() int64 {
	var total int64
	for _, count := range c.counts {
		total += count
	}
	return total
}

// GCounterState is the persisted form of a GCounter.
type GCounterState struct {
	Counts     map[string]int64 `json:"counts"`
	Operations []Operation      `json:"operations"`
}

// State snapshots the counter.
func (c *GCounter) State() GCounterState {
	counts := make(map[string]int64, len(c.counts))
	for origin, count := range c.counts {
		counts[origin] = count
	}
	return GCounterState{Counts: counts, Operations: c.AllOperations()}
}

// NewGCounterFromState rebuilds a counter from a snapshot.
func NewGCounterFromState(origin string, state GCounterState) *GCounter {
	c := NewGCounter(origin)
	for o, count := range state.Counts {
		c.counts[o] = count
	}
	for _, op := range state.Operations {
		c.record(op)
	}
	return c
}

// PNCounter supports both increments and decrements by pairing two grow-only
// count maps. The value is the positive total minus the negative total.
type PNCounter struct {
	opLog
	positive map[string]int64
	negative map[string]int64
}

// NewPNCounter creates a counter owned by origin.
func NewPNCounter(origin string) *PNCounter {
	return &PNCounter{
		opLog:    newOpLog(origin),
		positive: make(map[string]int64),
		negative: make(map[string]int64),
	}
}

// Increment adds amount (>= 0) as the local origin.
func (c *PNCounter) Increment(amount int64) (Operation, error) {
	if amount < 0 {
		return Operation{}, fmt.Errorf("PNCounter increment must be non-negative, got %d", amount)
	}
	op := NewOperation(c.origin, nil, KindIncrement, amount)
	if _, err := c.Apply(op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// Decrement subtracts amount (>= 0) as the local origin.
func (c *PNCounter) Decrement(amount int64) (Operation, error) {
	if amount < 0 {
		return Operation{}, fmt.Errorf("PNCounter decrement must be non-negative, got %d", amount)
	}
	op := NewOperation(c.origin, nil, KindDecrement, amount)
	if _, err := c.Apply(op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// Apply applies an increment or decrement operation. Duplicates return false.
func (c *PNCounter) Apply(op Operation) (bool, error) {
	if c.hasSeen(op) {
		return false, nil
	}
	amount, err := counterAmount(op.Value)
	if err != nil {
		return false, err
	}
	if amount < 0 {
		return false, fmt.Errorf("PNCounter amounts must be non-negative, got %d", amount)
	}
	switch op.Kind {
	case KindIncrement:
		c.positive[op.Origin] += amount
	case KindDecrement:
		c.negative[op.Origin] += amount
	default:
		return false, unsupportedKind("PNCounter", op.Kind)
	}
	c.record(op)
	return true, nil
}

// Merge takes the pointwise maximum of both count maps and absorbs the other
// counter's operation log.
func (c *PNCounter) Merge(other *PNCounter) {
	for origin, count := range other.positive {
		if count > c.positive[origin] {
			c.positive[origin] = count
		}
	}
	for origin, count := range other.negative {
		if count > c.negative[origin] {
			c.negative[origin] = count
		}
	}
	for _, op := range other.AllOperations() {
		if !c.hasSeen(op) {
			c.record(op)
		}
	}
}

// Value returns the counter total.
func (c *PNCounter) Value() any {
	return c.Total()
}

// Total returns increments minus decrements.
func (c *PNCounter) Total() int64 {
	var total int64
	for _, count := range c.positive {
		total += count
	}
	for _, count := range c.negative {
		total -= count
	}
	return total
}

// PNCounterState is the persisted form of a PNCounter.
type PNCounterState struct {
	Positive   map[string]int64 `json:"positive"`
	Negative   map[string]int64 `json:"negative"`
	Operations []Operation      `json:"operations"`
}

// State snapshots the counter.
func (c *PNCounter) State() PNCounterState {
	pos := make(map[string]int64, len(c.positive))
	for origin, count := range c.positive {
		pos[origin] = count
	}
	neg := make(map[string]int64, len(c.negative))
	for origin, count := range c.negative {
		neg[origin] = count
	}
	return PNCounterState{Positive: pos, Negative: neg, Operations: c.AllOperations()}
}

// NewPNCounterFromState rebuilds a counter from a snapshot.
func NewPNCounterFromState(origin string, state PNCounterState) *PNCounter {
	c := NewPNCounter(origin)
	for o, count := range state.Positive {
		c.positive[o] = count
	}
	for o, count := range state.Negative {
		c.negative[o] = count
	}
	for _, op := range state.Operations {
		c.record(op)
	}
	return c
}

// counterAmount normalizes an operation amount. JSON decoding yields float64,
// local construction yields int64.
func counterAmount(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("invalid counter amount %q: %w", v.String(), err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("invalid counter amount of type %T", value)
	}
}
