package exporter

import (
	"sync"

	"conduit/internal/protocol"
)

// PositionTracker records, per consumer, the position up to which the log
// may be compacted. Registered consumers that have not reported yet hold
// compaction back entirely.
type PositionTracker struct {
	mu        sync.Mutex
	positions map[string]int64
	reported  map[string]bool
}

func NewPositionTracker() *PositionTracker {
	return &PositionTracker{positions: map[string]int64{}, reported: map[string]bool{}}
}

func (t *PositionTracker) Register(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.positions[id]; !ok {
		t.positions[id] = protocol.NoPosition
	}
}

func (t *PositionTracker) Unregister(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.positions, id)
	delete(t.reported, id)
}

// Update reports the lowest position id still needs. Positions never move
// backwards.
func (t *PositionTracker) Update(id string, position int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.positions[id]
	if !ok || !t.reported[id] || position > cur {
		t.positions[id] = position
	}
	t.reported[id] = true
}

// Lowest returns the minimum reported position. ok is false while any
// registered consumer has not reported; with no consumers it returns
// (max int64, true).
func (t *PositionTracker) Lowest() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lowest := int64(1<<63 - 1)
	for id, p := range t.positions {
		if !t.reported[id] {
			return protocol.NoPosition, false
		}
		if p < lowest {
			lowest = p
		}
	}
	return lowest, true
}

// Positions returns a copy of the reported positions.
func (t *PositionTracker) Positions() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.positions))
	for id, p := range t.positions {
		if t.reported[id] {
			out[id] = p
		}
	}
	return out
}
