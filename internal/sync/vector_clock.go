package syncstate

import (
	"sync"

	"github.com/example/collab-sync-engine/internal/types"
)

// VectorClockTracker maintains per-document logical clocks. Local operations
// call BumpLocal before emission; remote operations call MergeRemote to fold
// in their clock state after application.
type VectorClockTracker struct {
	mu    sync.RWMutex
	clock map[types.DocumentID]types.VectorClock
}

// NewVectorClockTracker constructs an empty tracker.
func NewVectorClockTracker() *VectorClockTracker {
	return &VectorClockTracker{
		clock: make(map[types.DocumentID]types.VectorClock),
	}
}

// BumpLocal increments the logical clock for the replica/document pair and
// returns the updated clock snapshot suitable for attaching to a new outbound
// operation.
func (t *VectorClockTracker) BumpLocal(docID types.DocumentID, replica types.ReplicaID) types.VectorClock {
	t.mu.Lock()
	defer t.mu.Unlock()

	clock := t.ensure(docID)
	clock.Bump(replica)

	return clock.Clone()
}

// MergeRemote merges a remote vector clock into the document clock and returns
// the updated snapshot.
func (t *VectorClockTracker) MergeRemote(docID types.DocumentID, other types.VectorClock) types.VectorClock {
	t.mu.Lock()
	defer t.mu.Unlock()

	clock := t.ensure(docID)
	clock.Merge(other)

	return clock.Clone()
}

// Snapshot returns a copy of the current logical clock for the document.
func (t *VectorClockTracker) Snapshot(docID types.DocumentID) types.VectorClock {
	t.mu.RLock()
	defer t.mu.RUnlock()

	clock := t.clock[docID]
	if clock == nil {
		return make(types.VectorClock)
	}
	return clock.Clone()
}

// Ready reports whether a record from the given replica carrying the given
// clock can be applied now: every counter must already be covered locally,
// except the originator's own, which may run exactly one ahead (the bump the
// record itself represents).
func (t *VectorClockTracker) Ready(docID types.DocumentID, replica types.ReplicaID, other types.VectorClock) bool {
	t.mu.RLock()
	clock := t.clock[docID]
	t.mu.RUnlock()

	for id, counter := range other {
		allowed := clock[id]
		if id == replica {
			allowed++
		}
		if counter > allowed {
			return false
		}
	}
	return true
}

func (t *VectorClockTracker) ensure(docID types.DocumentID) types.VectorClock {
	clock := t.clock[docID]
	if clock == nil {
		clock = make(types.VectorClock)
		t.clock[docID] = clock
	}
	return clock
}
