package syncstate

import (
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/collab-sync-engine/internal/types"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func record(op string, replica types.ReplicaID, clock types.VectorClock) types.OperationRecord {
	return types.OperationRecord{
		Operation:   types.OperationID(op),
		Document:    "doc-1",
		Replica:     replica,
		VectorClock: clock,
	}
}

func TestInOrderRecordsApplyImmediately(t *testing.T) {
	tracker := NewVectorClockTracker()
	buffer := NewRecordReorderBuffer(tracker, testLogger())

	var applied []types.OperationID
	apply := func(r types.OperationRecord) error {
		applied = append(applied, r.Operation)
		return nil
	}

	if err := buffer.HandleRecord(record("1@alice", "alice", types.VectorClock{"alice": 1}), apply); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if err := buffer.HandleRecord(record("2@alice", "alice", types.VectorClock{"alice": 2}), apply); err != nil {
		t.Fatalf("second record: %v", err)
	}

	if len(applied) != 2 {
		t.Fatalf("expected 2 applies, got %d", len(applied))
	}
}

func TestCausalGapBuffersUntilDependencyArrives(t *testing.T) {
	tracker := NewVectorClockTracker()
	buffer := NewRecordReorderBuffer(tracker, testLogger())

	var applied []types.OperationID
	apply := func(r types.OperationRecord) error {
		applied = append(applied, r.Operation)
		return nil
	}

	// Bob's op depends on alice:1, which has not arrived yet.
	dependent := record("1@bob", "bob", types.VectorClock{"bob": 1, "alice": 1})
	if err := buffer.HandleRecord(dependent, apply); !errors.Is(err, ErrCausalityGap) {
		t.Fatalf("expected ErrCausalityGap, got %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("dependent record applied early")
	}
	if got := buffer.PendingCount("doc-1"); got != 1 {
		t.Fatalf("expected 1 pending, got %d", got)
	}

	// The missing predecessor unblocks the buffered record.
	if err := buffer.HandleRecord(record("1@alice", "alice", types.VectorClock{"alice": 1}), apply); err != nil {
		t.Fatalf("predecessor: %v", err)
	}

	if len(applied) != 2 {
		t.Fatalf("expected both records applied, got %d", len(applied))
	}
	if applied[0] != "1@alice" || applied[1] != "1@bob" {
		t.Fatalf("wrong apply order: %v", applied)
	}
	if got := buffer.PendingCount("doc-1"); got != 0 {
		t.Fatalf("expected buffer drained, got %d pending", got)
	}
}

func TestReadyAllowsOriginatorOneAhead(t *testing.T) {
	tracker := NewVectorClockTracker()

	if !tracker.Ready("doc-1", "alice", types.VectorClock{"alice": 1}) {
		t.Fatalf("first op from a replica must be ready")
	}
	if tracker.Ready("doc-1", "alice", types.VectorClock{"alice": 2}) {
		t.Fatalf("op skipping a local counter must not be ready")
	}
	if tracker.Ready("doc-1", "alice", types.VectorClock{"alice": 1, "bob": 1}) {
		t.Fatalf("op depending on an unseen replica must not be ready")
	}

	tracker.MergeRemote("doc-1", types.VectorClock{"bob": 1})
	if !tracker.Ready("doc-1", "alice", types.VectorClock{"alice": 1, "bob": 1}) {
		t.Fatalf("op must be ready once dependencies are covered")
	}
}

func TestBumpLocalReturnsIsolatedClone(t *testing.T) {
	tracker := NewVectorClockTracker()

	clock := tracker.BumpLocal("doc-1", "alice")
	clock["alice"] = 99

	if got := tracker.Snapshot("doc-1")["alice"]; got != 1 {
		t.Fatalf("mutating the returned clock leaked into the tracker: %d", got)
	}
}
