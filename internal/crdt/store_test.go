package crdt

import (
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/collab-sync-engine/internal/types"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func typeText(t *testing.T, s *Store, at int, text string) []Operation {
	t.Helper()
	ops := make([]Operation, 0, len(text))
	for i, r := range []rune(text) {
		op, err := s.ApplyLocalInsert(r, at+i)
		if err != nil {
			t.Fatalf("insert %q at %d: %v", string(r), at+i, err)
		}
		ops = append(ops, op)
	}
	return ops
}

func TestLocalEditing(t *testing.T) {
	s := NewStore("alice", testLogger())

	typeText(t, s, 0, "hello")
	if got := s.Materialize(); got != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}

	if _, err := s.ApplyLocalInsert('!', 5); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.ApplyLocalDelete(0); err != nil {
		t.Fatalf("delete head: %v", err)
	}
	if got := s.Materialize(); got != "ello!" {
		t.Fatalf("expected 'ello!', got %q", got)
	}

	// Tombstones are retained, not removed.
	if n := s.NodeCount(true); n != 6 {
		t.Fatalf("expected 6 nodes including tombstone, got %d", n)
	}
	if n := s.VisibleLength(); n != 5 {
		t.Fatalf("expected 5 visible, got %d", n)
	}
}

func TestLocalEditIndexBounds(t *testing.T) {
	s := NewStore("alice", testLogger())
	if _, err := s.ApplyLocalInsert('x', 1); err == nil {
		t.Fatal("expected error inserting past end")
	}
	if _, err := s.ApplyLocalDelete(0); err == nil {
		t.Fatal("expected error deleting from empty store")
	}
}

func TestRemoteApplyIdempotent(t *testing.T) {
	alice := NewStore("alice", testLogger())
	bob := NewStore("bob", testLogger())

	ops := typeText(t, alice, 0, "hi")
	for _, op := range ops {
		if res := bob.ApplyRemote(op); res != ResultApplied {
			t.Fatalf("first apply: expected applied, got %s", res)
		}
	}
	want := bob.Materialize()

	for _, op := range ops {
		if res := bob.ApplyRemote(op); res != ResultDuplicate {
			t.Fatalf("second apply: expected duplicate, got %s", res)
		}
	}
	if got := bob.Materialize(); got != want {
		t.Fatalf("idempotence violated: %q != %q", got, want)
	}
}

func TestConcurrentDeleteIsTombstoneSafe(t *testing.T) {
	alice := NewStore("alice", testLogger())
	bob := NewStore("bob", testLogger())

	insert := typeText(t, alice, 0, "x")[0]
	if res := bob.ApplyRemote(insert); res != ResultApplied {
		t.Fatalf("bob apply insert: %s", res)
	}

	// Both replicas delete the same character concurrently.
	delA, err := alice.ApplyLocalDelete(0)
	if err != nil {
		t.Fatalf("alice delete: %v", err)
	}
	delB, err := bob.ApplyLocalDelete(0)
	if err != nil {
		t.Fatalf("bob delete: %v", err)
	}

	if res := alice.ApplyRemote(delB); res != ResultDuplicate {
		t.Fatalf("expected duplicate for concurrent delete, got %s", res)
	}
	if res := bob.ApplyRemote(delA); res != ResultDuplicate {
		t.Fatalf("expected duplicate for concurrent delete, got %s", res)
	}
	if alice.Materialize() != "" || bob.Materialize() != "" {
		t.Fatal("expected empty documents after delete")
	}
}

func TestDeleteBeforeInsertIsBuffered(t *testing.T) {
	alice := NewStore("alice", testLogger())
	bob := NewStore("bob", testLogger())

	insert := typeText(t, alice, 0, "x")[0]
	del, err := alice.ApplyLocalDelete(0)
	if err != nil {
		t.Fatalf("alice delete: %v", err)
	}

	// Delete arrives first.
	if res := bob.ApplyRemote(del); res != ResultBuffered {
		t.Fatalf("expected buffered, got %s", res)
	}
	if n := bob.PendingDeleteCount(); n != 1 {
		t.Fatalf("expected 1 pending delete, got %d", n)
	}

	if res := bob.ApplyRemote(insert); res != ResultApplied {
		t.Fatalf("expected applied, got %s", res)
	}
	if n := bob.PendingDeleteCount(); n != 0 {
		t.Fatalf("expected drained pending deletes, got %d", n)
	}
	if got := bob.Materialize(); got != "" {
		t.Fatalf("expected empty document, got %q", got)
	}
}

func TestPendingDeleteEvictedAfterRetryLimit(t *testing.T) {
	alice := NewStore("alice", testLogger())
	bob := NewStore("bob", testLogger(), WithDeleteRetryLimit(2))

	insert := typeText(t, alice, 0, "x")[0]
	del, err := alice.ApplyLocalDelete(0)
	if err != nil {
		t.Fatalf("alice delete: %v", err)
	}

	if res := bob.ApplyRemote(del); res != ResultBuffered {
		t.Fatalf("expected buffered, got %s", res)
	}

	// Unrelated traffic ages the buffered delete past its budget.
	noise := NewStore("carol", testLogger())
	for _, op := range typeText(t, noise, 0, "abc") {
		bob.ApplyRemote(op)
	}
	if n := bob.PendingDeleteCount(); n != 0 {
		t.Fatalf("expected pending delete evicted, got %d", n)
	}

	// The insert eventually arriving leaves the character alive.
	if res := bob.ApplyRemote(insert); res != ResultApplied {
		t.Fatalf("expected applied, got %s", res)
	}
	if got := bob.Materialize(); got != "abcx" && got != "xabc" {
		t.Fatalf("expected dropped delete to leave 'x' visible, got %q", got)
	}
}

func TestInsertBufferedUntilOriginArrives(t *testing.T) {
	alice := NewStore("alice", testLogger())
	bob := NewStore("bob", testLogger())

	ops := typeText(t, alice, 0, "ab")
	// 'b' references 'a' as its left origin; deliver it first.
	if res := bob.ApplyRemote(ops[1]); res != ResultBuffered {
		t.Fatalf("expected buffered, got %s", res)
	}
	if got := bob.Materialize(); got != "" {
		t.Fatalf("expected nothing visible yet, got %q", got)
	}
	if res := bob.ApplyRemote(ops[0]); res != ResultApplied {
		t.Fatalf("expected applied, got %s", res)
	}
	if got := bob.Materialize(); got != "ab" {
		t.Fatalf("expected 'ab', got %q", got)
	}
}

func TestMalformedOperationRejected(t *testing.T) {
	s := NewStore("alice", testLogger())

	if res := s.ApplyRemote(Operation{Kind: OpInsert}); res != ResultRejected {
		t.Fatalf("expected rejected, got %s", res)
	}
	if res := s.ApplyRemote(Operation{Kind: "rename", ID: Position{Counter: 1, Replica: "bob"}}); res != ResultRejected {
		t.Fatalf("expected rejected for unknown kind, got %s", res)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	alice := NewStore("alice", testLogger())
	typeText(t, alice, 0, "note")
	if _, err := alice.ApplyLocalDelete(3); err != nil {
		t.Fatalf("delete: %v", err)
	}

	snap := alice.Snapshot()

	restored := NewStore("alice", testLogger())
	restored.Restore(snap)
	if got := restored.Materialize(); got != "not" {
		t.Fatalf("expected 'not', got %q", got)
	}

	// Positions minted after restore must not collide with snapshot state.
	op, err := restored.ApplyLocalInsert('!', 3)
	if err != nil {
		t.Fatalf("insert after restore: %v", err)
	}
	if clock := snap.VectorClock["alice"]; op.ID.Counter <= clock {
		t.Fatalf("clock did not advance past snapshot: %d <= %d", op.ID.Counter, clock)
	}
	if got := restored.Materialize(); got != "not!" {
		t.Fatalf("expected 'not!', got %q", got)
	}
}

func TestSubscribeDeliversEventsAndUnsubscribes(t *testing.T) {
	s := NewStore("alice", testLogger())

	var events []Event
	cancel := s.Subscribe(func(evt Event) { events = append(events, evt) })

	typeText(t, s, 0, "a")
	if len(events) != 1 || events[0].Type != EventInsert || events[0].VisibleIndex != 0 {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[0].Remote {
		t.Fatal("local event flagged remote")
	}

	cancel()
	typeText(t, s, 1, "b")
	if len(events) != 1 {
		t.Fatalf("listener fired after unsubscribe: %d events", len(events))
	}
	// A second cancel is a no-op.
	cancel()
}

func TestVectorClockNeverDecreases(t *testing.T) {
	alice := NewStore("alice", testLogger())
	bob := NewStore("bob", testLogger())

	for _, op := range typeText(t, alice, 0, "abc") {
		bob.ApplyRemote(op)
	}
	before := bob.VectorClock()

	// Replaying older traffic must not roll the clock back.
	bob.ApplyRemote(Operation{
		Kind:     OpInsert,
		ID:       Position{Counter: 1, Replica: "alice"},
		Position: Position{Counter: 1, Replica: "alice"},
		Value:    "a",
	})
	after := bob.VectorClock()
	for replica, val := range before {
		if after[replica] < val {
			t.Fatalf("clock decreased for %s: %d -> %d", replica, val, after[replica])
		}
	}
	if after[types.ReplicaID("alice")] != 3 {
		t.Fatalf("expected alice at 3, got %d", after["alice"])
	}
}
