package presence

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/collab-sync-engine/internal/crdt"
	"github.com/example/collab-sync-engine/internal/protocol"
	"github.com/example/collab-sync-engine/internal/types"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestSetLocalDebouncesBroadcast(t *testing.T) {
	var mu sync.Mutex
	var sent []protocol.PresenceState
	tracker := NewTracker("alice", TrackerConfig{Debounce: 20 * time.Millisecond}, func(state protocol.PresenceState) {
		mu.Lock()
		sent = append(sent, state)
		mu.Unlock()
	}, testLogger())

	for i := 0; i < 10; i++ {
		tracker.SetLocal(Patch{Cursor: &CursorPatch{Position: &crdt.Position{Counter: uint64(i + 1), Replica: "alice"}}})
	}

	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 1 {
		t.Fatalf("expected one coalesced broadcast, got %d", len(sent))
	}
	if sent[0].Cursor == nil || sent[0].Cursor.Counter != 10 {
		t.Fatalf("expected latest cursor in broadcast, got %+v", sent[0].Cursor)
	}
	if sent[0].LastSeen == 0 {
		t.Fatalf("expected lastSeen to be stamped")
	}
}

func TestSetLocalMergesPartialPatches(t *testing.T) {
	tracker := NewTracker("alice", TrackerConfig{}, nil, testLogger())

	tracker.SetLocal(Patch{User: &UserPatch{UserID: "u1", DisplayName: "Alice"}})
	tracker.SetLocal(Patch{Cursor: &CursorPatch{Position: &crdt.Position{Counter: 3, Replica: "alice"}, SelectionStart: 1, SelectionEnd: 4}})

	local := tracker.Local()
	if local.UserID != "u1" || local.DisplayName != "Alice" {
		t.Fatalf("user patch lost: %+v", local)
	}
	if local.Cursor == nil || local.Cursor.Counter != 3 {
		t.Fatalf("cursor patch lost: %+v", local)
	}
	if local.SelectionStart != 1 || local.SelectionEnd != 4 {
		t.Fatalf("selection patch lost: %+v", local)
	}
}

func TestApplyRemoteLastWriteWins(t *testing.T) {
	tracker := NewTracker("alice", TrackerConfig{}, nil, testLogger())

	tracker.ApplyRemote(protocol.PresenceState{Replica: "bob", DisplayName: "new", LastSeen: 200})
	tracker.ApplyRemote(protocol.PresenceState{Replica: "bob", DisplayName: "stale", LastSeen: 100})

	roster := tracker.List()
	if len(roster) != 1 {
		t.Fatalf("expected one remote entry, got %d", len(roster))
	}
	if roster[0].DisplayName != "new" {
		t.Fatalf("older update superseded newer one: %q", roster[0].DisplayName)
	}
}

func TestApplyRemoteIgnoresSelfAndEmpty(t *testing.T) {
	tracker := NewTracker("alice", TrackerConfig{}, nil, testLogger())

	tracker.ApplyRemote(protocol.PresenceState{Replica: "alice", LastSeen: 1})
	tracker.ApplyRemote(protocol.PresenceState{LastSeen: 1})

	if got := tracker.List(); len(got) != 0 {
		t.Fatalf("expected empty roster, got %d entries", len(got))
	}
}

func TestDisconnectRemovesEntry(t *testing.T) {
	tracker := NewTracker("alice", TrackerConfig{}, nil, testLogger())

	tracker.ApplyRemote(protocol.PresenceState{Replica: "bob", LastSeen: 100})
	tracker.ApplyRemote(protocol.PresenceState{Replica: "bob", LastSeen: 200, Disconnected: true})

	if got := tracker.List(); len(got) != 0 {
		t.Fatalf("expected disconnect to remove entry, got %d", len(got))
	}
}

func TestPruneStaleDropsOnlyExpired(t *testing.T) {
	tracker := NewTracker("alice", TrackerConfig{Timeout: time.Second}, nil, testLogger())

	now := time.Now()
	tracker.ApplyRemote(protocol.PresenceState{Replica: "bob", LastSeen: now.Add(-2 * time.Second).UnixNano()})
	tracker.ApplyRemote(protocol.PresenceState{Replica: "carol", LastSeen: now.UnixNano()})

	tracker.PruneStale(now)

	roster := tracker.List()
	if len(roster) != 1 {
		t.Fatalf("expected one survivor, got %d", len(roster))
	}
	if roster[0].Replica != "carol" {
		t.Fatalf("wrong survivor: %s", roster[0].Replica)
	}
}

func TestListSortedAndExcludesLocal(t *testing.T) {
	tracker := NewTracker("mallory", TrackerConfig{}, nil, testLogger())

	for _, r := range []types.ReplicaID{"zed", "alice", "bob"} {
		tracker.ApplyRemote(protocol.PresenceState{Replica: r, LastSeen: 1})
	}

	roster := tracker.List()
	if len(roster) != 3 {
		t.Fatalf("expected three entries, got %d", len(roster))
	}
	want := []types.ReplicaID{"alice", "bob", "zed"}
	for i, r := range want {
		if roster[i].Replica != r {
			t.Fatalf("roster not sorted: got %v at %d, want %v", roster[i].Replica, i, r)
		}
	}
}

func TestSubscribeNotifiesAndUnsubscribes(t *testing.T) {
	tracker := NewTracker("alice", TrackerConfig{}, nil, testLogger())

	var mu sync.Mutex
	var calls int
	cancel := tracker.Subscribe(func(roster []protocol.PresenceState) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	tracker.ApplyRemote(protocol.PresenceState{Replica: "bob", LastSeen: 1})
	cancel()
	cancel() // double cancel is safe
	tracker.ApplyRemote(protocol.PresenceState{Replica: "carol", LastSeen: 1})

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected one notification, got %d", calls)
	}
}

func TestFlushSendsImmediately(t *testing.T) {
	var mu sync.Mutex
	var sent int
	tracker := NewTracker("alice", TrackerConfig{Debounce: time.Hour}, func(protocol.PresenceState) {
		mu.Lock()
		sent++
		mu.Unlock()
	}, testLogger())

	tracker.SetLocal(Patch{User: &UserPatch{UserID: "u1"}})
	tracker.Flush()

	mu.Lock()
	defer mu.Unlock()
	if sent != 1 {
		t.Fatalf("expected flush to send immediately, got %d sends", sent)
	}
}
