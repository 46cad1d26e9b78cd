package snapshot

import (
	"context"
	"errors"
	"testing"

	"github.com/example/collab-sync-engine/internal/crdt"
	"github.com/example/collab-sync-engine/internal/types"
)

func TestFileGatewayRoundTrip(t *testing.T) {
	gw, err := NewFileGateway(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileGateway: %v", err)
	}

	payload := Payload{
		Document:    "doc-1",
		LastOpID:    "3@alice",
		VectorClock: types.VectorClock{"alice": 3},
		Nodes: []crdt.Node{
			{Position: crdt.Position{Counter: 1, Replica: "alice"}, Value: "h"},
			{Position: crdt.Position{Counter: 2, Replica: "alice"}, Value: "i", Deleted: true},
		},
	}

	if err := gw.Save(context.Background(), payload); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := gw.Load(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.LastOpID != payload.LastOpID {
		t.Fatalf("last op mismatch: %s", loaded.LastOpID)
	}
	if len(loaded.Nodes) != 2 || !loaded.Nodes[1].Deleted {
		t.Fatalf("nodes not preserved: %+v", loaded.Nodes)
	}
	if loaded.VectorClock["alice"] != 3 {
		t.Fatalf("vector clock mismatch: %v", loaded.VectorClock)
	}
}

func TestFileGatewayMissingSnapshot(t *testing.T) {
	gw, err := NewFileGateway(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileGateway: %v", err)
	}
	if _, err := gw.Load(context.Background(), "absent"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}
}

func TestPayloadSnapshotConversion(t *testing.T) {
	payload := Payload{
		Document:    "doc-1",
		VectorClock: types.VectorClock{"alice": 1},
		Nodes:       []crdt.Node{{Position: crdt.Position{Counter: 1, Replica: "alice"}, Value: "a"}},
	}

	snap := payload.Snapshot()
	if snap.Document != "doc-1" || len(snap.Nodes) != 1 {
		t.Fatalf("conversion lost data: %+v", snap)
	}
}
