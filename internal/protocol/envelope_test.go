package protocol

import (
	"testing"

	"github.com/example/collab-sync-engine/internal/types"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := &Envelope{
		Kind:     KindOp,
		Document: "doc-1",
		Replica:  "replica-a",
		Op: &types.OperationRecord{
			Operation:   "1@replica-a",
			Document:    "doc-1",
			Replica:     "replica-a",
			Payload:     []byte(`{"kind":"insert"}`),
			VectorClock: types.VectorClock{"replica-a": 1},
		},
	}
	var seq Sequencer
	seq.Stamp(env)

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Kind != KindOp || decoded.Seq != 1 || decoded.Op == nil {
		t.Fatalf("unexpected decode result %+v", decoded)
	}
	if decoded.Op.Operation != "1@replica-a" {
		t.Fatalf("op id lost: %q", decoded.Op.Operation)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	if _, err := Decode([]byte(`{"kind":"rename","seq":1}`)); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestDecodeRejectsMissingBody(t *testing.T) {
	cases := []string{
		`{"kind":"op","seq":1}`,
		`{"kind":"presence","seq":1}`,
		`{"kind":"sync_request","seq":1}`,
		`{"kind":"sync_response","seq":1}`,
		`{"kind":"ack","seq":1}`,
	}
	for _, raw := range cases {
		if _, err := Decode([]byte(raw)); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestDeduperDropsReplayedFrames(t *testing.T) {
	var d Deduper
	first := &Envelope{Kind: KindAck, Seq: 1, Ack: &Ack{OpID: "1@a"}}
	if !d.Fresh(first) {
		t.Fatal("first frame should pass")
	}
	if d.Fresh(first) {
		t.Fatal("replayed frame should be dropped")
	}
	if !d.Fresh(&Envelope{Kind: KindAck, Seq: 5, Ack: &Ack{OpID: "2@a"}}) {
		t.Fatal("advancing frame should pass")
	}
	if d.Fresh(&Envelope{Kind: KindAck, Seq: 3, Ack: &Ack{OpID: "3@a"}}) {
		t.Fatal("stale frame should be dropped")
	}
	// Frames from peers that do not stamp sequences always pass.
	if !d.Fresh(&Envelope{Kind: KindAck, Ack: &Ack{OpID: "4@a"}}) {
		t.Fatal("unstamped frame should pass")
	}
}
