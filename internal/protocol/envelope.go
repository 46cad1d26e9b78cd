package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/example/collab-sync-engine/internal/crdt"
	"github.com/example/collab-sync-engine/internal/types"
)

// Kind enumerates the closed set of wire message kinds. Adding a kind is a
// compile-time decision; decoders reject anything outside this set.
type Kind string

const (
	KindOp           Kind = "op"
	KindPresence     Kind = "presence"
	KindSyncRequest  Kind = "sync_request"
	KindSyncResponse Kind = "sync_response"
	KindAck          Kind = "ack"
)

// PresenceState is the ephemeral per-replica awareness payload. It is never
// merged through CRDT rules; the newest LastSeen wins.
type PresenceState struct {
	Replica        types.ReplicaID `json:"replica_id"`
	UserID         string          `json:"user_id,omitempty"`
	DisplayName    string          `json:"display_name,omitempty"`
	AvatarRef      string          `json:"avatar_ref,omitempty"`
	Cursor         *crdt.Position  `json:"cursor,omitempty"`
	SelectionStart int             `json:"selection_start,omitempty"`
	SelectionEnd   int             `json:"selection_end,omitempty"`
	LastSeen       int64           `json:"last_seen"` // unix nanos
	Disconnected   bool            `json:"disconnected,omitempty"`
}

// SyncRequest asks the authority for everything newer than the client's clock.
// ResumeReplica carries the previously assigned replica id on reconnect; it is
// empty on a brand-new session.
type SyncRequest struct {
	VectorClock   types.VectorClock `json:"vector_clock"`
	ResumeReplica types.ReplicaID   `json:"resume_replica_id,omitempty"`
}

// SyncResponse completes the handshake: the assigned replica id, the
// authoritative clock, and the operations the client is missing in log order.
type SyncResponse struct {
	AssignedReplica types.ReplicaID         `json:"assigned_replica_id"`
	VectorClock     types.VectorClock       `json:"vector_clock"`
	Ops             []types.OperationRecord `json:"ops,omitempty"`
}

// Ack confirms durable acceptance of one operation.
type Ack struct {
	OpID types.OperationID `json:"op_id"`
}

// Envelope frames one message. Seq is a per-connection monotonic sequence
// number used for transport-level dedup, independent of CRDT idempotence.
type Envelope struct {
	Kind     Kind             `json:"kind"`
	Seq      uint64           `json:"seq"`
	Document types.DocumentID `json:"document_id,omitempty"`
	Replica  types.ReplicaID  `json:"replica_id,omitempty"`

	Op           *types.OperationRecord `json:"op,omitempty"`
	Presence     *PresenceState         `json:"presence,omitempty"`
	SyncRequest  *SyncRequest           `json:"sync_request,omitempty"`
	SyncResponse *SyncResponse          `json:"sync_response,omitempty"`
	Ack          *Ack                   `json:"ack,omitempty"`
}

// Validate checks that the envelope carries exactly the body its kind names.
func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindOp:
		if e.Op == nil {
			return fmt.Errorf("op envelope without op body")
		}
	case KindPresence:
		if e.Presence == nil {
			return fmt.Errorf("presence envelope without presence body")
		}
	case KindSyncRequest:
		if e.SyncRequest == nil {
			return fmt.Errorf("sync_request envelope without body")
		}
	case KindSyncResponse:
		if e.SyncResponse == nil {
			return fmt.Errorf("sync_response envelope without body")
		}
	case KindAck:
		if e.Ack == nil {
			return fmt.Errorf("ack envelope without body")
		}
	default:
		return fmt.Errorf("unknown message kind %q", e.Kind)
	}
	return nil
}

// Encode serializes the envelope for a websocket binary frame.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses and validates a received frame.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Sequencer stamps outbound envelopes with a per-connection sequence number.
type Sequencer struct {
	next uint64
}

// Stamp assigns the next sequence number.
func (s *Sequencer) Stamp(env *Envelope) {
	s.next++
	env.Seq = s.next
}

// Deduper drops frames whose sequence number does not advance. A zero Deduper
// is ready to use.
type Deduper struct {
	last uint64
}

// Fresh reports whether the envelope advances the sequence, recording it when
// it does. Envelopes without a sequence number (older peers) always pass.
func (d *Deduper) Fresh(env *Envelope) bool {
	if env.Seq == 0 {
		return true
	}
	if env.Seq <= d.last {
		return false
	}
	d.last = env.Seq
	return true
}
