package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// DocumentID identifies a collaborative document.
type DocumentID string

// ReplicaID identifies one connected instance of a document. A user with two
// tabs open holds two replica ids; the authority assigns them at handshake and
// they are stable for the session's lifetime.
type ReplicaID string

// OperationID is a globally unique identifier for an operation.
type OperationID string

// VectorClock keeps logical time for each replica participating in a document.
type VectorClock map[ReplicaID]uint64

// Bump increments the vector clock for a replica.
func (vc VectorClock) Bump(replica ReplicaID) {
	vc[replica] = vc[replica] + 1
}

// Observe raises the entry for a replica to at least counter. Entries never
// decrease.
func (vc VectorClock) Observe(replica ReplicaID, counter uint64) {
	if vc[replica] < counter {
		vc[replica] = counter
	}
}

// Merge merges another vector clock into the receiver by taking the max value
// for each entry.
func (vc VectorClock) Merge(other VectorClock) {
	for replica, value := range other {
		if current, ok := vc[replica]; !ok || value > current {
			vc[replica] = value
		}
	}
}

// Dominates reports whether the receiver covers the other clock, meaning every
// entry is greater than or equal.
func (vc VectorClock) Dominates(other VectorClock) bool {
	for replica, value := range other {
		if vc[replica] < value {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for replica, value := range vc {
		out[replica] = value
	}
	return out
}

// OperationRecord is the durable representation of one accepted operation: the
// encoded CRDT payload plus the causality metadata needed for catch-up.
type OperationRecord struct {
	LSN         int64       `json:"lsn,omitempty"`
	Operation   OperationID `json:"operation_id"`
	Document    DocumentID  `json:"document_id"`
	Replica     ReplicaID   `json:"replica_id"`
	Payload     []byte      `json:"payload"`
	VectorClock VectorClock `json:"vector_clock"`
	CreatedAt   time.Time   `json:"created_at"`
}

// MarshalBinary serializes an OperationRecord to JSON for byte-oriented
// stores (the offline journal, redis payloads).
func (r OperationRecord) MarshalBinary() ([]byte, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return json.Marshal(r)
}

// UnmarshalBinary deserializes an OperationRecord from its JSON representation.
func (r *OperationRecord) UnmarshalBinary(data []byte) error {
	if err := json.Unmarshal(data, r); err != nil {
		return fmt.Errorf("decode operation record: %w", err)
	}
	return nil
}
