package crdt

import (
	"encoding/json"
	"fmt"

	"github.com/example/collab-sync-engine/internal/types"
)

// OpKind enumerates the closed set of document operations.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
)

// Operation is an immutable, idempotent document mutation. For an insert,
// Position is the new element's position (identical to ID) and OriginLeft /
// OriginRight record the elements it was inserted between. For a delete,
// Position is the target element and ID stamps the deleting replica's own
// clock so vector-clock catch-up covers deletes too.
type Operation struct {
	Kind        OpKind    `json:"kind"`
	ID          Position  `json:"id"`
	Position    Position  `json:"position"`
	Value       string    `json:"value,omitempty"`
	OriginLeft  *Position `json:"origin_left,omitempty"`
	OriginRight *Position `json:"origin_right,omitempty"`
}

// OpID returns the canonical operation identifier.
func (op Operation) OpID() types.OperationID {
	return types.OperationID(op.ID.String())
}

// Validate rejects structurally malformed operations before they reach the
// store.
func (op Operation) Validate() error {
	if op.ID.IsZero() {
		return fmt.Errorf("operation without id")
	}
	switch op.Kind {
	case OpInsert:
		if op.Position.IsZero() {
			return fmt.Errorf("insert %s without position", op.OpID())
		}
		if !op.Position.Equal(op.ID) {
			return fmt.Errorf("insert %s position diverges from id", op.OpID())
		}
		if op.Value == "" {
			return fmt.Errorf("insert %s without value", op.OpID())
		}
	case OpDelete:
		if op.Position.IsZero() {
			return fmt.Errorf("delete %s without target", op.OpID())
		}
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	return nil
}

// Encode serializes the operation for the wire and the operation log.
func (op Operation) Encode() ([]byte, error) {
	return json.Marshal(op)
}

// DecodeOperation deserializes and validates an operation payload.
func DecodeOperation(data []byte) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return Operation{}, fmt.Errorf("decode operation: %w", err)
	}
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// ApplyResult reports what a remote apply did with an operation.
type ApplyResult int

const (
	// ResultApplied means the operation changed the store.
	ResultApplied ApplyResult = iota
	// ResultDuplicate means the operation had already been applied; re-applying
	// is a no-op.
	ResultDuplicate
	// ResultBuffered means the operation references elements not yet known and
	// was parked until they arrive.
	ResultBuffered
	// ResultRejected means the operation was malformed or its references were
	// evicted from the pending buffer; it was logged and dropped.
	ResultRejected
)

func (r ApplyResult) String() string {
	switch r {
	case ResultApplied:
		return "applied"
	case ResultDuplicate:
		return "duplicate"
	case ResultBuffered:
		return "buffered"
	case ResultRejected:
		return "rejected"
	default:
		return "unknown"
	}
}
