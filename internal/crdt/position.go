package crdt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/example/collab-sync-engine/internal/types"
)

// Position is the logical position of an element: a per-replica monotonic
// counter paired with the replica that minted it. Positions are never reused
// or mutated after assignment; ties between replicas are broken by replica id
// ordering.
type Position struct {
	Counter uint64          `json:"counter"`
	Replica types.ReplicaID `json:"replica"`
}

// Compare returns -1 if p orders before other, 1 if after, and 0 if equal.
func (p Position) Compare(other Position) int {
	if p.Counter != other.Counter {
		if p.Counter < other.Counter {
			return -1
		}
		return 1
	}
	switch {
	case p.Replica < other.Replica:
		return -1
	case p.Replica > other.Replica:
		return 1
	default:
		return 0
	}
}

// Equal reports whether two positions are identical.
func (p Position) Equal(other Position) bool {
	return p.Counter == other.Counter && p.Replica == other.Replica
}

// IsZero reports whether the position is the zero value. The zero position is
// never assigned to an element.
func (p Position) IsZero() bool {
	return p.Counter == 0 && p.Replica == ""
}

// String renders the position as "counter@replica", the canonical operation id
// form used on the wire and in the operation log.
func (p Position) String() string {
	return fmt.Sprintf("%d@%s", p.Counter, p.Replica)
}

// ParsePosition decodes the "counter@replica" form.
func ParsePosition(s string) (Position, error) {
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return Position{}, fmt.Errorf("malformed position %q", s)
	}
	counter, err := strconv.ParseUint(s[:at], 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("malformed position counter %q: %w", s, err)
	}
	return Position{Counter: counter, Replica: types.ReplicaID(s[at+1:])}, nil
}

// Clock mints fresh positions for a single replica. Counters are strictly
// increasing for the lifetime of the session, including across restores.
type Clock struct {
	replica types.ReplicaID
	counter uint64
}

// NewClock constructs a clock for the given replica.
func NewClock(replica types.ReplicaID) *Clock {
	return &Clock{replica: replica}
}

// Next allocates the next position.
func (c *Clock) Next() Position {
	c.counter++
	return Position{Counter: c.counter, Replica: c.replica}
}

// Witness raises the counter so future positions sort after one already seen.
// Used when restoring from a snapshot.
func (c *Clock) Witness(counter uint64) {
	if counter > c.counter {
		c.counter = counter
	}
}

// Replica returns the replica this clock mints positions for.
func (c *Clock) Replica() types.ReplicaID {
	return c.replica
}
