package crdt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/collab-sync-engine/internal/types"
)

// EventType enumerates store lifecycle transitions.
type EventType string

const (
	EventInsert EventType = "insert"
	EventDelete EventType = "delete"
)

// Event describes an applied change. VisibleIndex is the index of the affected
// character in the materialized text at the moment the change landed.
type Event struct {
	Type         EventType
	Node         Node
	VisibleIndex int
	Remote       bool
}

// Listener receives store events.
type Listener func(Event)

const defaultDeleteRetryLimit = 32

type pendingDelete struct {
	op      Operation
	retries int
}

// Store keeps the replicated sequence of character nodes for one document.
// Applying the same set of operations in any order, any number of times,
// materializes to identical text on every replica. All apply operations are
// synchronous and never touch I/O; callers own serialization per document.
type Store struct {
	mu     sync.RWMutex
	clock  *Clock
	nodes  []*Node
	index  map[Position]int
	vector types.VectorClock

	pendingInserts map[Position][]Operation
	pendingDeletes map[Position]*pendingDelete
	retryLimit     int

	visible int

	listenerSeq int
	listeners   map[int]Listener

	logger zerolog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithDeleteRetryLimit bounds how many apply sweeps an out-of-order delete may
// wait for its insert before being dropped.
func WithDeleteRetryLimit(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.retryLimit = n
		}
	}
}

// NewStore constructs an empty store owned by the given replica.
func NewStore(replica types.ReplicaID, logger zerolog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		clock:          NewClock(replica),
		index:          make(map[Position]int),
		vector:         make(types.VectorClock),
		pendingInserts: make(map[Position][]Operation),
		pendingDeletes: make(map[Position]*pendingDelete),
		retryLimit:     defaultDeleteRetryLimit,
		listeners:      make(map[int]Listener),
		logger:         logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Replica returns the owning replica id.
func (s *Store) Replica() types.ReplicaID {
	return s.clock.Replica()
}

// Subscribe registers a listener and returns a handle that unregisters it.
// Handles are always safe to call, including after the session tears down.
func (s *Store) Subscribe(listener Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listenerSeq++
	id := s.listenerSeq
	s.listeners[id] = listener
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// ApplyLocalInsert inserts value at the visible index, allocating the next
// local position, and returns the operation for transmission.
func (s *Store) ApplyLocalInsert(value rune, atVisibleIndex int) (Operation, error) {
	s.mu.Lock()

	if atVisibleIndex < 0 || atVisibleIndex > s.visible {
		s.mu.Unlock()
		return Operation{}, fmt.Errorf("insert index %d out of range [0,%d]", atVisibleIndex, s.visible)
	}

	at := s.fullIndexFor(atVisibleIndex)
	op := Operation{
		Kind:     OpInsert,
		Value:    string(value),
		ID:       s.clock.Next(),
		Position: Position{},
	}
	op.Position = op.ID
	if at > 0 {
		left := s.nodes[at-1].Position
		op.OriginLeft = &left
	}
	if at < len(s.nodes) {
		right := s.nodes[at].Position
		op.OriginRight = &right
	}

	node := &Node{Position: op.Position, Value: op.Value, OriginLeft: op.OriginLeft, OriginRight: op.OriginRight}
	idx := s.integrate(node)
	s.vector.Observe(op.ID.Replica, op.ID.Counter)

	evt := Event{Type: EventInsert, Node: *node, VisibleIndex: s.visibleIndexBefore(idx)}
	s.mu.Unlock()

	s.emit(evt)
	return op, nil
}

// ApplyLocalDelete tombstones the visible character at the index and returns
// the operation for transmission.
func (s *Store) ApplyLocalDelete(atVisibleIndex int) (Operation, error) {
	s.mu.Lock()

	if atVisibleIndex < 0 || atVisibleIndex >= s.visible {
		s.mu.Unlock()
		return Operation{}, fmt.Errorf("delete index %d out of range [0,%d)", atVisibleIndex, s.visible)
	}

	at := s.fullIndexFor(atVisibleIndex + 1)
	node := s.nodes[at-1]
	op := Operation{Kind: OpDelete, ID: s.clock.Next(), Position: node.Position}

	node.Deleted = true
	s.visible--
	s.vector.Observe(op.ID.Replica, op.ID.Counter)

	evt := Event{Type: EventDelete, Node: *node, VisibleIndex: atVisibleIndex}
	s.mu.Unlock()

	s.emit(evt)
	return op, nil
}

// ApplyRemote merges an operation from another replica. Re-applying an
// already-seen operation is a no-op. Inserts whose origins are unknown and
// deletes whose target is unknown are buffered until their references arrive;
// buffered deletes are dropped with a warning once the retry limit is hit.
func (s *Store) ApplyRemote(op Operation) ApplyResult {
	if err := op.Validate(); err != nil {
		s.logger.Error().Err(err).Msg("rejecting malformed operation")
		return ResultRejected
	}

	s.mu.Lock()
	s.agePendingDeletes()
	result, events := s.applyLocked(op)
	s.mu.Unlock()

	for _, evt := range events {
		s.emit(evt)
	}
	return result
}

func (s *Store) applyLocked(op Operation) (ApplyResult, []Event) {
	var events []Event

	switch op.Kind {
	case OpInsert:
		result, evt := s.applyInsertLocked(op)
		if result != ResultApplied {
			return result, nil
		}
		events = append(events, evt)
	case OpDelete:
		result, evt := s.applyDeleteLocked(op)
		if result != ResultApplied {
			return result, nil
		}
		events = append(events, evt)
	}

	// Newly integrated elements may unblock parked operations.
	events = append(events, s.drainPendingLocked(op.Position)...)
	return ResultApplied, events
}

func (s *Store) applyInsertLocked(op Operation) (ApplyResult, Event) {
	if _, exists := s.index[op.Position]; exists {
		return ResultDuplicate, Event{}
	}
	if missing, ok := s.missingOrigin(op); !ok {
		s.pendingInserts[missing] = append(s.pendingInserts[missing], op)
		return ResultBuffered, Event{}
	}

	node := &Node{Position: op.Position, Value: op.Value, OriginLeft: op.OriginLeft, OriginRight: op.OriginRight}
	idx := s.integrate(node)
	s.vector.Observe(op.ID.Replica, op.ID.Counter)
	return ResultApplied, Event{Type: EventInsert, Node: *node, VisibleIndex: s.visibleIndexBefore(idx), Remote: true}
}

func (s *Store) applyDeleteLocked(op Operation) (ApplyResult, Event) {
	idx, ok := s.index[op.Position]
	if !ok {
		if _, parked := s.pendingDeletes[op.Position]; !parked {
			s.pendingDeletes[op.Position] = &pendingDelete{op: op}
		}
		return ResultBuffered, Event{}
	}

	s.vector.Observe(op.ID.Replica, op.ID.Counter)
	node := s.nodes[idx]
	if node.Deleted {
		// Concurrent delete of the same character; the tombstone already holds.
		return ResultDuplicate, Event{}
	}

	visibleIdx := s.visibleIndexBefore(idx)
	node.Deleted = true
	s.visible--
	return ResultApplied, Event{Type: EventDelete, Node: *node, VisibleIndex: visibleIdx, Remote: true}
}

// drainPendingLocked re-applies operations that were waiting on the position
// that just became known, following any chain they unblock.
func (s *Store) drainPendingLocked(arrived Position) []Event {
	var events []Event
	work := []Position{arrived}

	for len(work) > 0 {
		pos := work[0]
		work = work[1:]

		if pd, ok := s.pendingDeletes[pos]; ok {
			delete(s.pendingDeletes, pos)
			if result, evt := s.applyDeleteLocked(pd.op); result == ResultApplied {
				events = append(events, evt)
			}
		}

		queue, ok := s.pendingInserts[pos]
		if !ok {
			continue
		}
		delete(s.pendingInserts, pos)
		for _, op := range queue {
			result, evt := s.applyInsertLocked(op)
			if result != ResultApplied {
				continue
			}
			events = append(events, evt)
			work = append(work, op.Position)
		}
	}
	return events
}

// agePendingDeletes counts an apply sweep against every still-parked delete
// and evicts the ones that exhausted their budget. A permanently missing
// insert on a buggy peer must not grow this buffer forever.
func (s *Store) agePendingDeletes() {
	for target, pd := range s.pendingDeletes {
		pd.retries++
		if pd.retries > s.retryLimit {
			delete(s.pendingDeletes, target)
			s.logger.Warn().
				Str("target", target.String()).
				Str("operation", string(pd.op.OpID())).
				Int("retries", pd.retries-1).
				Msg("dropping delete; its insert never arrived")
			pendingDeleteDrops.Inc()
		}
	}
}

func (s *Store) missingOrigin(op Operation) (Position, bool) {
	if op.OriginLeft != nil {
		if _, ok := s.index[*op.OriginLeft]; !ok {
			return *op.OriginLeft, false
		}
	}
	if op.OriginRight != nil {
		if _, ok := s.index[*op.OriginRight]; !ok {
			return *op.OriginRight, false
		}
	}
	return Position{}, true
}

// integrate places the node into the sequence using origin-based conflict
// resolution: walk from the left origin toward the right origin and resolve
// concurrent same-origin inserts by replica id order. Both callers hold mu.
func (s *Store) integrate(n *Node) int {
	left := -1
	if n.OriginLeft != nil {
		left = s.index[*n.OriginLeft]
	}
	right := len(s.nodes)
	if n.OriginRight != nil {
		right = s.index[*n.OriginRight]
	}

	destIdx := left + 1
	scanning := false
	for i := left + 1; ; i++ {
		if !scanning {
			destIdx = i
		}
		if i == len(s.nodes) || i == right {
			break
		}

		o := s.nodes[i]
		oLeft := -1
		if o.OriginLeft != nil {
			oLeft = s.index[*o.OriginLeft]
		}
		oRight := len(s.nodes)
		if o.OriginRight != nil {
			oRight = s.index[*o.OriginRight]
		}

		if oLeft < left {
			break
		}
		if oLeft == left {
			if oRight == right && n.Position.Replica < o.Position.Replica {
				break
			}
			scanning = oRight < right
		}
	}

	s.nodes = append(s.nodes, nil)
	copy(s.nodes[destIdx+1:], s.nodes[destIdx:])
	s.nodes[destIdx] = n
	for i := destIdx; i < len(s.nodes); i++ {
		s.index[s.nodes[i].Position] = i
	}
	if !n.Deleted {
		s.visible++
	}
	return destIdx
}

// fullIndexFor returns the node-slice index with visibleIndex visible nodes
// before it.
func (s *Store) fullIndexFor(visibleIndex int) int {
	if visibleIndex == 0 {
		return 0
	}
	seen := 0
	for i, n := range s.nodes {
		if n.Deleted {
			continue
		}
		seen++
		if seen == visibleIndex {
			return i + 1
		}
	}
	return len(s.nodes)
}

func (s *Store) visibleIndexBefore(idx int) int {
	count := 0
	for i := 0; i < idx; i++ {
		if !s.nodes[i].Deleted {
			count++
		}
	}
	return count
}

// Materialize returns the current visible text in position order, skipping
// tombstones.
func (s *Store) Materialize() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b strings.Builder
	b.Grow(s.visible)
	for _, n := range s.nodes {
		if n.Deleted {
			continue
		}
		b.WriteString(n.Value)
	}
	return b.String()
}

// VisibleLength returns the number of visible characters.
func (s *Store) VisibleLength() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visible
}

// NodeCount returns the node total; tombstones are included when
// includeDeleted is set.
func (s *Store) NodeCount(includeDeleted bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if includeDeleted {
		return len(s.nodes)
	}
	return s.visible
}

// VectorClock returns a copy of the highest counter seen per replica.
func (s *Store) VectorClock() types.VectorClock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vector.Clone()
}

// Snapshot captures the full node set (tombstones included) and vector clock.
type Snapshot struct {
	Document    types.DocumentID  `json:"document_id"`
	Nodes       []Node            `json:"nodes"`
	VectorClock types.VectorClock `json:"vector_clock"`
}

// Snapshot serializes the store state for persistence and cold start.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, *n)
	}
	return Snapshot{Nodes: nodes, VectorClock: s.vector.Clone()}
}

// Restore replaces the store contents with a snapshot. The local clock is
// advanced past the snapshot's record of this replica so fresh positions stay
// unique.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = make([]*Node, 0, len(snap.Nodes))
	s.index = make(map[Position]int, len(snap.Nodes))
	s.visible = 0
	for i := range snap.Nodes {
		node := snap.Nodes[i]
		s.nodes = append(s.nodes, &node)
		s.index[node.Position] = len(s.nodes) - 1
		if !node.Deleted {
			s.visible++
		}
	}
	s.vector = snap.VectorClock.Clone()
	if s.vector == nil {
		s.vector = make(types.VectorClock)
	}
	s.clock.Witness(s.vector[s.clock.Replica()])
}

// PendingDeleteCount reports how many deletes are parked waiting for their
// insert.
func (s *Store) PendingDeleteCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pendingDeletes)
}

func (s *Store) emit(evt Event) {
	s.mu.RLock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.RUnlock()

	for _, listener := range listeners {
		listener(evt)
	}
}
