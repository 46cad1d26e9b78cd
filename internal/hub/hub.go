// Package hub is the authority side of the sync engine: it owns the CRDT
// engine, assigns replica identities during handshakes, orders operations
// through the durable log, and fans acknowledged operations out to every
// connected replica.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/collab-sync-engine/internal/broadcast"
	"github.com/example/collab-sync-engine/internal/crdt"
	"github.com/example/collab-sync-engine/internal/presence"
	"github.com/example/collab-sync-engine/internal/protocol"
	"github.com/example/collab-sync-engine/internal/storage"
	syncstate "github.com/example/collab-sync-engine/internal/sync"
	"github.com/example/collab-sync-engine/internal/types"
	"github.com/example/collab-sync-engine/internal/ws"
)

// Peer is the slice of a websocket connection the hub needs. It is satisfied
// by *ws.Connection.
type Peer interface {
	DocumentID() types.DocumentID
	ReplicaID() types.ReplicaID
	BindReplica(types.ReplicaID)
	SendEnvelope(env *protocol.Envelope) error
}

// Fanout delivers an envelope to every local connection for a document except
// the originating replica. It is satisfied by *ws.Registry.
type Fanout interface {
	BroadcastEnvelopeByReplica(documentID types.DocumentID, env *protocol.Envelope, skipReplica types.ReplicaID) int
}

// Hub coordinates envelope handling for all documents on this instance.
type Hub struct {
	engine   *crdt.Engine
	wal      *storage.WAL
	fanout   Fanout
	relay    *broadcast.RedisBroadcaster
	presence *presence.Service
	tracker  *syncstate.VectorClockTracker
	buffer   *syncstate.RecordReorderBuffer
	logger   zerolog.Logger

	mu     sync.Mutex
	oplog  map[types.DocumentID][]types.OperationRecord
	seen   map[types.DocumentID]map[types.OperationID]struct{}
	parked map[types.OperationID]Peer
}

// Config carries the hub's collaborators. WAL, relay, and presence are
// optional; without them the hub runs purely in memory.
type Config struct {
	Engine   *crdt.Engine
	WAL      *storage.WAL
	Fanout   Fanout
	Relay    *broadcast.RedisBroadcaster
	Presence *presence.Service
	Logger   zerolog.Logger
}

// New constructs a Hub.
func New(cfg Config) (*Hub, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if cfg.Fanout == nil {
		return nil, errors.New("fanout is required")
	}
	tracker := syncstate.NewVectorClockTracker()
	return &Hub{
		engine:   cfg.Engine,
		wal:      cfg.WAL,
		fanout:   cfg.Fanout,
		relay:    cfg.Relay,
		presence: cfg.Presence,
		tracker:  tracker,
		buffer:   syncstate.NewRecordReorderBuffer(tracker, cfg.Logger),
		logger:   cfg.Logger,
		oplog:    make(map[types.DocumentID][]types.OperationRecord),
		seen:     make(map[types.DocumentID]map[types.OperationID]struct{}),
		parked:   make(map[types.OperationID]Peer),
	}, nil
}

// Hooks adapts the hub into the websocket gateway's callback set.
func (h *Hub) Hooks() ws.Hooks {
	hooks := ws.Hooks{
		OnEnvelope: func(ctx context.Context, conn *ws.Connection, env *protocol.Envelope) error {
			switch env.Kind {
			case protocol.KindSyncRequest:
				return h.HandleSyncRequest(ctx, conn, env)
			case protocol.KindOp:
				return h.HandleOp(ctx, conn, env)
			case protocol.KindPresence:
				if h.presence != nil && env.Presence != nil {
					return h.presence.HandleUpdate(ctx, conn, *env.Presence)
				}
				return nil
			default:
				return nil
			}
		},
	}
	if h.presence != nil {
		hooks = h.presence.WrapHooks(hooks)
	}
	return hooks
}

// HandleSyncRequest completes the handshake: it binds a replica identity to
// the connection (assigning a fresh one when the client has none) and answers
// with the authoritative clock plus every operation the client is missing.
func (h *Hub) HandleSyncRequest(ctx context.Context, peer Peer, env *protocol.Envelope) error {
	_, span := tracer.Start(ctx, "hub.sync_request")
	defer span.End()

	req := env.SyncRequest
	if req == nil {
		return errors.New("sync request without body")
	}

	replica := req.ResumeReplica
	if replica == "" {
		replica = types.ReplicaID(uuid.NewString())
	}
	peer.BindReplica(replica)

	docID := peer.DocumentID()
	missing := h.missingSince(docID, req.VectorClock)
	syncCatchUpSize.WithLabelValues(string(docID)).Observe(float64(len(missing)))

	h.logger.Info().
		Str("document", string(docID)).
		Str("replica", string(replica)).
		Int("missing_ops", len(missing)).
		Bool("resumed", req.ResumeReplica != "").
		Msg("handshake")

	return peer.SendEnvelope(&protocol.Envelope{
		Kind:     protocol.KindSyncResponse,
		Document: docID,
		SyncResponse: &protocol.SyncResponse{
			AssignedReplica: replica,
			VectorClock:     h.engine.VectorClock(docID),
			Ops:             missing,
		},
	})
}

// HandleOp orders an inbound operation through the causal buffer, persists and
// applies it, acknowledges it to the sender, and fans it out to peers.
func (h *Hub) HandleOp(ctx context.Context, peer Peer, env *protocol.Envelope) error {
	_, span := tracer.Start(ctx, "hub.op")
	defer span.End()

	if env.Op == nil {
		return errors.New("op envelope without body")
	}
	record := *env.Op
	record.Document = peer.DocumentID()
	if record.Replica == "" {
		record.Replica = peer.ReplicaID()
	}
	if record.Replica == "" {
		return errors.New("operation before handshake")
	}

	// Replays after a reconnect arrive for operations already committed; they
	// only need their acknowledgement repeated.
	if h.alreadySeen(record.Document, record.Operation) {
		return peer.SendEnvelope(&protocol.Envelope{
			Kind:     protocol.KindAck,
			Document: record.Document,
			Ack:      &protocol.Ack{OpID: record.Operation},
		})
	}

	err := h.buffer.HandleRecord(record, func(ready types.OperationRecord) error {
		return h.commit(ctx, peer, ready)
	})
	if errors.Is(err, syncstate.ErrCausalityGap) {
		// Parked; its predecessors will release it. Remember who sent it so
		// the acknowledgement finds its way back.
		h.mu.Lock()
		h.parked[record.Operation] = peer
		h.mu.Unlock()
		return nil
	}
	return err
}

// commit runs after causal ordering: log, apply, ack, broadcast.
func (h *Hub) commit(ctx context.Context, peer Peer, record types.OperationRecord) error {
	if h.wal != nil {
		lsn, err := h.wal.AppendOperation(ctx, record)
		if err != nil {
			return err
		}
		record.LSN = lsn
	}

	if err := h.engine.ApplyRecord(record); err != nil {
		return err
	}
	h.appendOplog(record)
	opsApplied.WithLabelValues(string(record.Document)).Inc()

	target := peer
	if record.Replica != peer.ReplicaID() {
		h.mu.Lock()
		if origin, ok := h.parked[record.Operation]; ok {
			target = origin
			delete(h.parked, record.Operation)
		}
		h.mu.Unlock()
	}
	if err := target.SendEnvelope(&protocol.Envelope{
		Kind:     protocol.KindAck,
		Document: record.Document,
		Ack:      &protocol.Ack{OpID: record.Operation},
	}); err != nil {
		h.logger.Debug().Err(err).Msg("ack send failed")
	}

	out := &protocol.Envelope{
		Kind:     protocol.KindOp,
		Document: record.Document,
		Replica:  record.Replica,
		Op:       &record,
	}
	h.fanout.BroadcastEnvelopeByReplica(record.Document, out, record.Replica)

	if h.relay != nil {
		if err := h.relay.Publish(ctx, record.Document, record.Operation, record.Replica, out); err != nil {
			h.logger.Warn().Err(err).Msg("relay publish failed")
		}
	}
	return nil
}

// Recover replays the durable log into the engine so a cold instance serves
// correct catch-ups. Call after any snapshot restore and before accepting
// connections.
func (h *Hub) Recover(ctx context.Context) error {
	if h.wal == nil {
		return nil
	}

	docs, err := h.wal.ActiveDocuments(ctx)
	if err != nil {
		return err
	}
	for _, docID := range docs {
		fromLSN := h.engine.LastLSN(docID)
		count := 0
		err := h.wal.ReplayDocument(ctx, docID, fromLSN, func(record types.OperationRecord) error {
			if err := h.engine.ApplyRecord(record); err != nil {
				return err
			}
			h.appendOplog(record)
			h.tracker.MergeRemote(docID, record.VectorClock)
			count++
			return nil
		})
		if err != nil {
			return err
		}
		h.logger.Info().Str("document", string(docID)).Int("ops", count).Msg("log replayed")
	}
	return nil
}

// CheckpointLoop periodically records per-document checkpoint positions.
func (h *Hub) CheckpointLoop(ctx context.Context, interval time.Duration) {
	if h.wal == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, docID := range h.engine.Documents() {
				lsn := h.engine.LastLSN(docID)
				if lsn == 0 {
					continue
				}
				if err := h.wal.RecordCheckpoint(ctx, docID, lsn); err != nil {
					h.logger.Warn().Err(err).Str("document", string(docID)).Msg("checkpoint failed")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// PrimeDocument seeds the in-memory log and clock tracker for a document
// restored from a snapshot, so handshakes against it behave consistently.
func (h *Hub) PrimeDocument(docID types.DocumentID, clock types.VectorClock) {
	h.tracker.MergeRemote(docID, clock)
}

func (h *Hub) appendOplog(record types.OperationRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.oplog[record.Document] = append(h.oplog[record.Document], record)
	if h.seen[record.Document] == nil {
		h.seen[record.Document] = make(map[types.OperationID]struct{})
	}
	h.seen[record.Document][record.Operation] = struct{}{}
}

func (h *Hub) alreadySeen(docID types.DocumentID, opID types.OperationID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.seen[docID][opID]
	return ok
}

// missingSince selects logged operations whose own clock stamp the client has
// not observed, in log order.
func (h *Hub) missingSince(docID types.DocumentID, clientClock types.VectorClock) []types.OperationRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	var missing []types.OperationRecord
	for _, record := range h.oplog[docID] {
		stamp := record.VectorClock[record.Replica]
		if stamp > clientClock[record.Replica] {
			missing = append(missing, record)
		}
	}
	return missing
}
