package ws

import (
	"sync"

	"github.com/example/collab-sync-engine/internal/protocol"
	"github.com/example/collab-sync-engine/internal/types"
)

// Registry tracks active connections keyed by document so the hub, presence
// service, and broadcaster can fan out without holding their own state.
type Registry struct {
	mu        sync.RWMutex
	documents map[types.DocumentID]map[*Connection]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{documents: make(map[types.DocumentID]map[*Connection]struct{})}
}

// Register associates the connection with a document.
func (r *Registry) Register(documentID types.DocumentID, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.documents[documentID] == nil {
		r.documents[documentID] = make(map[*Connection]struct{})
	}
	r.documents[documentID][c] = struct{}{}
	gatewayConnections.WithLabelValues(string(documentID)).Set(float64(len(r.documents[documentID])))
}

// Unregister removes the connection.
func (r *Registry) Unregister(documentID types.DocumentID, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.documents[documentID]
	if conns == nil {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(r.documents, documentID)
	}
	gatewayConnections.WithLabelValues(string(documentID)).Set(float64(len(conns)))
}

// BroadcastEnvelope delivers the envelope to every connection attached to the
// document, re-stamping the per-connection sequence for each recipient. The
// sender connection can be skipped to avoid echoing.
func (r *Registry) BroadcastEnvelope(documentID types.DocumentID, env *protocol.Envelope, skip *Connection) int {
	sent := 0
	for _, conn := range r.recipients(documentID, skip, "") {
		out := *env
		if err := conn.SendEnvelope(&out); err == nil {
			sent++
		}
	}
	return sent
}

// BroadcastEnvelopeByReplica delivers the envelope to every connection for the
// document, skipping a matching replica id when provided. This is how events
// relayed over pub/sub avoid echoing to the originator on another instance.
func (r *Registry) BroadcastEnvelopeByReplica(documentID types.DocumentID, env *protocol.Envelope, skipReplica types.ReplicaID) int {
	sent := 0
	for _, conn := range r.recipients(documentID, nil, skipReplica) {
		out := *env
		if err := conn.SendEnvelope(&out); err == nil {
			sent++
		}
	}
	return sent
}

func (r *Registry) recipients(documentID types.DocumentID, skip *Connection, skipReplica types.ReplicaID) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.documents[documentID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]*Connection, 0, len(conns))
	for c := range conns {
		if c == skip {
			continue
		}
		if skipReplica != "" && c.ReplicaID() == skipReplica {
			continue
		}
		out = append(out, c)
	}
	return out
}
