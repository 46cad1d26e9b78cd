// Package session implements the replica side of the sync engine: one
// DocumentSession owns a document store, an unacknowledged-operation queue,
// a presence tracker, and the reconnect loop that keeps them converged with
// the authority.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/example/collab-sync-engine/internal/crdt"
	"github.com/example/collab-sync-engine/internal/presence"
	"github.com/example/collab-sync-engine/internal/protocol"
	"github.com/example/collab-sync-engine/internal/queue"
	"github.com/example/collab-sync-engine/internal/snapshot"
	"github.com/example/collab-sync-engine/internal/types"
)

// ErrNotInitialized is returned for local edits attempted before the first
// handshake (or a restored snapshot) has established the replica identity.
var ErrNotInitialized = errors.New("session not initialized: no replica identity yet")

// Options configures a DocumentSession.
type Options struct {
	Document types.DocumentID

	ReconnectBaseDelay      time.Duration
	ReconnectMaxDelay       time.Duration
	PresenceDebounce        time.Duration
	PresenceTimeout         time.Duration
	PendingDeleteRetryLimit int
	SaveDebounce            time.Duration

	// ResumeReplica carries a previously assigned replica id across restarts.
	ResumeReplica types.ReplicaID
	// Snapshots, when set, receives debounced saves and primes the store on
	// startup if ResumeReplica is also set.
	Snapshots snapshot.Gateway
	// QueueJournal, when set, persists unacknowledged operations to disk.
	QueueJournal string
}

func (o *Options) applyDefaults() {
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = 500 * time.Millisecond
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
	if o.SaveDebounce <= 0 {
		o.SaveDebounce = 2 * time.Second
	}
}

// DocumentSession drives one replica of one document.
type DocumentSession struct {
	opts      Options
	transport Transport
	logger    zerolog.Logger
	queue     *queue.Queue

	mu      sync.Mutex
	state   State
	conn    Conn
	store   *crdt.Store
	tracker *presence.Tracker
	replica types.ReplicaID
	lastOp  types.OperationID

	saveTimer *time.Timer

	listenerSeq    int
	stateListeners map[int]func(State)
	docListeners   map[int]crdt.Listener
	rosterHandlers map[int]presence.RosterListener
}

// New constructs a session. If both a resume replica id and a snapshot are
// available, the store is primed immediately and local edits work offline.
func New(transport Transport, opts Options, logger zerolog.Logger) (*DocumentSession, error) {
	opts.applyDefaults()

	var queueOpts []queue.Option
	if opts.QueueJournal != "" {
		queueOpts = append(queueOpts, queue.WithJournal(opts.QueueJournal))
	}
	q, err := queue.New(logger, queueOpts...)
	if err != nil {
		return nil, err
	}

	s := &DocumentSession{
		opts:           opts,
		transport:      transport,
		logger:         logger,
		queue:          q,
		state:          StateDisconnected,
		stateListeners: make(map[int]func(State)),
		docListeners:   make(map[int]crdt.Listener),
		rosterHandlers: make(map[int]presence.RosterListener),
	}

	if opts.ResumeReplica != "" {
		s.initReplicaLocked(opts.ResumeReplica)
		if opts.Snapshots != nil {
			payload, err := opts.Snapshots.Load(context.Background(), opts.Document)
			switch {
			case err == nil:
				s.store.Restore(payload.Snapshot())
				s.lastOp = payload.LastOpID
				logger.Info().Str("document", string(opts.Document)).Msg("restored document snapshot")
			case errors.Is(err, snapshot.ErrSnapshotNotFound):
			default:
				logger.Warn().Err(err).Msg("snapshot load failed; starting empty")
			}
		}
	}

	return s, nil
}

// initReplicaLocked creates the store and tracker once the replica identity is
// known. Callers hold s.mu or are inside New.
func (s *DocumentSession) initReplicaLocked(replica types.ReplicaID) {
	if s.store != nil {
		return
	}
	s.replica = replica

	storeOpts := []crdt.StoreOption{}
	if s.opts.PendingDeleteRetryLimit > 0 {
		storeOpts = append(storeOpts, crdt.WithDeleteRetryLimit(s.opts.PendingDeleteRetryLimit))
	}
	s.store = crdt.NewStore(replica, s.logger.With().Str("document", string(s.opts.Document)).Logger(), storeOpts...)
	s.store.Subscribe(func(evt crdt.Event) {
		s.mu.Lock()
		listeners := make([]crdt.Listener, 0, len(s.docListeners))
		for _, l := range s.docListeners {
			listeners = append(listeners, l)
		}
		s.mu.Unlock()
		for _, l := range listeners {
			l(evt)
		}
	})

	s.tracker = presence.NewTracker(replica, presence.TrackerConfig{
		Debounce: s.opts.PresenceDebounce,
		Timeout:  s.opts.PresenceTimeout,
	}, s.sendPresence, s.logger)
	s.tracker.Subscribe(func(roster []protocol.PresenceState) {
		s.mu.Lock()
		handlers := make([]presence.RosterListener, 0, len(s.rosterHandlers))
		for _, h := range s.rosterHandlers {
			handlers = append(handlers, h)
		}
		s.mu.Unlock()
		for _, h := range handlers {
			h(roster)
		}
	})
}

// Run connects, hands-shakes, and pumps envelopes until the context ends,
// reconnecting with jittered exponential backoff on every failure.
func (s *DocumentSession) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.ReconnectBaseDelay
	bo.MaxInterval = s.opts.ReconnectMaxDelay

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.setState(StateConnecting)
		conn, err := s.transport.Dial(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dial failed")
			s.setState(StateDisconnected)
			if err := sleepCtx(ctx, bo.NextBackOff()); err != nil {
				return err
			}
			continue
		}

		s.setState(StateConnected)
		if err := s.handshake(ctx, conn); err != nil {
			s.logger.Warn().Err(err).Msg("handshake failed")
			conn.Close()
			s.setState(StateDisconnected)
			if err := sleepCtx(ctx, bo.NextBackOff()); err != nil {
				return err
			}
			continue
		}

		bo.Reset()
		s.setConn(conn)
		s.setState(StateSynced)
		s.replayQueue(conn)
		if tracker := s.currentTracker(); tracker != nil {
			tracker.Flush()
		}

		err = s.readLoop(ctx, conn)
		conn.Close()
		s.setConn(nil)
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Info().Err(err).Msg("connection lost; reconnecting")
		if err := sleepCtx(ctx, bo.NextBackOff()); err != nil {
			return err
		}
	}
}

// handshake sends a sync request and applies the authority's response. Any
// other envelopes received while waiting are dispatched normally.
func (s *DocumentSession) handshake(ctx context.Context, conn Conn) error {
	s.mu.Lock()
	req := &protocol.Envelope{
		Kind:     protocol.KindSyncRequest,
		Document: s.opts.Document,
		Replica:  s.replica,
		SyncRequest: &protocol.SyncRequest{
			VectorClock:   s.clockLocked(),
			ResumeReplica: s.replica,
		},
	}
	s.mu.Unlock()

	if err := conn.Send(req); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		env, err := conn.Receive()
		if err != nil {
			return err
		}
		if env.Kind != protocol.KindSyncResponse {
			s.dispatch(env)
			continue
		}

		resp := env.SyncResponse
		s.mu.Lock()
		s.initReplicaLocked(resp.AssignedReplica)
		store := s.store
		s.mu.Unlock()

		applied := 0
		for _, record := range resp.Ops {
			op, err := crdt.DecodeOperation(record.Payload)
			if err != nil {
				s.logger.Warn().Err(err).Str("operation", string(record.Operation)).Msg("skipping undecodable catch-up operation")
				continue
			}
			if store.ApplyRemote(op) == crdt.ResultApplied {
				applied++
			}
			s.mu.Lock()
			s.lastOp = record.Operation
			s.mu.Unlock()
		}
		if applied > 0 {
			s.scheduleSave()
		}
		s.logger.Info().
			Str("replica", string(resp.AssignedReplica)).
			Int("catch_up_ops", len(resp.Ops)).
			Msg("handshake complete")
		return nil
	}
}

func (s *DocumentSession) replayQueue(conn Conn) {
	pending := s.queue.Pending()
	for _, record := range pending {
		env := &protocol.Envelope{
			Kind:     protocol.KindOp,
			Document: s.opts.Document,
			Replica:  record.Replica,
			Op:       &record,
		}
		if err := conn.Send(env); err != nil {
			s.logger.Warn().Err(err).Msg("replay send failed; will retry next connect")
			return
		}
	}
	if len(pending) > 0 {
		s.logger.Info().Int("count", len(pending)).Msg("replayed pending operations")
	}
}

func (s *DocumentSession) readLoop(ctx context.Context, conn Conn) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		env, err := conn.Receive()
		if err != nil {
			return err
		}
		s.dispatch(env)
	}
}

func (s *DocumentSession) dispatch(env *protocol.Envelope) {
	switch env.Kind {
	case protocol.KindOp:
		s.handleRemoteOp(env.Op)
	case protocol.KindAck:
		if env.Ack != nil {
			s.queue.Ack(env.Ack.OpID)
		}
	case protocol.KindPresence:
		if tracker := s.currentTracker(); tracker != nil && env.Presence != nil {
			tracker.ApplyRemote(*env.Presence)
		}
	case protocol.KindSyncResponse:
		// Mid-stream catch-up; apply the ops like any remote batch.
		if env.SyncResponse != nil {
			for _, record := range env.SyncResponse.Ops {
				s.handleRemoteOp(&record)
			}
		}
	}
}

func (s *DocumentSession) handleRemoteOp(record *types.OperationRecord) {
	if record == nil {
		return
	}
	s.mu.Lock()
	store := s.store
	s.mu.Unlock()
	if store == nil {
		return
	}

	op, err := crdt.DecodeOperation(record.Payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("operation", string(record.Operation)).Msg("dropping undecodable operation")
		return
	}
	result := store.ApplyRemote(op)
	if result == crdt.ResultApplied || result == crdt.ResultBuffered {
		s.mu.Lock()
		s.lastOp = record.Operation
		s.mu.Unlock()
		s.scheduleSave()
	}
}

// Insert applies a local insert at the visible index and queues it for the
// authority.
func (s *DocumentSession) Insert(at int, value rune) error {
	store := s.currentStore()
	if store == nil {
		return ErrNotInitialized
	}
	op, err := store.ApplyLocalInsert(value, at)
	if err != nil {
		return err
	}
	return s.submit(s.recordFor(op, store))
}

// Delete tombstones the visible character at the index and queues the delete.
func (s *DocumentSession) Delete(at int) error {
	store := s.currentStore()
	if store == nil {
		return ErrNotInitialized
	}
	op, err := store.ApplyLocalDelete(at)
	if err != nil {
		return err
	}
	return s.submit(s.recordFor(op, store))
}

func (s *DocumentSession) submit(record types.OperationRecord) error {
	if err := s.queue.Enqueue(record); err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.sendableConnLocked()
	s.mu.Unlock()
	if conn != nil {
		env := &protocol.Envelope{
			Kind:     protocol.KindOp,
			Document: s.opts.Document,
			Replica:  record.Replica,
			Op:       &record,
		}
		if err := conn.Send(env); err != nil {
			// Still queued; the reconnect replay will resend it.
			s.logger.Debug().Err(err).Msg("send failed; operation stays queued")
		}
	}
	s.scheduleSave()
	return nil
}

func (s *DocumentSession) recordFor(op crdt.Operation, store *crdt.Store) types.OperationRecord {
	payload, _ := op.Encode()

	s.mu.Lock()
	s.lastOp = op.OpID()
	replica := s.replica
	s.mu.Unlock()

	return types.OperationRecord{
		Operation:   op.OpID(),
		Document:    s.opts.Document,
		Replica:     replica,
		Payload:     payload,
		VectorClock: store.VectorClock(),
		CreatedAt:   time.Now().UTC(),
	}
}

// SetPresence merges a partial presence update for the local participant.
func (s *DocumentSession) SetPresence(patch presence.Patch) error {
	tracker := s.currentTracker()
	if tracker == nil {
		return ErrNotInitialized
	}
	tracker.SetLocal(patch)
	return nil
}

func (s *DocumentSession) sendPresence(state protocol.PresenceState) {
	s.mu.Lock()
	conn := s.sendableConnLocked()
	doc := s.opts.Document
	s.mu.Unlock()
	if conn == nil {
		return
	}
	env := &protocol.Envelope{
		Kind:     protocol.KindPresence,
		Document: doc,
		Replica:  state.Replica,
		Presence: &state,
	}
	if err := conn.Send(env); err != nil {
		s.logger.Debug().Err(err).Msg("presence send failed")
	}
}

// Text returns the visible document text, empty before initialization.
func (s *DocumentSession) Text() string {
	s.mu.Lock()
	store := s.store
	s.mu.Unlock()
	if store == nil {
		return ""
	}
	return store.Materialize()
}

// Participants returns the current remote presence roster.
func (s *DocumentSession) Participants() []protocol.PresenceState {
	tracker := s.currentTracker()
	if tracker == nil {
		return nil
	}
	return tracker.List()
}

// ReplicaID returns the replica identity, empty before the first handshake.
func (s *DocumentSession) ReplicaID() types.ReplicaID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replica
}

// State returns the current connection state.
func (s *DocumentSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PendingOps reports how many local operations await acknowledgement.
func (s *DocumentSession) PendingOps() int {
	return s.queue.Len()
}

// OnStateChange registers a state listener and returns an unsubscribe handle.
func (s *DocumentSession) OnStateChange(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listenerSeq++
	id := s.listenerSeq
	s.stateListeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.stateListeners, id)
	}
}

// OnDocumentChange registers a document event listener. Events fire for both
// local and remote mutations.
func (s *DocumentSession) OnDocumentChange(fn crdt.Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listenerSeq++
	id := s.listenerSeq
	s.docListeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.docListeners, id)
	}
}

// OnPresenceChange registers a roster listener.
func (s *DocumentSession) OnPresenceChange(fn presence.RosterListener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listenerSeq++
	id := s.listenerSeq
	s.rosterHandlers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.rosterHandlers, id)
	}
}

// Close flushes pending state and releases resources. The Run loop should be
// cancelled first.
func (s *DocumentSession) Close() error {
	s.mu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	s.mu.Unlock()

	s.saveNow()
	return s.queue.Close()
}

func (s *DocumentSession) scheduleSave() {
	if s.opts.Snapshots == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveTimer != nil {
		return
	}
	s.saveTimer = time.AfterFunc(s.opts.SaveDebounce, func() {
		s.mu.Lock()
		s.saveTimer = nil
		s.mu.Unlock()
		s.saveNow()
	})
}

func (s *DocumentSession) saveNow() {
	if s.opts.Snapshots == nil {
		return
	}
	s.mu.Lock()
	store := s.store
	lastOp := s.lastOp
	s.mu.Unlock()
	if store == nil {
		return
	}

	snap := store.Snapshot()
	payload := snapshot.Payload{
		Document:    s.opts.Document,
		LastOpID:    lastOp,
		VectorClock: snap.VectorClock,
		Nodes:       snap.Nodes,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.opts.Snapshots.Save(ctx, payload); err != nil {
		s.logger.Warn().Err(err).Msg("snapshot save failed")
	}
}

func (s *DocumentSession) setState(next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	listeners := make([]func(State), 0, len(s.stateListeners))
	for _, l := range s.stateListeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	s.logger.Debug().Str("state", next.String()).Msg("session state changed")
	for _, l := range listeners {
		l(next)
	}
}

func (s *DocumentSession) setConn(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *DocumentSession) sendableConnLocked() Conn {
	if s.state != StateSynced {
		return nil
	}
	return s.conn
}

func (s *DocumentSession) currentStore() *crdt.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

func (s *DocumentSession) currentTracker() *presence.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker
}

func (s *DocumentSession) clockLocked() types.VectorClock {
	if s.store == nil {
		return make(types.VectorClock)
	}
	return s.store.VectorClock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
