package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/collab-sync-engine/internal/crdt"
	"github.com/example/collab-sync-engine/internal/protocol"
	"github.com/example/collab-sync-engine/internal/types"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// fakeConn is an in-memory Conn fed by the fake authority.
type fakeConn struct {
	incoming chan *protocol.Envelope
	outgoing chan *protocol.Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan *protocol.Envelope, 64),
		outgoing: make(chan *protocol.Envelope, 64),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) Send(env *protocol.Envelope) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	case c.outgoing <- env:
		return nil
	}
}

func (c *fakeConn) Receive() (*protocol.Envelope, error) {
	select {
	case <-c.closed:
		return nil, errors.New("connection closed")
	case env, ok := <-c.incoming:
		if !ok {
			return nil, errors.New("connection closed")
		}
		return env, nil
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) deliver(env *protocol.Envelope) {
	select {
	case c.incoming <- env:
	case <-c.closed:
	}
}

// fakeAuthority answers handshakes and records every op it receives. Each
// dial gets a fresh connection; failures can be scripted up front.
type fakeAuthority struct {
	assign  types.ReplicaID
	catchUp []types.OperationRecord
	ackOps  bool

	mu        sync.Mutex
	failDials int
	conns     []*fakeConn
	received  []types.OperationRecord
}

func (a *fakeAuthority) Dial(ctx context.Context) (Conn, error) {
	a.mu.Lock()
	if a.failDials > 0 {
		a.failDials--
		a.mu.Unlock()
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	a.conns = append(a.conns, conn)
	a.mu.Unlock()

	go a.serve(conn)
	return conn, nil
}

func (a *fakeAuthority) serve(conn *fakeConn) {
	for {
		select {
		case <-conn.closed:
			return
		case env := <-conn.outgoing:
			switch env.Kind {
			case protocol.KindSyncRequest:
				conn.deliver(&protocol.Envelope{
					Kind:     protocol.KindSyncResponse,
					Document: env.Document,
					SyncResponse: &protocol.SyncResponse{
						AssignedReplica: a.assign,
						VectorClock:     make(types.VectorClock),
						Ops:             a.catchUp,
					},
				})
			case protocol.KindOp:
				a.mu.Lock()
				a.received = append(a.received, *env.Op)
				ack := a.ackOps
				a.mu.Unlock()
				if ack {
					conn.deliver(&protocol.Envelope{
						Kind:     protocol.KindAck,
						Document: env.Document,
						Ack:      &protocol.Ack{OpID: env.Op.Operation},
					})
				}
			}
		}
	}
}

func (a *fakeAuthority) receivedOps() []types.OperationRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.OperationRecord, len(a.received))
	copy(out, a.received)
	return out
}

func (a *fakeAuthority) latestConn() *fakeConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.conns) == 0 {
		return nil
	}
	return a.conns[len(a.conns)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func remoteInsert(t *testing.T, replica types.ReplicaID, counter uint64, value string, left *crdt.Position) types.OperationRecord {
	t.Helper()
	op := crdt.Operation{
		Kind:       crdt.OpInsert,
		ID:         crdt.Position{Counter: counter, Replica: replica},
		Position:   crdt.Position{Counter: counter, Replica: replica},
		Value:      value,
		OriginLeft: left,
	}
	payload, err := op.Encode()
	if err != nil {
		t.Fatalf("encode op: %v", err)
	}
	return types.OperationRecord{
		Operation: op.OpID(),
		Document:  "doc-1",
		Replica:   replica,
		Payload:   payload,
	}
}

func startSession(t *testing.T, authority *fakeAuthority, opts Options) (*DocumentSession, context.CancelFunc) {
	t.Helper()
	if opts.Document == "" {
		opts.Document = "doc-1"
	}
	opts.ReconnectBaseDelay = 10 * time.Millisecond
	opts.ReconnectMaxDelay = 50 * time.Millisecond

	s, err := New(authority, opts, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		s.Close()
	})
	return s, cancel
}

func TestHandshakeAssignsReplicaAndAppliesCatchUp(t *testing.T) {
	authority := &fakeAuthority{
		assign: "alice",
		catchUp: []types.OperationRecord{
			remoteInsert(t, "bob", 1, "h", nil),
		},
	}

	s, _ := startSession(t, authority, Options{})

	waitFor(t, "synced state", func() bool { return s.State() == StateSynced })
	if got := s.ReplicaID(); got != "alice" {
		t.Fatalf("replica id not assigned: %q", got)
	}
	waitFor(t, "catch-up text", func() bool { return s.Text() == "h" })
}

func TestEditBeforeInitialization(t *testing.T) {
	s, err := New(&fakeAuthority{assign: "alice"}, Options{Document: "doc-1"}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Insert(0, 'x'); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := s.Delete(0); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestLocalEchoAppliesBeforeAck(t *testing.T) {
	authority := &fakeAuthority{assign: "alice"} // never acks
	s, _ := startSession(t, authority, Options{})
	waitFor(t, "synced state", func() bool { return s.State() == StateSynced })

	if err := s.Insert(0, 'x'); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got := s.Text(); got != "x" {
		t.Fatalf("local edit not visible immediately: %q", got)
	}
	if got := s.PendingOps(); got != 1 {
		t.Fatalf("expected 1 pending op, got %d", got)
	}

	// The authority echoing the op back must not duplicate it.
	waitFor(t, "op at authority", func() bool { return len(authority.receivedOps()) == 1 })
	echoed := authority.receivedOps()[0]
	authority.latestConn().deliver(&protocol.Envelope{
		Kind:     protocol.KindOp,
		Document: "doc-1",
		Replica:  echoed.Replica,
		Op:       &echoed,
	})
	time.Sleep(50 * time.Millisecond)
	if got := s.Text(); got != "x" {
		t.Fatalf("echoed op duplicated content: %q", got)
	}
}

func TestAckDrainsQueue(t *testing.T) {
	authority := &fakeAuthority{assign: "alice", ackOps: true}
	s, _ := startSession(t, authority, Options{})
	waitFor(t, "synced state", func() bool { return s.State() == StateSynced })

	if err := s.Insert(0, 'a'); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	waitFor(t, "queue drained", func() bool { return s.PendingOps() == 0 })
}

func TestOfflineEditsReplayInOrder(t *testing.T) {
	authority := &fakeAuthority{assign: "alice", ackOps: true, failDials: 1000000}

	// A resumed replica can edit before any connection succeeds.
	s, _ := startSession(t, authority, Options{ResumeReplica: "alice"})

	if err := s.Insert(0, 'A'); err != nil {
		t.Fatalf("Insert A: %v", err)
	}
	if err := s.Insert(1, 'B'); err != nil {
		t.Fatalf("Insert B: %v", err)
	}
	if got := s.Text(); got != "AB" {
		t.Fatalf("offline text wrong: %q", got)
	}
	if got := s.PendingOps(); got != 2 {
		t.Fatalf("expected 2 queued ops, got %d", got)
	}

	// Let the next dial succeed; the queue must replay in enqueue order.
	authority.mu.Lock()
	authority.failDials = 0
	authority.mu.Unlock()

	waitFor(t, "replayed ops", func() bool { return len(authority.receivedOps()) == 2 })
	ops := authority.receivedOps()

	first, err := crdt.DecodeOperation(ops[0].Payload)
	if err != nil {
		t.Fatalf("decode first: %v", err)
	}
	second, err := crdt.DecodeOperation(ops[1].Payload)
	if err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if first.Value != "A" || second.Value != "B" {
		t.Fatalf("replay order wrong: %q then %q", first.Value, second.Value)
	}
	waitFor(t, "queue drained", func() bool { return s.PendingOps() == 0 })
}

func TestStateTransitionsThroughReconnect(t *testing.T) {
	authority := &fakeAuthority{assign: "alice", failDials: 1}

	var mu sync.Mutex
	var states []State

	opts := Options{Document: "doc-1", ReconnectBaseDelay: 10 * time.Millisecond, ReconnectMaxDelay: 50 * time.Millisecond}
	s, err := New(authority, opts, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.OnStateChange(func(next State) {
		mu.Lock()
		states = append(states, next)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	t.Cleanup(func() { cancel(); s.Close() })

	waitFor(t, "synced state", func() bool { return s.State() == StateSynced })

	mu.Lock()
	defer mu.Unlock()
	// First dial fails: connecting then back to disconnected. Second dial
	// walks connecting -> connected -> synced.
	want := []State{StateConnecting, StateDisconnected, StateConnecting, StateConnected, StateSynced}
	if len(states) != len(want) {
		t.Fatalf("unexpected transitions: %v", states)
	}
	for i, st := range want {
		if states[i] != st {
			t.Fatalf("transition %d: got %v, want %v", i, states[i], st)
		}
	}
}

func TestReconnectRequestsResume(t *testing.T) {
	authority := &fakeAuthority{assign: "alice", ackOps: true}
	s, _ := startSession(t, authority, Options{})
	waitFor(t, "synced state", func() bool { return s.State() == StateSynced })

	// Kill the connection; the session must reconnect and resume as "alice".
	authority.latestConn().Close()
	waitFor(t, "second connection", func() bool {
		authority.mu.Lock()
		defer authority.mu.Unlock()
		return len(authority.conns) >= 2
	})
	waitFor(t, "resynced", func() bool { return s.State() == StateSynced })
	if got := s.ReplicaID(); got != "alice" {
		t.Fatalf("replica id lost across reconnect: %q", got)
	}
}
