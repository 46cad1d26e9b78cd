package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/collab-sync-engine/internal/protocol"
	"github.com/example/collab-sync-engine/internal/types"
)

const (
	opcodeContinuation = 0x0
	opcodeText         = 0x1
	opcodeBinary       = 0x2
	opcodeClose        = 0x8
	opcodePing         = 0x9
	opcodePong         = 0xA

	closeNormalClosure       = 1000
	closeGoingAway           = 1001
	closeUnsupportedData     = 1003
	closePolicyViolation     = 1008
	closeInternalServerError = 1011
	closeTryAgainLater       = 1013
)

var errSendBufferFull = errors.New("send buffer full")

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
}

// UserIdentity carries the authenticated participant supplied at connect time.
// The engine attaches it to presence; it never validates it.
type UserIdentity struct {
	UserID      string
	DisplayName string
	AvatarRef   string
}

// Connection represents an upgraded websocket session bound to one document.
// The replica id is assigned by the hub during the sync handshake and recorded
// here so broadcasts can skip the originator.
type Connection struct {
	conn      net.Conn
	user      UserIdentity
	document  types.DocumentID
	registry  *Registry
	logger    zerolog.Logger
	send      chan outboundMessage
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}

	opts connectionOptions

	replica  atomic.Value // types.ReplicaID
	sequence protocol.Sequencer
	seqMu    sync.Mutex
	dedupe   protocol.Deduper

	lastPong atomic.Int64
	onClose  func()
}

type outboundMessage struct {
	opcode  byte
	payload []byte
}

func newConnection(netConn net.Conn, user UserIdentity, documentID types.DocumentID, registry *Registry, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:     netConn,
		user:     user,
		document: documentID,
		registry: registry,
		logger:   logger,
		send:     make(chan outboundMessage, opts.sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
		opts:     opts,
		onClose:  onClose,
	}
	c.replica.Store(types.ReplicaID(""))
	c.lastPong.Store(time.Now().UnixNano())
	return c
}

// DocumentID returns the bound document identifier.
func (c *Connection) DocumentID() types.DocumentID { return c.document }

// User exposes the authenticated identity.
func (c *Connection) User() UserIdentity { return c.user }

// ReplicaID returns the replica assigned during handshake, empty before it.
func (c *Connection) ReplicaID() types.ReplicaID {
	return c.replica.Load().(types.ReplicaID)
}

// BindReplica records the replica id the hub assigned to this connection.
func (c *Connection) BindReplica(id types.ReplicaID) {
	c.replica.Store(id)
}

// Context exposes the lifecycle context for hooks.
func (c *Connection) Context() context.Context { return c.ctx }

// SendEnvelope stamps the envelope with the connection sequence and enqueues
// it for the writer goroutine.
func (c *Connection) SendEnvelope(env *protocol.Envelope) error {
	c.seqMu.Lock()
	c.sequence.Stamp(env)
	data, err := env.Encode()
	c.seqMu.Unlock()
	if err != nil {
		return err
	}
	return c.sendBinary(data)
}

func (c *Connection) sendBinary(payload []byte) error {
	msg := outboundMessage{opcode: opcodeBinary, payload: payload}
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.logger.Warn().Msg("send buffer full; closing connection")
		c.closeWithFrame(closeTryAgainLater, "backpressure")
		return errSendBufferFull
	}
}

// Run starts the read/write pumps until the connection is closed.
func (c *Connection) Run(hooks Hooks) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop()
	}()

	if err := c.readLoop(hooks); err != nil {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()
}

// Close tears the connection down exactly once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.send)
		_ = c.conn.Close()
		close(c.closed)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) readLoop(hooks Hooks) error {
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}

		opcode, payload, err := readFrame(c.conn)
		if err != nil {
			return err
		}

		switch opcode {
		case opcodeBinary, opcodeText:
			if err := c.handleEnvelope(payload, hooks); err != nil {
				c.closeWithFrame(closePolicyViolation, err.Error())
				return err
			}
		case opcodeClose:
			c.closeWithFrame(closeNormalClosure, "bye")
			return nil
		case opcodePing:
			_ = c.enqueueControl(opcodePong, payload)
		case opcodePong:
			c.lastPong.Store(time.Now().UnixNano())
		case opcodeContinuation:
			return fmt.Errorf("fragmented frames not supported")
		default:
			return fmt.Errorf("unsupported opcode %d", opcode)
		}
	}
}

func (c *Connection) handleEnvelope(payload []byte, hooks Hooks) error {
	env, err := protocol.Decode(payload)
	if err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if !c.dedupe.Fresh(env) {
		c.logger.Debug().Uint64("seq", env.Seq).Msg("dropping replayed frame")
		return nil
	}
	if hooks.OnEnvelope != nil {
		return hooks.OnEnvelope(c.ctx, c, env)
	}
	return nil
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := writeFrame(c.conn, msg.opcode, msg.payload, c.opts.writeTimeout); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.closeWithFrame(closeInternalServerError, "write error")
				return
			}
		}
	}
}

func (c *Connection) heartbeatLoop() {
	if c.opts.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.enqueueControl(opcodePing, nil); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.closeWithFrame(closeGoingAway, "ping failed")
				return
			}
			if c.opts.heartbeatTolerance > 0 {
				last := time.Unix(0, c.lastPong.Load())
				allowed := c.opts.heartbeatInterval * time.Duration(c.opts.heartbeatTolerance)
				if time.Since(last) > allowed {
					c.logger.Debug().Msg("heartbeat tolerance exceeded")
					c.closeWithFrame(closeGoingAway, "missed heartbeats")
					return
				}
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) closeWithFrame(code int, reason string) {
	payload := encodeClosePayload(code, reason)
	_ = c.enqueueControl(opcodeClose, payload)
}

func (c *Connection) enqueueControl(opcode byte, payload []byte) error {
	msg := outboundMessage{opcode: opcode, payload: payload}
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		return errSendBufferFull
	}
}

// Hooks wires protocol handling into the connection's read loop.
type Hooks struct {
	OnEnvelope   EnvelopeHook
	OnConnect    ConnectHook
	OnDisconnect DisconnectHook
}

type EnvelopeHook func(ctx context.Context, conn *Connection, env *protocol.Envelope) error
type ConnectHook func(ctx context.Context, conn *Connection) error
type DisconnectHook func(conn *Connection)

func encodeClosePayload(code int, reason string) []byte {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	payload := make([]byte, 2+len(reason))
	payload[0] = byte(code >> 8)
	payload[1] = byte(code)
	copy(payload[2:], []byte(reason))
	return payload
}
