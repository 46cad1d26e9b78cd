package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/collab-sync-engine/internal/protocol"
)

// Conn is one live connection to the authority. Implementations must be safe
// for one concurrent sender and one concurrent receiver.
type Conn interface {
	Send(env *protocol.Envelope) error
	Receive() (*protocol.Envelope, error)
	Close() error
}

// Transport dials connections to the authority. The session owns reconnect
// policy; the transport only knows how to establish a single connection.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketTransport dials the authority's websocket gateway.
type WebsocketTransport struct {
	URL          string
	Header       http.Header
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// Dial implements Transport.
func (t *WebsocketTransport) Dial(ctx context.Context) (Conn, error) {
	timeout := t.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	wsConn, resp, err := dialer.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", t.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", t.URL, err)
	}
	return &websocketConn{conn: wsConn, writeTimeout: t.WriteTimeout}, nil
}

type websocketConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu  sync.Mutex
	sequence protocol.Sequencer
	dedupe   protocol.Deduper
}

func (c *websocketConn) Send(env *protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.sequence.Stamp(env)
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *websocketConn) Receive() (*protocol.Envelope, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		env, err := protocol.Decode(data)
		if err != nil {
			return nil, err
		}
		if !c.dedupe.Fresh(env) {
			continue
		}
		return env, nil
	}
}

func (c *websocketConn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}
