package ws

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/collab-sync-engine/internal/types"
)

const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Authenticator verifies the inbound HTTP request before the connection is
// upgraded. It produces the user identity the engine will attach to presence;
// validating that identity is the auth system's job, not ours.
type Authenticator interface {
	Authenticate(r *http.Request) (UserIdentity, error)
}

// AuthFunc adapts ordinary functions to the Authenticator interface.
type AuthFunc func(r *http.Request) (UserIdentity, error)

// Authenticate implements Authenticator.
func (f AuthFunc) Authenticate(r *http.Request) (UserIdentity, error) {
	return f(r)
}

// QueryAuthenticator accepts any request carrying a non-empty access token and
// lifts user metadata out of the query string. Deployments front this with a
// real token verifier.
func QueryAuthenticator() Authenticator {
	return AuthFunc(func(r *http.Request) (UserIdentity, error) {
		token := r.URL.Query().Get("access_token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if token == "" {
			return UserIdentity{}, errors.New("missing access token")
		}
		q := r.URL.Query()
		return UserIdentity{
			UserID:      q.Get("user_id"),
			DisplayName: q.Get("display_name"),
			AvatarRef:   q.Get("avatar_ref"),
		}, nil
	})
}

// GatewayConfig controls the runtime behaviour of the websocket gateway.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
}

// Gateway upgrades HTTP requests into websocket connections, validates
// authentication, and wires them into the Registry.
type Gateway struct {
	auth     Authenticator
	registry *Registry
	logger   zerolog.Logger
	hooks    Hooks
	cfg      GatewayConfig
}

// NewGateway creates a Gateway with sane defaults.
func NewGateway(auth Authenticator, registry *Registry, logger zerolog.Logger, hooks Hooks, cfg GatewayConfig) (*Gateway, error) {
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if registry == nil {
		return nil, errors.New("connection registry is required")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 2
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Gateway{auth: auth, registry: registry, logger: logger, hooks: hooks, cfg: cfg}, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	user, err := g.auth.Authenticate(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	documentID := types.DocumentID(r.URL.Query().Get("document_id"))
	if documentID == "" {
		http.Error(w, "missing document_id", http.StatusBadRequest)
		return
	}

	if err := g.performUpgrade(w, r, user, documentID); err != nil {
		g.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	gatewayUpgradeLatency.WithLabelValues(string(documentID)).Observe(time.Since(start).Seconds())
}

func (g *Gateway) performUpgrade(w http.ResponseWriter, r *http.Request, user UserIdentity, documentID types.DocumentID) error {
	if !headerContainsToken(r.Header.Get("Connection"), "Upgrade") || !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "upgrade headers required", http.StatusBadRequest)
		return errors.New("missing upgrade headers")
	}

	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		http.Error(w, "unsupported websocket version", http.StatusBadRequest)
		return errors.New("invalid websocket version")
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing websocket key", http.StatusBadRequest)
		return errors.New("missing websocket key")
	}

	accept := computeAcceptKey(key)
	protoHeader := selectSubprotocol(r.Header)

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "server does not support hijacking", http.StatusInternalServerError)
		return errors.New("hijacking not supported")
	}

	conn, buf, err := hj.Hijack()
	if err != nil {
		return fmt.Errorf("hijack: %w", err)
	}

	response := fmt.Sprintf("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\n", accept)
	if protoHeader != "" {
		response += fmt.Sprintf("Sec-WebSocket-Protocol: %s\r\n", protoHeader)
	}
	response += "\r\n"
	if _, err := buf.WriteString(response); err != nil {
		conn.Close()
		return fmt.Errorf("write handshake response: %w", err)
	}
	if err := buf.Flush(); err != nil {
		conn.Close()
		return fmt.Errorf("flush handshake: %w", err)
	}

	childLogger := g.logger.With().Str("document", string(documentID)).Str("user", user.UserID).Logger()
	var connection *Connection
	connection = newConnection(conn, user, documentID, g.registry, childLogger, connectionOptions{
		heartbeatInterval:  g.cfg.HeartbeatInterval,
		heartbeatTolerance: g.cfg.HeartbeatTolerance,
		sendBufferSize:     g.cfg.SendBuffer,
		writeTimeout:       g.cfg.WriteTimeout,
	}, func() {
		g.registry.Unregister(documentID, connection)
		if g.hooks.OnDisconnect != nil {
			g.hooks.OnDisconnect(connection)
		}
	})

	g.registry.Register(documentID, connection)
	if g.hooks.OnConnect != nil {
		if err := g.hooks.OnConnect(connection.Context(), connection); err != nil {
			childLogger.Warn().Err(err).Msg("connect hook failed")
			connection.Close()
			return err
		}
	}
	childLogger.Info().Msg("websocket connection established")

	go connection.Run(g.hooks)
	return nil
}

func computeAcceptKey(key string) string {
	sum := sha1.Sum([]byte(strings.TrimSpace(key) + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func selectSubprotocol(h http.Header) string {
	value := h.Get("Sec-WebSocket-Protocol")
	if value == "" {
		return ""
	}
	// The client may send a comma separated list; echo the first token.
	parts := strings.Split(value, ",")
	return strings.TrimSpace(parts[0])
}

func headerContainsToken(value, token string) bool {
	if value == "" {
		return false
	}
	parts := strings.Split(value, ",")
	for _, part := range parts {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
