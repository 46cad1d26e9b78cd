package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/collab-sync-engine/internal/protocol"
	"github.com/example/collab-sync-engine/internal/types"
	"github.com/example/collab-sync-engine/internal/ws"
)

const (
	defaultTTL           = 45 * time.Second
	defaultChannelPrefix = "presence:doc:"
	scanBatchSize        = 100
)

// Service tracks presence heartbeats in Redis and relays updates to
// websocket clients across instances.
type Service struct {
	client   *redis.Client
	registry *ws.Registry
	logger   zerolog.Logger

	ttl           time.Duration
	channelPrefix string

	mu     sync.RWMutex
	roster map[types.DocumentID]map[types.ReplicaID]protocol.PresenceState
}

// NewService constructs a presence service backed by Redis.
func NewService(client *redis.Client, registry *ws.Registry, logger zerolog.Logger) *Service {
	return &Service{
		client:        client,
		registry:      registry,
		logger:        logger,
		ttl:           defaultTTL,
		channelPrefix: defaultChannelPrefix,
		roster:        make(map[types.DocumentID]map[types.ReplicaID]protocol.PresenceState),
	}
}

// Start begins background maintenance goroutines.
func (s *Service) Start(ctx context.Context) {
	go s.subscribe(ctx)
	go s.expireLoop(ctx)
}

type presenceMessage struct {
	Document types.DocumentID       `json:"document_id"`
	State    protocol.PresenceState `json:"state"`
}

// HandleUpdate persists and broadcasts an updated presence record.
func (s *Service) HandleUpdate(ctx context.Context, conn *ws.Connection, state protocol.PresenceState) error {
	if state.Replica == "" {
		state.Replica = conn.ReplicaID()
	}
	if state.Replica == "" {
		return errors.New("presence update before handshake")
	}
	if state.UserID == "" {
		user := conn.User()
		state.UserID = user.UserID
		state.DisplayName = user.DisplayName
		state.AvatarRef = user.AvatarRef
	}
	documentID := conn.DocumentID()

	if err := s.persist(ctx, documentID, state); err != nil {
		return err
	}
	s.recordLocal(documentID, state)
	if err := s.publish(ctx, documentID, state); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish presence update")
	}

	s.broadcastLocal(documentID, state, conn)
	return nil
}

// Clear removes any cached presence for the document/replica pair and notifies
// peers that the replica disconnected.
func (s *Service) Clear(ctx context.Context, documentID types.DocumentID, replica types.ReplicaID) {
	if documentID == "" || replica == "" {
		return
	}
	key := s.presenceKey(documentID, string(replica))
	if err := s.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to delete presence key")
	}

	removal := protocol.PresenceState{
		Replica:      replica,
		LastSeen:     time.Now().UnixNano(),
		Disconnected: true,
	}
	s.recordLocal(documentID, removal)
	if err := s.publish(ctx, documentID, removal); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish presence removal")
	}
	s.broadcastLocal(documentID, removal, nil)
}

// SendRoster streams the current roster to a freshly connected client.
func (s *Service) SendRoster(ctx context.Context, conn *ws.Connection) error {
	states, err := s.Roster(ctx, conn.DocumentID())
	if err != nil {
		return err
	}
	for _, state := range states {
		env := s.envelope(conn.DocumentID(), state)
		if err := conn.SendEnvelope(env); err != nil {
			return fmt.Errorf("send roster entry: %w", err)
		}
	}
	return nil
}

// Roster loads the current presence roster for a given document from Redis.
func (s *Service) Roster(ctx context.Context, documentID types.DocumentID) ([]protocol.PresenceState, error) {
	iter := s.client.Scan(ctx, 0, s.presenceKey(documentID, "*"), scanBatchSize).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence keys: %w", err)
	}

	if len(keys) == 0 {
		s.mu.Lock()
		delete(s.roster, documentID)
		s.mu.Unlock()
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch presence values: %w", err)
	}

	var states []protocol.PresenceState
	for _, raw := range values {
		strVal, ok := raw.(string)
		if !ok || strVal == "" {
			continue
		}
		var state protocol.PresenceState
		if err := json.Unmarshal([]byte(strVal), &state); err != nil {
			s.logger.Warn().Err(err).Msg("failed to decode presence value")
			continue
		}
		states = append(states, state)
	}

	s.mu.Lock()
	roster := s.ensureRoster(documentID)
	for _, state := range states {
		roster[state.Replica] = state
	}
	s.mu.Unlock()

	return states, nil
}

func (s *Service) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.pruneExpired(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) pruneExpired(ctx context.Context) {
	s.mu.RLock()
	snapshot := make(map[types.DocumentID][]types.ReplicaID, len(s.roster))
	for doc, replicas := range s.roster {
		ids := make([]types.ReplicaID, 0, len(replicas))
		for replica := range replicas {
			ids = append(ids, replica)
		}
		snapshot[doc] = ids
	}
	s.mu.RUnlock()

	for doc, replicas := range snapshot {
		for _, replica := range replicas {
			key := s.presenceKey(doc, string(replica))
			exists, err := s.client.Exists(ctx, key).Result()
			if err != nil {
				s.logger.Warn().Err(err).Msg("failed to check presence ttl")
				continue
			}
			if exists == 0 {
				removal := protocol.PresenceState{
					Replica:      replica,
					LastSeen:     time.Now().UnixNano(),
					Disconnected: true,
				}
				s.logger.Debug().Str("document", string(doc)).Str("replica", string(replica)).Msg("presence expired")
				s.recordLocal(doc, removal)
				if err := s.publish(ctx, doc, removal); err != nil {
					s.logger.Warn().Err(err).Msg("failed to publish presence expiration")
				}
				s.broadcastLocal(doc, removal, nil)
			}
		}
	}
}

func (s *Service) subscribe(ctx context.Context) {
	if s.client == nil {
		return
	}
	pubsub := s.client.PSubscribe(ctx, fmt.Sprintf("%s*", s.channelPrefix))
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(128))
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var payload presenceMessage
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				s.logger.Warn().Err(err).Msg("failed to decode presence broadcast")
				continue
			}
			s.recordLocal(payload.Document, payload.State)
			s.broadcastLocal(payload.Document, payload.State, nil)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) broadcastLocal(documentID types.DocumentID, state protocol.PresenceState, skip *ws.Connection) {
	env := s.envelope(documentID, state)
	if skip != nil {
		s.registry.BroadcastEnvelope(documentID, env, skip)
		return
	}
	// Relayed over pub/sub; skip by replica id so the originator connected to
	// another instance does not see its own update echoed back.
	s.registry.BroadcastEnvelopeByReplica(documentID, env, state.Replica)
}

func (s *Service) recordLocal(documentID types.DocumentID, state protocol.PresenceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roster := s.ensureRoster(documentID)
	if state.Disconnected {
		delete(roster, state.Replica)
		if len(roster) == 0 {
			delete(s.roster, documentID)
		}
		return
	}
	if prior, ok := roster[state.Replica]; ok && prior.LastSeen > state.LastSeen {
		return
	}
	roster[state.Replica] = state
}

func (s *Service) persist(ctx context.Context, documentID types.DocumentID, state protocol.PresenceState) error {
	if s.client == nil {
		return errors.New("nil redis client")
	}
	key := s.presenceKey(documentID, string(state.Replica))
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache presence: %w", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, documentID types.DocumentID, state protocol.PresenceState) error {
	if s.client == nil {
		return errors.New("nil redis client")
	}
	payload, err := json.Marshal(presenceMessage{Document: documentID, State: state})
	if err != nil {
		return fmt.Errorf("marshal presence message: %w", err)
	}
	return s.client.Publish(ctx, s.channel(documentID), payload).Err()
}

func (s *Service) envelope(documentID types.DocumentID, state protocol.PresenceState) *protocol.Envelope {
	return &protocol.Envelope{
		Kind:     protocol.KindPresence,
		Document: documentID,
		Replica:  state.Replica,
		Presence: &state,
	}
}

func (s *Service) presenceKey(documentID types.DocumentID, replica string) string {
	return fmt.Sprintf("%s%s:replica:%s", s.channelPrefix, documentID, replica)
}

func (s *Service) channel(documentID types.DocumentID) string {
	return fmt.Sprintf("%s%s", s.channelPrefix, documentID)
}

func (s *Service) ensureRoster(documentID types.DocumentID) map[types.ReplicaID]protocol.PresenceState {
	roster, ok := s.roster[documentID]
	if !ok {
		roster = make(map[types.ReplicaID]protocol.PresenceState)
		s.roster[documentID] = roster
	}
	return roster
}

// WrapHooks installs presence handlers into the provided hook set, preserving
// any existing callbacks for composition.
func (s *Service) WrapHooks(base ws.Hooks) ws.Hooks {
	baseConnect := base.OnConnect
	base.OnConnect = func(ctx context.Context, conn *ws.Connection) error {
		if baseConnect != nil {
			if err := baseConnect(ctx, conn); err != nil {
				return err
			}
		}
		return s.SendRoster(ctx, conn)
	}

	baseDisconnect := base.OnDisconnect
	base.OnDisconnect = func(conn *ws.Connection) {
		if baseDisconnect != nil {
			baseDisconnect(conn)
		}
		s.Clear(context.Background(), conn.DocumentID(), conn.ReplicaID())
	}

	return base
}
