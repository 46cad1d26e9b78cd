package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/collab-sync-engine/internal/crdt"
	"github.com/example/collab-sync-engine/internal/protocol"
	"github.com/example/collab-sync-engine/internal/types"
)

const (
	defaultDebounce = 100 * time.Millisecond
	defaultTimeout  = 30 * time.Second
)

// CursorPatch updates the local cursor and selection.
type CursorPatch struct {
	Position       *crdt.Position
	SelectionStart int
	SelectionEnd   int
}

// UserPatch updates the local user metadata.
type UserPatch struct {
	UserID      string
	DisplayName string
	AvatarRef   string
}

// Patch is a partial presence update; nil fields are left untouched.
type Patch struct {
	Cursor *CursorPatch
	User   *UserPatch
}

// Broadcaster receives coalesced local presence updates for transmission.
type Broadcaster func(protocol.PresenceState)

// RosterListener receives the updated remote roster after any change.
type RosterListener func([]protocol.PresenceState)

// TrackerConfig tunes debouncing and liveness.
type TrackerConfig struct {
	Debounce time.Duration
	Timeout  time.Duration
}

// Tracker keeps the ephemeral participant state for one session: the local
// replica's own cursor and identity, and the last-write-wins view of everyone
// else. It has no merge semantics beyond timestamp supersession and shares no
// state with the document store.
type Tracker struct {
	mu       sync.Mutex
	replica  types.ReplicaID
	local    protocol.PresenceState
	remote   map[types.ReplicaID]protocol.PresenceState
	debounce time.Duration
	timeout  time.Duration
	send     Broadcaster
	timer    *time.Timer
	now      func() time.Time

	listenerSeq int
	listeners   map[int]RosterListener

	logger zerolog.Logger
}

// NewTracker constructs a tracker for the given replica. The broadcaster is
// invoked from a timer goroutine after the debounce window closes.
func NewTracker(replica types.ReplicaID, cfg TrackerConfig, send Broadcaster, logger zerolog.Logger) *Tracker {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Tracker{
		replica:   replica,
		local:     protocol.PresenceState{Replica: replica},
		remote:    make(map[types.ReplicaID]protocol.PresenceState),
		debounce:  cfg.Debounce,
		timeout:   cfg.Timeout,
		send:      send,
		now:       time.Now,
		listeners: make(map[int]RosterListener),
		logger:    logger,
	}
}

// SetLocal merges a partial update into the local state, stamps lastSeen, and
// schedules a debounced broadcast. Rapid cursor movement coalesces into one
// outbound update per window.
func (t *Tracker) SetLocal(patch Patch) {
	t.mu.Lock()
	if patch.Cursor != nil {
		t.local.Cursor = patch.Cursor.Position
		t.local.SelectionStart = patch.Cursor.SelectionStart
		t.local.SelectionEnd = patch.Cursor.SelectionEnd
	}
	if patch.User != nil {
		t.local.UserID = patch.User.UserID
		t.local.DisplayName = patch.User.DisplayName
		t.local.AvatarRef = patch.User.AvatarRef
	}
	t.local.LastSeen = t.now().UnixNano()

	if t.timer == nil {
		t.timer = time.AfterFunc(t.debounce, t.flush)
	}
	t.mu.Unlock()
}

// Local returns a copy of the current local state.
func (t *Tracker) Local() protocol.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

// Flush sends any pending local update immediately. Called on teardown so the
// final cursor state is not lost to the debounce window.
func (t *Tracker) Flush() {
	t.flush()
}

func (t *Tracker) flush() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	state := t.local
	send := t.send
	t.mu.Unlock()

	if send != nil {
		send(state)
	}
}

// ApplyRemote folds in a peer's presence. Older updates (by lastSeen) are
// discarded; a disconnect marker removes the entry.
func (t *Tracker) ApplyRemote(state protocol.PresenceState) {
	if state.Replica == "" || state.Replica == t.replica {
		return
	}

	t.mu.Lock()
	if state.Disconnected {
		delete(t.remote, state.Replica)
	} else {
		if prior, ok := t.remote[state.Replica]; ok && prior.LastSeen > state.LastSeen {
			t.mu.Unlock()
			return
		}
		t.remote[state.Replica] = state
	}
	roster := t.rosterLocked()
	listeners := t.listenersLocked()
	t.mu.Unlock()

	for _, l := range listeners {
		l(roster)
	}
}

// PruneStale removes entries whose lastSeen is older than the liveness
// timeout and notifies roster listeners when anything was dropped.
func (t *Tracker) PruneStale(now time.Time) {
	cutoff := now.Add(-t.timeout).UnixNano()

	t.mu.Lock()
	var dropped bool
	for replica, state := range t.remote {
		if state.LastSeen < cutoff {
			delete(t.remote, replica)
			dropped = true
			t.logger.Debug().Str("replica", string(replica)).Msg("presence expired")
		}
	}
	if !dropped {
		t.mu.Unlock()
		return
	}
	roster := t.rosterLocked()
	listeners := t.listenersLocked()
	t.mu.Unlock()

	for _, l := range listeners {
		l(roster)
	}
}

// Run prunes stale entries on a periodic tick until the context ends.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.PruneStale(t.now())
		case <-ctx.Done():
			return
		}
	}
}

// List returns the remote roster ordered by replica id, excluding the local
// replica.
func (t *Tracker) List() []protocol.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rosterLocked()
}

// Subscribe registers a roster listener and returns an unsubscribe handle.
func (t *Tracker) Subscribe(listener RosterListener) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.listenerSeq++
	id := t.listenerSeq
	t.listeners[id] = listener
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

func (t *Tracker) rosterLocked() []protocol.PresenceState {
	roster := make([]protocol.PresenceState, 0, len(t.remote))
	for _, state := range t.remote {
		roster = append(roster, state)
	}
	sort.Slice(roster, func(i, j int) bool {
		return roster[i].Replica < roster[j].Replica
	})
	return roster
}

func (t *Tracker) listenersLocked() []RosterListener {
	out := make([]RosterListener, 0, len(t.listeners))
	for _, l := range t.listeners {
		out = append(out, l)
	}
	return out
}
