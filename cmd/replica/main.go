// Command replica drives one or more document sessions against a running
// server: each session types its own text, and the harness reports how long
// the replicas take to converge on identical content.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/url"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/collab-sync-engine/internal/config"
	"github.com/example/collab-sync-engine/internal/presence"
	"github.com/example/collab-sync-engine/internal/session"
	"github.com/example/collab-sync-engine/internal/types"
)

func main() {
	addr := flag.String("addr", "ws://localhost:8080/sync", "websocket address of the sync gateway")
	document := flag.String("document", "doc-replica-test", "document id shared by all sessions")
	sessions := flag.Int("sessions", 4, "number of concurrent replica sessions")
	edits := flag.Int("edits", 50, "characters each session types")
	interval := flag.Duration("interval", 20*time.Millisecond, "delay between keystrokes")
	settle := flag.Duration("settle", 15*time.Second, "how long to wait for convergence")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("document", *document).Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base, err := url.Parse(*addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid websocket address")
	}

	replicas := make([]*session.DocumentSession, *sessions)
	var wg sync.WaitGroup
	for i := 0; i < *sessions; i++ {
		u := *base
		q := u.Query()
		q.Set("document_id", *document)
		q.Set("access_token", "replica-harness")
		q.Set("user_id", fmt.Sprintf("user-%d", i))
		q.Set("display_name", fmt.Sprintf("Replica %d", i))
		u.RawQuery = q.Encode()

		s, err := session.New(&session.WebsocketTransport{URL: u.String()}, session.Options{
			Document:                types.DocumentID(*document),
			ReconnectBaseDelay:      cfg.Engine.ReconnectBaseDelay,
			ReconnectMaxDelay:       cfg.Engine.ReconnectMaxDelay,
			PresenceDebounce:        cfg.Engine.PresenceDebounce,
			PresenceTimeout:         cfg.Engine.PresenceTimeout,
			PendingDeleteRetryLimit: cfg.Engine.PendingDeleteRetryLimit,
			SaveDebounce:            cfg.Engine.SaveDebounce,
		}, logger.With().Int("session", i).Logger())
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to build session")
		}
		replicas[i] = s

		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Run(ctx)
		}()
	}
	defer func() {
		stop()
		wg.Wait()
		for _, s := range replicas {
			_ = s.Close()
		}
	}()

	for i, s := range replicas {
		waitForSync(ctx, s)
		logger.Info().Int("session", i).Str("replica", string(s.ReplicaID())).Msg("session synced")
	}

	start := time.Now()
	var editWg sync.WaitGroup
	for i, s := range replicas {
		editWg.Add(1)
		go func(idx int, s *session.DocumentSession) {
			defer editWg.Done()
			typeEdits(ctx, s, idx, *edits, *interval)
		}(i, s)
	}
	editWg.Wait()

	if converged, elapsed := awaitConvergence(ctx, replicas, *settle); converged {
		logger.Info().
			Dur("edit_time", time.Since(start)).
			Dur("convergence_time", elapsed).
			Int("length", len(replicas[0].Text())).
			Msg("all sessions converged")
	} else {
		logger.Error().Msg("sessions did not converge within the settle window")
		for i, s := range replicas {
			logger.Error().Int("session", i).Int("length", len(s.Text())).Int("pending", s.PendingOps()).Msg("final state")
		}
	}
}

func waitForSync(ctx context.Context, s *session.DocumentSession) {
	for ctx.Err() == nil && s.State() != session.StateSynced {
		time.Sleep(10 * time.Millisecond)
	}
}

func typeEdits(ctx context.Context, s *session.DocumentSession, idx, edits int, interval time.Duration) {
	alphabet := []rune("abcdefghijklmnopqrstuvwxyz")
	rng := rand.New(rand.NewSource(int64(idx) + 1))

	_ = s.SetPresence(presence.Patch{User: &presence.UserPatch{UserID: fmt.Sprintf("user-%d", idx)}})

	for i := 0; i < edits; i++ {
		if ctx.Err() != nil {
			return
		}
		length := len(s.Text())
		at := 0
		if length > 0 {
			at = rng.Intn(length + 1)
		}
		if err := s.Insert(at, alphabet[rng.Intn(len(alphabet))]); err != nil {
			return
		}
		time.Sleep(interval)
	}
}

func awaitConvergence(ctx context.Context, replicas []*session.DocumentSession, settle time.Duration) (bool, time.Duration) {
	start := time.Now()
	deadline := start.Add(settle)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		if allEqual(replicas) && allDrained(replicas) {
			return true, time.Since(start)
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false, time.Since(start)
}

func allEqual(replicas []*session.DocumentSession) bool {
	first := replicas[0].Text()
	if first == "" {
		return false
	}
	for _, s := range replicas[1:] {
		if s.Text() != first {
			return false
		}
	}
	return true
}

func allDrained(replicas []*session.DocumentSession) bool {
	for _, s := range replicas {
		if s.PendingOps() != 0 {
			return false
		}
	}
	return true
}
