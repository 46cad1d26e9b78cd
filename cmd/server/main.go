package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/collab-sync-engine/internal/broadcast"
	"github.com/example/collab-sync-engine/internal/config"
	"github.com/example/collab-sync-engine/internal/crdt"
	"github.com/example/collab-sync-engine/internal/hub"
	"github.com/example/collab-sync-engine/internal/observability"
	"github.com/example/collab-sync-engine/internal/presence"
	"github.com/example/collab-sync-engine/internal/snapshot"
	"github.com/example/collab-sync-engine/internal/storage"
	"github.com/example/collab-sync-engine/internal/types"
	"github.com/example/collab-sync-engine/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	wal := storage.NewWAL(resources.Postgres)
	engine := crdt.NewEngine(types.ReplicaID(cfg.AppName), logger, cfg.Engine.PendingDeleteRetryLimit)
	registry := ws.NewRegistry()

	presenceSvc := presence.NewService(resources.Redis, registry, logger)
	relay := broadcast.NewRedisBroadcaster(resources.Redis, registry, logger)

	h, err := hub.New(hub.Config{
		Engine:   engine,
		WAL:      wal,
		Fanout:   registry,
		Relay:    relay,
		Presence: presenceSvc,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build hub")
	}

	if err := restoreSnapshots(ctx, wal, engine, h, resources.Object, cfg.ObjectBucket, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to restore snapshots")
	}
	if err := h.Recover(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to replay operation log")
	}

	go h.CheckpointLoop(ctx, cfg.CheckpointEvery)
	snapshot.NewWorker(wal, engine, resources.Object, cfg.ObjectBucket, logger).Start(ctx)
	presenceSvc.Start(ctx)
	relay.Start(ctx)

	gateway, err := ws.NewGateway(ws.QueryAuthenticator(), registry, logger, h.Hooks(), ws.GatewayConfig{})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build gateway")
	}

	mux := http.NewServeMux()
	mux.Handle("/sync", gateway)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := resources.HealthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	logger.Info().Msg("server dependencies initialized")

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(context.Background()); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() {
		resources.Close()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Error().Err(shutdownCtx.Err()).Msg("forced shutdown")
	}
}

// restoreSnapshots primes each active document from its latest object-storage
// snapshot so the log replay that follows only covers the tail.
func restoreSnapshots(ctx context.Context, wal *storage.WAL, engine *crdt.Engine, h *hub.Hub, object *minio.Client, bucket string, logger zerolog.Logger) error {
	docs, err := wal.ActiveDocuments(ctx)
	if err != nil {
		return fmt.Errorf("list active documents: %w", err)
	}

	for _, docID := range docs {
		ref, err := wal.LatestSnapshot(ctx, docID)
		if err != nil {
			return fmt.Errorf("lookup snapshot for %s: %w", docID, err)
		}
		if ref.OperationID == "" || ref.ObjectPath == "" {
			continue
		}

		payload, err := loadSnapshotObject(ctx, object, bucket, ref.ObjectPath)
		if err != nil {
			logger.Error().Err(err).Str("document", string(docID)).Msg("snapshot restore failed; replaying full log")
			continue
		}
		if payload.Document != "" && payload.Document != docID {
			logger.Warn().Str("document", string(docID)).Str("snapshot_doc", string(payload.Document)).Msg("snapshot document mismatch")
		}

		engine.Restore(docID, payload.Snapshot(), payload.LastOpID, ref.LastLSN)
		h.PrimeDocument(docID, payload.VectorClock.Clone())
		logger.Info().Str("document", string(docID)).Str("op_id", string(ref.OperationID)).Msg("restored snapshot")
	}
	return nil
}

func loadSnapshotObject(ctx context.Context, object *minio.Client, bucket, path string) (snapshot.Payload, error) {
	obj, err := object.GetObject(ctx, bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return snapshot.Payload{}, fmt.Errorf("get snapshot object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return snapshot.Payload{}, fmt.Errorf("read snapshot object: %w", err)
	}
	return snapshot.DecodePayload(data)
}
