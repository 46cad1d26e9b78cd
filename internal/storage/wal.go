package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/collab-sync-engine/internal/types"
)

// WAL provides durable storage for operation records and recovery helpers.
type WAL struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// WALOption configures the WAL store.
type WALOption func(*WAL)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) WALOption {
	return func(w *WAL) {
		w.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) WALOption {
	return func(w *WAL) {
		w.retryDelay = d
	}
}

// NewWAL constructs a WAL helper using the provided Postgres pool.
func NewWAL(pool *pgxpool.Pool, opts ...WALOption) *WAL {
	w := &WAL{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// AppendOperation durably stores an operation record and returns its assigned
// log sequence number. The insert is wrapped in a transaction and transient
// failures are retried.
func (w *WAL) AppendOperation(ctx context.Context, record types.OperationRecord) (int64, error) {
	ctx, span := walTracer.Start(ctx, "wal.append")
	defer span.End()

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	start := time.Now()
	var lsn int64
	err := w.retry(ctx, func(ctx context.Context) error {
		tx, err := w.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		vectorBytes, err := json.Marshal(record.VectorClock)
		if err != nil {
			return fmt.Errorf("marshal vector clock: %w", err)
		}

		row := tx.QueryRow(ctx, `
INSERT INTO document_operations (document_id, op_id, replica_id, vector_clock, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING lsn`,
			record.Document, record.Operation, record.Replica, vectorBytes, record.Payload, record.CreatedAt,
		)
		if err := row.Scan(&lsn); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})

	if err != nil {
		return 0, err
	}

	walAppendLatency.WithLabelValues(string(record.Document)).Observe(time.Since(start).Seconds())
	return lsn, nil
}

// ActiveDocuments returns the set of documents that currently have log entries.
func (w *WAL) ActiveDocuments(ctx context.Context) ([]types.DocumentID, error) {
	rows, err := w.pool.Query(ctx, `SELECT DISTINCT document_id FROM document_operations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []types.DocumentID
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, types.DocumentID(doc))
	}
	return docs, rows.Err()
}

// ReplayDocument scans operations for a document in log order starting after
// fromLSN, invoking the handler for each record.
func (w *WAL) ReplayDocument(ctx context.Context, docID types.DocumentID, fromLSN int64, handler func(types.OperationRecord) error) error {
	start := time.Now()
	rows, err := w.pool.Query(ctx, `
                SELECT lsn, document_id, op_id, replica_id, vector_clock, payload, created_at
                FROM document_operations
                WHERE document_id = $1 AND lsn > $2
                ORDER BY lsn`, docID, fromLSN)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			lsn         int64
			documentID  string
			opID        string
			replicaID   string
			vectorClock []byte
			payload     []byte
			createdAt   time.Time
		)
		if err := rows.Scan(&lsn, &documentID, &opID, &replicaID, &vectorClock, &payload, &createdAt); err != nil {
			return err
		}

		var clock types.VectorClock
		if len(vectorClock) > 0 {
			if err := json.Unmarshal(vectorClock, &clock); err != nil {
				return fmt.Errorf("decode vector clock: %w", err)
			}
		}

		record := types.OperationRecord{
			LSN:         lsn,
			Operation:   types.OperationID(opID),
			Document:    types.DocumentID(documentID),
			Replica:     types.ReplicaID(replicaID),
			Payload:     payload,
			VectorClock: clock,
			CreatedAt:   createdAt,
		}

		if err := handler(record); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return err
	}
	walReplayLatency.WithLabelValues(string(docID)).Observe(time.Since(start).Seconds())
	return nil
}

// OperationCountAfterLSN counts log entries past the given sequence number,
// feeding snapshot-threshold decisions.
func (w *WAL) OperationCountAfterLSN(ctx context.Context, docID types.DocumentID, lsn int64) (int64, error) {
	var count int64
	err := w.pool.QueryRow(ctx, `
                SELECT count(*) FROM document_operations
                WHERE document_id = $1 AND lsn > $2`, docID, lsn).Scan(&count)
	if err != nil {
		return 0, err
	}
	walBacklog.WithLabelValues(string(docID)).Set(float64(count))
	return count, nil
}

// LastCheckpoint returns the most recent persisted LSN for a document.
func (w *WAL) LastCheckpoint(ctx context.Context, docID types.DocumentID) (int64, error) {
	var lsn int64
	err := w.pool.QueryRow(ctx, `
                SELECT last_lsn FROM document_checkpoints WHERE document_id = $1
        `, docID).Scan(&lsn)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return lsn, err
}

// RecordCheckpoint upserts the current LSN for a document.
func (w *WAL) RecordCheckpoint(ctx context.Context, docID types.DocumentID, lsn int64) error {
	return w.retry(ctx, func(ctx context.Context) error {
		_, err := w.pool.Exec(ctx, `
                        INSERT INTO document_checkpoints (document_id, last_lsn)
                        VALUES ($1, $2)
                        ON CONFLICT (document_id)
                        DO UPDATE SET last_lsn = EXCLUDED.last_lsn, checkpointed_at = now()
                `, docID, lsn)
		return err
	})
}

// SnapshotRef points at a snapshot object in external storage along with the
// log position it covers.
type SnapshotRef struct {
	Document    types.DocumentID
	OperationID types.OperationID
	VectorClock types.VectorClock
	ObjectPath  string
	LastLSN     int64
	CreatedAt   time.Time
}

// LatestSnapshot returns the most recent snapshot reference for a document.
// A zero-valued ref with LastLSN 0 is returned when none exists.
func (w *WAL) LatestSnapshot(ctx context.Context, docID types.DocumentID) (SnapshotRef, error) {
	var (
		ref         SnapshotRef
		opID        string
		vectorClock []byte
	)
	err := w.pool.QueryRow(ctx, `
                SELECT op_id, vector_clock, object_path, last_lsn, created_at
                FROM document_snapshots
                WHERE document_id = $1
                ORDER BY last_lsn DESC
                LIMIT 1`, docID).Scan(&opID, &vectorClock, &ref.ObjectPath, &ref.LastLSN, &ref.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SnapshotRef{Document: docID}, nil
	}
	if err != nil {
		return SnapshotRef{}, err
	}

	ref.Document = docID
	ref.OperationID = types.OperationID(opID)
	if len(vectorClock) > 0 {
		if err := json.Unmarshal(vectorClock, &ref.VectorClock); err != nil {
			return SnapshotRef{}, fmt.Errorf("decode snapshot vector clock: %w", err)
		}
	}
	return ref, nil
}

// RecordSnapshot persists a snapshot reference.
func (w *WAL) RecordSnapshot(ctx context.Context, ref SnapshotRef) error {
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	vectorBytes, err := json.Marshal(ref.VectorClock)
	if err != nil {
		return fmt.Errorf("marshal snapshot vector clock: %w", err)
	}
	return w.retry(ctx, func(ctx context.Context) error {
		_, err := w.pool.Exec(ctx, `
                        INSERT INTO document_snapshots (document_id, op_id, vector_clock, object_path, last_lsn, created_at)
                        VALUES ($1, $2, $3, $4, $5, $6)`,
			ref.Document, ref.OperationID, vectorBytes, ref.ObjectPath, ref.LastLSN, ref.CreatedAt)
		return err
	})
}

func (w *WAL) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := w.retryDelay
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == w.maxRetries {
				return err
			}
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
