package crdt

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/collab-sync-engine/internal/types"
)

// Engine orchestrates document stores on the authority and tracks applied log
// positions per document.
type Engine struct {
	mu      sync.RWMutex
	siteID  types.ReplicaID
	stores  map[types.DocumentID]*Store
	lastLSN map[types.DocumentID]int64
	lastOp  map[types.DocumentID]types.OperationID
	logger  zerolog.Logger

	retryLimit int
}

// NewEngine constructs an Engine with the provided site identifier and logger.
func NewEngine(siteID types.ReplicaID, logger zerolog.Logger, retryLimit int) *Engine {
	return &Engine{
		siteID:     siteID,
		stores:     make(map[types.DocumentID]*Store),
		lastLSN:    make(map[types.DocumentID]int64),
		lastOp:     make(map[types.DocumentID]types.OperationID),
		logger:     logger,
		retryLimit: retryLimit,
	}
}

// Store returns the document store, creating it if necessary.
func (e *Engine) Store(docID types.DocumentID) *Store {
	e.mu.Lock()
	defer e.mu.Unlock()

	store, ok := e.stores[docID]
	if ok {
		return store
	}

	store = NewStore(e.siteID, e.logger.With().Str("document", string(docID)).Logger(), WithDeleteRetryLimit(e.retryLimit))
	e.stores[docID] = store
	documentCount.Set(float64(len(e.stores)))
	return store
}

// ApplyRecord replays a logged operation into the document store.
func (e *Engine) ApplyRecord(record types.OperationRecord) error {
	start := time.Now()
	store := e.Store(record.Document)

	op, err := DecodeOperation(record.Payload)
	if err != nil {
		e.logger.Error().Err(err).Str("document", string(record.Document)).Msg("failed to decode logged operation")
		return err
	}

	result := store.ApplyRemote(op)
	if result == ResultRejected {
		e.logger.Warn().
			Str("document", string(record.Document)).
			Str("operation", string(record.Operation)).
			Msg("logged operation rejected by store")
	}

	e.mu.Lock()
	if record.LSN > e.lastLSN[record.Document] {
		e.lastLSN[record.Document] = record.LSN
	}
	e.lastOp[record.Document] = record.Operation
	e.mu.Unlock()

	applyLatency.WithLabelValues(string(record.Document)).Observe(time.Since(start).Seconds())
	return nil
}

// VectorClock returns the current logical clock for a document.
func (e *Engine) VectorClock(docID types.DocumentID) types.VectorClock {
	e.mu.RLock()
	store, ok := e.stores[docID]
	e.mu.RUnlock()
	if !ok {
		return make(types.VectorClock)
	}
	return store.VectorClock()
}

// LastLSN returns the highest applied log position for the document.
func (e *Engine) LastLSN(docID types.DocumentID) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastLSN[docID]
}

// LastOperation returns the most recently applied operation id.
func (e *Engine) LastOperation(docID types.DocumentID) types.OperationID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastOp[docID]
}

// Restore primes a document store from a snapshot taken at the given log
// position.
func (e *Engine) Restore(docID types.DocumentID, snap Snapshot, lastOp types.OperationID, lsn int64) {
	store := e.Store(docID)
	store.Restore(snap)

	e.mu.Lock()
	defer e.mu.Unlock()
	if lsn > e.lastLSN[docID] {
		e.lastLSN[docID] = lsn
	}
	if lastOp != "" {
		e.lastOp[docID] = lastOp
	}
}

// Documents returns the list of documents currently loaded in memory.
func (e *Engine) Documents() []types.DocumentID {
	e.mu.RLock()
	defer e.mu.RUnlock()

	docs := make([]types.DocumentID, 0, len(e.stores))
	for docID := range e.stores {
		docs = append(docs, docID)
	}
	return docs
}
