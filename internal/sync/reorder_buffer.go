package syncstate

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/collab-sync-engine/internal/types"
)

var (
	// ErrCausalityGap is returned when a record is queued because the local
	// clock has not yet observed one of its causal predecessors.
	ErrCausalityGap = errors.New("operation delayed: causal gap detected")
)

// RecordApplier is invoked when a record is ready to be executed.
type RecordApplier func(types.OperationRecord) error

// RecordReorderBuffer holds operation records that cannot be applied yet
// because the local vector clock lags behind the record's dependencies. The
// document store buffers missing origins on its own; this buffer keeps whole
// causal batches from interleaving at the hub before they reach the store.
type RecordReorderBuffer struct {
	mu       sync.Mutex
	tracker  *VectorClockTracker
	pending  map[types.DocumentID][]types.OperationRecord
	logger   zerolog.Logger
	reorders *prometheus.CounterVec
}

// NewRecordReorderBuffer constructs a buffer with the provided clock tracker
// and logger.
func NewRecordReorderBuffer(tracker *VectorClockTracker, logger zerolog.Logger) *RecordReorderBuffer {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "vector_clock",
		Name:      "operations_reordered_total",
		Help:      "Number of operations applied after waiting for causal predecessors.",
	}, []string{"document_id"})

	if err := prometheus.Register(counter); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			counter = regErr.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	return &RecordReorderBuffer{
		tracker:  tracker,
		logger:   logger,
		pending:  make(map[types.DocumentID][]types.OperationRecord),
		reorders: counter,
	}
}

// HandleRecord determines whether the provided record can be applied
// immediately. If its causal dependencies are missing, the record is queued
// until they arrive.
func (b *RecordReorderBuffer) HandleRecord(record types.OperationRecord, apply RecordApplier) error {
	if record.VectorClock == nil {
		record.VectorClock = make(types.VectorClock)
	}

	if !b.tracker.Ready(record.Document, record.Replica, record.VectorClock) {
		b.enqueue(record)
		b.logger.Info().
			Str("document", string(record.Document)).
			Str("operation", string(record.Operation)).
			Str("replica", string(record.Replica)).
			Msg("queued operation pending causal predecessors")
		return ErrCausalityGap
	}

	if err := apply(record); err != nil {
		return err
	}
	b.tracker.MergeRemote(record.Document, record.VectorClock)

	return b.drain(record.Document, apply)
}

// drain re-checks pending records to see if any are now unblocked.
func (b *RecordReorderBuffer) drain(docID types.DocumentID, apply RecordApplier) error {
	for {
		record, ok := b.dequeueReady(docID)
		if !ok {
			return nil
		}

		b.logger.Info().
			Str("document", string(docID)).
			Str("operation", string(record.Operation)).
			Str("replica", string(record.Replica)).
			Msg("applying previously queued operation")
		b.reorders.WithLabelValues(string(docID)).Inc()

		if err := apply(record); err != nil {
			return err
		}
		b.tracker.MergeRemote(docID, record.VectorClock)
	}
}

// PendingCount reports how many records are waiting for the document.
func (b *RecordReorderBuffer) PendingCount(docID types.DocumentID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[docID])
}

func (b *RecordReorderBuffer) enqueue(record types.OperationRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending[record.Document] = append(b.pending[record.Document], record)
}

func (b *RecordReorderBuffer) dequeueReady(docID types.DocumentID) (types.OperationRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue := b.pending[docID]
	if len(queue) == 0 {
		return types.OperationRecord{}, false
	}

	for i, record := range queue {
		if b.tracker.Ready(docID, record.Replica, record.VectorClock) {
			// remove from slice while preserving order for the rest
			b.pending[docID] = append(queue[:i], queue[i+1:]...)
			return record, true
		}
	}

	return types.OperationRecord{}, false
}
