// Package queue buffers locally generated operations until the authority
// acknowledges them. The queue survives disconnects: everything still pending
// after a reconnect handshake is replayed in original order.
package queue

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/collab-sync-engine/internal/types"
)

// Option configures a Queue.
type Option func(*Queue) error

// WithJournal persists the queue to a bolt file at the given path so pending
// operations survive process restarts.
func WithJournal(path string) Option {
	return func(q *Queue) error {
		journal, err := openJournal(path)
		if err != nil {
			return err
		}
		q.journal = journal
		return nil
	}
}

type entry struct {
	seq    uint64
	record types.OperationRecord
}

// Queue is a FIFO buffer of unacknowledged operations. Operations enter when
// the local replica generates them and leave only when the authority
// acknowledges their ids. Order is never reshuffled; replay after reconnect
// emits the exact enqueue order.
type Queue struct {
	mu      sync.Mutex
	entries []entry
	nextSeq uint64
	journal *journal
	logger  zerolog.Logger
}

// New creates a queue. With a journal option, previously persisted entries are
// loaded back in order.
func New(logger zerolog.Logger, opts ...Option) (*Queue, error) {
	q := &Queue{logger: logger, nextSeq: 1}
	for _, opt := range opts {
		if err := opt(q); err != nil {
			return nil, err
		}
	}
	if q.journal != nil {
		entries, err := q.journal.load()
		if err != nil {
			q.journal.close()
			return nil, err
		}
		q.entries = entries
		if n := len(entries); n > 0 {
			q.nextSeq = entries[n-1].seq + 1
			logger.Info().Int("pending", n).Msg("restored journaled operations")
		}
	}
	return q, nil
}

// Enqueue appends an operation to the tail.
func (q *Queue) Enqueue(record types.OperationRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := entry{seq: q.nextSeq, record: record}
	q.nextSeq++
	if q.journal != nil {
		if err := q.journal.append(e); err != nil {
			return err
		}
	}
	q.entries = append(q.entries, e)
	return nil
}

// Ack removes the operation with the given id. Acknowledgements normally
// arrive in enqueue order, so the head is checked first; out-of-order acks
// fall back to a scan.
func (q *Queue) Ack(opID types.OperationID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.record.Operation != opID {
			continue
		}
		if q.journal != nil {
			if err := q.journal.remove(e.seq); err != nil {
				q.logger.Warn().Err(err).Str("op", string(opID)).Msg("failed to remove journal entry")
			}
		}
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		return true
	}
	return false
}

// Pending returns the unacknowledged operations in enqueue order.
func (q *Queue) Pending() []types.OperationRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]types.OperationRecord, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.record
	}
	return out
}

// Len reports the number of pending operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close releases the journal, if any.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.journal == nil {
		return nil
	}
	err := q.journal.close()
	q.journal = nil
	return err
}
