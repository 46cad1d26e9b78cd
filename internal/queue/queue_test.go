package queue

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/collab-sync-engine/internal/types"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func record(op string) types.OperationRecord {
	return types.OperationRecord{
		Operation: types.OperationID(op),
		Document:  "doc-1",
		Replica:   "alice",
		Payload:   []byte(`{"kind":"insert"}`),
	}
}

func TestEnqueueAckPreservesFIFO(t *testing.T) {
	q, err := New(testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, op := range []string{"1@alice", "2@alice", "3@alice"} {
		if err := q.Enqueue(record(op)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	if !q.Ack("1@alice") {
		t.Fatalf("expected ack to find head op")
	}
	if q.Ack("1@alice") {
		t.Fatalf("double ack should be a no-op")
	}

	pending := q.Pending()
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	if pending[0].Operation != "2@alice" || pending[1].Operation != "3@alice" {
		t.Fatalf("order disturbed: %v, %v", pending[0].Operation, pending[1].Operation)
	}
}

func TestAckOutOfOrder(t *testing.T) {
	q, err := New(testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, op := range []string{"1@alice", "2@alice", "3@alice"} {
		if err := q.Enqueue(record(op)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	if !q.Ack("2@alice") {
		t.Fatalf("expected ack to find middle op")
	}

	pending := q.Pending()
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	if pending[0].Operation != "1@alice" || pending[1].Operation != "3@alice" {
		t.Fatalf("order disturbed: %v, %v", pending[0].Operation, pending[1].Operation)
	}
}

func TestAckUnknownOp(t *testing.T) {
	q, err := New(testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if q.Ack("99@nobody") {
		t.Fatalf("ack of unknown op should report false")
	}
}

func TestJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	q, err := New(testLogger(), WithJournal(path))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, op := range []string{"1@alice", "2@alice", "3@alice"} {
		if err := q.Enqueue(record(op)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if !q.Ack("1@alice") {
		t.Fatalf("ack failed")
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(testLogger(), WithJournal(path))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	pending := reopened.Pending()
	if len(pending) != 2 {
		t.Fatalf("expected 2 restored ops, got %d", len(pending))
	}
	if pending[0].Operation != "2@alice" || pending[1].Operation != "3@alice" {
		t.Fatalf("restore order wrong: %v, %v", pending[0].Operation, pending[1].Operation)
	}

	// New enqueues continue after the restored sequence.
	if err := reopened.Enqueue(record("4@alice")); err != nil {
		t.Fatalf("Enqueue after restore: %v", err)
	}
	if got := reopened.Len(); got != 3 {
		t.Fatalf("expected 3 pending, got %d", got)
	}
}
