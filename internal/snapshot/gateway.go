// Package snapshot persists and restores CRDT document state. The authority
// emits threshold-driven snapshots to object storage; replicas save their own
// state through the Gateway interface so sessions can cold-start offline.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"

	"github.com/example/collab-sync-engine/internal/crdt"
	"github.com/example/collab-sync-engine/internal/types"
)

// ErrSnapshotNotFound is returned when no snapshot exists for a document.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Payload captures the CRDT state and metadata persisted inside a snapshot.
type Payload struct {
	Document    types.DocumentID  `json:"document_id"`
	LastOpID    types.OperationID `json:"last_op_id"`
	VectorClock types.VectorClock `json:"vector_clock"`
	Nodes       []crdt.Node       `json:"nodes"`
}

// Snapshot converts the payload back into a store snapshot.
func (p Payload) Snapshot() crdt.Snapshot {
	return crdt.Snapshot{
		Document:    p.Document,
		Nodes:       p.Nodes,
		VectorClock: p.VectorClock,
	}
}

// DecodePayload unmarshals a snapshot payload from its serialized form.
func DecodePayload(data []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, err
	}
	return payload, nil
}

// Gateway stores and retrieves the latest snapshot per document.
type Gateway interface {
	Save(ctx context.Context, payload Payload) error
	Load(ctx context.Context, docID types.DocumentID) (Payload, error)
}

// ObjectGateway keeps per-document snapshots in object storage under a stable
// key, overwriting on each save.
type ObjectGateway struct {
	client *minio.Client
	bucket string
}

// NewObjectGateway constructs a gateway backed by the given bucket.
func NewObjectGateway(client *minio.Client, bucket string) *ObjectGateway {
	return &ObjectGateway{client: client, bucket: bucket}
}

// Save implements Gateway.
func (g *ObjectGateway) Save(ctx context.Context, payload Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode snapshot payload: %w", err)
	}
	key := latestObjectPath(payload.Document)
	_, err = g.client.PutObject(ctx, g.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}
	return nil
}

// Load implements Gateway.
func (g *ObjectGateway) Load(ctx context.Context, docID types.DocumentID) (Payload, error) {
	obj, err := g.client.GetObject(ctx, g.bucket, latestObjectPath(docID), minio.GetObjectOptions{})
	if err != nil {
		return Payload{}, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		var respErr minio.ErrorResponse
		if errors.As(err, &respErr) && respErr.Code == "NoSuchKey" {
			return Payload{}, ErrSnapshotNotFound
		}
		return Payload{}, fmt.Errorf("read snapshot: %w", err)
	}
	return DecodePayload(data)
}

func latestObjectPath(docID types.DocumentID) string {
	return fmt.Sprintf("snapshots/%s/latest.json", docID)
}

// FileGateway keeps snapshots on the local filesystem, one file per document.
// Replica sessions use it so a document survives restarts without network
// access.
type FileGateway struct {
	dir string
}

// NewFileGateway creates the directory if needed.
func NewFileGateway(dir string) (*FileGateway, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &FileGateway{dir: dir}, nil
}

// Save implements Gateway. The write goes through a temp file and rename so a
// crash mid-write never corrupts the previous snapshot.
func (g *FileGateway) Save(_ context.Context, payload Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode snapshot payload: %w", err)
	}
	final := g.path(payload.Document)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return os.Rename(tmp, final)
}

// Load implements Gateway.
func (g *FileGateway) Load(_ context.Context, docID types.DocumentID) (Payload, error) {
	data, err := os.ReadFile(g.path(docID))
	if errors.Is(err, os.ErrNotExist) {
		return Payload{}, ErrSnapshotNotFound
	}
	if err != nil {
		return Payload{}, fmt.Errorf("read snapshot: %w", err)
	}
	return DecodePayload(data)
}

func (g *FileGateway) path(docID types.DocumentID) string {
	return filepath.Join(g.dir, fmt.Sprintf("%s.json", docID))
}
