package queue

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/example/collab-sync-engine/internal/types"
)

var journalBucket = []byte("pending_ops")

// journal stores pending queue entries in a bolt bucket keyed by big-endian
// sequence number, so a cursor walk recovers them in enqueue order.
type journal struct {
	db *bolt.DB
}

func openJournal(path string) (*journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(journalBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal bucket: %w", err)
	}
	return &journal{db: db}, nil
}

func (j *journal) load() ([]entry, error) {
	var entries []entry
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(journalBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var record types.OperationRecord
			if err := record.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("decode journal entry: %w", err)
			}
			entries = append(entries, entry{seq: binary.BigEndian.Uint64(k), record: record})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (j *journal) append(e entry) error {
	payload, err := e.record.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(journalBucket).Put(seqKey(e.seq), payload)
	})
}

func (j *journal) remove(seq uint64) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(journalBucket).Delete(seqKey(seq))
	})
}

func (j *journal) close() error {
	return j.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
