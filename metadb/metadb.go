// Package metadb implements the legacy index.meta cold-start hint described
// in spec §3/§9 Open Questions: a single (segment, offset) pair, persisted
// with bbolt, that exists purely to give a fresh process a hint about where
// the writer last was before it has mapped the Control Block. It is never
// authoritative — the Control Block always wins once mapped — which is why
// this demotes the teacher's MetaStore (the authoritative persisted segment
// catalog in dreamsxin-wal) to a single best-effort bucket entry.
package metadb

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketName = []byte("hint")
	hintKey    = []byte("last_position")
)

// Hint is the cold-start position estimate.
type Hint struct {
	SegmentID   uint32
	WriteOffset uint64
}

// DB wraps a bbolt database holding exactly one hint record.
type DB struct {
	bolt *bolt.DB
}

// Open opens (creating if absent) the hint store at path.
func Open(path string) (*DB, error) {
	b, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("metadb: open %s: %w", path, err)
	}
	err = b.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("metadb: init bucket: %w", err)
	}
	return &DB{bolt: b}, nil
}

// Load reads the stored hint. ok is false if no hint has ever been written
// (a brand-new log).
func (db *DB) Load() (Hint, bool, error) {
	var h Hint
	var ok bool
	err := db.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(hintKey)
		if v == nil || len(v) < 12 {
			return nil
		}
		h.SegmentID = binary.LittleEndian.Uint32(v[0:])
		h.WriteOffset = binary.LittleEndian.Uint64(v[4:])
		ok = true
		return nil
	})
	if err != nil {
		return Hint{}, false, fmt.Errorf("metadb: load: %w", err)
	}
	return h, ok, nil
}

// Store persists a fresh hint. Callers (the writer's roll path) call this
// best-effort on each roll; a failure here is logged as a metric, never
// fatal, since the Control Block remains authoritative regardless (spec §9).
func (db *DB) Store(h Hint) error {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:], h.SegmentID)
	binary.LittleEndian.PutUint64(buf[4:], h.WriteOffset)
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(hintKey, buf)
	})
	if err != nil {
		return fmt.Errorf("metadb: store: %w", err)
	}
	return nil
}

// Close closes the underlying bbolt database.
func (db *DB) Close() error { return db.bolt.Close() }
