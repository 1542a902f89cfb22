package projection

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketGraph = []byte("graph")
	bucketMeta  = []byte("meta")

	keySnapshot       = []byte("snapshot")
	keyLastAppliedSeq = []byte("last_applied_seq")
)

// SnapshotStore persists the projection between restarts so the projector can
// resume from the last applied sequence instead of replaying the whole
// journal. The graph is small relative to the journal; it is stored whole.
type SnapshotStore struct {
	db *bolt.DB
}

// OpenSnapshotStore opens (creating if needed) the snapshot database under
// dataDir.
func OpenSnapshotStore(dataDir string) (*SnapshotStore, error) {
	dbPath := filepath.Join(dataDir, "projection.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open projection database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketGraph, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &SnapshotStore{db: db}, nil
}

// Close closes the database
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

// Save persists the graph and the sequence it reflects in one transaction.
func (s *SnapshotStore) Save(g *Graph, lastAppliedSeq uint64) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketGraph).Put(keySnapshot, data); err != nil {
			return err
		}
		var seq [8]byte
		binary.BigEndian.PutUint64(seq[:], lastAppliedSeq)
		return tx.Bucket(bucketMeta).Put(keyLastAppliedSeq, seq[:])
	})
}

// Load returns the persisted graph and its sequence, or an empty graph at
// sequence 0 when no snapshot exists.
func (s *SnapshotStore) Load() (*Graph, uint64, error) {
	g := NewGraph()
	var seq uint64

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketGraph).Get(keySnapshot)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, g); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		if raw := tx.Bucket(bucketMeta).Get(keyLastAppliedSeq); len(raw) == 8 {
			seq = binary.BigEndian.Uint64(raw)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	g.normalize()
	return g, seq, nil
}

// Reset drops the snapshot so the next load starts from genesis.
func (s *SnapshotStore) Reset() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketGraph).Delete(keySnapshot); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Delete(keyLastAppliedSeq)
	})
}
