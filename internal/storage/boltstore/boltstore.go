// Package boltstore implements storage.LocalStore on top of bbolt.
//
// bbolt is chosen because it is:
//   - Pure Go (no CGO, no external process)
//   - ACID — a snapshot write either fully lands or is fully absent, even
//     after a crash mid-write
//   - Single file (pairsync.db inside the data directory)
//   - Well-maintained (used by etcd in production)
//
// The queue persists its full state as one value under one key, so a single
// bucket of opaque JSON blobs is all the schema this store needs.
package boltstore

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/duetlabs/pairsync/internal/storage"
)

var bucketKV = []byte("kv")

// Store is a bbolt-backed LocalStore.
type Store struct {
	db *bbolt.DB
}

var _ storage.LocalStore = (*Store)(nil)

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	opts := &bbolt.Options{Timeout: 0} // non-blocking open
	db, err := bbolt.Open(path, 0o640, opts)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltstore: init bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Get returns the value stored under key, or storage.ErrNotFound.
func (s *Store) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketKV).Get([]byte(key))
		if val == nil {
			return storage.ErrNotFound
		}
		// bbolt values are only valid inside the transaction; copy out.
		out = append([]byte(nil), val...)
		return nil
	})
	return out, err
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key string, value []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("boltstore: set %s: %w", key, err)
	}
	return nil
}

// Remove deletes key. Removing an absent key is not an error.
func (s *Store) Remove(key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("boltstore: remove %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}
