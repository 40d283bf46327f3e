package queue

// persist.go — wholesale snapshot persistence.
//
// The local store offers no multi-key atomicity, so the queue writes each
// list as a single JSON value under one key. A crash mid-write leaves either
// the old snapshot or the new one, never a half state. CreatedAt travels as
// RFC3339 (encoding/json's time.Time default) and parses back on load.

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/duetlabs/pairsync/internal/storage"
	"github.com/duetlabs/pairsync/internal/types"
)

const (
	// KeyQueue holds the serialized main queue.
	KeyQueue = "pairsync/queue"
	// KeyDeadLetter holds the serialized dead-letter queue.
	KeyDeadLetter = "pairsync/deadletter"
)

// snapshot is the encoded form of both lists, marshalled under the lock and
// written after it is released.
type snapshot struct {
	queue []byte
	dead  []byte
	err   error
}

// snapshotLocked marshals both lists. Caller must hold q.mu.
func (q *Queue) snapshotLocked() snapshot {
	qb, err := json.Marshal(q.ops)
	if err != nil {
		return snapshot{err: fmt.Errorf("marshal queue: %w", err)}
	}
	db, err := json.Marshal(q.dead)
	if err != nil {
		return snapshot{err: fmt.Errorf("marshal dead letters: %w", err)}
	}
	return snapshot{queue: qb, dead: db}
}

// persist writes snap to the local store, logging failures instead of
// returning them: the in-memory queue stays authoritative and the next
// successful persist heals the gap.
func (q *Queue) persist(snap snapshot) {
	if err := q.persistErr(snap); err != nil {
		q.log.Warn().Err(err).Msg("persist queue state")
	}
}

func (q *Queue) persistErr(snap snapshot) error {
	if snap.err != nil {
		return snap.err
	}
	if err := q.store.Set(KeyQueue, snap.queue); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	if err := q.store.Set(KeyDeadLetter, snap.dead); err != nil {
		return fmt.Errorf("persist dead letters: %w", err)
	}
	return nil
}

// load rebuilds both lists from the local store. A missing key is a fresh
// install, not an error. The sort order is re-established after load rather
// than trusted from disk.
func (q *Queue) load() error {
	ops, err := loadList(q.store, KeyQueue)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	dead, err := loadList(q.store, KeyDeadLetter)
	if err != nil {
		return fmt.Errorf("load dead letters: %w", err)
	}

	q.mu.Lock()
	q.ops = ops
	q.dead = dead
	q.sortOps()
	q.mu.Unlock()
	return nil
}

func loadList(store PersistentStore, key string) ([]*types.Operation, error) {
	data, err := store.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var ops []*types.Operation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return ops, nil
}
