// Package memstore provides in-memory implementations of the storage
// contracts. Tests use them for failure injection; callers embedding the
// engine without a managed backend can use them as a volatile stand-in.
package memstore

import (
	"context"
	"sync"

	"github.com/duetlabs/pairsync/internal/storage"
	"github.com/duetlabs/pairsync/internal/types"
)

// ─── LocalStore ──────────────────────────────────────────────────────────────

// KV is a goroutine-safe in-memory LocalStore.
//
// FailWrites, when set, makes Set and Remove return the given error without
// mutating state — used to exercise the queue's persist-failure path.
type KV struct {
	mu         sync.RWMutex
	data       map[string][]byte
	FailWrites error
}

var _ storage.LocalStore = (*KV)(nil)

// NewKV creates an empty in-memory key-value store.
func NewKV() *KV {
	return &KV{data: make(map[string][]byte)}
}

// Get returns the value stored under key, or storage.ErrNotFound.
func (s *KV) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), val...), nil
}

// Set stores value under key.
func (s *KV) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Remove deletes key.
func (s *KV) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	delete(s.data, key)
	return nil
}

// Close is a no-op.
func (s *KV) Close() error { return nil }

// ─── RemoteStore ─────────────────────────────────────────────────────────────

// Remote is a goroutine-safe in-memory RemoteStore with change-event fan-out.
//
// FailNext, when non-nil, makes the next mutating call return the given
// error and resets itself; FailAll makes every call fail until cleared.
// Both are used to simulate an unreachable or rejecting backend.
type Remote struct {
	mu      sync.Mutex
	tables  map[string]map[string]types.Record
	subs    []remoteSub
	FailNext error
	FailAll  error
}

type remoteSub struct {
	ctx   context.Context
	table string
	fn    func(storage.ChangeEvent)
}

var _ storage.RemoteStore = (*Remote)(nil)

// NewRemote creates an empty in-memory remote store.
func NewRemote() *Remote {
	return &Remote{tables: make(map[string]map[string]types.Record)}
}

func (r *Remote) takeErr() error {
	if r.FailAll != nil {
		return r.FailAll
	}
	if err := r.FailNext; err != nil {
		r.FailNext = nil
		return err
	}
	return nil
}

// Insert creates a row keyed by its "id" field.
func (r *Remote) Insert(ctx context.Context, table string, record types.Record) (types.Record, error) {
	r.mu.Lock()
	if err := r.takeErr(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	id, _ := record["id"].(string)
	t := r.tables[table]
	if t == nil {
		t = make(map[string]types.Record)
		r.tables[table] = t
	}
	t[id] = cloneRecord(record)
	stored := cloneRecord(record)
	r.mu.Unlock()

	r.notify(storage.ChangeEvent{Kind: storage.ChangeInsert, Table: table, ID: id, Record: cloneRecord(record)})
	return stored, nil
}

// Update applies partial on top of the stored row.
func (r *Remote) Update(ctx context.Context, table, id string, partial types.Record) (types.Record, error) {
	r.mu.Lock()
	if err := r.takeErr(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	row, ok := r.tables[table][id]
	if !ok {
		r.mu.Unlock()
		return nil, storage.ErrNotFound
	}
	for k, v := range partial {
		row[k] = v
	}
	stored := cloneRecord(row)
	r.mu.Unlock()

	r.notify(storage.ChangeEvent{Kind: storage.ChangeUpdate, Table: table, ID: id, Record: cloneRecord(stored)})
	return stored, nil
}

// Delete removes the row. Deleting an absent row is not an error.
func (r *Remote) Delete(ctx context.Context, table, id string) error {
	r.mu.Lock()
	if err := r.takeErr(); err != nil {
		r.mu.Unlock()
		return err
	}
	if t, ok := r.tables[table]; ok {
		delete(t, id)
	}
	r.mu.Unlock()

	r.notify(storage.ChangeEvent{Kind: storage.ChangeDelete, Table: table, ID: id})
	return nil
}

// SelectByID returns the row with the given id, or storage.ErrNotFound.
func (r *Remote) SelectByID(ctx context.Context, table, id string) (types.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeErr(); err != nil {
		return nil, err
	}
	row, ok := r.tables[table][id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneRecord(row), nil
}

// SelectWhere returns all rows matching every key/value pair in filter.
func (r *Remote) SelectWhere(ctx context.Context, table string, filter types.Record) ([]types.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeErr(); err != nil {
		return nil, err
	}
	var out []types.Record
	for _, row := range r.tables[table] {
		match := true
		for k, v := range filter {
			if row[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, cloneRecord(row))
		}
	}
	return out, nil
}

// Subscribe registers fn to receive change events until ctx is cancelled.
func (r *Remote) Subscribe(ctx context.Context, table string, fn func(storage.ChangeEvent)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, remoteSub{ctx: ctx, table: table, fn: fn})
	return nil
}

// notify fans the event out to live subscribers, dropping cancelled ones.
func (r *Remote) notify(ev storage.ChangeEvent) {
	r.mu.Lock()
	live := r.subs[:0]
	var targets []func(storage.ChangeEvent)
	for _, sub := range r.subs {
		if sub.ctx.Err() != nil {
			continue
		}
		live = append(live, sub)
		if sub.table == "" || sub.table == ev.Table {
			targets = append(targets, sub.fn)
		}
	}
	r.subs = live
	r.mu.Unlock()

	for _, fn := range targets {
		fn(ev)
	}
}

// Seed stores record directly without emitting a change event.
// Test setup helper.
func (r *Remote) Seed(table string, record types.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, _ := record["id"].(string)
	t := r.tables[table]
	if t == nil {
		t = make(map[string]types.Record)
		r.tables[table] = t
	}
	t[id] = cloneRecord(record)
}

func cloneRecord(rec types.Record) types.Record {
	if rec == nil {
		return nil
	}
	out := make(types.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
