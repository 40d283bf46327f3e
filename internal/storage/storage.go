// Package storage defines the two collaborator contracts PairSync builds on:
// a durable local key-value store and a remote row store.
//
// Design principle: the queue, resolver, and coordinator must ONLY interact
// with persistence through these interfaces. Never call file or network I/O
// directly. This keeps every layer testable against the in-memory
// implementations and makes the backing stores swappable without touching
// sync logic.
package storage

import (
	"context"
	"errors"

	"github.com/duetlabs/pairsync/internal/types"
)

// ErrNotFound is returned when a key or row does not exist.
var ErrNotFound = errors.New("storage: not found")

// ─── Local durable store ─────────────────────────────────────────────────────

// LocalStore is an opaque JSON key-value store on the device.
//
// The store guarantees nothing beyond single-key atomicity; callers that
// need a consistent multi-record snapshot (the queue) compensate by always
// writing their full state as a single value under one key.
//
// All methods must be safe for concurrent use.
type LocalStore interface {
	// Get returns the raw JSON stored under key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Set stores raw JSON under key, replacing any previous value.
	Set(key string, value []byte) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(key string) error

	// Close releases any underlying resources.
	Close() error
}

// ─── Remote row store ────────────────────────────────────────────────────────

// ChangeKind is the kind of a remotely-observed row change.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent is a single row change pushed by the remote store's
// change-notification feed. Record is nil for deletes.
type ChangeEvent struct {
	Kind   ChangeKind
	Table  string
	ID     string
	Record types.Record
}

// RemoteStore is the managed backend, viewed as a set of logical tables of
// JSON rows. Every row carries an "id" field.
//
// All methods must honour ctx cancellation and be safe for concurrent use.
type RemoteStore interface {
	// Insert creates a row. The record must carry its "id".
	Insert(ctx context.Context, table string, record types.Record) (types.Record, error)

	// Update applies a partial record to the row with the given id and
	// returns the stored row. ErrNotFound if the row does not exist.
	Update(ctx context.Context, table, id string, partial types.Record) (types.Record, error)

	// Delete removes the row with the given id. Deleting an absent row is
	// not an error.
	Delete(ctx context.Context, table, id string) error

	// SelectByID returns the row with the given id, or ErrNotFound.
	SelectByID(ctx context.Context, table, id string) (types.Record, error)

	// SelectWhere returns all rows whose fields match every key/value pair
	// in filter. An empty filter selects the whole table.
	SelectWhere(ctx context.Context, table string, filter types.Record) ([]types.Record, error)

	// Subscribe registers fn to receive change events for table until ctx
	// is cancelled. An empty table subscribes to all tables.
	Subscribe(ctx context.Context, table string, fn func(ChangeEvent)) error
}
