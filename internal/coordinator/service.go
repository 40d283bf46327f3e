package coordinator

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/uuid"

	"github.com/duetlabs/pairsync/internal/queue"
	"github.com/duetlabs/pairsync/internal/storage"
	"github.com/duetlabs/pairsync/internal/types"
)

// Service is the conflict-aware storage surface for one entity kind.
// Obtain instances from Coordinator.Tasks / Coordinator.Users.
type Service struct {
	c     *Coordinator
	kind  string
	table string
}

// WriteOptions tune how a deferred mutation is queued when the write
// cannot complete synchronously. The zero value uses medium priority and
// the queue's default retry budget.
type WriteOptions struct {
	Priority   types.Priority
	MaxRetries int
	DependsOn  []string
}

func defaultWriteOptions() WriteOptions {
	return WriteOptions{Priority: types.PriorityMedium}
}

// Save writes a full record. Rows without an "id" are assigned one.
//
// When the connection is available the write goes straight to the remote
// store, with any conflict against the latest remote row resolved first.
// When offline, or when the remote write fails, the mutation is enqueued
// and Save reports optimistic success: the returned record is the local
// version, and its durable effect is deferred until the queue drains.
func (s *Service) Save(ctx context.Context, rec types.Record) (types.Record, error) {
	return s.SaveWith(ctx, rec, defaultWriteOptions())
}

// SaveWith is Save with explicit queueing options for the offline path.
func (s *Service) SaveWith(ctx context.Context, rec types.Record, opts WriteOptions) (types.Record, error) {
	if rec == nil {
		return nil, fmt.Errorf("%s: save: nil record", s.kind)
	}

	id, ok := recordID(rec)
	if !ok {
		id = uuid.NewString()
		rec = copyRecord(rec)
		rec["id"] = id
	}

	if s.c.mon.IsConnectionAvailable() {
		stored, err := s.c.writeResolved(ctx, s.kind, s.table, id, rec)
		if err == nil {
			s.c.cachePut(s.table, id, stored)
			return stored, nil
		}
		s.c.log.Warn().Err(err).
			Str("kind", s.kind).
			Str("id", id).
			Msg("remote write failed, deferring to queue")
	}

	if err := s.enqueueSave(id, rec, opts); err != nil {
		return nil, fmt.Errorf("%s: save %s: %w", s.kind, id, err)
	}
	s.c.cachePut(s.table, id, rec)
	return rec, nil
}

// Delete removes a row, deferring to the queue when offline.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.DeleteWith(ctx, id, defaultWriteOptions())
}

// DeleteWith is Delete with explicit queueing options for the offline path.
func (s *Service) DeleteWith(ctx context.Context, id string, opts WriteOptions) error {
	if id == "" {
		return fmt.Errorf("%s: delete: empty id", s.kind)
	}

	if s.c.mon.IsConnectionAvailable() {
		err := s.c.remote.Delete(ctx, s.table, id)
		if err == nil {
			s.c.cacheRemove(s.table, id)
			return nil
		}
		s.c.log.Warn().Err(err).
			Str("kind", s.kind).
			Str("id", id).
			Msg("remote delete failed, deferring to queue")
	}

	if err := s.enqueueDelete(id, opts); err != nil {
		return fmt.Errorf("%s: delete %s: %w", s.kind, id, err)
	}
	s.c.cacheRemove(s.table, id)
	return nil
}

// Get returns a row, falling back to the local cache while offline.
func (s *Service) Get(ctx context.Context, id string) (types.Record, error) {
	if s.c.mon.IsConnectionAvailable() {
		rec, err := s.c.remote.SelectByID(ctx, s.table, id)
		if err == nil {
			s.c.cachePut(s.table, id, rec)
			return rec, nil
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		s.c.log.Warn().Err(err).
			Str("kind", s.kind).
			Str("id", id).
			Msg("remote read failed, serving cached row")
	}

	if rec, ok := s.c.cacheGet(s.table, id); ok {
		return rec, nil
	}
	return nil, fmt.Errorf("%s: get %s: %w", s.kind, id, storage.ErrNotFound)
}

// List returns rows matching the filter (empty filter selects everything),
// falling back to the local cache while offline.
func (s *Service) List(ctx context.Context, filter types.Record) ([]types.Record, error) {
	if s.c.mon.IsConnectionAvailable() {
		rows, err := s.c.remote.SelectWhere(ctx, s.table, filter)
		if err == nil {
			for _, rec := range rows {
				if id, ok := recordID(rec); ok {
					s.c.cachePut(s.table, id, rec)
				}
			}
			return rows, nil
		}
		s.c.log.Warn().Err(err).
			Str("kind", s.kind).
			Msg("remote query failed, serving cached rows")
	}

	var out []types.Record
	for _, rec := range s.c.cacheList(s.table) {
		if matchesFilter(rec, filter) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ─── Queue handoff ────────────────────────────────────────────────────────────

func (s *Service) enqueueSave(id string, rec types.Record, opts WriteOptions) error {
	p := savePayload{Kind: s.kind, Table: s.table, ID: id, Record: rec}
	return s.enqueue(opType("save", s.kind), p, opts)
}

func (s *Service) enqueueDelete(id string, opts WriteOptions) error {
	p := deletePayload{Kind: s.kind, Table: s.table, ID: id}
	return s.enqueue(opType("delete", s.kind), p, opts)
}

func (s *Service) enqueue(typeTag string, payload any, opts WriteOptions) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	_, err = s.c.queue.Enqueue(typeTag, data, queue.EnqueueOptions{
		Priority:   opts.Priority,
		MaxRetries: opts.MaxRetries,
		OwnerID:    s.c.ownerID,
		DependsOn:  opts.DependsOn,
	})
	return err
}

// matchesFilter reports whether every key/value pair in filter is present
// and deep-equal in rec.
func matchesFilter(rec, filter types.Record) bool {
	for k, want := range filter {
		got, ok := rec[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
