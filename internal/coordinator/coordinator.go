// Package coordinator layers conflict-aware storage services over the
// remote row store.
//
// Every mutating call follows the same path: attempt the remote write
// immediately, detecting and resolving conflicts against the latest remote
// row first; if the link is down or the write fails, hand the mutation to
// the offline queue and report optimistic success. A local row cache keeps
// reads working while disconnected and gives conflict detection a baseline
// when remote change events arrive.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/duetlabs/pairsync/internal/connmon"
	"github.com/duetlabs/pairsync/internal/queue"
	"github.com/duetlabs/pairsync/internal/remote"
	"github.com/duetlabs/pairsync/internal/resolver"
	"github.com/duetlabs/pairsync/internal/storage"
	"github.com/duetlabs/pairsync/internal/types"
)

// ─── Construction ─────────────────────────────────────────────────────────────

// Coordinator owns the storage services and the queue processors that
// replay deferred mutations. Construct it once at application start and
// share it; all methods are safe for concurrent use.
type Coordinator struct {
	remote  storage.RemoteStore
	local   storage.LocalStore
	queue   *queue.Queue
	res     *resolver.Resolver
	mon     *connmon.Monitor
	log     zerolog.Logger
	ownerID string
}

// New wires a Coordinator and registers its queue processors. ownerID tags
// every enqueued operation with the session that created it.
func New(
	rs storage.RemoteStore,
	ls storage.LocalStore,
	q *queue.Queue,
	res *resolver.Resolver,
	mon *connmon.Monitor,
	log zerolog.Logger,
	ownerID string,
) *Coordinator {
	c := &Coordinator{
		remote:  rs,
		local:   ls,
		queue:   q,
		res:     res,
		mon:     mon,
		log:     log,
		ownerID: ownerID,
	}
	c.registerProcessors()
	return c
}

// Tasks returns the conflict-aware storage service for task rows.
func (c *Coordinator) Tasks() *Service {
	return &Service{c: c, kind: resolver.KindTask, table: "tasks"}
}

// Users returns the conflict-aware storage service for user rows.
func (c *Coordinator) Users() *Service {
	return &Service{c: c, kind: resolver.KindUser, table: "users"}
}

// ─── Deferred-mutation payloads ───────────────────────────────────────────────

// Queue payloads are tagged unions keyed by operation type. Each processor
// validates its own shape at the boundary rather than trusting the bytes.

type savePayload struct {
	Kind   string       `json:"kind"`
	Table  string       `json:"table"`
	ID     string       `json:"id"`
	Record types.Record `json:"record"`
}

type deletePayload struct {
	Kind  string `json:"kind"`
	Table string `json:"table"`
	ID    string `json:"id"`
}

func opType(verb, kind string) string { return verb + "_" + kind }

func encodePayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

func (c *Coordinator) registerProcessors() {
	for _, kind := range []string{resolver.KindTask, resolver.KindUser} {
		c.queue.RegisterProcessor(opType("save", kind), c.processSave)
		c.queue.RegisterProcessor(opType("delete", kind), c.processDelete)
	}
}

// processSave replays a deferred save: re-fetch the latest remote row,
// re-run conflict resolution against it, then apply the winner. The row may
// have moved on since the operation was enqueued, so resolution cannot be
// done ahead of time.
func (c *Coordinator) processSave(ctx context.Context, op *types.Operation) error {
	var p savePayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return queue.Permanent(fmt.Errorf("decode save payload: %w", err))
	}
	if p.Table == "" || p.ID == "" || p.Record == nil {
		return queue.Permanent(fmt.Errorf("save payload missing table/id/record"))
	}

	stored, err := c.writeResolved(ctx, p.Kind, p.Table, p.ID, p.Record)
	if err != nil {
		return classify(err)
	}
	c.cachePut(p.Table, p.ID, stored)
	return nil
}

func (c *Coordinator) processDelete(ctx context.Context, op *types.Operation) error {
	var p deletePayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return queue.Permanent(fmt.Errorf("decode delete payload: %w", err))
	}
	if p.Table == "" || p.ID == "" {
		return queue.Permanent(fmt.Errorf("delete payload missing table/id"))
	}

	if err := c.remote.Delete(ctx, p.Table, p.ID); err != nil {
		return classify(err)
	}
	c.cacheRemove(p.Table, p.ID)
	return nil
}

// classify marks remote rejections that cannot succeed on retry as
// permanent so the queue dead-letters them immediately instead of burning
// the retry budget.
func classify(err error) error {
	var ae *remote.APIError
	if errors.As(err, &ae) {
		switch ae.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
			http.StatusUnprocessableEntity:
			return queue.Permanent(err)
		}
	}
	return err
}

// ─── Remote write with conflict resolution ────────────────────────────────────

// writeResolved fetches the latest remote row, resolves any conflict with
// the attempted record, and applies the result. A missing remote row means
// the write is an insert with nothing to conflict with.
func (c *Coordinator) writeResolved(ctx context.Context, kind, table, id string, rec types.Record) (types.Record, error) {
	current, err := c.remote.SelectByID(ctx, table, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.remote.Insert(ctx, table, rec)
		}
		return nil, err
	}

	applied := rec
	if conflict := c.res.Detect(rec, current, kind, id); conflict != nil {
		resolution, rerr := c.res.Resolve(conflict)
		if rerr != nil {
			return nil, fmt.Errorf("resolve %s/%s: %w", kind, id, rerr)
		}
		c.log.Info().
			Str("kind", kind).
			Str("id", id).
			Strs("fields", conflict.ConflictingFields).
			Str("strategy", string(resolution.Strategy)).
			Msg("conflict resolved before write")
		applied = resolution.Record
	}

	stamped := copyRecord(applied)
	stamped["updatedAt"] = time.Now().UTC().Format(time.RFC3339)
	return c.remote.Update(ctx, table, id, stamped)
}

// ─── Local row cache ──────────────────────────────────────────────────────────

// Cached rows live under one key per row plus one index key per table, so
// offline reads and list queries keep working from the last known state.

const cachePrefix = "pairsync/cache/"

func rowKey(table, id string) string { return cachePrefix + table + "/" + id }
func indexKey(table string) string   { return cachePrefix + table }

func (c *Coordinator) cachePut(table, id string, rec types.Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		c.log.Warn().Err(err).Str("table", table).Str("id", id).Msg("cache marshal failed")
		return
	}
	if err := c.local.Set(rowKey(table, id), data); err != nil {
		c.log.Warn().Err(err).Str("table", table).Str("id", id).Msg("cache write failed")
		return
	}
	c.indexAdd(table, id)
}

func (c *Coordinator) cacheGet(table, id string) (types.Record, bool) {
	data, err := c.local.Get(rowKey(table, id))
	if err != nil {
		return nil, false
	}
	var rec types.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false
	}
	return rec, true
}

func (c *Coordinator) cacheRemove(table, id string) {
	if err := c.local.Remove(rowKey(table, id)); err != nil {
		c.log.Warn().Err(err).Str("table", table).Str("id", id).Msg("cache remove failed")
	}
	c.indexRemove(table, id)
}

func (c *Coordinator) cacheList(table string) []types.Record {
	ids := c.indexLoad(table)
	out := make([]types.Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := c.cacheGet(table, id); ok {
			out = append(out, rec)
		}
	}
	return out
}

func (c *Coordinator) indexLoad(table string) []string {
	data, err := c.local.Get(indexKey(table))
	if err != nil {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil
	}
	return ids
}

func (c *Coordinator) indexSave(table string, ids []string) {
	sort.Strings(ids)
	data, err := json.Marshal(ids)
	if err != nil {
		return
	}
	if err := c.local.Set(indexKey(table), data); err != nil {
		c.log.Warn().Err(err).Str("table", table).Msg("cache index write failed")
	}
}

func (c *Coordinator) indexAdd(table, id string) {
	ids := c.indexLoad(table)
	for _, existing := range ids {
		if existing == id {
			return
		}
	}
	c.indexSave(table, append(ids, id))
}

func (c *Coordinator) indexRemove(table, id string) {
	ids := c.indexLoad(table)
	for i, existing := range ids {
		if existing == id {
			c.indexSave(table, append(ids[:i], ids[i+1:]...))
			return
		}
	}
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func copyRecord(rec types.Record) types.Record {
	out := make(types.Record, len(rec)+1)
	for k, v := range rec {
		out[k] = v
	}
	return out
}

// recordID extracts the "id" field of a row.
func recordID(rec types.Record) (string, bool) {
	v, ok := rec["id"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && strings.TrimSpace(s) != ""
}
