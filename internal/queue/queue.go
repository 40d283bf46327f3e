// Package queue implements the durable offline operation queue at the heart
// of PairSync: mutations made while disconnected are buffered here and
// replayed in priority order once connectivity returns.
//
// Architecture:
//   - "ops" is a single slice kept sorted (priority desc, createdAt asc);
//     the sort is re-established after every mutation so a drain pass always
//     sees a total order.
//   - "dead" holds operations that exhausted their retries. They are parked,
//     not lost — RetryDeadLetters moves them back.
//   - A drain pass takes a bounded batch, runs each operation's registered
//     processor, and converts failures into retry or dead-letter bookkeeping.
//     Processor errors never escape Drain.
//   - The full queue + dead-letter state is persisted wholesale to the local
//     store after every enqueue and every drain pass. Persist failures are
//     logged; the in-memory state stays authoritative until the next
//     successful write.
//
// All public methods are safe for concurrent use. Mutations happen under a
// single mutex; durable-store writes happen after it is released.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/duetlabs/pairsync/internal/device"
	"github.com/duetlabs/pairsync/internal/metrics"
	"github.com/duetlabs/pairsync/internal/types"
)

// ─── Errors ──────────────────────────────────────────────────────────────────

// ErrQueueFull is returned by Enqueue when the queue is at capacity and
// retention-window eviction could not free a slot. Rejecting loudly beats
// silently dropping someone else's queued mutation.
var ErrQueueFull = errors.New("queue: at capacity")

// ErrNoProcessor marks an attempt on an operation type with no registered
// handler. It is surfaced as a failed attempt and counted against retries.
var ErrNoProcessor = errors.New("queue: no processor registered")

// permanentError wraps an error that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable: the operation is dead-lettered on
// the next failure instead of consuming its remaining retry budget.
// Processors use this for rejections where the outcome cannot change
// (validation failures, authorization errors).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// ─── Config ──────────────────────────────────────────────────────────────────

// Processor handles one operation type. A nil return removes the operation
// from the queue; an error schedules a retry (or dead-letters the operation
// once retries are exhausted, or immediately for Permanent errors).
type Processor func(ctx context.Context, op *types.Operation) error

// Config holds tunable parameters for a Queue instance.
// Zero values fall back to DefaultConfig().
type Config struct {
	// MaxOperations caps the main queue length. When a new enqueue would
	// exceed it, low-priority operations older than Retention are evicted
	// first; if that frees nothing, Enqueue returns ErrQueueFull.
	MaxOperations int

	// MaxRetries is how many processing attempts are allowed before an
	// operation is dead-lettered. Applies when the caller passes 0.
	MaxRetries int

	// BatchSize is the maximum number of operations handled per drain pass.
	BatchSize int

	// Retention is the age past which low-priority entries become eligible
	// for capacity eviction, and past which dead-letter entries are swept
	// by the janitor.
	Retention time.Duration

	// JanitorInterval is how often the dead-letter sweep runs.
	// Zero disables the janitor.
	JanitorInterval time.Duration
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{
		MaxOperations: 1000,
		MaxRetries:    3,
		BatchSize:     10,
		Retention:     24 * time.Hour,
	}
}

// ─── Queue ───────────────────────────────────────────────────────────────────

// Queue is the durable, priority-ordered offline operation queue.
type Queue struct {
	store PersistentStore
	cfg   Config
	log   zerolog.Logger
	reg   *metrics.Registry

	mu         sync.Mutex
	ops        []*types.Operation // sorted: priority desc, createdAt asc
	dead       []*types.Operation
	processors map[string]Processor
	draining   bool

	// online reports whether the transport is currently usable; consulted
	// by RetryDeadLetters to decide whether to drain immediately.
	// Nil means "assume online".
	online func() bool

	janitorDone chan struct{}
	janitorWG   sync.WaitGroup
}

// PersistentStore is the slice of storage.LocalStore the queue needs.
// Declared here so tests can hand in a minimal fake.
type PersistentStore interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
}

// New creates a Queue, reloads any persisted state from store, and starts
// the dead-letter janitor when configured.
//
// A load failure is logged and the queue starts empty — a device that lost
// its snapshot should keep syncing rather than refuse to start.
//
// Call Close() when the queue is no longer needed.
func New(store PersistentStore, cfg Config, log zerolog.Logger, reg *metrics.Registry) *Queue {
	def := DefaultConfig()
	if cfg.MaxOperations <= 0 {
		cfg.MaxOperations = def.MaxOperations
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}

	q := &Queue{
		store:       store,
		cfg:         cfg,
		log:         log,
		reg:         reg,
		processors:  make(map[string]Processor),
		janitorDone: make(chan struct{}),
	}

	if err := q.load(); err != nil {
		q.log.Warn().Err(err).Msg("load persisted queue state; starting empty")
	}

	if cfg.JanitorInterval > 0 {
		q.janitorWG.Add(1)
		go q.janitorLoop()
	}
	return q
}

// SetOnline installs the connectivity probe consulted by RetryDeadLetters.
func (q *Queue) SetOnline(fn func() bool) {
	q.mu.Lock()
	q.online = fn
	q.mu.Unlock()
}

// RegisterProcessor binds a handler to an operation type, replacing any
// previous handler for that type. Exactly one handler serves each type.
func (q *Queue) RegisterProcessor(opType string, p Processor) {
	q.mu.Lock()
	q.processors[opType] = p
	q.mu.Unlock()
}

// ─── Enqueue ─────────────────────────────────────────────────────────────────

// EnqueueOptions tune a single Enqueue call. Zero values mean: medium
// priority, the queue's default retry budget, no owner, no dependencies.
type EnqueueOptions struct {
	Priority   types.Priority
	MaxRetries int
	OwnerID    string
	DependsOn  []string
}

// Enqueue buffers a mutation and returns the new operation's ID.
//
// Capacity policy: when the queue is full, low-priority operations older
// than the retention window are evicted first. If eviction frees nothing,
// Enqueue returns ErrQueueFull — the caller sees an explicit capacity error
// instead of a silent drop.
//
// The full queue state is persisted before returning; a persist failure is
// logged but does not fail the enqueue (the in-memory queue remains
// authoritative).
func (q *Queue) Enqueue(opType string, payload []byte, opts EnqueueOptions) (string, error) {
	id, err := device.NewID()
	if err != nil {
		return "", fmt.Errorf("enqueue: generate id: %w", err)
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.cfg.MaxRetries
	}

	op := &types.Operation{
		ID:         id,
		Type:       opType,
		Payload:    payload,
		CreatedAt:  time.Now(),
		MaxRetries: maxRetries,
		Priority:   opts.Priority,
		OwnerID:    opts.OwnerID,
		DependsOn:  append([]string(nil), opts.DependsOn...),
	}

	q.mu.Lock()
	if len(q.ops) >= q.cfg.MaxOperations {
		evicted := q.evictStaleLowPriority()
		if evicted == 0 && len(q.ops) >= q.cfg.MaxOperations {
			q.mu.Unlock()
			return "", fmt.Errorf("%w (%d operations)", ErrQueueFull, q.cfg.MaxOperations)
		}
	}
	q.ops = append(q.ops, op)
	q.sortOps()
	snap := q.snapshotLocked()
	q.mu.Unlock()

	q.reg.IncEnqueued(metrics.OpKey(opType, op.Priority.String()))
	q.persist(snap)

	return id, nil
}

// evictStaleLowPriority drops low-priority entries older than the retention
// window. Caller must hold q.mu. Returns the number evicted.
func (q *Queue) evictStaleLowPriority() int {
	cutoff := time.Now().Add(-q.cfg.Retention)
	kept := q.ops[:0]
	evicted := 0
	for _, op := range q.ops {
		if op.Priority == types.PriorityLow && op.CreatedAt.Before(cutoff) {
			evicted++
			q.reg.IncEvicted(metrics.OpKey(op.Type, op.Priority.String()))
			q.log.Debug().Str("op_id", op.ID).Str("op_type", op.Type).Msg("evicted stale low-priority operation")
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept
	return evicted
}

// sortOps re-establishes the queue's total order: priority desc, createdAt
// asc, ULID as the final tie-break. Caller must hold q.mu.
func (q *Queue) sortOps() {
	sort.SliceStable(q.ops, func(i, j int) bool {
		a, b := q.ops[i], q.ops[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// ─── Drain ───────────────────────────────────────────────────────────────────

// DrainResult summarises one drain pass.
type DrainResult struct {
	Processed    int // removed from the queue after a successful attempt
	Failed       int // failed attempts that stay queued for retry
	DeadLettered int // moved to the dead-letter queue this pass
	Blocked      int // skipped because a dependency is still queued
}

// Drain processes up to BatchSize operations in queue order.
//
// Operations whose dependencies are still present in the main queue are
// deferred to the end of the pass (keeping their relative order); if their
// dependencies leave the queue during the pass they are attempted in the
// same pass, otherwise they stay queued untouched.
//
// Only one drain may be active at a time: a re-entrant call is a no-op
// returning an empty result. Enqueue may safely interleave with an active
// drain.
func (q *Queue) Drain(ctx context.Context) DrainResult {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return DrainResult{}
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	return q.drainPass(ctx)
}

// ForceDrain runs a drain pass bypassing the single-drain guard. Used by
// explicit "sync now" surfaces and tests; the pass itself takes the same
// per-operation critical sections as Drain, so interleaving is safe even if
// a guarded drain is mid-flight.
func (q *Queue) ForceDrain(ctx context.Context) DrainResult {
	return q.drainPass(ctx)
}

// drainPass executes one bounded pass over the queue.
func (q *Queue) drainPass(ctx context.Context) DrainResult {
	var res DrainResult

	// Snapshot the batch in queue order. The pass is deterministic given
	// the queue's contents at this point.
	q.mu.Lock()
	batch := make([]string, 0, q.cfg.BatchSize)
	for _, op := range q.ops {
		if len(batch) == q.cfg.BatchSize {
			break
		}
		batch = append(batch, op.ID)
	}
	q.mu.Unlock()

	var blocked []string
	for _, id := range batch {
		if ctx.Err() != nil {
			break
		}
		switch q.processOne(ctx, id, &res) {
		case outcomeBlocked:
			blocked = append(blocked, id)
		}
	}

	// Dependencies may have left the queue during this pass; give the
	// deferred operations one more chance, preserving their relative order.
	for _, id := range blocked {
		if ctx.Err() != nil {
			break
		}
		if q.processOne(ctx, id, &res) == outcomeBlocked {
			res.Blocked++
		}
	}

	q.mu.Lock()
	snap := q.snapshotLocked()
	q.mu.Unlock()
	q.persist(snap)

	return res
}

type outcome uint8

const (
	outcomeDone outcome = iota
	outcomeBlocked
	outcomeGone
)

// processOne attempts a single operation by ID. It re-checks presence and
// dependencies under the lock, runs the processor outside it, then applies
// the result under the lock again.
func (q *Queue) processOne(ctx context.Context, id string, res *DrainResult) outcome {
	q.mu.Lock()
	op := q.findLocked(id)
	if op == nil {
		// Removed (or already dead-lettered) while the pass was running.
		q.mu.Unlock()
		return outcomeGone
	}
	if q.blockedLocked(op) {
		q.mu.Unlock()
		return outcomeBlocked
	}
	proc := q.processors[op.Type]
	attempt := op.Clone()
	q.mu.Unlock()

	var err error
	if proc == nil {
		err = fmt.Errorf("%w: %q", ErrNoProcessor, op.Type)
	} else {
		err = q.safeProcess(ctx, proc, attempt)
	}

	key := metrics.OpKey(op.Type, op.Priority.String())

	q.mu.Lock()
	defer q.mu.Unlock()
	op = q.findLocked(id)
	if op == nil {
		return outcomeGone
	}

	if err == nil {
		q.removeLocked(id)
		res.Processed++
		q.reg.IncProcessed(key)
		return outcomeDone
	}

	op.RetryCount++
	if op.RetryCount >= op.MaxRetries || IsPermanent(err) {
		q.removeLocked(id)
		q.dead = append(q.dead, op)
		res.DeadLettered++
		q.reg.IncDeadLettered(key)
		q.log.Warn().Err(err).
			Str("op_id", op.ID).
			Str("op_type", op.Type).
			Int("attempts", op.RetryCount).
			Msg("operation dead-lettered")
		return outcomeDone
	}

	// Stays queued; the sort restores its place, so the effective behaviour
	// is one attempt per pass, not a hot retry loop.
	q.sortOps()
	res.Failed++
	q.reg.IncRetried(key)
	q.log.Debug().Err(err).
		Str("op_id", op.ID).
		Str("op_type", op.Type).
		Int("retry_count", op.RetryCount).
		Int("max_retries", op.MaxRetries).
		Msg("operation attempt failed")
	return outcomeDone
}

// safeProcess runs a processor, converting a panic into an error so one
// misbehaving handler cannot take down the drain loop.
func (q *Queue) safeProcess(ctx context.Context, proc Processor, op *types.Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: processor for %q panicked: %v", op.Type, r)
		}
	}()
	return proc(ctx, op)
}

// blockedLocked reports whether op has a dependency still present in the
// main queue. Caller must hold q.mu.
func (q *Queue) blockedLocked(op *types.Operation) bool {
	for _, dep := range op.DependsOn {
		if q.findLocked(dep) != nil {
			return true
		}
	}
	return false
}

func (q *Queue) findLocked(id string) *types.Operation {
	for _, op := range q.ops {
		if op.ID == id {
			return op
		}
	}
	return nil
}

func (q *Queue) removeLocked(id string) bool {
	for i, op := range q.ops {
		if op.ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			return true
		}
	}
	return false
}

// ─── Dead letters ────────────────────────────────────────────────────────────

// RetryDeadLetters moves every dead-letter entry back into the main queue
// with its retry count reset, re-sorts, and — when the transport is online —
// immediately drains. Returns the number of operations requeued.
func (q *Queue) RetryDeadLetters(ctx context.Context) int {
	q.mu.Lock()
	n := len(q.dead)
	for _, op := range q.dead {
		op.RetryCount = 0
		q.ops = append(q.ops, op)
	}
	q.dead = nil
	q.sortOps()
	online := q.online
	snap := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(snap)

	if n > 0 && (online == nil || online()) {
		q.Drain(ctx)
	}
	return n
}

// RequeueDeadLetter moves a single dead-letter entry back into the main
// queue with its retry count reset. Reports whether the entry existed.
func (q *Queue) RequeueDeadLetter(id string) bool {
	q.mu.Lock()
	found := false
	for i, op := range q.dead {
		if op.ID == id {
			q.dead = append(q.dead[:i], q.dead[i+1:]...)
			op.RetryCount = 0
			q.ops = append(q.ops, op)
			q.sortOps()
			found = true
			break
		}
	}
	var snap snapshot
	if found {
		snap = q.snapshotLocked()
	}
	q.mu.Unlock()

	if found {
		q.persist(snap)
	}
	return found
}

// DiscardDeadLetter permanently drops a dead-letter entry. Reports whether
// the entry existed.
func (q *Queue) DiscardDeadLetter(id string) bool {
	q.mu.Lock()
	found := false
	for i, op := range q.dead {
		if op.ID == id {
			q.dead = append(q.dead[:i], q.dead[i+1:]...)
			found = true
			break
		}
	}
	var snap snapshot
	if found {
		snap = q.snapshotLocked()
	}
	q.mu.Unlock()

	if found {
		q.persist(snap)
	}
	return found
}

// DeadLetters returns a copy of the dead-letter list in insertion order.
func (q *Queue) DeadLetters() []*types.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*types.Operation, len(q.dead))
	for i, op := range q.dead {
		out[i] = op.Clone()
	}
	return out
}

// ─── Introspection / cancellation ────────────────────────────────────────────

// Status is a point-in-time view of the queue's depth counters.
type Status struct {
	QueueLength      int
	DeadLetterLength int
	ByPriority       map[string]int
	Draining         bool
}

// Status reports queue depths without mutating any state.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	byPrio := make(map[string]int, 3)
	for _, op := range q.ops {
		byPrio[op.Priority.String()]++
	}
	return Status{
		QueueLength:      len(q.ops),
		DeadLetterLength: len(q.dead),
		ByPriority:       byPrio,
		Draining:         q.draining,
	}
}

// Len returns the number of operations in the main queue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Operations returns a copy of the main queue in processing order.
func (q *Queue) Operations() []*types.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*types.Operation, len(q.ops))
	for i, op := range q.ops {
		out[i] = op.Clone()
	}
	return out
}

// Remove cancels a queued operation by ID, best-effort. Reports whether an
// entry was actually removed.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	removed := q.removeLocked(id)
	var snap snapshot
	if removed {
		snap = q.snapshotLocked()
	}
	q.mu.Unlock()

	if removed {
		q.persist(snap)
	}
	return removed
}

// ─── Janitor ─────────────────────────────────────────────────────────────────

// janitorLoop periodically sweeps dead-letter entries older than the
// retention window so the parked list cannot grow without bound.
func (q *Queue) janitorLoop() {
	defer q.janitorWG.Done()
	ticker := time.NewTicker(q.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.janitorDone:
			return
		case <-ticker.C:
			q.sweepDeadLetters()
		}
	}
}

func (q *Queue) sweepDeadLetters() {
	cutoff := time.Now().Add(-q.cfg.Retention)

	q.mu.Lock()
	kept := q.dead[:0]
	swept := 0
	for _, op := range q.dead {
		if op.CreatedAt.Before(cutoff) {
			swept++
			continue
		}
		kept = append(kept, op)
	}
	q.dead = kept
	var snap snapshot
	if swept > 0 {
		snap = q.snapshotLocked()
	}
	q.mu.Unlock()

	if swept > 0 {
		q.log.Info().Int("swept", swept).Msg("janitor removed expired dead-letter entries")
		q.persist(snap)
	}
}

// Close stops the janitor and persists a final snapshot.
func (q *Queue) Close() error {
	close(q.janitorDone)
	q.janitorWG.Wait()

	q.mu.Lock()
	snap := q.snapshotLocked()
	q.mu.Unlock()
	return q.persistErr(snap)
}
