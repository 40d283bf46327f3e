package pairsync

import (
	"github.com/duetlabs/pairsync/internal/connmon"
	"github.com/duetlabs/pairsync/internal/queue"
	"github.com/duetlabs/pairsync/internal/resolver"
	"github.com/duetlabs/pairsync/internal/types"
)

// Aliases re-export the internal domain types so callers only import this
// package.

type (
	// Operation is a deferred mutation buffered while offline.
	Operation = types.Operation
	// Priority orders queued operations.
	Priority = types.Priority
	// Record is a full entity snapshot exchanged with the remote store.
	Record = types.Record
	// ConnState is a point-in-time network report.
	ConnState = types.ConnState
	// LinkStatus is the observed state of the network link.
	LinkStatus = types.LinkStatus

	// EnqueueOptions tunes a direct Queue.Enqueue call.
	EnqueueOptions = queue.EnqueueOptions
	// DrainResult summarises one drain pass.
	DrainResult = queue.DrainResult
	// QueueStatus is an observability snapshot of the queue.
	QueueStatus = queue.Status

	// ConnEvent is delivered to connection subscribers.
	ConnEvent = connmon.Event
	// RetryPolicy tunes ExecuteWithRetry.
	RetryPolicy = connmon.RetryPolicy

	// Strategy selects how a conflict is reconciled.
	Strategy = resolver.Strategy
	// Conflict describes a detected local/remote divergence.
	Conflict = resolver.Conflict
	// Resolution is a reconciled record with per-field provenance.
	Resolution = resolver.Resolution
	// FieldResolver reconciles a single conflicting field.
	FieldResolver = resolver.FieldResolver
	// ManualResolver reconciles a whole conflict under the manual strategy.
	ManualResolver = resolver.ManualResolver
)

const (
	PriorityLow    = types.PriorityLow
	PriorityMedium = types.PriorityMedium
	PriorityHigh   = types.PriorityHigh

	LinkUnknown      = types.LinkUnknown
	LinkConnected    = types.LinkConnected
	LinkDisconnected = types.LinkDisconnected

	EventConnected    = types.EventConnected
	EventDisconnected = types.EventDisconnected
	EventRestored     = types.EventRestored
	EventError        = types.EventError
	EventSlow         = types.EventSlow

	StrategyClientWins = resolver.StrategyClientWins
	StrategyServerWins = resolver.StrategyServerWins
	StrategyMerge      = resolver.StrategyMerge
	StrategyManual     = resolver.StrategyManual
)

// Sentinel errors surfaced to callers.
var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity and
	// eviction freed no space.
	ErrQueueFull = queue.ErrQueueFull
	// ErrCircuitOpen is returned when the circuit breaker rejects a call
	// without attempting it.
	ErrCircuitOpen = connmon.ErrCircuitOpen
	// ErrNoManualResolver is returned when the manual strategy is selected
	// but no resolver function was registered.
	ErrNoManualResolver = resolver.ErrNoManualResolver
)

// Permanent marks a processor error as non-retryable: the operation skips
// its remaining retry budget and dead-letters immediately.
func Permanent(err error) error { return queue.Permanent(err) }
