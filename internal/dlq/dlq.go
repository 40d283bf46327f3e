// Package dlq provides utilities for inspecting and replaying operations
// that have exhausted their retries and been parked in the dead-letter list.
//
// The dead-letter list is owned by the queue itself; this package wraps a
// *queue.Queue with the operations a "these changes could not be synced"
// surface needs:
//
//   - Peek:    read (but don't consume) up to N parked operations.
//   - Replay:  push parked operations back into the main queue with their
//     retry budgets reset.
//   - Discard: drop an operation the user has given up on.
package dlq

import (
	"context"

	"github.com/duetlabs/pairsync/internal/queue"
	"github.com/duetlabs/pairsync/internal/types"
)

// Manager provides dead-letter operations on top of a queue.Queue.
type Manager struct {
	q *queue.Queue
}

// NewManager wraps the given queue.
func NewManager(q *queue.Queue) *Manager {
	return &Manager{q: q}
}

// Peek returns up to limit parked operations in insertion order without
// consuming them. limit <= 0 returns everything.
func (m *Manager) Peek(limit int) []*types.Operation {
	ops := m.q.DeadLetters()
	if limit > 0 && len(ops) > limit {
		ops = ops[:limit]
	}
	return ops
}

// Len returns the number of parked operations.
func (m *Manager) Len() int {
	return len(m.q.DeadLetters())
}

// ReplayAll moves every parked operation back into the main queue with its
// retry count reset, and drains immediately when the transport is online.
// Returns the number of operations replayed.
func (m *Manager) ReplayAll(ctx context.Context) int {
	return m.q.RetryDeadLetters(ctx)
}

// Replay moves a single parked operation back into the main queue.
// Reports whether the operation was found.
func (m *Manager) Replay(id string) bool {
	return m.q.RequeueDeadLetter(id)
}

// Discard permanently drops a parked operation.
// Reports whether the operation was found.
func (m *Manager) Discard(id string) bool {
	return m.q.DiscardDeadLetter(id)
}
