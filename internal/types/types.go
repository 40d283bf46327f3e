// Package types contains the core domain types shared across all PairSync
// internal packages. It deliberately has zero imports of other PairSync
// packages so that the storage, queue, and resolver layers can all import
// from it without creating import cycles.
package types

import (
	"encoding/json"
	"time"
)

// Priority determines the processing order of a queued operation.
// Higher priorities drain first; within a priority class, older operations
// drain first.
type Priority uint8

const (
	// PriorityLow is for deferrable work (analytics, cleanup, presence).
	PriorityLow Priority = iota
	// PriorityMedium is the default for ordinary mutations.
	PriorityMedium
	// PriorityHigh is for user-visible mutations that must sync first
	// (task completions, partner messages).
	PriorityHigh
)

// String returns a human-readable representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority converts the wire/disk representation back to a Priority.
// Unknown strings map to PriorityMedium.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// MarshalJSON encodes the priority as its string form so persisted queue
// snapshots stay readable and stable across releases.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes either the string form or a legacy numeric form.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = ParsePriority(s)
		return nil
	}
	var n uint8
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*p = Priority(n)
	return nil
}

// Operation is a deferred mutation buffered while the device is offline.
//
// Design rules:
//   - Operation format is final. Only optional fields may be added. Never
//     rename or remove a field — persisted queue snapshots must always be
//     readable after an upgrade.
//   - IDs are ULID strings: time-sortable, unique per queue.
//   - CreatedAt is serialized as RFC3339 on disk.
type Operation struct {
	// ID is a ULID uniquely identifying this operation within the queue.
	ID string `json:"id"`

	// Type identifies which registered processor handles this operation,
	// e.g. "save_task" or "send_encouragement".
	Type string `json:"type"`

	// Payload is the opaque JSON data the processor needs. Processors own
	// the shape and validate it at their boundary.
	Payload json.RawMessage `json:"payload"`

	// CreatedAt orders operations within a priority class and drives
	// retention-window eviction.
	CreatedAt time.Time `json:"createdAt"`

	// RetryCount is incremented on every failed attempt. When it reaches
	// MaxRetries the operation moves to the dead-letter queue.
	RetryCount int `json:"retryCount"`
	MaxRetries int `json:"maxRetries"`

	Priority Priority `json:"priority"`

	// OwnerID identifies the user/session that created the operation.
	// Used for filtering and cleanup, not access control.
	OwnerID string `json:"ownerId,omitempty"`

	// DependsOn lists operation IDs that must have fully left the queue
	// (processed, not merely attempted) before this one may run.
	DependsOn []string `json:"dependsOn,omitempty"`
}

// Clone returns a copy of the operation with its own DependsOn slice.
func (op *Operation) Clone() *Operation {
	c := *op
	if op.DependsOn != nil {
		c.DependsOn = append([]string(nil), op.DependsOn...)
	}
	return &c
}

// Record is a full entity snapshot as exchanged with the remote store.
// Values are JSON-shaped: nil, bool, float64, string, []any, map[string]any.
type Record = map[string]any

// ─── Connection state ────────────────────────────────────────────────────────

// LinkStatus is the last observed state of the network link.
type LinkStatus uint8

const (
	// LinkUnknown means no network report has been observed yet.
	LinkUnknown LinkStatus = iota
	LinkConnected
	LinkDisconnected
)

// String returns a human-readable representation of the link status.
func (s LinkStatus) String() string {
	switch s {
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnState is the point-in-time view of the network link as reported by
// the platform's network-state source.
type ConnState struct {
	Status LinkStatus `json:"status"`

	// Transport is the link type reported by the platform: "wifi",
	// "cellular", "ethernet", or "" when unknown.
	Transport string `json:"transport,omitempty"`

	// Reachable reports whether the remote store answered the most recent
	// connectivity probe.
	Reachable bool `json:"reachable"`

	// LatencyMs is the round-trip time of the most recent probe, zero when
	// no probe has completed yet.
	LatencyMs int64 `json:"latencyMs,omitempty"`
}

// Event names emitted by the connection monitor. Subscribers receive the
// event name plus the current ConnState.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventRestored     = "restored"
	EventError        = "error"
	EventSlow         = "slow"
)
