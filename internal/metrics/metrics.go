// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for PairSync. It deliberately avoids the prometheus/client_golang
// package so the library stays small with no additional dependencies.
//
// # Counter naming convention
//
// Every counter uses a tab-separated string as its label key so that a single
// sync.Map can hold all label combinations without additional map nesting.
//
//	Enqueued / Processed / Retried / DeadLettered / Evicted  →  key = "type\tpriority"
//	ConflictsDetected / ConflictsResolved                    →  key = "entity_kind\tstrategy"
//	RemoteCalls                                              →  key = "table\toutcome"
//	BreakerTransitions                                       →  key = "from\tto"
//
// # Prometheus text output
//
// Calling Registry.Handler() returns an http.Handler that renders all counters
// in the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// Total returns the sum across all label combinations.
func (lc *labelCounter) Total() int64 {
	var total int64
	lc.Each(func(_ string, val int64) { total += val })
	return total
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all PairSync application metrics.
// The zero value is ready to use; a nil *Registry is also safe — every
// recording method no-ops so components never need a nil check dance.
type Registry struct {
	// Queue counters.  key = "type\tpriority"
	Enqueued     labelCounter
	Processed    labelCounter
	Retried      labelCounter
	DeadLettered labelCounter
	Evicted      labelCounter

	// Resolver counters.  key = "entity_kind\tstrategy"
	ConflictsDetected labelCounter
	ConflictsResolved labelCounter

	// Remote store counters.  key = "table\toutcome" ("ok" | "error")
	RemoteCalls labelCounter

	// Circuit breaker transitions.  key = "from\tto"
	BreakerTransitions labelCounter
}

// ─── Recording helpers ────────────────────────────────────────────────────────

// OpKey builds the label key used by the queue counters.
func OpKey(opType, priority string) string {
	return opType + "\t" + priority
}

// ConflictKey builds the label key used by the resolver counters.
func ConflictKey(entityKind, strategy string) string {
	return entityKind + "\t" + strategy
}

// RemoteKey builds the label key used by RemoteCalls.
func RemoteKey(table, outcome string) string {
	return table + "\t" + outcome
}

// BreakerKey builds the label key used by BreakerTransitions.
func BreakerKey(from, to string) string {
	return from + "\t" + to
}

// IncEnqueued records one accepted enqueue. Safe on a nil registry.
func (r *Registry) IncEnqueued(key string) {
	if r != nil {
		r.Enqueued.Inc(key)
	}
}

// IncProcessed records one successfully processed operation.
func (r *Registry) IncProcessed(key string) {
	if r != nil {
		r.Processed.Inc(key)
	}
}

// IncRetried records one failed attempt that will be retried.
func (r *Registry) IncRetried(key string) {
	if r != nil {
		r.Retried.Inc(key)
	}
}

// IncDeadLettered records one operation parked in the dead-letter queue.
func (r *Registry) IncDeadLettered(key string) {
	if r != nil {
		r.DeadLettered.Inc(key)
	}
}

// IncEvicted records one operation evicted for capacity.
func (r *Registry) IncEvicted(key string) {
	if r != nil {
		r.Evicted.Inc(key)
	}
}

// IncConflictDetected records one detected conflict.
func (r *Registry) IncConflictDetected(key string) {
	if r != nil {
		r.ConflictsDetected.Inc(key)
	}
}

// IncConflictResolved records one resolved conflict.
func (r *Registry) IncConflictResolved(key string) {
	if r != nil {
		r.ConflictsResolved.Inc(key)
	}
}

// IncRemoteCall records one remote store call and its outcome.
func (r *Registry) IncRemoteCall(key string) {
	if r != nil {
		r.RemoteCalls.Inc(key)
	}
}

// IncBreakerTransition records one circuit breaker state change.
func (r *Registry) IncBreakerTransition(key string) {
	if r != nil {
		r.BreakerTransitions.Inc(key)
	}
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		writeOpFamily(&b, "pairsync_operations_enqueued_total",
			"Total operations accepted into the offline queue", &r.Enqueued)
		writeOpFamily(&b, "pairsync_operations_processed_total",
			"Total operations processed successfully", &r.Processed)
		writeOpFamily(&b, "pairsync_operations_retried_total",
			"Total failed attempts that were requeued for retry", &r.Retried)
		writeOpFamily(&b, "pairsync_operations_dead_lettered_total",
			"Total operations parked in the dead-letter queue", &r.DeadLettered)
		writeOpFamily(&b, "pairsync_operations_evicted_total",
			"Total operations evicted for queue capacity", &r.Evicted)

		writeFamily(&b, "pairsync_conflicts_detected_total",
			"Total conflicts detected between local and remote records", "counter",
			func(fn func(labels, val string)) {
				r.ConflictsDetected.Each(func(key string, val int64) {
					kind, strat := splitTwo(key)
					fn(fmt.Sprintf(`entity_kind=%q,strategy=%q`, kind, strat),
						fmt.Sprintf("%d", val))
				})
			})
		writeFamily(&b, "pairsync_conflicts_resolved_total",
			"Total conflicts resolved, by entity kind and strategy", "counter",
			func(fn func(labels, val string)) {
				r.ConflictsResolved.Each(func(key string, val int64) {
					kind, strat := splitTwo(key)
					fn(fmt.Sprintf(`entity_kind=%q,strategy=%q`, kind, strat),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "pairsync_remote_calls_total",
			"Total remote store calls by table and outcome", "counter",
			func(fn func(labels, val string)) {
				r.RemoteCalls.Each(func(key string, val int64) {
					table, outcome := splitTwo(key)
					fn(fmt.Sprintf(`table=%q,outcome=%q`, table, outcome),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "pairsync_breaker_transitions_total",
			"Total circuit breaker state transitions", "counter",
			func(fn func(labels, val string)) {
				r.BreakerTransitions.Each(func(key string, val int64) {
					from, to := splitTwo(key)
					fn(fmt.Sprintf(`from=%q,to=%q`, from, to),
						fmt.Sprintf("%d", val))
				})
			})

		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeOpFamily writes a queue counter family keyed by "type\tpriority".
func writeOpFamily(b *strings.Builder, name, help string, lc *labelCounter) {
	writeFamily(b, name, help, "counter", func(fn func(labels, val string)) {
		lc.Each(func(key string, val int64) {
			opType, prio := splitTwo(key)
			fn(fmt.Sprintf(`type=%q,priority=%q`, opType, prio),
				fmt.Sprintf("%d", val))
		})
	})
}

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}
