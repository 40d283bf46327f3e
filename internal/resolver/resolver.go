// Package resolver reconciles divergent local and remote copies of an
// entity. It is pure coordination logic: no I/O, no clocks inside the merge
// itself, so resolving the same conflict twice always yields the same result.
//
// A Resolver holds a per-entity-kind strategy registry populated once at
// startup. Detection and resolution are separate steps:
//
//	c := r.Detect(local, remote, "task", "t1")
//	if c != nil {
//	    res, err := r.Resolve(c)
//	    // res.Record is the reconciled row, res.Provenance says where each
//	    // conflicting field's value came from.
//	}
package resolver

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/duetlabs/pairsync/internal/metrics"
	"github.com/duetlabs/pairsync/internal/types"
)

// Strategy selects how a conflict is reconciled for an entity kind.
type Strategy string

const (
	// StrategyClientWins takes the local record wholesale.
	StrategyClientWins Strategy = "client-wins"
	// StrategyServerWins takes the remote record wholesale.
	StrategyServerWins Strategy = "server-wins"
	// StrategyMerge reconciles field by field, using registered per-field
	// resolvers where present and the generic heuristic otherwise.
	StrategyMerge Strategy = "merge"
	// StrategyManual delegates to a caller-supplied function. Requesting
	// manual resolution without registering a function is a configuration
	// error.
	StrategyManual Strategy = "manual"
)

// Provenance records which side supplied a field's final value.
type Provenance string

const (
	FromLocal  Provenance = "local"
	FromRemote Provenance = "remote"
	Merged     Provenance = "merged"
)

// ErrNoManualResolver is returned when the manual strategy is selected for
// an entity kind that has no registered manual resolver function.
var ErrNoManualResolver = errors.New("resolver: manual strategy requires a resolver function")

// DefaultIgnoredFields are skipped during detection unless the caller
// overrides them: bookkeeping timestamps differ on every write and would
// otherwise make every comparison a conflict.
var DefaultIgnoredFields = []string{"updatedAt", "lastSyncedAt"}

// Conflict describes a detected divergence between a local and a remote
// version of the same entity. ConflictingFields is always non-empty: when
// the two sides agree on every non-ignored field, Detect returns nil
// instead of an empty descriptor.
type Conflict struct {
	EntityKind        string
	EntityID          string
	Local             types.Record
	Remote            types.Record
	ConflictingFields []string
	DetectedAt        time.Time
}

// Resolution is the outcome of resolving a Conflict.
type Resolution struct {
	// Record is the reconciled full record.
	Record types.Record

	// Provenance maps each conflicting field to where its final value came
	// from. Non-conflicting fields are not listed.
	Provenance map[string]Provenance

	// Strategy is the strategy that produced the resolution.
	Strategy Strategy
}

// FieldResolver reconciles a single conflicting field. It receives the two
// candidate values and returns the winner plus its provenance.
type FieldResolver func(local, remote any) (any, Provenance)

// ManualResolver reconciles a whole conflict under the manual strategy.
type ManualResolver func(local, remote types.Record) types.Record

// Resolver holds the strategy registry. Zero value is not usable; call New.
// Registration happens once at startup; all methods are safe for concurrent
// use afterwards.
type Resolver struct {
	mu       sync.RWMutex
	defaults map[string]Strategy                 // entityKind → strategy
	fields   map[string]map[string]FieldResolver // entityKind → field → resolver
	manual   map[string]ManualResolver           // entityKind → manual fn

	reg *metrics.Registry
}

// New creates an empty Resolver. reg may be nil to disable metrics.
func New(reg *metrics.Registry) *Resolver {
	return &Resolver{
		defaults: make(map[string]Strategy),
		fields:   make(map[string]map[string]FieldResolver),
		manual:   make(map[string]ManualResolver),
		reg:      reg,
	}
}

// RegisterDefault sets the default strategy for an entity kind, replacing
// any previous registration.
func (r *Resolver) RegisterDefault(entityKind string, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[entityKind] = s
}

// RegisterFieldResolver binds a custom resolver to one field of one entity
// kind, used under the merge strategy in place of the generic heuristic.
func (r *Resolver) RegisterFieldResolver(entityKind, field string, fn FieldResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.fields[entityKind]
	if m == nil {
		m = make(map[string]FieldResolver)
		r.fields[entityKind] = m
	}
	m[field] = fn
}

// RegisterManualResolver binds the function invoked under the manual
// strategy for an entity kind.
func (r *Resolver) RegisterManualResolver(entityKind string, fn ManualResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manual[entityKind] = fn
}

// ─── Detection ───────────────────────────────────────────────────────────────

// Detect compares local and remote field by field and returns a Conflict,
// or nil when the two sides agree on every non-ignored field.
//
// Comparison rules:
//   - primitive inequality is a conflict;
//   - object/array values conflict on deep-value inequality
//     (order-sensitive for arrays, key-set-and-value sensitive for objects);
//   - a field present on one side and absent on the other is a conflict.
//
// ignoredFields defaults to DefaultIgnoredFields when empty.
func (r *Resolver) Detect(local, remote types.Record, entityKind, entityID string, ignoredFields ...string) *Conflict {
	if len(ignoredFields) == 0 {
		ignoredFields = DefaultIgnoredFields
	}
	ignored := make(map[string]bool, len(ignoredFields))
	for _, f := range ignoredFields {
		ignored[f] = true
	}

	seen := make(map[string]bool, len(local)+len(remote))
	var conflicting []string
	check := func(field string) {
		if ignored[field] || seen[field] {
			return
		}
		seen[field] = true
		lv, lok := local[field]
		rv, rok := remote[field]
		if lok != rok || !reflect.DeepEqual(lv, rv) {
			conflicting = append(conflicting, field)
		}
	}
	for field := range local {
		check(field)
	}
	for field := range remote {
		check(field)
	}

	if len(conflicting) == 0 {
		return nil
	}
	sort.Strings(conflicting)

	r.reg.IncConflictDetected(metrics.ConflictKey(entityKind, string(r.strategyFor(entityKind))))

	return &Conflict{
		EntityKind:        entityKind,
		EntityID:          entityID,
		Local:             local,
		Remote:            remote,
		ConflictingFields: conflicting,
		DetectedAt:        time.Now(),
	}
}

// ─── Resolution ──────────────────────────────────────────────────────────────

// strategyFor returns the registered default for entityKind, falling back
// to server-wins for unregistered kinds (the backend is authoritative when
// nobody has said otherwise).
func (r *Resolver) strategyFor(entityKind string) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.defaults[entityKind]; ok {
		return s
	}
	return StrategyServerWins
}

// Resolve reconciles c under the given override strategy, or the registered
// default for its entity kind, or server-wins.
func (r *Resolver) Resolve(c *Conflict, override ...Strategy) (*Resolution, error) {
	strategy := r.strategyFor(c.EntityKind)
	if len(override) > 0 && override[0] != "" {
		strategy = override[0]
	}

	var res *Resolution
	switch strategy {
	case StrategyClientWins:
		res = wholesale(c, c.Local, FromLocal, strategy)

	case StrategyServerWins:
		res = wholesale(c, c.Remote, FromRemote, strategy)

	case StrategyMerge:
		res = r.merge(c)

	case StrategyManual:
		r.mu.RLock()
		fn := r.manual[c.EntityKind]
		r.mu.RUnlock()
		if fn == nil {
			return nil, fmt.Errorf("%w: entity kind %q", ErrNoManualResolver, c.EntityKind)
		}
		res = wholesale(c, fn(copyRecord(c.Local), copyRecord(c.Remote)), Merged, strategy)

	default:
		return nil, fmt.Errorf("resolver: unknown strategy %q for entity kind %q", strategy, c.EntityKind)
	}

	r.reg.IncConflictResolved(metrics.ConflictKey(c.EntityKind, string(strategy)))
	return res, nil
}

// wholesale builds a Resolution that takes one record as-is, attributing
// every conflicting field to the given provenance.
func wholesale(c *Conflict, rec types.Record, from Provenance, s Strategy) *Resolution {
	prov := make(map[string]Provenance, len(c.ConflictingFields))
	for _, f := range c.ConflictingFields {
		prov[f] = from
	}
	return &Resolution{Record: copyRecord(rec), Provenance: prov, Strategy: s}
}

// merge reconciles field by field. Fields the two sides agree on are taken
// from whichever side has them; conflicting fields go through the
// registered per-field resolver or the generic heuristic.
func (r *Resolver) merge(c *Conflict) *Resolution {
	r.mu.RLock()
	fieldResolvers := r.fields[c.EntityKind]
	r.mu.RUnlock()

	conflicting := make(map[string]bool, len(c.ConflictingFields))
	for _, f := range c.ConflictingFields {
		conflicting[f] = true
	}

	out := make(types.Record, len(c.Local)+len(c.Remote))
	prov := make(map[string]Provenance, len(c.ConflictingFields))

	// Agreed fields first — either side works, remote fills fields the
	// local copy never had.
	for field, v := range c.Remote {
		if !conflicting[field] {
			out[field] = v
		}
	}
	for field, v := range c.Local {
		if !conflicting[field] {
			out[field] = v
		}
	}

	for _, field := range c.ConflictingFields {
		lv := c.Local[field]
		rv := c.Remote[field]

		var value any
		var from Provenance
		if fn, ok := fieldResolvers[field]; ok {
			value, from = fn(lv, rv)
		} else {
			value, from = mergeField(field, lv, rv)
		}
		out[field] = value
		prov[field] = from
	}

	return &Resolution{Record: out, Provenance: prov, Strategy: StrategyMerge}
}

func copyRecord(rec types.Record) types.Record {
	out := make(types.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
