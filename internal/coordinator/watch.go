package coordinator

import (
	"context"
	"fmt"

	"github.com/duetlabs/pairsync/internal/resolver"
	"github.com/duetlabs/pairsync/internal/storage"
)

// Watch subscribes to the remote change feed for the given tables and
// reconciles incoming rows into the local cache until ctx is cancelled.
//
// A remotely-changed row may collide with the last locally-known version
// (the other partner's device edited the same task while this one was
// offline). When that happens the resolver reconciles the two and the
// winner replaces the cached row; the next Save will carry any surviving
// local fields back to the remote store.
func (c *Coordinator) Watch(ctx context.Context, tables ...string) error {
	if len(tables) == 0 {
		tables = []string{"tasks", "users"}
	}
	for _, table := range tables {
		kind, ok := kindForTable(table)
		if !ok {
			return fmt.Errorf("watch: unknown table %q", table)
		}
		if err := c.remote.Subscribe(ctx, table, c.changeHandler(kind, table)); err != nil {
			return fmt.Errorf("watch %s: %w", table, err)
		}
	}
	return nil
}

func kindForTable(table string) (string, bool) {
	switch table {
	case "tasks":
		return resolver.KindTask, true
	case "users":
		return resolver.KindUser, true
	case "partnerships":
		return resolver.KindPartnership, true
	case "notifications":
		return resolver.KindNotification, true
	}
	return "", false
}

func (c *Coordinator) changeHandler(kind, table string) func(storage.ChangeEvent) {
	return func(ev storage.ChangeEvent) {
		switch ev.Kind {
		case storage.ChangeDelete:
			c.cacheRemove(table, ev.ID)
			return
		case storage.ChangeInsert, storage.ChangeUpdate:
			// handled below
		default:
			c.log.Warn().Str("kind", string(ev.Kind)).Msg("unknown change event kind")
			return
		}
		if ev.Record == nil || ev.ID == "" {
			return
		}

		local, ok := c.cacheGet(table, ev.ID)
		if !ok {
			c.cachePut(table, ev.ID, ev.Record)
			return
		}

		conflict := c.res.Detect(local, ev.Record, kind, ev.ID)
		if conflict == nil {
			c.cachePut(table, ev.ID, ev.Record)
			return
		}

		resolution, err := c.res.Resolve(conflict)
		if err != nil {
			c.log.Error().Err(err).
				Str("kind", kind).
				Str("id", ev.ID).
				Msg("remote change conflict unresolved, keeping remote row")
			c.cachePut(table, ev.ID, ev.Record)
			return
		}
		c.log.Info().
			Str("kind", kind).
			Str("id", ev.ID).
			Strs("fields", conflict.ConflictingFields).
			Str("strategy", string(resolution.Strategy)).
			Msg("remote change conflict resolved")
		c.cachePut(table, ev.ID, resolution.Record)
	}
}
