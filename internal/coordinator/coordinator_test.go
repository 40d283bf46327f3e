package coordinator_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/rs/zerolog"

	"github.com/duetlabs/pairsync/internal/connmon"
	"github.com/duetlabs/pairsync/internal/coordinator"
	"github.com/duetlabs/pairsync/internal/queue"
	"github.com/duetlabs/pairsync/internal/remote"
	"github.com/duetlabs/pairsync/internal/resolver"
	"github.com/duetlabs/pairsync/internal/storage/memstore"
	"github.com/duetlabs/pairsync/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type fixture struct {
	remote *memstore.Remote
	local  *memstore.KV
	queue  *queue.Queue
	mon    *connmon.Monitor
	coord  *coordinator.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		remote: memstore.NewRemote(),
		local:  memstore.NewKV(),
	}
	f.queue = queue.New(f.local, queue.Config{}, zerolog.Nop(), nil)
	t.Cleanup(func() { _ = f.queue.Close() })

	f.mon = connmon.New(connmon.Config{}, nil, zerolog.Nop(), nil)
	t.Cleanup(func() { _ = f.mon.Close() })

	res := resolver.New(nil)
	resolver.RegisterDomainDefaults(res)

	f.coord = coordinator.New(f.remote, f.local, f.queue, res, f.mon, zerolog.Nop(), "device-1")
	return f
}

func (f *fixture) online()  { f.mon.Report(types.ConnState{Status: types.LinkConnected}) }
func (f *fixture) offline() { f.mon.Report(types.ConnState{Status: types.LinkDisconnected}) }

// ─── Online writes ───────────────────────────────────────────────────────────

func TestSave_OnlineWritesThrough(t *testing.T) {
	f := newFixture(t)
	f.online()

	saved, err := f.coord.Tasks().Save(context.Background(), types.Record{"id": "t1", "title": "Buy milk"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved["title"] != "Buy milk" {
		t.Errorf("Save result: got %+v", saved)
	}

	row, err := f.remote.SelectByID(context.Background(), "tasks", "t1")
	if err != nil {
		t.Fatalf("remote row missing: %v", err)
	}
	if row["title"] != "Buy milk" {
		t.Errorf("remote row: got %+v", row)
	}
	if f.queue.Len() != 0 {
		t.Errorf("online save must not enqueue: queue len %d", f.queue.Len())
	}
}

func TestSave_AssignsIDWhenMissing(t *testing.T) {
	f := newFixture(t)
	f.online()

	saved, err := f.coord.Tasks().Save(context.Background(), types.Record{"title": "no id yet"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	id, _ := saved["id"].(string)
	if id == "" {
		t.Fatal("Save must assign an id")
	}
	if _, err := f.remote.SelectByID(context.Background(), "tasks", id); err != nil {
		t.Errorf("remote row under assigned id: %v", err)
	}
}

func TestSave_ResolvesConflictAgainstLatestRemote(t *testing.T) {
	f := newFixture(t)
	f.online()
	f.remote.Seed("tasks", types.Record{"id": "t1", "status": "completed", "timeSpent": 5.0})

	saved, err := f.coord.Tasks().Save(context.Background(),
		types.Record{"id": "t1", "status": "in_progress", "timeSpent": 10.0})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved["status"] != "completed" {
		t.Errorf("status: want completed (further along), got %v", saved["status"])
	}
	if saved["timeSpent"] != 15.0 {
		t.Errorf("timeSpent: want 15 (summed), got %v", saved["timeSpent"])
	}
}

// ─── Offline writes ──────────────────────────────────────────────────────────

func TestSave_OfflineEnqueuesOptimistically(t *testing.T) {
	f := newFixture(t)
	f.offline()

	saved, err := f.coord.Tasks().Save(context.Background(), types.Record{"id": "t1", "title": "later"})
	if err != nil {
		t.Fatalf("offline Save must succeed optimistically: %v", err)
	}
	if saved["title"] != "later" {
		t.Errorf("optimistic result: got %+v", saved)
	}
	if f.queue.Len() != 1 {
		t.Fatalf("queue len: want 1, got %d", f.queue.Len())
	}
	if _, err := f.remote.SelectByID(context.Background(), "tasks", "t1"); err == nil {
		t.Error("remote must not have the row yet")
	}

	// Reads keep working from the cache while offline.
	got, err := f.coord.Tasks().Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("offline Get: %v", err)
	}
	if got["title"] != "later" {
		t.Errorf("cached row: got %+v", got)
	}
}

func TestSave_DeferredWriteReplaysOnDrain(t *testing.T) {
	f := newFixture(t)
	f.offline()

	if _, err := f.coord.Tasks().Save(context.Background(), types.Record{"id": "t1", "title": "later"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	f.online()
	res := f.queue.Drain(context.Background())
	if res.Processed != 1 {
		t.Fatalf("Drain Processed: want 1, got %+v", res)
	}
	row, err := f.remote.SelectByID(context.Background(), "tasks", "t1")
	if err != nil {
		t.Fatalf("remote row after drain: %v", err)
	}
	if row["title"] != "later" {
		t.Errorf("remote row: got %+v", row)
	}
}

func TestSave_ReplayResolvesAgainstMovedRemote(t *testing.T) {
	f := newFixture(t)
	f.offline()

	if _, err := f.coord.Tasks().Save(context.Background(),
		types.Record{"id": "t1", "status": "in_progress", "timeSpent": 10.0}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// The partner's device completed the task while we were offline.
	f.remote.Seed("tasks", types.Record{"id": "t1", "status": "completed", "timeSpent": 5.0})

	f.online()
	f.queue.Drain(context.Background())

	row, err := f.remote.SelectByID(context.Background(), "tasks", "t1")
	if err != nil {
		t.Fatalf("remote row: %v", err)
	}
	if row["status"] != "completed" || row["timeSpent"] != 15.0 {
		t.Errorf("replayed merge: got %+v", row)
	}
}

func TestSave_RemoteFailureFallsBackToQueue(t *testing.T) {
	f := newFixture(t)
	f.online()
	f.remote.FailAll = context.DeadlineExceeded

	if _, err := f.coord.Tasks().Save(context.Background(), types.Record{"id": "t1", "title": "x"}); err != nil {
		t.Fatalf("Save with failing remote must defer, not error: %v", err)
	}
	if f.queue.Len() != 1 {
		t.Fatalf("queue len: want 1, got %d", f.queue.Len())
	}
}

func TestReplay_PermanentRejectionDeadLetters(t *testing.T) {
	f := newFixture(t)
	f.offline()

	if _, err := f.coord.Tasks().Save(context.Background(), types.Record{"id": "t1", "title": "x"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	f.online()
	f.remote.FailAll = &remote.APIError{StatusCode: http.StatusUnprocessableEntity, Message: "invalid"}

	res := f.queue.Drain(context.Background())
	if res.DeadLettered != 1 {
		t.Fatalf("a permanent rejection must dead-letter immediately: %+v", res)
	}
	if got := f.queue.DeadLetters()[0].RetryCount; got != 1 {
		t.Errorf("attempts: want 1, got %d", got)
	}
}

// ─── Delete ──────────────────────────────────────────────────────────────────

func TestDelete_OfflineDefersAndReplays(t *testing.T) {
	f := newFixture(t)
	f.remote.Seed("tasks", types.Record{"id": "t1", "title": "x"})
	f.offline()

	if err := f.coord.Tasks().Delete(context.Background(), "t1"); err != nil {
		t.Fatalf("offline Delete: %v", err)
	}
	if _, err := f.remote.SelectByID(context.Background(), "tasks", "t1"); err != nil {
		t.Fatal("remote row must survive until the queue drains")
	}

	f.online()
	f.queue.Drain(context.Background())
	if _, err := f.remote.SelectByID(context.Background(), "tasks", "t1"); err == nil {
		t.Error("remote row must be gone after drain")
	}
}

// ─── Reads ───────────────────────────────────────────────────────────────────

func TestGet_OnlineRefreshesCache(t *testing.T) {
	f := newFixture(t)
	f.online()
	f.remote.Seed("tasks", types.Record{"id": "t1", "title": "fresh"})

	got, err := f.coord.Tasks().Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["title"] != "fresh" {
		t.Errorf("Get: got %+v", got)
	}

	// The fetched row must now serve offline reads.
	f.offline()
	cached, err := f.coord.Tasks().Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("offline Get after refresh: %v", err)
	}
	if cached["title"] != "fresh" {
		t.Errorf("cached: got %+v", cached)
	}
}

func TestList_OfflineFiltersCachedRows(t *testing.T) {
	f := newFixture(t)
	f.online()
	f.remote.Seed("tasks", types.Record{"id": "t1", "status": "pending"})
	f.remote.Seed("tasks", types.Record{"id": "t2", "status": "completed"})
	if _, err := f.coord.Tasks().List(context.Background(), nil); err != nil {
		t.Fatalf("List online: %v", err)
	}

	f.offline()
	got, err := f.coord.Tasks().List(context.Background(), types.Record{"status": "pending"})
	if err != nil {
		t.Fatalf("List offline: %v", err)
	}
	if len(got) != 1 || got[0]["id"] != "t1" {
		t.Errorf("offline filtered list: got %+v", got)
	}
}

// ─── Change feed reconciliation ──────────────────────────────────────────────

func TestWatch_MergesRemoteChangeIntoCache(t *testing.T) {
	f := newFixture(t)
	f.online()

	if _, err := f.coord.Tasks().Save(context.Background(),
		types.Record{"id": "t1", "status": "in_progress", "timeSpent": 10.0}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.coord.Watch(ctx, "tasks"); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	// Partner's device pushes a conflicting update; memstore delivers the
	// change event synchronously.
	if _, err := f.remote.Update(context.Background(), "tasks", "t1",
		types.Record{"status": "completed", "timeSpent": 4.0}); err != nil {
		t.Fatalf("remote Update: %v", err)
	}

	f.offline()
	got, err := f.coord.Tasks().Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get after change event: %v", err)
	}
	if got["status"] != "completed" {
		t.Errorf("reconciled status: want completed, got %v", got["status"])
	}
}
