package pairsync_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/duetlabs/pairsync/internal/config"
	"github.com/duetlabs/pairsync/internal/storage/memstore"
	"github.com/duetlabs/pairsync/pkg/pairsync"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

type harness struct {
	eng    *pairsync.Engine
	remote *memstore.Remote
	local  *memstore.KV
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Device.DataDir = t.TempDir()

	rs := memstore.NewRemote()
	ls := memstore.NewKV()
	eng, err := pairsync.New(cfg,
		pairsync.WithRemoteStore(rs),
		pairsync.WithLocalStore(ls),
		pairsync.WithLogger(zerolog.Nop()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return &harness{eng: eng, remote: rs, local: ls}
}

func (h *harness) online() {
	h.eng.ReportConnection(pairsync.ConnState{Status: pairsync.LinkConnected, Transport: "wifi"})
}

func (h *harness) offline() {
	h.eng.ReportConnection(pairsync.ConnState{Status: pairsync.LinkDisconnected})
}

// waitForEmptyQueue tolerates the background drain racing an explicit SyncNow.
func waitForEmptyQueue(t *testing.T, eng *pairsync.Engine) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for eng.Queue().Status().QueueLength != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("queue length = %d, want 0", eng.Queue().Status().QueueLength)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ─── construction ─────────────────────────────────────────────────────────────

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.BatchSize = 0
	if _, err := pairsync.New(cfg); err == nil {
		t.Fatal("expected config validation error")
	}
}

func TestNew_GeneratesDeviceIdentity(t *testing.T) {
	cfg := config.Default()
	cfg.Device.DataDir = t.TempDir()
	eng, err := pairsync.New(cfg,
		pairsync.WithRemoteStore(memstore.NewRemote()),
		pairsync.WithLocalStore(memstore.NewKV()),
		pairsync.WithLogger(zerolog.Nop()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()

	if eng.DeviceID() == "" {
		t.Fatal("expected a generated device identity")
	}
}

func TestDeviceID_StableAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	build := func() *pairsync.Engine {
		cfg := config.Default()
		cfg.Device.DataDir = dir
		eng, err := pairsync.New(cfg,
			pairsync.WithRemoteStore(memstore.NewRemote()),
			pairsync.WithLocalStore(memstore.NewKV()),
			pairsync.WithLogger(zerolog.Nop()),
		)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return eng
	}

	first := build()
	id := first.DeviceID()
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := build()
	defer second.Close()
	if got := second.DeviceID(); got != id {
		t.Fatalf("device id changed across restart: %q then %q", id, got)
	}
}

// ─── end-to-end flows ─────────────────────────────────────────────────────────

func TestEngine_OnlineSaveRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.online()
	ctx := context.Background()

	saved, err := h.eng.Tasks().Save(ctx, pairsync.Record{
		"title":  "Morning run",
		"status": "pending",
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	id, _ := saved["id"].(string)
	if id == "" {
		t.Fatal("expected an assigned id")
	}

	got, err := h.eng.Tasks().Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["title"] != "Morning run" {
		t.Fatalf("title = %v, want Morning run", got["title"])
	}

	// The write must have reached the remote store, not just the cache.
	row, err := h.remote.SelectByID(ctx, "tasks", id)
	if err != nil {
		t.Fatalf("remote SelectByID: %v", err)
	}
	if row["status"] != "pending" {
		t.Fatalf("remote status = %v, want pending", row["status"])
	}
}

func TestEngine_OfflineSaveIsQueuedAndSynced(t *testing.T) {
	h := newHarness(t)
	h.offline()
	ctx := context.Background()

	saved, err := h.eng.Tasks().Save(ctx, pairsync.Record{
		"id":     "task-1",
		"title":  "Evening stretch",
		"status": "pending",
	})
	if err != nil {
		t.Fatalf("Save offline: %v", err)
	}
	if saved["id"] != "task-1" {
		t.Fatalf("id = %v, want task-1", saved["id"])
	}

	if st := h.eng.Queue().Status(); st.QueueLength != 1 {
		t.Fatalf("queue length = %d, want 1", st.QueueLength)
	}

	// The optimistic cache serves reads while the link is down.
	got, err := h.eng.Tasks().Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("Get offline: %v", err)
	}
	if got["title"] != "Evening stretch" {
		t.Fatalf("cached title = %v, want Evening stretch", got["title"])
	}

	h.online()
	h.eng.SyncNow(ctx)
	waitForEmptyQueue(t, h.eng)

	row, err := h.remote.SelectByID(ctx, "tasks", "task-1")
	if err != nil {
		t.Fatalf("remote SelectByID after sync: %v", err)
	}
	if row["title"] != "Evening stretch" {
		t.Fatalf("remote title = %v, want Evening stretch", row["title"])
	}
}

func TestEngine_ReconnectDrainsAutomatically(t *testing.T) {
	h := newHarness(t)
	h.offline()
	ctx := context.Background()

	if _, err := h.eng.Tasks().Save(ctx, pairsync.Record{
		"id":    "task-drain",
		"title": "Plan the week",
	}); err != nil {
		t.Fatalf("Save offline: %v", err)
	}

	h.online()

	// The restored transition drains on a background goroutine.
	waitForEmptyQueue(t, h.eng)

	if _, err := h.remote.SelectByID(ctx, "tasks", "task-drain"); err != nil {
		t.Fatalf("remote SelectByID after drain: %v", err)
	}
}

func TestEngine_PartnerUpdateMergesDuringReplay(t *testing.T) {
	h := newHarness(t)
	h.online()
	ctx := context.Background()

	if _, err := h.eng.Tasks().Save(ctx, pairsync.Record{
		"id":        "shared-1",
		"title":     "Gym session",
		"status":    "pending",
		"timeSpent": float64(0),
	}); err != nil {
		t.Fatalf("seed Save: %v", err)
	}

	h.offline()
	if _, err := h.eng.Tasks().Save(ctx, pairsync.Record{
		"id":        "shared-1",
		"title":     "Gym session",
		"status":    "in_progress",
		"timeSpent": float64(10),
	}); err != nil {
		t.Fatalf("offline Save: %v", err)
	}

	// Partner finishes the task while this device is offline.
	if _, err := h.remote.Update(ctx, "tasks", "shared-1", pairsync.Record{
		"status":    "completed",
		"timeSpent": float64(5),
	}); err != nil {
		t.Fatalf("partner Update: %v", err)
	}

	h.online()
	h.eng.SyncNow(ctx)
	waitForEmptyQueue(t, h.eng)

	row, err := h.remote.SelectByID(ctx, "tasks", "shared-1")
	if err != nil {
		t.Fatalf("remote SelectByID: %v", err)
	}
	if row["status"] != "completed" {
		t.Errorf("status = %v, want completed (never regresses)", row["status"])
	}
	if row["timeSpent"] != float64(15) {
		t.Errorf("timeSpent = %v, want 15 (summed)", row["timeSpent"])
	}
}

// ─── lifecycle ────────────────────────────────────────────────────────────────

func TestStart_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	if err := h.eng.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
}

func TestClose_IsIdempotentAndFinal(t *testing.T) {
	h := newHarness(t)
	if err := h.eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.eng.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := h.eng.Start(); err == nil {
		t.Fatal("Start after Close should fail")
	}
}

func TestMetricsHandler_ServesExposition(t *testing.T) {
	h := newHarness(t)
	h.online()
	if _, err := h.eng.Tasks().Save(context.Background(), pairsync.Record{"title": "x"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rec := httptest.NewRecorder()
	h.eng.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("content type = %q", rec.Header().Get("Content-Type"))
	}
}
