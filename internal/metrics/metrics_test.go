package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/duetlabs/pairsync/internal/metrics"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

func scrape(t *testing.T, reg *metrics.Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Fatalf("content type = %q, want text/plain exposition format", ct)
	}
	return rec.Body.String()
}

// ─── counters ─────────────────────────────────────────────────────────────────

func TestRegistry_CountsPerLabelCombination(t *testing.T) {
	var reg metrics.Registry

	reg.IncEnqueued(metrics.OpKey("save_task", "high"))
	reg.IncEnqueued(metrics.OpKey("save_task", "high"))
	reg.IncEnqueued(metrics.OpKey("delete_task", "low"))

	if got := reg.Enqueued.Total(); got != 3 {
		t.Fatalf("Enqueued.Total() = %d, want 3", got)
	}

	counts := map[string]int64{}
	reg.Enqueued.Each(func(key string, val int64) { counts[key] = val })
	if counts[metrics.OpKey("save_task", "high")] != 2 {
		t.Errorf("save_task/high = %d, want 2", counts[metrics.OpKey("save_task", "high")])
	}
	if counts[metrics.OpKey("delete_task", "low")] != 1 {
		t.Errorf("delete_task/low = %d, want 1", counts[metrics.OpKey("delete_task", "low")])
	}
}

func TestRegistry_NilIsSafe(t *testing.T) {
	var reg *metrics.Registry

	// Every recording method must no-op without panicking.
	reg.IncEnqueued(metrics.OpKey("save_task", "high"))
	reg.IncProcessed(metrics.OpKey("save_task", "high"))
	reg.IncRetried(metrics.OpKey("save_task", "high"))
	reg.IncDeadLettered(metrics.OpKey("save_task", "high"))
	reg.IncEvicted(metrics.OpKey("save_task", "low"))
	reg.IncConflictDetected(metrics.ConflictKey("task", "merge"))
	reg.IncConflictResolved(metrics.ConflictKey("task", "merge"))
	reg.IncRemoteCall(metrics.RemoteKey("tasks", "ok"))
	reg.IncBreakerTransition(metrics.BreakerKey("closed", "open"))
}

func TestRegistry_ConcurrentIncrements(t *testing.T) {
	var reg metrics.Registry
	key := metrics.OpKey("save_task", "medium")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg.IncProcessed(key)
			}
		}()
	}
	wg.Wait()

	if got := reg.Processed.Total(); got != 800 {
		t.Fatalf("Processed.Total() = %d, want 800", got)
	}
}

// ─── key builders ─────────────────────────────────────────────────────────────

func TestKeyBuilders(t *testing.T) {
	cases := []struct {
		name string
		got  string
		want string
	}{
		{"op", metrics.OpKey("save_task", "high"), "save_task\thigh"},
		{"conflict", metrics.ConflictKey("task", "merge"), "task\tmerge"},
		{"remote", metrics.RemoteKey("tasks", "error"), "tasks\terror"},
		{"breaker", metrics.BreakerKey("closed", "open"), "closed\topen"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Fatalf("key = %q, want %q", tc.got, tc.want)
			}
		})
	}
}

// ─── exposition format ────────────────────────────────────────────────────────

func TestHandler_RendersPrometheusText(t *testing.T) {
	var reg metrics.Registry
	reg.IncEnqueued(metrics.OpKey("save_task", "high"))
	reg.IncConflictResolved(metrics.ConflictKey("task", "merge"))
	reg.IncRemoteCall(metrics.RemoteKey("tasks", "ok"))
	reg.IncBreakerTransition(metrics.BreakerKey("closed", "open"))

	body := scrape(t, &reg)

	for _, want := range []string{
		"# HELP pairsync_operations_enqueued_total",
		"# TYPE pairsync_operations_enqueued_total counter",
		`pairsync_operations_enqueued_total{type="save_task",priority="high"} 1`,
		`pairsync_conflicts_resolved_total{entity_kind="task",strategy="merge"} 1`,
		`pairsync_remote_calls_total{table="tasks",outcome="ok"} 1`,
		`pairsync_breaker_transitions_total{from="closed",to="open"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition output missing %q\n%s", want, body)
		}
	}
}

func TestHandler_SkipsEmptyFamilies(t *testing.T) {
	var reg metrics.Registry
	reg.IncProcessed(metrics.OpKey("save_task", "high"))

	body := scrape(t, &reg)

	if !strings.Contains(body, "pairsync_operations_processed_total") {
		t.Fatalf("expected processed family in output\n%s", body)
	}
	// Families with no samples must not emit HELP/TYPE headers.
	if strings.Contains(body, "pairsync_operations_evicted_total") {
		t.Errorf("empty evicted family should be omitted\n%s", body)
	}
	if strings.Contains(body, "pairsync_conflicts_detected_total") {
		t.Errorf("empty conflicts family should be omitted\n%s", body)
	}
}
