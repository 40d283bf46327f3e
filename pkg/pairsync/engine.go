// Package pairsync is the public entry point for the offline-first sync
// engine. It wires the connection monitor, operation queue, conflict
// resolver, and storage coordinator into one Engine owned by the host app.
//
// # Quick start
//
//	cfg, _ := config.Load("pairsync.yaml")
//	eng, err := pairsync.New(cfg)
//	if err != nil { ... }
//	if err := eng.Start(); err != nil { ... }
//	defer eng.Close()
//
//	task, err := eng.Tasks().Save(ctx, pairsync.Record{
//		"title":  "Morning run",
//		"status": "pending",
//	})
//
// The host platform feeds network reports into the engine:
//
//	eng.ReportConnection(pairsync.ConnState{
//		Status:    pairsync.LinkConnected,
//		Transport: "wifi",
//	})
//
// On every connected/restored transition the queue drains automatically.
package pairsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/duetlabs/pairsync/internal/config"
	"github.com/duetlabs/pairsync/internal/connmon"
	"github.com/duetlabs/pairsync/internal/coordinator"
	"github.com/duetlabs/pairsync/internal/device"
	"github.com/duetlabs/pairsync/internal/dlq"
	"github.com/duetlabs/pairsync/internal/metrics"
	"github.com/duetlabs/pairsync/internal/queue"
	"github.com/duetlabs/pairsync/internal/remote"
	"github.com/duetlabs/pairsync/internal/resolver"
	"github.com/duetlabs/pairsync/internal/storage"
	"github.com/duetlabs/pairsync/internal/storage/boltstore"
	"github.com/duetlabs/pairsync/internal/types"
)

// ─── Options ──────────────────────────────────────────────────────────────────

// Option customises Engine construction.
type Option func(*Engine)

// WithLocalStore replaces the default bbolt-backed local store.
// The Engine takes ownership and closes it on Close.
func WithLocalStore(ls storage.LocalStore) Option {
	return func(e *Engine) { e.local = ls }
}

// WithRemoteStore replaces the default HTTP remote client. Useful for tests
// and for embedding the engine against a custom backend. If the store also
// implements connmon.Pinger its Ping method drives the health-check loop.
func WithRemoteStore(rs storage.RemoteStore) Option {
	return func(e *Engine) { e.rs = rs }
}

// WithLogger replaces the logger built from the config's logging section.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = log
		e.customLog = true
	}
}

// ─── Engine ───────────────────────────────────────────────────────────────────

// Engine owns the sync subsystem. Construct with New, then Start; all
// exported methods are safe for concurrent use.
type Engine struct {
	cfg *config.Config
	log zerolog.Logger
	reg *metrics.Registry

	dev   *device.Device
	local storage.LocalStore
	rs    storage.RemoteStore
	mon   *connmon.Monitor
	queue *queue.Queue
	res   *resolver.Resolver
	coord *coordinator.Coordinator
	dead  *dlq.Manager

	customLog bool

	mu          sync.Mutex
	started     bool
	closed      bool
	unsub       func()
	watchCancel context.CancelFunc
	metricsSrv  *http.Server
}

// New builds an Engine from cfg. A nil cfg uses Default(). The engine is
// inert until Start is called: nothing drains and no background loops run.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pairsync: invalid config: %w", err)
	}

	e := &Engine{cfg: cfg, reg: &metrics.Registry{}}
	for _, o := range opts {
		o(e)
	}
	if !e.customLog {
		e.log = buildLogger(cfg.Logging)
	}

	override := cfg.Device.ID
	if override == "auto" {
		override = ""
	}
	dev, err := device.New(cfg.Device.DataDir, override)
	if err != nil {
		return nil, fmt.Errorf("pairsync: init device identity: %w", err)
	}
	e.dev = dev

	if e.local == nil {
		ls, err := boltstore.Open(filepath.Join(cfg.Device.DataDir, "pairsync.db"))
		if err != nil {
			return nil, fmt.Errorf("pairsync: open local store: %w", err)
		}
		e.local = ls
	}

	if e.rs == nil {
		e.rs = remote.New(cfg.Remote.BaseURL,
			remote.WithAPIKey(cfg.Remote.APIKey),
			remote.WithTimeout(time.Duration(cfg.Remote.TimeoutMs)*time.Millisecond),
			remote.WithRateLimit(cfg.Remote.MaxRate, cfg.Remote.Burst),
			remote.WithMetrics(e.reg),
			remote.WithLogger(e.log.With().Str("component", "remote").Logger()),
		)
	}

	// The health-check loop only runs when the remote store can be probed.
	pinger, _ := e.rs.(connmon.Pinger)
	e.mon = connmon.New(monitorConfig(cfg.Monitor), pinger,
		e.log.With().Str("component", "connmon").Logger(), e.reg)

	e.queue = queue.New(e.local, queueConfig(cfg),
		e.log.With().Str("component", "queue").Logger(), e.reg)
	e.queue.SetOnline(e.mon.IsConnectionAvailable)
	e.dead = dlq.NewManager(e.queue)

	e.res = resolver.New(e.reg)
	resolver.RegisterDomainDefaults(e.res)

	e.coord = coordinator.New(e.rs, e.local, e.queue, e.res, e.mon,
		e.log.With().Str("component", "coordinator").Logger(), dev.ID().String())

	return e, nil
}

// Start begins background work: the health-check loop, the drain-on-restore
// subscription, the remote change feed, and (if enabled) the metrics
// listener. Start is idempotent.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("pairsync: engine closed")
	}
	if e.started {
		return nil
	}
	e.started = true

	e.unsub = e.mon.Subscribe(func(ev connmon.Event) {
		switch ev.Name {
		case types.EventConnected, types.EventRestored:
			go e.queue.Drain(context.Background())
		}
	})
	e.mon.Start()

	watchCtx, cancel := context.WithCancel(context.Background())
	e.watchCancel = cancel
	if err := e.coord.Watch(watchCtx, "tasks", "users"); err != nil {
		e.log.Warn().Err(err).Msg("change feed unavailable")
	}

	if e.cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", e.cfg.Metrics.Port),
			Handler: e.reg.Handler(),
		}
		e.metricsSrv = srv
		go func() {
			e.log.Info().Str("addr", srv.Addr).Msg("metrics listener starting")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				e.log.Warn().Err(err).Msg("metrics listener error")
			}
		}()
	}

	e.log.Info().
		Str("device_id", e.dev.ID().String()).
		Str("data_dir", e.dev.DataDir()).
		Msg("pairsync started")
	return nil
}

// ─── Public surface ───────────────────────────────────────────────────────────

// Tasks returns the conflict-aware storage service for task rows.
func (e *Engine) Tasks() *coordinator.Service { return e.coord.Tasks() }

// Users returns the conflict-aware storage service for user rows.
func (e *Engine) Users() *coordinator.Service { return e.coord.Users() }

// Queue exposes the offline operation queue for direct enqueueing of
// app-defined operation types ("send_encouragement" and friends).
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Monitor exposes the connection monitor for subscriptions and manual
// connectivity tests.
func (e *Engine) Monitor() *connmon.Monitor { return e.mon }

// Resolver exposes the conflict resolver so the app can register custom
// strategies and per-field resolvers at startup.
func (e *Engine) Resolver() *resolver.Resolver { return e.res }

// DeadLetters exposes inspection and replay of permanently-failed
// operations.
func (e *Engine) DeadLetters() *dlq.Manager { return e.dead }

// DeviceID returns this device's persistent identity.
func (e *Engine) DeviceID() string { return e.dev.ID().String() }

// ReportConnection feeds a platform network report into the monitor.
// Connected/restored transitions trigger a queue drain.
func (e *Engine) ReportConnection(state types.ConnState) {
	e.mon.Report(state)
}

// SyncNow forces a drain pass regardless of the single-drain guard.
// Intended for explicit "sync now" UX.
func (e *Engine) SyncNow(ctx context.Context) queue.DrainResult {
	return e.queue.ForceDrain(ctx)
}

// MetricsHandler returns the Prometheus text endpoint for embedding in the
// host's own HTTP mux when the built-in listener is disabled.
func (e *Engine) MetricsHandler() http.Handler { return e.reg.Handler() }

// Close stops background loops, persists the queue, and releases the local
// store. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	if e.unsub != nil {
		e.unsub()
	}
	if e.watchCancel != nil {
		e.watchCancel()
	}
	if e.metricsSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.metricsSrv.Shutdown(shutCtx); err != nil {
			e.log.Warn().Err(err).Msg("metrics listener shutdown error")
		}
	}

	var errs []error
	if err := e.mon.Close(); err != nil {
		errs = append(errs, fmt.Errorf("monitor: %w", err))
	}
	if err := e.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("queue: %w", err))
	}
	if err := e.local.Close(); err != nil {
		errs = append(errs, fmt.Errorf("local store: %w", err))
	}

	e.log.Info().Msg("pairsync stopped")
	return errors.Join(errs...)
}

// ─── Wiring helpers ───────────────────────────────────────────────────────────

func buildLogger(lc config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var w = os.Stdout
	logger := zerolog.New(w)
	if lc.Console {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func monitorConfig(mc config.MonitorConfig) connmon.Config {
	return connmon.Config{
		BreakerThreshold:    mc.BreakerThreshold,
		BreakerTimeout:      time.Duration(mc.BreakerTimeoutMs) * time.Millisecond,
		HealthCheckInterval: time.Duration(mc.HealthCheckIntervalMs) * time.Millisecond,
		SlowThreshold:       time.Duration(mc.SlowThresholdMs) * time.Millisecond,
		Retry: connmon.RetryPolicy{
			MaxRetries:        mc.RetryMaxAttempts,
			InitialDelay:      time.Duration(mc.RetryInitialDelayMs) * time.Millisecond,
			BackoffMultiplier: mc.RetryBackoffMultiplier,
		},
	}
}

func queueConfig(cfg *config.Config) queue.Config {
	janitor := time.Duration(0)
	if cfg.Queue.JanitorInterval != "" {
		if d, err := time.ParseDuration(cfg.Queue.JanitorInterval); err == nil {
			janitor = d
		}
	}
	return queue.Config{
		MaxOperations:   cfg.Queue.MaxOperations,
		MaxRetries:      cfg.Queue.MaxRetries,
		BatchSize:       cfg.Queue.BatchSize,
		Retention:       cfg.RetentionDuration(),
		JanitorInterval: janitor,
	}
}
