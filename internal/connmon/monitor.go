// Package connmon tracks the state of the network link and wraps every
// network-touching operation in a resilience layer: a circuit breaker over
// the transport plus an exponential-backoff retry helper.
//
// The monitor is fed by two sources: the platform's network-state reports
// (Report) and the outcomes of operations run through ExecuteWithRetry and
// TestConnection. Subscribers receive connectivity events and are isolated
// from each other — a panicking listener is logged, never propagated.
package connmon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/duetlabs/pairsync/internal/metrics"
	"github.com/duetlabs/pairsync/internal/types"
)

// ErrCircuitOpen is returned by ExecuteWithRetry when the circuit breaker
// is open: the operation was not attempted at all.
var ErrCircuitOpen = errors.New("connmon: circuit open")

// Pinger measures reachability of the remote store. The monitor only needs
// a cheap round trip; the remote client's health endpoint serves.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Event is delivered to subscribers on every connectivity change.
type Event struct {
	// Name is one of the types.Event* constants.
	Name  string
	State types.ConnState
	// Err is set on EventError deliveries.
	Err error
}

// Listener receives connectivity events.
type Listener func(Event)

// Config tunes the monitor. Zero values fall back to DefaultConfig().
type Config struct {
	// BreakerThreshold is the number of consecutive failures that opens
	// the circuit.
	BreakerThreshold int

	// BreakerTimeout is how long the circuit stays open before traffic is
	// allowed through again.
	BreakerTimeout time.Duration

	// HealthCheckInterval is how often the background probe runs while
	// connected. Zero disables the background loop.
	HealthCheckInterval time.Duration

	// SlowThreshold is the probe latency above which a "slow" event fires.
	SlowThreshold time.Duration

	// Retry provides defaults for ExecuteWithRetry calls with a zero policy.
	Retry RetryPolicy
}

// DefaultConfig returns reference resilience settings.
func DefaultConfig() Config {
	return Config{
		BreakerThreshold:    5,
		BreakerTimeout:      30 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		SlowThreshold:       5 * time.Second,
		Retry: RetryPolicy{
			MaxRetries:        3,
			InitialDelay:      time.Second,
			BackoffMultiplier: 2.0,
		},
	}
}

// Monitor tracks link state and owns the circuit breaker.
// All methods are safe for concurrent use.
type Monitor struct {
	cfg    Config
	pinger Pinger
	log    zerolog.Logger
	reg    *metrics.Registry

	mu        sync.Mutex
	state     types.ConnState
	subs      map[int]Listener
	nextSubID int
	cb        *gobreaker.CircuitBreaker

	loopDone chan struct{}
	loopWG   sync.WaitGroup
	started  bool
}

// New creates a Monitor. pinger may be nil, which disables TestConnection
// and the background health loop. reg may be nil to disable metrics.
func New(cfg Config, pinger Pinger, log zerolog.Logger, reg *metrics.Registry) *Monitor {
	def := DefaultConfig()
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = def.BreakerThreshold
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = def.SlowThreshold
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = def.Retry.MaxRetries
	}
	if cfg.Retry.InitialDelay <= 0 {
		cfg.Retry.InitialDelay = def.Retry.InitialDelay
	}
	if cfg.Retry.BackoffMultiplier < 1 {
		cfg.Retry.BackoffMultiplier = def.Retry.BackoffMultiplier
	}

	m := &Monitor{
		cfg:      cfg,
		pinger:   pinger,
		log:      log,
		reg:      reg,
		subs:     make(map[int]Listener),
		loopDone: make(chan struct{}),
	}
	m.cb = m.newBreaker()
	return m
}

// newBreaker builds a circuit breaker with the monitor's thresholds.
// Rebuilt wholesale on link restoration, which is how the failure count is
// reset to zero.
func (m *Monitor) newBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "pairsync-remote",
		MaxRequests: 1, // one trial request in half-open
		Timeout:     m.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(m.cfg.BreakerThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.log.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
			m.reg.IncBreakerTransition(metrics.BreakerKey(from.String(), to.String()))
		},
	})
}

// ─── State reporting ─────────────────────────────────────────────────────────

// Report feeds a platform network-state observation into the monitor.
//
// Disconnected → Connected emits "restored" and resets the circuit
// breaker's failure count. Unknown → Connected emits "connected".
// Connected → Disconnected emits "disconnected" and does not, by itself,
// open the circuit breaker.
func (m *Monitor) Report(state types.ConnState) {
	m.mu.Lock()
	prev := m.state.Status
	m.state.Status = state.Status
	m.state.Transport = state.Transport
	m.state.Reachable = state.Reachable
	if state.LatencyMs > 0 {
		m.state.LatencyMs = state.LatencyMs
	}
	if prev == types.LinkDisconnected && state.Status == types.LinkConnected {
		m.cb = m.newBreaker()
	}
	snapshot := m.state
	m.mu.Unlock()

	switch {
	case state.Status == types.LinkConnected && prev == types.LinkDisconnected:
		m.emit(Event{Name: types.EventRestored, State: snapshot})
	case state.Status == types.LinkConnected && prev != types.LinkConnected:
		m.emit(Event{Name: types.EventConnected, State: snapshot})
	case state.Status == types.LinkDisconnected && prev != types.LinkDisconnected:
		m.emit(Event{Name: types.EventDisconnected, State: snapshot})
	}
}

// State returns the current connection state.
func (m *Monitor) State() types.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnectionAvailable reports whether the link is usable: the last known
// state is connected AND the circuit breaker is not open. Half-open counts
// as available — the next call is the trial that decides.
func (m *Monitor) IsConnectionAvailable() bool {
	m.mu.Lock()
	cb := m.cb
	status := m.state.Status
	m.mu.Unlock()
	return status == types.LinkConnected && cb.State() != gobreaker.StateOpen
}

// ─── Subscriptions ───────────────────────────────────────────────────────────

// Subscribe registers a listener and returns its unsubscribe function.
// If the link state is already known, the listener immediately receives a
// replay of the current state.
func (m *Monitor) Subscribe(fn Listener) func() {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn
	replay := m.state
	m.mu.Unlock()

	if replay.Status != types.LinkUnknown {
		name := types.EventDisconnected
		if replay.Status == types.LinkConnected {
			name = types.EventConnected
		}
		m.deliver(fn, Event{Name: name, State: replay})
	}

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// emit fans an event out to every subscriber.
func (m *Monitor) emit(ev Event) {
	m.mu.Lock()
	listeners := make([]Listener, 0, len(m.subs))
	for _, fn := range m.subs {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		m.deliver(fn, ev)
	}
}

// deliver invokes a single listener, isolating panics so one broken
// subscriber cannot block delivery to the others.
func (m *Monitor) deliver(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().
				Str("event", ev.Name).
				Interface("panic", r).
				Msg("connectivity listener panicked")
		}
	}()
	fn(ev)
}

// ─── Connectivity probe ──────────────────────────────────────────────────────

// TestConnection measures a round trip to the remote store. The probe runs
// through the circuit breaker, so repeated probe failures can open it.
// A round trip slower than the slow threshold fires a "slow" event without
// changing connectivity state.
func (m *Monitor) TestConnection(ctx context.Context) (time.Duration, error) {
	if m.pinger == nil {
		return 0, errors.New("connmon: no pinger configured")
	}

	m.mu.Lock()
	cb := m.cb
	m.mu.Unlock()

	start := time.Now()
	_, err := cb.Execute(func() (any, error) {
		return nil, m.pinger.Ping(ctx)
	})
	latency := time.Since(start)

	m.mu.Lock()
	m.state.Reachable = err == nil
	m.state.LatencyMs = latency.Milliseconds()
	snapshot := m.state
	m.mu.Unlock()

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return latency, ErrCircuitOpen
		}
		m.emit(Event{Name: types.EventError, State: snapshot, Err: err})
		return latency, err
	}

	if latency > m.cfg.SlowThreshold {
		m.emit(Event{Name: types.EventSlow, State: snapshot})
	}
	return latency, nil
}

// ─── Background health checks ────────────────────────────────────────────────

// Start launches the background health-check loop. Probes run on the
// configured interval while connected and are suspended while disconnected.
// No-op when the interval is zero or no pinger is configured.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started || m.cfg.HealthCheckInterval <= 0 || m.pinger == nil {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.loopWG.Add(1)
	go m.healthLoop()
}

func (m *Monitor) healthLoop() {
	defer m.loopWG.Done()
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.loopDone:
			return
		case <-ticker.C:
			if m.State().Status != types.LinkConnected {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SlowThreshold*2)
			if _, err := m.TestConnection(ctx); err != nil && !errors.Is(err, ErrCircuitOpen) {
				m.log.Debug().Err(err).Msg("background health check failed")
			}
			cancel()
		}
	}
}

// Close stops the background health-check loop.
func (m *Monitor) Close() error {
	m.mu.Lock()
	started := m.started
	m.started = false
	m.mu.Unlock()
	if started {
		close(m.loopDone)
		m.loopWG.Wait()
	}
	return nil
}
