package connmon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sony/gobreaker"

	"github.com/duetlabs/pairsync/internal/types"
)

// RetryPolicy controls ExecuteWithRetry. Zero values fall back to the
// monitor's configured defaults.
type RetryPolicy struct {
	// MaxRetries is the total number of attempts.
	MaxRetries int

	// InitialDelay is the wait before the second attempt; attempt n waits
	// InitialDelay * BackoffMultiplier^(n-1).
	InitialDelay time.Duration

	BackoffMultiplier float64
}

// ExecuteWithRetry runs op with exponential backoff, routing every attempt
// through the circuit breaker.
//
// If the circuit is open when the call starts, ExecuteWithRetry fails
// immediately with ErrCircuitOpen without attempting the operation; the
// same applies if the circuit opens between attempts. Each failed attempt
// records a breaker failure. A success resets the failure count and closes
// a half-open circuit. Once every attempt fails, the last error is
// propagated wrapped with the attempt count.
func (m *Monitor) ExecuteWithRetry(ctx context.Context, op func(ctx context.Context) error, policy RetryPolicy) error {
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = m.cfg.Retry.MaxRetries
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = m.cfg.Retry.InitialDelay
	}
	if policy.BackoffMultiplier < 1 {
		policy.BackoffMultiplier = m.cfg.Retry.BackoffMultiplier
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxRetries; attempt++ {
		m.mu.Lock()
		cb := m.cb
		m.mu.Unlock()

		_, err := cb.Execute(func() (any, error) {
			return nil, op(ctx)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// The breaker rejected the call — op never ran, so this does
			// not consume the retry budget semantically; there is no point
			// continuing either, the circuit stays open for the timeout.
			return fmt.Errorf("%w (after %d attempts)", ErrCircuitOpen, attempt-1)
		}
		lastErr = err

		if attempt == policy.MaxRetries {
			break
		}
		delay := backoffDelay(policy, attempt)
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	m.emit(Event{Name: types.EventError, State: m.State(), Err: lastErr})
	return fmt.Errorf("after %d attempts: %w", policy.MaxRetries, lastErr)
}

// backoffDelay computes the wait after the given 1-based attempt.
func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	mult := math.Pow(policy.BackoffMultiplier, float64(attempt-1))
	return time.Duration(float64(policy.InitialDelay) * mult)
}
