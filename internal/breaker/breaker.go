// ============================================================================
// Beaver-Flow Circuit Breaker - global admission fault isolator
// ============================================================================
//
// Package: internal/breaker
// File: breaker.go
//
// State machine:
//   closed ──Activate() x FailureThreshold / Trip()──▶ open
//   open   ──IsOpen() after RecoveryTimeout─────────▶ half-open
//   any    ──Deactivate()───────────────────────────▶ closed (count reset)
//
// The open → half-open move is evaluated lazily: it only happens when the
// state is read. Closing is always explicit; the orchestrator deactivates
// the breaker when the system returns to normal.
//
// ============================================================================

package breaker

import (
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-flow/pkg/types"
)

// Config CircuitBreaker configuration
type Config struct {
	FailureThreshold int           // activations before tripping
	RecoveryTimeout  time.Duration // open window before half-open
}

// DefaultConfig 3 activations, 30s recovery
func DefaultConfig() Config {
	return Config{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second}
}

// CircuitBreaker three-state breaker, safe for concurrent use
type CircuitBreaker struct {
	mu              sync.Mutex
	config          Config
	state           types.BreakerState
	failureCount    int
	lastFailureTime time.Time
	now             func() time.Time
}

// New creates a closed breaker
func New(config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	return &CircuitBreaker{
		config: config,
		state:  types.BreakerClosed,
		now:    time.Now,
	}
}

// WithClock replaces the time source, for tests
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	cb.now = now
	cb.mu.Unlock()
	return cb
}

// Activate records one failure and trips once the threshold is reached
func (cb *CircuitBreaker) Activate() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = cb.now()
	if cb.failureCount >= cb.config.FailureThreshold {
		cb.state = types.BreakerOpen
	}
}

// Trip opens the breaker immediately
func (cb *CircuitBreaker) Trip() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = types.BreakerOpen
	cb.lastFailureTime = cb.now()
}

// Deactivate closes the breaker and resets the failure count
func (cb *CircuitBreaker) Deactivate() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = types.BreakerClosed
	cb.failureCount = 0
}

// IsOpen reports whether calls must be rejected. Moves open to half-open
// once the recovery timeout has elapsed.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.refresh()
	return cb.state == types.BreakerOpen
}

// State current state, applying the lazy half-open transition
func (cb *CircuitBreaker) State() types.BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.refresh()
	return cb.state
}

// FailureCount activations since the last Deactivate
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// EstimatedRecoveryTime remaining open window, zero unless open
func (cb *CircuitBreaker) EstimatedRecoveryTime() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.refresh()
	if cb.state != types.BreakerOpen {
		return 0
	}
	remaining := cb.config.RecoveryTimeout - cb.now().Sub(cb.lastFailureTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// refresh must be called with mu held
func (cb *CircuitBreaker) refresh() {
	if cb.state == types.BreakerOpen && cb.now().Sub(cb.lastFailureTime) > cb.config.RecoveryTimeout {
		cb.state = types.BreakerHalfOpen
	}
}
