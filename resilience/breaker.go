// Package resilience provides the guards that sit between the cache layer
// and the document store: a circuit breaker with fallback-to-cache
// semantics, a concurrency limiter, and a single-flight group that
// deduplicates concurrent fetches of the same key.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/framelens/go-resilience/logger"
	"github.com/framelens/go-resilience/resilience/internal/tracking"
)

// State is the circuit breaker state.
type State int32

// Circuit breaker states. Transitions are restricted to
// closed→open, open→half-open, half-open→closed and half-open→open.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Default breaker thresholds.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
	DefaultSuccessThreshold = 2
)

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// Name identifies the guarded dependency in logs and metrics.
	Name string

	// FailureThreshold is the number of consecutive failures in the
	// closed state that opens the circuit (default: 5).
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before a trial
	// call is allowed (default: 30s).
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of consecutive trial successes in
	// the half-open state that close the circuit again (default: 2).
	SuccessThreshold int
}

// withDefaults fills zero fields with package defaults.
func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	return c
}

// Operation is a guarded call against the upstream dependency.
type Operation func(ctx context.Context) ([]byte, error)

// Fallback supplies a degraded result (typically the last cached value,
// possibly stale) when the live path is unavailable. The second return
// reports whether a fallback value exists.
type Fallback func(ctx context.Context) ([]byte, bool)

// BreakerStats is a snapshot of breaker counters for observability.
type BreakerStats struct {
	State               State
	ConsecutiveFailures int
	HalfOpenSuccesses   int
	OpenedAt            time.Time // zero unless the circuit is open
	Transitions         uint64
	FallbacksServed     uint64
	ShortCircuited      uint64 // calls rejected without executing the operation
}

// CircuitBreaker guards calls to a failing dependency. It fails fast while
// the dependency is down and degrades to the caller-provided fallback
// instead of surfacing every upstream error.
//
// All state transitions happen under one mutex; the guarded operation
// itself runs outside the lock so slow upstream calls never serialize.
type CircuitBreaker struct {
	cfg BreakerConfig
	log logger.Logger

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	halfOpenSuccesses   int
	openedAt            time.Time

	transitions     uint64
	fallbacksServed uint64
	shortCircuited  uint64
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(cfg BreakerConfig, log logger.Logger) *CircuitBreaker {
	if log == nil {
		log = logger.NewDisabled()
	}
	return &CircuitBreaker{
		cfg:   cfg.withDefaults(),
		state: StateClosed,
		log:   log,
	}
}

// Execute runs op under the breaker's state machine.
//
// Closed: op runs; consecutive failures at or beyond the failure threshold
// open the circuit. Open: op is not executed; the fallback is served when
// available, otherwise ErrCircuitOpen; once the recovery timeout elapses
// the circuit moves to half-open before the next call. Half-open: op runs
// as a trial; enough consecutive successes close the circuit, any failure
// reopens it.
//
// When op fails and a fallback value exists, the fallback is returned and
// the upstream error is only logged. Without a fallback the error surfaces
// as *UpstreamError wrapping the cause.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation, fallback Fallback) ([]byte, error) {
	if !cb.allow(ctx) {
		cb.mu.Lock()
		cb.shortCircuited++
		cb.mu.Unlock()

		if fallback != nil {
			if data, ok := fallback(ctx); ok {
				cb.recordFallback()
				return data, nil
			}
		}
		return nil, ErrCircuitOpen
	}

	data, err := op(ctx)
	if err == nil {
		cb.onSuccess(ctx)
		return data, nil
	}

	cb.onFailure(ctx)

	if fallback != nil {
		if data, ok := fallback(ctx); ok {
			cb.recordFallback()
			cb.log.Warn().Err(err).Str("breaker", cb.cfg.Name).
				Msg("Upstream operation failed, serving fallback")
			return data, nil
		}
	}
	return nil, &UpstreamError{Cause: err}
}

// State returns the current state, promoting open to half-open when the
// recovery timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeRecoverLocked(context.Background())
	return cb.state
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return BreakerStats{
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		HalfOpenSuccesses:   cb.halfOpenSuccesses,
		OpenedAt:            cb.openedAt,
		Transitions:         cb.transitions,
		FallbacksServed:     cb.fallbacksServed,
		ShortCircuited:      cb.shortCircuited,
	}
}

// allow reports whether the next call may execute the operation.
func (cb *CircuitBreaker) allow(ctx context.Context) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeRecoverLocked(ctx)
	return cb.state != StateOpen
}

// maybeRecoverLocked transitions open→half-open once the recovery timeout
// has elapsed. Must be called with mu held.
func (cb *CircuitBreaker) maybeRecoverLocked(ctx context.Context) {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cfg.RecoveryTimeout {
		cb.transitionLocked(ctx, StateHalfOpen)
		cb.halfOpenSuccesses = 0
	}
}

// onSuccess applies a successful operation result to the state machine.
func (cb *CircuitBreaker) onSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures = 0
	case StateHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.cfg.SuccessThreshold {
			cb.transitionLocked(ctx, StateClosed)
			cb.consecutiveFailures = 0
			cb.halfOpenSuccesses = 0
			cb.openedAt = time.Time{}
		}
	case StateOpen:
		// A call admitted before the circuit opened can finish late;
		// its result carries no signal about the current state.
	}
}

// onFailure applies a failed operation result to the state machine.
func (cb *CircuitBreaker) onFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.transitionLocked(ctx, StateOpen)
			cb.openedAt = time.Now()
		}
	case StateHalfOpen:
		cb.transitionLocked(ctx, StateOpen)
		cb.openedAt = time.Now()
		cb.halfOpenSuccesses = 0
	case StateOpen:
		// Late failure from a call admitted earlier; already open.
	}
}

// transitionLocked moves the breaker to a new state and records it.
// Must be called with mu held.
func (cb *CircuitBreaker) transitionLocked(ctx context.Context, to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.transitions++

	tracking.RecordBreakerTransition(ctx, cb.cfg.Name, from.String(), to.String())
	cb.log.Info().
		Str("breaker", cb.cfg.Name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Circuit breaker state transition")
}

// recordFallback bumps the fallback counter.
func (cb *CircuitBreaker) recordFallback() {
	cb.mu.Lock()
	cb.fallbacksServed++
	cb.mu.Unlock()
}
