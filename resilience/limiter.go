package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/framelens/go-resilience/resilience/internal/tracking"
)

// Default limiter settings.
const (
	DefaultMaxConcurrent    = 64
	DefaultOperationTimeout = 10 * time.Second
)

// LimiterConfig configures a Limiter.
type LimiterConfig struct {
	// Name identifies the operation class in metrics. Separate limiter
	// instances isolate operation classes from starving each other.
	Name string

	// MaxConcurrent bounds simultaneous executions (default: 64).
	MaxConcurrent int

	// OperationTimeout bounds slot acquisition plus the operation itself
	// (default: 10s). A caller that cannot start in time fails with
	// ErrLimiterTimeout instead of queueing forever.
	OperationTimeout time.Duration

	// RatePerSecond optionally caps the request admission rate ahead of
	// the semaphore. Zero disables rate limiting.
	RatePerSecond float64

	// Burst is the rate limiter burst size; ignored when RatePerSecond
	// is zero. Defaults to MaxConcurrent.
	Burst int
}

// withDefaults fills zero fields with package defaults.
func (c LimiterConfig) withDefaults() LimiterConfig {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.Burst <= 0 {
		c.Burst = c.MaxConcurrent
	}
	return c
}

// LimiterStats is a snapshot of limiter counters.
type LimiterStats struct {
	InFlight      int64
	MaxConcurrent int
	Timeouts      uint64
	Executed      uint64
}

// Limiter bounds the number of in-flight operations with a weighted
// semaphore, independent of raw request volume. Slots are always released,
// including on timeout, cancellation, and panic.
type Limiter struct {
	cfg     LimiterConfig
	sem     *semaphore.Weighted
	rate    *rate.Limiter // nil when rate limiting is disabled
	cleanup func()

	inFlight int64
	timeouts uint64
	executed uint64
}

// NewLimiter creates a limiter from the given configuration.
func NewLimiter(cfg LimiterConfig) *Limiter {
	cfg = cfg.withDefaults()

	l := &Limiter{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
	if cfg.RatePerSecond > 0 {
		l.rate = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}

	l.cleanup = tracking.RegisterLimiterMetrics(cfg.Name, func() tracking.LimiterStats {
		s := l.Stats()
		return tracking.LimiterStats{
			InFlight: s.InFlight,
			Timeouts: s.Timeouts,
			Executed: s.Executed,
		}
	})
	return l
}

// Execute runs op within a concurrency slot. The operation timeout covers
// both the wait for a slot and the operation itself; op receives a context
// that expires with that budget. Exceeding the budget while waiting
// surfaces ErrLimiterTimeout, never a silent drop.
func (l *Limiter) Execute(ctx context.Context, op Operation) ([]byte, error) {
	opCtx, cancel := context.WithTimeout(ctx, l.cfg.OperationTimeout)
	defer cancel()

	if l.rate != nil {
		if err := l.rate.Wait(opCtx); err != nil {
			atomic.AddUint64(&l.timeouts, 1)
			return nil, errors.Join(ErrLimiterTimeout, err)
		}
	}

	if err := l.sem.Acquire(opCtx, 1); err != nil {
		atomic.AddUint64(&l.timeouts, 1)
		return nil, errors.Join(ErrLimiterTimeout, err)
	}
	defer l.sem.Release(1)

	atomic.AddInt64(&l.inFlight, 1)
	defer atomic.AddInt64(&l.inFlight, -1)

	data, err := op(opCtx)
	atomic.AddUint64(&l.executed, 1)
	return data, err
}

// InFlight returns the number of operations currently executing.
func (l *Limiter) InFlight() int64 {
	return atomic.LoadInt64(&l.inFlight)
}

// Saturated reports whether every concurrency slot is taken.
func (l *Limiter) Saturated() bool {
	return l.InFlight() >= int64(l.cfg.MaxConcurrent)
}

// MaxConcurrent returns the configured concurrency bound.
func (l *Limiter) MaxConcurrent() int {
	return l.cfg.MaxConcurrent
}

// Stats returns a snapshot of limiter counters.
func (l *Limiter) Stats() LimiterStats {
	return LimiterStats{
		InFlight:      atomic.LoadInt64(&l.inFlight),
		MaxConcurrent: l.cfg.MaxConcurrent,
		Timeouts:      atomic.LoadUint64(&l.timeouts),
		Executed:      atomic.LoadUint64(&l.executed),
	}
}

// Close unregisters the limiter's metrics.
func (l *Limiter) Close() {
	if l.cleanup != nil {
		l.cleanup()
	}
}
