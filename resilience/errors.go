package resilience

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the resilience primitives.
// Use errors.Is() to check for them.
var (
	// ErrCircuitOpen is returned when the breaker is open and no fallback
	// value is available.
	ErrCircuitOpen = errors.New("resilience: circuit open")

	// ErrLimiterTimeout is returned when a concurrency slot could not be
	// acquired within the operation timeout. Never swallowed: callers can
	// distinguish "system saturated" from "no data available".
	ErrLimiterTimeout = errors.New("resilience: concurrency slot not acquired in time")
)

// UpstreamError wraps a failure of the guarded operation when no fallback
// could resolve it. The original cause is attached for errors.Is/As.
type UpstreamError struct {
	Cause error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("resilience: upstream operation failed: %v", e.Cause)
}

// Unwrap returns the original cause.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}
