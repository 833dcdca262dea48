package cache

import (
	"errors"
	"fmt"
)

// Sentinel errors for common cache conditions.
// Use errors.Is() to check for them.
var (
	// ErrNotFound is returned when a key doesn't exist or has expired.
	// A miss is a normal absent-value signal, not a failure.
	ErrNotFound = errors.New("cache: key not found")

	// ErrClosed is returned when operating on a closed manager.
	ErrClosed = errors.New("cache: manager closed")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("cache: manager already started")
)

// BroadcastError reports a failed invalidation broadcast. The local cache
// was already cleared when this error occurs; only remote propagation is
// affected.
type BroadcastError struct {
	Key string // Cache key being invalidated
	Err error  // Underlying transport error
}

// Error implements the error interface.
func (e *BroadcastError) Error() string {
	return fmt.Sprintf("cache: invalidation broadcast failed for key %q: %v", e.Key, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *BroadcastError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error during cache construction.
type ConfigError struct {
	Field   string // Configuration field that failed validation
	Message string // Human-readable error message
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("cache configuration error: %s: %s", e.Field, e.Message)
}

// NewConfigError creates a new configuration error.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}
