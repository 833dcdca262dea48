// Package cache provides a bounded in-process key/value store with TTL and
// LRU eviction, and a Manager that adds lifecycle, expiry sweeps, and
// distributed invalidation on top of it.
package cache

import (
	"context"
	"time"
)

// Store is the read/write contract exposed by the cache layer.
// All implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves a value by key.
	// Returns ErrNotFound if the key doesn't exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the specified TTL.
	// A non-positive ttl stores the value with the manager's default TTL.
	// Overwrites existing values.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Invalidate removes a value locally and broadcasts the removal to
	// other nodes. The local removal is synchronous: once Invalidate
	// returns, no subsequent Get on this node observes the old value.
	Invalidate(ctx context.Context, key string) error
}

// Stats is a point-in-time snapshot of cache counters.
// All counters except Size are monotonically non-decreasing.
type Stats struct {
	Size              int    // Current number of live entries
	Hits              uint64 // Lookups that returned a value
	Misses            uint64 // Lookups that found nothing (or an expired entry)
	Evictions         uint64 // Entries removed by the LRU policy
	Expirations       uint64 // Entries removed because their TTL elapsed
	InvalidationsSent uint64 // Invalidation broadcasts published
	InvalidationsRecv uint64 // Invalidation broadcasts applied from other nodes
}

// Broadcaster propagates cache invalidations across nodes.
// Propagation is asynchronous and eventually consistent: remote nodes may
// serve a stale entry for at most the manager's propagation window.
type Broadcaster interface {
	// Publish announces that key has been invalidated on this node.
	Publish(ctx context.Context, key string) error

	// Subscribe registers a handler invoked for every invalidation
	// announced by other nodes. Subscribe must be called at most once.
	Subscribe(ctx context.Context, handler func(key string)) error

	// Close stops the subscription and releases the transport.
	Close() error
}

// NopBroadcaster is a Broadcaster for single-node deployments.
// Publishes succeed without side effects and no remote invalidations arrive.
type NopBroadcaster struct{}

// Publish implements Broadcaster.
func (NopBroadcaster) Publish(context.Context, string) error { return nil }

// Subscribe implements Broadcaster.
func (NopBroadcaster) Subscribe(context.Context, func(string)) error { return nil }

// Close implements Broadcaster.
func (NopBroadcaster) Close() error { return nil }
