package cache

import "time"

// Default configuration values for the cache manager.
const (
	// DefaultMaxSize is the default entry capacity of the memory cache.
	// When exceeded, the least recently used entry is evicted.
	DefaultMaxSize = 1000

	// DefaultTTL is the default time-to-live for query results.
	DefaultTTL = 300 * time.Second

	// DefaultSweepInterval is how often the janitor reclaims expired
	// entries. Expiry is also enforced lazily on every Get, so the sweep
	// only affects memory reclamation, not correctness.
	DefaultSweepInterval = 1 * time.Minute

	// DefaultPropagationWindow bounds how long a remote node may serve a
	// stale entry after a local invalidation. It is also the per-publish
	// timeout for invalidation broadcasts.
	DefaultPropagationWindow = 2 * time.Second
)
