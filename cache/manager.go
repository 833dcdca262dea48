package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/framelens/go-resilience/cache/internal/tracking"
	"github.com/framelens/go-resilience/logger"
)

// ManagerConfig configures the cache manager.
type ManagerConfig struct {
	MaxSize           int           // Entry capacity of the memory cache (default: DefaultMaxSize)
	DefaultTTL        time.Duration // TTL applied when Set is called with ttl <= 0 (default: DefaultTTL)
	SweepInterval     time.Duration // Janitor frequency (default: DefaultSweepInterval)
	PropagationWindow time.Duration // Broadcast timeout / staleness bound (default: DefaultPropagationWindow)
}

// withDefaults fills zero fields with package defaults.
func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.PropagationWindow <= 0 {
		c.PropagationWindow = DefaultPropagationWindow
	}
	return c
}

// Manager wraps a MemoryCache with lifecycle management, periodic expiry
// sweeps, and distributed invalidation.
//
// Invalidate clears the local cache synchronously and broadcasts the
// removal asynchronously: other nodes converge within the propagation
// window. Close flushes broadcasts still in flight before returning.
type Manager struct {
	cfg         ManagerConfig
	mem         *MemoryCache
	broadcaster Broadcaster
	log         logger.Logger

	invalidationsSent uint64
	invalidationsRecv uint64

	// closeMu orders broadcast registration against shutdown: Invalidate
	// checks closed and joins pending under it, Close marks closed under
	// it before the flush wait. Without that ordering a broadcast could
	// join after the wait started.
	closeMu   sync.Mutex
	pending   sync.WaitGroup // in-flight invalidation broadcasts
	closeCh   chan struct{}
	closeOnce sync.Once
	started   atomic.Bool
	closed    atomic.Bool

	unregisterMetrics func()
}

var _ Store = (*Manager)(nil)

// NewManager creates a cache manager. A nil broadcaster disables
// distributed invalidation (equivalent to NopBroadcaster).
func NewManager(cfg ManagerConfig, broadcaster Broadcaster, log logger.Logger) *Manager {
	cfg = cfg.withDefaults()
	if broadcaster == nil {
		broadcaster = NopBroadcaster{}
	}
	if log == nil {
		log = logger.NewDisabled()
	}

	return &Manager{
		cfg:         cfg,
		mem:         NewMemoryCache(cfg.MaxSize),
		broadcaster: broadcaster,
		log:         log,
		closeCh:     make(chan struct{}),
	}
}

// Start launches the expiry janitor and subscribes to remote invalidations.
// It must be called exactly once before the manager is used.
func (m *Manager) Start(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if err := m.broadcaster.Subscribe(ctx, m.applyRemoteInvalidation); err != nil {
		m.started.Store(false)
		return err
	}

	go m.sweepLoop()

	m.unregisterMetrics = tracking.RegisterManagerMetrics(func() tracking.ManagerStats {
		s := m.Stats()
		return tracking.ManagerStats{
			Size:              s.Size,
			Hits:              s.Hits,
			Misses:            s.Misses,
			Evictions:         s.Evictions,
			Expirations:       s.Expirations,
			InvalidationsSent: s.InvalidationsSent,
			InvalidationsRecv: s.InvalidationsRecv,
		}
	})

	m.log.Info().
		Int("max_size", m.cfg.MaxSize).
		Dur("default_ttl", m.cfg.DefaultTTL).
		Dur("propagation_window", m.cfg.PropagationWindow).
		Msg("Cache manager started")

	return nil
}

// Get retrieves a value. Returns ErrNotFound on a miss.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	start := time.Now()
	value, ok := m.mem.Get(key)
	tracking.RecordOperation(ctx, tracking.OpGet, time.Since(start), ok, nil)

	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

// Set stores a value. A non-positive ttl uses the configured default.
func (m *Manager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}

	start := time.Now()
	m.mem.Set(key, value, ttl)
	tracking.RecordOperation(ctx, tracking.OpSet, time.Since(start), false, nil)
	return nil
}

// Invalidate removes key locally, then broadcasts the removal to other
// nodes. The local removal completes before Invalidate returns, so no
// subsequent Get on this node can observe the old value. The broadcast is
// asynchronous and bounded by the propagation window; a transport failure
// is logged, never surfaced, because local correctness is already
// established.
func (m *Manager) Invalidate(ctx context.Context, key string) error {
	m.closeMu.Lock()
	if m.closed.Load() {
		m.closeMu.Unlock()
		return ErrClosed
	}
	m.pending.Add(1)
	m.closeMu.Unlock()

	m.mem.Delete(key)
	atomic.AddUint64(&m.invalidationsSent, 1)

	go func() {
		defer m.pending.Done()

		bctx, cancel := context.WithTimeout(context.Background(), m.cfg.PropagationWindow)
		defer cancel()

		if err := m.broadcaster.Publish(bctx, key); err != nil {
			m.log.Warn().Err(&BroadcastError{Key: key, Err: err}).
				Str("key", key).
				Msg("Invalidation broadcast failed")
		}
	}()

	tracking.RecordOperation(ctx, tracking.OpInvalidate, 0, false, nil)
	return nil
}

// Stats returns a snapshot of cache and invalidation counters.
func (m *Manager) Stats() Stats {
	s := m.mem.Stats()
	s.InvalidationsSent = atomic.LoadUint64(&m.invalidationsSent)
	s.InvalidationsRecv = atomic.LoadUint64(&m.invalidationsRecv)
	return s
}

// Close flushes pending invalidation broadcasts, stops the janitor, and
// closes the broadcaster. Safe to call multiple times.
func (m *Manager) Close() error {
	var closeErr error

	m.closeOnce.Do(func() {
		m.closeMu.Lock()
		m.closed.Store(true)
		m.closeMu.Unlock()
		close(m.closeCh)

		// No broadcast can join pending from here on, and every
		// in-flight publish carries a propagation-window timeout, so
		// this wait is bounded.
		m.pending.Wait()

		if m.unregisterMetrics != nil {
			m.unregisterMetrics()
		}

		closeErr = m.broadcaster.Close()
		m.log.Info().Msg("Cache manager closed")
	})

	return closeErr
}

// applyRemoteInvalidation handles an invalidation announced by another node.
func (m *Manager) applyRemoteInvalidation(key string) {
	if m.closed.Load() {
		return
	}
	m.mem.Delete(key)
	atomic.AddUint64(&m.invalidationsRecv, 1)

	m.log.Debug().Str("key", key).Msg("Applied remote invalidation")
}

// sweepLoop periodically reclaims expired entries until Close.
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := m.mem.Sweep(); n > 0 {
				m.log.Debug().Int("reclaimed", n).Msg("Expiry sweep completed")
			}
		case <-m.closeCh:
			return
		}
	}
}
