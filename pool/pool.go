// Package pool maintains a bounded pool of database connections with
// acquisition timeouts, background health checks, and utilization-driven
// resizing between a minimum and maximum size.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/framelens/go-resilience/logger"
	"github.com/framelens/go-resilience/pool/internal/tracking"
)

// Sentinel errors for pool operations.
var (
	// ErrPoolExhausted is returned when no connection becomes available
	// within the acquisition timeout. Callers may treat it as a circuit
	// breaker failure.
	ErrPoolExhausted = errors.New("pool: acquisition timed out")

	// ErrClosed is returned when operating on a closed pool.
	ErrClosed = errors.New("pool: closed")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("pool: already started")
)

// errAtCapacity signals that a dial lost the race for the last slot below
// MaxSize. Growth paths treat it as "do not grow", never as a failure.
var errAtCapacity = errors.New("pool: at capacity")

// ConnState describes where a pooled connection currently lives.
type ConnState int32

// Connection states. Unhealthy connections are removed and replaced,
// never handed out again.
const (
	StateIdle ConnState = iota
	StateActive
	StateUnhealthy
)

// String returns the lowercase state name.
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Conn is the raw connection contract the pool manages. Implementations
// wrap a real database client (see the mongodb package).
type Conn interface {
	// Ping verifies the connection is alive. Used by health checks.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close(ctx context.Context) error
}

// Connector dials a new raw connection.
type Connector func(ctx context.Context) (Conn, error)

// PooledConn is a pool-managed connection handle. Callers must return it
// with Release exactly once and must not use it afterwards.
type PooledConn struct {
	id       string
	conn     Conn
	state    atomic.Int32
	lastUsed time.Time // guarded by the pool mutex
}

// ID returns the connection's unique identifier.
func (pc *PooledConn) ID() string { return pc.id }

// State returns the connection's current state.
func (pc *PooledConn) State() ConnState { return ConnState(pc.state.Load()) }

// Conn exposes the raw connection for executing queries.
func (pc *PooledConn) Conn() Conn { return pc.conn }

// Default pool settings.
const (
	DefaultMinSize             = 2
	DefaultMaxSize             = 10
	DefaultAcquireTimeout      = 5 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultIdleGrace           = 60 * time.Second

	// Utilization band the resizer steers toward. Above the high mark the
	// pool grows immediately; below the low mark it shrinks one idle
	// connection per tick.
	DefaultUtilizationHigh = 0.90
	DefaultUtilizationLow  = 0.70
)

// Config configures a pool Manager.
type Config struct {
	MinSize             int           // Connections kept alive at all times (default: 2)
	MaxSize             int           // Hard ceiling on total connections (default: 10)
	AcquireTimeout      time.Duration // Max wait for a free connection (default: 5s)
	HealthCheckInterval time.Duration // Idle ping frequency (default: 30s)
	IdleGrace           time.Duration // Idle time before a surplus connection may be closed (default: 60s)
	UtilizationHigh     float64       // Grow when active/total exceeds this (default: 0.90)
	UtilizationLow      float64       // Shrink when active/total is below this (default: 0.70)
}

// withDefaults fills zero fields and repairs inconsistent sizing.
func (c Config) withDefaults() Config {
	if c.MinSize <= 0 {
		c.MinSize = DefaultMinSize
	}
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.MaxSize < c.MinSize {
		c.MaxSize = c.MinSize
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.IdleGrace <= 0 {
		c.IdleGrace = DefaultIdleGrace
	}
	if c.UtilizationHigh <= 0 || c.UtilizationHigh > 1 {
		c.UtilizationHigh = DefaultUtilizationHigh
	}
	if c.UtilizationLow <= 0 || c.UtilizationLow >= c.UtilizationHigh {
		c.UtilizationLow = DefaultUtilizationLow
	}
	return c
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Total     int    // Connections currently owned by the pool
	Active    int    // Connections handed out to callers
	Idle      int    // Connections waiting in the free list
	Created   uint64 // Connections dialed since Start
	Discarded uint64 // Connections removed after failing a health check
	Timeouts  uint64 // Acquisitions that hit ErrPoolExhausted
}

// Manager is the connection pool. The free list is a buffered channel so
// waiters park on a select with a timeout instead of spinning; every exit
// path either hands the connection to a caller or returns it to the list,
// so the active count always returns to baseline.
type Manager struct {
	cfg       Config
	connector Connector
	log       logger.Logger

	mu     sync.Mutex
	total  int
	active int

	free chan *PooledConn

	created   uint64
	discarded uint64
	timeouts  uint64

	closeCh   chan struct{}
	closeOnce sync.Once
	started   atomic.Bool
	closed    atomic.Bool

	unregisterMetrics func()
}

// New creates a pool manager. Connections are not dialed until Start.
func New(cfg Config, connector Connector, log logger.Logger) (*Manager, error) {
	if connector == nil {
		return nil, errors.New("pool: connector function is required")
	}
	if log == nil {
		log = logger.NewDisabled()
	}
	cfg = cfg.withDefaults()

	return &Manager{
		cfg:       cfg,
		connector: connector,
		log:       log,
		free:      make(chan *PooledConn, cfg.MaxSize),
		closeCh:   make(chan struct{}),
	}, nil
}

// Start pre-warms MinSize connections and launches the health/resize loop.
func (m *Manager) Start(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	for i := 0; i < m.cfg.MinSize; i++ {
		pc, err := m.dial(ctx)
		if err != nil {
			m.started.Store(false)
			m.drainAndClose(ctx)
			return fmt.Errorf("pool: failed to pre-warm connection %d: %w", i+1, err)
		}
		m.putIdle(pc)
	}

	go m.maintenanceLoop()

	m.unregisterMetrics = tracking.RegisterPoolMetrics(func() tracking.PoolStats {
		s := m.Stats()
		return tracking.PoolStats{
			Total:     s.Total,
			Active:    s.Active,
			Idle:      s.Idle,
			Created:   s.Created,
			Discarded: s.Discarded,
			Timeouts:  s.Timeouts,
		}
	})

	m.log.Info().
		Int("min_size", m.cfg.MinSize).
		Int("max_size", m.cfg.MaxSize).
		Dur("acquire_timeout", m.cfg.AcquireTimeout).
		Msg("Connection pool started")
	return nil
}

// Acquire returns a connection, waiting up to the acquisition timeout (or
// the caller's context deadline, whichever fires first). On timeout it
// returns ErrPoolExhausted; the caller holds nothing and owes nothing.
func (m *Manager) Acquire(ctx context.Context) (*PooledConn, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	// Fast path: an idle connection is ready.
	select {
	case pc := <-m.free:
		m.markActive(pc)
		return pc, nil
	default:
	}

	// Grow if below the ceiling.
	if pc, grew, err := m.tryGrow(ctx); grew {
		return pc, err
	}

	// All connections are out: wait for one to come back.
	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.AcquireTimeout)
	defer cancel()

	select {
	case pc := <-m.free:
		m.markActive(pc)
		return pc, nil
	case <-m.closeCh:
		return nil, ErrClosed
	case <-waitCtx.Done():
		atomic.AddUint64(&m.timeouts, 1)
		return nil, fmt.Errorf("%w after %s", ErrPoolExhausted, m.cfg.AcquireTimeout)
	}
}

// Release returns a connection to the pool. Unknown or unhealthy handles
// are discarded rather than recycled.
func (m *Manager) Release(pc *PooledConn) {
	if pc == nil {
		return
	}

	m.mu.Lock()
	if pc.State() == StateActive {
		m.active--
	}
	pc.lastUsed = time.Now()
	m.mu.Unlock()

	if m.closed.Load() || pc.State() == StateUnhealthy {
		m.discard(context.Background(), pc)
		return
	}

	pc.state.Store(int32(StateIdle))
	m.putIdle(pc)
}

// HealthCheck pings every idle connection. Connections failing the ping
// are closed, removed, and replaced so the pool never hands out a
// known-bad connection. Replacement keeps the total at or above MinSize.
func (m *Manager) HealthCheck(ctx context.Context) {
	idle := m.drainIdle()

	for _, pc := range idle {
		if err := pc.conn.Ping(ctx); err != nil {
			pc.state.Store(int32(StateUnhealthy))
			m.log.Warn().Err(err).Str("conn_id", pc.id).Msg("Connection failed health check, discarding")
			m.discard(ctx, pc)
			continue
		}
		m.putIdle(pc)
	}

	m.replenish(ctx)
}

// Stats returns a snapshot of pool counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	total, active := m.total, m.active
	m.mu.Unlock()

	return Stats{
		Total:     total,
		Active:    active,
		Idle:      len(m.free),
		Created:   atomic.LoadUint64(&m.created),
		Discarded: atomic.LoadUint64(&m.discarded),
		Timeouts:  atomic.LoadUint64(&m.timeouts),
	}
}

// MaxSize returns the pool's hard connection ceiling.
func (m *Manager) MaxSize() int {
	return m.cfg.MaxSize
}

// Close stops the maintenance loop and closes every idle connection.
// Connections still held by callers are closed when released.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.closeCh)

		if m.unregisterMetrics != nil {
			m.unregisterMetrics()
		}

		m.drainAndClose(ctx)
		m.log.Info().Msg("Connection pool closed")
	})
	return nil
}

// dial creates and registers a new connection. The slot is reserved
// under the lock before the connector runs, so every growth path shares
// the same MaxSize check and the pool can never overshoot its ceiling.
// When no slot is free it returns errAtCapacity without dialing.
func (m *Manager) dial(ctx context.Context) (*PooledConn, error) {
	m.mu.Lock()
	if m.total >= m.cfg.MaxSize {
		m.mu.Unlock()
		return nil, errAtCapacity
	}
	m.total++
	m.mu.Unlock()

	conn, err := m.connector(ctx)
	if err != nil {
		m.mu.Lock()
		m.total--
		m.mu.Unlock()
		return nil, err
	}

	pc := &PooledConn{
		id:       uuid.NewString(),
		conn:     conn,
		lastUsed: time.Now(),
	}
	pc.state.Store(int32(StateIdle))
	atomic.AddUint64(&m.created, 1)

	return pc, nil
}

// tryGrow dials a new connection when the pool is below MaxSize. The
// second return reports whether growth was attempted; when false the
// caller should wait for a released connection instead.
func (m *Manager) tryGrow(ctx context.Context) (*PooledConn, bool, error) {
	pc, err := m.dial(ctx)
	if errors.Is(err, errAtCapacity) {
		return nil, false, nil
	}
	if err != nil {
		return nil, true, fmt.Errorf("pool: failed to open connection: %w", err)
	}

	m.markActive(pc)
	return pc, true, nil
}

// markActive transitions a connection to the active state.
func (m *Manager) markActive(pc *PooledConn) {
	pc.state.Store(int32(StateActive))
	m.mu.Lock()
	m.active++
	pc.lastUsed = time.Now()
	m.mu.Unlock()
}

// putIdle returns a connection to the free list. The list is sized to
// MaxSize, so the send never blocks; a send after Close lands in discard.
func (m *Manager) putIdle(pc *PooledConn) {
	if m.closed.Load() {
		m.discard(context.Background(), pc)
		return
	}
	select {
	case m.free <- pc:
	default:
		// Free list full: the pool shrank below this connection's slot.
		m.discard(context.Background(), pc)
	}
}

// discard closes a connection and removes it from the pool's accounting.
// Active-count bookkeeping is the caller's responsibility (Release handles
// it); every other discard path deals with idle connections.
func (m *Manager) discard(ctx context.Context, pc *PooledConn) {
	m.mu.Lock()
	m.total--
	m.mu.Unlock()

	if pc.State() == StateUnhealthy {
		atomic.AddUint64(&m.discarded, 1)
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pc.conn.Close(cctx); err != nil {
		m.log.Warn().Err(err).Str("conn_id", pc.id).Msg("Failed to close connection")
	}
}

// drainIdle empties the free list and returns its connections.
func (m *Manager) drainIdle() []*PooledConn {
	var idle []*PooledConn
	for {
		select {
		case pc := <-m.free:
			idle = append(idle, pc)
		default:
			return idle
		}
	}
}

// drainAndClose closes all idle connections.
func (m *Manager) drainAndClose(ctx context.Context) {
	for _, pc := range m.drainIdle() {
		m.discard(ctx, pc)
	}
}

// replenish dials connections until the pool is back at MinSize.
func (m *Manager) replenish(ctx context.Context) {
	for {
		m.mu.Lock()
		need := m.total < m.cfg.MinSize
		m.mu.Unlock()
		if !need || m.closed.Load() {
			return
		}

		pc, err := m.dial(ctx)
		if errors.Is(err, errAtCapacity) {
			return
		}
		if err != nil {
			m.log.Error().Err(err).Msg("Failed to replace unhealthy connection")
			return
		}
		m.putIdle(pc)
	}
}

// maintenanceLoop runs health checks and utilization-driven resizing until
// Close.
func (m *Manager) maintenanceLoop() {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HealthCheckInterval)
			m.HealthCheck(ctx)
			m.resize(ctx)
			cancel()
		case <-m.closeCh:
			return
		}
	}
}

// resize steers the pool toward the configured utilization band. Growth
// is immediate (also happens inline in Acquire); shrinking is gradual, at
// most one idle connection per tick and only after the idle grace period,
// never below MinSize.
func (m *Manager) resize(ctx context.Context) {
	m.mu.Lock()
	total, active := m.total, m.active
	m.mu.Unlock()

	if total == 0 {
		return
	}
	utilization := float64(active) / float64(total)

	switch {
	case utilization > m.cfg.UtilizationHigh && total < m.cfg.MaxSize:
		pc, err := m.dial(ctx)
		if errors.Is(err, errAtCapacity) {
			// An inline Acquire took the last slot between the snapshot
			// above and the dial.
			return
		}
		if err != nil {
			m.log.Error().Err(err).Msg("Failed to grow pool")
			return
		}
		m.putIdle(pc)
		m.log.Debug().Float64("utilization", utilization).Int("total", total+1).Msg("Pool grew")

	case utilization < m.cfg.UtilizationLow && total > m.cfg.MinSize:
		select {
		case pc := <-m.free:
			m.mu.Lock()
			aged := time.Since(pc.lastUsed) >= m.cfg.IdleGrace
			m.mu.Unlock()

			if aged {
				m.discard(ctx, pc)
				m.log.Debug().Float64("utilization", utilization).Int("total", total-1).Msg("Pool shrank")
			} else {
				m.putIdle(pc)
			}
		default:
		}
	}
}
