package pool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framelens/go-resilience/pool"
)

// fakeConn is an in-memory pool.Conn with controllable health.
type fakeConn struct {
	pingErr atomic.Value // error
	closed  atomic.Bool
}

func (c *fakeConn) Ping(context.Context) error {
	if err, ok := c.pingErr.Load().(error); ok && err != nil {
		return err
	}
	return nil
}

func (c *fakeConn) Close(context.Context) error {
	c.closed.Store(true)
	return nil
}

// fakeConnector tracks every connection it dials.
type fakeConnector struct {
	mu      sync.Mutex
	conns   []*fakeConn
	dialErr error
}

func (f *fakeConnector) connect(context.Context) (pool.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	c := &fakeConn{}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeConnector) dialed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func startPool(t *testing.T, cfg pool.Config) (*pool.Manager, *fakeConnector) {
	t.Helper()

	connector := &fakeConnector{}
	m, err := pool.New(cfg, connector.connect, nil)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, connector
}

func TestPoolRequiresConnector(t *testing.T) {
	_, err := pool.New(pool.Config{}, nil, nil)
	assert.Error(t, err)
}

func TestPoolPrewarmsMinSize(t *testing.T) {
	m, connector := startPool(t, pool.Config{MinSize: 3, MaxSize: 5})

	assert.Equal(t, 3, connector.dialed())
	stats := m.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Idle)
	assert.Zero(t, stats.Active)
}

func TestPoolAcquireRelease(t *testing.T) {
	m, _ := startPool(t, pool.Config{MinSize: 1, MaxSize: 2})
	ctx := context.Background()

	pc, err := m.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, pool.StateActive, pc.State())
	assert.NotEmpty(t, pc.ID())
	assert.Equal(t, 1, m.Stats().Active)

	m.Release(pc)
	assert.Equal(t, pool.StateIdle, pc.State())
	assert.Zero(t, m.Stats().Active)
}

func TestPoolGrowsOnDemandUpToMaxSize(t *testing.T) {
	m, connector := startPool(t, pool.Config{MinSize: 1, MaxSize: 3})
	ctx := context.Background()

	var held []*pool.PooledConn
	for i := 0; i < 3; i++ {
		pc, err := m.Acquire(ctx)
		require.NoError(t, err)
		held = append(held, pc)
	}

	assert.Equal(t, 3, connector.dialed())
	assert.Equal(t, 3, m.Stats().Active)

	for _, pc := range held {
		m.Release(pc)
	}
}

func TestPoolExhaustionTimesOutWithTypedError(t *testing.T) {
	m, _ := startPool(t, pool.Config{
		MinSize:        1,
		MaxSize:        2,
		AcquireTimeout: 40 * time.Millisecond,
	})
	ctx := context.Background()

	a, err := m.Acquire(ctx)
	require.NoError(t, err)
	b, err := m.Acquire(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Acquire(ctx)
	assert.ErrorIs(t, err, pool.ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, uint64(1), m.Stats().Timeouts)

	// No leak: active returns to baseline after holders finish.
	m.Release(a)
	m.Release(b)
	assert.Zero(t, m.Stats().Active)
	assert.Equal(t, 2, m.Stats().Total)
}

func TestPoolWaiterGetsReleasedConnection(t *testing.T) {
	m, _ := startPool(t, pool.Config{
		MinSize:        1,
		MaxSize:        1,
		AcquireTimeout: time.Second,
	})
	ctx := context.Background()

	pc, err := m.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		waited, err := m.Acquire(ctx)
		if err == nil {
			m.Release(waited)
		}
		got <- err
	}()

	time.Sleep(20 * time.Millisecond) // let the waiter park
	m.Release(pc)

	require.NoError(t, <-got)
}

func TestPoolConcurrentAcquireNeverExceedsMaxSize(t *testing.T) {
	const maxSize = 4
	m, _ := startPool(t, pool.Config{
		MinSize:        1,
		MaxSize:        maxSize,
		AcquireTimeout: 2 * time.Second,
	})

	var current, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pc, err := m.Acquire(context.Background())
			if err != nil {
				return
			}
			n := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			m.Release(pc)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(maxSize))
	assert.Zero(t, m.Stats().Active)
}

func TestPoolHealthCheckReplacesUnhealthyConnections(t *testing.T) {
	m, connector := startPool(t, pool.Config{MinSize: 2, MaxSize: 4})

	// Poison one pre-warmed connection.
	connector.mu.Lock()
	bad := connector.conns[0]
	connector.mu.Unlock()
	bad.pingErr.Store(errors.New("connection reset"))

	m.HealthCheck(context.Background())

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Discarded)
	assert.GreaterOrEqual(t, stats.Total, 2, "pool must replace, not just remove")
	assert.True(t, bad.closed.Load(), "unhealthy connection must be closed, never reused")
	assert.Equal(t, 3, connector.dialed(), "a replacement was dialed")
}

func TestPoolHealthCheckKeepsHealthyConnections(t *testing.T) {
	m, connector := startPool(t, pool.Config{MinSize: 2, MaxSize: 4})

	m.HealthCheck(context.Background())

	assert.Equal(t, 2, connector.dialed(), "healthy pool needs no new connections")
	assert.Zero(t, m.Stats().Discarded)
}

func TestPoolStartTwiceFails(t *testing.T) {
	connector := &fakeConnector{}
	m, err := pool.New(pool.Config{MinSize: 1}, connector.connect, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), pool.ErrAlreadyStarted)
}

func TestPoolStartFailsWhenDialFails(t *testing.T) {
	connector := &fakeConnector{dialErr: errors.New("dns failure")}
	m, err := pool.New(pool.Config{MinSize: 2}, connector.connect, nil)
	require.NoError(t, err)

	assert.Error(t, m.Start(context.Background()))
}

func TestPoolCloseClosesIdleConnections(t *testing.T) {
	connector := &fakeConnector{}
	m, err := pool.New(pool.Config{MinSize: 2, MaxSize: 4}, connector.connect, nil)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, m.Close(context.Background()))

	connector.mu.Lock()
	defer connector.mu.Unlock()
	for _, c := range connector.conns {
		assert.True(t, c.closed.Load())
	}

	_, err = m.Acquire(context.Background())
	assert.ErrorIs(t, err, pool.ErrClosed)
}

func TestPoolReleaseAfterCloseDiscardsConnection(t *testing.T) {
	m, connector := startPool(t, pool.Config{MinSize: 1, MaxSize: 2})

	pc, err := m.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Close(context.Background()))
	m.Release(pc)

	connector.mu.Lock()
	defer connector.mu.Unlock()
	for _, c := range connector.conns {
		assert.True(t, c.closed.Load())
	}
}

func TestPoolConnStateString(t *testing.T) {
	assert.Equal(t, "idle", pool.StateIdle.String())
	assert.Equal(t, "active", pool.StateActive.String())
	assert.Equal(t, "unhealthy", pool.StateUnhealthy.String())
}
