package cache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framelens/go-resilience/cache"
)

// fakeBroadcaster records published keys and lets tests inject remote
// invalidations through the subscribed handler.
type fakeBroadcaster struct {
	mu         sync.Mutex
	published  []string
	handler    func(key string)
	publishErr error
	closed     bool
}

func (f *fakeBroadcaster) Publish(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, key)
	return nil
}

func (f *fakeBroadcaster) Subscribe(_ context.Context, handler func(key string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

func (f *fakeBroadcaster) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBroadcaster) publishedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

func (f *fakeBroadcaster) emitRemote(key string) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(key)
	}
}

func startManager(t *testing.T, cfg cache.ManagerConfig, b cache.Broadcaster) *cache.Manager {
	t.Helper()

	m := cache.NewManager(cfg, b, nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManagerSetGetRoundTrip(t *testing.T) {
	m := startManager(t, cache.ManagerConfig{}, nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestManagerGetMissReturnsErrNotFound(t *testing.T) {
	m := startManager(t, cache.ManagerConfig{}, nil)

	_, err := m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestManagerDefaultTTLApplied(t *testing.T) {
	m := startManager(t, cache.ManagerConfig{DefaultTTL: 40 * time.Millisecond}, nil)
	ctx := context.Background()

	// ttl <= 0 falls back to the configured default.
	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))

	_, err := m.Get(ctx, "k")
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestManagerStartTwiceFails(t *testing.T) {
	m := cache.NewManager(cache.ManagerConfig{}, nil, nil)
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), cache.ErrAlreadyStarted)
}

func TestManagerInvalidateClearsLocallyBeforeReturning(t *testing.T) {
	b := &fakeBroadcaster{}
	m := startManager(t, cache.ManagerConfig{}, b)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, m.Invalidate(ctx, "k"))

	// No Get after Invalidate returns may observe the old value, even
	// before the broadcast goroutine has run.
	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestManagerInvalidateBroadcastsAsynchronously(t *testing.T) {
	b := &fakeBroadcaster{}
	m := startManager(t, cache.ManagerConfig{}, b)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, m.Invalidate(ctx, "k"))

	assert.Eventually(t, func() bool {
		keys := b.publishedKeys()
		return len(keys) == 1 && keys[0] == "k"
	}, time.Second, 5*time.Millisecond)
}

func TestManagerInvalidateSurvivesBroadcastFailure(t *testing.T) {
	b := &fakeBroadcaster{publishErr: errors.New("transport down")}
	m := startManager(t, cache.ManagerConfig{}, b)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))

	// Local invalidation succeeds even when the transport is down.
	require.NoError(t, m.Invalidate(ctx, "k"))

	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestManagerAppliesRemoteInvalidation(t *testing.T) {
	b := &fakeBroadcaster{}
	m := startManager(t, cache.ManagerConfig{}, b)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))

	b.emitRemote("k")

	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrNotFound)
	assert.Equal(t, uint64(1), m.Stats().InvalidationsRecv)
}

func TestManagerCloseFlushesPendingBroadcasts(t *testing.T) {
	b := &fakeBroadcaster{}
	m := cache.NewManager(cache.ManagerConfig{}, b, nil)
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, m.Invalidate(ctx, "k"))

	require.NoError(t, m.Close())

	// Close returns only after in-flight broadcasts settled.
	assert.Equal(t, []string{"k"}, b.publishedKeys())
	assert.True(t, b.closed)
}

func TestManagerCloseRacingInvalidateFlushesEveryBroadcast(t *testing.T) {
	b := &fakeBroadcaster{}
	m := cache.NewManager(cache.ManagerConfig{}, b, nil)
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))

	// Hammer Invalidate while Close runs. Every call Close accepts must
	// have its broadcast settled before Close returns; every call it
	// rejects must publish nothing afterwards.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := m.Invalidate(ctx, "k"); errors.Is(err, cache.ErrClosed) {
					return
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.Close())
	flushed := len(b.publishedKeys())

	wg.Wait()
	assert.Equal(t, flushed, len(b.publishedKeys()))
}

func TestManagerCloseIsIdempotent(t *testing.T) {
	m := cache.NewManager(cache.ManagerConfig{}, nil, nil)
	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestManagerOperationsAfterCloseFail(t *testing.T) {
	m := cache.NewManager(cache.ManagerConfig{}, nil, nil)
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Close())

	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrClosed)
	assert.ErrorIs(t, m.Set(ctx, "k", nil, 0), cache.ErrClosed)
	assert.ErrorIs(t, m.Invalidate(ctx, "k"), cache.ErrClosed)
}

func TestManagerJanitorReclaimsExpiredEntries(t *testing.T) {
	m := startManager(t, cache.ManagerConfig{SweepInterval: 20 * time.Millisecond}, nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 10*time.Millisecond))

	assert.Eventually(t, func() bool {
		return m.Stats().Size == 0
	}, time.Second, 10*time.Millisecond, "janitor should reclaim the expired entry without a Get")
}

func TestManagerStatsCounters(t *testing.T) {
	m := startManager(t, cache.ManagerConfig{}, &fakeBroadcaster{})
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	_, _ = m.Get(ctx, "k")
	_, _ = m.Get(ctx, "missing")
	require.NoError(t, m.Invalidate(ctx, "k"))

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.InvalidationsSent)
}
