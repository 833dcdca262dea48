//go:build integration

package redis_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framelens/go-resilience/cache"
	cacheredis "github.com/framelens/go-resilience/cache/redis"
	"github.com/framelens/go-resilience/logger"
	"github.com/framelens/go-resilience/testing/containers"
)

func setupBroadcasters(t *testing.T) (context.Context, *cacheredis.Broadcaster, *cacheredis.Broadcaster) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	container := containers.StartRedis(ctx, t)
	cfg := &cacheredis.Config{Host: container.Host(), Port: container.Port()}

	first, err := cacheredis.NewBroadcaster(cfg, logger.NewDisabled())
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })

	second, err := cacheredis.NewBroadcaster(cfg, logger.NewDisabled())
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	return ctx, first, second
}

func TestInvalidationReachesOtherNode(t *testing.T) {
	ctx, first, second := setupBroadcasters(t)

	received := make(chan string, 1)
	require.NoError(t, second.Subscribe(ctx, func(key string) {
		received <- key
	}))

	require.NoError(t, first.Publish(ctx, "products:compat:oval:0.7:20"))

	select {
	case key := <-received:
		assert.Equal(t, "products:compat:oval:0.7:20", key)
	case <-time.After(cache.DefaultPropagationWindow):
		t.Fatal("invalidation did not propagate within the propagation window")
	}
}

func TestOwnInvalidationsAreFiltered(t *testing.T) {
	ctx, first, _ := setupBroadcasters(t)

	received := make(chan string, 1)
	require.NoError(t, first.Subscribe(ctx, func(key string) {
		received <- key
	}))

	require.NoError(t, first.Publish(ctx, "products:compat:oval:0.7:20"))

	select {
	case key := <-received:
		t.Fatalf("node applied its own invalidation for %s", key)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestManagerAppliesRemoteInvalidation(t *testing.T) {
	ctx, first, second := setupBroadcasters(t)

	manager := cache.NewManager(cache.ManagerConfig{}, second, logger.NewDisabled())
	require.NoError(t, manager.Start(ctx))
	t.Cleanup(func() { _ = manager.Close() })

	require.NoError(t, manager.Set(ctx, "k", []byte("v"), time.Minute))

	require.NoError(t, first.Publish(ctx, "k"))

	assert.Eventually(t, func() bool {
		_, err := manager.Get(ctx, "k")
		return errors.Is(err, cache.ErrNotFound)
	}, cache.DefaultPropagationWindow, 20*time.Millisecond)
}
