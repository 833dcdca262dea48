//go:build integration

package containers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	redisImageTag       = "7-alpine"
	redisStartupTimeout = 60 * time.Second
)

// RedisContainer wraps a testcontainers Redis instance.
type RedisContainer struct {
	container *redis.RedisContainer
	host      string
	port      int
}

// StartRedis starts a Redis container and registers cleanup with the
// test. The test is skipped when Docker is not available.
func StartRedis(ctx context.Context, t *testing.T) *RedisContainer {
	t.Helper()

	if !isDockerAvailable(ctx) {
		t.Skip("Docker is not available, skipping integration test")
	}

	container, err := redis.Run(ctx,
		fmt.Sprintf("redis:%s", redisImageTag),
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(redisStartupTimeout),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate Redis container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get Redis host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("Failed to get Redis port: %v", err)
	}

	return &RedisContainer{container: container, host: host, port: mappedPort.Int()}
}

// Host returns the container host.
func (r *RedisContainer) Host() string {
	return r.host
}

// Port returns the mapped Redis port.
func (r *RedisContainer) Port() int {
	return r.port
}
