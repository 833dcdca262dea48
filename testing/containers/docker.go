//go:build integration

// Package containers starts throwaway MongoDB and Redis containers for
// integration tests. Tests that need them are skipped when no Docker
// daemon is reachable.
package containers

import (
	"context"

	"github.com/testcontainers/testcontainers-go"
)

// isDockerAvailable reports whether a Docker daemon is reachable via the
// testcontainers Docker provider.
func isDockerAvailable(ctx context.Context) bool {
	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.DaemonHost(ctx)
	return err == nil
}
