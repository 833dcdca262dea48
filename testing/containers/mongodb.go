//go:build integration

package containers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	mongoImageTag       = "8.0"
	mongoStartupTimeout = 60 * time.Second
)

// MongoDBContainer wraps a testcontainers MongoDB instance.
type MongoDBContainer struct {
	container *mongodb.MongoDBContainer
	connStr   string
}

// StartMongoDB starts a MongoDB container and registers cleanup with the
// test. The test is skipped when Docker is not available.
func StartMongoDB(ctx context.Context, t *testing.T) *MongoDBContainer {
	t.Helper()

	if !isDockerAvailable(ctx) {
		t.Skip("Docker is not available, skipping integration test")
	}

	container, err := mongodb.Run(ctx,
		fmt.Sprintf("mongo:%s", mongoImageTag),
		testcontainers.WithWaitStrategy(
			wait.ForLog("Waiting for connections").
				WithStartupTimeout(mongoStartupTimeout),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start MongoDB container: %v", err)
	}

	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate MongoDB container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("Failed to get MongoDB connection string: %v", err)
	}

	return &MongoDBContainer{container: container, connStr: connStr}
}

// ConnectionString returns the container's MongoDB URI.
func (m *MongoDBContainer) ConnectionString() string {
	return m.connStr
}
