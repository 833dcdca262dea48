// Package mongodb adapts the MongoDB Go driver to the pool and store
// contracts: a Connector that dials poolable connections and a Runner
// that executes aggregation pipelines over them.
package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/framelens/go-resilience/logger"
	"github.com/framelens/go-resilience/pool"
)

// Conn is one pooled MongoDB connection. Each Conn owns its own driver
// client so the pool, not the driver, governs connection counts.
type Conn struct {
	client   *mongo.Client
	database *mongo.Database
}

var _ pool.Conn = (*Conn)(nil)

// Ping verifies the connection against the primary.
func (c *Conn) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the underlying client.
func (c *Conn) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// Database exposes the driver database handle.
func (c *Conn) Database() *mongo.Database {
	return c.database
}

// NewConnector returns a pool.Connector that dials MongoDB with the
// given configuration. Every dialed connection is pinged before it is
// handed to the pool.
func NewConnector(cfg Config, log logger.Logger) (pool.Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	uri := cfg.uri()

	return func(ctx context.Context) (pool.Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.connectTimeout())
		defer cancel()

		opts := options.Client().
			ApplyURI(uri).
			SetConnectTimeout(cfg.connectTimeout()).
			// Pool-level sizing lives in the pool package; each Conn
			// holds a single driver connection.
			SetMaxPoolSize(1)

		client, err := mongo.Connect(opts)
		if err != nil {
			return nil, fmt.Errorf("mongodb: connect: %w", err)
		}

		if err := client.Ping(dialCtx, readpref.Primary()); err != nil {
			if closeErr := client.Disconnect(dialCtx); closeErr != nil {
				log.Error().Err(closeErr).Msg("Failed to disconnect MongoDB client after ping failure")
			}
			return nil, fmt.Errorf("mongodb: ping: %w", err)
		}

		log.Debug().
			Str("database", cfg.Database).
			Msg("Dialed MongoDB connection")

		return &Conn{
			client:   client,
			database: client.Database(cfg.Database),
		}, nil
	}, nil
}
