package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/framelens/go-resilience/cache"
	"github.com/framelens/go-resilience/logger"
	"github.com/framelens/go-resilience/pool"
	"github.com/framelens/go-resilience/query"
)

// Runner errors.
var (
	ErrWrongConnType = errors.New("mongodb: connection is not a mongodb.Conn")
	ErrNoCollection  = errors.New("mongodb: pipeline spec is not bound to a collection")
)

// Runner executes aggregation pipelines over pooled MongoDB connections
// and returns the result set as canonical CBOR bytes, ready for the
// cache layer.
type Runner struct {
	log logger.Logger
}

// NewRunner creates a Runner.
func NewRunner(log logger.Logger) *Runner {
	return &Runner{log: log}
}

// Run renders the spec, executes it against the spec's collection with a
// single Aggregate call, and encodes the decoded documents.
func (r *Runner) Run(ctx context.Context, conn pool.Conn, spec query.PipelineSpec) ([]byte, error) {
	mc, ok := conn.(*Conn)
	if !ok {
		return nil, ErrWrongConnType
	}
	if spec.Collection() == "" {
		return nil, ErrNoCollection
	}

	start := time.Now()

	cursor, err := mc.database.Collection(spec.Collection()).Aggregate(ctx, spec.Render())
	if err != nil {
		return nil, fmt.Errorf("mongodb: aggregate on %s: %w", spec.Collection(), err)
	}
	defer func() {
		if closeErr := cursor.Close(ctx); closeErr != nil {
			r.log.Warn().Err(closeErr).Msg("Failed to close aggregation cursor")
		}
	}()

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb: decode results from %s: %w", spec.Collection(), err)
	}

	payload, err := cache.Marshal(docs)
	if err != nil {
		return nil, fmt.Errorf("mongodb: encode results: %w", err)
	}

	r.log.Debug().
		Str("collection", spec.Collection()).
		Str("stages", spec.StageNames()).
		Int("documents", len(docs)).
		Dur("elapsed", time.Since(start)).
		Msg("Aggregation executed")

	return payload, nil
}
