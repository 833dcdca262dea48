// Package store composes the cache, single-flight, limiter, breaker, and
// connection pool layers into one resilient query facade. A read flows
// cache -> flight group -> limiter -> breaker -> pool, in that fixed
// order, and every wait along the path carries a timeout.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/framelens/go-resilience/cache"
	"github.com/framelens/go-resilience/logger"
	"github.com/framelens/go-resilience/pool"
	"github.com/framelens/go-resilience/query"
	"github.com/framelens/go-resilience/resilience"
)

// ErrDeadlockSuspected reports a pool-exhaustion timeout that coincides
// with a saturated limiter whose concurrency ceiling exceeds the pool
// size. That shape means callers hold limiter slots while starving each
// other for connections; raising the pool size or lowering the limiter
// ceiling resolves it.
var ErrDeadlockSuspected = errors.New("store: deadlock suspected, limiter ceiling exceeds pool size")

// Runner executes a pipeline over a pooled connection and returns the
// encoded result set. The mongodb package provides the production
// implementation.
type Runner interface {
	Run(ctx context.Context, conn pool.Conn, spec query.PipelineSpec) ([]byte, error)
}

// Config configures the facade.
type Config struct {
	// ResultTTL is how long successful query results stay cached.
	// Zero uses the cache manager's default TTL.
	ResultTTL time.Duration
}

// Store is the resilient query facade. All layers are constructed by the
// caller so each can be tuned, shared, or replaced independently.
type Store struct {
	cfg     Config
	cache   *cache.Manager
	flight  resilience.FlightGroup
	limiter *resilience.Limiter
	breaker *resilience.CircuitBreaker
	pool    *pool.Manager
	runner  Runner
	log     logger.Logger
}

// New creates a Store from its composed layers.
func New(
	cfg Config,
	cacheManager *cache.Manager,
	limiter *resilience.Limiter,
	breaker *resilience.CircuitBreaker,
	poolManager *pool.Manager,
	runner Runner,
	log logger.Logger,
) (*Store, error) {
	if cacheManager == nil {
		return nil, errors.New("store: cache manager is required")
	}
	if limiter == nil {
		return nil, errors.New("store: limiter is required")
	}
	if breaker == nil {
		return nil, errors.New("store: circuit breaker is required")
	}
	if poolManager == nil {
		return nil, errors.New("store: pool manager is required")
	}
	if runner == nil {
		return nil, errors.New("store: runner is required")
	}
	if log == nil {
		log = logger.NewDisabled()
	}

	return &Store{
		cfg:     cfg,
		cache:   cacheManager,
		limiter: limiter,
		breaker: breaker,
		pool:    poolManager,
		runner:  runner,
		log:     log,
	}, nil
}

// Query returns the encoded result for spec, cached under key.
//
// A cache hit returns immediately. On a miss, concurrent callers with the
// same key collapse into one upstream fetch; the fetch runs inside a
// limiter slot, guarded by the circuit breaker, on a pooled connection.
// Successful live results repopulate the cache. When the live path fails
// and the breaker can serve a stale cached value, the stale value is
// returned instead of the error.
func (s *Store) Query(ctx context.Context, spec query.PipelineSpec, key string) ([]byte, error) {
	value, err := s.cache.Get(ctx, key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, err
	}

	value, shared, err := s.flight.Do(key, func() ([]byte, error) {
		return s.fetch(ctx, spec, key)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.log.Debug().Str("key", key).Msg("Query result shared with concurrent callers")
	}
	return value, nil
}

// QueryCompatible runs the face-shape compatibility query and decodes the
// cached CBOR payload into documents.
func (s *Store) QueryCompatible(ctx context.Context, faceShape string, minScore float64, limit int64) ([]map[string]any, error) {
	q := query.NewCompatibilityQuery(faceShape, minScore, limit)
	spec, err := q.Build()
	if err != nil {
		return nil, err
	}

	payload, err := s.Query(ctx, spec, q.CacheKey())
	if err != nil {
		return nil, err
	}

	docs, err := cache.Unmarshal[[]map[string]any](payload)
	if err != nil {
		return nil, fmt.Errorf("store: decode cached result for %s: %w", q.CacheKey(), err)
	}
	return docs, nil
}

// Invalidate removes key from the cache, locally at once and across nodes
// within the propagation window, and drops any in-flight fetch marker so
// the next read cannot be satisfied by a fetch that predates the
// invalidation.
func (s *Store) Invalidate(ctx context.Context, key string) error {
	s.flight.Forget(key)
	return s.cache.Invalidate(ctx, key)
}

// fetch is the upstream path behind the flight group: limiter slot, then
// breaker, then a pooled connection running the pipeline.
func (s *Store) fetch(ctx context.Context, spec query.PipelineSpec, key string) ([]byte, error) {
	staleServed := false

	fallback := func(fbCtx context.Context) ([]byte, bool) {
		stale, err := s.cache.Get(fbCtx, key)
		if err != nil {
			return nil, false
		}
		staleServed = true
		return stale, true
	}

	value, err := s.limiter.Execute(ctx, func(opCtx context.Context) ([]byte, error) {
		return s.breaker.Execute(opCtx, func(brCtx context.Context) ([]byte, error) {
			return s.runQuery(brCtx, spec, key)
		}, fallback)
	})
	if err != nil {
		return nil, err
	}

	// A stale fallback is already in the cache; rewriting it would only
	// extend its lifetime.
	if !staleServed {
		if setErr := s.cache.Set(ctx, key, value, s.cfg.ResultTTL); setErr != nil {
			s.log.Warn().Err(setErr).Str("key", key).Msg("Failed to cache query result")
		}
	}
	return value, nil
}

// runQuery acquires a pooled connection for exactly the duration of one
// pipeline execution. Acquisition failures are classified while this
// caller still holds its limiter slot, so the saturation check observes
// the true in-flight count.
func (s *Store) runQuery(ctx context.Context, spec query.PipelineSpec, key string) ([]byte, error) {
	pc, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, s.classify(err, key)
	}
	defer s.pool.Release(pc)

	return s.runner.Run(ctx, pc.Conn(), spec)
}

// classify inspects pool failures for the lock-ordering deadlock
// signature before letting them surface.
func (s *Store) classify(err error, key string) error {
	if errors.Is(err, pool.ErrPoolExhausted) &&
		s.limiter.Saturated() &&
		s.limiter.MaxConcurrent() > s.pool.MaxSize() {
		s.log.Error().
			Str("key", key).
			Int("max_concurrent", s.limiter.MaxConcurrent()).
			Int("pool_max_size", s.pool.MaxSize()).
			Msg("Pool exhausted while limiter saturated")
		return fmt.Errorf("%w: %w", ErrDeadlockSuspected, err)
	}
	return err
}
