// Package redis implements distributed cache invalidation over Redis
// pub/sub. Every node publishes the keys it invalidates on a shared
// channel and deletes the keys announced by other nodes, so a topology
// converges within the cache manager's propagation window.
package redis

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/framelens/go-resilience/cache"
	"github.com/framelens/go-resilience/logger"
)

// messageSeparator splits the origin node ID from the cache key in a
// pub/sub payload. Origin IDs are UUIDs, so the separator never appears
// inside them; keys may contain it because only the first occurrence splits.
const messageSeparator = "|"

// Broadcaster implements cache.Broadcaster over a Redis pub/sub channel.
//
// Each broadcaster carries a unique origin ID stamped on every published
// message, so a node never re-applies its own invalidations. Publishes are
// fire-and-forget: a lost message only extends staleness up to the entry's
// TTL, it never corrupts state.
type Broadcaster struct {
	client *redis.Client
	cfg    *Config
	origin string
	log    logger.Logger

	pubsub *redis.PubSub
	closed atomic.Bool
}

var _ cache.Broadcaster = (*Broadcaster)(nil)

// NewBroadcaster connects to Redis and verifies the connection with a ping.
func NewBroadcaster(cfg *Config, log logger.Logger) (*Broadcaster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewDisabled()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address(),
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &Broadcaster{
		client: client,
		cfg:    cfg,
		origin: uuid.NewString(),
		log:    log,
	}, nil
}

// Publish announces an invalidated key on the shared channel.
func (b *Broadcaster) Publish(ctx context.Context, key string) error {
	if b.closed.Load() {
		return cache.ErrClosed
	}
	return b.client.Publish(ctx, b.cfg.channel(), b.origin+messageSeparator+key).Err()
}

// Subscribe starts consuming invalidations published by other nodes and
// invokes handler for each foreign key. It returns once the subscription
// is confirmed by the server; delivery happens on a background goroutine
// that exits when the broadcaster is closed.
func (b *Broadcaster) Subscribe(ctx context.Context, handler func(key string)) error {
	if b.closed.Load() {
		return cache.ErrClosed
	}
	if b.pubsub != nil {
		return errors.New("redis broadcaster: already subscribed")
	}

	b.pubsub = b.client.Subscribe(ctx, b.cfg.channel())

	// Wait for the server to confirm the subscription so no invalidation
	// published after Subscribe returns can be missed.
	if _, err := b.pubsub.Receive(ctx); err != nil {
		_ = b.pubsub.Close()
		b.pubsub = nil
		return err
	}

	go b.consume(handler)
	return nil
}

// consume dispatches foreign invalidations until the pub/sub channel closes.
func (b *Broadcaster) consume(handler func(key string)) {
	for msg := range b.pubsub.Channel() {
		origin, key, ok := strings.Cut(msg.Payload, messageSeparator)
		if !ok {
			b.log.Warn().Str("payload", msg.Payload).Msg("Malformed invalidation message")
			continue
		}
		if origin == b.origin {
			continue
		}
		handler(key)
	}
}

// Origin returns the node identity stamped on published messages.
func (b *Broadcaster) Origin() string {
	return b.origin
}

// Close stops the subscription and releases the Redis connection.
func (b *Broadcaster) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if b.pubsub != nil {
		if err := b.pubsub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.client.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
