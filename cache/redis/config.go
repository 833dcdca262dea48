package redis

import (
	"fmt"
	"time"

	"github.com/framelens/go-resilience/cache"
)

// DefaultChannel is the pub/sub channel used for invalidation broadcasts
// when none is configured.
const DefaultChannel = "cache:invalidations"

// Config holds Redis-specific configuration for the invalidation broadcaster.
type Config struct {
	// Host is the Redis server hostname or IP address.
	Host string `koanf:"host"`

	// Port is the Redis server port (default: 6379).
	Port int `koanf:"port"`

	// Password for Redis authentication (optional).
	Password string `koanf:"password"`

	// Database number to use (default: 0).
	Database int `koanf:"database"`

	// Channel is the pub/sub channel carrying invalidation messages
	// (default: DefaultChannel). All nodes of a topology must agree on it.
	Channel string `koanf:"channel"`

	// DialTimeout is the timeout for establishing new connections (default: 5s).
	DialTimeout time.Duration `koanf:"dial_timeout"`

	// ReadTimeout is the timeout for socket reads (default: 3s).
	ReadTimeout time.Duration `koanf:"read_timeout"`

	// WriteTimeout is the timeout for socket writes (default: 3s).
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// Validate performs fail-fast validation of the broadcaster configuration.
func (c *Config) Validate() error {
	if c.Host == "" {
		return cache.NewConfigError("redis.host", "host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return cache.NewConfigError("redis.port", fmt.Sprintf("invalid port: %d", c.Port))
	}
	if c.Database < 0 || c.Database > 15 {
		return cache.NewConfigError("redis.database", fmt.Sprintf("invalid database number: %d (must be 0-15)", c.Database))
	}
	if c.DialTimeout < 0 {
		return cache.NewConfigError("redis.dial_timeout", "dial timeout cannot be negative")
	}
	return nil
}

// Address returns the Redis server address in "host:port" format.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// channel returns the configured channel or the default.
func (c *Config) channel() string {
	if c.Channel == "" {
		return DefaultChannel
	}
	return c.Channel
}
