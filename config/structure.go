package config

import (
	"time"

	"github.com/knadh/koanf/v2"

	"github.com/framelens/go-resilience/cache"
	cacheredis "github.com/framelens/go-resilience/cache/redis"
	"github.com/framelens/go-resilience/mongodb"
	"github.com/framelens/go-resilience/pool"
	"github.com/framelens/go-resilience/resilience"
)

// Config is the root configuration for the resilience layer.
type Config struct {
	App     AppConfig     `koanf:"app"`
	Log     LogConfig     `koanf:"log"`
	Cache   CacheConfig   `koanf:"cache"`
	Redis   RedisConfig   `koanf:"redis"`
	Breaker BreakerConfig `koanf:"breaker"`
	Limiter LimiterConfig `koanf:"limiter"`
	Pool    PoolConfig    `koanf:"pool"`
	Mongo   MongoConfig   `koanf:"mongo"`

	// Koanf instance for raw access by key
	k *koanf.Koanf `json:"-" yaml:"-"`
}

// AppConfig identifies the running service.
type AppConfig struct {
	Name string `koanf:"name" validate:"required"`
	Env  string `koanf:"env" validate:"required"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `koanf:"pretty"`
}

// CacheConfig controls the in-memory query result cache.
type CacheConfig struct {
	MaxSize           int           `koanf:"max_size" validate:"min=1"`
	DefaultTTL        time.Duration `koanf:"default_ttl" validate:"min=1ms"`
	SweepInterval     time.Duration `koanf:"sweep_interval" validate:"min=1ms"`
	PropagationWindow time.Duration `koanf:"propagation_window" validate:"min=1ms"`
	ResultTTL         time.Duration `koanf:"result_ttl"`
}

// RedisConfig controls the distributed invalidation transport. Leaving
// Host empty disables distributed invalidation.
type RedisConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port" validate:"min=0,max=65535"`
	Password string `koanf:"password"`
	Database int    `koanf:"database" validate:"min=0"`
	Channel  string `koanf:"channel"`
}

// BreakerConfig controls the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold" validate:"min=1"`
	RecoveryTimeout  time.Duration `koanf:"recovery_timeout" validate:"min=1ms"`
	SuccessThreshold int           `koanf:"success_threshold" validate:"min=1"`
}

// LimiterConfig controls the concurrency limiter.
type LimiterConfig struct {
	MaxConcurrent    int           `koanf:"max_concurrent" validate:"min=1"`
	OperationTimeout time.Duration `koanf:"operation_timeout" validate:"min=1ms"`
	RatePerSecond    float64       `koanf:"rate_per_second" validate:"min=0"`
	Burst            int           `koanf:"burst" validate:"min=0"`
}

// PoolConfig controls the connection pool.
type PoolConfig struct {
	MinSize             int           `koanf:"min_size" validate:"min=1"`
	MaxSize             int           `koanf:"max_size" validate:"min=1,gtefield=MinSize"`
	AcquireTimeout      time.Duration `koanf:"acquire_timeout" validate:"min=1ms"`
	HealthCheckInterval time.Duration `koanf:"health_check_interval" validate:"min=1ms"`
}

// MongoConfig controls the document database connection. Leaving both
// URI and Host empty disables the live query path (cache-only mode is
// not supported, so Load reports it, but tests may build partial configs).
type MongoConfig struct {
	URI            string        `koanf:"uri"`
	Host           string        `koanf:"host"`
	Port           int           `koanf:"port" validate:"min=0,max=65535"`
	Database       string        `koanf:"database"`
	Username       string        `koanf:"username"`
	Password       string        `koanf:"password"`
	ReplicaSet     string        `koanf:"replica_set"`
	AuthSource     string        `koanf:"auth_source"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

// Raw returns the value at a dotted key path, for options outside the
// typed structure.
func (c *Config) Raw(path string) any {
	if c.k == nil {
		return nil
	}
	return c.k.Get(path)
}

// CacheManagerConfig converts the cache section for the cache package.
func (c *Config) CacheManagerConfig() cache.ManagerConfig {
	return cache.ManagerConfig{
		MaxSize:           c.Cache.MaxSize,
		DefaultTTL:        c.Cache.DefaultTTL,
		SweepInterval:     c.Cache.SweepInterval,
		PropagationWindow: c.Cache.PropagationWindow,
	}
}

// RedisEnabled reports whether distributed invalidation is configured.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

// RedisBroadcasterConfig converts the redis section for the cache/redis
// package.
func (c *Config) RedisBroadcasterConfig() *cacheredis.Config {
	return &cacheredis.Config{
		Host:     c.Redis.Host,
		Port:     c.Redis.Port,
		Password: c.Redis.Password,
		Database: c.Redis.Database,
		Channel:  c.Redis.Channel,
	}
}

// BreakerConfig converts the breaker section for the resilience package.
func (c *Config) BreakerConfig(name string) resilience.BreakerConfig {
	return resilience.BreakerConfig{
		Name:             name,
		FailureThreshold: c.Breaker.FailureThreshold,
		RecoveryTimeout:  c.Breaker.RecoveryTimeout,
		SuccessThreshold: c.Breaker.SuccessThreshold,
	}
}

// LimiterConfig converts the limiter section for the resilience package.
func (c *Config) LimiterConfig(name string) resilience.LimiterConfig {
	return resilience.LimiterConfig{
		Name:             name,
		MaxConcurrent:    c.Limiter.MaxConcurrent,
		OperationTimeout: c.Limiter.OperationTimeout,
		RatePerSecond:    c.Limiter.RatePerSecond,
		Burst:            c.Limiter.Burst,
	}
}

// PoolConfig converts the pool section for the pool package.
func (c *Config) PoolConfig() pool.Config {
	return pool.Config{
		MinSize:             c.Pool.MinSize,
		MaxSize:             c.Pool.MaxSize,
		AcquireTimeout:      c.Pool.AcquireTimeout,
		HealthCheckInterval: c.Pool.HealthCheckInterval,
	}
}

// MongoConfig converts the mongo section for the mongodb package.
func (c *Config) MongoConfig() mongodb.Config {
	return mongodb.Config{
		URI:            c.Mongo.URI,
		Host:           c.Mongo.Host,
		Port:           c.Mongo.Port,
		Database:       c.Mongo.Database,
		Username:       c.Mongo.Username,
		Password:       c.Mongo.Password,
		ReplicaSet:     c.Mongo.ReplicaSet,
		AuthSource:     c.Mongo.AuthSource,
		ConnectTimeout: c.Mongo.ConnectTimeout,
	}
}
