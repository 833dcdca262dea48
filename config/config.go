// Package config loads the layered configuration for the resilience
// stack: defaults, then config.yaml, then an environment-specific YAML,
// then environment variables, each overriding the previous source.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	envprovider "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Environment names recognized in app.env.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Load reads configuration from all sources in priority order and
// validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// YAML files are optional; a missing file is not an error.
	_ = k.Load(file.Provider("config.yaml"), yaml.Parser())

	if env := k.String("app.env"); env != "" {
		_ = k.Load(file.Provider(fmt.Sprintf("config.%s.yaml", env)), yaml.Parser())
	}

	if err := k.Load(envprovider.Provider(".", envprovider.Opt{
		Prefix:        "FRAMELENS_",
		TransformFunc: envKey,
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.k = k

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// envKey maps FRAMELENS_CACHE_MAX_SIZE to cache.max_size: the first
// underscore separates the section, the remainder keeps its underscores
// to match the koanf field tags.
func envKey(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, "FRAMELENS_"))
	if section, rest, ok := strings.Cut(key, "_"); ok {
		return section + "." + rest, value
	}
	return key, value
}

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"app.name": "framelens-resilience",
		"app.env":  EnvDevelopment,

		"log.level":  "info",
		"log.pretty": false,

		"cache.max_size":           1000,
		"cache.default_ttl":        "300s",
		"cache.sweep_interval":     "60s",
		"cache.propagation_window": "2s",
		"cache.result_ttl":         "300s",

		// Redis defaults are not provided; distributed invalidation is
		// enabled only when a host is configured.
		"redis.port":     6379,
		"redis.database": 0,
		"redis.channel":  "cache:invalidations",

		"breaker.failure_threshold": 5,
		"breaker.recovery_timeout":  "30s",
		"breaker.success_threshold": 2,

		"limiter.max_concurrent":    64,
		"limiter.operation_timeout": "10s",
		"limiter.rate_per_second":   0,
		"limiter.burst":             0,

		"pool.min_size":              2,
		"pool.max_size":              10,
		"pool.acquire_timeout":       "5s",
		"pool.health_check_interval": "30s",

		"mongo.port":            27017,
		"mongo.connect_timeout": "10s",
	}

	return k.Load(confmap.Provider(defaults, "."), nil)
}
