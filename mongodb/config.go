package mongodb

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Sentinel errors for configuration validation.
var (
	ErrMissingHost     = errors.New("mongodb: host is required")
	ErrMissingDatabase = errors.New("mongodb: database is required")
)

// DefaultConnectTimeout bounds the initial dial and ping.
const DefaultConnectTimeout = 10 * time.Second

// Config holds the MongoDB connection settings. When URI is set it is
// used verbatim and the individual fields are ignored.
type Config struct {
	URI            string        `koanf:"uri"`
	Host           string        `koanf:"host"`
	Port           int           `koanf:"port"`
	Database       string        `koanf:"database"`
	Username       string        `koanf:"username"`
	Password       string        `koanf:"password"`
	ReplicaSet     string        `koanf:"replica_set"`
	AuthSource     string        `koanf:"auth_source"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

// Validate checks that the configuration can produce a connection URI.
func (c Config) Validate() error {
	if c.Database == "" {
		return ErrMissingDatabase
	}
	if c.URI == "" && c.Host == "" {
		return ErrMissingHost
	}
	return nil
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return DefaultConnectTimeout
}

// uri returns the configured URI, or builds one from the individual
// fields.
func (c Config) uri() string {
	if c.URI != "" {
		return c.URI
	}

	var uri strings.Builder
	uri.WriteString("mongodb://")

	if c.Username != "" {
		// QueryEscape covers the userinfo-reserved characters ('@', ':')
		// that PathEscape leaves bare.
		uri.WriteString(url.QueryEscape(c.Username))
		if c.Password != "" {
			uri.WriteString(":")
			uri.WriteString(url.QueryEscape(c.Password))
		}
		uri.WriteString("@")
	}

	uri.WriteString(c.Host)
	if c.Port > 0 {
		fmt.Fprintf(&uri, ":%d", c.Port)
	}

	if c.Database != "" {
		uri.WriteString("/")
		uri.WriteString(c.Database)
	}

	var params []string
	if c.ReplicaSet != "" {
		params = append(params, "replicaSet="+url.QueryEscape(c.ReplicaSet))
	}
	if c.AuthSource != "" {
		params = append(params, "authSource="+url.QueryEscape(c.AuthSource))
	}
	if len(params) > 0 {
		uri.WriteString("?")
		uri.WriteString(strings.Join(params, "&"))
	}

	return uri.String()
}
