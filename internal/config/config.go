// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/voice101/cache"
)

// Config holds all application configuration
type Config struct {
	Port      string `env:"PORT"       envDefault:"8080"`
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`

	Offline OfflineConfig
	Storage StorageConfig
	SMTP    SMTPConfig
	Session SessionConfig
}

// OfflineConfig locates the origin and the worker script
type OfflineConfig struct {
	OriginURL      string        `env:"OFFLINE_ORIGIN_URL"      envDefault:"http://localhost:3000"`
	ManifestPath   string        `env:"OFFLINE_MANIFEST_PATH"   envDefault:"web/sw.yaml"`
	ScriptURL      string        `env:"OFFLINE_SCRIPT_URL"      envDefault:"/sw.yaml"`
	Scope          string        `env:"OFFLINE_SCOPE"           envDefault:"/"`
	UpdateInterval time.Duration `env:"OFFLINE_UPDATE_INTERVAL" envDefault:"1h"`
	EventTimeout   time.Duration `env:"OFFLINE_EVENT_TIMEOUT"   envDefault:"30s"`
	FetchTimeout   time.Duration `env:"OFFLINE_FETCH_TIMEOUT"   envDefault:"20s"`
	WatchManifest  bool          `env:"OFFLINE_WATCH_MANIFEST"  envDefault:"true"`
}

// StorageConfig selects the cache store
type StorageConfig struct {
	Driver string `env:"OFFLINE_STORAGE_DRIVER" envDefault:"file"`
	DSN    string `env:"OFFLINE_STORAGE_DSN"`
}

// SMTPConfig enables e-mail delivery of push notifications
type SMTPConfig struct {
	Addr string `env:"SMTP_ADDR"`
	From string `env:"SMTP_FROM" envDefault:"no-reply@voice101.local"`
	To   string `env:"NOTIFY_EMAIL_TO"`
}

// SessionConfig controls the cookie that binds a browser to a client id
type SessionConfig struct {
	Lifetime     time.Duration `env:"SESSION_LIFETIME"      envDefault:"12h"`
	SecureCookie bool          `env:"SESSION_SECURE_COOKIE" envDefault:"false"`
	// IdleTimeout closes a page's worker client after this long without a
	// request; a waiting version can then take over
	IdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"30m"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// HasSMTP returns true if notification e-mails can be sent
func (c *Config) HasSMTP() bool {
	return c.SMTP.Addr != "" && c.SMTP.To != ""
}

// Level parses LogLevel
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	u, err := url.Parse(c.Offline.OriginURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("OFFLINE_ORIGIN_URL must be an absolute URL, got %q", c.Offline.OriginURL)
	}
	if !strings.HasPrefix(c.Offline.Scope, "/") {
		return fmt.Errorf("OFFLINE_SCOPE must start with /, got %q", c.Offline.Scope)
	}
	if c.Offline.UpdateInterval < time.Second {
		return fmt.Errorf("OFFLINE_UPDATE_INTERVAL must be at least 1s, got %s", c.Offline.UpdateInterval)
	}
	if c.Session.IdleTimeout < 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must not be negative, got %s", c.Session.IdleTimeout)
	}
	switch c.Storage.Driver {
	case cache.DriverMemory, cache.DriverFile:
	case cache.DriverSQLite, cache.DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("OFFLINE_STORAGE_DSN is required for the %s driver", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown OFFLINE_STORAGE_DRIVER %q", c.Storage.Driver)
	}
	return nil
}
