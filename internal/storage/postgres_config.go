package storage

import (
	"fmt"
	"strings"
	"time"
)

// TableNames carries the relation names used by the Postgres store. The
// entities section of the bootstrap config may override them.
type TableNames struct {
	Asset     string
	Rendition string
	OwnerLink string
}

// DefaultTableNames returns the schema names the migrations create.
func DefaultTableNames() TableNames {
	return TableNames{
		Asset:     "media_asset",
		Rendition: "media_variant",
		OwnerLink: "media_owner_link",
	}
}

func (t TableNames) validate() error {
	for _, name := range []string{t.Asset, t.Rendition, t.OwnerLink} {
		if !validIdentifier(name) {
			return fmt.Errorf("invalid table name %q", name)
		}
	}
	return nil
}

func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// PostgresConfig describes how the store initialises its connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	Tables              TableNames
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:    dsn,
		Tables: DefaultTableNames(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// Option mutates the Postgres store configuration.
type Option func(*PostgresConfig)

// WithPoolLimits bounds the number of pooled connections.
func WithPoolLimits(maxConns, minConns int32) Option {
	return func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	}
}

// WithPoolDurations tunes connection lifetime, idle time, and health checks.
func WithPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	}
}

// WithAcquireTimeout bounds how long establishing a new pooled connection may
// take. Waiting on a saturated pool is bounded by the caller's context.
func WithAcquireTimeout(timeout time.Duration) Option {
	return func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	}
}

// WithApplicationName sets the application_name reported to Postgres.
func WithApplicationName(name string) Option {
	return func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	}
}

// WithTableNames overrides the default relation names. Empty fields keep the
// defaults.
func WithTableNames(tables TableNames) Option {
	return func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(tables.Asset); trimmed != "" {
			cfg.Tables.Asset = trimmed
		}
		if trimmed := strings.TrimSpace(tables.Rendition); trimmed != "" {
			cfg.Tables.Rendition = trimmed
		}
		if trimmed := strings.TrimSpace(tables.OwnerLink); trimmed != "" {
			cfg.Tables.OwnerLink = trimmed
		}
	}
}
