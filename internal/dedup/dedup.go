// Package dedup caches checksum-to-asset hints in Redis so duplicate lookups
// can skip a database scan on the hot path. The cache is advisory only: every
// hit must be re-verified against the asset store before reuse, and cache
// failures degrade to misses.
package dedup

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	defaultTTL       = 24 * time.Hour
	defaultKeyPrefix = "assetpipe:sha1:"
)

// Cache answers checksum lookups with asset id hints.
type Cache interface {
	Lookup(ctx context.Context, checksum string) (int64, bool)
	Store(ctx context.Context, checksum string, assetID int64)
	Forget(ctx context.Context, checksum string)
	Close() error
}

// Noop serves misses and discards writes. Used when Redis is not configured.
type Noop struct{}

func (Noop) Lookup(context.Context, string) (int64, bool) { return 0, false }
func (Noop) Store(context.Context, string, int64)         {}
func (Noop) Forget(context.Context, string)               {}
func (Noop) Close() error                                 { return nil }

// Config holds the Redis connection parameters for the hint cache.
type Config struct {
	Addr      string
	Addrs     []string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
	Logger    *slog.Logger
}

// New returns a Redis-backed cache, or Noop when no address is configured.
func New(cfg Config) Cache {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return Noop{}
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      addrs,
		Username:   strings.TrimSpace(cfg.Username),
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: 2,
	})

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	prefix := cfg.KeyPrefix
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &redisCache{client: client, ttl: ttl, prefix: prefix, logger: logger}
}

type redisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

func (c *redisCache) key(checksum string) string {
	return c.prefix + checksum
}

func (c *redisCache) Lookup(ctx context.Context, checksum string) (int64, bool) {
	if checksum == "" {
		return 0, false
	}
	raw, err := c.client.Get(ctx, c.key(checksum)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug("dedup cache lookup failed", "error", err)
		}
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (c *redisCache) Store(ctx context.Context, checksum string, assetID int64) {
	if checksum == "" || assetID <= 0 {
		return
	}
	if err := c.client.Set(ctx, c.key(checksum), strconv.FormatInt(assetID, 10), c.ttl).Err(); err != nil {
		c.logger.Debug("dedup cache store failed", "error", err)
	}
}

func (c *redisCache) Forget(ctx context.Context, checksum string) {
	if checksum == "" {
		return
	}
	if err := c.client.Del(ctx, c.key(checksum)).Err(); err != nil {
		c.logger.Debug("dedup cache forget failed", "error", err)
	}
}

func (c *redisCache) Close() error {
	return c.client.Close()
}
