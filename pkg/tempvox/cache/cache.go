// Package cache is the Redis-backed gateway for hot lookups: channel
// ownership, owner preferences, live call state, rate-limit windows, coup
// sessions and per-channel member sets.
//
// Every value is a versioned JSON record. A value that fails to
// deserialize, carries the wrong schema version, or is one of the known
// junk sentinels ("", "null", a bare string) is deleted on read and
// reported as a miss; the core never consumes an unknown blob.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// SchemaVersion is stamped into every record written by this package.
const SchemaVersion = 1

// Key namespaces.
const (
	prefixChannelOwner   = "channel_owner:"
	prefixUserPrefs      = "user_prefs:"
	prefixCallState      = "call_state:"
	prefixRateLimit      = "rate_limit:"
	prefixCoup           = "coup:"
	prefixChannelMembers = "channel_members:"
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Cache wraps the Redis client.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

// New connects to Redis and verifies connectivity.
func New(cfg Config, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cache")

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: connecting to redis: %w", err)
	}

	logger.Info("connected to redis", "addr", cfg.Addr, "db", cfg.DB)
	return &Cache{client: client, logger: logger}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error { return c.client.Close() }

// Ping verifies connectivity.
func (c *Cache) Ping(ctx context.Context) error { return c.client.Ping(ctx).Err() }

// getRecord loads key into v. Returns false on miss. Malformed values are
// deleted and reported as a miss.
func (c *Cache) getRecord(ctx context.Context, key string, v any) bool {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		c.logger.Warn("redis get failed", "key", key, "error", err)
		return false
	}
	if malformedPayload(raw) {
		c.purge(ctx, key, "sentinel value")
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		c.purge(ctx, key, "unmarshal failure")
		return false
	}
	return true
}

// setRecord stores v under key as JSON with an optional TTL.
func (c *Cache) setRecord(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("json marshal failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Warn("redis set failed", "key", key, "error", err)
	}
}

// Delete removes keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("redis delete failed", "keys", keys, "error", err)
	}
}

func (c *Cache) purge(ctx context.Context, key, reason string) {
	c.logger.Warn("purging malformed cache entry", "key", key, "reason", reason)
	c.Delete(ctx, key)
}

// malformedPayload recognizes the junk shapes the legacy data contained:
// empty strings, the literal "null", and string-coerced objects like
// "\"[object Object]\"". Valid records are JSON objects or arrays.
func malformedPayload(raw []byte) bool {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" || s == `""` {
		return true
	}
	switch s[0] {
	case '{', '[':
		return false
	}
	return true
}

// versionOK checks a record's schema version; a mismatch deletes the key.
func (c *Cache) versionOK(ctx context.Context, key string, version int) bool {
	if version == SchemaVersion {
		return true
	}
	c.purge(ctx, key, fmt.Sprintf("schema version %d", version))
	return false
}
