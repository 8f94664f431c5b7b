// Package cache is a thin Redis client shared by internal/sessionstore (JWT
// session revocation) and internal/memory (cross-instance memory-pressure
// reporting). It is grounded on the teacher stack's cache.Cache
// (streamspace api/internal/cache/cache.go), trimmed to the operations this
// server actually exercises and kept optional: with Config.Enabled false it
// degrades to a no-op so the rest of the system never has to special-case a
// missing Redis.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a redis.Client, or nil when caching is disabled.
type Client struct {
	rdb *redis.Client
}

// Config mirrors the teacher stack's connection-pool tuning.
type Config struct {
	Addr     string
	Password string
	DB       int
	Enabled  bool
}

// New connects to Redis, or returns a disabled Client if cfg.Enabled is
// false.
func New(cfg Config) (*Client, error) {
	if !cfg.Enabled {
		return &Client{}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:        25,
		MinIdleConns:    5,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: ping redis: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Enabled reports whether this client is backed by a real Redis connection.
func (c *Client) Enabled() bool { return c.rdb != nil }

// Close releases the underlying connection pool, if any.
func (c *Client) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// Get retrieves a JSON value and unmarshals it into target.
func (c *Client) Get(ctx context.Context, key string, target interface{}) (bool, error) {
	if c.rdb == nil {
		return false, nil
	}
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(val), target); err != nil {
		return false, fmt.Errorf("cache: unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Set stores value as JSON with the given TTL. A no-op when disabled.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c.rdb == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Delete removes one or more keys. A no-op when disabled.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if c.rdb == nil || len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: delete: %w", err)
	}
	return nil
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	if c.rdb == nil {
		return false, nil
	}
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache: exists %s: %w", key, err)
	}
	return n > 0, nil
}
