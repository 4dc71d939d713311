// Package redis backs the engine's hot-path state with go-redis/v9: the
// price cache the scanner reads, the per-trade locks that linearize engine
// actions, the cooldown keys the risk policy consults, and the position
// snapshots written by the guard's deep loop.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ClientConfig holds the connection parameters.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// Client wraps the driver so the cache, lock, cooldown, and snapshot
// implementations share one connection pool.
type Client struct {
	rdb *redis.Client
}

// New dials Redis and verifies the connection with a ping before handing the
// client out. A server that is down at boot fails fast here instead of on the
// first trade.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// Ping reports connection health; the /healthz handler calls this.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// Underlying exposes the raw driver client to the sibling implementations in
// this package.
func (c *Client) Underlying() *redis.Client { return c.rdb }
