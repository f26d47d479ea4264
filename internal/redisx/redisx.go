// Package redisx wraps the shared Redis client used by the rate limit store
// and the bandwidth budget.
package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Options struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// Client wraps the Redis client.
type Client struct {
	rdb  *redis.Client
	addr string
}

// New creates a client for opts.Addr. No connection is made until first use.
func New(o Options) *Client {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 2 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 500 * time.Millisecond
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 500 * time.Millisecond
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  o.DialTimeout,
		ReadTimeout:  o.ReadTimeout,
		WriteTimeout: o.WriteTimeout,
		PoolSize:     o.PoolSize,
	})
	return &Client{rdb: rdb, addr: o.Addr}
}

// Scripter is what the Lua-backed stores run against.
func (c *Client) Scripter() redis.Scripter { return c.rdb }

// Ping checks the connection, it doubles as the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s: %w", c.addr, err)
	}
	return nil
}

// PoolStats exposes connection pool counters for metrics.
func (c *Client) PoolStats() *redis.PoolStats { return c.rdb.PoolStats() }

// Close closes the Redis client connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
