package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client owns the shared go-redis connection behind the identity signal
// channels and the most-recently-used pointer.
type Client struct {
	rdb *redis.Client
}

// NewClient connects using a redis:// URL. Pub/sub subscribers reconnect on
// their own, so command retries stay short and a dead server surfaces
// quickly at startup.
func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second

	return &Client{rdb: redis.NewClient(opts)}, nil
}

// Ping verifies the connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
