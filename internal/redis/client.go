// Package redis backs the distributed parts of the engine with Redis:
// cross-replica rate-limit windows and send/request claims.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds Redis connection settings.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int

	// KeyPrefix namespaces every key so several deployments can share an instance.
	KeyPrefix string
}

// Client wraps the go-redis client with logging and key namespacing.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
	prefix string
}

// New creates a new Redis client and verifies connectivity.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		PoolTimeout:  4 * time.Second,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info("redis connection established",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("key_prefix", cfg.KeyPrefix),
	)

	return NewFromClient(rdb, cfg.KeyPrefix, logger), nil
}

// NewFromClient wraps an existing go-redis client.
func NewFromClient(rdb *redis.Client, keyPrefix string, logger *zap.Logger) *Client {
	if keyPrefix == "" {
		keyPrefix = "herald"
	}
	return &Client{rdb: rdb, logger: logger, prefix: keyPrefix}
}

func (c *Client) key(parts ...string) string {
	k := c.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Close gracefully closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks if Redis is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
