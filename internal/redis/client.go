// Package redis holds the Redis backed pieces: intake idempotency, per-client
// rate limiting and a delay queue for deferred delivery jobs.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultPoolSize = 10

type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	// PoolSize should cover the worker pool plus HTTP traffic when Redis
	// backs the job queue. Zero means defaultPoolSize.
	PoolSize int
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New dials Redis and fails unless it answers PING.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		PoolTimeout:  4 * time.Second,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	c := &Client{rdb: rdb, logger: logger}
	if err := c.Health(ctx); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	logger.Info("connected to redis",
		zap.String("addr", cfg.Addr()),
		zap.Int("db", cfg.DB),
		zap.Int("pool_size", poolSize),
	)
	return c, nil
}

// NewFromRedis wraps an existing go-redis client
func NewFromRedis(rdb *redis.Client, logger *zap.Logger) *Client {
	return &Client{rdb: rdb, logger: logger}
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health pings with a short deadline. Used at startup and by /health.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
