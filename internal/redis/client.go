// Package redis provides the Redis-backed primitives shared by dispatch
// workers: event deduplication, per-number token buckets and sliding-window
// rate limits.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultNamespace prefixes every key this package writes.
const DefaultNamespace = "dripline"

type Config struct {
	Host     string
	Port     int
	Password string
	DB       int

	// PoolSize should cover every dispatch worker plus the HTTP handlers.
	// Zero uses 10.
	PoolSize int

	// Namespace separates deployments sharing one Redis. Empty uses
	// DefaultNamespace.
	Namespace string
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Client is the shared connection used by the idempotency store and the
// limiters. Keys are namespaced through key.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
	ns     string
}

// New connects and pings Redis.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		PoolTimeout:  4 * time.Second,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Addr(), err)
	}

	logger.Info("redis connected",
		zap.String("addr", cfg.Addr()),
		zap.Int("db", cfg.DB),
		zap.Int("pool_size", cfg.PoolSize),
		zap.String("namespace", cfg.Namespace),
	)

	return &Client{rdb: rdb, logger: logger, ns: cfg.Namespace}, nil
}

// NewFromClient wraps an existing go-redis client under DefaultNamespace.
// Tests in other packages use it with miniredis.
func NewFromClient(rdb *redis.Client, logger *zap.Logger) *Client {
	return &Client{rdb: rdb, logger: logger, ns: DefaultNamespace}
}

func (c *Client) key(parts ...string) string {
	if c.ns == "" {
		return strings.Join(parts, ":")
	}
	return c.ns + ":" + strings.Join(parts, ":")
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping backs the /health redis check.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
