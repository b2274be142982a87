package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// slidingWindowScript trims the window, then admits up to ARGV[4] entries
// without exceeding the limit. With ARGV[6] == "1" it admits all or none.
// Returns {granted, count_after}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local want = tonumber(ARGV[4])
local prefix = ARGV[5]
local whole = ARGV[6] == '1'

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

local granted = limit - count
if granted > want then
    granted = want
end
if granted < 0 or (whole and granted < want) then
    granted = 0
end

for i = 1, granted do
    redis.call('ZADD', key, now, prefix .. ':' .. i)
end
if granted > 0 then
    redis.call('PEXPIRE', key, window + 1000)
end
return {granted, count + granted}
`)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum events allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter implements a sliding window limit on a Redis sorted set.
// The whole check-and-add runs as one script, so concurrent callers can
// never overshoot the limit.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Limit returns the configured window limit.
func (r *RateLimiter) Limit() int {
	return r.config.Limit
}

// Allow checks if a single event is allowed under the rate limit.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN admits n events only if all of them fit.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := r.now()
	resetAt := now.Add(r.config.Window)

	if n <= 0 {
		return &RateLimitResult{Allowed: true, Remaining: r.config.Limit, ResetAt: resetAt}, nil
	}

	granted, count, err := r.run(ctx, key, now, n, true)
	if err != nil {
		return nil, err
	}
	if granted == 0 {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("requested", n),
			zap.Int("limit", r.config.Limit),
		)
		return &RateLimitResult{Allowed: false, Remaining: max(0, r.config.Limit-count), ResetAt: resetAt}, nil
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: max(0, r.config.Limit-count),
		ResetAt:   resetAt,
	}, nil
}

// Reserve takes up to n slots from the window and returns how many were
// granted. Zero means the window is full.
func (r *RateLimiter) Reserve(ctx context.Context, key string, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	if r.config.Limit <= 0 {
		return n, nil
	}
	granted, _, err := r.run(ctx, key, r.now(), n, false)
	if err != nil {
		return 0, err
	}
	if granted < n {
		r.logger.Debug("rate window partially granted",
			zap.String("key", key),
			zap.Int("requested", n),
			zap.Int("granted", granted),
		)
	}
	return granted, nil
}

// Release hands back n slots taken by Reserve that went unused. The newest
// entries in the window are dropped.
func (r *RateLimiter) Release(ctx context.Context, key string, n int) error {
	if n <= 0 || r.config.Limit <= 0 {
		return nil
	}
	if err := r.client.rdb.ZPopMax(ctx, r.client.key("ratelimit", key), int64(n)).Err(); err != nil {
		return fmt.Errorf("release rate window slots: %w", err)
	}
	return nil
}

func (r *RateLimiter) run(ctx context.Context, key string, now time.Time, n int, whole bool) (int, int, error) {
	mode := "0"
	if whole {
		mode = "1"
	}
	res, err := slidingWindowScript.Run(ctx, r.client.rdb, []string{r.client.key("ratelimit", key)},
		now.UnixMilli(), r.config.Window.Milliseconds(), r.config.Limit, n, uuid.NewString(), mode,
	).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("sliding window script failed: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("sliding window script returned %d values", len(res))
	}
	return int(res[0]), int(res[1]), nil
}
