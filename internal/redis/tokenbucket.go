package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// tokenBucketScript refills continuously at rate tokens per minute up to
// capacity, then applies delta (1 to take, -1 to refund).
// Returns {allowed, wait_ms}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local delta = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
    tokens = capacity
    ts = now
end

local elapsed = now - ts
if elapsed < 0 then
    elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * rate / 60000)

local allowed = 0
local wait = 0
if delta < 0 then
    tokens = math.min(capacity, tokens - delta)
    allowed = 1
elseif tokens >= delta then
    tokens = tokens - delta
    allowed = 1
else
    wait = math.ceil((delta - tokens) * 60000 / rate)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', tostring(now))
redis.call('PEXPIRE', key, math.ceil(capacity * 60000 / rate) + 1000)
return {allowed, wait}
`)

// TokenBucket is a per-key token bucket shared by every process using the
// same Redis. It satisfies numbers.TokenBucket.
type TokenBucket struct {
	client *Client
	burst  int
	now    func() time.Time
	logger *zap.Logger
}

// NewTokenBucket creates a bucket. burst caps stored tokens; zero means a
// full minute of tokens.
func NewTokenBucket(client *Client, burst int, logger *zap.Logger) *TokenBucket {
	return &TokenBucket{
		client: client,
		burst:  burst,
		now:    time.Now,
		logger: logger,
	}
}

func (b *TokenBucket) capacity(rate int) int {
	if b.burst > 0 {
		return b.burst
	}
	return rate
}

// Take removes one token. When the bucket is empty it returns false and the
// time until the next token.
func (b *TokenBucket) Take(ctx context.Context, key string, ratePerMinute int) (bool, time.Duration, error) {
	if ratePerMinute <= 0 {
		return true, 0, nil
	}

	res, err := b.run(ctx, key, ratePerMinute, 1)
	if err != nil {
		return false, 0, err
	}

	if res[0] == 0 {
		wait := time.Duration(res[1]) * time.Millisecond
		b.logger.Debug("token bucket empty",
			zap.String("key", key),
			zap.Int("rate_per_minute", ratePerMinute),
			zap.Duration("retry_after", wait),
		)
		return false, wait, nil
	}
	return true, 0, nil
}

// Refund puts one token back, capped at capacity.
func (b *TokenBucket) Refund(ctx context.Context, key string, ratePerMinute int) error {
	if ratePerMinute <= 0 {
		return nil
	}
	_, err := b.run(ctx, key, ratePerMinute, -1)
	return err
}

func (b *TokenBucket) run(ctx context.Context, key string, rate, delta int) ([]int64, error) {
	res, err := tokenBucketScript.Run(ctx, b.client.rdb, []string{b.client.key("bucket", key)},
		b.now().UnixMilli(), rate, b.capacity(rate), delta,
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("token bucket script failed: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("token bucket script returned %d values", len(res))
	}
	return res, nil
}
