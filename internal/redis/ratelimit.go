package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Sliding window over a sorted set of request timestamps (ms). Trimming,
// counting and adding happen in one script so concurrent callers can't
// both slip under the limit.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local n = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count + n > limit then
	return {0, limit - count}
end
for i = 1, n do
	redis.call('ZADD', key, now, member .. ':' .. i)
end
redis.call('PEXPIRE', key, window + 1000)
return {1, limit - count - n}
`)

// RateLimiter implements sliding window rate limiting using Redis.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Allow checks if a request is allowed under the rate limit.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks if n requests are allowed under the rate limit.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := r.now()
	resetAt := now.Add(r.config.Window)

	res, err := slidingWindow.Run(ctx, r.client.rdb,
		[]string{fmt.Sprintf("ratelimit:%s", key)},
		now.UnixMilli(),
		r.config.Window.Milliseconds(),
		r.config.Limit,
		n,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis rate limit script failed: %w", err)
	}

	allowed := res[0] == 1
	remaining := int(res[1])
	if !allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("limit", r.config.Limit),
		)
	}

	return &RateLimitResult{
		Allowed:   allowed,
		Remaining: max(0, remaining),
		ResetAt:   resetAt,
	}, nil
}

// Limit is the number of requests allowed per window
func (r *RateLimiter) Limit() int {
	return r.config.Limit
}
