package redis

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

// acquireScript implements one sliding-window admission attempt: prune
// expired entries, count, and either insert or report the wait until the
// oldest counted entry leaves the window. All times are unix milliseconds
// supplied by the caller so clocks stay testable.
var acquireScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count < limit then
  redis.call('ZADD', KEYS[1], now, ARGV[4])
  redis.call('PEXPIRE', KEYS[1], window)
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  return {1, limit - count - 1, tonumber(oldest[2]) + window}
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local reset = tonumber(oldest[2]) + window
return {0, 0, reset}
`)

// usageScript prunes and counts without inserting.
var usageScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
return redis.call('ZCARD', KEYS[1])
`)

// retryAfterScript reports milliseconds until a slot frees, 0 when under
// the limit.
var retryAfterScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count < limit then
  return 0
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
return (tonumber(oldest[2]) + window) - now
`)

// RateLimiter is a sliding-window limiter over per-key ZSETs of
// acquisition timestamps.
type RateLimiter struct {
	client *redis.Client
	prefix string
	seq    atomic.Int64

	now func() time.Time
}

// NewRateLimiter creates a limiter on client.
func NewRateLimiter(client *redis.Client, prefix string) *RateLimiter {
	return &RateLimiter{client: client, prefix: keyPrefix(prefix), now: time.Now}
}

func (l *RateLimiter) windowKey(key string) string {
	return l.prefix + ":ratelimit:" + key
}

func validatePolicy(op string, p domain.RateLimitPolicy) error {
	if p.Limit <= 0 || p.Window <= 0 {
		return fmt.Errorf("op=%s: %w: limit and window must be positive", op, domain.ErrInvalidArgument)
	}
	return nil
}

// TryAcquire consumes one slot when the window has room.
func (l *RateLimiter) TryAcquire(ctx domain.Context, key string, policy domain.RateLimitPolicy) (domain.RateLimitLease, error) {
	if err := validatePolicy("ratelimit.try_acquire", policy); err != nil {
		return domain.RateLimitLease{}, err
	}
	now := l.now()
	// Member must be unique per acquisition; two admits in the same
	// millisecond would otherwise collapse into one ZSET entry.
	member := fmt.Sprintf("%d-%d", now.UnixNano(), l.seq.Add(1))

	reply, err := acquireScript.Run(ctx, l.client, []string{l.windowKey(key)},
		millis(now), policy.Window.Milliseconds(), policy.Limit, member).Slice()
	if err != nil {
		return domain.RateLimitLease{}, fmt.Errorf("op=ratelimit.try_acquire key=%s: %w", key, err)
	}
	if len(reply) != 3 {
		return domain.RateLimitLease{}, fmt.Errorf("op=ratelimit.try_acquire key=%s: %w: short script reply", key, domain.ErrInternal)
	}

	resetAt := time.UnixMilli(toInt64(reply[2]))
	if toInt64(reply[0]) == 1 {
		return domain.RateLimitLease{
			Acquired:  true,
			Remaining: int(toInt64(reply[1])),
			ResetAt:   resetAt,
		}, nil
	}
	return domain.RateLimitLease{
		Acquired:   false,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: resetAt.Sub(now),
	}, nil
}

// Usage returns the acquisitions inside the current window.
func (l *RateLimiter) Usage(ctx domain.Context, key string, policy domain.RateLimitPolicy) (int64, error) {
	if err := validatePolicy("ratelimit.usage", policy); err != nil {
		return 0, err
	}
	n, err := usageScript.Run(ctx, l.client, []string{l.windowKey(key)},
		millis(l.now()), policy.Window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("op=ratelimit.usage key=%s: %w", key, err)
	}
	return n, nil
}

// RetryAfter returns how long until a slot frees, zero when under limit.
func (l *RateLimiter) RetryAfter(ctx domain.Context, key string, policy domain.RateLimitPolicy) (time.Duration, error) {
	if err := validatePolicy("ratelimit.retry_after", policy); err != nil {
		return 0, err
	}
	ms, err := retryAfterScript.Run(ctx, l.client, []string{l.windowKey(key)},
		millis(l.now()), policy.Window.Milliseconds(), policy.Limit).Int64()
	if err != nil {
		return 0, fmt.Errorf("op=ratelimit.retry_after key=%s: %w", key, err)
	}
	if ms <= 0 {
		return 0, nil
	}
	return time.Duration(ms) * time.Millisecond, nil
}
