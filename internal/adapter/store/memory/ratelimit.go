package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

// RateLimiter is a sliding-window counter over in-process timestamps.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time

	now func() time.Time
}

// NewRateLimiter creates an empty in-memory rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{windows: make(map[string][]time.Time), now: time.Now}
}

func validatePolicy(op string, p domain.RateLimitPolicy) error {
	if p.Limit <= 0 || p.Window <= 0 {
		return fmt.Errorf("op=%s: %w: limit and window must be positive", op, domain.ErrInvalidArgument)
	}
	return nil
}

// TryAcquire consumes one slot when the window has room.
func (l *RateLimiter) TryAcquire(_ domain.Context, key string, policy domain.RateLimitPolicy) (domain.RateLimitLease, error) {
	if err := validatePolicy("ratelimit.try_acquire", policy); err != nil {
		return domain.RateLimitLease{}, err
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	window := l.pruneLocked(key, now, policy.Window)

	if len(window) >= policy.Limit {
		resetAt := window[0].Add(policy.Window)
		return domain.RateLimitLease{
			Acquired:   false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}, nil
	}

	window = append(window, now)
	l.windows[key] = window
	return domain.RateLimitLease{
		Acquired:  true,
		Remaining: policy.Limit - len(window),
		ResetAt:   window[0].Add(policy.Window),
	}, nil
}

// Usage returns the acquisitions inside the current window.
func (l *RateLimiter) Usage(_ domain.Context, key string, policy domain.RateLimitPolicy) (int64, error) {
	if err := validatePolicy("ratelimit.usage", policy); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.pruneLocked(key, l.now(), policy.Window))), nil
}

// RetryAfter returns how long until a slot frees, zero when under limit.
func (l *RateLimiter) RetryAfter(_ domain.Context, key string, policy domain.RateLimitPolicy) (time.Duration, error) {
	if err := validatePolicy("ratelimit.retry_after", policy); err != nil {
		return 0, err
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	window := l.pruneLocked(key, now, policy.Window)
	if len(window) < policy.Limit {
		return 0, nil
	}
	return window[0].Add(policy.Window).Sub(now), nil
}

// pruneLocked drops timestamps that left the window and returns the
// remaining ones, oldest first.
func (l *RateLimiter) pruneLocked(key string, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	entries := l.windows[key]
	start := 0
	for start < len(entries) && !entries[start].After(cutoff) {
		start++
	}
	if start > 0 {
		entries = append(entries[:0], entries[start:]...)
	}
	if len(entries) == 0 {
		delete(l.windows, key)
	} else {
		l.windows[key] = entries
	}
	return entries
}
