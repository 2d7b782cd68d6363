package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	client, _ := newTestClient(t)
	l := NewRateLimiter(client, "taskq")
	base := time.Now()
	l.now = func() time.Time { return base }
	ctx := context.Background()
	policy := domain.RateLimitPolicy{Limit: 2, Window: time.Minute}

	lease, err := l.TryAcquire(ctx, "emails", policy)
	require.NoError(t, err)
	assert.True(t, lease.Acquired)
	assert.Equal(t, 1, lease.Remaining)

	lease, err = l.TryAcquire(ctx, "emails", policy)
	require.NoError(t, err)
	assert.True(t, lease.Acquired)
	assert.Equal(t, 0, lease.Remaining)

	lease, err = l.TryAcquire(ctx, "emails", policy)
	require.NoError(t, err)
	assert.False(t, lease.Acquired)
	assert.Equal(t, time.Minute, lease.RetryAfter)

	// The window slides: once the oldest acquisition ages out, a slot
	// frees up again.
	l.now = func() time.Time { return base.Add(61 * time.Second) }
	lease, err = l.TryAcquire(ctx, "emails", policy)
	require.NoError(t, err)
	assert.True(t, lease.Acquired)
}

func TestRateLimiterUsageAndRetryAfter(t *testing.T) {
	client, _ := newTestClient(t)
	l := NewRateLimiter(client, "taskq")
	base := time.Now()
	l.now = func() time.Time { return base }
	ctx := context.Background()
	policy := domain.RateLimitPolicy{Limit: 1, Window: 10 * time.Second}

	usage, err := l.Usage(ctx, "emails", policy)
	require.NoError(t, err)
	assert.Zero(t, usage)

	retryAfter, err := l.RetryAfter(ctx, "emails", policy)
	require.NoError(t, err)
	assert.Zero(t, retryAfter)

	_, err = l.TryAcquire(ctx, "emails", policy)
	require.NoError(t, err)

	usage, err = l.Usage(ctx, "emails", policy)
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage)

	l.now = func() time.Time { return base.Add(4 * time.Second) }
	retryAfter, err = l.RetryAfter(ctx, "emails", policy)
	require.NoError(t, err)
	assert.Equal(t, 6*time.Second, retryAfter)
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	client, _ := newTestClient(t)
	l := NewRateLimiter(client, "taskq")
	ctx := context.Background()
	policy := domain.RateLimitPolicy{Limit: 1, Window: time.Minute}

	lease, err := l.TryAcquire(ctx, "emails", policy)
	require.NoError(t, err)
	assert.True(t, lease.Acquired)

	lease, err = l.TryAcquire(ctx, "reports", policy)
	require.NoError(t, err)
	assert.True(t, lease.Acquired)
}

func TestRateLimiterRejectsBadPolicy(t *testing.T) {
	client, _ := newTestClient(t)
	l := NewRateLimiter(client, "taskq")

	_, err := l.TryAcquire(context.Background(), "x", domain.RateLimitPolicy{})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = l.Usage(context.Background(), "x", domain.RateLimitPolicy{Limit: 1})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}
