package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	l := NewRateLimiter()
	base := time.Now()
	clock := base
	l.now = func() time.Time { return clock }

	policy := domain.RateLimitPolicy{Limit: 3, Window: time.Second}

	// Three acquisitions inside the window succeed.
	for i := 0; i < 3; i++ {
		clock = base.Add(time.Duration(i) * 50 * time.Millisecond)
		lease, err := l.TryAcquire(context.Background(), "k", policy)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if !lease.Acquired {
			t.Fatalf("acquire %d denied", i)
		}
		if lease.Remaining != 3-(i+1) {
			t.Errorf("acquire %d remaining = %d, want %d", i, lease.Remaining, 3-(i+1))
		}
	}

	// The fourth inside the window is denied with the time until the
	// oldest slot frees.
	clock = base.Add(100 * time.Millisecond)
	lease, err := l.TryAcquire(context.Background(), "k", policy)
	if err != nil {
		t.Fatalf("acquire 4: %v", err)
	}
	if lease.Acquired {
		t.Fatal("fourth acquisition succeeded inside the window")
	}
	if lease.RetryAfter != 900*time.Millisecond {
		t.Fatalf("retry after = %v, want 900ms", lease.RetryAfter)
	}

	// After the first slot leaves the window, acquisition succeeds again.
	clock = base.Add(1100 * time.Millisecond)
	lease, err = l.TryAcquire(context.Background(), "k", policy)
	if err != nil || !lease.Acquired {
		t.Fatalf("acquire after window = (%+v, %v), want acquired", lease, err)
	}
}

func TestRateLimiterUsage(t *testing.T) {
	l := NewRateLimiter()
	base := time.Now()
	clock := base
	l.now = func() time.Time { return clock }

	policy := domain.RateLimitPolicy{Limit: 10, Window: time.Second}
	for i := 0; i < 4; i++ {
		_, _ = l.TryAcquire(context.Background(), "k", policy)
	}

	used, err := l.Usage(context.Background(), "k", policy)
	if err != nil || used != 4 {
		t.Fatalf("usage = (%d, %v), want 4", used, err)
	}

	clock = base.Add(2 * time.Second)
	used, _ = l.Usage(context.Background(), "k", policy)
	if used != 0 {
		t.Fatalf("usage after window = %d, want 0", used)
	}
}

func TestRateLimiterRetryAfter(t *testing.T) {
	l := NewRateLimiter()
	base := time.Now()
	clock := base
	l.now = func() time.Time { return clock }

	policy := domain.RateLimitPolicy{Limit: 1, Window: time.Second}
	d, err := l.RetryAfter(context.Background(), "k", policy)
	if err != nil || d != 0 {
		t.Fatalf("retry after under limit = (%v, %v), want 0", d, err)
	}

	_, _ = l.TryAcquire(context.Background(), "k", policy)
	clock = base.Add(400 * time.Millisecond)
	d, _ = l.RetryAfter(context.Background(), "k", policy)
	if d != 600*time.Millisecond {
		t.Fatalf("retry after = %v, want 600ms", d)
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	l := NewRateLimiter()
	policy := domain.RateLimitPolicy{Limit: 1, Window: time.Minute}

	lease, _ := l.TryAcquire(context.Background(), "a", policy)
	if !lease.Acquired {
		t.Fatal("first key denied")
	}
	lease, _ = l.TryAcquire(context.Background(), "b", policy)
	if !lease.Acquired {
		t.Fatal("independent key denied")
	}
	lease, _ = l.TryAcquire(context.Background(), "a", policy)
	if lease.Acquired {
		t.Fatal("exhausted key acquired")
	}
}

func TestRateLimiterRejectsInvalidPolicy(t *testing.T) {
	l := NewRateLimiter()
	_, err := l.TryAcquire(context.Background(), "k", domain.RateLimitPolicy{})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}
