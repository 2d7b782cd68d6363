package postgres

import (
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

const rateLimitSchema = `
CREATE TABLE IF NOT EXISTS rate_limit_entries (
	id          BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	key         TEXT NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rate_limit_entries_key_idx
	ON rate_limit_entries (key, acquired_at);
`

// RateLimiter is a sliding-window limiter over timestamped rows. Each
// admission attempt runs in a serializable transaction that locks the
// key's rows, so concurrent workers on different processes never admit
// past the limit together.
type RateLimiter struct {
	Pool PgxPool
	now  func() time.Time

	initOnce sync.Once
	initErr  error
}

// NewRateLimiter creates a limiter on pool.
func NewRateLimiter(pool PgxPool) *RateLimiter {
	return &RateLimiter{Pool: pool, now: time.Now}
}

func (l *RateLimiter) ensureSchema(ctx domain.Context) error {
	l.initOnce.Do(func() {
		_, l.initErr = l.Pool.Exec(ctx, rateLimitSchema)
	})
	return l.initErr
}

func validatePolicy(policy domain.RateLimitPolicy) error {
	if policy.Limit <= 0 || policy.Window <= 0 {
		return fmt.Errorf("%w: limit and window must be positive", domain.ErrInvalidArgument)
	}
	return nil
}

// TryAcquire consumes one slot when under the limit.
func (l *RateLimiter) TryAcquire(ctx domain.Context, key string, policy domain.RateLimitPolicy) (domain.RateLimitLease, error) {
	if err := validatePolicy(policy); err != nil {
		return domain.RateLimitLease{}, fmt.Errorf("op=ratelimit.acquire: %w", err)
	}
	if err := l.ensureSchema(ctx); err != nil {
		return domain.RateLimitLease{}, fmt.Errorf("op=ratelimit.acquire: %w", err)
	}
	now := l.now().UTC()
	windowStart := now.Add(-policy.Window)

	tx, err := l.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return domain.RateLimitLease{}, fmt.Errorf("op=ratelimit.acquire: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM rate_limit_entries WHERE key = $1 AND acquired_at <= $2`, key, windowStart); err != nil {
		return domain.RateLimitLease{}, fmt.Errorf("op=ratelimit.acquire: %w", err)
	}

	count, oldest, err := windowRows(ctx, tx, key, windowStart, true)
	if err != nil {
		return domain.RateLimitLease{}, fmt.Errorf("op=ratelimit.acquire: %w", err)
	}

	if count >= int64(policy.Limit) {
		if err := tx.Commit(ctx); err != nil {
			return domain.RateLimitLease{}, fmt.Errorf("op=ratelimit.acquire: %w", err)
		}
		resetAt := oldest.Add(policy.Window)
		return domain.RateLimitLease{
			Acquired:   false,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}, nil
	}

	if _, err := tx.Exec(ctx, `INSERT INTO rate_limit_entries (key, acquired_at) VALUES ($1, $2)`, key, now); err != nil {
		return domain.RateLimitLease{}, fmt.Errorf("op=ratelimit.acquire: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.RateLimitLease{}, fmt.Errorf("op=ratelimit.acquire: %w", err)
	}
	if count == 0 {
		oldest = now
	}
	return domain.RateLimitLease{
		Acquired:  true,
		Remaining: policy.Limit - int(count) - 1,
		ResetAt:   oldest.Add(policy.Window),
	}, nil
}

// windowRows counts entries inside the window and returns the oldest
// timestamp. forUpdate locks the rows for the caller's transaction.
func windowRows(ctx domain.Context, tx pgx.Tx, key string, windowStart time.Time, forUpdate bool) (int64, time.Time, error) {
	q := `SELECT acquired_at FROM rate_limit_entries
		WHERE key = $1 AND acquired_at > $2 ORDER BY acquired_at`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	rows, err := tx.Query(ctx, q, key, windowStart)
	if err != nil {
		return 0, time.Time{}, err
	}
	defer rows.Close()
	var count int64
	var oldest time.Time
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return 0, time.Time{}, err
		}
		if count == 0 {
			oldest = at
		}
		count++
	}
	return count, oldest, rows.Err()
}

// Usage returns the number of acquisitions inside the current window.
func (l *RateLimiter) Usage(ctx domain.Context, key string, policy domain.RateLimitPolicy) (int64, error) {
	if err := validatePolicy(policy); err != nil {
		return 0, fmt.Errorf("op=ratelimit.usage: %w", err)
	}
	if err := l.ensureSchema(ctx); err != nil {
		return 0, fmt.Errorf("op=ratelimit.usage: %w", err)
	}
	const q = `SELECT count(*) FROM rate_limit_entries WHERE key = $1 AND acquired_at > $2`
	var count int64
	if err := l.Pool.QueryRow(ctx, q, key, l.now().UTC().Add(-policy.Window)).Scan(&count); err != nil {
		return 0, fmt.Errorf("op=ratelimit.usage: %w", err)
	}
	return count, nil
}

// RetryAfter returns how long until a slot frees; zero when under limit.
func (l *RateLimiter) RetryAfter(ctx domain.Context, key string, policy domain.RateLimitPolicy) (time.Duration, error) {
	if err := validatePolicy(policy); err != nil {
		return 0, fmt.Errorf("op=ratelimit.retry_after: %w", err)
	}
	if err := l.ensureSchema(ctx); err != nil {
		return 0, fmt.Errorf("op=ratelimit.retry_after: %w", err)
	}
	now := l.now().UTC()
	const q = `SELECT count(*), min(acquired_at) FROM rate_limit_entries
		WHERE key = $1 AND acquired_at > $2`
	var count int64
	var oldest *time.Time
	if err := l.Pool.QueryRow(ctx, q, key, now.Add(-policy.Window)).Scan(&count, &oldest); err != nil {
		return 0, fmt.Errorf("op=ratelimit.retry_after: %w", err)
	}
	if count < int64(policy.Limit) || oldest == nil {
		return 0, nil
	}
	wait := oldest.Add(policy.Window).Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait, nil
}
