package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
	"github.com/fairyhunter13/go-taskqueue/pkg/textx"
)

const resultChannelPrefix = "task_result"

const resultSchema = `
CREATE TABLE IF NOT EXISTS task_results (
	task_id    TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	payload    JSONB,
	meta       JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS task_results_expires_at_idx
	ON task_results (expires_at) WHERE expires_at IS NOT NULL;
`

// ResultBackendOptions tune the backend. Zero values fall back to
// defaults.
type ResultBackendOptions struct {
	// ListenDSN, when set, is used to open dedicated connections for
	// LISTEN during WaitForResult. Empty means waiters poll only.
	ListenDSN string
	// DefaultExpiry applies when StoreResult is called with expiry <= 0.
	DefaultExpiry time.Duration
	// PollInterval bounds how long a waiter sleeps between checks.
	PollInterval time.Duration
	// CleanupBatchSize caps rows deleted per cleanup pass.
	CleanupBatchSize int
}

func (o *ResultBackendOptions) fill() {
	if o.DefaultExpiry <= 0 {
		o.DefaultExpiry = 24 * time.Hour
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.CleanupBatchSize <= 0 {
		o.CleanupBatchSize = 500
	}
}

// ResultBackend stores task results in PostgreSQL. A stored result row
// carries the full serialized result in payload; rows created through
// UpdateState alone have a NULL payload and read back as "no result yet".
type ResultBackend struct {
	Pool   PgxPool
	opts   ResultBackendOptions
	logger *slog.Logger
	now    func() time.Time

	initOnce sync.Once
	initErr  error
}

// NewResultBackend creates a backend on pool. logger may be nil.
func NewResultBackend(pool PgxPool, opts ResultBackendOptions, logger *slog.Logger) *ResultBackend {
	opts.fill()
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultBackend{Pool: pool, opts: opts, logger: logger, now: time.Now}
}

func (b *ResultBackend) ensureSchema(ctx domain.Context) error {
	b.initOnce.Do(func() {
		_, b.initErr = b.Pool.Exec(ctx, resultSchema)
	})
	return b.initErr
}

// StoreResult upserts the result row and notifies any waiters on the
// task's channel.
func (b *ResultBackend) StoreResult(ctx domain.Context, res *domain.TaskResult, expiry time.Duration) error {
	if res == nil || res.TaskID == "" {
		return fmt.Errorf("op=result.store: %w: missing task id", domain.ErrInvalidArgument)
	}
	if err := b.ensureSchema(ctx); err != nil {
		return fmt.Errorf("op=result.store: %w", err)
	}
	if expiry <= 0 {
		expiry = b.opts.DefaultExpiry
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("op=result.store: %w", err)
	}
	now := b.now().UTC()

	tx, err := b.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=result.store: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsert = `INSERT INTO task_results (task_id, state, payload, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id) DO UPDATE
		SET state = EXCLUDED.state, payload = EXCLUDED.payload,
		    updated_at = EXCLUDED.updated_at, expires_at = EXCLUDED.expires_at`
	if _, err := tx.Exec(ctx, upsert, res.TaskID, string(res.State), payload, now, now.Add(expiry)); err != nil {
		return fmt.Errorf("op=result.store: %w", err)
	}
	// Notify inside the transaction so the payload is visible to any
	// waiter woken by it.
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, b.channelFor(res.TaskID), res.TaskID); err != nil {
		return fmt.Errorf("op=result.store: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=result.store: %w", err)
	}
	return nil
}

func (b *ResultBackend) channelFor(taskID string) string {
	return textx.ChannelName(resultChannelPrefix, taskID)
}

// GetResult returns (nil, nil) until a terminal result is stored; expired
// and state-only rows read the same as missing ones.
func (b *ResultBackend) GetResult(ctx domain.Context, taskID string) (*domain.TaskResult, error) {
	if taskID == "" {
		return nil, fmt.Errorf("op=result.get: %w: missing task id", domain.ErrInvalidArgument)
	}
	if err := b.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("op=result.get: %w", err)
	}
	const q = `SELECT payload FROM task_results
		WHERE task_id = $1 AND (expires_at IS NULL OR expires_at > $2)`
	var payload []byte
	if err := b.Pool.QueryRow(ctx, q, taskID, b.now().UTC()).Scan(&payload); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("op=result.get: %w", err)
	}
	if len(payload) == 0 {
		// State-only row from UpdateState.
		return nil, nil
	}
	var res domain.TaskResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("op=result.get: %w", err)
	}
	if !res.State.IsTerminal() {
		return nil, nil
	}
	return &res, nil
}

// WaitForResult blocks until a result exists for taskID. With a listener
// DSN configured the waiter sleeps on LISTEN/NOTIFY; either way it
// re-checks at least every PollInterval.
func (b *ResultBackend) WaitForResult(ctx domain.Context, taskID string, timeout time.Duration) (*domain.TaskResult, error) {
	if res, err := b.GetResult(ctx, taskID); err != nil || res != nil {
		return res, err
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	listener, err := b.openListener(waitCtx, taskID)
	if err != nil {
		// LISTEN is an optimization; fall back to polling.
		b.logger.Warn("result listener unavailable, polling",
			slog.String("task_id", taskID), slog.String("error", err.Error()))
	}
	if listener != nil {
		defer func() { _ = listener.Close(context.WithoutCancel(ctx)) }()
	}

	// Re-check after LISTEN is in place: the result may have landed
	// between the first read and the subscription.
	if res, err := b.GetResult(ctx, taskID); err != nil || res != nil {
		return res, err
	}

	for {
		if err := b.waitOnce(waitCtx, listener); err != nil {
			if waitCtx.Err() != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("op=result.wait: %w: task %s", domain.ErrTimeout, taskID)
			}
			return nil, fmt.Errorf("op=result.wait: %w", err)
		}
		res, err := b.GetResult(ctx, taskID)
		if err != nil || res != nil {
			return res, err
		}
	}
}

// waitOnce sleeps until the next wakeup: a notification, one poll
// interval, or waitCtx expiring.
func (b *ResultBackend) waitOnce(waitCtx context.Context, listener *pgx.Conn) error {
	if listener == nil {
		select {
		case <-waitCtx.Done():
			return waitCtx.Err()
		case <-time.After(b.opts.PollInterval):
			return nil
		}
	}
	notifyCtx, cancel := context.WithTimeout(waitCtx, b.opts.PollInterval)
	defer cancel()
	_, err := listener.WaitForNotification(notifyCtx)
	if err != nil {
		if waitCtx.Err() != nil {
			return waitCtx.Err()
		}
		// The per-iteration deadline just turns the wait into a poll.
		if notifyCtx.Err() != nil {
			return nil
		}
		return err
	}
	return nil
}

// openListener opens a dedicated connection subscribed to the task's
// channel. Returns (nil, nil) when no listener DSN is configured.
func (b *ResultBackend) openListener(ctx context.Context, taskID string) (*pgx.Conn, error) {
	if b.opts.ListenDSN == "" {
		return nil, nil
	}
	channel := b.channelFor(taskID)
	if err := textx.ValidateChannel(channel); err != nil {
		return nil, err
	}
	conn, err := pgx.Connect(ctx, b.opts.ListenDSN)
	if err != nil {
		return nil, err
	}
	// Channel names cannot be bound parameters; the name is derived and
	// validated above.
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		_ = conn.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return conn, nil
}

// UpdateState records a state transition. Meta keys merge over existing
// ones; a stored payload and its expiry survive the update.
func (b *ResultBackend) UpdateState(ctx domain.Context, taskID string, state domain.TaskState, meta map[string]string) error {
	if taskID == "" {
		return fmt.Errorf("op=result.update_state: %w: missing task id", domain.ErrInvalidArgument)
	}
	if err := b.ensureSchema(ctx); err != nil {
		return fmt.Errorf("op=result.update_state: %w", err)
	}
	metaJSON := []byte("{}")
	if len(meta) > 0 {
		var err error
		if metaJSON, err = json.Marshal(meta); err != nil {
			return fmt.Errorf("op=result.update_state: %w", err)
		}
	}
	now := b.now().UTC()
	const q = `INSERT INTO task_results (task_id, state, meta, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id) DO UPDATE
		SET state = EXCLUDED.state,
		    meta = task_results.meta || EXCLUDED.meta,
		    updated_at = EXCLUDED.updated_at`
	if _, err := b.Pool.Exec(ctx, q, taskID, string(state), metaJSON, now, now.Add(b.opts.DefaultExpiry)); err != nil {
		return fmt.Errorf("op=result.update_state: %w", err)
	}
	return nil
}

// GetState returns "" when no row exists.
func (b *ResultBackend) GetState(ctx domain.Context, taskID string) (domain.TaskState, error) {
	if taskID == "" {
		return "", fmt.Errorf("op=result.get_state: %w: missing task id", domain.ErrInvalidArgument)
	}
	if err := b.ensureSchema(ctx); err != nil {
		return "", fmt.Errorf("op=result.get_state: %w", err)
	}
	const q = `SELECT state FROM task_results
		WHERE task_id = $1 AND (expires_at IS NULL OR expires_at > $2)`
	var state string
	if err := b.Pool.QueryRow(ctx, q, taskID, b.now().UTC()).Scan(&state); err != nil {
		if err == pgx.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("op=result.get_state: %w", err)
	}
	return domain.TaskState(state), nil
}

// CleanupExpired deletes one batch of expired rows and returns the count.
func (b *ResultBackend) CleanupExpired(ctx domain.Context) (int64, error) {
	if err := b.ensureSchema(ctx); err != nil {
		return 0, fmt.Errorf("op=result.cleanup: %w", err)
	}
	const q = `DELETE FROM task_results WHERE task_id IN (
		SELECT task_id FROM task_results
		WHERE expires_at IS NOT NULL AND expires_at <= $1
		LIMIT $2)`
	tag, err := b.Pool.Exec(ctx, q, b.now().UTC(), b.opts.CleanupBatchSize)
	if err != nil {
		return 0, fmt.Errorf("op=result.cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RunCleanup deletes expired rows every interval until ctx is cancelled.
func (b *ResultBackend) RunCleanup(ctx domain.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		deleted, err := b.CleanupExpired(ctx)
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Error("result cleanup failed", slog.String("error", err.Error()))
			}
			continue
		}
		if deleted > 0 {
			b.logger.Info("expired results removed", slog.Int64("count", deleted))
		}
	}
}

// Close releases nothing; the pool is owned by the caller.
func (b *ResultBackend) Close() error { return nil }
