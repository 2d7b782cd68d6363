// Package memory provides in-process implementations of every store port.
// They back single-process deployments and tests; semantics mirror the
// Redis and PostgreSQL adapters.
package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

type resultEntry struct {
	res       *domain.TaskResult
	expiresAt time.Time // zero means no expiry
}

// ResultBackend stores task results in a map and completes waiters by
// push; no polling loop is needed in-process.
type ResultBackend struct {
	mu      sync.Mutex
	results map[string]resultEntry
	waiters map[string][]chan *domain.TaskResult
	closed  bool

	now func() time.Time
}

// NewResultBackend creates an empty in-memory result backend.
func NewResultBackend() *ResultBackend {
	return &ResultBackend{
		results: make(map[string]resultEntry),
		waiters: make(map[string][]chan *domain.TaskResult),
		now:     time.Now,
	}
}

// StoreResult upserts the result. Waiters are completed only for terminal
// outcomes; intermediate records stay invisible to readers.
func (b *ResultBackend) StoreResult(_ domain.Context, res *domain.TaskResult, expiry time.Duration) error {
	if res == nil || res.TaskID == "" {
		return fmt.Errorf("op=result.store: %w: missing task id", domain.ErrInvalidArgument)
	}
	stored := res.Clone()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("op=result.store: %w", domain.ErrClosed)
	}
	entry := resultEntry{res: stored}
	if expiry > 0 {
		entry.expiresAt = b.now().Add(expiry)
	}
	b.results[res.TaskID] = entry
	var waiters []chan *domain.TaskResult
	if stored.State.IsTerminal() {
		waiters = b.waiters[res.TaskID]
		delete(b.waiters, res.TaskID)
	}
	b.mu.Unlock()

	for _, ch := range waiters {
		ch <- stored.Clone()
	}
	return nil
}

// GetResult returns the stored result once it is terminal, else (nil, nil);
// expired entries are purged lazily. Non-terminal records written by
// UpdateState stay readable through GetState only.
func (b *ResultBackend) GetResult(_ domain.Context, taskID string) (*domain.TaskResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := b.liveEntryLocked(taskID)
	if entry == nil || !entry.res.State.IsTerminal() {
		return nil, nil
	}
	return entry.res.Clone(), nil
}

// liveEntryLocked returns the entry for taskID, purging it when expired.
func (b *ResultBackend) liveEntryLocked(taskID string) *resultEntry {
	entry, ok := b.results[taskID]
	if !ok {
		return nil
	}
	if !entry.expiresAt.IsZero() && b.now().After(entry.expiresAt) {
		delete(b.results, taskID)
		return nil
	}
	return &entry
}

// WaitForResult blocks until a terminal result lands, the timeout elapses,
// or ctx is cancelled. A result stored before the waiter registered is
// still found through the re-check.
func (b *ResultBackend) WaitForResult(ctx domain.Context, taskID string, timeout time.Duration) (*domain.TaskResult, error) {
	if res, err := b.GetResult(ctx, taskID); err != nil || res != nil {
		return res, err
	}

	ch := make(chan *domain.TaskResult, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("op=result.wait: %w", domain.ErrClosed)
	}
	b.waiters[taskID] = append(b.waiters[taskID], ch)
	b.mu.Unlock()
	defer b.removeWaiter(taskID, ch)

	// Close the race window between the first check and registration.
	if res, err := b.GetResult(ctx, taskID); err != nil || res != nil {
		return res, err
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case res, ok := <-ch:
		if !ok || res == nil {
			return nil, fmt.Errorf("op=result.wait: %w", domain.ErrClosed)
		}
		return res, nil
	case <-timeoutC:
		return nil, fmt.Errorf("op=result.wait task=%s: %w", taskID, domain.ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *ResultBackend) removeWaiter(taskID string, ch chan *domain.TaskResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	waiters := b.waiters[taskID]
	for i, w := range waiters {
		if w == ch {
			b.waiters[taskID] = append(waiters[:i:i], waiters[i+1:]...)
			break
		}
	}
	if len(b.waiters[taskID]) == 0 {
		delete(b.waiters, taskID)
	}
}

// UpdateState upserts the state of a task without touching any stored
// payload, merging meta into the existing entry.
func (b *ResultBackend) UpdateState(_ domain.Context, taskID string, state domain.TaskState, meta map[string]string) error {
	if taskID == "" {
		return fmt.Errorf("op=result.update_state: %w: missing task id", domain.ErrInvalidArgument)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("op=result.update_state: %w", domain.ErrClosed)
	}
	entry, ok := b.results[taskID]
	if !ok || entry.res == nil {
		entry = resultEntry{res: &domain.TaskResult{TaskID: taskID}}
	}
	entry.res.State = state
	if len(meta) > 0 {
		if entry.res.Meta == nil {
			entry.res.Meta = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			entry.res.Meta[k] = v
		}
	}
	b.results[taskID] = entry
	return nil
}

// GetState returns the stored state or "". Unlike GetResult it also sees
// intermediate states.
func (b *ResultBackend) GetState(_ domain.Context, taskID string) (domain.TaskState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := b.liveEntryLocked(taskID)
	if entry == nil {
		return "", nil
	}
	return entry.res.State, nil
}

// Close releases every waiter with ErrClosed.
func (b *ResultBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []chan *domain.TaskResult
	for _, waiters := range b.waiters {
		all = append(all, waiters...)
	}
	b.waiters = make(map[string][]chan *domain.TaskResult)
	b.mu.Unlock()

	for _, ch := range all {
		close(ch)
	}
	return nil
}
