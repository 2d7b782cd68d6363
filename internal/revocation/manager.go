// Package revocation tracks revoked task IDs inside a worker and cancels
// locally running tasks when revocation events arrive.
package revocation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
	"github.com/fairyhunter13/go-taskqueue/internal/observability"
)

// Manager links task executions to the shared revocation store. One
// manager serves all executions in a worker process.
type Manager struct {
	store domain.RevocationStore

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewManager creates a manager over the given store.
func NewManager(store domain.RevocationStore) *Manager {
	return &Manager{store: store, running: make(map[string]context.CancelFunc)}
}

// RegisterTask creates a cancellable context linked to parent for the
// task and tracks it until release is called. The broker guarantees one
// delivery per task ID at a time; a duplicate registration replaces the
// tracked cancel function without cancelling the first.
func (m *Manager) RegisterTask(parent domain.Context, taskID string) (domain.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	m.mu.Lock()
	m.running[taskID] = cancel
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.running, taskID)
		m.mu.Unlock()
		cancel()
	}
	return ctx, release
}

// IsRevoked is the pre-execution check against the shared store.
func (m *Manager) IsRevoked(ctx domain.Context, taskID string) (bool, error) {
	return m.store.IsRevoked(ctx, taskID)
}

// RunningCount returns how many executions are currently registered.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// HandleEvent cancels the linked context of a locally running task when
// the revocation asks for cancellation. The lock is never held across the
// cancel call.
func (m *Manager) HandleEvent(ev domain.RevocationEvent) {
	if !ev.Options.CancelsRunning() {
		return
	}
	m.mu.Lock()
	cancel, ok := m.running[ev.TaskID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// Run consumes revocation events until ctx is cancelled, resubscribing
// with a delay when the subscription drops.
func (m *Manager) Run(ctx domain.Context) error {
	log := observability.LoggerFromContext(ctx)
	for {
		events, err := m.store.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("revocation subscribe failed, retrying", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for ev := range events {
			m.HandleEvent(ev)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
