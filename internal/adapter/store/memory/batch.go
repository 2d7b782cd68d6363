package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

// BatchStore tracks task groups under one mutex; mark operations are
// atomic by construction.
type BatchStore struct {
	mu        sync.Mutex
	batches   map[string]*domain.Batch
	taskIndex map[string]string // task ID -> batch ID

	now func() time.Time
}

// NewBatchStore creates an empty in-memory batch store.
func NewBatchStore() *BatchStore {
	return &BatchStore{
		batches:   make(map[string]*domain.Batch),
		taskIndex: make(map[string]string),
		now:       time.Now,
	}
}

// Create stores the batch and indexes its task IDs.
func (s *BatchStore) Create(_ domain.Context, b *domain.Batch) error {
	if b == nil || b.ID == "" {
		return fmt.Errorf("op=batch.create: %w: missing batch id", domain.ErrInvalidArgument)
	}
	stored := b.Clone()
	if stored.State == "" {
		stored.State = domain.BatchPending
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[stored.ID]; exists {
		return fmt.Errorf("op=batch.create id=%s: %w", stored.ID, domain.ErrConflict)
	}
	s.batches[stored.ID] = stored
	for _, taskID := range stored.TaskIDs {
		s.taskIndex[taskID] = stored.ID
	}
	return nil
}

// Get returns the batch or (nil, nil).
func (s *BatchStore) Get(_ domain.Context, id string) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[id].Clone(), nil
}

// MarkTaskCompleted records a successful task of some batch.
func (s *BatchStore) MarkTaskCompleted(ctx domain.Context, taskID string) (*domain.Batch, error) {
	return s.mark(taskID, false)
}

// MarkTaskFailed records a failed task of some batch.
func (s *BatchStore) MarkTaskFailed(ctx domain.Context, taskID string) (*domain.Batch, error) {
	return s.mark(taskID, true)
}

func (s *BatchStore) mark(taskID string, failed bool) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batchID, ok := s.taskIndex[taskID]
	if !ok {
		return nil, nil
	}
	b, ok := s.batches[batchID]
	if !ok {
		return nil, nil
	}
	if b.State.IsTerminal() {
		return b.Clone(), nil
	}
	if containsID(b.CompletedTaskIDs, taskID) || containsID(b.FailedTaskIDs, taskID) {
		return b.Clone(), nil
	}

	if failed {
		b.FailedTaskIDs = append(b.FailedTaskIDs, taskID)
	} else {
		b.CompletedTaskIDs = append(b.CompletedTaskIDs, taskID)
	}
	if b.State == domain.BatchPending {
		b.State = domain.BatchProcessing
	}
	if b.IsFinished() {
		b.State = b.TerminalState()
		completed := s.now()
		b.CompletedAt = &completed
	}
	return b.Clone(), nil
}

// Cancel moves a non-terminal batch to Cancelled.
func (s *BatchStore) Cancel(_ domain.Context, id string) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, nil
	}
	if !b.State.IsTerminal() {
		b.State = domain.BatchCancelled
		completed := s.now()
		b.CompletedAt = &completed
	}
	return b.Clone(), nil
}

// Delete removes the batch and its task-index entries.
func (s *BatchStore) Delete(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil
	}
	for _, taskID := range b.TaskIDs {
		if s.taskIndex[taskID] == id {
			delete(s.taskIndex, taskID)
		}
	}
	delete(s.batches, id)
	return nil
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
