package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

// SagaStore serializes every saga mutation under one mutex, mirroring the
// per-operation atomicity of the Redis scripts. Terminal sagas are kept
// for completedTTL and purged lazily.
type SagaStore struct {
	mu        sync.Mutex
	sagas     map[string]*domain.Saga
	taskIndex map[string]string    // task ID -> saga ID
	expiries  map[string]time.Time // saga ID -> purge time

	completedTTL time.Duration
	now          func() time.Time
}

// NewSagaStore creates an in-memory saga store. completedTTL bounds how
// long terminal sagas stay readable; zero keeps them forever.
func NewSagaStore(completedTTL time.Duration) *SagaStore {
	return &SagaStore{
		sagas:        make(map[string]*domain.Saga),
		taskIndex:    make(map[string]string),
		expiries:     make(map[string]time.Time),
		completedTTL: completedTTL,
		now:          time.Now,
	}
}

// Create stores the saga and indexes any pre-assigned step task IDs.
func (s *SagaStore) Create(_ domain.Context, saga *domain.Saga) error {
	if saga == nil || saga.ID == "" {
		return fmt.Errorf("op=saga.create: %w: missing saga id", domain.ErrInvalidArgument)
	}
	if len(saga.Steps) == 0 {
		return fmt.Errorf("op=saga.create id=%s: %w: saga has no steps", saga.ID, domain.ErrInvalidArgument)
	}
	stored := saga.Clone()
	if stored.State == "" {
		stored.State = domain.SagaCreated
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	for i := range stored.Steps {
		if stored.Steps[i].State == "" {
			stored.Steps[i].State = domain.StepPending
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sagas[stored.ID]; exists {
		return fmt.Errorf("op=saga.create id=%s: %w", stored.ID, domain.ErrConflict)
	}
	s.sagas[stored.ID] = stored
	for i := range stored.Steps {
		s.indexStepLocked(stored.ID, &stored.Steps[i])
	}
	return nil
}

// Get returns the saga or (nil, nil).
func (s *SagaStore) Get(_ domain.Context, id string) (*domain.Saga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked(id).Clone(), nil
}

// UpdateState moves the saga to newState, stamping CompletedAt and
// applying the terminal TTL when it no longer changes.
func (s *SagaStore) UpdateState(_ domain.Context, id string, newState domain.SagaState, failureReason string) (*domain.Saga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saga := s.liveLocked(id)
	if saga == nil {
		return nil, fmt.Errorf("op=saga.update_state id=%s: %w", id, domain.ErrNotFound)
	}
	s.setStateLocked(saga, newState, failureReason)
	return saga.Clone(), nil
}

// UpdateStepState applies upd to one step and runs the failure
// auto-transition.
func (s *SagaStore) UpdateStepState(_ domain.Context, id, stepID string, upd domain.StepUpdate) (*domain.Saga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saga := s.liveLocked(id)
	if saga == nil {
		return nil, fmt.Errorf("op=saga.update_step id=%s: %w", id, domain.ErrNotFound)
	}
	step := saga.StepByID(stepID)
	if step == nil {
		return nil, fmt.Errorf("op=saga.update_step id=%s step=%s: %w", id, stepID, domain.ErrNotFound)
	}

	now := s.now()
	step.State = upd.State
	if upd.TaskID != "" {
		step.ExecuteTaskID = upd.TaskID
		s.taskIndex[upd.TaskID] = id
	}
	if upd.CompensateTaskID != "" {
		step.CompensateTaskID = upd.CompensateTaskID
		s.taskIndex[upd.CompensateTaskID] = id
	}
	if upd.Result != nil {
		step.Result = append([]byte(nil), upd.Result...)
	}
	if upd.Error != "" {
		step.Error = upd.Error
	}
	switch upd.State {
	case domain.StepExecuting:
		if step.StartedAt == nil {
			step.StartedAt = &now
		}
	case domain.StepCompleted, domain.StepFailed, domain.StepCompensated, domain.StepCompensationFailed:
		step.CompletedAt = &now
	}

	if upd.State == domain.StepFailed {
		s.applyFailureTransitionLocked(saga, saga.StepIndex(stepID), upd.Error)
	}
	return saga.Clone(), nil
}

// applyFailureTransitionLocked moves a saga whose step failed into
// Compensating when an earlier completed step can be undone, else Failed.
func (s *SagaStore) applyFailureTransitionLocked(saga *domain.Saga, failedIndex int, stepError string) {
	needsCompensation := false
	for i := 0; i < failedIndex; i++ {
		st := &saga.Steps[i]
		if st.State == domain.StepCompleted && st.HasCompensation() {
			needsCompensation = true
			break
		}
	}
	if needsCompensation {
		s.setStateLocked(saga, domain.SagaCompensating, stepError)
	} else {
		s.setStateLocked(saga, domain.SagaFailed, stepError)
	}
}

// AdvanceStep increments the step cursor, completing the saga past the
// last step.
func (s *SagaStore) AdvanceStep(_ domain.Context, id string) (*domain.Saga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saga := s.liveLocked(id)
	if saga == nil {
		return nil, fmt.Errorf("op=saga.advance id=%s: %w", id, domain.ErrNotFound)
	}
	saga.CurrentStepIndex++
	if saga.CurrentStepIndex >= len(saga.Steps) {
		s.setStateLocked(saga, domain.SagaCompleted, "")
	}
	return saga.Clone(), nil
}

// MarkStepCompensated settles one compensation and completes the saga
// when nothing is left to undo.
func (s *SagaStore) MarkStepCompensated(_ domain.Context, id, stepID string, success bool, compensateTaskID, errorMessage string) (*domain.Saga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saga := s.liveLocked(id)
	if saga == nil {
		return nil, fmt.Errorf("op=saga.mark_compensated id=%s: %w", id, domain.ErrNotFound)
	}
	step := saga.StepByID(stepID)
	if step == nil {
		return nil, fmt.Errorf("op=saga.mark_compensated id=%s step=%s: %w", id, stepID, domain.ErrNotFound)
	}

	now := s.now()
	if success {
		step.State = domain.StepCompensated
	} else {
		step.State = domain.StepCompensationFailed
	}
	step.CompletedAt = &now
	if compensateTaskID != "" {
		step.CompensateTaskID = compensateTaskID
		s.taskIndex[compensateTaskID] = id
	}
	if errorMessage != "" {
		step.Error = errorMessage
	}

	if !saga.PendingCompensation() {
		anyFailed := false
		for i := range saga.Steps {
			if saga.Steps[i].State == domain.StepCompensationFailed {
				anyFailed = true
				break
			}
		}
		if anyFailed {
			s.setStateLocked(saga, domain.SagaCompensationFailed, "")
		} else {
			s.setStateLocked(saga, domain.SagaCompensated, "")
		}
	}
	return saga.Clone(), nil
}

// Delete removes the saga with its task-index entries.
func (s *SagaStore) Delete(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(id)
	return nil
}

// SagaIDForTask resolves the saga owning a task ID.
func (s *SagaStore) SagaIDForTask(_ domain.Context, taskID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.taskIndex[taskID]
	if id == "" {
		return "", nil
	}
	if s.liveLocked(id) == nil {
		return "", nil
	}
	return id, nil
}

// ByState returns up to limit sagas in the given state, oldest first.
func (s *SagaStore) ByState(_ domain.Context, state domain.SagaState, limit int) ([]*domain.Saga, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sagas))
	for id := range s.sagas {
		ids = append(ids, id)
	}
	var matched []*domain.Saga
	for _, id := range ids {
		saga := s.liveLocked(id)
		if saga != nil && saga.State == state {
			matched = append(matched, saga.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// setStateLocked transitions the saga, recording the first failure reason
// and scheduling the terminal TTL.
func (s *SagaStore) setStateLocked(saga *domain.Saga, newState domain.SagaState, failureReason string) {
	if failureReason != "" && saga.FailureReason == "" {
		saga.FailureReason = failureReason
	}
	if saga.State == newState {
		return
	}
	saga.State = newState
	if newState.IsTerminal() {
		completed := s.now()
		saga.CompletedAt = &completed
		if s.completedTTL > 0 {
			s.expiries[saga.ID] = completed.Add(s.completedTTL)
		}
	}
}

// liveLocked returns the stored saga, purging it when its TTL passed.
func (s *SagaStore) liveLocked(id string) *domain.Saga {
	saga, ok := s.sagas[id]
	if !ok {
		return nil
	}
	if expiry, has := s.expiries[id]; has && s.now().After(expiry) {
		s.deleteLocked(id)
		return nil
	}
	return saga
}

func (s *SagaStore) deleteLocked(id string) {
	saga, ok := s.sagas[id]
	if !ok {
		return
	}
	for i := range saga.Steps {
		st := &saga.Steps[i]
		if st.ExecuteTaskID != "" && s.taskIndex[st.ExecuteTaskID] == id {
			delete(s.taskIndex, st.ExecuteTaskID)
		}
		if st.CompensateTaskID != "" && s.taskIndex[st.CompensateTaskID] == id {
			delete(s.taskIndex, st.CompensateTaskID)
		}
	}
	delete(s.sagas, id)
	delete(s.expiries, id)
}

func (s *SagaStore) indexStepLocked(sagaID string, step *domain.SagaStep) {
	if step.ExecuteTaskID != "" {
		s.taskIndex[step.ExecuteTaskID] = sagaID
	}
	if step.CompensateTaskID != "" {
		s.taskIndex[step.CompensateTaskID] = sagaID
	}
}
