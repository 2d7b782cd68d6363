package domain

import "time"

// SagaState is the lifecycle state of a multi-step workflow.
type SagaState string

const (
	SagaCreated            SagaState = "created"
	SagaExecuting          SagaState = "executing"
	SagaCompensating       SagaState = "compensating"
	SagaCompleted          SagaState = "completed"
	SagaFailed             SagaState = "failed"
	SagaCompensated        SagaState = "compensated"
	SagaCompensationFailed SagaState = "compensation_failed"
	SagaCancelled          SagaState = "cancelled"
)

// IsTerminal reports whether the saga can no longer change state.
func (s SagaState) IsTerminal() bool {
	switch s {
	case SagaCompleted, SagaFailed, SagaCompensated, SagaCompensationFailed, SagaCancelled:
		return true
	default:
		return false
	}
}

// StepState is the lifecycle state of a single saga step.
//
// Forward path: Pending -> Executing -> Completed | Failed.
// Undo path: Completed -> Compensating -> Compensated | CompensationFailed.
type StepState string

const (
	StepPending            StepState = "pending"
	StepExecuting          StepState = "executing"
	StepCompleted          StepState = "completed"
	StepFailed             StepState = "failed"
	StepCompensating       StepState = "compensating"
	StepCompensated        StepState = "compensated"
	StepCompensationFailed StepState = "compensation_failed"
)

// TaskSignature is everything needed to publish one task: name, serialized
// arguments, and an optional queue override.
type TaskSignature struct {
	TaskName string `json:"task_name"`
	Payload  []byte `json:"payload,omitempty"`
	Queue    string `json:"queue,omitempty"`
}

// SagaStep is one unit of a saga: a forward task and an optional
// compensating task that undoes it.
type SagaStep struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Order            int            `json:"order"`
	State            StepState      `json:"state"`
	ExecuteTask      TaskSignature  `json:"execute_task"`
	CompensateTask   *TaskSignature `json:"compensate_task,omitempty"`
	ExecuteTaskID    string         `json:"execute_task_id,omitempty"`
	CompensateTaskID string         `json:"compensate_task_id,omitempty"`
	Result           []byte         `json:"result,omitempty"`
	Error            string         `json:"error,omitempty"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// HasCompensation reports whether the step declares an undo task.
func (s *SagaStep) HasCompensation() bool { return s.CompensateTask != nil }

// Saga is an ordered workflow of steps executed forward one at a time. On a
// step failure, previously completed steps that declare compensation are
// undone in reverse order.
//
// Invariant: CurrentStepIndex points at the step being executed; steps below
// it are settled, steps above it are pending.
type Saga struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	State            SagaState  `json:"state"`
	CurrentStepIndex int        `json:"current_step_index"`
	Steps            []SagaStep `json:"steps"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
}

// StepByID returns the step with the given ID, or nil.
func (s *Saga) StepByID(stepID string) *SagaStep {
	for i := range s.Steps {
		if s.Steps[i].ID == stepID {
			return &s.Steps[i]
		}
	}
	return nil
}

// StepIndex returns the position of the step with the given ID, or -1.
func (s *Saga) StepIndex(stepID string) int {
	for i := range s.Steps {
		if s.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// CurrentStep returns the step at CurrentStepIndex, or nil when the index
// has advanced past the last step.
func (s *Saga) CurrentStep() *SagaStep {
	if s.CurrentStepIndex < 0 || s.CurrentStepIndex >= len(s.Steps) {
		return nil
	}
	return &s.Steps[s.CurrentStepIndex]
}

// PendingCompensation reports whether any step still awaits an undo: a step
// in Completed or Compensating that declares a compensate task.
func (s *Saga) PendingCompensation() bool {
	for i := range s.Steps {
		st := &s.Steps[i]
		if (st.State == StepCompleted || st.State == StepCompensating) && st.HasCompensation() {
			return true
		}
	}
	return false
}

// Clone deep-copies the saga so stores never alias caller slices.
func (s *Saga) Clone() *Saga {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Steps = make([]SagaStep, len(s.Steps))
	copy(cp.Steps, s.Steps)
	for i := range cp.Steps {
		src := &s.Steps[i]
		cp.Steps[i].ExecuteTask.Payload = append([]byte(nil), src.ExecuteTask.Payload...)
		if src.CompensateTask != nil {
			ct := *src.CompensateTask
			ct.Payload = append([]byte(nil), src.CompensateTask.Payload...)
			cp.Steps[i].CompensateTask = &ct
		}
		cp.Steps[i].Result = append([]byte(nil), src.Result...)
		if src.StartedAt != nil {
			t := *src.StartedAt
			cp.Steps[i].StartedAt = &t
		}
		if src.CompletedAt != nil {
			t := *src.CompletedAt
			cp.Steps[i].CompletedAt = &t
		}
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// StepUpdate carries the mutable fields of one step transition; the saga
// store applies it atomically and stamps start/completion times itself.
type StepUpdate struct {
	State            StepState
	TaskID           string
	CompensateTaskID string
	Result           []byte
	Error            string
}
