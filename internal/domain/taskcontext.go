package domain

import (
	"fmt"
	"time"
)

// UpdateStateFunc persists a non-terminal state change for the running task.
type UpdateStateFunc func(ctx Context, state TaskState, meta map[string]string) error

// ProgressFunc reports handler progress (current out of total units).
type ProgressFunc func(ctx Context, current, total int64, message string) error

// TaskContext is what a handler sees of the message being executed: the
// task's identity and envelope fields, a progress reporter, and a scoped
// service locator.
type TaskContext struct {
	TaskID        string
	TaskName      string
	ParentID      string
	RootID        string
	CorrelationID string
	TenantID      string
	Queue         string
	SentAt        time.Time
	ETA           *time.Time
	Expires       *time.Time
	Headers       map[string]string
	Retries       int
	MaxRetries    int
	Worker        string

	// Services resolves collaborators by name. The executor installs a
	// restricted locator that refuses container-internal lookups.
	Services ServiceLocator

	updateState UpdateStateFunc
	progress    ProgressFunc
}

// NewTaskContext builds the handler-facing view of msg.
func NewTaskContext(msg *TaskMessage, worker string, services ServiceLocator, updateState UpdateStateFunc, progress ProgressFunc) *TaskContext {
	return &TaskContext{
		TaskID:        msg.ID,
		TaskName:      msg.TaskName,
		ParentID:      msg.ParentID,
		RootID:        msg.RootID,
		CorrelationID: msg.CorrelationID,
		TenantID:      msg.TenantID,
		Queue:         msg.Queue,
		SentAt:        msg.SentAt,
		ETA:           msg.ETA,
		Expires:       msg.Expires,
		Headers:       msg.Headers,
		Retries:       msg.Retries,
		MaxRetries:    msg.MaxRetries,
		Worker:        worker,
		Services:      services,
		updateState:   updateState,
		progress:      progress,
	}
}

// Header returns the named header, or "".
func (tc *TaskContext) Header(key string) string {
	return tc.Headers[key]
}

// UpdateState records an intermediate state with optional metadata.
func (tc *TaskContext) UpdateState(ctx Context, state TaskState, meta map[string]string) error {
	if tc.updateState == nil {
		return nil
	}
	return tc.updateState(ctx, state, meta)
}

// ReportProgress publishes handler progress as Started-state metadata.
func (tc *TaskContext) ReportProgress(ctx Context, current, total int64, message string) error {
	if tc.progress == nil {
		return nil
	}
	return tc.progress(ctx, current, total, message)
}

// Retry asks for the task to run again after countdown. When the retry
// budget is already spent it degrades to a rejection so the message cannot
// loop forever.
func (tc *TaskContext) Retry(countdown time.Duration, cause error) error {
	if tc.Retries >= tc.MaxRetries {
		return &RejectError{
			Reason: fmt.Sprintf("max retries exceeded (%d)", tc.MaxRetries),
			Cause:  cause,
		}
	}
	return &RetryError{Countdown: countdown, Cause: cause}
}
