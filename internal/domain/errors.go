package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnknownTask     = errors.New("unknown task")
	ErrRateLimited     = errors.New("rate limited")
	ErrTimeout         = errors.New("timeout")
	ErrClosed          = errors.New("closed")
	ErrInternal        = errors.New("internal error")
)

// RetryError is raised by a handler (or via TaskContext.Retry) to request
// redelivery after Countdown. The executor translates it to a Retry outcome.
type RetryError struct {
	Countdown time.Duration
	Cause     error
}

func (e *RetryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("retry in %s: %v", e.Countdown, e.Cause)
	}
	return fmt.Sprintf("retry in %s", e.Countdown)
}

func (e *RetryError) Unwrap() error { return e.Cause }

// RejectError marks a task as terminally rejected: no retries, no result
// value. Requeue is honored by broker-side policy, not by the executor.
type RejectError struct {
	Reason  string
	Requeue bool
	Cause   error
}

func (e *RejectError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("rejected: %s: %v", e.Reason, e.Cause)
	}
	return "rejected: " + e.Reason
}

func (e *RejectError) Unwrap() error { return e.Cause }

// SoftTimeLimitError is surfaced when the soft time limit elapses while the
// handler is still running. Filters may convert it into a synthetic result.
type SoftTimeLimitError struct {
	TaskID string
	Limit  time.Duration
}

func (e *SoftTimeLimitError) Error() string {
	return fmt.Sprintf("task %s exceeded soft time limit %s", e.TaskID, e.Limit)
}

// TimeLimitError is the hard-limit counterpart; the handler has been
// cancelled and the attempt is recorded as a failure.
type TimeLimitError struct {
	TaskID string
	Limit  time.Duration
}

func (e *TimeLimitError) Error() string {
	return fmt.Sprintf("task %s exceeded hard time limit %s", e.TaskID, e.Limit)
}

// ExceptionFromError builds the stored failure shape for an arbitrary error.
func ExceptionFromError(err error) *ExceptionInfo {
	if err == nil {
		return nil
	}
	return &ExceptionInfo{
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
}
