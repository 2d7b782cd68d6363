package domain

import "time"

// TaskState enumerates the lifecycle states a task can be observed in.
type TaskState string

const (
	StatePending  TaskState = "pending"
	StateStarted  TaskState = "started"
	StateSuccess  TaskState = "success"
	StateFailure  TaskState = "failure"
	StateRetry    TaskState = "retry"
	StateRevoked  TaskState = "revoked"
	StateRejected TaskState = "rejected"
	StateRequeued TaskState = "requeued"
)

// IsTerminal reports whether no further state transition is expected.
// Retry is not terminal from the producer's point of view: the task will
// run again. Requeued likewise.
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateRevoked, StateRejected:
		return true
	default:
		return false
	}
}

// ExceptionInfo captures a handler failure for storage and transport.
type ExceptionInfo struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	StackTrace string `json:"stack_trace,omitempty"`
}

// TaskResult is the stored outcome of one execution attempt.
//
// Result/ContentType are set on success only. Exception is set for
// failure and retry outcomes. RetryAfter and DoNotIncrementRetries guide
// the redelivery path; Terminated distinguishes a revocation that caught
// a running task from one that prevented it from starting.
type TaskResult struct {
	TaskID                string            `json:"task_id"`
	State                 TaskState         `json:"state"`
	Result                []byte            `json:"result,omitempty"`
	ContentType           string            `json:"content_type,omitempty"`
	Exception             *ExceptionInfo    `json:"exception,omitempty"`
	CompletedAt           time.Time         `json:"completed_at"`
	Duration              time.Duration     `json:"duration"`
	Retries               int               `json:"retries"`
	Worker                string            `json:"worker,omitempty"`
	Meta                  map[string]string `json:"meta,omitempty"`
	RetryAfter            time.Duration     `json:"retry_after,omitempty"`
	DoNotIncrementRetries bool              `json:"do_not_increment_retries,omitempty"`
	Terminated            bool              `json:"terminated,omitempty"`
	RequeueDelay          time.Duration     `json:"requeue_delay,omitempty"`
}

// IsSuccess reports a successful terminal outcome.
func (r *TaskResult) IsSuccess() bool { return r != nil && r.State == StateSuccess }

// Clone deep-copies the result so stores never alias caller data.
func (r *TaskResult) Clone() *TaskResult {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Result = append([]byte(nil), r.Result...)
	if r.Exception != nil {
		exc := *r.Exception
		cp.Exception = &exc
	}
	if r.Meta != nil {
		cp.Meta = make(map[string]string, len(r.Meta))
		for k, v := range r.Meta {
			cp.Meta[k] = v
		}
	}
	return &cp
}
