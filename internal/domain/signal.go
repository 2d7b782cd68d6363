package domain

import "time"

// SignalKind names a lifecycle event emitted around task execution.
type SignalKind string

const (
	SignalTaskPreRun   SignalKind = "task_prerun"
	SignalTaskPostRun  SignalKind = "task_postrun"
	SignalTaskSuccess  SignalKind = "task_success"
	SignalTaskFailure  SignalKind = "task_failure"
	SignalTaskRetry    SignalKind = "task_retry"
	SignalTaskRevoked  SignalKind = "task_revoked"
	SignalTaskRejected SignalKind = "task_rejected"
	SignalTaskRequeued SignalKind = "task_requeued"
)

// Signal is one lifecycle event. Every signal carries the task identity and
// worker; Message and Result are set where the event has them.
type Signal struct {
	Kind      SignalKind   `json:"kind"`
	TaskID    string       `json:"task_id"`
	TaskName  string       `json:"task_name"`
	Queue     string       `json:"queue,omitempty"`
	Worker    string       `json:"worker,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Message   *TaskMessage `json:"message,omitempty"`
	Result    *TaskResult  `json:"result,omitempty"`
	Err       string       `json:"error,omitempty"`
}

// SignalHandler consumes one signal. Handlers must not block; slow work
// belongs in a task of its own.
type SignalHandler func(ctx Context, sig Signal)

// SignalMessage is the persisted form of a Signal for queued dispatch: the
// bus enqueues it and a background subscriber dequeues, handles, and
// acknowledges it.
type SignalMessage struct {
	ID        string     `json:"id"`
	Kind      SignalKind `json:"kind"`
	Payload   []byte     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
	Attempts  int        `json:"attempts"`
}
