package domain

import "time"

// Broker moves task messages between producers and workers. Ordering within
// a queue is the broker's; across queues it is undefined.
type Broker interface {
	// Publish enqueues one message on msg.Queue.
	Publish(ctx Context, msg *TaskMessage) error
	// Consume returns a channel of deliveries from the given queues. The
	// channel closes when ctx is cancelled or the broker shuts down.
	Consume(ctx Context, queues ...string) (<-chan Delivery, error)
	// Ack settles a delivery. Each delivery is settled exactly once.
	Ack(ctx Context, d Delivery) error
	// Reject negatively settles a delivery, optionally requeueing it.
	Reject(ctx Context, d Delivery, requeue bool) error
	// IsHealthy reports broker connectivity.
	IsHealthy(ctx Context) error
	Close() error
}

// ResultBackend stores task results keyed by task ID with expiry.
type ResultBackend interface {
	StoreResult(ctx Context, res *TaskResult, expiry time.Duration) error
	// GetResult returns (nil, nil) when no result is stored.
	GetResult(ctx Context, taskID string) (*TaskResult, error)
	// WaitForResult blocks until a result for taskID is stored, the timeout
	// elapses (ErrTimeout), or ctx is cancelled. timeout <= 0 means wait
	// until ctx is done.
	WaitForResult(ctx Context, taskID string, timeout time.Duration) (*TaskResult, error)
	// UpdateState records a non-terminal state without touching any stored
	// payload.
	UpdateState(ctx Context, taskID string, state TaskState, meta map[string]string) error
	// GetState returns "" when no result is stored.
	GetState(ctx Context, taskID string) (TaskState, error)
	Close() error
}

// DelayedStore holds messages scheduled for future delivery, ordered by
// delivery time with a task-ID index for cancellation.
type DelayedStore interface {
	// Add schedules msg for deliveryTime; a second Add for the same task ID
	// replaces the earlier entry.
	Add(ctx Context, msg *TaskMessage, deliveryTime time.Time) error
	// DueMessages atomically claims and returns every message due at or
	// before now. Concurrent callers never receive the same message twice.
	DueMessages(ctx Context, now time.Time) ([]*TaskMessage, error)
	// Remove cancels a scheduled message; reports whether one existed.
	Remove(ctx Context, taskID string) (bool, error)
	PendingCount(ctx Context) (int64, error)
	// NextDeliveryTime returns the smallest scheduled time; ok is false
	// when the store is empty.
	NextDeliveryTime(ctx Context) (t time.Time, ok bool, err error)
}

// RateLimiter is a sliding-window counter per resource key.
type RateLimiter interface {
	// TryAcquire consumes one slot when under the limit. The lease reports
	// the outcome either way; err is reserved for infrastructure failures.
	TryAcquire(ctx Context, key string, policy RateLimitPolicy) (RateLimitLease, error)
	// Usage returns the number of acquisitions inside the current window.
	Usage(ctx Context, key string, policy RateLimitPolicy) (int64, error)
	// RetryAfter returns how long until a slot frees; zero when under limit.
	RetryAfter(ctx Context, key string, policy RateLimitPolicy) (time.Duration, error)
}

// RevocationStore is the shared revoked-task-ID set with change
// notifications.
type RevocationStore interface {
	// Revoke upserts an entry and publishes a RevocationEvent.
	Revoke(ctx Context, taskID string, opts RevokeOptions) error
	// IsRevoked reports whether a non-expired entry exists; expired entries
	// are purged lazily.
	IsRevoked(ctx Context, taskID string) (bool, error)
	RevokedTaskIDs(ctx Context) ([]string, error)
	// Cleanup removes entries revoked before now-maxAge; returns the count.
	Cleanup(ctx Context, maxAge time.Duration) (int64, error)
	// Subscribe opens a dedicated listener for revocation events. The
	// channel closes when ctx is cancelled. Slow consumers never
	// back-pressure publishers.
	Subscribe(ctx Context) (<-chan RevocationEvent, error)
	Close() error
}

// DeadLetterStore parks terminally-failed messages, capped, ordered by
// storage time.
type DeadLetterStore interface {
	Store(ctx Context, dl *DeadLetter) error
	// Get returns (nil, nil) when the entry does not exist.
	Get(ctx Context, id string) (*DeadLetter, error)
	// List pages entries newest first.
	List(ctx Context, limit, offset int) ([]*DeadLetter, error)
	// Requeue atomically removes an entry and republishes its message; on
	// publish failure the entry is re-inserted and the error returned.
	Requeue(ctx Context, id string) error
	CleanupExpired(ctx Context, now time.Time) (int64, error)
	Purge(ctx Context) error
	Count(ctx Context) (int64, error)
}

// BatchStore tracks task groups and their aggregated completion state.
// Mark operations are keyed by task ID through an internal index and are
// atomic: concurrent marks on one batch never lose updates.
type BatchStore interface {
	Create(ctx Context, b *Batch) error
	// Get returns (nil, nil) when the batch does not exist.
	Get(ctx Context, id string) (*Batch, error)
	// MarkTaskCompleted records a successful task and returns the updated
	// batch, or (nil, nil) when the task belongs to no batch.
	MarkTaskCompleted(ctx Context, taskID string) (*Batch, error)
	// MarkTaskFailed records a failed task; same contract as
	// MarkTaskCompleted.
	MarkTaskFailed(ctx Context, taskID string) (*Batch, error)
	Cancel(ctx Context, id string) (*Batch, error)
	Delete(ctx Context, id string) error
}

// SagaStore persists sagas with per-operation atomicity: concurrent workers
// may update different steps of one saga without losing writes. Mutating
// operations return the saga as written.
type SagaStore interface {
	Create(ctx Context, s *Saga) error
	// Get returns (nil, nil) when the saga does not exist.
	Get(ctx Context, id string) (*Saga, error)
	UpdateState(ctx Context, id string, newState SagaState, failureReason string) (*Saga, error)
	// UpdateStepState applies upd to one step, stamps start/completion
	// times, indexes any new task IDs, and applies the failure
	// auto-transition: a step entering Failed moves the saga to
	// Compensating when an earlier Completed step has a compensate task,
	// else to Failed.
	UpdateStepState(ctx Context, id, stepID string, upd StepUpdate) (*Saga, error)
	// AdvanceStep increments CurrentStepIndex; reaching the step count
	// completes the saga.
	AdvanceStep(ctx Context, id string) (*Saga, error)
	// MarkStepCompensated settles one compensation. When no steps remain
	// to compensate, the saga moves to Compensated, or CompensationFailed
	// if any step's compensation failed.
	MarkStepCompensated(ctx Context, id, stepID string, success bool, compensateTaskID, errorMessage string) (*Saga, error)
	// Delete removes the saga, its task-index entries, and its state-index
	// membership.
	Delete(ctx Context, id string) error
	// SagaIDForTask resolves the saga owning a task ID; "" when none.
	SagaIDForTask(ctx Context, taskID string) (string, error)
	ByState(ctx Context, state SagaState, limit int) ([]*Saga, error)
}

// SignalStore queues signal messages for background dispatch.
type SignalStore interface {
	Enqueue(ctx Context, msg *SignalMessage) error
	// Dequeue claims up to limit messages; claimed messages are invisible
	// to other consumers until acknowledged or rejected.
	Dequeue(ctx Context, limit int) ([]*SignalMessage, error)
	Acknowledge(ctx Context, id string) error
	Reject(ctx Context, id string, requeue bool) error
	PendingCount(ctx Context) (int64, error)
}

// ServiceLocator resolves named collaborators for task handlers. Executor
// scopes wrap it so handlers cannot reach container internals.
type ServiceLocator interface {
	Get(name string) (any, error)
}
