// Package client is the producer-side API: it builds task envelopes,
// publishes them (directly or through the delayed store for future ETAs),
// and reads results back.
package client

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
	"github.com/fairyhunter13/go-taskqueue/internal/observability"
)

// Option mutates the outgoing task message before publication.
type Option = func(*domain.TaskMessage)

// WithQueue routes the task to a specific queue.
func WithQueue(queue string) Option {
	return func(m *domain.TaskMessage) { m.Queue = queue }
}

// WithPriority sets the message priority (0 lowest, 9 highest).
func WithPriority(p int) Option {
	return func(m *domain.TaskMessage) {
		if p < 0 {
			p = 0
		}
		if p > 9 {
			p = 9
		}
		m.Priority = p
	}
}

// WithETA schedules the task to run no earlier than t.
func WithETA(t time.Time) Option {
	return func(m *domain.TaskMessage) {
		eta := t.UTC()
		m.ETA = &eta
	}
}

// WithCountdown schedules the task after a relative delay.
func WithCountdown(d time.Duration) Option {
	return func(m *domain.TaskMessage) {
		eta := time.Now().UTC().Add(d)
		m.ETA = &eta
	}
}

// WithExpires drops the task unexecuted once t passes.
func WithExpires(t time.Time) Option {
	return func(m *domain.TaskMessage) {
		exp := t.UTC()
		m.Expires = &exp
	}
}

// WithMaxRetries overrides the default retry budget.
func WithMaxRetries(n int) Option {
	return func(m *domain.TaskMessage) { m.MaxRetries = n }
}

// WithHeader adds one string header.
func WithHeader(key, value string) Option {
	return func(m *domain.TaskMessage) {
		if m.Headers == nil {
			m.Headers = map[string]string{}
		}
		m.Headers[key] = value
	}
}

// WithCorrelationID tags the message for cross-system tracing.
func WithCorrelationID(id string) Option {
	return func(m *domain.TaskMessage) { m.CorrelationID = id }
}

// WithParent links the message to the task that spawned it; root is
// inherited from the parent's root.
func WithParent(parentID, rootID string) Option {
	return func(m *domain.TaskMessage) {
		m.ParentID = parentID
		m.RootID = rootID
	}
}

// WithTenant tags the message with a tenant.
func WithTenant(tenantID string) Option {
	return func(m *domain.TaskMessage) { m.TenantID = tenantID }
}

// WithPartitionKey pins the message to a broker partition.
func WithPartitionKey(key string) Option {
	return func(m *domain.TaskMessage) { m.PartitionKey = key }
}

// Options configure the client.
type Options struct {
	DefaultQueue      string
	DefaultMaxRetries int
}

func (o Options) withDefaults() Options {
	if o.DefaultQueue == "" {
		o.DefaultQueue = "default"
	}
	if o.DefaultMaxRetries <= 0 {
		o.DefaultMaxRetries = 3
	}
	return o
}

// Client publishes tasks and reads their results.
type Client struct {
	opts    Options
	broker  domain.Broker
	delayed domain.DelayedStore
	backend domain.ResultBackend
	batches domain.BatchStore

	mu      sync.Mutex
	entropy *rand.Rand

	now func() time.Time
}

// New wires a client. delayed may be nil, in which case future ETAs are
// published immediately and honored by the worker's expiry/ETA handling.
// batches may be nil when batch submission is unused.
func New(opts Options, broker domain.Broker, delayed domain.DelayedStore, backend domain.ResultBackend, batches domain.BatchStore) *Client {
	return &Client{
		opts:    opts.withDefaults(),
		broker:  broker,
		delayed: delayed,
		backend: backend,
		batches: batches,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

// newID returns a time-ordered unique message ID.
func (c *Client) newID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(c.now()), c.entropy).String()
}

// Enqueue serializes payload, builds the envelope, and publishes it.
// A future ETA routes through the delayed store. Returns the task ID.
func (c *Client) Enqueue(ctx domain.Context, taskName string, payload any, opts ...Option) (string, error) {
	if taskName == "" {
		return "", fmt.Errorf("op=client.enqueue: %w: empty task name", domain.ErrInvalidArgument)
	}
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("op=client.enqueue task=%s: marshal payload: %w", taskName, err)
		}
	}

	msg := &domain.TaskMessage{
		ID:          c.newID(),
		TaskName:    taskName,
		Payload:     body,
		ContentType: domain.ContentTypeJSON,
		SentAt:      c.now().UTC(),
		Queue:       c.opts.DefaultQueue,
		MaxRetries:  c.opts.DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(msg)
	}
	if msg.RootID == "" {
		msg.RootID = msg.ID
	}

	if err := c.publish(ctx, msg); err != nil {
		return "", err
	}
	observability.TasksEnqueuedTotal.WithLabelValues(msg.Queue).Inc()
	return msg.ID, nil
}

func (c *Client) publish(ctx domain.Context, msg *domain.TaskMessage) error {
	if msg.ETA != nil && c.delayed != nil {
		if at := *msg.ETA; at.After(c.now()) {
			if err := c.delayed.Add(ctx, msg, at); err != nil {
				return fmt.Errorf("op=client.enqueue task=%s: %w", msg.TaskName, err)
			}
			return nil
		}
	}
	if err := c.broker.Publish(ctx, msg); err != nil {
		return fmt.Errorf("op=client.enqueue task=%s: %w", msg.TaskName, err)
	}
	return nil
}

// GetResult returns the stored result, or nil when none exists yet.
func (c *Client) GetResult(ctx domain.Context, taskID string) (*domain.TaskResult, error) {
	return c.backend.GetResult(ctx, taskID)
}

// WaitResult blocks until the task's result lands or timeout elapses.
func (c *Client) WaitResult(ctx domain.Context, taskID string, timeout time.Duration) (*domain.TaskResult, error) {
	return c.backend.WaitForResult(ctx, taskID, timeout)
}

// CancelScheduled removes a not-yet-due delayed message.
func (c *Client) CancelScheduled(ctx domain.Context, taskID string) (bool, error) {
	if c.delayed == nil {
		return false, nil
	}
	return c.delayed.Remove(ctx, taskID)
}

// BatchTask pairs a task name with its payload for batch submission.
type BatchTask struct {
	TaskName string
	Payload  any
	Opts     []Option
}

// EnqueueBatch creates a batch, publishes every task tagged with the
// batch ID, and returns the created batch.
func (c *Client) EnqueueBatch(ctx domain.Context, name string, tasks []BatchTask) (*domain.Batch, error) {
	if c.batches == nil {
		return nil, fmt.Errorf("op=client.enqueue_batch: %w: no batch store configured", domain.ErrInvalidArgument)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("op=client.enqueue_batch: %w: empty batch", domain.ErrInvalidArgument)
	}

	batchID := c.newID()
	taskIDs := make([]string, 0, len(tasks))
	msgs := make([]*domain.TaskMessage, 0, len(tasks))
	for _, task := range tasks {
		var body []byte
		if task.Payload != nil {
			var err error
			body, err = json.Marshal(task.Payload)
			if err != nil {
				return nil, fmt.Errorf("op=client.enqueue_batch task=%s: marshal payload: %w", task.TaskName, err)
			}
		}
		msg := &domain.TaskMessage{
			ID:          c.newID(),
			TaskName:    task.TaskName,
			Payload:     body,
			ContentType: domain.ContentTypeJSON,
			SentAt:      c.now().UTC(),
			Queue:       c.opts.DefaultQueue,
			MaxRetries:  c.opts.DefaultMaxRetries,
		}
		for _, opt := range task.Opts {
			opt(msg)
		}
		if msg.Headers == nil {
			msg.Headers = map[string]string{}
		}
		msg.Headers[domain.HeaderBatchID] = batchID
		if msg.RootID == "" {
			msg.RootID = msg.ID
		}
		taskIDs = append(taskIDs, msg.ID)
		msgs = append(msgs, msg)
	}

	batch := &domain.Batch{
		ID:        batchID,
		Name:      name,
		State:     domain.BatchPending,
		TaskIDs:   taskIDs,
		CreatedAt: c.now().UTC(),
	}
	if err := c.batches.Create(ctx, batch); err != nil {
		return nil, fmt.Errorf("op=client.enqueue_batch: %w", err)
	}

	// The batch row exists before any task can complete, so marks always
	// resolve through the index.
	for _, msg := range msgs {
		if err := c.publish(ctx, msg); err != nil {
			return nil, err
		}
		observability.TasksEnqueuedTotal.WithLabelValues(msg.Queue).Inc()
	}
	return batch, nil
}

// GetBatch reads the batch's current state.
func (c *Client) GetBatch(ctx domain.Context, batchID string) (*domain.Batch, error) {
	if c.batches == nil {
		return nil, fmt.Errorf("op=client.get_batch: %w: no batch store configured", domain.ErrInvalidArgument)
	}
	return c.batches.Get(ctx, batchID)
}
