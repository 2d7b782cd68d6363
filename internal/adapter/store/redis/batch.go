package redis

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

// markBatchScript records one task outcome on its batch: resolve the batch
// through the task index, dedupe-append the task ID, and recompute the
// aggregate state. Returns the updated document, or false when the task
// belongs to no batch.
var markBatchScript = redis.NewScript(`
local batchID = redis.call('GET', KEYS[1])
if not batchID then
  return false
end
local raw = redis.call('GET', KEYS[2] .. batchID)
if not raw then
  return false
end
local doc = cjson.decode(raw)
local function terminal(state)
  return state == 'completed' or state == 'failed'
      or state == 'partially_completed' or state == 'cancelled'
end
if terminal(doc.state) then
  return raw
end
local taskID = ARGV[1]
local completed = doc.completed_task_ids or {}
local failed = doc.failed_task_ids or {}
for _, id in ipairs(completed) do
  if id == taskID then return raw end
end
for _, id in ipairs(failed) do
  if id == taskID then return raw end
end
if ARGV[2] == 'failed' then
  failed[#failed + 1] = taskID
  doc.failed_task_ids = failed
else
  completed[#completed + 1] = taskID
  doc.completed_task_ids = completed
end
if doc.state == 'pending' then
  doc.state = 'processing'
end
local total = #doc.task_ids
if #completed + #failed >= total and total > 0 then
  if #failed == 0 then
    doc.state = 'completed'
  elseif #completed == 0 then
    doc.state = 'failed'
  else
    doc.state = 'partially_completed'
  end
  doc.completed_at = ARGV[3]
end
local enc = cjson.encode(doc)
redis.call('SET', KEYS[2] .. batchID, enc)
return enc
`)

// cancelBatchScript moves a non-terminal batch to cancelled.
var cancelBatchScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return false
end
local doc = cjson.decode(raw)
if doc.state == 'completed' or doc.state == 'failed'
    or doc.state == 'partially_completed' or doc.state == 'cancelled' then
  return raw
end
doc.state = 'cancelled'
doc.completed_at = ARGV[1]
local enc = cjson.encode(doc)
redis.call('SET', KEYS[1], enc)
return enc
`)

// BatchStore tracks task groups as JSON documents with a task-to-batch
// index; mark operations run server-side so concurrent workers never lose
// updates.
type BatchStore struct {
	client *redis.Client
	prefix string

	now func() time.Time
}

// NewBatchStore creates a batch store on client.
func NewBatchStore(client *redis.Client, prefix string) *BatchStore {
	return &BatchStore{client: client, prefix: keyPrefix(prefix), now: time.Now}
}

func (s *BatchStore) batchKeyPrefix() string { return s.prefix + ":batch:" }
func (s *BatchStore) batchKey(id string) string {
	return s.batchKeyPrefix() + id
}
func (s *BatchStore) taskKey(taskID string) string {
	return s.prefix + ":batch-task:" + taskID
}

// Create stores the batch and indexes its task IDs.
func (s *BatchStore) Create(ctx domain.Context, b *domain.Batch) error {
	if b == nil || b.ID == "" {
		return fmt.Errorf("op=batch.create: %w: missing batch id", domain.ErrInvalidArgument)
	}
	stored := b.Clone()
	if stored.State == "" {
		stored.State = domain.BatchPending
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("op=batch.create id=%s: %w", b.ID, err)
	}

	ok, err := s.client.SetNX(ctx, s.batchKey(stored.ID), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("op=batch.create id=%s: %w", b.ID, err)
	}
	if !ok {
		return fmt.Errorf("op=batch.create id=%s: %w", b.ID, domain.ErrConflict)
	}
	pipe := s.client.Pipeline()
	for _, taskID := range stored.TaskIDs {
		pipe.Set(ctx, s.taskKey(taskID), stored.ID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=batch.create id=%s: index: %w", b.ID, err)
	}
	return nil
}

// Get returns the batch or (nil, nil).
func (s *BatchStore) Get(ctx domain.Context, id string) (*domain.Batch, error) {
	raw, err := s.client.Get(ctx, s.batchKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=batch.get id=%s: %w", id, err)
	}
	var b domain.Batch
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("op=batch.get id=%s: decode: %w", id, err)
	}
	return &b, nil
}

// MarkTaskCompleted records a successful task of some batch.
func (s *BatchStore) MarkTaskCompleted(ctx domain.Context, taskID string) (*domain.Batch, error) {
	return s.mark(ctx, taskID, "completed")
}

// MarkTaskFailed records a failed task of some batch.
func (s *BatchStore) MarkTaskFailed(ctx domain.Context, taskID string) (*domain.Batch, error) {
	return s.mark(ctx, taskID, "failed")
}

func (s *BatchStore) mark(ctx domain.Context, taskID, outcome string) (*domain.Batch, error) {
	raw, err := markBatchScript.Run(ctx, s.client,
		[]string{s.taskKey(taskID), s.batchKeyPrefix()},
		taskID, outcome, s.now().UTC().Format(time.RFC3339Nano)).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=batch.mark task=%s: %w", taskID, err)
	}
	var b domain.Batch
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, fmt.Errorf("op=batch.mark task=%s: decode: %w", taskID, err)
	}
	return &b, nil
}

// Cancel moves a non-terminal batch to Cancelled.
func (s *BatchStore) Cancel(ctx domain.Context, id string) (*domain.Batch, error) {
	raw, err := cancelBatchScript.Run(ctx, s.client, []string{s.batchKey(id)},
		s.now().UTC().Format(time.RFC3339Nano)).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=batch.cancel id=%s: %w", id, err)
	}
	var b domain.Batch
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, fmt.Errorf("op=batch.cancel id=%s: decode: %w", id, err)
	}
	return &b, nil
}

// Delete removes the batch and its task-index entries.
func (s *BatchStore) Delete(ctx domain.Context, id string) error {
	b, err := s.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=batch.delete id=%s: %w", id, err)
	}
	if b == nil {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, taskID := range b.TaskIDs {
		pipe.Del(ctx, s.taskKey(taskID))
	}
	pipe.Del(ctx, s.batchKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=batch.delete id=%s: %w", id, err)
	}
	return nil
}
