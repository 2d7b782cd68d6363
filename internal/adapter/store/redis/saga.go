package redis

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

// sagaPrelude is shared across the saga scripts. Key layout:
//
//	KEYS[1] saga document (JSON)
//	KEYS[2] state index prefix; ZSETs per state scored by creation millis
//	KEYS[3] task index prefix; task ID -> saga ID
//
// The document carries an extra created_ms field, written at create time,
// so index scores survive state moves without parsing timestamps in Lua.
const sagaPrelude = `
local function isterminal(state)
  return state == 'completed' or state == 'failed' or state == 'compensated'
      or state == 'compensation_failed' or state == 'cancelled'
end
local function setstate(doc, newState, reason, nowStr)
  if doc.state ~= newState then
    redis.call('ZREM', KEYS[2] .. doc.state, doc.id)
    redis.call('ZADD', KEYS[2] .. newState, doc.created_ms or 0, doc.id)
    doc.state = newState
  end
  if reason ~= nil and reason ~= ''
      and (doc.failure_reason == nil or doc.failure_reason == '') then
    doc.failure_reason = reason
  end
  if isterminal(newState) then
    doc.completed_at = nowStr
  end
end
local function save(doc, ttlMs)
  local enc = cjson.encode(doc)
  if isterminal(doc.state) and ttlMs > 0 then
    redis.call('SET', KEYS[1], enc, 'PX', ttlMs)
  else
    redis.call('SET', KEYS[1], enc)
  end
  return enc
end
local function findstep(doc, stepID)
  for i, st in ipairs(doc.steps) do
    if st.id == stepID then
      return st, i
    end
  end
  return nil, 0
end
`

// ARGV: doc JSON, created millis, terminal TTL millis.
var createSagaScript = redis.NewScript(sagaPrelude + `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.error_reply('saga exists')
end
local doc = cjson.decode(ARGV[1])
doc.created_ms = tonumber(ARGV[2])
redis.call('ZADD', KEYS[2] .. doc.state, doc.created_ms, doc.id)
for _, st in ipairs(doc.steps) do
  if st.execute_task_id ~= nil and st.execute_task_id ~= '' then
    redis.call('SET', KEYS[3] .. st.execute_task_id, doc.id)
  end
  if st.compensate_task_id ~= nil and st.compensate_task_id ~= '' then
    redis.call('SET', KEYS[3] .. st.compensate_task_id, doc.id)
  end
end
return save(doc, tonumber(ARGV[3]))
`)

// ARGV: new state, failure reason, now RFC3339, terminal TTL millis.
var updateSagaStateScript = redis.NewScript(sagaPrelude + `
local raw = redis.call('GET', KEYS[1])
if not raw then
  return false
end
local doc = cjson.decode(raw)
setstate(doc, ARGV[1], ARGV[2], ARGV[3])
return save(doc, tonumber(ARGV[4]))
`)

// ARGV: step ID, step state, task ID, compensate task ID, result (base64),
// error, now RFC3339, terminal TTL millis.
var updateSagaStepScript = redis.NewScript(sagaPrelude + `
local raw = redis.call('GET', KEYS[1])
if not raw then
  return false
end
local doc = cjson.decode(raw)
local step, idx = findstep(doc, ARGV[1])
if not step then
  return false
end
step.state = ARGV[2]
if ARGV[3] ~= '' then
  step.execute_task_id = ARGV[3]
  redis.call('SET', KEYS[3] .. ARGV[3], doc.id)
end
if ARGV[4] ~= '' then
  step.compensate_task_id = ARGV[4]
  redis.call('SET', KEYS[3] .. ARGV[4], doc.id)
end
if ARGV[5] ~= '' then
  step.result = ARGV[5]
end
if ARGV[6] ~= '' then
  step.error = ARGV[6]
end
if ARGV[2] == 'executing' and step.started_at == nil then
  step.started_at = ARGV[7]
end
if ARGV[2] == 'completed' or ARGV[2] == 'failed'
    or ARGV[2] == 'compensated' or ARGV[2] == 'compensation_failed' then
  step.completed_at = ARGV[7]
end
if ARGV[2] == 'failed' then
  local compensable = false
  for i = 1, idx - 1 do
    local st = doc.steps[i]
    if st.state == 'completed' and st.compensate_task ~= nil then
      compensable = true
      break
    end
  end
  if compensable then
    setstate(doc, 'compensating', ARGV[6], ARGV[7])
  else
    setstate(doc, 'failed', ARGV[6], ARGV[7])
  end
end
return save(doc, tonumber(ARGV[8]))
`)

// ARGV: now RFC3339, terminal TTL millis.
var advanceSagaScript = redis.NewScript(sagaPrelude + `
local raw = redis.call('GET', KEYS[1])
if not raw then
  return false
end
local doc = cjson.decode(raw)
doc.current_step_index = doc.current_step_index + 1
if doc.current_step_index >= #doc.steps then
  setstate(doc, 'completed', '', ARGV[1])
end
return save(doc, tonumber(ARGV[2]))
`)

// ARGV: step ID, success flag, compensate task ID, error, now RFC3339,
// terminal TTL millis.
var markCompensatedScript = redis.NewScript(sagaPrelude + `
local raw = redis.call('GET', KEYS[1])
if not raw then
  return false
end
local doc = cjson.decode(raw)
local step = findstep(doc, ARGV[1])
if not step then
  return false
end
if ARGV[2] == '1' then
  step.state = 'compensated'
else
  step.state = 'compensation_failed'
end
step.completed_at = ARGV[5]
if ARGV[3] ~= '' then
  step.compensate_task_id = ARGV[3]
  redis.call('SET', KEYS[3] .. ARGV[3], doc.id)
end
if ARGV[4] ~= '' then
  step.error = ARGV[4]
end
local pending = false
local anyFailed = false
for _, st in ipairs(doc.steps) do
  if (st.state == 'completed' or st.state == 'compensating')
      and st.compensate_task ~= nil then
    pending = true
  end
  if st.state == 'compensation_failed' then
    anyFailed = true
  end
end
if not pending then
  if anyFailed then
    setstate(doc, 'compensation_failed', '', ARGV[5])
  else
    setstate(doc, 'compensated', '', ARGV[5])
  end
end
return save(doc, tonumber(ARGV[6]))
`)

var deleteSagaScript = redis.NewScript(sagaPrelude + `
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local doc = cjson.decode(raw)
redis.call('ZREM', KEYS[2] .. doc.state, doc.id)
for _, st in ipairs(doc.steps) do
  if st.execute_task_id ~= nil and st.execute_task_id ~= '' then
    redis.call('DEL', KEYS[3] .. st.execute_task_id)
  end
  if st.compensate_task_id ~= nil and st.compensate_task_id ~= '' then
    redis.call('DEL', KEYS[3] .. st.compensate_task_id)
  end
end
redis.call('DEL', KEYS[1])
return 1
`)

// SagaStore persists sagas as JSON documents; every mutation is one Lua
// script so concurrent workers updating different steps never lose writes.
type SagaStore struct {
	client       *redis.Client
	prefix       string
	completedTTL time.Duration

	now func() time.Time
}

// NewSagaStore creates a saga store on client. completedTTL bounds how
// long terminal sagas stay readable.
func NewSagaStore(client *redis.Client, prefix string, completedTTL time.Duration) *SagaStore {
	return &SagaStore{client: client, prefix: keyPrefix(prefix), completedTTL: completedTTL, now: time.Now}
}

func (s *SagaStore) docKey(id string) string  { return s.prefix + ":saga:" + id }
func (s *SagaStore) stateIndexPrefix() string { return s.prefix + ":sagas:state:" }
func (s *SagaStore) taskIndexPrefix() string  { return s.prefix + ":saga-task:" }
func (s *SagaStore) keys(id string) []string {
	return []string{s.docKey(id), s.stateIndexPrefix(), s.taskIndexPrefix()}
}

func (s *SagaStore) nowArgs() (string, int64) {
	now := s.now().UTC()
	return now.Format(time.RFC3339Nano), millis(now)
}

func decodeSaga(raw string) (*domain.Saga, error) {
	var saga domain.Saga
	if err := json.Unmarshal([]byte(raw), &saga); err != nil {
		return nil, fmt.Errorf("decode saga: %w", err)
	}
	return &saga, nil
}

// Create stores the saga and indexes any pre-assigned task IDs.
func (s *SagaStore) Create(ctx domain.Context, saga *domain.Saga) error {
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
		stored.CreatedAt = s.now().UTC()
	}
	for i := range stored.Steps {
		if stored.Steps[i].State == "" {
			stored.Steps[i].State = domain.StepPending
		}
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("op=saga.create id=%s: %w", saga.ID, err)
	}
	err = createSagaScript.Run(ctx, s.client, s.keys(stored.ID),
		raw, millis(stored.CreatedAt), s.completedTTL.Milliseconds()).Err()
	if err != nil {
		if strings.Contains(err.Error(), "saga exists") {
			return fmt.Errorf("op=saga.create id=%s: %w", saga.ID, domain.ErrConflict)
		}
		return fmt.Errorf("op=saga.create id=%s: %w", saga.ID, err)
	}
	return nil
}

// Get returns the saga or (nil, nil).
func (s *SagaStore) Get(ctx domain.Context, id string) (*domain.Saga, error) {
	raw, err := s.client.Get(ctx, s.docKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=saga.get id=%s: %w", id, err)
	}
	saga, err := decodeSaga(raw)
	if err != nil {
		return nil, fmt.Errorf("op=saga.get id=%s: %w", id, err)
	}
	return saga, nil
}

func (s *SagaStore) runDocScript(ctx domain.Context, op, id string, script *redis.Script, args ...any) (*domain.Saga, error) {
	raw, err := script.Run(ctx, s.client, s.keys(id), args...).Text()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("op=%s id=%s: %w", op, id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=%s id=%s: %w", op, id, err)
	}
	saga, err := decodeSaga(raw)
	if err != nil {
		return nil, fmt.Errorf("op=%s id=%s: %w", op, id, err)
	}
	return saga, nil
}

// UpdateState moves the saga to newState, stamping CompletedAt and the
// terminal TTL when it no longer changes.
func (s *SagaStore) UpdateState(ctx domain.Context, id string, newState domain.SagaState, failureReason string) (*domain.Saga, error) {
	nowStr, _ := s.nowArgs()
	return s.runDocScript(ctx, "saga.update_state", id, updateSagaStateScript,
		string(newState), failureReason, nowStr, s.completedTTL.Milliseconds())
}

// UpdateStepState applies upd to one step and runs the failure
// auto-transition server-side.
func (s *SagaStore) UpdateStepState(ctx domain.Context, id, stepID string, upd domain.StepUpdate) (*domain.Saga, error) {
	nowStr, _ := s.nowArgs()
	resultArg := ""
	if len(upd.Result) > 0 {
		resultArg = base64.StdEncoding.EncodeToString(upd.Result)
	}
	return s.runDocScript(ctx, "saga.update_step", id, updateSagaStepScript,
		stepID, string(upd.State), upd.TaskID, upd.CompensateTaskID,
		resultArg, upd.Error, nowStr, s.completedTTL.Milliseconds())
}

// AdvanceStep increments the step cursor, completing the saga past the
// last step.
func (s *SagaStore) AdvanceStep(ctx domain.Context, id string) (*domain.Saga, error) {
	nowStr, _ := s.nowArgs()
	return s.runDocScript(ctx, "saga.advance", id, advanceSagaScript,
		nowStr, s.completedTTL.Milliseconds())
}

// MarkStepCompensated settles one compensation and completes the saga when
// nothing is left to undo.
func (s *SagaStore) MarkStepCompensated(ctx domain.Context, id, stepID string, success bool, compensateTaskID, errorMessage string) (*domain.Saga, error) {
	nowStr, _ := s.nowArgs()
	flag := "0"
	if success {
		flag = "1"
	}
	return s.runDocScript(ctx, "saga.mark_compensated", id, markCompensatedScript,
		stepID, flag, compensateTaskID, errorMessage, nowStr, s.completedTTL.Milliseconds())
}

// Delete removes the saga, its task-index entries, and its state-index
// membership.
func (s *SagaStore) Delete(ctx domain.Context, id string) error {
	if err := deleteSagaScript.Run(ctx, s.client, s.keys(id)).Err(); err != nil {
		return fmt.Errorf("op=saga.delete id=%s: %w", id, err)
	}
	return nil
}

// SagaIDForTask resolves the saga owning a task ID; "" when none.
func (s *SagaStore) SagaIDForTask(ctx domain.Context, taskID string) (string, error) {
	id, err := s.client.Get(ctx, s.taskIndexPrefix()+taskID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("op=saga.task_index task=%s: %w", taskID, err)
	}
	return id, nil
}

// ByState lists sagas in one state, oldest first.
func (s *SagaStore) ByState(ctx domain.Context, state domain.SagaState, limit int) ([]*domain.Saga, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := s.client.ZRange(ctx, s.stateIndexPrefix()+string(state), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=saga.by_state state=%s: %w", state, err)
	}
	out := make([]*domain.Saga, 0, len(ids))
	for _, id := range ids {
		saga, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if saga != nil {
			out = append(out, saga)
		}
	}
	return out, nil
}
