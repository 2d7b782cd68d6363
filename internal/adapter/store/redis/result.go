package redis

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
	"github.com/fairyhunter13/go-taskqueue/pkg/textx"
)

// updateStateScript merges a state transition into the stored result
// document without disturbing the payload or the remaining TTL.
var updateStateScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local doc
if cur then
  doc = cjson.decode(cur)
else
  doc = {task_id = ARGV[1]}
end
doc.state = ARGV[2]
if ARGV[3] ~= '' then
  local meta = doc.meta or {}
  for k, v in pairs(cjson.decode(ARGV[3])) do
    meta[k] = v
  end
  doc.meta = meta
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl and ttl > 0 then
  redis.call('SET', KEYS[1], cjson.encode(doc), 'PX', ttl)
elseif tonumber(ARGV[4]) > 0 then
  redis.call('SET', KEYS[1], cjson.encode(doc), 'PX', ARGV[4])
else
  redis.call('SET', KEYS[1], cjson.encode(doc))
end
return 1
`)

// ResultBackend stores results as JSON strings with TTL and notifies
// waiters over pub/sub; WaitForResult keeps a polling fallback for
// results stored by processes whose publish was lost.
type ResultBackend struct {
	client        *redis.Client
	prefix        string
	defaultExpiry time.Duration
	pollInterval  time.Duration
}

// NewResultBackend creates a backend on client. defaultExpiry applies when
// StoreResult is called with a non-positive expiry.
func NewResultBackend(client *redis.Client, prefix string, defaultExpiry time.Duration) *ResultBackend {
	return &ResultBackend{
		client:        client,
		prefix:        keyPrefix(prefix),
		defaultExpiry: defaultExpiry,
		pollInterval:  500 * time.Millisecond,
	}
}

func (b *ResultBackend) resultKey(taskID string) string {
	return b.prefix + ":result:" + taskID
}

func (b *ResultBackend) channel(taskID string) string {
	return textx.ChannelName(channelPrefix(b.prefix)+"_result", taskID)
}

// StoreResult upserts the result and publishes it to waiting consumers.
func (b *ResultBackend) StoreResult(ctx domain.Context, res *domain.TaskResult, expiry time.Duration) error {
	if res == nil || res.TaskID == "" {
		return fmt.Errorf("op=result.store: %w: missing task id", domain.ErrInvalidArgument)
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("op=result.store task=%s: %w", res.TaskID, err)
	}
	if expiry <= 0 {
		expiry = b.defaultExpiry
	}
	if err := b.client.Set(ctx, b.resultKey(res.TaskID), payload, expiry).Err(); err != nil {
		return fmt.Errorf("op=result.store task=%s: %w", res.TaskID, err)
	}
	// Publish after the write so a notified reader always finds the key.
	if err := b.client.Publish(ctx, b.channel(res.TaskID), payload).Err(); err != nil {
		return fmt.Errorf("op=result.store task=%s: notify: %w", res.TaskID, err)
	}
	return nil
}

// GetResult returns the stored result once it is terminal, else (nil, nil).
// Intermediate records written by UpdateState stay readable through
// GetState only.
func (b *ResultBackend) GetResult(ctx domain.Context, taskID string) (*domain.TaskResult, error) {
	res, err := b.load(ctx, taskID)
	if err != nil || res == nil || !res.State.IsTerminal() {
		return nil, err
	}
	return res, nil
}

// load reads the stored document without the terminality filter.
func (b *ResultBackend) load(ctx domain.Context, taskID string) (*domain.TaskResult, error) {
	raw, err := b.client.Get(ctx, b.resultKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=result.get task=%s: %w", taskID, err)
	}
	var res domain.TaskResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("op=result.get task=%s: decode: %w", taskID, err)
	}
	return &res, nil
}

// WaitForResult blocks on the task's pub/sub channel until a terminal
// result lands, the timeout elapses, or ctx is cancelled.
func (b *ResultBackend) WaitForResult(ctx domain.Context, taskID string, timeout time.Duration) (*domain.TaskResult, error) {
	if res, err := b.GetResult(ctx, taskID); err != nil || res != nil {
		return res, err
	}

	pubsub := b.client.Subscribe(ctx, b.channel(taskID))
	defer func() { _ = pubsub.Close() }()
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("op=result.wait task=%s: subscribe: %w", taskID, err)
	}

	// Close the race window between the first check and the subscription.
	if res, err := b.GetResult(ctx, taskID); err != nil || res != nil {
		return res, err
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	poll := time.NewTicker(b.pollInterval)
	defer poll.Stop()

	msgs := pubsub.Channel()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return nil, fmt.Errorf("op=result.wait task=%s: %w", taskID, domain.ErrClosed)
			}
			var res domain.TaskResult
			if err := json.Unmarshal([]byte(msg.Payload), &res); err == nil &&
				res.TaskID == taskID && res.State.IsTerminal() {
				return &res, nil
			}
			// Unparsable notification; the key still holds the truth.
			if res, err := b.GetResult(ctx, taskID); err != nil || res != nil {
				return res, err
			}
		case <-poll.C:
			if res, err := b.GetResult(ctx, taskID); err != nil || res != nil {
				return res, err
			}
		case <-timeoutC:
			return nil, fmt.Errorf("op=result.wait task=%s: %w", taskID, domain.ErrTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// UpdateState merges a state transition atomically server-side.
func (b *ResultBackend) UpdateState(ctx domain.Context, taskID string, state domain.TaskState, meta map[string]string) error {
	if taskID == "" {
		return fmt.Errorf("op=result.update_state: %w: missing task id", domain.ErrInvalidArgument)
	}
	metaArg := ""
	if len(meta) > 0 {
		raw, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("op=result.update_state task=%s: %w", taskID, err)
		}
		metaArg = string(raw)
	}
	err := updateStateScript.Run(ctx, b.client, []string{b.resultKey(taskID)},
		taskID, string(state), metaArg,
		b.defaultExpiry.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("op=result.update_state task=%s: %w", taskID, err)
	}
	return nil
}

// GetState returns the stored state or "". Unlike GetResult it also sees
// intermediate states.
func (b *ResultBackend) GetState(ctx domain.Context, taskID string) (domain.TaskState, error) {
	res, err := b.load(ctx, taskID)
	if err != nil || res == nil {
		return "", err
	}
	return res.State, nil
}

// Close is a no-op; the client is owned by the caller.
func (b *ResultBackend) Close() error { return nil }
