package redis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

// addDelayedScript writes the schedule entry and payload together.
var addDelayedScript = redis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// popDueScript atomically claims every entry due at or before ARGV[1] and
// returns the payloads, so two dispatchers never deliver the same message.
var popDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if #due == 0 then
  return {}
end
local out = {}
for _, id in ipairs(due) do
  local payload = redis.call('HGET', KEYS[2], id)
  if payload then
    out[#out + 1] = payload
  end
  redis.call('ZREM', KEYS[1], id)
  redis.call('HDEL', KEYS[2], id)
end
return out
`)

// removeDelayedScript cancels one scheduled entry.
var removeDelayedScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return removed
`)

// DelayedStore keeps scheduled messages in a ZSET scored by delivery time
// in unix milliseconds, with payloads in a companion hash.
type DelayedStore struct {
	client *redis.Client
	prefix string
}

// NewDelayedStore creates a delayed store on client.
func NewDelayedStore(client *redis.Client, prefix string) *DelayedStore {
	return &DelayedStore{client: client, prefix: keyPrefix(prefix)}
}

func (s *DelayedStore) zsetKey() string    { return s.prefix + ":delayed" }
func (s *DelayedStore) payloadKey() string { return s.prefix + ":delayed:payload" }

// Add schedules msg for deliveryTime; re-adding a task ID replaces the
// earlier schedule.
func (s *DelayedStore) Add(ctx domain.Context, msg *domain.TaskMessage, deliveryTime time.Time) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("op=delayed.add: %w: missing task id", domain.ErrInvalidArgument)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("op=delayed.add task=%s: %w", msg.ID, err)
	}
	err = addDelayedScript.Run(ctx, s.client, []string{s.zsetKey(), s.payloadKey()},
		millis(deliveryTime), msg.ID, payload).Err()
	if err != nil {
		return fmt.Errorf("op=delayed.add task=%s: %w", msg.ID, err)
	}
	return nil
}

// DueMessages claims and returns every message due at or before now.
func (s *DelayedStore) DueMessages(ctx domain.Context, now time.Time) ([]*domain.TaskMessage, error) {
	raw, err := popDueScript.Run(ctx, s.client, []string{s.zsetKey(), s.payloadKey()}, millis(now)).Slice()
	if err != nil {
		return nil, fmt.Errorf("op=delayed.due: %w", err)
	}
	out := make([]*domain.TaskMessage, 0, len(raw))
	for _, item := range raw {
		var msg domain.TaskMessage
		if err := json.Unmarshal([]byte(toString(item)), &msg); err != nil {
			return nil, fmt.Errorf("op=delayed.due: decode: %w", err)
		}
		out = append(out, &msg)
	}
	return out, nil
}

// Remove cancels a scheduled message; reports whether one existed.
func (s *DelayedStore) Remove(ctx domain.Context, taskID string) (bool, error) {
	removed, err := removeDelayedScript.Run(ctx, s.client, []string{s.zsetKey(), s.payloadKey()}, taskID).Int64()
	if err != nil {
		return false, fmt.Errorf("op=delayed.remove task=%s: %w", taskID, err)
	}
	return removed > 0, nil
}

// PendingCount returns the number of scheduled messages.
func (s *DelayedStore) PendingCount(ctx domain.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, s.zsetKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("op=delayed.pending: %w", err)
	}
	return n, nil
}

// NextDeliveryTime returns the earliest scheduled time.
func (s *DelayedStore) NextDeliveryTime(ctx domain.Context) (time.Time, bool, error) {
	entries, err := s.client.ZRangeWithScores(ctx, s.zsetKey(), 0, 0).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("op=delayed.next: %w", err)
	}
	if len(entries) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(entries[0].Score)), true, nil
}
