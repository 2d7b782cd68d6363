package redis

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

// storeDeadLetterScript inserts the entry and evicts oldest entries past
// the capacity in the same script.
var storeDeadLetterScript = redis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
local max = tonumber(ARGV[4])
if max > 0 then
  local count = redis.call('ZCARD', KEYS[1])
  if count > max then
    local victims = redis.call('ZRANGE', KEYS[1], 0, count - max - 1)
    for _, id in ipairs(victims) do
      redis.call('ZREM', KEYS[1], id)
      redis.call('HDEL', KEYS[2], id)
    end
    return count - max
  end
end
return 0
`)

// claimDeadLetterScript removes one entry and returns its payload, so a
// requeue never races another consumer.
var claimDeadLetterScript = redis.NewScript(`
local payload = redis.call('HGET', KEYS[2], ARGV[1])
if not payload then
  return false
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return payload
`)

// DeadLetterStore parks failed messages in a ZSET ordered by storage time
// with payloads in a companion hash, capped with oldest-first eviction.
type DeadLetterStore struct {
	client      *redis.Client
	prefix      string
	maxMessages int
	broker      domain.Broker

	now func() time.Time
}

// NewDeadLetterStore creates a store on client; maxMessages <= 0 means
// uncapped. broker is used by Requeue.
func NewDeadLetterStore(client *redis.Client, prefix string, maxMessages int, broker domain.Broker) *DeadLetterStore {
	return &DeadLetterStore{
		client:      client,
		prefix:      keyPrefix(prefix),
		maxMessages: maxMessages,
		broker:      broker,
		now:         time.Now,
	}
}

func (s *DeadLetterStore) zsetKey() string    { return s.prefix + ":dlq" }
func (s *DeadLetterStore) payloadKey() string { return s.prefix + ":dlq:payload" }

// Store parks the entry, evicting the oldest beyond capacity.
func (s *DeadLetterStore) Store(ctx domain.Context, dl *domain.DeadLetter) error {
	if dl == nil || dl.ID == "" {
		return fmt.Errorf("op=deadletter.store: %w: missing id", domain.ErrInvalidArgument)
	}
	stored := *dl
	if stored.StoredAt.IsZero() {
		stored.StoredAt = s.now().UTC()
	}
	payload, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("op=deadletter.store id=%s: %w", dl.ID, err)
	}
	err = storeDeadLetterScript.Run(ctx, s.client, []string{s.zsetKey(), s.payloadKey()},
		millis(stored.StoredAt), stored.ID, payload, s.maxMessages).Err()
	if err != nil {
		return fmt.Errorf("op=deadletter.store id=%s: %w", dl.ID, err)
	}
	return nil
}

// Get returns the entry or (nil, nil).
func (s *DeadLetterStore) Get(ctx domain.Context, id string) (*domain.DeadLetter, error) {
	raw, err := s.client.HGet(ctx, s.payloadKey(), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=deadletter.get id=%s: %w", id, err)
	}
	var dl domain.DeadLetter
	if err := json.Unmarshal(raw, &dl); err != nil {
		return nil, fmt.Errorf("op=deadletter.get id=%s: decode: %w", id, err)
	}
	return &dl, nil
}

// List pages entries newest first.
func (s *DeadLetterStore) List(ctx domain.Context, limit, offset int) ([]*domain.DeadLetter, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := s.client.ZRevRange(ctx, s.zsetKey(), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=deadletter.list: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raws, err := s.client.HMGet(ctx, s.payloadKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("op=deadletter.list: %w", err)
	}
	out := make([]*domain.DeadLetter, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var dl domain.DeadLetter
		if err := json.Unmarshal([]byte(str), &dl); err != nil {
			continue
		}
		out = append(out, &dl)
	}
	return out, nil
}

// Requeue atomically claims the entry and republishes its message; the
// entry is re-inserted when publishing fails.
func (s *DeadLetterStore) Requeue(ctx domain.Context, id string) error {
	raw, err := claimDeadLetterScript.Run(ctx, s.client, []string{s.zsetKey(), s.payloadKey()}, id).Text()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("op=deadletter.requeue id=%s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("op=deadletter.requeue id=%s: %w", id, err)
	}
	var dl domain.DeadLetter
	if err := json.Unmarshal([]byte(raw), &dl); err != nil {
		return fmt.Errorf("op=deadletter.requeue id=%s: decode: %w", id, err)
	}
	if dl.Message == nil {
		return fmt.Errorf("op=deadletter.requeue id=%s: %w: entry has no message", id, domain.ErrInternal)
	}
	if err := s.broker.Publish(ctx, dl.Message); err != nil {
		if storeErr := s.Store(ctx, &dl); storeErr != nil {
			return fmt.Errorf("op=deadletter.requeue id=%s: publish: %w (restore also failed: %v)", id, err, storeErr)
		}
		return fmt.Errorf("op=deadletter.requeue id=%s: publish: %w", id, err)
	}
	return nil
}

// CleanupExpired removes entries whose retention window has passed.
func (s *DeadLetterStore) CleanupExpired(ctx domain.Context, now time.Time) (int64, error) {
	ids, err := s.client.ZRange(ctx, s.zsetKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("op=deadletter.cleanup: %w", err)
	}
	var removed int64
	for _, id := range ids {
		dl, err := s.Get(ctx, id)
		if err != nil || dl == nil {
			continue
		}
		if dl.Expired(now) {
			if err := claimDeadLetterScript.Run(ctx, s.client, []string{s.zsetKey(), s.payloadKey()}, id).Err(); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Purge drops every entry.
func (s *DeadLetterStore) Purge(ctx domain.Context) error {
	if err := s.client.Del(ctx, s.zsetKey(), s.payloadKey()).Err(); err != nil {
		return fmt.Errorf("op=deadletter.purge: %w", err)
	}
	return nil
}

// Count returns the number of parked entries.
func (s *DeadLetterStore) Count(ctx domain.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, s.zsetKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("op=deadletter.count: %w", err)
	}
	return n, nil
}
