package redis

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

// RevocationStore keeps revoked task IDs in a hash and broadcasts
// revocation events on one pub/sub channel so every worker can cancel
// in-flight tasks.
type RevocationStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}

	now func() time.Time
}

// NewRevocationStore creates a revocation store on client.
func NewRevocationStore(client *redis.Client, prefix string, logger *slog.Logger) *RevocationStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RevocationStore{
		client: client,
		prefix: keyPrefix(prefix),
		logger: logger,
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

func (s *RevocationStore) hashKey() string { return s.prefix + ":revoked" }
func (s *RevocationStore) channel() string { return channelPrefix(s.prefix) + "_revocations" }

// Revoke upserts the entry and publishes the event.
func (s *RevocationStore) Revoke(ctx domain.Context, taskID string, opts domain.RevokeOptions) error {
	if taskID == "" {
		return fmt.Errorf("op=revocation.revoke: %w: missing task id", domain.ErrInvalidArgument)
	}
	now := s.now().UTC()
	entry := domain.RevocationEntry{TaskID: taskID, Options: opts, RevokedAt: now}
	if opts.Expiry > 0 {
		expires := now.Add(opts.Expiry)
		entry.ExpiresAt = &expires
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("op=revocation.revoke task=%s: %w", taskID, err)
	}
	if err := s.client.HSet(ctx, s.hashKey(), taskID, raw).Err(); err != nil {
		return fmt.Errorf("op=revocation.revoke task=%s: %w", taskID, err)
	}

	ev, err := json.Marshal(domain.RevocationEvent{TaskID: taskID, Options: opts, Timestamp: now})
	if err != nil {
		return fmt.Errorf("op=revocation.revoke task=%s: %w", taskID, err)
	}
	if err := s.client.Publish(ctx, s.channel(), ev).Err(); err != nil {
		return fmt.Errorf("op=revocation.revoke task=%s: notify: %w", taskID, err)
	}
	return nil
}

func (s *RevocationStore) entry(ctx domain.Context, taskID string) (*domain.RevocationEntry, error) {
	raw, err := s.client.HGet(ctx, s.hashKey(), taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e domain.RevocationEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// IsRevoked reports a live entry, purging it lazily when expired.
func (s *RevocationStore) IsRevoked(ctx domain.Context, taskID string) (bool, error) {
	e, err := s.entry(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("op=revocation.is_revoked task=%s: %w", taskID, err)
	}
	if e == nil {
		return false, nil
	}
	if e.Expired(s.now()) {
		_ = s.client.HDel(ctx, s.hashKey(), taskID).Err()
		return false, nil
	}
	return true, nil
}

// RevokedTaskIDs returns the non-expired revoked IDs.
func (s *RevocationStore) RevokedTaskIDs(ctx domain.Context) ([]string, error) {
	all, err := s.client.HGetAll(ctx, s.hashKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("op=revocation.list: %w", err)
	}
	now := s.now()
	ids := make([]string, 0, len(all))
	for id, raw := range all {
		var e domain.RevocationEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			_ = s.client.HDel(ctx, s.hashKey(), id).Err()
			continue
		}
		if e.Expired(now) {
			_ = s.client.HDel(ctx, s.hashKey(), id).Err()
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Cleanup removes entries revoked before now-maxAge.
func (s *RevocationStore) Cleanup(ctx domain.Context, maxAge time.Duration) (int64, error) {
	all, err := s.client.HGetAll(ctx, s.hashKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("op=revocation.cleanup: %w", err)
	}
	cutoff := s.now().Add(-maxAge)
	var removed int64
	for id, raw := range all {
		var e domain.RevocationEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil || e.RevokedAt.Before(cutoff) {
			if delErr := s.client.HDel(ctx, s.hashKey(), id).Err(); delErr == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Subscribe opens a dedicated pub/sub connection and pumps events through
// an unbounded in-process buffer so a slow consumer never back-pressures
// the Redis reader.
func (s *RevocationStore) Subscribe(ctx domain.Context) (<-chan domain.RevocationEvent, error) {
	pubsub := s.client.Subscribe(ctx, s.channel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("op=revocation.subscribe: %w", err)
	}

	var (
		mu      sync.Mutex
		pending []domain.RevocationEvent
		signal  = make(chan struct{}, 1)
	)
	push := func(ev domain.RevocationEvent) {
		mu.Lock()
		pending = append(pending, ev)
		mu.Unlock()
		select {
		case signal <- struct{}{}:
		default:
		}
	}
	drain := func() []domain.RevocationEvent {
		mu.Lock()
		defer mu.Unlock()
		out := pending
		pending = nil
		return out
	}

	// Reader: pub/sub messages into the buffer.
	go func() {
		defer func() { _ = pubsub.Close() }()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev domain.RevocationEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.logger.Warn("dropping malformed revocation event", slog.Any("error", err))
					continue
				}
				push(ev)
			}
		}
	}()

	// Writer: buffer into the consumer channel.
	out := make(chan domain.RevocationEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-signal:
			}
			for _, ev := range drain() {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				case <-s.done:
					return
				}
			}
		}
	}()
	return out, nil
}

// Close stops every subscription; the client stays open for its owner.
func (s *RevocationStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
