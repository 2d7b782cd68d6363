package redis

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

const signalGroup = "signal-dispatch"

// SignalStore queues signal messages on a Redis Stream with a consumer
// group, so claimed messages stay invisible until acknowledged and stale
// claims are recovered through XAUTOCLAIM.
type SignalStore struct {
	client   *redis.Client
	prefix   string
	consumer string
	minIdle  time.Duration

	initOnce sync.Once
	initErr  error
}

// NewSignalStore creates a signal store on client. consumer names this
// process inside the dispatch group.
func NewSignalStore(client *redis.Client, prefix, consumer string) *SignalStore {
	if consumer == "" {
		consumer = "dispatcher"
	}
	return &SignalStore{
		client:   client,
		prefix:   keyPrefix(prefix),
		consumer: consumer,
		minIdle:  time.Minute,
	}
}

func (s *SignalStore) streamKey() string { return s.prefix + ":signals" }

func (s *SignalStore) ensureGroup(ctx domain.Context) error {
	s.initOnce.Do(func() {
		err := s.client.XGroupCreateMkStream(ctx, s.streamKey(), signalGroup, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			s.initErr = err
		}
	})
	return s.initErr
}

// Enqueue appends the message to the stream.
func (s *SignalStore) Enqueue(ctx domain.Context, msg *domain.SignalMessage) error {
	if msg == nil {
		return fmt.Errorf("op=signals.enqueue: %w: nil message", domain.ErrInvalidArgument)
	}
	if err := s.ensureGroup(ctx); err != nil {
		return fmt.Errorf("op=signals.enqueue: %w", err)
	}
	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey(),
		Values: map[string]any{
			"kind":       string(msg.Kind),
			"payload":    string(msg.Payload),
			"created_at": created.Format(time.RFC3339Nano),
			"attempts":   msg.Attempts,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("op=signals.enqueue: %w", err)
	}
	return nil
}

func signalFromStream(id string, values map[string]any) *domain.SignalMessage {
	msg := &domain.SignalMessage{ID: id}
	if v, ok := values["kind"].(string); ok {
		msg.Kind = domain.SignalKind(v)
	}
	if v, ok := values["payload"].(string); ok {
		msg.Payload = []byte(v)
	}
	if v, ok := values["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			msg.CreatedAt = t
		}
	}
	if v, ok := values["attempts"].(string); ok {
		if n, err := strconv.Atoi(v); err == nil {
			msg.Attempts = n
		}
	}
	return msg
}

// Dequeue claims up to limit messages: stale pending entries first, then
// new ones. Claimed messages stay invisible to other consumers until
// acknowledged or rejected.
func (s *SignalStore) Dequeue(ctx domain.Context, limit int) ([]*domain.SignalMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	if err := s.ensureGroup(ctx); err != nil {
		return nil, fmt.Errorf("op=signals.dequeue: %w", err)
	}

	var out []*domain.SignalMessage

	// Recover entries whose original claimant went away.
	claimed, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.streamKey(),
		Group:    signalGroup,
		Consumer: s.consumer,
		MinIdle:  s.minIdle,
		Start:    "0-0",
		Count:    int64(limit),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("op=signals.dequeue: autoclaim: %w", err)
	}
	for _, m := range claimed {
		out = append(out, signalFromStream(m.ID, m.Values))
	}
	if len(out) >= limit {
		return out[:limit], nil
	}

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    signalGroup,
		Consumer: s.consumer,
		Streams:  []string{s.streamKey(), ">"},
		Count:    int64(limit - len(out)),
		Block:    -1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("op=signals.dequeue: read: %w", err)
	}
	for _, stream := range streams {
		for _, m := range stream.Messages {
			out = append(out, signalFromStream(m.ID, m.Values))
		}
	}
	return out, nil
}

// Acknowledge settles a claimed message and trims it from the stream.
func (s *SignalStore) Acknowledge(ctx domain.Context, id string) error {
	pipe := s.client.Pipeline()
	pipe.XAck(ctx, s.streamKey(), signalGroup, id)
	pipe.XDel(ctx, s.streamKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=signals.ack id=%s: %w", id, err)
	}
	return nil
}

// Reject settles a claimed message; with requeue it is re-appended with an
// incremented attempt counter.
func (s *SignalStore) Reject(ctx domain.Context, id string, requeue bool) error {
	if !requeue {
		return s.Acknowledge(ctx, id)
	}
	ranges, err := s.client.XRange(ctx, s.streamKey(), id, id).Result()
	if err != nil {
		return fmt.Errorf("op=signals.reject id=%s: %w", id, err)
	}
	if err := s.Acknowledge(ctx, id); err != nil {
		return err
	}
	if len(ranges) == 0 {
		return nil
	}
	msg := signalFromStream(ranges[0].ID, ranges[0].Values)
	msg.Attempts++
	msg.ID = ""
	if err := s.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("op=signals.reject id=%s: requeue: %w", id, err)
	}
	return nil
}

// PendingCount returns the number of queued messages, claimed included.
func (s *SignalStore) PendingCount(ctx domain.Context) (int64, error) {
	n, err := s.client.XLen(ctx, s.streamKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("op=signals.pending: %w", err)
	}
	return n, nil
}
