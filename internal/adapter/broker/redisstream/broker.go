// Package redisstream implements the broker on Redis Streams. Each queue
// is one stream read through a shared consumer group, so unacknowledged
// deliveries stay pending per consumer and stale claims are recovered with
// XAUTOCLAIM when a worker dies mid-task.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

const (
	defaultPrefix       = "taskq"
	defaultGroup        = "workers"
	defaultReadCount    = 16
	defaultPollInterval = 100 * time.Millisecond
	defaultMinIdle      = 30 * time.Second
)

// Options tune the broker. Zero values fall back to defaults.
type Options struct {
	// Prefix namespaces every stream key.
	Prefix string
	// Group is the consumer-group name shared by all workers.
	Group string
	// Consumer names this process inside the group.
	Consumer string
	// ReadCount caps entries claimed per XREADGROUP call.
	ReadCount int
	// PollInterval is the sleep between empty reads.
	PollInterval time.Duration
	// MinIdle is how long a pending entry may sit with a dead consumer
	// before another consumer reclaims it.
	MinIdle time.Duration
}

func (o *Options) fill() {
	if o.Prefix == "" {
		o.Prefix = defaultPrefix
	}
	if o.Group == "" {
		o.Group = defaultGroup
	}
	if o.Consumer == "" {
		o.Consumer = "worker"
	}
	if o.ReadCount <= 0 {
		o.ReadCount = defaultReadCount
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.MinIdle <= 0 {
		o.MinIdle = defaultMinIdle
	}
}

// Broker is a Redis Streams implementation of domain.Broker.
type Broker struct {
	client *redis.Client
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	groups map[string]bool // queues whose consumer group exists
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a broker on client. logger may be nil.
func New(client *redis.Client, opts Options, logger *slog.Logger) *Broker {
	opts.fill()
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		client: client,
		opts:   opts,
		logger: logger,
		groups: make(map[string]bool),
		done:   make(chan struct{}),
	}
}

func (b *Broker) streamKey(queue string) string {
	return b.opts.Prefix + ":stream:" + queue
}

// ensureGroup creates the stream and consumer group for queue once.
func (b *Broker) ensureGroup(ctx domain.Context, queue string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return domain.ErrClosed
	}
	if b.groups[queue] {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	err := b.client.XGroupCreateMkStream(ctx, b.streamKey(queue), b.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	b.mu.Lock()
	b.groups[queue] = true
	b.mu.Unlock()
	return nil
}

// Publish appends the message to its queue's stream.
func (b *Broker) Publish(ctx domain.Context, msg *domain.TaskMessage) error {
	if msg == nil || msg.Queue == "" {
		return fmt.Errorf("op=redisstream.publish: %w: missing queue", domain.ErrInvalidArgument)
	}
	if err := b.ensureGroup(ctx, msg.Queue); err != nil {
		return fmt.Errorf("op=redisstream.publish: %w", err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("op=redisstream.publish: %w", err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(msg.Queue),
		Values: map[string]any{"message": string(body)},
	}).Err()
	if err != nil {
		return fmt.Errorf("op=redisstream.publish: %w", err)
	}
	return nil
}

// Consume starts a reader over the given queues and returns its delivery
// channel. The channel closes when ctx is cancelled or the broker closes.
func (b *Broker) Consume(ctx domain.Context, queues ...string) (<-chan domain.Delivery, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("op=redisstream.consume: %w: no queues", domain.ErrInvalidArgument)
	}
	for _, q := range queues {
		if err := b.ensureGroup(ctx, q); err != nil {
			return nil, fmt.Errorf("op=redisstream.consume: %w", err)
		}
	}
	out := make(chan domain.Delivery)
	b.wg.Add(1)
	go b.readLoop(ctx, queues, out)
	return out, nil
}

func (b *Broker) readLoop(ctx context.Context, queues []string, out chan<- domain.Delivery) {
	defer b.wg.Done()
	defer close(out)
	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()
	for {
		delivered := b.readOnce(ctx, queues, out)
		if ctx.Err() != nil {
			return
		}
		if delivered {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-ticker.C:
		}
	}
}

// readOnce reclaims stale pending entries, then reads fresh ones. It
// reports whether anything was delivered.
func (b *Broker) readOnce(ctx context.Context, queues []string, out chan<- domain.Delivery) bool {
	delivered := false
	for _, q := range queues {
		claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   b.streamKey(q),
			Group:    b.opts.Group,
			Consumer: b.opts.Consumer,
			MinIdle:  b.opts.MinIdle,
			Start:    "0-0",
			Count:    int64(b.opts.ReadCount),
		}).Result()
		if err != nil && ctx.Err() == nil {
			b.logger.Warn("stream autoclaim failed", slog.String("queue", q), slog.String("error", err.Error()))
		}
		if b.deliver(ctx, q, claimed, out) {
			delivered = true
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.opts.Group,
			Consumer: b.opts.Consumer,
			Streams:  []string{b.streamKey(q), ">"},
			Count:    int64(b.opts.ReadCount),
			Block:    -1,
		}).Result()
		if err != nil && err != redis.Nil && ctx.Err() == nil {
			b.logger.Warn("stream read failed", slog.String("queue", q), slog.String("error", err.Error()))
		}
		for _, s := range streams {
			if b.deliver(ctx, q, s.Messages, out) {
				delivered = true
			}
		}
	}
	return delivered
}

func (b *Broker) deliver(ctx context.Context, queue string, entries []redis.XMessage, out chan<- domain.Delivery) bool {
	delivered := false
	for _, e := range entries {
		msg, err := decodeEntry(e)
		if err != nil {
			// Unparseable entries are acked away so they do not wedge
			// the pending list.
			b.logger.Error("dropping malformed stream entry",
				slog.String("queue", queue), slog.String("entry_id", e.ID),
				slog.String("error", err.Error()))
			b.settle(ctx, queue, e.ID)
			continue
		}
		select {
		case out <- domain.Delivery{Message: msg, Tag: e.ID, Queue: queue}:
			delivered = true
		case <-ctx.Done():
			return delivered
		case <-b.done:
			return delivered
		}
	}
	return delivered
}

func decodeEntry(e redis.XMessage) (*domain.TaskMessage, error) {
	raw, ok := e.Values["message"].(string)
	if !ok {
		return nil, fmt.Errorf("entry %s has no message field", e.ID)
	}
	var msg domain.TaskMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// settle acks and deletes one entry.
func (b *Broker) settle(ctx domain.Context, queue, entryID string) error {
	key := b.streamKey(queue)
	pipe := b.client.Pipeline()
	pipe.XAck(ctx, key, b.opts.Group, entryID)
	pipe.XDel(ctx, key, entryID)
	_, err := pipe.Exec(ctx)
	return err
}

// Ack settles the delivery.
func (b *Broker) Ack(ctx domain.Context, d domain.Delivery) error {
	if err := b.settle(ctx, d.Queue, d.Tag); err != nil {
		return fmt.Errorf("op=redisstream.ack: %w", err)
	}
	return nil
}

// Reject settles the delivery; with requeue the message is appended back
// to the tail of its stream as a fresh entry.
func (b *Broker) Reject(ctx domain.Context, d domain.Delivery, requeue bool) error {
	if err := b.settle(ctx, d.Queue, d.Tag); err != nil {
		return fmt.Errorf("op=redisstream.reject: %w", err)
	}
	if !requeue || d.Message == nil {
		return nil
	}
	if err := b.Publish(ctx, d.Message); err != nil {
		return fmt.Errorf("op=redisstream.reject: %w", err)
	}
	return nil
}

// IsHealthy pings the server.
func (b *Broker) IsHealthy(ctx domain.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=redisstream.health: %w", err)
	}
	return nil
}

// Close stops all consume loops. The Redis client is owned by the caller
// and is not closed here.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
