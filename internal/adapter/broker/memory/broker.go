// Package memory provides an in-process broker for single-process
// deployments and tests. Queues are FIFO; unacked deliveries are
// redelivered at the front of their queue on reject-with-requeue.
package memory

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

type unackedEntry struct {
	msg   *domain.TaskMessage
	queue string
}

// Broker is an in-memory implementation of domain.Broker.
type Broker struct {
	mu      sync.Mutex
	queues  map[string][]*domain.TaskMessage
	unacked map[string]unackedEntry
	nextTag uint64
	wake    chan struct{} // closed and replaced on every publish
	closed  bool
}

// New creates an empty in-memory broker.
func New() *Broker {
	return &Broker{
		queues:  make(map[string][]*domain.TaskMessage),
		unacked: make(map[string]unackedEntry),
		wake:    make(chan struct{}),
	}
}

// Publish appends the message to its queue and wakes consumers.
func (b *Broker) Publish(_ domain.Context, msg *domain.TaskMessage) error {
	if msg == nil || msg.Queue == "" {
		return fmt.Errorf("op=broker.publish: %w: missing queue", domain.ErrInvalidArgument)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("op=broker.publish: %w", domain.ErrClosed)
	}
	b.queues[msg.Queue] = append(b.queues[msg.Queue], msg.Clone())
	b.wakeLocked()
	b.mu.Unlock()
	return nil
}

// wakeLocked signals every blocked consumer by swapping the wake channel.
func (b *Broker) wakeLocked() {
	old := b.wake
	b.wake = make(chan struct{})
	close(old)
}

// Consume returns a channel of deliveries from the given queues, scanned
// fairly. The channel closes when ctx is cancelled or the broker closes.
func (b *Broker) Consume(ctx domain.Context, queues ...string) (<-chan domain.Delivery, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("op=broker.consume: %w: no queues", domain.ErrInvalidArgument)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("op=broker.consume: %w", domain.ErrClosed)
	}
	b.mu.Unlock()

	out := make(chan domain.Delivery)
	go b.consumeLoop(ctx, queues, out)
	return out, nil
}

func (b *Broker) consumeLoop(ctx domain.Context, queues []string, out chan<- domain.Delivery) {
	defer close(out)
	next := 0
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		var delivery *domain.Delivery
		for i := 0; i < len(queues); i++ {
			q := queues[(next+i)%len(queues)]
			msgs := b.queues[q]
			if len(msgs) == 0 {
				continue
			}
			msg := msgs[0]
			b.queues[q] = msgs[1:]
			b.nextTag++
			tag := strconv.FormatUint(b.nextTag, 10)
			b.unacked[tag] = unackedEntry{msg: msg, queue: q}
			delivery = &domain.Delivery{Message: msg.Clone(), Tag: tag, Queue: q}
			next = (next + i + 1) % len(queues)
			break
		}
		wake := b.wake
		b.mu.Unlock()

		if delivery != nil {
			select {
			case out <- *delivery:
				continue
			case <-ctx.Done():
				// Nobody will settle this delivery; put it back.
				_ = b.Reject(ctx, *delivery, true)
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		}
	}
}

// Ack settles a delivery.
func (b *Broker) Ack(_ domain.Context, d domain.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.unacked[d.Tag]; !ok {
		return fmt.Errorf("op=broker.ack tag=%s: %w", d.Tag, domain.ErrNotFound)
	}
	delete(b.unacked, d.Tag)
	return nil
}

// Reject settles a delivery negatively, optionally requeueing it at the
// front of its queue.
func (b *Broker) Reject(_ domain.Context, d domain.Delivery, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.unacked[d.Tag]
	if !ok {
		return fmt.Errorf("op=broker.reject tag=%s: %w", d.Tag, domain.ErrNotFound)
	}
	delete(b.unacked, d.Tag)
	if requeue && !b.closed {
		b.queues[entry.queue] = append([]*domain.TaskMessage{entry.msg}, b.queues[entry.queue]...)
		b.wakeLocked()
	}
	return nil
}

// IsHealthy reports whether the broker accepts traffic.
func (b *Broker) IsHealthy(domain.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("op=broker.health: %w", domain.ErrClosed)
	}
	return nil
}

// Close stops all consumers. Unacked deliveries are dropped.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.wakeLocked()
	return nil
}

// QueueDepth returns the number of ready messages on a queue.
func (b *Broker) QueueDepth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}
