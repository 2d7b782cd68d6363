// Package signalbus delivers task lifecycle signals to subscribers,
// either synchronously or through a persisted queue drained by a
// background pump.
package signalbus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
	"github.com/fairyhunter13/go-taskqueue/internal/observability"
)

const (
	dequeueBatch = 32
	idleWait     = 200 * time.Millisecond
)

type subscription struct {
	id int
	fn domain.SignalHandler
}

// Bus fans signals out to per-kind subscribers. A bus built with a store
// enqueues instead of dispatching inline; Run drains the store.
type Bus struct {
	store domain.SignalStore

	mu       sync.RWMutex
	handlers map[domain.SignalKind][]subscription
	nextID   int
}

// New creates a direct-dispatch bus.
func New() *Bus {
	return &Bus{handlers: make(map[domain.SignalKind][]subscription)}
}

// NewQueued creates a bus that persists signals to store; a Run loop
// must be started to deliver them.
func NewQueued(store domain.SignalStore) *Bus {
	return &Bus{store: store, handlers: make(map[domain.SignalKind][]subscription)}
}

// Subscribe registers a handler for one signal kind and returns its
// unsubscribe function.
func (b *Bus) Subscribe(kind domain.SignalKind, fn domain.SignalHandler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[kind] = append(b.handlers[kind], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[kind]
		for i, s := range subs {
			if s.id == id {
				next := make([]subscription, 0, len(subs)-1)
				next = append(next, subs[:i]...)
				next = append(next, subs[i+1:]...)
				b.handlers[kind] = next
				return
			}
		}
	}
}

// Publish delivers one signal. Direct buses dispatch inline; queued buses
// enqueue and fall back to inline dispatch if the store rejects the
// write. Publish never fails: signal delivery must not break the task
// state machine.
func (b *Bus) Publish(ctx domain.Context, sig domain.Signal) {
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}
	if b.store == nil {
		b.dispatch(ctx, sig)
		return
	}

	payload, err := json.Marshal(sig)
	if err != nil {
		observability.LoggerFromContext(ctx).Error("marshal signal",
			slog.String("kind", string(sig.Kind)), slog.Any("error", err))
		return
	}
	msg := &domain.SignalMessage{
		ID:        uuid.NewString(),
		Kind:      sig.Kind,
		Payload:   payload,
		CreatedAt: sig.Timestamp,
	}
	if err := b.store.Enqueue(ctx, msg); err != nil {
		observability.LoggerFromContext(ctx).Warn("enqueue signal failed, dispatching inline",
			slog.String("kind", string(sig.Kind)),
			slog.String("task_id", sig.TaskID),
			slog.Any("error", err))
		b.dispatch(ctx, sig)
	}
}

// PendingCount returns the queued-signal backlog, zero for direct buses.
func (b *Bus) PendingCount(ctx domain.Context) (int64, error) {
	if b.store == nil {
		return 0, nil
	}
	return b.store.PendingCount(ctx)
}

// Run drains the signal store until ctx is cancelled. Messages whose
// payload no longer decodes are rejected without requeue.
func (b *Bus) Run(ctx domain.Context) error {
	if b.store == nil {
		return nil
	}
	log := observability.LoggerFromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := b.store.Dequeue(ctx, dequeueBatch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("dequeue signals failed", slog.Any("error", err))
			if !sleepCtx(ctx, idleWait) {
				return ctx.Err()
			}
			continue
		}
		if len(msgs) == 0 {
			if !sleepCtx(ctx, idleWait) {
				return ctx.Err()
			}
			continue
		}

		for _, msg := range msgs {
			var sig domain.Signal
			if err := json.Unmarshal(msg.Payload, &sig); err != nil {
				log.Error("drop undecodable signal",
					slog.String("id", msg.ID), slog.Any("error", err))
				if rejErr := b.store.Reject(ctx, msg.ID, false); rejErr != nil {
					log.Warn("reject signal failed", slog.String("id", msg.ID), slog.Any("error", rejErr))
				}
				continue
			}
			b.dispatch(ctx, sig)
			if err := b.store.Acknowledge(ctx, msg.ID); err != nil {
				log.Warn("acknowledge signal failed", slog.String("id", msg.ID), slog.Any("error", err))
			}
		}
	}
}

// dispatch invokes every subscriber for the signal kind, isolating
// panics so one handler cannot break the others or the caller.
func (b *Bus) dispatch(ctx domain.Context, sig domain.Signal) {
	b.mu.RLock()
	subs := b.handlers[sig.Kind]
	snapshot := make([]subscription, len(subs))
	copy(snapshot, subs)
	b.mu.RUnlock()

	for _, s := range snapshot {
		invoke(ctx, s.fn, sig)
	}
}

func invoke(ctx domain.Context, fn domain.SignalHandler, sig domain.Signal) {
	defer func() {
		if r := recover(); r != nil {
			observability.LoggerFromContext(ctx).Error("signal handler panicked",
				slog.String("kind", string(sig.Kind)),
				slog.String("task_id", sig.TaskID),
				slog.Any("panic", r))
		}
	}()
	fn(ctx, sig)
}

func sleepCtx(ctx domain.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
