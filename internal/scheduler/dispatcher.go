// Package scheduler re-injects delayed messages when they come due and
// publishes recurring tasks from cron expressions.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
	"github.com/fairyhunter13/go-taskqueue/internal/observability"
)

// waker is implemented by delayed stores that can signal when a newly
// scheduled message becomes the earliest one.
type waker interface {
	Wake() <-chan struct{}
}

// DispatcherOptions configure the delayed dispatcher.
type DispatcherOptions struct {
	// PollInterval is the upper bound between drain passes; the
	// dispatcher wakes earlier when the next delivery time is nearer or
	// the store signals a new head.
	PollInterval time.Duration
}

func (o DispatcherOptions) withDefaults() DispatcherOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	return o
}

// Dispatcher drains due messages from the delayed store back onto the
// broker.
type Dispatcher struct {
	opts   DispatcherOptions
	store  domain.DelayedStore
	broker domain.Broker

	now func() time.Time
}

// NewDispatcher creates a dispatcher over store and broker.
func NewDispatcher(opts DispatcherOptions, store domain.DelayedStore, broker domain.Broker) *Dispatcher {
	return &Dispatcher{opts: opts.withDefaults(), store: store, broker: broker, now: time.Now}
}

// Run dispatches until ctx is cancelled. Every pass drains all due
// messages; between passes it sleeps until the earlier of the poll
// interval and the next known delivery time, or a wake signal.
func (d *Dispatcher) Run(ctx domain.Context) error {
	var wake <-chan struct{}
	if w, ok := d.store.(waker); ok {
		wake = w.Wake()
	}
	for {
		if err := d.Drain(ctx); err != nil && ctx.Err() == nil {
			observability.LoggerFromContext(ctx).Warn("delayed drain failed", slog.Any("error", err))
		}

		sleep := d.opts.PollInterval
		if next, ok, err := d.store.NextDeliveryTime(ctx); err == nil && ok {
			if until := next.Sub(d.now()); until < sleep {
				sleep = until
			}
		}
		if sleep < 0 {
			sleep = 0
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-wake:
			timer.Stop()
		}
	}
}

// Drain republishes every message due now and updates the pending gauge.
func (d *Dispatcher) Drain(ctx domain.Context) error {
	due, err := d.store.DueMessages(ctx, d.now())
	if err != nil {
		return fmt.Errorf("op=dispatcher.drain: %w", err)
	}
	for _, msg := range due {
		if err := d.broker.Publish(ctx, msg); err != nil {
			// Put the message back so it is not lost; it will be retried
			// on the next pass.
			if addErr := d.store.Add(ctx, msg, d.now()); addErr != nil {
				observability.LoggerFromContext(ctx).Error("redeliver lost message",
					slog.String("task_id", msg.ID),
					slog.Any("publish_error", err),
					slog.Any("re_add_error", addErr))
			}
			return fmt.Errorf("op=dispatcher.drain task=%s: %w", msg.ID, err)
		}
		observability.DelayedDispatchedTotal.Inc()
	}
	if pending, err := d.store.PendingCount(ctx); err == nil {
		observability.DelayedPendingMessages.Set(float64(pending))
	}
	return nil
}
