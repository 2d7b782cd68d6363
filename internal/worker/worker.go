// Package worker pulls deliveries from the broker and drives them through
// the executor under the kill-switch gate, per-queue circuit breakers, and
// a bounded concurrency limit.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fairyhunter13/go-taskqueue/internal/breaker"
	"github.com/fairyhunter13/go-taskqueue/internal/domain"
	"github.com/fairyhunter13/go-taskqueue/internal/executor"
	"github.com/fairyhunter13/go-taskqueue/internal/observability"
)

// Options configure the worker loop.
type Options struct {
	Queues      []string
	Concurrency int
	// DefaultRetryDelay schedules a Retry outcome that carries no
	// explicit retry-after.
	DefaultRetryDelay time.Duration
	// BreakerPause is how long a delivery sits back on the queue when its
	// circuit is open.
	BreakerPause time.Duration
}

func (o Options) withDefaults() Options {
	if len(o.Queues) == 0 {
		o.Queues = []string{"default"}
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.DefaultRetryDelay <= 0 {
		o.DefaultRetryDelay = 10 * time.Second
	}
	if o.BreakerPause <= 0 {
		o.BreakerPause = time.Second
	}
	return o
}

// Worker consumes queues until its context is cancelled.
type Worker struct {
	opts        Options
	broker      domain.Broker
	exec        *executor.Executor
	killSwitch  *breaker.KillSwitch
	breakers    *breaker.Set
	delayed     domain.DelayedStore
	deadLetters domain.DeadLetterStore

	// errLog throttles repeated consume-path error logs.
	errLog *rate.Limiter
}

// New wires a worker. killSwitch, breakers, delayed, and deadLetters may
// be nil; the corresponding behavior degrades gracefully.
func New(opts Options, broker domain.Broker, exec *executor.Executor, killSwitch *breaker.KillSwitch, breakers *breaker.Set, delayed domain.DelayedStore, deadLetters domain.DeadLetterStore) *Worker {
	return &Worker{
		opts:        opts.withDefaults(),
		broker:      broker,
		exec:        exec,
		killSwitch:  killSwitch,
		breakers:    breakers,
		delayed:     delayed,
		deadLetters: deadLetters,
		errLog:      rate.NewLimiter(rate.Every(3*time.Second), 1),
	}
}

// Run consumes deliveries until ctx is cancelled. It returns ctx.Err()
// on shutdown after in-flight executions drain.
func (w *Worker) Run(ctx domain.Context) error {
	log := observability.LoggerFromContext(ctx)
	deliveries, err := w.broker.Consume(ctx, w.opts.Queues...)
	if err != nil {
		return fmt.Errorf("op=worker.run: %w", err)
	}
	log.Info("worker consuming",
		slog.Any("queues", w.opts.Queues),
		slog.Int("concurrency", w.opts.Concurrency))

	sema := make(chan struct{}, w.opts.Concurrency)
	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				wg.Wait()
				return ctx.Err()
			}
			if w.killSwitch != nil {
				if err := w.killSwitch.WaitUntilReady(ctx); err != nil {
					_ = w.broker.Reject(ctx, d, true)
					wg.Wait()
					return err
				}
			}
			if !w.allow(ctx, d) {
				continue
			}

			select {
			case sema <- struct{}{}:
			case <-ctx.Done():
				_ = w.broker.Reject(ctx, d, true)
				wg.Wait()
				return ctx.Err()
			}
			wg.Add(1)
			go func(d domain.Delivery) {
				defer wg.Done()
				defer func() { <-sema }()
				w.process(ctx, d)
			}(d)
		}
	}
}

// allow applies the per-queue circuit breaker; a gated delivery goes back
// on the queue after a pause so an open circuit does not spin.
func (w *Worker) allow(ctx domain.Context, d domain.Delivery) bool {
	if w.breakers == nil {
		return true
	}
	cb := w.breakers.For(d.Queue)
	if cb.Allow() {
		return true
	}
	if err := w.broker.Reject(ctx, d, true); err != nil && w.errLog.Allow() {
		observability.LoggerFromContext(ctx).Warn("requeue on open circuit failed",
			slog.String("queue", d.Queue), slog.Any("error", err))
	}
	select {
	case <-ctx.Done():
	case <-time.After(w.opts.BreakerPause):
	}
	return false
}

func (w *Worker) process(ctx domain.Context, d domain.Delivery) {
	log := observability.LoggerFromContext(ctx)
	observability.TasksInFlight.Inc()
	defer observability.TasksInFlight.Dec()

	res, err := w.exec.Execute(ctx, d)
	w.record(d.Queue, res, err)

	switch {
	case err != nil && errors.Is(err, domain.ErrUnknownTask):
		// No handler will ever exist for this process; park and ack.
		w.deadLetter(ctx, d, "unknown task", err)
		w.settle(ctx, log, d, true)

	case err != nil:
		if w.errLog.Allow() {
			log.Error("execution failed before outcome",
				slog.String("task_id", d.Message.ID), slog.Any("error", err))
		}
		w.settle(ctx, log, d, false)

	case res.State == domain.StateRetry:
		w.scheduleRetry(ctx, log, d, res)

	case res.State == domain.StateRequeued:
		w.requeue(ctx, log, d, res.RequeueDelay)

	case res.State == domain.StateFailure:
		// Handlers request retries explicitly; a plain failure is
		// terminal and goes to the dead-letter store.
		reason := "task failed"
		if res.Exception != nil {
			reason = res.Exception.Message
		}
		w.deadLetter(ctx, d, reason, nil)
		w.settle(ctx, log, d, true)

	default:
		// Success, Rejected, Revoked: terminal and persisted.
		w.settle(ctx, log, d, true)
	}
}

// record feeds the kill switch and circuit breaker with the execution
// outcome. Only Failure outcomes and pre-outcome errors count against
// the failure rate.
func (w *Worker) record(queue string, res *domain.TaskResult, err error) {
	outcomeErr := err
	if outcomeErr == nil && res != nil && res.State == domain.StateFailure {
		outcomeErr = fmt.Errorf("task failure: %s", res.Exception.Message)
	}
	if w.killSwitch != nil {
		w.killSwitch.Record(outcomeErr)
	}
	if w.breakers != nil {
		w.breakers.For(queue).RecordOutcome(outcomeErr)
	}
}

// scheduleRetry republishes the message through the delayed store after
// the retry countdown, bumping the retry counter unless asked not to.
func (w *Worker) scheduleRetry(ctx domain.Context, log *slog.Logger, d domain.Delivery, res *domain.TaskResult) {
	next := d.Message.Clone()
	if !res.DoNotIncrementRetries {
		next.Retries++
	}
	delay := res.RetryAfter
	if delay <= 0 {
		delay = w.opts.DefaultRetryDelay
	}
	eta := time.Now().UTC().Add(delay)
	next.ETA = &eta

	var err error
	if w.delayed != nil {
		err = w.delayed.Add(ctx, next, eta)
	} else {
		err = w.broker.Publish(ctx, next)
	}
	if err != nil {
		log.Error("schedule retry failed, requeueing delivery",
			slog.String("task_id", d.Message.ID), slog.Any("error", err))
		w.settle(ctx, log, d, false)
		return
	}
	w.settle(ctx, log, d, true)
}

// requeue puts the delivery back: immediately through the broker, or via
// the delayed store when the filter asked for a delay.
func (w *Worker) requeue(ctx domain.Context, log *slog.Logger, d domain.Delivery, delay time.Duration) {
	if delay > 0 && w.delayed != nil {
		next := d.Message.Clone()
		if err := w.delayed.Add(ctx, next, time.Now().UTC().Add(delay)); err != nil {
			log.Error("delayed requeue failed",
				slog.String("task_id", d.Message.ID), slog.Any("error", err))
			w.settle(ctx, log, d, false)
			return
		}
		w.settle(ctx, log, d, true)
		return
	}
	if err := w.broker.Reject(ctx, d, true); err != nil && w.errLog.Allow() {
		log.Warn("requeue failed", slog.String("task_id", d.Message.ID), slog.Any("error", err))
	}
}

func (w *Worker) deadLetter(ctx domain.Context, d domain.Delivery, reason string, cause error) {
	if w.deadLetters == nil {
		return
	}
	dl := &domain.DeadLetter{
		ID:       d.Message.ID,
		Message:  d.Message,
		Queue:    d.Queue,
		Reason:   reason,
		Retries:  d.Message.Retries,
		StoredAt: time.Now().UTC(),
	}
	if cause != nil {
		dl.LastError = cause.Error()
	}
	if err := w.deadLetters.Store(ctx, dl); err != nil {
		observability.LoggerFromContext(ctx).Error("dead-letter store failed",
			slog.String("task_id", d.Message.ID), slog.Any("error", err))
		return
	}
	observability.TasksDeadLetteredTotal.WithLabelValues(d.Queue).Inc()
}

// settle acks a handled delivery, or nacks it back onto the queue.
func (w *Worker) settle(ctx domain.Context, log *slog.Logger, d domain.Delivery, ack bool) {
	var err error
	if ack {
		err = w.broker.Ack(ctx, d)
	} else {
		err = w.broker.Reject(ctx, d, true)
	}
	if err != nil && w.errLog.Allow() {
		log.Warn("settle delivery failed",
			slog.String("task_id", d.Message.ID),
			slog.Bool("ack", ack),
			slog.Any("error", err))
	}
}
