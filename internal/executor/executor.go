// Package executor turns one delivered message into one terminal outcome:
// it resolves the handler, applies revocation and rate-limit gates, runs
// the filter pipeline under time limits, classifies the result, and
// persists it to the result backend.
package executor

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
	"github.com/fairyhunter13/go-taskqueue/internal/filter"
	"github.com/fairyhunter13/go-taskqueue/internal/observability"
	"github.com/fairyhunter13/go-taskqueue/internal/registry"
	"github.com/fairyhunter13/go-taskqueue/internal/revocation"
	"github.com/fairyhunter13/go-taskqueue/internal/signalbus"
	"github.com/fairyhunter13/go-taskqueue/internal/timelimit"
)

// Options configure one executor instance.
type Options struct {
	WorkerName string
	// ResultExpiry bounds how long stored results stay readable.
	ResultExpiry time.Duration
	// EnableRevocation wires the revocation manager into execution.
	EnableRevocation bool
	// CheckRevocationBeforeExecution skips revoked tasks before they start.
	CheckRevocationBeforeExecution bool
	// EnableRateLimiting honors per-task rate-limit policies.
	EnableRateLimiting bool
	// RateLimitRequeueDelay, when positive, overrides the lease's
	// retry-after on rate-limit denial.
	RateLimitRequeueDelay time.Duration
	// GlobalFilters run around every task, before per-task filters.
	GlobalFilters []filter.Filter
}

// Executor runs delivered messages to completion.
type Executor struct {
	opts        Options
	registry    *registry.Registry
	backend     domain.ResultBackend
	limiter     domain.RateLimiter
	revocations *revocation.Manager
	signals     *signalbus.Bus
	services    domain.ServiceLocator
}

// New wires an executor. limiter, revocations, signals, and services may
// be nil; the corresponding steps are skipped.
func New(opts Options, reg *registry.Registry, backend domain.ResultBackend, limiter domain.RateLimiter, revocations *revocation.Manager, signals *signalbus.Bus, services domain.ServiceLocator) *Executor {
	if signals == nil {
		signals = signalbus.New()
	}
	return &Executor{
		opts:        opts,
		registry:    reg,
		backend:     backend,
		limiter:     limiter,
		revocations: revocations,
		signals:     signals,
		services:    services,
	}
}

// Execute runs one delivery to a terminal outcome. A nil error with a
// result means the outcome was classified (including failures); an error
// is returned only when the message cannot be handled at all (unknown
// task) or infrastructure prevented recording the outcome.
func (e *Executor) Execute(ctx domain.Context, d domain.Delivery) (*domain.TaskResult, error) {
	msg := d.Message
	if msg == nil || msg.ID == "" {
		return nil, fmt.Errorf("op=executor.execute: %w: delivery without message", domain.ErrInvalidArgument)
	}
	ctx = observability.ContextWithTaskID(ctx, msg.ID)
	var span trace.Span
	ctx, span = otel.Tracer("taskqueue/executor").Start(ctx, "executor.execute",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("task.id", msg.ID),
			attribute.String("task.name", msg.TaskName),
			attribute.String("messaging.destination", d.Queue),
		))
	defer span.End()
	// task_id comes from the context logger.
	log := observability.LoggerFromContext(ctx).With(
		slog.String("task", msg.TaskName),
		slog.String("queue", d.Queue))

	reg, ok := e.registry.Lookup(msg.TaskName)
	if !ok {
		return nil, fmt.Errorf("op=executor.execute task=%s: %w", msg.TaskName, domain.ErrUnknownTask)
	}

	now := time.Now().UTC()
	if msg.IsExpired(now) {
		res := e.terminal(msg, domain.StateRejected, nil)
		res.Exception = &domain.ExceptionInfo{Type: "Expired", Message: "message expired before execution"}
		e.persist(ctx, log, res)
		e.emit(ctx, domain.SignalTaskRejected, msg, d.Queue, res, "expired")
		e.emit(ctx, domain.SignalTaskPostRun, msg, d.Queue, res, "")
		return res, nil
	}

	if e.opts.EnableRevocation && e.opts.CheckRevocationBeforeExecution && e.revocations != nil {
		revoked, err := e.revocations.IsRevoked(ctx, msg.ID)
		if err != nil {
			log.Warn("revocation pre-check failed, continuing", slog.Any("error", err))
		} else if revoked {
			res := e.terminal(msg, domain.StateRevoked, nil)
			res.Terminated = false
			e.persist(ctx, log, res)
			e.emit(ctx, domain.SignalTaskRevoked, msg, d.Queue, res, "")
			e.emit(ctx, domain.SignalTaskPostRun, msg, d.Queue, res, "")
			return res, nil
		}
	}

	if e.opts.EnableRateLimiting && e.limiter != nil && reg.RateLimit != nil {
		lease, err := e.limiter.TryAcquire(ctx, reg.RateLimit.KeyFor(msg.TaskName), *reg.RateLimit)
		if err != nil {
			log.Warn("rate limiter unavailable, admitting task", slog.Any("error", err))
		} else if !lease.Acquired {
			retryAfter := lease.RetryAfter
			if e.opts.RateLimitRequeueDelay > 0 {
				retryAfter = e.opts.RateLimitRequeueDelay
			}
			observability.TasksRateLimitedTotal.WithLabelValues(msg.TaskName).Inc()
			// Not persisted: rate-limit backoffs are invisible to result
			// readers and never burn the retry budget.
			res := e.terminal(msg, domain.StateRetry, nil)
			res.RetryAfter = retryAfter
			res.DoNotIncrementRetries = true
			return res, nil
		}
	}

	execCtx := ctx
	release := func() {}
	if e.opts.EnableRevocation && e.revocations != nil {
		execCtx, release = e.revocations.RegisterTask(ctx, msg.ID)
	}
	defer release()

	if err := e.backend.UpdateState(ctx, msg.ID, domain.StateStarted, nil); err != nil {
		log.Warn("persist started state failed", slog.Any("error", err))
	}
	e.emit(ctx, domain.SignalTaskPreRun, msg, d.Queue, nil, "")

	tc := domain.NewTaskContext(msg, e.opts.WorkerName,
		restrict(e.services),
		func(ctx domain.Context, state domain.TaskState, meta map[string]string) error {
			return e.backend.UpdateState(ctx, msg.ID, state, meta)
		},
		func(ctx domain.Context, current, total int64, message string) error {
			meta := map[string]string{
				"progress_current": fmt.Sprintf("%d", current),
				"progress_total":   fmt.Sprintf("%d", total),
			}
			if message != "" {
				meta["progress_message"] = message
			}
			return e.backend.UpdateState(ctx, msg.ID, domain.StateStarted, meta)
		})

	chain := filter.NewChain(append(append([]filter.Filter{}, e.opts.GlobalFilters...), reg.Filters...)...)
	ex := &filter.Execution{Message: msg, Task: tc}

	started := time.Now()
	e.run(execCtx, chain, ex, reg, tc)
	elapsed := time.Since(started)
	observability.TaskExecutionDuration.WithLabelValues(msg.TaskName).Observe(elapsed.Seconds())

	res := e.classify(ctx, execCtx, ex, msg, elapsed)
	if res.State.IsTerminal() || res.State == domain.StateRetry {
		e.persist(ctx, log, res)
	} else if res.State == domain.StateRequeued {
		if err := e.backend.UpdateState(ctx, msg.ID, domain.StateRequeued, nil); err != nil {
			log.Warn("persist requeued state failed", slog.Any("error", err))
		}
	}
	e.signalOutcome(ctx, msg, d.Queue, res, ex)
	span.SetAttributes(attribute.String("task.state", string(res.State)))
	observability.TasksExecutedTotal.WithLabelValues(msg.TaskName, string(res.State)).Inc()
	return res, nil
}

// run drives the filter chain around the handler under the task's time
// limits, converting handler panics into errors.
func (e *Executor) run(ctx domain.Context, chain *filter.Chain, ex *filter.Execution, reg *registry.Registration, tc *domain.TaskContext) {
	chain.Run(ctx, ex, func(hctx domain.Context) (out []byte, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v\n%s", r, debug.Stack())
			}
		}()
		return timelimit.Run(hctx, tc.TaskID, reg.TimeLimit, func(lctx domain.Context) ([]byte, error) {
			return reg.Invoke(lctx, tc, ex.Message.Payload)
		})
	})
}

// classify maps the filter-pipeline outcome onto a TaskResult.
func (e *Executor) classify(ctx, execCtx domain.Context, ex *filter.Execution, msg *domain.TaskMessage, elapsed time.Duration) *domain.TaskResult {
	switch {
	case ex.SkipResult != nil:
		res := ex.SkipResult
		if res.TaskID == "" {
			res.TaskID = msg.ID
		}
		if res.Worker == "" {
			res.Worker = e.opts.WorkerName
		}
		res.Duration = elapsed
		return res

	case ex.Requeue:
		res := e.terminal(msg, domain.StateRequeued, nil)
		res.Duration = elapsed
		res.RequeueDelay = ex.RequeueDelay
		return res

	case ex.Err == nil:
		res := e.terminal(msg, domain.StateSuccess, ex.Output)
		res.Duration = elapsed
		return res
	}

	err := ex.Err
	var retryErr *domain.RetryError
	var rejectErr *domain.RejectError
	switch {
	case errors.As(err, &retryErr):
		res := e.terminal(msg, domain.StateRetry, nil)
		res.Duration = elapsed
		res.RetryAfter = retryErr.Countdown
		res.Exception = domain.ExceptionFromError(err)
		return res

	case errors.As(err, &rejectErr):
		res := e.terminal(msg, domain.StateRejected, nil)
		res.Duration = elapsed
		res.Exception = domain.ExceptionFromError(err)
		return res

	case execCtx.Err() != nil && ctx.Err() == nil:
		// The revocation token fired while the caller stayed live: the
		// task was cancelled mid-flight.
		res := e.terminal(msg, domain.StateRevoked, nil)
		res.Duration = elapsed
		res.Terminated = true
		return res

	default:
		res := e.terminal(msg, domain.StateFailure, nil)
		res.Duration = elapsed
		res.Exception = domain.ExceptionFromError(err)
		return res
	}
}

func (e *Executor) terminal(msg *domain.TaskMessage, state domain.TaskState, output []byte) *domain.TaskResult {
	res := &domain.TaskResult{
		TaskID:      msg.ID,
		State:       state,
		CompletedAt: time.Now().UTC(),
		Retries:     msg.Retries,
		Worker:      e.opts.WorkerName,
	}
	if state == domain.StateSuccess {
		res.Result = output
		res.ContentType = domain.ContentTypeJSON
	}
	return res
}

func (e *Executor) persist(ctx domain.Context, log *slog.Logger, res *domain.TaskResult) {
	if err := e.backend.StoreResult(ctx, res, e.opts.ResultExpiry); err != nil {
		log.Error("store result failed",
			slog.String("state", string(res.State)),
			slog.Any("error", err))
	}
}

func (e *Executor) signalOutcome(ctx domain.Context, msg *domain.TaskMessage, queue string, res *domain.TaskResult, ex *filter.Execution) {
	errText := ""
	if res.Exception != nil {
		errText = res.Exception.Message
	}
	switch res.State {
	case domain.StateSuccess:
		e.emit(ctx, domain.SignalTaskSuccess, msg, queue, res, "")
	case domain.StateRetry:
		e.emit(ctx, domain.SignalTaskRetry, msg, queue, res, errText)
	case domain.StateRejected:
		e.emit(ctx, domain.SignalTaskRejected, msg, queue, res, errText)
	case domain.StateRevoked:
		e.emit(ctx, domain.SignalTaskRevoked, msg, queue, res, errText)
	case domain.StateRequeued:
		e.emit(ctx, domain.SignalTaskRequeued, msg, queue, res, "")
		return // requeued tasks run again; no post-run yet
	case domain.StateFailure:
		e.emit(ctx, domain.SignalTaskFailure, msg, queue, res, errText)
	}
	e.emit(ctx, domain.SignalTaskPostRun, msg, queue, res, "")
}

func (e *Executor) emit(ctx domain.Context, kind domain.SignalKind, msg *domain.TaskMessage, queue string, res *domain.TaskResult, errText string) {
	e.signals.Publish(ctx, domain.Signal{
		Kind:      kind,
		TaskID:    msg.ID,
		TaskName:  msg.TaskName,
		Queue:     queue,
		Worker:    e.opts.WorkerName,
		Timestamp: time.Now().UTC(),
		Message:   msg,
		Result:    res,
		Err:       errText,
	})
}
