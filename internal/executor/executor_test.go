package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/go-taskqueue/internal/adapter/store/memory"
	"github.com/fairyhunter13/go-taskqueue/internal/domain"
	"github.com/fairyhunter13/go-taskqueue/internal/filter"
	"github.com/fairyhunter13/go-taskqueue/internal/registry"
	"github.com/fairyhunter13/go-taskqueue/internal/revocation"
	"github.com/fairyhunter13/go-taskqueue/internal/signalbus"
)

type echoIn struct {
	V int `json:"v"`
}

type echoOut struct {
	V int `json:"v"`
}

type harness struct {
	exec    *Executor
	reg     *registry.Registry
	backend *memory.ResultBackend
	revs    *memory.RevocationStore
	limiter *memory.RateLimiter
	bus     *signalbus.Bus
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	reg := registry.New(false)
	backend := memory.NewResultBackend()
	revs := memory.NewRevocationStore()
	limiter := memory.NewRateLimiter()
	bus := signalbus.New()
	if opts.WorkerName == "" {
		opts.WorkerName = "w1"
	}
	mgr := revocation.NewManager(revs)
	exec := New(opts, reg, backend, limiter, mgr, bus, NewLocator())
	t.Cleanup(func() {
		_ = backend.Close()
		_ = revs.Close()
	})
	return &harness{exec: exec, reg: reg, backend: backend, revs: revs, limiter: limiter, bus: bus}
}

func delivery(taskName string, retries, maxRetries int) domain.Delivery {
	return domain.Delivery{
		Message: &domain.TaskMessage{
			ID:          "task-" + taskName,
			TaskName:    taskName,
			Payload:     []byte(`{"v":7}`),
			ContentType: domain.ContentTypeJSON,
			SentAt:      time.Now().UTC(),
			Queue:       "default",
			Retries:     retries,
			MaxRetries:  maxRetries,
		},
		Tag:   "tag-1",
		Queue: "default",
	}
}

func TestExecuteSuccessStoresResultAndSignals(t *testing.T) {
	h := newHarness(t, Options{})
	err := registry.Register(h.reg, "double", func(_ domain.Context, _ *domain.TaskContext, in echoIn) (echoOut, error) {
		return echoOut{V: in.V * 2}, nil
	})
	require.NoError(t, err)

	var kinds []domain.SignalKind
	for _, k := range []domain.SignalKind{domain.SignalTaskPreRun, domain.SignalTaskSuccess, domain.SignalTaskPostRun} {
		k := k
		h.bus.Subscribe(k, func(_ domain.Context, sig domain.Signal) { kinds = append(kinds, sig.Kind) })
	}

	res, err := h.exec.Execute(context.Background(), delivery("double", 0, 3))
	require.NoError(t, err)
	require.Equal(t, domain.StateSuccess, res.State)
	require.JSONEq(t, `{"v":14}`, string(res.Result))
	require.Equal(t, "w1", res.Worker)

	stored, err := h.backend.GetResult(context.Background(), "task-double")
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, domain.StateSuccess, stored.State)

	require.Equal(t, []domain.SignalKind{
		domain.SignalTaskPreRun, domain.SignalTaskSuccess, domain.SignalTaskPostRun,
	}, kinds)
}

func TestExecuteUnknownTask(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.exec.Execute(context.Background(), delivery("nope", 0, 3))
	require.ErrorIs(t, err, domain.ErrUnknownTask)
}

func TestExecuteRevokedBeforeStartSkipsHandler(t *testing.T) {
	h := newHarness(t, Options{EnableRevocation: true, CheckRevocationBeforeExecution: true})
	invoked := false
	err := registry.Register(h.reg, "slow", func(_ domain.Context, _ *domain.TaskContext, _ echoIn) (echoOut, error) {
		invoked = true
		return echoOut{}, nil
	})
	require.NoError(t, err)

	require.NoError(t, h.revs.Revoke(context.Background(), "task-slow", domain.RevokeOptions{}))

	res, err := h.exec.Execute(context.Background(), delivery("slow", 0, 3))
	require.NoError(t, err)
	require.Equal(t, domain.StateRevoked, res.State)
	require.False(t, res.Terminated)
	require.False(t, invoked)
}

func TestExecuteRetryErrorOutcome(t *testing.T) {
	h := newHarness(t, Options{})
	err := registry.Register(h.reg, "flaky", func(_ domain.Context, tc *domain.TaskContext, _ echoIn) (echoOut, error) {
		return echoOut{}, tc.Retry(5*time.Second, errors.New("upstream down"))
	})
	require.NoError(t, err)

	res, err := h.exec.Execute(context.Background(), delivery("flaky", 1, 3))
	require.NoError(t, err)
	require.Equal(t, domain.StateRetry, res.State)
	require.Equal(t, 5*time.Second, res.RetryAfter)
	require.NotNil(t, res.Exception)

	// Retry records are visible as state only; result readers keep seeing
	// nothing until a terminal outcome lands.
	state, err := h.backend.GetState(context.Background(), "task-flaky")
	require.NoError(t, err)
	require.Equal(t, domain.StateRetry, state)
	stored, err := h.backend.GetResult(context.Background(), "task-flaky")
	require.NoError(t, err)
	require.Nil(t, stored)
}

func TestExecuteRetryDegradesToRejectPastBudget(t *testing.T) {
	h := newHarness(t, Options{})
	err := registry.Register(h.reg, "exhausted", func(_ domain.Context, tc *domain.TaskContext, _ echoIn) (echoOut, error) {
		return echoOut{}, tc.Retry(time.Second, errors.New("still down"))
	})
	require.NoError(t, err)

	res, err := h.exec.Execute(context.Background(), delivery("exhausted", 3, 3))
	require.NoError(t, err)
	require.Equal(t, domain.StateRejected, res.State)
}

func TestExecuteRateLimitDenialNotPersisted(t *testing.T) {
	h := newHarness(t, Options{EnableRateLimiting: true})
	err := registry.Register(h.reg, "limited", func(_ domain.Context, _ *domain.TaskContext, in echoIn) (echoOut, error) {
		return echoOut(in), nil
	}, registry.WithRateLimit(domain.RateLimitPolicy{Limit: 1, Window: time.Minute}))
	require.NoError(t, err)

	first, err := h.exec.Execute(context.Background(), delivery("limited", 0, 3))
	require.NoError(t, err)
	require.Equal(t, domain.StateSuccess, first.State)

	second, err := h.exec.Execute(context.Background(), delivery("limited", 0, 3))
	require.NoError(t, err)
	require.Equal(t, domain.StateRetry, second.State)
	require.True(t, second.DoNotIncrementRetries)
	require.Greater(t, second.RetryAfter, time.Duration(0))

	// The denial must not overwrite the stored success.
	stored, err := h.backend.GetResult(context.Background(), "task-limited")
	require.NoError(t, err)
	require.Equal(t, domain.StateSuccess, stored.State)
}

func TestExecuteFilterSkipShortCircuits(t *testing.T) {
	h := newHarness(t, Options{GlobalFilters: []filter.Filter{skipFilter{}}})
	invoked := false
	err := registry.Register(h.reg, "skipped", func(_ domain.Context, _ *domain.TaskContext, _ echoIn) (echoOut, error) {
		invoked = true
		return echoOut{}, nil
	})
	require.NoError(t, err)

	res, err := h.exec.Execute(context.Background(), delivery("skipped", 0, 3))
	require.NoError(t, err)
	require.Equal(t, domain.StateSuccess, res.State)
	require.Equal(t, `{"cached":true}`, string(res.Result))
	require.False(t, invoked)
}

type skipFilter struct{ filter.Base }

func (skipFilter) OnExecuting(_ domain.Context, ex *filter.Execution) error {
	ex.SkipResult = &domain.TaskResult{
		State:       domain.StateSuccess,
		Result:      []byte(`{"cached":true}`),
		ContentType: domain.ContentTypeJSON,
	}
	return nil
}

type requeueFilter struct{ filter.Base }

func (requeueFilter) OnExecuting(_ domain.Context, ex *filter.Execution) error {
	ex.Requeue = true
	ex.RequeueDelay = 2 * time.Second
	return nil
}

func TestExecuteFilterRequeue(t *testing.T) {
	h := newHarness(t, Options{GlobalFilters: []filter.Filter{requeueFilter{}}})
	err := registry.Register(h.reg, "deferred", func(_ domain.Context, _ *domain.TaskContext, in echoIn) (echoOut, error) {
		return echoOut(in), nil
	})
	require.NoError(t, err)

	requeued := false
	h.bus.Subscribe(domain.SignalTaskRequeued, func(_ domain.Context, _ domain.Signal) { requeued = true })

	res, err := h.exec.Execute(context.Background(), delivery("deferred", 0, 3))
	require.NoError(t, err)
	require.Equal(t, domain.StateRequeued, res.State)
	require.Equal(t, 2*time.Second, res.RequeueDelay)
	require.True(t, requeued)

	state, err := h.backend.GetState(context.Background(), "task-deferred")
	require.NoError(t, err)
	require.Equal(t, domain.StateRequeued, state)
}

func TestExecutePanicBecomesFailure(t *testing.T) {
	h := newHarness(t, Options{})
	err := registry.Register(h.reg, "boom", func(_ domain.Context, _ *domain.TaskContext, _ echoIn) (echoOut, error) {
		panic("kaboom")
	})
	require.NoError(t, err)

	res, err := h.exec.Execute(context.Background(), delivery("boom", 0, 3))
	require.NoError(t, err)
	require.Equal(t, domain.StateFailure, res.State)
	require.NotNil(t, res.Exception)
	require.Contains(t, res.Exception.Message, "kaboom")
}

func TestExecuteHardTimeLimitFailure(t *testing.T) {
	h := newHarness(t, Options{})
	err := registry.Register(h.reg, "stuck", func(ctx domain.Context, _ *domain.TaskContext, _ echoIn) (echoOut, error) {
		<-ctx.Done()
		return echoOut{}, ctx.Err()
	}, registry.WithTimeLimit(domain.TimeLimitPolicy{Hard: 30 * time.Millisecond}))
	require.NoError(t, err)

	res, err := h.exec.Execute(context.Background(), delivery("stuck", 0, 3))
	require.NoError(t, err)
	require.Equal(t, domain.StateFailure, res.State)
	require.Contains(t, res.Exception.Message, "hard time limit")
}

func TestExecuteRevokedMidFlight(t *testing.T) {
	h := newHarness(t, Options{EnableRevocation: true, CheckRevocationBeforeExecution: true})
	mgr := revocation.NewManager(h.revs)
	h.exec.revocations = mgr

	started := make(chan struct{})
	err := registry.Register(h.reg, "cancellable", func(ctx domain.Context, _ *domain.TaskContext, _ echoIn) (echoOut, error) {
		close(started)
		<-ctx.Done()
		return echoOut{}, ctx.Err()
	})
	require.NoError(t, err)

	go func() {
		<-started
		mgr.HandleEvent(domain.RevocationEvent{
			TaskID:  "task-cancellable",
			Options: domain.RevokeOptions{Terminate: true},
		})
	}()

	res, err := h.exec.Execute(context.Background(), delivery("cancellable", 0, 3))
	require.NoError(t, err)
	require.Equal(t, domain.StateRevoked, res.State)
	require.True(t, res.Terminated)
}

func TestRestrictedLocatorBlocksContainerLookups(t *testing.T) {
	base := NewLocator()
	base.Set("mailer", "smtp")
	base.Set("registry", "secret")
	loc := restrict(base)

	svc, err := loc.Get("mailer")
	require.NoError(t, err)
	require.Equal(t, "smtp", svc)

	_, err = loc.Get("registry")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = loc.Get("Container")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = loc.Get("missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExecuteExpiredMessageRejected(t *testing.T) {
	h := newHarness(t, Options{})
	err := registry.Register(h.reg, "stale", func(_ domain.Context, _ *domain.TaskContext, in echoIn) (echoOut, error) {
		return echoOut(in), nil
	})
	require.NoError(t, err)

	d := delivery("stale", 0, 3)
	past := time.Now().Add(-time.Minute)
	d.Message.Expires = &past

	res, err := h.exec.Execute(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, domain.StateRejected, res.State)
	require.Equal(t, "Expired", res.Exception.Type)
}
