// Package timelimit enforces soft and hard execution limits on task
// handlers.
package timelimit

import (
	"context"
	"time"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

type outcome struct {
	out []byte
	err error
}

// Run executes op under the given policy. The handler receives a context
// cancelled when either limit elapses or the caller cancels. A soft limit
// elapsing first yields SoftTimeLimitError; a hard limit with no soft
// limit configured yields TimeLimitError. Caller cancellation propagates
// unchanged, never reclassified as a time-limit outcome.
func Run(ctx domain.Context, taskID string, p *domain.TimeLimitPolicy, op func(domain.Context) ([]byte, error)) ([]byte, error) {
	if p == nil || (p.Soft <= 0 && p.Hard <= 0) {
		return op(ctx)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		out, err := op(runCtx)
		done <- outcome{out: out, err: err}
	}()

	var softC, hardC <-chan time.Time
	if p.Soft > 0 {
		soft := time.NewTimer(p.Soft)
		defer soft.Stop()
		softC = soft.C
	}
	if p.Hard > 0 {
		hard := time.NewTimer(p.Hard)
		defer hard.Stop()
		hardC = hard.C
	}

	select {
	case res := <-done:
		return res.out, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-softC:
		cancel()
		return nil, &domain.SoftTimeLimitError{TaskID: taskID, Limit: p.Soft}
	case <-hardC:
		cancel()
		return nil, &domain.TimeLimitError{TaskID: taskID, Limit: p.Hard}
	}
}
