// Package filter implements the execution filter pipeline wrapped around
// every handler invocation.
package filter

import (
	"sort"
	"time"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

// Execution is the mutable state threaded through the filter hooks for
// one task invocation.
type Execution struct {
	Message *domain.TaskMessage
	Task    *domain.TaskContext

	// SkipResult short-circuits the handler when set by OnExecuting. The
	// result is returned as the task outcome without invoking the handler.
	SkipResult *domain.TaskResult
	// Requeue asks the worker to put the message back on the queue
	// instead of executing it, after RequeueDelay.
	Requeue      bool
	RequeueDelay time.Duration

	// Output and Err carry the handler outcome into OnExecuted and
	// OnException, which may replace them.
	Output []byte
	Err    error
	// Handled marks Err as resolved by an exception hook; Output then
	// stands as the result.
	Handled bool
}

// Skipped reports whether an OnExecuting hook short-circuited the handler.
func (e *Execution) Skipped() bool {
	return e.SkipResult != nil || e.Requeue
}

// Filter hooks into task execution. OnExecuting runs before the handler
// in ascending Order; OnExecuted runs after it in reverse; OnException
// runs when the handler returns an error, also in reverse.
type Filter interface {
	Order() int
	OnExecuting(ctx domain.Context, ex *Execution) error
	OnExecuted(ctx domain.Context, ex *Execution)
	OnException(ctx domain.Context, ex *Execution)
}

// Base is a no-op filter to embed; implementers override the hooks they
// need and Order.
type Base struct{}

func (Base) Order() int                                   { return 0 }
func (Base) OnExecuting(domain.Context, *Execution) error { return nil }
func (Base) OnExecuted(domain.Context, *Execution)        {}
func (Base) OnException(domain.Context, *Execution)       {}

// Chain is an ordered filter pipeline.
type Chain struct {
	filters []Filter
}

// NewChain builds a chain from global and per-task filters, stably sorted
// by Order.
func NewChain(filters ...Filter) *Chain {
	sorted := make([]Filter, len(filters))
	copy(sorted, filters)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order() < sorted[j].Order() })
	return &Chain{filters: sorted}
}

// Len returns the number of filters in the chain.
func (c *Chain) Len() int { return len(c.filters) }

// Run drives the pipeline around handler. OnExecuting hooks run in order
// until one short-circuits or errors; the handler runs unless
// short-circuited; OnException and OnExecuted run in reverse for every
// filter whose OnExecuting already fired.
func (c *Chain) Run(ctx domain.Context, ex *Execution, handler func(domain.Context) ([]byte, error)) {
	fired := 0
	for _, f := range c.filters {
		if err := f.OnExecuting(ctx, ex); err != nil {
			ex.Err = err
			fired++
			break
		}
		fired++
		if ex.Skipped() {
			break
		}
	}

	if !ex.Skipped() && ex.Err == nil {
		ex.Output, ex.Err = handler(ctx)
	}

	if ex.Err != nil {
		for i := fired - 1; i >= 0; i-- {
			c.filters[i].OnException(ctx, ex)
			if ex.Handled {
				ex.Err = nil
				break
			}
		}
	}

	for i := fired - 1; i >= 0; i-- {
		c.filters[i].OnExecuted(ctx, ex)
	}
}
