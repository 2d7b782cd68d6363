// Package batch aggregates per-task outcomes into batch completion state.
package batch

import (
	"log/slog"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
	"github.com/fairyhunter13/go-taskqueue/internal/observability"
	"github.com/fairyhunter13/go-taskqueue/internal/signalbus"
)

// Tracker listens for task outcomes and records them on the owning batch.
// Tasks that belong to no batch pass through untouched.
type Tracker struct {
	store domain.BatchStore
	bus   *signalbus.Bus
}

// NewTracker wires a tracker over store and bus.
func NewTracker(store domain.BatchStore, bus *signalbus.Bus) *Tracker {
	return &Tracker{store: store, bus: bus}
}

// Run subscribes to task outcomes and blocks until ctx is cancelled.
func (t *Tracker) Run(ctx domain.Context) error {
	unsubSuccess := t.bus.Subscribe(domain.SignalTaskSuccess, t.onOutcome)
	defer unsubSuccess()
	unsubFailure := t.bus.Subscribe(domain.SignalTaskFailure, t.onOutcome)
	defer unsubFailure()
	unsubRejected := t.bus.Subscribe(domain.SignalTaskRejected, t.onOutcome)
	defer unsubRejected()
	unsubRevoked := t.bus.Subscribe(domain.SignalTaskRevoked, t.onOutcome)
	defer unsubRevoked()

	<-ctx.Done()
	return ctx.Err()
}

func (t *Tracker) onOutcome(ctx domain.Context, sig domain.Signal) {
	if sig.Message == nil || sig.Message.Header(domain.HeaderBatchID) == "" {
		return
	}
	var (
		b   *domain.Batch
		err error
	)
	if sig.Kind == domain.SignalTaskSuccess {
		b, err = t.store.MarkTaskCompleted(ctx, sig.TaskID)
	} else {
		b, err = t.store.MarkTaskFailed(ctx, sig.TaskID)
	}
	log := observability.LoggerFromContext(ctx)
	if err != nil {
		log.Error("batch mark failed",
			slog.String("task_id", sig.TaskID),
			slog.String("batch_id", sig.Message.Header(domain.HeaderBatchID)),
			slog.Any("error", err))
		return
	}
	if b != nil && b.State.IsTerminal() {
		log.Info("batch finished",
			slog.String("batch_id", b.ID),
			slog.String("state", string(b.State)),
			slog.Int("completed", b.CompletedCount()),
			slog.Int("failed", b.FailedCount()))
	}
}
