// Package saga orchestrates multi-step workflows: steps execute forward one
// at a time, and a failure compensates previously completed steps.
package saga

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
	"github.com/fairyhunter13/go-taskqueue/internal/observability"
	"github.com/fairyhunter13/go-taskqueue/internal/signalbus"
)

// Step kinds carried in the task message headers so outcomes can be routed
// back to the right transition.
const (
	StepKindExecute    = "execute"
	StepKindCompensate = "compensate"
)

// Publisher is the slice of the producer client the coordinator needs.
type Publisher interface {
	Enqueue(ctx domain.Context, taskName string, payload any, opts ...func(*domain.TaskMessage)) (string, error)
}

// Coordinator drives sagas: it publishes step tasks, listens for their
// outcomes on the signal bus, and applies the state transitions through the
// saga store.
type Coordinator struct {
	store     domain.SagaStore
	publisher Publisher
	bus       *signalbus.Bus

	now func() time.Time
}

// NewCoordinator wires a coordinator over store, publisher and bus.
func NewCoordinator(store domain.SagaStore, publisher Publisher, bus *signalbus.Bus) *Coordinator {
	return &Coordinator{store: store, publisher: publisher, bus: bus, now: time.Now}
}

// Start persists the saga and publishes its first step. The saga must carry
// at least one step; IDs and order are assigned here.
func (c *Coordinator) Start(ctx domain.Context, s *domain.Saga) error {
	if s == nil || len(s.Steps) == 0 {
		return fmt.Errorf("op=saga.start: %w: saga needs at least one step", domain.ErrInvalidArgument)
	}
	for i := range s.Steps {
		if s.Steps[i].ID == "" {
			s.Steps[i].ID = fmt.Sprintf("%s-step-%d", s.ID, i)
		}
		s.Steps[i].Order = i
		s.Steps[i].State = domain.StepPending
	}
	s.State = domain.SagaCreated
	s.CurrentStepIndex = 0
	if s.CreatedAt.IsZero() {
		s.CreatedAt = c.now().UTC()
	}
	if err := c.store.Create(ctx, s); err != nil {
		return fmt.Errorf("op=saga.start id=%s: %w", s.ID, err)
	}
	if _, err := c.store.UpdateState(ctx, s.ID, domain.SagaExecuting, ""); err != nil {
		return fmt.Errorf("op=saga.start id=%s: %w", s.ID, err)
	}
	return c.publishStep(ctx, s.ID, &s.Steps[0])
}

// Cancel stops a saga that has not reached a terminal state. Steps already
// completed are not compensated; callers wanting undo should let a failure
// drive compensation instead.
func (c *Coordinator) Cancel(ctx domain.Context, sagaID string) error {
	s, err := c.store.Get(ctx, sagaID)
	if err != nil {
		return fmt.Errorf("op=saga.cancel id=%s: %w", sagaID, err)
	}
	if s == nil {
		return fmt.Errorf("op=saga.cancel id=%s: %w", sagaID, domain.ErrNotFound)
	}
	if s.State.IsTerminal() {
		return fmt.Errorf("op=saga.cancel id=%s state=%s: %w", sagaID, s.State, domain.ErrConflict)
	}
	if _, err := c.store.UpdateState(ctx, sagaID, domain.SagaCancelled, "cancelled by caller"); err != nil {
		return fmt.Errorf("op=saga.cancel id=%s: %w", sagaID, err)
	}
	return nil
}

// Get reads the saga's current state.
func (c *Coordinator) Get(ctx domain.Context, sagaID string) (*domain.Saga, error) {
	return c.store.Get(ctx, sagaID)
}

// Run subscribes to task outcomes and blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx domain.Context) error {
	unsubSuccess := c.bus.Subscribe(domain.SignalTaskSuccess, c.onOutcome)
	defer unsubSuccess()
	unsubFailure := c.bus.Subscribe(domain.SignalTaskFailure, c.onOutcome)
	defer unsubFailure()
	unsubRejected := c.bus.Subscribe(domain.SignalTaskRejected, c.onOutcome)
	defer unsubRejected()

	<-ctx.Done()
	return ctx.Err()
}

// onOutcome routes a task outcome to the owning saga step. Signals for
// tasks that carry no saga headers are ignored.
func (c *Coordinator) onOutcome(ctx domain.Context, sig domain.Signal) {
	if sig.Message == nil {
		return
	}
	sagaID := sig.Message.Header(domain.HeaderSagaID)
	stepID := sig.Message.Header(domain.HeaderSagaStepID)
	if sagaID == "" || stepID == "" {
		return
	}
	kind := sig.Message.Header(domain.HeaderSagaStepKind)
	success := sig.Kind == domain.SignalTaskSuccess

	log := observability.LoggerFromContext(ctx).With(
		slog.String("saga_id", sagaID),
		slog.String("step_id", stepID),
		slog.String("kind", kind))

	var err error
	switch kind {
	case StepKindCompensate:
		err = c.settleCompensation(ctx, sagaID, stepID, sig, success)
	default:
		if success {
			err = c.completeStep(ctx, sagaID, stepID, sig)
		} else {
			err = c.failStep(ctx, sagaID, stepID, sig)
		}
	}
	if err != nil {
		log.Error("saga transition failed", slog.Any("error", err))
	}
}

// completeStep marks the step done and either publishes the next step or
// lets the store complete the saga.
func (c *Coordinator) completeStep(ctx domain.Context, sagaID, stepID string, sig domain.Signal) error {
	var result []byte
	if sig.Result != nil {
		result = sig.Result.Result
	}
	if _, err := c.store.UpdateStepState(ctx, sagaID, stepID, domain.StepUpdate{
		State:  domain.StepCompleted,
		TaskID: sig.TaskID,
		Result: result,
	}); err != nil {
		return fmt.Errorf("op=saga.complete_step: %w", err)
	}
	s, err := c.store.AdvanceStep(ctx, sagaID)
	if err != nil {
		return fmt.Errorf("op=saga.complete_step: %w", err)
	}
	if s.State != domain.SagaExecuting {
		return nil
	}
	next := s.CurrentStep()
	if next == nil {
		return nil
	}
	return c.publishStep(ctx, sagaID, next)
}

// failStep records the failure; the store transitions the saga to
// Compensating or Failed. When compensating, every completed step with an
// undo task gets its compensation published.
func (c *Coordinator) failStep(ctx domain.Context, sagaID, stepID string, sig domain.Signal) error {
	s, err := c.store.UpdateStepState(ctx, sagaID, stepID, domain.StepUpdate{
		State:  domain.StepFailed,
		TaskID: sig.TaskID,
		Error:  sig.Err,
	})
	if err != nil {
		return fmt.Errorf("op=saga.fail_step: %w", err)
	}
	if s.State != domain.SagaCompensating {
		return nil
	}
	return c.publishCompensations(ctx, s)
}

// publishCompensations enqueues the undo task of every completed step, last
// completed first.
func (c *Coordinator) publishCompensations(ctx domain.Context, s *domain.Saga) error {
	for i := len(s.Steps) - 1; i >= 0; i-- {
		step := &s.Steps[i]
		if step.State != domain.StepCompleted || !step.HasCompensation() {
			continue
		}
		taskID, err := c.publishTask(ctx, s.ID, step.ID, StepKindCompensate, *step.CompensateTask)
		if err != nil {
			return fmt.Errorf("op=saga.compensate id=%s step=%s: %w", s.ID, step.ID, err)
		}
		if _, err := c.store.UpdateStepState(ctx, s.ID, step.ID, domain.StepUpdate{
			State:            domain.StepCompensating,
			CompensateTaskID: taskID,
		}); err != nil {
			return fmt.Errorf("op=saga.compensate id=%s step=%s: %w", s.ID, step.ID, err)
		}
	}
	return nil
}

// settleCompensation records one compensation outcome; the store finishes
// the saga once nothing remains to compensate.
func (c *Coordinator) settleCompensation(ctx domain.Context, sagaID, stepID string, sig domain.Signal, success bool) error {
	if _, err := c.store.MarkStepCompensated(ctx, sagaID, stepID, success, sig.TaskID, sig.Err); err != nil {
		return fmt.Errorf("op=saga.settle_compensation: %w", err)
	}
	return nil
}

// publishStep enqueues the step's forward task and marks it executing.
func (c *Coordinator) publishStep(ctx domain.Context, sagaID string, step *domain.SagaStep) error {
	taskID, err := c.publishTask(ctx, sagaID, step.ID, StepKindExecute, step.ExecuteTask)
	if err != nil {
		return fmt.Errorf("op=saga.publish_step id=%s step=%s: %w", sagaID, step.ID, err)
	}
	if _, err := c.store.UpdateStepState(ctx, sagaID, step.ID, domain.StepUpdate{
		State:  domain.StepExecuting,
		TaskID: taskID,
	}); err != nil {
		return fmt.Errorf("op=saga.publish_step id=%s step=%s: %w", sagaID, step.ID, err)
	}
	return nil
}

func (c *Coordinator) publishTask(ctx domain.Context, sagaID, stepID, kind string, sigTask domain.TaskSignature) (string, error) {
	var payload any
	if len(sigTask.Payload) > 0 {
		payload = json.RawMessage(sigTask.Payload)
	}
	return c.publisher.Enqueue(ctx, sigTask.TaskName, payload, func(m *domain.TaskMessage) {
		if m.Headers == nil {
			m.Headers = map[string]string{}
		}
		m.Headers[domain.HeaderSagaID] = sagaID
		m.Headers[domain.HeaderSagaStepID] = stepID
		m.Headers[domain.HeaderSagaStepKind] = kind
		if sigTask.Queue != "" {
			m.Queue = sigTask.Queue
		}
	})
}
