// Package breaker gates queue consumption behind failure-rate state
// machines: a per-queue circuit breaker and a process-wide kill switch.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and operations are allowed.
	StateClosed State = iota
	// StateOpen indicates the circuit is open and operations are blocked for a timeout period.
	StateOpen
	// StateHalfOpen indicates a trial state where limited operations are allowed to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Options configure a circuit breaker.
type Options struct {
	FailureThreshold int
	SuccessThreshold int
	OpenDuration     time.Duration
	FailureWindow    time.Duration
	// TripOn, when non-empty, restricts which errors count as failures.
	TripOn []error
	// Ignore lists errors that never affect breaker state.
	Ignore []error
	// PerQueue selects one breaker per queue in a Set instead of a shared
	// one.
	PerQueue bool
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.SuccessThreshold <= 0 {
		o.SuccessThreshold = 2
	}
	if o.OpenDuration <= 0 {
		o.OpenDuration = 30 * time.Second
	}
	if o.FailureWindow <= 0 {
		o.FailureWindow = time.Minute
	}
	return o
}

// CircuitOpenError is returned by Execute while the circuit is open.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q open, retry in %s", e.Name, e.RetryAfter)
}

// StateChange describes one breaker transition.
type StateChange struct {
	Name string
	From State
	To   State
	At   time.Time
}

// CircuitBreaker is a named Closed/Open/HalfOpen state machine. Observers
// are always invoked after the internal lock is released.
type CircuitBreaker struct {
	name string
	opts Options

	mu           sync.Mutex
	state        State
	failures     []time.Time
	successCount int
	lastOpenedAt time.Time
	lastFailure  time.Time
	generation   uint64
	timer        *time.Timer
	observers    []func(StateChange)

	now func() time.Time
}

// New creates a circuit breaker with the given name.
func New(name string, opts Options) *CircuitBreaker {
	return &CircuitBreaker{
		name:  name,
		opts:  opts.withDefaults(),
		state: StateClosed,
		now:   time.Now,
	}
}

// OnStateChange registers an observer for transitions.
func (cb *CircuitBreaker) OnStateChange(fn func(StateChange)) {
	cb.mu.Lock()
	cb.observers = append(cb.observers, fn)
	cb.mu.Unlock()
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	notify := cb.maybeHalfOpenLocked()
	state := cb.state
	cb.mu.Unlock()
	runAll(notify)
	return state
}

// Allow reports whether an operation may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	notify := cb.maybeHalfOpenLocked()
	allowed := cb.state != StateOpen
	cb.mu.Unlock()
	runAll(notify)
	return allowed
}

// maybeHalfOpenLocked is the fallback for a lost timer: an expired open
// period observed by any caller still transitions the breaker.
func (cb *CircuitBreaker) maybeHalfOpenLocked() []func() {
	if cb.state == StateOpen && cb.now().Sub(cb.lastOpenedAt) >= cb.opts.OpenDuration {
		return cb.transitionLocked(StateHalfOpen)
	}
	return nil
}

// RecordSuccess records a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var notify []func()
	switch cb.state {
	case StateClosed:
		cb.failures = cb.failures[:0]
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.opts.SuccessThreshold {
			notify = cb.transitionLocked(StateClosed)
		}
	}
	cb.mu.Unlock()
	runAll(notify)
}

// RecordFailure records a failed operation.
func (cb *CircuitBreaker) RecordFailure() {
	now := cb.now()
	cb.mu.Lock()
	var notify []func()
	cb.lastFailure = now
	switch cb.state {
	case StateClosed:
		cutoff := now.Add(-cb.opts.FailureWindow)
		kept := cb.failures[:0]
		for _, at := range cb.failures {
			if at.After(cutoff) {
				kept = append(kept, at)
			}
		}
		cb.failures = append(kept, now)
		if len(cb.failures) >= cb.opts.FailureThreshold {
			notify = cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		notify = cb.transitionLocked(StateOpen)
	}
	cb.mu.Unlock()
	runAll(notify)
}

// RecordOutcome classifies err and records it: nil is a success, ignored
// errors are neutral, and with a non-empty TripOn list only matching
// errors count as failures.
func (cb *CircuitBreaker) RecordOutcome(err error) {
	if err == nil {
		cb.RecordSuccess()
		return
	}
	for _, ig := range cb.opts.Ignore {
		if errors.Is(err, ig) {
			return
		}
	}
	if len(cb.opts.TripOn) > 0 {
		matched := false
		for _, tr := range cb.opts.TripOn {
			if errors.Is(err, tr) {
				matched = true
				break
			}
		}
		if !matched {
			return
		}
	}
	cb.RecordFailure()
}

// Execute runs op through the breaker: fast-fails with CircuitOpenError
// while open, otherwise records the outcome.
func (cb *CircuitBreaker) Execute(op func() error) error {
	if !cb.Allow() {
		return &CircuitOpenError{Name: cb.name, RetryAfter: cb.retryAfter()}
	}
	err := op()
	cb.RecordOutcome(err)
	return err
}

func (cb *CircuitBreaker) retryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	remaining := cb.opts.OpenDuration - cb.now().Sub(cb.lastOpenedAt)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var notify []func()
	if cb.state != StateClosed {
		notify = cb.transitionLocked(StateClosed)
	} else {
		cb.failures = cb.failures[:0]
		cb.successCount = 0
	}
	cb.mu.Unlock()
	runAll(notify)
}

// Stats returns a snapshot for logging and admin surfaces.
func (cb *CircuitBreaker) Stats() map[string]any {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]any{
		"name":          cb.name,
		"state":         cb.state.String(),
		"failure_count": len(cb.failures),
		"success_count": cb.successCount,
		"last_opened":   cb.lastOpenedAt.Format(time.RFC3339),
		"last_failure":  cb.lastFailure.Format(time.RFC3339),
	}
}

// transitionLocked switches state and returns the observer invocations to
// run once the lock is released.
func (cb *CircuitBreaker) transitionLocked(to State) []func() {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	cb.generation++
	if cb.timer != nil {
		cb.timer.Stop()
		cb.timer = nil
	}

	switch to {
	case StateOpen:
		cb.lastOpenedAt = cb.now()
		gen := cb.generation
		cb.timer = time.AfterFunc(cb.opts.OpenDuration, func() {
			cb.mu.Lock()
			var notify []func()
			if cb.state == StateOpen && cb.generation == gen {
				notify = cb.transitionLocked(StateHalfOpen)
			}
			cb.mu.Unlock()
			runAll(notify)
		})
		slog.Warn("circuit breaker opened",
			slog.String("name", cb.name),
			slog.Int("failure_count", len(cb.failures)))
	case StateHalfOpen:
		cb.successCount = 0
		slog.Info("circuit breaker half-open", slog.String("name", cb.name))
	case StateClosed:
		cb.failures = cb.failures[:0]
		cb.successCount = 0
		slog.Info("circuit breaker closed", slog.String("name", cb.name))
	}

	change := StateChange{Name: cb.name, From: from, To: to, At: cb.now()}
	notify := make([]func(), 0, len(cb.observers))
	for _, obs := range cb.observers {
		obs := obs
		notify = append(notify, func() { obs(change) })
	}
	return notify
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// Set hands out breakers by queue name, or one shared breaker when
// PerQueue is disabled.
type Set struct {
	opts Options

	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	observers []func(StateChange)
}

// NewSet creates a breaker set.
func NewSet(opts Options) *Set {
	return &Set{opts: opts.withDefaults(), breakers: make(map[string]*CircuitBreaker)}
}

// OnStateChange registers an observer applied to every breaker in the set,
// including ones created later.
func (s *Set) OnStateChange(fn func(StateChange)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	existing := make([]*CircuitBreaker, 0, len(s.breakers))
	for _, cb := range s.breakers {
		existing = append(existing, cb)
	}
	s.mu.Unlock()
	for _, cb := range existing {
		cb.OnStateChange(fn)
	}
}

// For returns the breaker guarding the given queue.
func (s *Set) For(queue string) *CircuitBreaker {
	key := queue
	if !s.opts.PerQueue {
		key = "all"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[key]; ok {
		return cb
	}
	cb := New(key, s.opts)
	for _, fn := range s.observers {
		cb.OnStateChange(fn)
	}
	s.breakers[key] = cb
	return cb
}
