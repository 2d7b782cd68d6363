package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// KillState represents the state of the consumption kill switch.
type KillState int

const (
	// KillReady allows consumption; too few samples to evaluate.
	KillReady KillState = iota
	// KillTracking allows consumption while the failure ratio is evaluated.
	KillTracking
	// KillTripped blocks consumption.
	KillTripped
	// KillRestarting is the transient state while the gate reopens.
	KillRestarting
)

func (s KillState) String() string {
	switch s {
	case KillReady:
		return "ready"
	case KillTracking:
		return "tracking"
	case KillTripped:
		return "tripped"
	case KillRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// KillSwitchOptions configure the kill switch.
type KillSwitchOptions struct {
	// ActivationThreshold is the minimum number of samples in the window
	// before the failure ratio is evaluated.
	ActivationThreshold int
	// TripThreshold is the failure ratio in [0,1] that trips the switch.
	TripThreshold float64
	// TrackingWindow bounds the age of samples considered.
	TrackingWindow time.Duration
	// RestartTimeout is how long consumption stays blocked before the
	// switch restarts on its own.
	RestartTimeout time.Duration
	TripOn         []error
	Ignore         []error
}

func (o KillSwitchOptions) withDefaults() KillSwitchOptions {
	if o.ActivationThreshold <= 0 {
		o.ActivationThreshold = 10
	}
	if o.TripThreshold <= 0 || o.TripThreshold > 1 {
		o.TripThreshold = 0.8
	}
	if o.TrackingWindow <= 0 {
		o.TrackingWindow = time.Minute
	}
	if o.RestartTimeout <= 0 {
		o.RestartTimeout = 30 * time.Second
	}
	return o
}

type killSample struct {
	at time.Time
	ok bool
}

// KillSwitch halts all consumption when the recent failure ratio crosses a
// threshold, then reopens after a restart timeout. The gate channel is
// closed whenever consumption is allowed.
type KillSwitch struct {
	opts KillSwitchOptions

	mu        sync.Mutex
	state     KillState
	samples   []killSample
	gate      chan struct{}
	timer     *time.Timer
	trips     int
	observers []func(from, to KillState)

	now func() time.Time
}

// NewKillSwitch creates a kill switch in the Ready state with an open gate.
func NewKillSwitch(opts KillSwitchOptions) *KillSwitch {
	gate := make(chan struct{})
	close(gate)
	return &KillSwitch{
		opts:  opts.withDefaults(),
		state: KillReady,
		gate:  gate,
		now:   time.Now,
	}
}

// OnStateChange registers an observer for transitions.
func (ks *KillSwitch) OnStateChange(fn func(from, to KillState)) {
	ks.mu.Lock()
	ks.observers = append(ks.observers, fn)
	ks.mu.Unlock()
}

// State returns the current state.
func (ks *KillSwitch) State() KillState {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.state
}

// Trips returns how many times the switch has tripped.
func (ks *KillSwitch) Trips() int {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.trips
}

// WaitUntilReady blocks while the switch is tripped. It returns nil as
// soon as consumption is allowed, or the context error.
func (ks *KillSwitch) WaitUntilReady(ctx context.Context) error {
	ks.mu.Lock()
	gate := ks.gate
	ks.mu.Unlock()
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Record classifies one task outcome and re-evaluates the trip condition.
func (ks *KillSwitch) Record(err error) {
	ok := err == nil
	if !ok {
		for _, ig := range ks.opts.Ignore {
			if errors.Is(err, ig) {
				return
			}
		}
		if len(ks.opts.TripOn) > 0 {
			matched := false
			for _, tr := range ks.opts.TripOn {
				if errors.Is(err, tr) {
					matched = true
					break
				}
			}
			if !matched {
				return
			}
		}
	}

	now := ks.now()
	ks.mu.Lock()
	var notify []func()
	if ks.state == KillTripped || ks.state == KillRestarting {
		ks.mu.Unlock()
		return
	}

	cutoff := now.Add(-ks.opts.TrackingWindow)
	kept := ks.samples[:0]
	for _, s := range ks.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	ks.samples = append(kept, killSample{at: now, ok: ok})

	total := len(ks.samples)
	if ks.state == KillReady && total >= ks.opts.ActivationThreshold {
		notify = append(notify, ks.transitionLocked(KillTracking)...)
	}
	if ks.state == KillTracking {
		failed := 0
		for _, s := range ks.samples {
			if !s.ok {
				failed++
			}
		}
		if total >= ks.opts.ActivationThreshold &&
			float64(failed)/float64(total) >= ks.opts.TripThreshold {
			notify = append(notify, ks.tripLocked(failed, total)...)
		}
	}
	ks.mu.Unlock()
	runAll(notify)
}

func (ks *KillSwitch) tripLocked(failed, total int) []func() {
	notify := ks.transitionLocked(KillTripped)
	ks.trips++
	ks.gate = make(chan struct{})
	ks.samples = ks.samples[:0]
	slog.Error("kill switch tripped, halting consumption",
		slog.Int("failed", failed),
		slog.Int("total", total),
		slog.Duration("restart_in", ks.opts.RestartTimeout))
	ks.timer = time.AfterFunc(ks.opts.RestartTimeout, ks.restart)
	return notify
}

// restart runs after RestartTimeout to drop the tracked window and reopen
// the gate.
func (ks *KillSwitch) restart() {
	ks.mu.Lock()
	var notify []func()
	if ks.state == KillTripped {
		notify = append(notify, ks.transitionLocked(KillRestarting)...)
		ks.samples = ks.samples[:0]
		notify = append(notify, ks.releaseLocked()...)
	}
	ks.mu.Unlock()
	runAll(notify)
}

// Reset force-releases the gate regardless of state. It is idempotent.
func (ks *KillSwitch) Reset() {
	ks.mu.Lock()
	var notify []func()
	if ks.timer != nil {
		ks.timer.Stop()
		ks.timer = nil
	}
	ks.samples = ks.samples[:0]
	notify = ks.releaseLocked()
	ks.mu.Unlock()
	runAll(notify)
}

func (ks *KillSwitch) releaseLocked() []func() {
	notify := ks.transitionLocked(KillReady)
	select {
	case <-ks.gate:
	default:
		close(ks.gate)
	}
	if len(notify) > 0 {
		slog.Info("kill switch released, consumption resumed")
	}
	return notify
}

func (ks *KillSwitch) transitionLocked(to KillState) []func() {
	from := ks.state
	if from == to {
		return nil
	}
	ks.state = to
	notify := make([]func(), 0, len(ks.observers))
	for _, obs := range ks.observers {
		obs := obs
		notify = append(notify, func() { obs(from, to) })
	}
	return notify
}
