package domain

import "time"

// RateLimitPolicy is a sliding-window admission policy. ResourceKey, when
// set, overrides the default per-task key so unrelated tasks can share one
// window.
type RateLimitPolicy struct {
	Limit       int           `json:"limit"`
	Window      time.Duration `json:"window"`
	ResourceKey string        `json:"resource_key,omitempty"`
}

// KeyFor resolves the window key for a task name.
func (p RateLimitPolicy) KeyFor(taskName string) string {
	if p.ResourceKey != "" {
		return p.ResourceKey
	}
	return taskName
}

// RateLimitLease is the outcome of one admission attempt. When Acquired is
// false, RetryAfter estimates when the oldest counted entry leaves the
// window.
type RateLimitLease struct {
	Acquired   bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// TimeLimitPolicy bounds one execution. Soft, when set, must be below Hard.
type TimeLimitPolicy struct {
	Soft time.Duration `json:"soft,omitempty"`
	Hard time.Duration `json:"hard,omitempty"`
}

// Validate rejects inverted limits.
func (p TimeLimitPolicy) Validate() error {
	if p.Soft > 0 && p.Hard > 0 && p.Soft >= p.Hard {
		return ErrInvalidArgument
	}
	return nil
}
