package domain

import "time"

// RevokeSignal selects how an in-flight task should observe revocation.
// Graceful lets the handler finish its current suspension point; Immediate
// cancels the linked token right away. There is no forced goroutine kill.
type RevokeSignal string

const (
	SignalGraceful  RevokeSignal = "graceful"
	SignalImmediate RevokeSignal = "immediate"
)

// RevokeOptions qualify a revocation request.
type RevokeOptions struct {
	Terminate bool          `json:"terminate"`
	Signal    RevokeSignal  `json:"signal,omitempty"`
	Expiry    time.Duration `json:"expiry,omitempty"`
}

// CancelsRunning reports whether a running task should be cancelled rather
// than merely skipped before start.
func (o RevokeOptions) CancelsRunning() bool {
	return o.Terminate || o.Signal == SignalImmediate
}

// RevocationEntry is the stored form of one revoked task ID.
type RevocationEntry struct {
	TaskID    string        `json:"task_id"`
	Options   RevokeOptions `json:"options"`
	RevokedAt time.Time     `json:"revoked_at"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
}

// Expired reports whether the entry no longer applies.
func (e RevocationEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// RevocationEvent is published on the revocation channel whenever a task is
// revoked, so that workers holding the task can cancel it.
type RevocationEvent struct {
	TaskID    string        `json:"task_id"`
	Options   RevokeOptions `json:"options"`
	Timestamp time.Time     `json:"timestamp"`
}
