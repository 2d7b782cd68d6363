package domain

import "time"

// DeadLetter is a terminally-failed message parked for inspection or manual
// requeue. Entries are ordered by StoredAt; the store is capped and evicts
// oldest first.
type DeadLetter struct {
	ID        string       `json:"id"`
	Message   *TaskMessage `json:"message"`
	Queue     string       `json:"queue"`
	Reason    string       `json:"reason"`
	LastError string       `json:"last_error,omitempty"`
	Retries   int          `json:"retries"`
	StoredAt  time.Time    `json:"stored_at"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
}

// Expired reports whether the entry's retention window has passed.
func (d *DeadLetter) Expired(now time.Time) bool {
	return d.ExpiresAt != nil && !now.Before(*d.ExpiresAt)
}
