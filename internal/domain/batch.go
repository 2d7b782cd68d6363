package domain

import "time"

// BatchState is the aggregated completion state of a task group.
type BatchState string

const (
	BatchPending            BatchState = "pending"
	BatchProcessing         BatchState = "processing"
	BatchCompleted          BatchState = "completed"
	BatchFailed             BatchState = "failed"
	BatchPartiallyCompleted BatchState = "partially_completed"
	BatchCancelled          BatchState = "cancelled"
)

// IsTerminal reports whether the batch can no longer change state.
func (s BatchState) IsTerminal() bool {
	switch s {
	case BatchCompleted, BatchFailed, BatchPartiallyCompleted, BatchCancelled:
		return true
	default:
		return false
	}
}

// Batch groups task IDs under a joint completion state.
//
// Invariants: CompletedTaskIDs and FailedTaskIDs are disjoint subsets of
// TaskIDs; the batch reaches a terminal state exactly when every task ID
// appears in one of the two sets.
type Batch struct {
	ID               string     `json:"id"`
	Name             string     `json:"name,omitempty"`
	State            BatchState `json:"state"`
	TaskIDs          []string   `json:"task_ids"`
	CompletedTaskIDs []string   `json:"completed_task_ids,omitempty"`
	FailedTaskIDs    []string   `json:"failed_task_ids,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// CompletedCount returns how many tasks finished successfully.
func (b *Batch) CompletedCount() int { return len(b.CompletedTaskIDs) }

// FailedCount returns how many tasks failed.
func (b *Batch) FailedCount() int { return len(b.FailedTaskIDs) }

// IsFinished reports whether every task has landed in a completion set.
func (b *Batch) IsFinished() bool {
	return len(b.CompletedTaskIDs)+len(b.FailedTaskIDs) >= len(b.TaskIDs) && len(b.TaskIDs) > 0
}

// Progress is the integer percentage of settled tasks.
func (b *Batch) Progress() int {
	if len(b.TaskIDs) == 0 {
		return 0
	}
	return 100 * (len(b.CompletedTaskIDs) + len(b.FailedTaskIDs)) / len(b.TaskIDs)
}

// TerminalState derives the terminal state from the completion sets. Only
// meaningful when IsFinished.
func (b *Batch) TerminalState() BatchState {
	switch {
	case len(b.FailedTaskIDs) == 0:
		return BatchCompleted
	case len(b.CompletedTaskIDs) == 0:
		return BatchFailed
	default:
		return BatchPartiallyCompleted
	}
}

// Clone deep-copies the batch so stores never alias caller slices.
func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}
	cp := *b
	cp.TaskIDs = append([]string(nil), b.TaskIDs...)
	cp.CompletedTaskIDs = append([]string(nil), b.CompletedTaskIDs...)
	cp.FailedTaskIDs = append([]string(nil), b.FailedTaskIDs...)
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
