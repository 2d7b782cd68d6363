package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

func newBatch(id string, taskIDs ...string) *domain.Batch {
	return &domain.Batch{ID: id, Name: "demo", TaskIDs: taskIDs}
}

func TestBatchCreateAndGet(t *testing.T) {
	s := NewBatchStore()
	if err := s.Create(context.Background(), newBatch("b1", "a", "b")); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Get(context.Background(), "b1")
	if err != nil || got == nil {
		t.Fatalf("get = (%v, %v)", got, err)
	}
	if got.State != domain.BatchPending || got.CreatedAt.IsZero() {
		t.Fatalf("defaults not applied: %+v", got)
	}

	if err := s.Create(context.Background(), newBatch("b1", "x")); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate create err = %v, want ErrConflict", err)
	}
	missing, err := s.Get(context.Background(), "nope")
	if missing != nil || err != nil {
		t.Fatalf("missing = (%v, %v), want (nil, nil)", missing, err)
	}
}

func TestBatchMixedOutcomeIsPartiallyCompleted(t *testing.T) {
	s := NewBatchStore()
	_ = s.Create(context.Background(), newBatch("b1", "a", "b", "c"))

	b, err := s.MarkTaskCompleted(context.Background(), "a")
	if err != nil {
		t.Fatalf("mark a: %v", err)
	}
	if b.State != domain.BatchProcessing {
		t.Fatalf("state after first mark = %v, want processing", b.State)
	}
	if b.Progress() != 33 {
		t.Fatalf("progress = %d, want 33", b.Progress())
	}

	b, _ = s.MarkTaskFailed(context.Background(), "b")
	if b.State != domain.BatchProcessing {
		t.Fatalf("state after 2/3 = %v", b.State)
	}

	b, _ = s.MarkTaskCompleted(context.Background(), "c")
	if b.State != domain.BatchPartiallyCompleted {
		t.Fatalf("final state = %v, want partially_completed", b.State)
	}
	if b.Progress() != 100 {
		t.Fatalf("final progress = %d, want 100", b.Progress())
	}
	if b.CompletedAt == nil {
		t.Fatal("completedAt not stamped")
	}
}

func TestBatchAllCompleted(t *testing.T) {
	s := NewBatchStore()
	_ = s.Create(context.Background(), newBatch("b1", "a", "b"))
	_, _ = s.MarkTaskCompleted(context.Background(), "a")
	b, _ := s.MarkTaskCompleted(context.Background(), "b")
	if b.State != domain.BatchCompleted {
		t.Fatalf("state = %v, want completed", b.State)
	}
}

func TestBatchAllFailed(t *testing.T) {
	s := NewBatchStore()
	_ = s.Create(context.Background(), newBatch("b1", "a", "b"))
	_, _ = s.MarkTaskFailed(context.Background(), "a")
	b, _ := s.MarkTaskFailed(context.Background(), "b")
	if b.State != domain.BatchFailed {
		t.Fatalf("state = %v, want failed", b.State)
	}
}

func TestBatchMarkUnknownTaskReturnsNilNil(t *testing.T) {
	s := NewBatchStore()
	_ = s.Create(context.Background(), newBatch("b1", "a"))
	b, err := s.MarkTaskCompleted(context.Background(), "unrelated")
	if b != nil || err != nil {
		t.Fatalf("mark unknown = (%v, %v), want (nil, nil)", b, err)
	}
}

func TestBatchDuplicateMarkIsIdempotent(t *testing.T) {
	s := NewBatchStore()
	_ = s.Create(context.Background(), newBatch("b1", "a", "b"))
	_, _ = s.MarkTaskCompleted(context.Background(), "a")
	b, _ := s.MarkTaskCompleted(context.Background(), "a")
	if b.CompletedCount() != 1 {
		t.Fatalf("completed count = %d, want 1", b.CompletedCount())
	}
	// A task already settled cannot move to the other set.
	b, _ = s.MarkTaskFailed(context.Background(), "a")
	if b.FailedCount() != 0 {
		t.Fatalf("failed count = %d, want 0", b.FailedCount())
	}
}

func TestBatchConcurrentMarksLoseNothing(t *testing.T) {
	s := NewBatchStore()
	taskIDs := make([]string, 50)
	for i := range taskIDs {
		taskIDs[i] = string(rune('A' + i%26)) + string(rune('a'+i/26)) + "x"
	}
	// Build distinct IDs.
	for i := range taskIDs {
		taskIDs[i] = taskIDs[i] + string(rune('0'+i%10)) + string(rune('0'+i/10))
	}
	_ = s.Create(context.Background(), newBatch("b1", taskIDs...))

	var wg sync.WaitGroup
	for i, id := range taskIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = s.MarkTaskCompleted(context.Background(), id)
			} else {
				_, _ = s.MarkTaskFailed(context.Background(), id)
			}
		}(i, id)
	}
	wg.Wait()

	b, _ := s.Get(context.Background(), "b1")
	if b.CompletedCount()+b.FailedCount() != len(taskIDs) {
		t.Fatalf("settled = %d, want %d", b.CompletedCount()+b.FailedCount(), len(taskIDs))
	}
	if b.State != domain.BatchPartiallyCompleted {
		t.Fatalf("state = %v, want partially_completed", b.State)
	}
}

func TestBatchCancel(t *testing.T) {
	s := NewBatchStore()
	_ = s.Create(context.Background(), newBatch("b1", "a", "b"))

	b, err := s.Cancel(context.Background(), "b1")
	if err != nil || b.State != domain.BatchCancelled {
		t.Fatalf("cancel = (%+v, %v)", b, err)
	}
	// Marks after cancellation do not resurrect the batch.
	b, _ = s.MarkTaskCompleted(context.Background(), "a")
	if b.State != domain.BatchCancelled || b.CompletedCount() != 0 {
		t.Fatalf("after-cancel mark changed batch: %+v", b)
	}
}

func TestBatchDelete(t *testing.T) {
	s := NewBatchStore()
	_ = s.Create(context.Background(), newBatch("b1", "a"))
	if err := s.Delete(context.Background(), "b1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ := s.Get(context.Background(), "b1")
	if got != nil {
		t.Fatal("batch present after delete")
	}
	// The task index entry is gone with it.
	b, _ := s.MarkTaskCompleted(context.Background(), "a")
	if b != nil {
		t.Fatal("task index survived delete")
	}
}
