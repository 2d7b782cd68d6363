package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/go-taskqueue/internal/cron"
	"github.com/fairyhunter13/go-taskqueue/internal/domain"
	"github.com/fairyhunter13/go-taskqueue/internal/observability"
)

// Publisher is the slice of the producer client the cron service needs.
type Publisher interface {
	Enqueue(ctx domain.Context, taskName string, payload any, opts ...func(*domain.TaskMessage)) (string, error)
}

// Entry is one recurring task: a cron schedule and the task it fires.
type Entry struct {
	Name     string
	Schedule *cron.Schedule
	TaskName string
	Queue    string
	// Payload builds the task input per firing; nil sends an empty
	// payload.
	Payload func() any

	next time.Time
}

// CronService fires registered entries at their next occurrences. It is
// beat-style: the next occurrence is derived from the expression every
// time, nothing is persisted.
type CronService struct {
	publisher Publisher
	loc       *time.Location

	mu      sync.Mutex
	entries []*Entry

	now func() time.Time
}

// NewCronService creates a service publishing through publisher in loc
// (nil means time.Local).
func NewCronService(publisher Publisher, loc *time.Location) *CronService {
	if loc == nil {
		loc = time.Local
	}
	return &CronService{publisher: publisher, loc: loc, now: time.Now}
}

// Register parses expr and adds a recurring entry.
func (s *CronService) Register(name, expr, taskName, queue string, payload func() any) error {
	sched, err := cron.Parse(expr)
	if err != nil {
		return fmt.Errorf("op=cron.register name=%s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &Entry{
		Name:     name,
		Schedule: sched,
		TaskName: taskName,
		Queue:    queue,
		Payload:  payload,
	})
	return nil
}

// Run fires entries until ctx is cancelled. An entry whose expression has
// no further occurrence inside the search horizon is dropped.
func (s *CronService) Run(ctx domain.Context) error {
	log := observability.LoggerFromContext(ctx)
	for {
		entry, at, ok := s.nextEntry()
		if !ok {
			// Nothing schedulable; wait for cancellation.
			<-ctx.Done()
			return ctx.Err()
		}

		wait := at.Sub(s.now())
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		s.fire(ctx, log, entry, at)
	}
}

// nextEntry computes every entry's next occurrence and returns the
// earliest one.
func (s *CronService) nextEntry() (*Entry, time.Time, bool) {
	now := s.now().In(s.loc)
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Entry
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.next.IsZero() || !e.next.After(now.Add(-time.Second)) {
			next, ok := e.Schedule.Next(now)
			if !ok {
				slog.Warn("cron entry has no future occurrence, dropping",
					slog.String("entry", e.Name))
				continue
			}
			e.next = next
		}
		kept = append(kept, e)
		if best == nil || e.next.Before(best.next) {
			best = e
		}
	}
	s.entries = kept
	if best == nil {
		return nil, time.Time{}, false
	}
	return best, best.next, true
}

func (s *CronService) fire(ctx domain.Context, log *slog.Logger, entry *Entry, at time.Time) {
	var payload any
	if entry.Payload != nil {
		payload = entry.Payload()
	}
	opts := []func(*domain.TaskMessage){
		func(m *domain.TaskMessage) {
			if m.Headers == nil {
				m.Headers = map[string]string{}
			}
			m.Headers[domain.HeaderScheduledName] = entry.Name
			if entry.Queue != "" {
				m.Queue = entry.Queue
			}
		},
	}
	id, err := s.publisher.Enqueue(ctx, entry.TaskName, payload, opts...)
	if err != nil {
		log.Error("cron fire failed",
			slog.String("entry", entry.Name),
			slog.String("task", entry.TaskName),
			slog.Any("error", err))
	} else {
		log.Debug("cron entry fired",
			slog.String("entry", entry.Name),
			slog.String("task_id", id),
			slog.Time("at", at))
	}

	// Advance past the occurrence just fired.
	s.mu.Lock()
	if next, ok := entry.Schedule.Next(at.Add(time.Second)); ok {
		entry.next = next
	} else {
		entry.next = time.Time{}
	}
	s.mu.Unlock()
}
