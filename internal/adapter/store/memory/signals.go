package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

// SignalStore queues signal messages FIFO with claim tracking.
type SignalStore struct {
	mu      sync.Mutex
	pending []*domain.SignalMessage
	claimed map[string]*domain.SignalMessage

	now func() time.Time
}

// NewSignalStore creates an empty in-memory signal store.
func NewSignalStore() *SignalStore {
	return &SignalStore{claimed: make(map[string]*domain.SignalMessage), now: time.Now}
}

// Enqueue appends the message, assigning ID and CreatedAt when unset.
func (s *SignalStore) Enqueue(_ domain.Context, msg *domain.SignalMessage) error {
	if msg == nil {
		return fmt.Errorf("op=signals.enqueue: %w: nil message", domain.ErrInvalidArgument)
	}
	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.Payload = append([]byte(nil), msg.Payload...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, &stored)
	return nil
}

// Dequeue claims up to limit messages from the head of the queue.
func (s *SignalStore) Dequeue(_ domain.Context, limit int) ([]*domain.SignalMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := limit
	if n > len(s.pending) {
		n = len(s.pending)
	}
	out := make([]*domain.SignalMessage, 0, n)
	for _, msg := range s.pending[:n] {
		msg.Attempts++
		s.claimed[msg.ID] = msg
		cp := *msg
		cp.Payload = append([]byte(nil), msg.Payload...)
		out = append(out, &cp)
	}
	s.pending = append(s.pending[:0:0], s.pending[n:]...)
	return out, nil
}

// Acknowledge settles a claimed message.
func (s *SignalStore) Acknowledge(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claimed[id]; !ok {
		return fmt.Errorf("op=signals.ack id=%s: %w", id, domain.ErrNotFound)
	}
	delete(s.claimed, id)
	return nil
}

// Reject drops a claimed message or puts it back on the queue.
func (s *SignalStore) Reject(_ domain.Context, id string, requeue bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.claimed[id]
	if !ok {
		return fmt.Errorf("op=signals.reject id=%s: %w", id, domain.ErrNotFound)
	}
	delete(s.claimed, id)
	if requeue {
		s.pending = append(s.pending, msg)
	}
	return nil
}

// PendingCount returns the unclaimed backlog size.
func (s *SignalStore) PendingCount(domain.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.pending)), nil
}
