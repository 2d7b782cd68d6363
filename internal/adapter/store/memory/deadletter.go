package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

// DeadLetterStore parks failed messages in a capped map; over capacity it
// evicts the oldest entry.
type DeadLetterStore struct {
	mu      sync.Mutex
	entries map[string]*domain.DeadLetter
	max     int
	broker  domain.Broker

	now func() time.Time
}

// NewDeadLetterStore creates a store capped at maxMessages entries that
// requeues through broker.
func NewDeadLetterStore(maxMessages int, broker domain.Broker) *DeadLetterStore {
	if maxMessages <= 0 {
		maxMessages = 10000
	}
	return &DeadLetterStore{
		entries: make(map[string]*domain.DeadLetter),
		max:     maxMessages,
		broker:  broker,
		now:     time.Now,
	}
}

// Store inserts the entry, evicting the oldest when over capacity.
func (s *DeadLetterStore) Store(_ domain.Context, dl *domain.DeadLetter) error {
	if dl == nil || dl.Message == nil {
		return fmt.Errorf("op=deadletter.store: %w: missing message", domain.ErrInvalidArgument)
	}
	entry := *dl
	if entry.ID == "" {
		entry.ID = dl.Message.ID
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = s.now()
	}
	entry.Message = dl.Message.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = &entry
	for len(s.entries) > s.max {
		oldestID := ""
		var oldestAt time.Time
		for id, e := range s.entries {
			if oldestID == "" || e.StoredAt.Before(oldestAt) {
				oldestID, oldestAt = id, e.StoredAt
			}
		}
		delete(s.entries, oldestID)
	}
	return nil
}

// Get returns the entry or (nil, nil).
func (s *DeadLetterStore) Get(_ domain.Context, id string) (*domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	return cloneDeadLetter(entry), nil
}

// List pages entries ordered by StoredAt descending.
func (s *DeadLetterStore) List(_ domain.Context, limit, offset int) ([]*domain.DeadLetter, error) {
	s.mu.Lock()
	all := make([]*domain.DeadLetter, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].StoredAt.After(all[j].StoredAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	out := make([]*domain.DeadLetter, len(all))
	for i, e := range all {
		out[i] = cloneDeadLetter(e)
	}
	return out, nil
}

// Requeue removes the entry and republishes its message; on publish
// failure the entry is restored.
func (s *DeadLetterStore) Requeue(ctx domain.Context, id string) error {
	s.mu.Lock()
	entry, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("op=deadletter.requeue id=%s: %w", id, domain.ErrNotFound)
	}
	delete(s.entries, id)
	s.mu.Unlock()

	if err := s.broker.Publish(ctx, entry.Message.Clone()); err != nil {
		s.mu.Lock()
		s.entries[id] = entry
		s.mu.Unlock()
		return fmt.Errorf("op=deadletter.requeue id=%s: %w", id, err)
	}
	return nil
}

// CleanupExpired removes entries whose retention window has passed.
func (s *DeadLetterStore) CleanupExpired(_ domain.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

// Purge removes every entry.
func (s *DeadLetterStore) Purge(domain.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*domain.DeadLetter)
	return nil
}

// Count returns the number of stored entries.
func (s *DeadLetterStore) Count(domain.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}

func cloneDeadLetter(dl *domain.DeadLetter) *domain.DeadLetter {
	cp := *dl
	cp.Message = dl.Message.Clone()
	if dl.ExpiresAt != nil {
		t := *dl.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}
