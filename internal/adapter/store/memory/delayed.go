package memory

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

type delayedKey struct {
	at time.Time
	id string
}

func compareDelayedKeys(a, b interface{}) int {
	ka, kb := a.(delayedKey), b.(delayedKey)
	switch {
	case ka.at.Before(kb.at):
		return -1
	case ka.at.After(kb.at):
		return 1
	default:
		return strings.Compare(ka.id, kb.id)
	}
}

// DelayedStore orders scheduled messages by delivery time in a tree map
// with a task-ID index for replacement and cancellation.
type DelayedStore struct {
	mu     sync.Mutex
	byTime *treemap.Map // delayedKey -> *domain.TaskMessage
	byID   map[string]delayedKey
	wake   chan struct{}
}

// NewDelayedStore creates an empty in-memory delayed store.
func NewDelayedStore() *DelayedStore {
	return &DelayedStore{
		byTime: treemap.NewWith(compareDelayedKeys),
		byID:   make(map[string]delayedKey),
		wake:   make(chan struct{}, 1),
	}
}

// Wake signals whenever a newly added message becomes the earliest one,
// so a dispatcher can re-arm its timer before the next tick.
func (s *DelayedStore) Wake() <-chan struct{} { return s.wake }

// Add schedules msg for deliveryTime, replacing any earlier schedule for
// the same task ID.
func (s *DelayedStore) Add(_ domain.Context, msg *domain.TaskMessage, deliveryTime time.Time) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("op=delayed.add: %w: missing task id", domain.ErrInvalidArgument)
	}
	key := delayedKey{at: deliveryTime.UTC(), id: msg.ID}

	s.mu.Lock()
	if old, ok := s.byID[msg.ID]; ok {
		s.byTime.Remove(old)
	}
	becameEarliest := true
	if minKey, _ := s.byTime.Min(); minKey != nil {
		becameEarliest = compareDelayedKeys(key, minKey) < 0
	}
	s.byTime.Put(key, msg.Clone())
	s.byID[msg.ID] = key
	s.mu.Unlock()

	if becameEarliest {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// DueMessages claims every message due at or before now, ordered by
// delivery time.
func (s *DelayedStore) DueMessages(_ domain.Context, now time.Time) ([]*domain.TaskMessage, error) {
	cutoff := now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.TaskMessage
	it := s.byTime.Iterator()
	for it.Next() {
		key := it.Key().(delayedKey)
		if key.at.After(cutoff) {
			break
		}
		due = append(due, it.Value().(*domain.TaskMessage))
	}
	for _, msg := range due {
		key := s.byID[msg.ID]
		s.byTime.Remove(key)
		delete(s.byID, msg.ID)
	}
	return due, nil
}

// Remove cancels a scheduled message.
func (s *DelayedStore) Remove(_ domain.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.byID[taskID]
	if !ok {
		return false, nil
	}
	s.byTime.Remove(key)
	delete(s.byID, taskID)
	return true, nil
}

// PendingCount returns the number of scheduled messages.
func (s *DelayedStore) PendingCount(domain.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.byTime.Size()), nil
}

// NextDeliveryTime returns the earliest scheduled time.
func (s *DelayedStore) NextDeliveryTime(domain.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	minKey, _ := s.byTime.Min()
	if minKey == nil {
		return time.Time{}, false, nil
	}
	return minKey.(delayedKey).at, true, nil
}
