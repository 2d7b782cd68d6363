package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

// subscriber decouples one Subscribe caller from publishers through an
// unbounded pending list, so a slow consumer never blocks Revoke.
type subscriber struct {
	mu      sync.Mutex
	pending []domain.RevocationEvent
	signal  chan struct{}
}

func (s *subscriber) push(ev domain.RevocationEvent) {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() []domain.RevocationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

// RevocationStore keeps revoked task IDs in a map and fans events out to
// subscribers in-process.
type RevocationStore struct {
	mu      sync.Mutex
	entries map[string]domain.RevocationEntry
	subs    map[int]*subscriber
	nextSub int
	done    chan struct{}
	closed  bool

	now func() time.Time
}

// NewRevocationStore creates an empty in-memory revocation store.
func NewRevocationStore() *RevocationStore {
	return &RevocationStore{
		entries: make(map[string]domain.RevocationEntry),
		subs:    make(map[int]*subscriber),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Revoke upserts the entry and publishes the event to every subscriber.
func (s *RevocationStore) Revoke(_ domain.Context, taskID string, opts domain.RevokeOptions) error {
	if taskID == "" {
		return fmt.Errorf("op=revocation.revoke: %w: missing task id", domain.ErrInvalidArgument)
	}
	now := s.now()
	entry := domain.RevocationEntry{TaskID: taskID, Options: opts, RevokedAt: now}
	if opts.Expiry > 0 {
		expires := now.Add(opts.Expiry)
		entry.ExpiresAt = &expires
	}
	ev := domain.RevocationEvent{TaskID: taskID, Options: opts, Timestamp: now}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("op=revocation.revoke: %w", domain.ErrClosed)
	}
	s.entries[taskID] = entry
	targets := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.push(ev)
	}
	return nil
}

// IsRevoked reports a live entry, purging it lazily when expired.
func (s *RevocationStore) IsRevoked(_ domain.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[taskID]
	if !ok {
		return false, nil
	}
	if entry.Expired(s.now()) {
		delete(s.entries, taskID)
		return false, nil
	}
	return true, nil
}

// RevokedTaskIDs returns the non-expired revoked IDs.
func (s *RevocationStore) RevokedTaskIDs(domain.Context) ([]string, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, id)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Cleanup removes entries revoked before now-maxAge.
func (s *RevocationStore) Cleanup(_ domain.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, entry := range s.entries {
		if entry.RevokedAt.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

// Subscribe returns a channel of revocation events that closes when ctx
// is cancelled or the store closes.
func (s *RevocationStore) Subscribe(ctx domain.Context) (<-chan domain.RevocationEvent, error) {
	sub := &subscriber{signal: make(chan struct{}, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("op=revocation.subscribe: %w", domain.ErrClosed)
	}
	s.nextSub++
	id := s.nextSub
	s.subs[id] = sub
	s.mu.Unlock()

	out := make(chan domain.RevocationEvent)
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(out)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-sub.signal:
			}
			for _, ev := range sub.drain() {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				case <-s.done:
					return
				}
			}
		}
	}()
	return out, nil
}

// Close stops every subscription.
func (s *RevocationStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}
