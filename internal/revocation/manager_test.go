package revocation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

type fakeStore struct {
	mu      sync.Mutex
	revoked map[string]domain.RevokeOptions
	events  chan domain.RevocationEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		revoked: make(map[string]domain.RevokeOptions),
		events:  make(chan domain.RevocationEvent, 16),
	}
}

func (s *fakeStore) Revoke(_ domain.Context, taskID string, opts domain.RevokeOptions) error {
	s.mu.Lock()
	s.revoked[taskID] = opts
	s.mu.Unlock()
	s.events <- domain.RevocationEvent{TaskID: taskID, Options: opts, Timestamp: time.Now()}
	return nil
}

func (s *fakeStore) IsRevoked(_ domain.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[taskID]
	return ok, nil
}

func (s *fakeStore) RevokedTaskIDs(domain.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.revoked))
	for id := range s.revoked {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *fakeStore) Cleanup(domain.Context, time.Duration) (int64, error) { return 0, nil }

func (s *fakeStore) Subscribe(ctx domain.Context) (<-chan domain.RevocationEvent, error) {
	out := make(chan domain.RevocationEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-s.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *fakeStore) Close() error { return nil }

func TestRegisterTaskTracksAndReleases(t *testing.T) {
	m := NewManager(newFakeStore())

	ctx, release := m.RegisterTask(context.Background(), "t1")
	if m.RunningCount() != 1 {
		t.Fatalf("running = %d, want 1", m.RunningCount())
	}
	if ctx.Err() != nil {
		t.Fatal("linked context cancelled at registration")
	}

	release()
	if m.RunningCount() != 0 {
		t.Fatalf("running after release = %d, want 0", m.RunningCount())
	}
	if ctx.Err() == nil {
		t.Fatal("release did not cancel the linked context")
	}
}

func TestHandleEventCancelsRunningTask(t *testing.T) {
	m := NewManager(newFakeStore())
	ctx, release := m.RegisterTask(context.Background(), "t1")
	defer release()

	m.HandleEvent(domain.RevocationEvent{
		TaskID:  "t1",
		Options: domain.RevokeOptions{Terminate: true},
	})
	if ctx.Err() == nil {
		t.Fatal("terminate revocation did not cancel the running task")
	}
}

func TestHandleEventImmediateSignalCancels(t *testing.T) {
	m := NewManager(newFakeStore())
	ctx, release := m.RegisterTask(context.Background(), "t1")
	defer release()

	m.HandleEvent(domain.RevocationEvent{
		TaskID:  "t1",
		Options: domain.RevokeOptions{Signal: domain.SignalImmediate},
	})
	if ctx.Err() == nil {
		t.Fatal("immediate revocation did not cancel the running task")
	}
}

func TestHandleEventGracefulLeavesTaskRunning(t *testing.T) {
	m := NewManager(newFakeStore())
	ctx, release := m.RegisterTask(context.Background(), "t1")
	defer release()

	m.HandleEvent(domain.RevocationEvent{
		TaskID:  "t1",
		Options: domain.RevokeOptions{Signal: domain.SignalGraceful},
	})
	if ctx.Err() != nil {
		t.Fatal("graceful revocation cancelled the running task")
	}
}

func TestHandleEventUnknownTaskIsIgnored(t *testing.T) {
	m := NewManager(newFakeStore())
	m.HandleEvent(domain.RevocationEvent{
		TaskID:  "missing",
		Options: domain.RevokeOptions{Terminate: true},
	})
}

func TestRunDeliversEventsFromStore(t *testing.T) {
	store := newFakeStore()
	m := NewManager(store)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	done := make(chan struct{})
	go func() {
		_ = m.Run(runCtx)
		close(done)
	}()

	taskCtx, release := m.RegisterTask(context.Background(), "t1")
	defer release()

	if err := store.Revoke(context.Background(), "t1", domain.RevokeOptions{Terminate: true}); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	select {
	case <-taskCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("revocation event did not cancel the task via Run loop")
	}

	stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}

func TestIsRevokedDelegatesToStore(t *testing.T) {
	store := newFakeStore()
	m := NewManager(store)

	revoked, err := m.IsRevoked(context.Background(), "t1")
	if err != nil || revoked {
		t.Fatalf("IsRevoked = (%v, %v), want (false, nil)", revoked, err)
	}

	_ = store.Revoke(context.Background(), "t1", domain.RevokeOptions{})
	revoked, err = m.IsRevoked(context.Background(), "t1")
	if err != nil || !revoked {
		t.Fatalf("IsRevoked = (%v, %v), want (true, nil)", revoked, err)
	}
}
