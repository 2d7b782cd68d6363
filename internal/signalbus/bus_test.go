package signalbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

func TestDirectDispatchByKind(t *testing.T) {
	bus := New()

	var mu sync.Mutex
	var got []string
	bus.Subscribe(domain.SignalTaskSuccess, func(_ domain.Context, sig domain.Signal) {
		mu.Lock()
		got = append(got, "success:"+sig.TaskID)
		mu.Unlock()
	})
	bus.Subscribe(domain.SignalTaskFailure, func(_ domain.Context, sig domain.Signal) {
		mu.Lock()
		got = append(got, "failure:"+sig.TaskID)
		mu.Unlock()
	})

	bus.Publish(context.Background(), domain.Signal{Kind: domain.SignalTaskSuccess, TaskID: "t1"})
	bus.Publish(context.Background(), domain.Signal{Kind: domain.SignalTaskRetry, TaskID: "t2"})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "success:t1" {
		t.Fatalf("dispatched = %v, want [success:t1]", got)
	}
}

func TestDirectDispatchStampsTimestamp(t *testing.T) {
	bus := New()
	var stamped time.Time
	bus.Subscribe(domain.SignalTaskPreRun, func(_ domain.Context, sig domain.Signal) {
		stamped = sig.Timestamp
	})
	bus.Publish(context.Background(), domain.Signal{Kind: domain.SignalTaskPreRun, TaskID: "t1"})
	if stamped.IsZero() {
		t.Fatal("publish did not stamp the timestamp")
	}
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	bus := New()
	bus.Subscribe(domain.SignalTaskSuccess, func(domain.Context, domain.Signal) {
		panic("boom")
	})
	ran := false
	bus.Subscribe(domain.SignalTaskSuccess, func(domain.Context, domain.Signal) {
		ran = true
	})

	bus.Publish(context.Background(), domain.Signal{Kind: domain.SignalTaskSuccess, TaskID: "t1"})
	if !ran {
		t.Fatal("second handler did not run after first panicked")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()
	count := 0
	unsub := bus.Subscribe(domain.SignalTaskSuccess, func(domain.Context, domain.Signal) {
		count++
	})

	bus.Publish(context.Background(), domain.Signal{Kind: domain.SignalTaskSuccess})
	unsub()
	bus.Publish(context.Background(), domain.Signal{Kind: domain.SignalTaskSuccess})

	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

type fakeSignalStore struct {
	mu         sync.Mutex
	pending    []*domain.SignalMessage
	claimed    map[string]*domain.SignalMessage
	acked      []string
	rejected   map[string]bool
	enqueueErr error
}

func newFakeSignalStore() *fakeSignalStore {
	return &fakeSignalStore{
		claimed:  make(map[string]*domain.SignalMessage),
		rejected: make(map[string]bool),
	}
}

func (s *fakeSignalStore) Enqueue(_ domain.Context, msg *domain.SignalMessage) error {
	if s.enqueueErr != nil {
		return s.enqueueErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, msg)
	return nil
}

func (s *fakeSignalStore) Dequeue(_ domain.Context, limit int) ([]*domain.SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := limit
	if n > len(s.pending) {
		n = len(s.pending)
	}
	out := s.pending[:n]
	s.pending = s.pending[n:]
	for _, m := range out {
		s.claimed[m.ID] = m
	}
	return out, nil
}

func (s *fakeSignalStore) Acknowledge(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claimed, id)
	s.acked = append(s.acked, id)
	return nil
}

func (s *fakeSignalStore) Reject(_ domain.Context, id string, requeue bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.claimed[id]
	if !ok {
		return domain.ErrNotFound
	}
	delete(s.claimed, id)
	if requeue {
		s.pending = append(s.pending, m)
	}
	s.rejected[id] = requeue
	return nil
}

func (s *fakeSignalStore) PendingCount(domain.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.pending)), nil
}

func TestQueuedPublishEnqueues(t *testing.T) {
	store := newFakeSignalStore()
	bus := NewQueued(store)

	bus.Publish(context.Background(), domain.Signal{Kind: domain.SignalTaskSuccess, TaskID: "t1"})

	n, err := bus.PendingCount(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("pending = (%d, %v), want (1, nil)", n, err)
	}
	store.mu.Lock()
	msg := store.pending[0]
	store.mu.Unlock()
	if msg.ID == "" || msg.Kind != domain.SignalTaskSuccess {
		t.Fatalf("enqueued message = %+v", msg)
	}
	var sig domain.Signal
	if err := json.Unmarshal(msg.Payload, &sig); err != nil || sig.TaskID != "t1" {
		t.Fatalf("payload round-trip = (%+v, %v)", sig, err)
	}
}

func TestQueuedRunDispatchesAndAcks(t *testing.T) {
	store := newFakeSignalStore()
	bus := NewQueued(store)

	received := make(chan domain.Signal, 1)
	bus.Subscribe(domain.SignalTaskFailure, func(_ domain.Context, sig domain.Signal) {
		received <- sig
	})
	bus.Publish(context.Background(), domain.Signal{Kind: domain.SignalTaskFailure, TaskID: "t9", Err: "boom"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = bus.Run(ctx)
		close(done)
	}()

	select {
	case sig := <-received:
		if sig.TaskID != "t9" || sig.Err != "boom" {
			t.Fatalf("signal = %+v", sig)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued signal was not delivered")
	}

	deadline := time.After(time.Second)
	for {
		store.mu.Lock()
		acked := len(store.acked)
		store.mu.Unlock()
		if acked == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("message was not acknowledged")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestQueuedRunRejectsUndecodablePayload(t *testing.T) {
	store := newFakeSignalStore()
	_ = store.Enqueue(context.Background(), &domain.SignalMessage{ID: "bad", Payload: []byte("{")})
	bus := NewQueued(store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bus.Run(ctx) }()

	deadline := time.After(time.Second)
	for {
		store.mu.Lock()
		requeue, ok := store.rejected["bad"]
		store.mu.Unlock()
		if ok {
			if requeue {
				t.Fatal("undecodable message was requeued")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("undecodable message was not rejected")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestQueuedEnqueueFailureFallsBackToDirect(t *testing.T) {
	store := newFakeSignalStore()
	store.enqueueErr = errors.New("store down")
	bus := NewQueued(store)

	ran := false
	bus.Subscribe(domain.SignalTaskSuccess, func(domain.Context, domain.Signal) {
		ran = true
	})
	bus.Publish(context.Background(), domain.Signal{Kind: domain.SignalTaskSuccess, TaskID: "t1"})

	if !ran {
		t.Fatal("signal lost when enqueue failed")
	}
}
