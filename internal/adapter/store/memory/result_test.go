package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

func TestStoreAndGetResult(t *testing.T) {
	b := NewResultBackend()
	res := &domain.TaskResult{
		TaskID: "t1",
		State:  domain.StateSuccess,
		Result: []byte(`{"ok":true}`),
		Meta:   map[string]string{"attempt": "1"},
	}
	if err := b.StoreResult(context.Background(), res, 0); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := b.GetResult(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.State != domain.StateSuccess || string(got.Result) != `{"ok":true}` {
		t.Fatalf("got = %+v", got)
	}

	// Stored copies never alias caller data.
	res.Meta["attempt"] = "2"
	got2, _ := b.GetResult(context.Background(), "t1")
	if got2.Meta["attempt"] != "1" {
		t.Fatal("stored result aliases caller map")
	}
}

func TestGetResultAbsentReturnsNilNil(t *testing.T) {
	b := NewResultBackend()
	got, err := b.GetResult(context.Background(), "missing")
	if got != nil || err != nil {
		t.Fatalf("got = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestResultExpiry(t *testing.T) {
	b := NewResultBackend()
	base := time.Now()
	b.now = func() time.Time { return base }

	_ = b.StoreResult(context.Background(), &domain.TaskResult{TaskID: "t1", State: domain.StateSuccess}, time.Minute)

	b.now = func() time.Time { return base.Add(2 * time.Minute) }
	got, err := b.GetResult(context.Background(), "t1")
	if got != nil || err != nil {
		t.Fatalf("expired result = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestWaitForResultCompletesOnStore(t *testing.T) {
	b := NewResultBackend()

	var wg sync.WaitGroup
	wg.Add(1)
	var got *domain.TaskResult
	var gotErr error
	go func() {
		defer wg.Done()
		got, gotErr = b.WaitForResult(context.Background(), "t1", 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := b.StoreResult(context.Background(), &domain.TaskResult{TaskID: "t1", State: domain.StateSuccess}, 0); err != nil {
		t.Fatalf("store: %v", err)
	}
	wg.Wait()

	if gotErr != nil || got == nil || got.State != domain.StateSuccess {
		t.Fatalf("wait = (%+v, %v)", got, gotErr)
	}
}

func TestWaitForResultRacesStore(t *testing.T) {
	// The waiter must find the result whether it lands before the wait,
	// during waiter registration, or after.
	for i := 0; i < 50; i++ {
		b := NewResultBackend()
		done := make(chan struct{})
		go func() {
			defer close(done)
			res, err := b.WaitForResult(context.Background(), "t1", 2*time.Second)
			if err != nil || res == nil {
				t.Errorf("iteration %d: wait = (%v, %v)", i, res, err)
			}
		}()
		_ = b.StoreResult(context.Background(), &domain.TaskResult{TaskID: "t1", State: domain.StateSuccess}, 0)
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatalf("iteration %d: wait hung", i)
		}
	}
}

func TestWaitForResultTimeout(t *testing.T) {
	b := NewResultBackend()
	start := time.Now()
	_, err := b.WaitForResult(context.Background(), "t1", 50*time.Millisecond)
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("returned before the timeout")
	}
}

func TestWaitForResultCancellation(t *testing.T) {
	b := NewResultBackend()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := b.WaitForResult(ctx, "t1", 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestUpdateStateVisibleToGetStateOnly(t *testing.T) {
	b := NewResultBackend()
	if err := b.UpdateState(context.Background(), "t1", domain.StateStarted, map[string]string{"worker": "w1"}); err != nil {
		t.Fatalf("update state: %v", err)
	}

	state, err := b.GetState(context.Background(), "t1")
	if err != nil || state != domain.StateStarted {
		t.Fatalf("state = (%q, %v), want started", state, err)
	}
	// Intermediate states never surface as results.
	res, err := b.GetResult(context.Background(), "t1")
	if res != nil || err != nil {
		t.Fatalf("result while started = (%+v, %v), want (nil, nil)", res, err)
	}

	// Later updates merge meta; once the state turns terminal the record
	// becomes a readable result.
	_ = b.UpdateState(context.Background(), "t1", domain.StateRetry, map[string]string{"retry": "1"})
	if res, _ := b.GetResult(context.Background(), "t1"); res != nil {
		t.Fatalf("result while retrying = %+v, want nil", res)
	}
	_ = b.UpdateState(context.Background(), "t1", domain.StateSuccess, nil)
	res, _ = b.GetResult(context.Background(), "t1")
	if res == nil || res.Meta["worker"] != "w1" || res.Meta["retry"] != "1" {
		t.Fatalf("result = %+v", res)
	}
}

func TestWaitForResultSkipsIntermediateStates(t *testing.T) {
	b := NewResultBackend()
	_ = b.UpdateState(context.Background(), "t1", domain.StateStarted, nil)

	// A started record must not satisfy the wait.
	_, err := b.WaitForResult(context.Background(), "t1", 50*time.Millisecond)
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.StoreResult(context.Background(), &domain.TaskResult{TaskID: "t1", State: domain.StateRetry}, 0)
		time.Sleep(20 * time.Millisecond)
		_ = b.StoreResult(context.Background(), &domain.TaskResult{TaskID: "t1", State: domain.StateSuccess}, 0)
	}()
	res, err := b.WaitForResult(context.Background(), "t1", 3*time.Second)
	if err != nil || res == nil || res.State != domain.StateSuccess {
		t.Fatalf("wait = (%+v, %v), want success", res, err)
	}
}

func TestGetStateAbsent(t *testing.T) {
	b := NewResultBackend()
	state, err := b.GetState(context.Background(), "missing")
	if state != "" || err != nil {
		t.Fatalf("state = (%q, %v), want (\"\", nil)", state, err)
	}
}

func TestCloseReleasesWaiters(t *testing.T) {
	b := NewResultBackend()
	errs := make(chan error, 1)
	go func() {
		_, err := b.WaitForResult(context.Background(), "t1", 0)
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_ = b.Close()

	select {
	case err := <-errs:
		if !errors.Is(err, domain.ErrClosed) {
			t.Fatalf("err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}
}
