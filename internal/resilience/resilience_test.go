package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

var fastPolicy = Policy{
	MaxRetries:   5,
	InitialDelay: time.Millisecond,
	MaxDelay:     5 * time.Millisecond,
	Multiplier:   2.0,
}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastPolicy, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	attempts := 0
	want := fmt.Errorf("op=store: %w", domain.ErrInvalidArgument)
	err := Retry(context.Background(), fastPolicy, func() error {
		attempts++
		return want
	})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("err = %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}, func() error {
		attempts++
		return errors.New("server busy")
	})
	if err == nil {
		t.Fatal("expected error after budget exhausted")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (initial + 2 retries)", attempts)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Retry(ctx, Policy{MaxRetries: 50, InitialDelay: 10 * time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 1.0}, func() error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return errors.New("timed out")
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if attempts > 3 {
		t.Errorf("attempts = %d, retrying continued after cancel", attempts)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"not found", domain.ErrNotFound, false},
		{"wrapped not found", fmt.Errorf("op=get: %w", domain.ErrNotFound), false},
		{"invalid argument", domain.ErrInvalidArgument, false},
		{"conflict", domain.ErrConflict, false},
		{"eof", io.EOF, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"econnrefused", syscall.ECONNREFUSED, true},
		{"epipe", syscall.EPIPE, true},
		{"message timeout", errors.New("i/o timeout"), true},
		{"server loading", errors.New("LOADING Redis is loading the dataset in memory"), true},
		{"busy", errors.New("server busy, try later"), true},
		{"plain failure", errors.New("handler blew up"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
