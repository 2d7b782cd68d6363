// Package resilience wraps store and transport operations in retry policies
// that distinguish transient infrastructure failures from permanent errors.
package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/go-taskqueue/internal/config"
	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

// Policy bounds one retry loop.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultPolicy is used where no configuration is wired in.
var DefaultPolicy = Policy{
	MaxRetries:   3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
	Jitter:       true,
}

// PolicyFromConfig builds the store-operation retry policy.
func PolicyFromConfig(cfg config.Config) Policy {
	maxRetries, initial, max, multiplier := cfg.GetRetryBackoffConfig()
	return Policy{
		MaxRetries:   maxRetries,
		InitialDelay: initial,
		MaxDelay:     max,
		Multiplier:   multiplier,
		Jitter:       cfg.RetryJitter,
	}
}

func (p Policy) newBackOff() backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.InitialDelay
	expo.MaxInterval = p.MaxDelay
	expo.Multiplier = p.Multiplier
	expo.MaxElapsedTime = 0 // bounded by retry count, not wall clock
	if !p.Jitter {
		expo.RandomizationFactor = 0
	}
	expo.Reset()
	var bo backoff.BackOff = expo
	if p.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(p.MaxRetries))
	}
	return bo
}

// Retry runs op under the policy, retrying while the error classifies as
// transient and the context stays live.
func Retry(ctx context.Context, p Policy, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(wrapped, backoff.WithContext(p.newBackOff(), ctx))
}

// IsTransient reports whether the error looks like a recoverable
// infrastructure failure: connection trouble, I/O timeouts, or a backend
// reporting itself busy or still loading.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidArgument) ||
		errors.Is(err, domain.ErrConflict) ||
		errors.Is(err, domain.ErrUnknownTask) ||
		errors.Is(err, domain.ErrClosed) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused", "connection reset", "broken pipe",
		"timeout", "timed out", "server busy", "loading",
		"try again", "temporarily unavailable", "too many connections",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
