// ABOUTME: Backoff policy and transient-error classification for delivery attempts.
// ABOUTME: Plugs a clamped, jittered exponential schedule into cenkalti/backoff.

package delivery

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/2389/coven-coord/internal/backend"
)

// RetryPolicy is the per-recipient delivery retry schedule.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       float64 // fraction, 0.25 means ±25%
}

// DefaultRetryPolicy matches the configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Jitter:       0.25,
	}
}

// Delay returns the wait after the given zero-based failed attempt. r is a
// uniform sample in [0, 1); 0.5 yields the unjittered delay.
func (p RetryPolicy) Delay(attempt int, r float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(p.InitialDelay) * math.Pow(2, float64(attempt))
	if ceiling := float64(p.MaxDelay); base > ceiling {
		base = ceiling
	}
	d := base * (1 + p.Jitter*(2*r-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// policyBackOff adapts RetryPolicy to backoff.BackOff.
type policyBackOff struct {
	policy  RetryPolicy
	attempt int
	rand    func() float64
}

func (b *policyBackOff) NextBackOff() time.Duration {
	d := b.policy.Delay(b.attempt, b.rand())
	b.attempt++
	return d
}

func (b *policyBackOff) Reset() { b.attempt = 0 }

// newBackOff builds the retry schedule for one delivery.
func newBackOff(ctx context.Context, policy RetryPolicy, random func() float64) backoff.BackOff {
	retries := policy.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	if random == nil {
		random = rand.Float64
	}
	b := backoff.WithMaxRetries(&policyBackOff{policy: policy, rand: random}, uint64(retries))
	return backoff.WithContext(b, ctx)
}

var transientPatterns = []string{
	"server not responding",
	"connection refused",
	"connection reset",
	"temporarily unavailable",
	"timed out",
	"timeout",
	"broken pipe",
	"resource busy",
}

// IsRetryable reports whether a delivery error is transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, backend.ErrTargetNotFound),
		errors.Is(err, backend.ErrDeliveryUnsupported),
		errors.Is(err, backend.ErrInvalidIdentifier),
		errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.EAGAIN),
		errors.Is(err, syscall.ETIMEDOUT):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
