package app

import (
	"context"
	"math/rand"
	"time"

	"github.com/bft-labs/scanship/internal/domain"
)

// Default retry configuration values.
const (
	DefaultMaxAttempts    = 5
	DefaultRetryBaseDelay = 30 * time.Second
	DefaultRetryMaxDelay  = 30 * time.Minute

	DefaultBackoffInitial = 500 * time.Millisecond
	DefaultBackoffMax     = 10 * time.Second
)

// RetryPolicy decides when a failed record is resubmitted automatically.
type RetryPolicy struct {
	// MaxAttempts is the attempt ceiling. Zero or less means unlimited.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Delay returns how long a record that failed after attempts submissions
// waits before the next one: BaseDelay doubled per extra attempt, capped at
// MaxDelay.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if p.BaseDelay <= 0 || attempts <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Due reports whether rec may be submitted at now.
func (p RetryPolicy) Due(rec *domain.Record, now time.Time) bool {
	switch rec.Status {
	case domain.StatusPending:
		return true
	case domain.StatusFailed:
		if !rec.RetryEligible(p.MaxAttempts) {
			return false
		}
		return !now.Before(rec.UpdatedAt.Add(p.Delay(rec.UploadAttempts)))
	default:
		return false
	}
}

// backoff implements exponential backoff with jitter.
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

// newBackoff creates a new backoff with the given initial and max durations.
func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{
		initial: initial,
		max:     max,
		current: initial,
	}
}

// Wait sleeps for the current backoff duration and increases it.
// It returns false if ctx ended first.
func (b *backoff) Wait(ctx context.Context) bool {
	// Add jitter: ±20%
	jitter := float64(b.current) * 0.2 * (rand.Float64()*2 - 1)
	sleep := time.Duration(float64(b.current) + jitter)

	t := time.NewTimer(sleep)
	defer t.Stop()

	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Reset resets the backoff to the initial duration.
func (b *backoff) Reset() {
	b.current = b.initial
}

// Current returns the current backoff duration.
func (b *backoff) Current() time.Duration {
	return b.current
}
