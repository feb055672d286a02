// Package retry implements exponential reconnect backoff and the
// coordinated shutdown broadcast every long-running loop selects against.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrShutdown is returned by Do when the shutdown signal fires before the
// operation succeeds. It is not a failure: callers should treat it as a
// clean stop, never retried further.
var ErrShutdown = errors.New("shutdown")

// Permanent wraps an error to short-circuit retrying: AuthFailed and
// ServiceNotExist are permanent per spec, never transient.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Shutdown is a broadcast: closing it (via Fire) wakes every goroutine
// blocked on Done simultaneously, exactly once.
type Shutdown struct {
	ch chan struct{}
}

// NewShutdown creates an armed shutdown broadcaster.
func NewShutdown() *Shutdown {
	return &Shutdown{ch: make(chan struct{})}
}

// Fire signals shutdown. Safe to call more than once.
func (s *Shutdown) Fire() {
	select {
	case <-s.ch:
	default:
		close(s.ch)
	}
}

// Done returns the channel that closes when Fire is called.
func (s *Shutdown) Done() <-chan struct{} { return s.ch }

// Backoff is exponential backoff with jitter, an optional cap on the
// interval, and an optional overall deadline (zero = retry forever).
type Backoff struct {
	Initial        time.Duration
	Multiplier     float64
	Max            time.Duration
	MaxElapsedTime time.Duration

	current time.Time
	next    time.Duration
}

// NewBackoff builds a Backoff ready to start from Initial.
func NewBackoff(initial time.Duration, multiplier float64, max, maxElapsed time.Duration) *Backoff {
	return &Backoff{Initial: initial, Multiplier: multiplier, Max: max, MaxElapsedTime: maxElapsed}
}

// reset rearms the backoff for a fresh sequence of attempts.
func (b *Backoff) reset() {
	b.current = time.Now()
	b.next = b.Initial
}

// nextInterval returns the next wait duration, or false if the overall
// deadline has elapsed.
func (b *Backoff) nextInterval() (time.Duration, bool) {
	if b.current.IsZero() {
		b.reset()
	}
	if b.MaxElapsedTime > 0 && time.Since(b.current) > b.MaxElapsedTime {
		return 0, false
	}
	interval := b.next
	b.next = time.Duration(float64(b.next) * b.Multiplier)
	if b.Max > 0 && b.next > b.Max {
		b.next = b.Max
	}
	jitter := time.Duration(rand.Int63n(int64(interval)/4 + 1))
	return interval + jitter, true
}

// Do runs operation, retrying with backoff on transient errors until it
// succeeds, a *Permanent error is returned (no further retries), the
// overall deadline elapses, or shutdown fires. Every sleep between
// attempts selects against ctx.Done() and shutdown.Done().
func Do[T any](ctx context.Context, b *Backoff, shutdown *Shutdown, operation func(context.Context) (T, error)) (T, error) {
	b.reset()
	for {
		attemptStart := time.Now()
		v, err := operation(ctx)
		if err == nil {
			return v, nil
		}

		var perm *Permanent
		if errors.As(err, &perm) {
			var zero T
			return zero, perm
		}

		// An attempt that ran past the backoff's own cap before failing
		// counts as recovered: rearm from Initial so a momentary drop
		// after a long healthy run doesn't pay the fully escalated wait.
		if b.Max > 0 && time.Since(attemptStart) > b.Max {
			b.reset()
		}

		wait, ok := b.nextInterval()
		if !ok {
			var zero T
			return zero, err
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, ctx.Err()
		case <-shutdown.Done():
			timer.Stop()
			var zero T
			return zero, ErrShutdown
		}
	}
}
