// Package retry runs fallible operations again after an exponentially
// growing delay, bounded by an attempt count and a total elapsed budget.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dgallion1/splore/internal/apierr"
	"github.com/dgallion1/splore/internal/logging"
)

// DefaultMaxBackoff caps a single delay.
const DefaultMaxBackoff = 10 * time.Second

// Policy bounds one retried call.
type Policy struct {
	// MaxRetries is the total number of attempts, including the first.
	MaxRetries    int
	BackoffFactor time.Duration
	// MaxTimeout is checked before every sleep; once exceeded the call fails
	// with a timeout instead of waiting again.
	MaxTimeout time.Duration
	MaxBackoff time.Duration
}

// DefaultPolicy is three attempts starting at 500ms with a 30s budget.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		BackoffFactor: 500 * time.Millisecond,
		MaxTimeout:    30 * time.Second,
		MaxBackoff:    DefaultMaxBackoff,
	}
}

// Once returns p limited to a single attempt.
func (p Policy) Once() Policy {
	p.MaxRetries = 1
	return p
}

// Delay returns the wait after the given failed attempt (1-indexed):
// BackoffFactor * 2^(attempt-1), capped at MaxBackoff.
func (p Policy) Delay(attempt int) time.Duration {
	ceiling := p.MaxBackoff
	if ceiling <= 0 {
		ceiling = DefaultMaxBackoff
	}
	if attempt < 1 {
		attempt = 1
	}
	d := p.BackoffFactor
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShouldRetry is the default retry predicate. Every error is treated as
// transient except validation failures, failed jobs and context
// cancellation.
func ShouldRetry(err error) bool {
	if apierr.Permanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// TransientOnly is a stricter predicate than ShouldRetry: transport
// failures are retried only when they are temporary (network errors, 408,
// 429, 5xx). Other errors follow ShouldRetry.
func TransientOnly(err error) bool {
	if !ShouldRetry(err) {
		return false
	}
	var te *apierr.TransportError
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return true
}

// Retrier applies a Policy. The zero value is usable: it sleeps for real,
// reads the wall clock, logs nowhere and uses ShouldRetry.
type Retrier struct {
	Log         *slog.Logger
	Sleep       SleepFunc
	Now         func() time.Time
	ShouldRetry func(error) bool
}

// Do runs op until it succeeds, returns a non-retryable error, or the policy
// is spent. On exhaustion the last error from op is returned unwrapped.
func (r *Retrier) Do(ctx context.Context, name string, p Policy, op func(context.Context) error) error {
	if r == nil {
		r = &Retrier{}
	}
	sleep, now, shouldRetry := r.Sleep, r.Now, r.ShouldRetry
	if sleep == nil {
		sleep = Sleep
	}
	if now == nil {
		now = time.Now
	}
	if shouldRetry == nil {
		shouldRetry = ShouldRetry
	}
	log := logging.FromContext(ctx, r.Log).With("op", name)

	attempts := max(p.MaxRetries, 1)
	start := now()
	log.Debug("retry started", "max_retries", attempts)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := op(ctx)
		elapsed := now().Sub(start)
		if err == nil {
			log.Debug("operation succeeded", "attempt", attempt, "elapsed", elapsed)
			return nil
		}
		lastErr = err
		if !shouldRetry(err) {
			return err
		}
		if attempt == attempts {
			log.Error("retries exhausted", "attempts", attempts, "elapsed", elapsed, "error", err)
			break
		}
		if p.MaxTimeout > 0 && elapsed > p.MaxTimeout {
			log.Error("retry budget exceeded", "attempt", attempt, "elapsed", elapsed, "budget", p.MaxTimeout)
			return &apierr.TimeoutError{
				Op:       name,
				Phase:    apierr.PhaseRetry,
				Attempts: attempt,
				Elapsed:  elapsed,
				Budget:   p.MaxTimeout,
			}
		}
		delay := p.Delay(attempt)
		log.Warn("attempt failed, retrying",
			"attempt", attempt,
			"elapsed", elapsed,
			"delay", delay,
			"attempts_left", attempts-attempt,
			"error", err,
		)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// Do is the value-returning form of Retrier.Do.
func Do[T any](ctx context.Context, r *Retrier, name string, p Policy, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, name, p, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
