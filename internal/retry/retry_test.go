package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dgallion1/splore/internal/apierr"
	"github.com/google/go-cmp/cmp"
)

// fakeClock advances only when the retrier sleeps.
type fakeClock struct {
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) retrier() *Retrier {
	return &Retrier{Sleep: c.Sleep, Now: c.Now}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	clock := newFakeClock()
	calls := 0
	err := clock.retrier().Do(context.Background(), "op", DefaultPolicy(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if len(clock.slept) != 0 {
		t.Errorf("expected no sleeps, got %v", clock.slept)
	}
}

func TestDo_PermanentFailureInvokesExactlyN(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8} {
		clock := newFakeClock()
		boom := &apierr.TransportError{Method: "GET", URL: "u", StatusCode: 503}
		calls := 0
		p := Policy{MaxRetries: n, BackoffFactor: time.Second, MaxTimeout: time.Hour}

		err := clock.retrier().Do(context.Background(), "op", p, func(context.Context) error {
			calls++
			return boom
		})

		if calls != n {
			t.Errorf("n=%d: expected %d calls, got %d", n, n, calls)
		}
		if err != boom {
			t.Errorf("n=%d: expected the original error back unwrapped, got %v", n, err)
		}
		var total, want time.Duration
		for _, d := range clock.slept {
			total += d
		}
		for attempt := 1; attempt < n; attempt++ {
			want += p.Delay(attempt)
		}
		if total != want {
			t.Errorf("n=%d: expected total sleep %s, got %s", n, want, total)
		}
	}
}

func TestPolicyDelay_CappedExponential(t *testing.T) {
	p := Policy{BackoffFactor: time.Second}
	var got []time.Duration
	for attempt := 1; attempt <= 6; attempt++ {
		got = append(got, p.Delay(attempt))
	}
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("delay series mismatch (-want +got):\n%s", diff)
	}
}

func TestDo_RecoversAfterTransientFailures(t *testing.T) {
	clock := newFakeClock()
	calls := 0
	got, err := Do(context.Background(), clock.retrier(), "op", DefaultPolicy(), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("expected ok, got %q", got)
	}
	if diff := cmp.Diff([]time.Duration{500 * time.Millisecond, time.Second}, clock.slept); diff != "" {
		t.Errorf("sleep mismatch (-want +got):\n%s", diff)
	}
}

func TestDo_TimeoutBeforeSleep(t *testing.T) {
	clock := newFakeClock()
	calls := 0
	p := Policy{MaxRetries: 10, BackoffFactor: time.Second, MaxTimeout: 5 * time.Second}

	err := clock.retrier().Do(context.Background(), "status", p, func(context.Context) error {
		calls++
		clock.now = clock.now.Add(3 * time.Second) // each attempt is slow
		return errors.New("slow failure")
	})

	var te *apierr.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if te.Phase != apierr.PhaseRetry {
		t.Errorf("expected retry phase, got %q", te.Phase)
	}
	if te.Op != "status" {
		t.Errorf("expected op name, got %q", te.Op)
	}
	// 3s (attempt 1) -> sleep 1s -> 7s elapsed after attempt 2: fail fast.
	if calls != 2 {
		t.Errorf("expected 2 calls before the budget tripped, got %d", calls)
	}
	if len(clock.slept) != 1 {
		t.Errorf("expected 1 sleep, got %v", clock.slept)
	}
}

func TestDo_PermanentErrorsNotRetried(t *testing.T) {
	clock := newFakeClock()
	for _, perm := range []error{
		apierr.Invalid("file", "missing"),
		&apierr.UnrecoverableJobError{FileID: "f", Status: "FAILED"},
		context.Canceled,
	} {
		calls := 0
		err := clock.retrier().Do(context.Background(), "op", DefaultPolicy(), func(context.Context) error {
			calls++
			return perm
		})
		if calls != 1 {
			t.Errorf("%T: expected 1 call, got %d", perm, calls)
		}
		if !errors.Is(err, perm) {
			t.Errorf("%T: expected error back, got %v", perm, err)
		}
	}
}

func TestDo_CustomPredicate(t *testing.T) {
	clock := newFakeClock()
	r := clock.retrier()
	r.ShouldRetry = func(error) bool { return false }
	calls := 0
	_ = r.Do(context.Background(), "op", DefaultPolicy(), func(context.Context) error {
		calls++
		return errors.New("x")
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestTransientOnly(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want bool
	}{
		{&apierr.TransportError{StatusCode: 503}, true},
		{&apierr.TransportError{StatusCode: 429}, true},
		{&apierr.TransportError{Err: errors.New("connection reset")}, true},
		{fmt.Errorf("start: %w", &apierr.TransportError{StatusCode: 401}), false},
		{&apierr.TransportError{StatusCode: 404}, false},
		{apierr.Invalid("file", "missing"), false},
		{errors.New("decode"), true},
	} {
		if got := TransientOnly(tc.err); got != tc.want {
			t.Errorf("TransientOnly(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestDo_TransientOnlyStopsOnClientError(t *testing.T) {
	clock := newFakeClock()
	r := clock.retrier()
	r.ShouldRetry = TransientOnly
	calls := 0
	err := r.Do(context.Background(), "op", DefaultPolicy(), func(context.Context) error {
		calls++
		return &apierr.TransportError{StatusCode: 400}
	})
	if calls != 1 || !errors.Is(err, apierr.ErrTransport) {
		t.Errorf("expected one call returning the transport error, got %d, %v", calls, err)
	}
}

func TestDo_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Retrier{Sleep: func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}}
	err := r.Do(ctx, "op", DefaultPolicy(), func(context.Context) error { return errors.New("x") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSleep_ReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("sleep did not return promptly")
	}
}

func TestNilRetrierUsable(t *testing.T) {
	var r *Retrier
	if err := r.Do(context.Background(), "op", DefaultPolicy(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
