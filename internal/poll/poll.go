// Package poll repeatedly checks a long-running operation until a condition
// holds or a time budget runs out.
//
// The wait between checks follows a bounded cadence: a geometric ramp from
// the minimum interval up to the maximum, interleaved with the mirrored ramp
// back down. Once the schedule is used up the last interval repeats. Each
// wait is perturbed by uniform jitter so that many clients polling the same
// server drift apart.
package poll

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/dgallion1/splore/internal/apierr"
	"github.com/dgallion1/splore/internal/logging"
	"github.com/dgallion1/splore/internal/retry"
)

// Policy bounds one polling call.
type Policy struct {
	MaxTimeout     time.Duration
	MinInterval    time.Duration
	MaxInterval    time.Duration
	GrowthRate     float64
	JitterFraction float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxTimeout:     1200 * time.Second,
		MinInterval:    2 * time.Second,
		MaxInterval:    30 * time.Second,
		GrowthRate:     2,
		JitterFraction: 0.1,
	}
}

func (p Policy) Validate() error {
	switch {
	case p.MaxTimeout <= 0:
		return apierr.Invalid("max_timeout", "must be positive")
	case p.MinInterval <= 0 || p.MaxInterval <= 0:
		return apierr.Invalid("poll_interval", "intervals must be positive")
	case p.MaxInterval < p.MinInterval:
		return apierr.Invalid("max_interval", "must not be below min_interval")
	case p.GrowthRate <= 1:
		return apierr.Invalid("growth_rate", "must be > 1")
	case p.JitterFraction < 0 || p.JitterFraction >= 1:
		return apierr.Invalid("jitter_fraction", "must be in [0, 1)")
	}
	return nil
}

// maxRampSteps bounds each half of the schedule.
const maxRampSteps = 1000

func checkRamp(minInterval, maxInterval time.Duration, rate float64) error {
	switch {
	case minInterval <= 0 || maxInterval <= 0:
		return apierr.Invalid("poll_interval", "intervals must be positive")
	case maxInterval < minInterval:
		return apierr.Invalid("max_interval", "must not be below min_interval")
	case math.IsNaN(rate) || rate <= 1:
		return apierr.Invalid("growth_rate", "must be > 1")
	case math.Log(maxInterval.Seconds()/minInterval.Seconds())/math.Log(rate) >= maxRampSteps:
		return apierr.Invalid("growth_rate", "%v needs more than %d steps from %s to %s", rate, maxRampSteps, minInterval, maxInterval)
	}
	return nil
}

// Ramp returns the rising sequence min, min*rate, ... up to max and the
// mirrored falling sequence max, max/rate, ... down to min. Both end exactly
// on their bound and every entry lies within [min, max].
func Ramp(minInterval, maxInterval time.Duration, rate float64) (up, down []time.Duration, err error) {
	if err := checkRamp(minInterval, maxInterval, rate); err != nil {
		return nil, nil, err
	}
	lo, hi := minInterval.Seconds(), maxInterval.Seconds()
	steps := int(math.Floor(math.Log(hi/lo)/math.Log(rate)+1e-9)) + 1

	for i := range steps {
		up = append(up, clamp(lo*math.Pow(rate, float64(i)), lo, hi))
	}
	if up[len(up)-1] < maxInterval {
		up = append(up, maxInterval)
	}
	for i := range steps {
		down = append(down, clamp(hi/math.Pow(rate, float64(i)), lo, hi))
	}
	if down[len(down)-1] > minInterval {
		down = append(down, minInterval)
	}
	return up, down, nil
}

// Intervals interleaves the two halves of Ramp: up[0], down[0], up[1], ...
func Intervals(minInterval, maxInterval time.Duration, rate float64) ([]time.Duration, error) {
	up, down, err := Ramp(minInterval, maxInterval, rate)
	if err != nil {
		return nil, err
	}
	out := make([]time.Duration, 0, len(up)+len(down))
	for i := range max(len(up), len(down)) {
		if i < len(up) {
			out = append(out, up[i])
		}
		if i < len(down) {
			out = append(out, down[i])
		}
	}
	return out, nil
}

func clamp(seconds, lo, hi float64) time.Duration {
	return time.Duration(math.Min(math.Max(seconds, lo), hi) * float64(time.Second))
}

// Poller runs checks under a Policy. The zero value sleeps for real, reads
// the wall clock and draws jitter from math/rand.
type Poller struct {
	Log   *slog.Logger
	Sleep retry.SleepFunc
	Now   func() time.Time
	// Rand returns a value in [0, 1) used to place the jitter.
	Rand func() float64
}

// SeededRand returns a deterministic source for Poller.Rand.
func SeededRand(seed uint64) func() float64 {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return r.Float64
}

// wait returns the jittered sleep for the given 1-indexed attempt.
func (p *Poller) wait(schedule []time.Duration, attempt int, fraction float64, rnd func() float64) time.Duration {
	base := schedule[min(attempt-1, len(schedule)-1)]
	if fraction == 0 {
		return base
	}
	spread := float64(base) * fraction
	offset := (2*rnd() - 1) * spread
	return max(0, base+time.Duration(offset))
}

// Poll calls check until done reports true for its result, then returns that
// result without sleeping again. An error from check is returned as is; the
// poller never retries it. When the budget elapses first the result is a
// *apierr.TimeoutError carrying phase and the number of checks made.
func Poll[T any](ctx context.Context, p *Poller, name string, phase apierr.Phase, policy Policy,
	check func(context.Context) (T, error), done func(T) bool) (T, error) {
	var zero T
	if err := policy.Validate(); err != nil {
		return zero, err
	}
	if p == nil {
		p = &Poller{}
	}
	sleep, now, rnd := p.Sleep, p.Now, p.Rand
	if sleep == nil {
		sleep = retry.Sleep
	}
	if now == nil {
		now = time.Now
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	log := logging.FromContext(ctx, p.Log).With("op", name, "phase", string(phase))

	schedule, err := Intervals(policy.MinInterval, policy.MaxInterval, policy.GrowthRate)
	if err != nil {
		return zero, err
	}
	start := now()
	attempts := 0
	log.Debug("polling started", "max_timeout", policy.MaxTimeout)

	for now().Sub(start) < policy.MaxTimeout {
		attempts++
		result, err := check(ctx)
		if err != nil {
			return zero, err
		}
		if done(result) {
			log.Debug("polling finished", "attempts", attempts, "elapsed", now().Sub(start))
			return result, nil
		}
		d := p.wait(schedule, attempts, policy.JitterFraction, rnd)
		log.Debug("condition not met", "attempt", attempts, "elapsed", now().Sub(start), "wait", d)
		if err := sleep(ctx, d); err != nil {
			return zero, err
		}
	}

	elapsed := now().Sub(start)
	log.Warn("polling timed out", "attempts", attempts, "elapsed", elapsed)
	return zero, &apierr.TimeoutError{
		Op:       name,
		Phase:    phase,
		Attempts: attempts,
		Elapsed:  elapsed,
		Budget:   policy.MaxTimeout,
	}
}
