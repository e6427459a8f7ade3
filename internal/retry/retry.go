// Package retry implements bounded exponential/linear/fixed backoff
// with jitter over a caller-supplied operation (spec §4.6), implementing
// cenkalti/backoff/v4's BackOff interface for the per-attempt delay the way the
// teacher's internal/worker/retry_client.go hand-rolls the same shape.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bc-dunia/sqlitebridge/internal/bridgeerr"
)

// Strategy selects the per-attempt delay growth curve.
type Strategy = bridgeerr.RetryDelayStrategy

const (
	Exponential = bridgeerr.StrategyExponential
	Linear      = bridgeerr.StrategyLinear
	Fixed       = bridgeerr.StrategyFixed
)

// Config mirrors spec §9's retry{} configuration block.
type Config struct {
	MaxAttempts  int
	BaseDelayMs  int64
	Strategy     Strategy
	Jitter       float64 // in [0,1]
	RetryIf      func(err error) bool
	SleepForTest func(d time.Duration) // overridable for deterministic tests
}

// DefaultRetryIf retries only recoverable errors (spec §4.6).
func DefaultRetryIf(err error) bool {
	return bridgeerr.IsRecoverable(err)
}

// Result is returned by Do so callers can observe how many retries
// actually happened, for metrics (spec scenario 2: "metrics.retries == 2").
type Result struct {
	Attempts int
	Retries  int
}

// jitteredBackOff implements backoff.BackOff's NextBackOff contract over
// Config: each call advances the attempt, takes the base delay from
// bridgeerr.GetRetryDelay, and applies the multiplicative jitter.
type jitteredBackOff struct {
	cfg     Config
	attempt int
	rng     *rand.Rand
}

func (j *jitteredBackOff) NextBackOff() time.Duration {
	j.attempt++
	d := bridgeerr.GetRetryDelay(j.attempt, j.cfg.BaseDelayMs, j.cfg.Strategy)
	if j.cfg.Jitter <= 0 {
		return d
	}
	factor := 1 + (j.rng.Float64()*2-1)*j.cfg.Jitter
	jittered := time.Duration(float64(d) * factor)
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}

func (j *jitteredBackOff) Reset() { j.attempt = 0 }

var _ backoff.BackOff = (*jitteredBackOff)(nil)

// Do runs fn, retrying per cfg until it succeeds, a non-retryable error
// is returned, or MaxAttempts is reached. Retries preserve the original
// call exactly: fn is a thunk, fn's input is fixed by the caller's
// closure, not touched here (spec §4.6: "no cache mutation on retry").
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) (interface{}, error)) (interface{}, Result, error) {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	retryIf := cfg.RetryIf
	if retryIf == nil {
		retryIf = DefaultRetryIf
	}
	sleep := cfg.SleepForTest
	if sleep == nil {
		sleep = func(d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
			}
		}
	}

	bo := &jitteredBackOff{cfg: cfg, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}

	var lastErr error
	result := Result{}
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result.Attempts = attempt
		if err := ctx.Err(); err != nil {
			return nil, result, err
		}

		value, err := fn(ctx)
		if err == nil {
			return value, result, nil
		}
		lastErr = err

		if attempt == cfg.MaxAttempts || !retryIf(err) {
			return nil, result, lastErr
		}

		result.Retries++
		sleep(bo.NextBackOff())
	}
	return nil, result, lastErr
}
