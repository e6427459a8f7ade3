package retry

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bc-dunia/sqlitebridge/internal/bridgeerr"
)

func noSleep(d time.Duration) {}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	v, res, err := Do(context.Background(), Config{MaxAttempts: 3, BaseDelayMs: 1, SleepForTest: noSleep}, func(ctx context.Context) (interface{}, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, res.Retries)
}

func TestDoRetriesRecoverableThenSucceeds(t *testing.T) {
	calls := 0
	v, res, err := Do(context.Background(), Config{MaxAttempts: 3, BaseDelayMs: 1, SleepForTest: noSleep}, func(ctx context.Context) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, bridgeerr.TimeoutError(5)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, res.Retries)
}

func TestDoDoesNotRetryNonRecoverable(t *testing.T) {
	calls := 0
	_, res, err := Do(context.Background(), Config{MaxAttempts: 5, BaseDelayMs: 1, SleepForTest: noSleep}, func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, bridgeerr.ValidationError(nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, res.Retries)
}

func TestMaxAttemptsOneDisablesRetry(t *testing.T) {
	calls := 0
	_, res, err := Do(context.Background(), Config{MaxAttempts: 1, BaseDelayMs: 1, SleepForTest: noSleep}, func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, bridgeerr.TimeoutError(1)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, res.Retries)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := Do(ctx, Config{MaxAttempts: 3, BaseDelayMs: 1, SleepForTest: noSleep}, func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("should not run")
	})
	assert.Error(t, err)
}

func TestGetRetryDelayStrategies(t *testing.T) {
	assert.Equal(t, 10*time.Millisecond, bridgeerr.GetRetryDelay(1, 10, Exponential))
	assert.Equal(t, 20*time.Millisecond, bridgeerr.GetRetryDelay(2, 10, Exponential))
	assert.Equal(t, 10*time.Millisecond, bridgeerr.GetRetryDelay(1, 10, Linear))
	assert.Equal(t, 20*time.Millisecond, bridgeerr.GetRetryDelay(2, 10, Linear))
	assert.Equal(t, 10*time.Millisecond, bridgeerr.GetRetryDelay(9, 10, Fixed))
}

func TestJitterStaysWithinBounds(t *testing.T) {
	cfg := Config{BaseDelayMs: 100, Strategy: Fixed, Jitter: 0.5}
	for i := 0; i < 50; i++ {
		bo := &jitteredBackOff{cfg: cfg, rng: rand.New(rand.NewSource(int64(i)))}
		d := bo.NextBackOff()
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}
