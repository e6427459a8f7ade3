package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bc-dunia/sqlitebridge/internal/bridgeerr"
)

func fail(ctx context.Context) (interface{}, error) { return nil, errors.New("boom") }
func succeed(ctx context.Context) (interface{}, error) { return "ok", nil }

func TestClosedAllowsCallsAndResetsOnSuccess(t *testing.T) {
	b := New(Config{FailureThreshold: 3, ResetTimeoutMs: 1000, HalfOpenRequestCount: 1})
	_, err := b.Execute(context.Background(), fail)
	assert.Error(t, err)
	_, err = b.Execute(context.Background(), succeed)
	assert.NoError(t, err)
	assert.Equal(t, Closed, b.State())
}

func TestTripsOpenAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, ResetTimeoutMs: 5000, HalfOpenRequestCount: 1})
	for i := 0; i < 3; i++ {
		_, _ = b.Execute(context.Background(), fail)
	}
	assert.Equal(t, Open, b.State())

	_, err := b.Execute(context.Background(), succeed)
	require.Error(t, err)
	be, ok := err.(*bridgeerr.BridgeError)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.KindCircuitBreakerOpen, be.Kind)
}

func TestOpenFailsFastUntilResetTimeout(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeoutMs: 20, HalfOpenRequestCount: 1})
	_, _ = b.Execute(context.Background(), fail)
	require.Equal(t, Open, b.State())

	_, err := b.Execute(context.Background(), succeed)
	assert.Error(t, err)

	time.Sleep(30 * time.Millisecond)
	_, err = b.Execute(context.Background(), succeed)
	assert.NoError(t, err)
	assert.Equal(t, Closed, b.State())
}

func TestHalfOpenFailureReturnsToOpenWithFreshTimer(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeoutMs: 20, HalfOpenRequestCount: 2})
	_, _ = b.Execute(context.Background(), fail)
	time.Sleep(30 * time.Millisecond)

	// First call transitions to half-open and admits.
	_, err := b.Execute(context.Background(), fail)
	assert.Error(t, err)
	assert.Equal(t, Open, b.State())

	// The trip re-armed the reset timer, so the next call fails fast.
	_, err = b.Execute(context.Background(), succeed)
	require.Error(t, err)
	be, ok := err.(*bridgeerr.BridgeError)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.KindCircuitBreakerOpen, be.Kind)
}

func TestHalfOpenClosesAfterSuccessQuota(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeoutMs: 10, HalfOpenRequestCount: 2})
	_, _ = b.Execute(context.Background(), fail)
	time.Sleep(20 * time.Millisecond)

	_, err := b.Execute(context.Background(), succeed)
	assert.NoError(t, err)
	assert.Equal(t, HalfOpen, b.State())

	_, err = b.Execute(context.Background(), succeed)
	assert.NoError(t, err)
	assert.Equal(t, Closed, b.State())
}

func TestHalfOpenRequestCountOneAdmitsOnlyOneAtATime(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeoutMs: 10, HalfOpenRequestCount: 1})
	_, _ = b.Execute(context.Background(), fail)
	time.Sleep(20 * time.Millisecond)

	blocked := make(chan struct{})
	go func() {
		_, _ = b.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			close(blocked)
			time.Sleep(30 * time.Millisecond)
			return "ok", nil
		})
	}()
	<-blocked
	_, err := b.Execute(context.Background(), succeed)
	assert.Error(t, err)
}

func TestManagerCreatesPerEndpointLazily(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 2, ResetTimeoutMs: 10, HalfOpenRequestCount: 1})
	a := m.Get("svc-a")
	b := m.Get("svc-b")
	aAgain := m.Get("svc-a")
	assert.Same(t, a, aAgain)
	assert.NotSame(t, a, b)
}

func TestHistoryRecordsTransitions(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeoutMs: 10, HalfOpenRequestCount: 1})
	_, _ = b.Execute(context.Background(), fail)
	time.Sleep(20 * time.Millisecond)
	_, _ = b.Execute(context.Background(), succeed)

	time.Sleep(10 * time.Millisecond)
	hist := b.History()
	require.GreaterOrEqual(t, len(hist), 2)
	assert.Equal(t, Closed, hist[0].From)
	assert.Equal(t, Open, hist[0].To)
}
