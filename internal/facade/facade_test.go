package facade

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bc-dunia/sqlitebridge/internal/adapter"
	"github.com/bc-dunia/sqlitebridge/internal/bridge"
	"github.com/bc-dunia/sqlitebridge/internal/breaker"
	"github.com/bc-dunia/sqlitebridge/internal/cache"
	"github.com/bc-dunia/sqlitebridge/internal/pool"
	"github.com/bc-dunia/sqlitebridge/internal/retry"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakeworker.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

// countingEchoScript replies with an incrementing counter each call so
// tests can distinguish a cache hit (stale count) from a fresh call.
const countingEchoScript = `#!/bin/sh
echo READY
n=0
while IFS= read -r line; do
  n=$((n+1))
  id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
  printf '{"jsonrpc":"2.0","id":"%s","result":{"data":{"call_count":%d},"metadata":{"executionTime":0.01,"cached":false}}}\n' "$id" "$n"
done
`

const validationScript = `#!/bin/sh
echo READY
while IFS= read -r line; do true; done
`

func newTestFacade(t *testing.T, script string, cacheDir string) *Facade {
	t.Helper()
	path := writeScript(t, script)
	cfg := Config{
		Bridge: bridge.Config{
			Pool: pool.Config{
				MaxWorkers:              1,
				FrameworkPath:           path,
				WorkDir:                 t.TempDir(),
				ProcessStartupTimeoutMs: 2000,
				RequestTimeoutMs:        2000,
				MaxConcurrentPerWorker:  1,
			},
			Retry:   retry.Config{MaxAttempts: 2, BaseDelayMs: 1, SleepForTest: func(time.Duration) {}},
			Breaker: breaker.Config{FailureThreshold: 2, ResetTimeoutMs: 50, HalfOpenRequestCount: 1},
		},
		Cache: cache.Config{
			L1MaxEntries:      100,
			L1TTL:             time.Minute,
			IdempotentMethods: map[string]bool{"query": true},
		},
		Methods: adapter.MethodMap{"query": "query"},
		Strict:  true,
	}
	if cacheDir != "" {
		cfg.Cache.L2Dir = cacheDir
		cfg.Cache.L2TTL = time.Minute
		cfg.Cache.L2MaxBytes = 1 << 20
	}
	f, err := New(cfg, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(func() { _ = f.Shutdown(context.Background()) })
	return f
}

func TestFacadeCallHappyPathAndCacheHit(t *testing.T) {
	f := newTestFacade(t, countingEchoScript, "")

	first, err := f.Call(context.Background(), "query", map[string]interface{}{"sql": "select 1"}, CallOptions{})
	require.NoError(t, err)

	second, err := f.Call(context.Background(), "query", map[string]interface{}{"sql": "select 1"}, CallOptions{})
	require.NoError(t, err)

	assert.Equal(t, first, second, "second call should be served from cache, same payload as the first")
}

func TestFacadeValidationRejectsMissingRequiredField(t *testing.T) {
	f := newTestFacade(t, validationScript, "")
	_, err := f.Call(context.Background(), "query", map[string]interface{}{}, CallOptions{})
	require.Error(t, err)
}

func TestFacadeMethodNotFoundInStrictMode(t *testing.T) {
	f := newTestFacade(t, countingEchoScript, "")
	_, err := f.Call(context.Background(), "unknownMethod", map[string]interface{}{"sql": "x"}, CallOptions{})
	require.Error(t, err)
}

func TestFacadeSkipCacheForcesFreshCall(t *testing.T) {
	f := newTestFacade(t, countingEchoScript, "")

	first, err := f.Call(context.Background(), "query", map[string]interface{}{"sql": "select 1"}, CallOptions{})
	require.NoError(t, err)
	second, err := f.Call(context.Background(), "query", map[string]interface{}{"sql": "select 1"}, CallOptions{SkipCache: true})
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestFacadeIsHealthyReflectsLifecycle(t *testing.T) {
	f := newTestFacade(t, countingEchoScript, "")
	assert.True(t, f.IsHealthy())
}
