package pool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bc-dunia/sqlitebridge/internal/bridgeerr"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakeworker.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

const echoScript = `#!/bin/sh
echo READY
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
  printf '{"jsonrpc":"2.0","id":"%s","result":{"data":{"ok":true},"metadata":{"executionTime":0.01,"cached":false}}}\n' "$id"
done
`

func newTestPool(t *testing.T, workers int) *Pool {
	t.Helper()
	path := writeScript(t, echoScript)
	p := New(Config{
		MaxWorkers:              workers,
		FrameworkPath:           path,
		WorkDir:                 t.TempDir(),
		ProcessStartupTimeoutMs: 2000,
		RequestTimeoutMs:        2000,
		MaxConcurrentPerWorker:  1,
	}, nil, Listener{})
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func TestStartSpawnsAllWorkers(t *testing.T) {
	p := newTestPool(t, 3)
	assert.Len(t, p.Stats(), 3)
}

func TestCallRoundRobinsAcrossWorkers(t *testing.T) {
	p := newTestPool(t, 2)
	_, err := p.Call(context.Background(), "query", nil, 0)
	require.NoError(t, err)
	_, err = p.Call(context.Background(), "query", nil, 0)
	require.NoError(t, err)

	stats := p.Stats()
	total := int64(0)
	for _, s := range stats {
		total += s.TotalSuccess
		assert.Equal(t, int64(1), s.TotalSuccess)
	}
	assert.Equal(t, int64(2), total)
}

func TestCallFailsFastWhenAllWorkersBusy(t *testing.T) {
	slowPath := writeScript(t, "#!/bin/sh\necho READY\nwhile IFS= read -r line; do sleep 2; done\n")
	p := New(Config{
		MaxWorkers:              1,
		FrameworkPath:           slowPath,
		WorkDir:                 t.TempDir(),
		ProcessStartupTimeoutMs: 2000,
		RequestTimeoutMs:        5000,
		MaxConcurrentPerWorker:  1,
	}, nil, Listener{})
	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown(context.Background())

	go func() { _, _ = p.Call(context.Background(), "slow", nil, 0) }()
	time.Sleep(50 * time.Millisecond)

	_, err := p.Call(context.Background(), "query", nil, 0)
	require.Error(t, err)
	be, ok := err.(*bridgeerr.BridgeError)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.KindNoAvailableWorker, be.Kind)
}

func TestRestartOnExitReplacesWorkerInSlot(t *testing.T) {
	crashPath := writeScript(t, "#!/bin/sh\necho READY\nexit 3\n")
	restarted := make(chan int, 1)
	p := New(Config{
		MaxWorkers:              1,
		FrameworkPath:           crashPath,
		WorkDir:                 t.TempDir(),
		ProcessStartupTimeoutMs: 2000,
		RestartOnExit:           true,
	}, nil, Listener{
		ProcessRestart: func(workerID int, attempt int) { restarted <- workerID },
	})
	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown(context.Background())

	select {
	case id := <-restarted:
		assert.Equal(t, 0, id)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a restart notification")
	}
}

func TestShutdownRejectsSubsequentCalls(t *testing.T) {
	p := newTestPool(t, 1)
	require.NoError(t, p.Shutdown(context.Background()))

	_, err := p.Call(context.Background(), "query", nil, 0)
	require.Error(t, err)
	be, ok := err.(*bridgeerr.BridgeError)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.KindPoolShuttingDown, be.Kind)
}
