package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPopulatesPoolAndRetryDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, 4, c.Pool.MaxWorkers)
	assert.Equal(t, "exponential", c.Retry.Strategy)
	assert.Equal(t, 5, c.Breaker.FailureThreshold)
}

func TestLoadFromFileOverlaysOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  maxWorkers: 8\n  frameworkPath: /tmp/worker.py\n"), 0o644))

	c, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 8, c.Pool.MaxWorkers)
	assert.Equal(t, "/tmp/worker.py", c.Pool.FrameworkPath)
	// untouched fields keep their defaults
	assert.Equal(t, 5, c.Breaker.FailureThreshold)
}

func TestLoadFromFileMissingPathErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvFileMissingIsNotAnError(t *testing.T) {
	err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

func TestLoadEnvFileLoadsVariables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SQLITEBRIDGE_LOG_LEVEL=debug\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("SQLITEBRIDGE_LOG_LEVEL") })

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "debug", os.Getenv("SQLITEBRIDGE_LOG_LEVEL"))
}

func TestApplyEnvOverridesMaxWorkers(t *testing.T) {
	os.Setenv("SQLITEBRIDGE_MAX_WORKERS", "12")
	t.Cleanup(func() { os.Unsetenv("SQLITEBRIDGE_MAX_WORKERS") })

	c := Default()
	ApplyEnv(&c)
	assert.Equal(t, 12, c.Pool.MaxWorkers)
}

func TestBindFlagsOverridesMaxWorkers(t *testing.T) {
	c := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	BindFlags(fs, &c)
	require.NoError(t, fs.Parse([]string{"-max-workers", "16"}))
	assert.Equal(t, 16, c.Pool.MaxWorkers)
}

func TestIdempotentMethodSetBuildsLookupMap(t *testing.T) {
	c := Default()
	c.Cache.IdempotentMethods = []string{"query", "schema"}
	set := c.IdempotentMethodSet()
	assert.True(t, set["query"])
	assert.True(t, set["schema"])
	assert.False(t, set["execute"])
}
