package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithBindsAttributesToSubsequentCalls(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelInfo).With("worker_id", 3)
	l.Info("process-started")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, float64(3), entry["worker_id"])
	assert.Equal(t, "process-started", entry["msg"])
}

func TestNoopDiscardsOutput(t *testing.T) {
	l := Noop()
	l.Info("should not panic or write anywhere")
}

func TestWithContextAttachesCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelInfo)
	ctx := ContextWithCorrelationID(context.Background(), "abc-123")
	l.WithContext(ctx).Info("dispatch")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "abc-123", entry["correlation_id"])
}
