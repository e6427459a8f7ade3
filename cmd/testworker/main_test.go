package main

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newTestWorker(t *testing.T) *worker {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &worker{db: db}
}

func TestExecuteCreateTableThenQuery(t *testing.T) {
	w := newTestWorker(t)
	ctx := context.Background()

	_, err := w.execute(ctx, map[string]interface{}{"sql": "CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)"})
	require.NoError(t, err)

	_, err = w.execute(ctx, map[string]interface{}{
		"sql":    "INSERT INTO widgets (name) VALUES (?)",
		"params": []interface{}{"gizmo"},
	})
	require.NoError(t, err)

	result, err := w.query(ctx, map[string]interface{}{"sql": "SELECT id, name FROM widgets"})
	require.NoError(t, err)

	m := result.(map[string]interface{})
	assert.Equal(t, 1, m["row_count"])
}

func TestTransactionCommitsAllOperations(t *testing.T) {
	w := newTestWorker(t)
	ctx := context.Background()

	_, err := w.execute(ctx, map[string]interface{}{"sql": "CREATE TABLE counters (id INTEGER PRIMARY KEY, n INTEGER)"})
	require.NoError(t, err)

	_, err = w.transaction(ctx, map[string]interface{}{
		"operations": []interface{}{
			map[string]interface{}{"sql": "INSERT INTO counters (n) VALUES (1)"},
			map[string]interface{}{"sql": "INSERT INTO counters (n) VALUES (2)"},
		},
	})
	require.NoError(t, err)

	result, err := w.query(ctx, map[string]interface{}{"sql": "SELECT n FROM counters ORDER BY n"})
	require.NoError(t, err)
	m := result.(map[string]interface{})
	assert.Equal(t, 2, m["row_count"])
}

func TestTransactionRollsBackOnError(t *testing.T) {
	w := newTestWorker(t)
	ctx := context.Background()

	_, err := w.execute(ctx, map[string]interface{}{"sql": "CREATE TABLE counters (id INTEGER PRIMARY KEY, n INTEGER UNIQUE)"})
	require.NoError(t, err)

	_, err = w.transaction(ctx, map[string]interface{}{
		"operations": []interface{}{
			map[string]interface{}{"sql": "INSERT INTO counters (n) VALUES (1)"},
			map[string]interface{}{"sql": "INSERT INTO counters (n) VALUES (1)"},
		},
	})
	require.Error(t, err)

	result, err := w.query(ctx, map[string]interface{}{"sql": "SELECT n FROM counters"})
	require.NoError(t, err)
	m := result.(map[string]interface{})
	assert.Equal(t, 0, m["row_count"])
}

func TestSchemaReturnsCreatedTable(t *testing.T) {
	w := newTestWorker(t)
	ctx := context.Background()

	_, err := w.execute(ctx, map[string]interface{}{"sql": "CREATE TABLE events (id INTEGER PRIMARY KEY)"})
	require.NoError(t, err)

	result, err := w.schema(ctx, map[string]interface{}{"table": "events"})
	require.NoError(t, err)
	m := result.(map[string]interface{})
	tables := m["tables"].([]map[string]interface{})
	require.Len(t, tables, 1)
	assert.Equal(t, "events", tables[0]["name"])
}

func TestDispatchUnknownMethodErrors(t *testing.T) {
	w := newTestWorker(t)
	_, err := w.dispatch(context.Background(), &wireRequest{ID: "1", Method: "frobnicate"})
	assert.Error(t, err)
}

func TestParseRequestRejectsMissingFields(t *testing.T) {
	_, err := parseRequest(`{"id":"","method":"query"}`)
	assert.Error(t, err)
	_, err = parseRequest(`{"id":"1","method":""}`)
	assert.Error(t, err)
}
