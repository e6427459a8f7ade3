package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bc-dunia/sqlitebridge/internal/bridgeerr"
	"github.com/bc-dunia/sqlitebridge/internal/protocol"
)

func TestAdaptMethodStrictModeRejectsUnmapped(t *testing.T) {
	a := New(MethodMap{"runQuery": "query"}, true)
	_, err := a.AdaptMethod("unknownMethod")
	require.Error(t, err)
	be, ok := err.(*bridgeerr.BridgeError)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.KindMethodNotFound, be.Kind)
}

func TestAdaptMethodNonStrictPassesThrough(t *testing.T) {
	a := New(MethodMap{"runQuery": "query"}, false)
	wire, err := a.AdaptMethod("somethingElse")
	require.NoError(t, err)
	assert.Equal(t, "somethingElse", wire)
}

func TestAdaptRequestConvertsKeysToSnakeCase(t *testing.T) {
	a := New(MethodMap{"runQuery": "query"}, true)
	wireMethod, params, err := a.AdaptRequest("runQuery", map[string]interface{}{
		"sqlText":  "select 1",
		"timeoutMs": float64(500),
	})
	require.NoError(t, err)
	assert.Equal(t, "query", wireMethod)
	assert.Equal(t, "select 1", params["sql_text"])
	assert.Equal(t, float64(500), params["timeout_ms"])
}

func TestAdaptResponseConvertsKeysToCamelCase(t *testing.T) {
	a := New(MethodMap{"runQuery": "query"}, true)
	result := &protocol.ResultEnvelope{Data: map[string]interface{}{
		"row_count": float64(3),
		"rows":      []interface{}{map[string]interface{}{"col_name": "a"}},
	}}
	out := a.AdaptResponse("runQuery", result).(map[string]interface{})
	assert.Equal(t, float64(3), out["rowCount"])
	rows := out["rows"].([]interface{})
	row := rows[0].(map[string]interface{})
	assert.Equal(t, "a", row["colName"])
}

func TestAdaptResponseAppliesRegisteredShaper(t *testing.T) {
	a := New(MethodMap{"runQuery": "query"}, true)
	a.RegisterShaper("runQuery", func(data interface{}) interface{} {
		m := data.(map[string]interface{})
		return map[string]interface{}{"wrapped": m}
	})
	result := &protocol.ResultEnvelope{Data: map[string]interface{}{"ok": true}}
	out := a.AdaptResponse("runQuery", result).(map[string]interface{})
	_, hasWrapped := out["wrapped"]
	assert.True(t, hasWrapped)
}

func TestToSnakeAndCamelRoundTrip(t *testing.T) {
	assert.Equal(t, "foo_bar_baz", ToSnakeCase("fooBarBaz"))
	assert.Equal(t, "fooBarBaz", ToCamelCase("foo_bar_baz"))
	assert.Equal(t, "sql", ToSnakeCase("sql"))
	assert.Equal(t, "sql", ToCamelCase("sql"))
}
