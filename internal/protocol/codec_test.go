package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestRoundTrip(t *testing.T) {
	req, err := NewRequest("abc-1", "getRecommendations", map[string]interface{}{
		"domain": "finance",
	}, nil)
	require.NoError(t, err)

	data, err := Serialize(req)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1])

	var decoded Request
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &decoded))
	assert.Equal(t, req.ID, decoded.ID)
	assert.Equal(t, req.Method, decoded.Method)
	assert.Equal(t, req.Params["domain"], decoded.Params["domain"])
}

func TestValidateRequestRejectsMissingFields(t *testing.T) {
	_, err := NewRequest("", "m", nil, nil)
	assert.Error(t, err)
	_, err = NewRequest("id", "", nil, nil)
	assert.Error(t, err)
}

func TestParseSuccessResponse(t *testing.T) {
	line := []byte(`{"jsonrpc":"2.0","id":"abc-1","result":{"data":{"x":1},"metadata":{"executionTime":12.5,"cached":false}}}`)
	resp, err := Parse(line)
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
	assert.Equal(t, "abc-1", resp.ID)
}

func TestParseErrorResponse(t *testing.T) {
	line := []byte(`{"jsonrpc":"2.0","id":"abc-2","error":{"code":-32000,"message":"boom","data":{"recoverable":true}}}`)
	resp, err := Parse(line)
	require.NoError(t, err)
	assert.False(t, resp.IsSuccess())
	assert.Equal(t, int32(-32000), resp.Error.Code)

	be := resp.Error.ToBridgeError()
	assert.True(t, be.Recoverable)
}

func TestParseMalformedLineDoesNotPanic(t *testing.T) {
	_, err := Parse([]byte(`not json at all {{{`))
	assert.Error(t, err)
}

func TestParseRejectsBothResultAndError(t *testing.T) {
	line := []byte(`{"jsonrpc":"2.0","id":"x","result":{"data":1,"metadata":{}},"error":{"code":1,"message":"m"}}`)
	_, err := Parse(line)
	assert.Error(t, err)
}

func TestParseRejectsNeitherResultNorError(t *testing.T) {
	line := []byte(`{"jsonrpc":"2.0","id":"x"}`)
	_, err := Parse(line)
	assert.Error(t, err)
}

func TestParseRejectsWrongVersion(t *testing.T) {
	line := []byte(`{"jsonrpc":"1.0","id":"x","result":{"data":1,"metadata":{}}}`)
	_, err := Parse(line)
	assert.Error(t, err)
}
