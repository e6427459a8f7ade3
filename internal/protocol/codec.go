// Package protocol builds, validates, serializes, and parses the
// JSON-RPC 2.0 line frames exchanged with worker subprocesses over
// stdio (spec §4.2, §6). The codec is pure: no I/O, no timers.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/bc-dunia/sqlitebridge/internal/bridgeerr"
)

const Version = "2.0"

// Metadata carries the advisory fields a worker MAY ignore (spec §6).
type Metadata struct {
	Timeout     int64       `json:"timeout,omitempty"`
	Priority    string      `json:"priority,omitempty"`
	CacheKey    string      `json:"cacheKey,omitempty"`
	RequestTime int64       `json:"requestTime,omitempty"`
	Extra       interface{} `json:"-"`
}

// Request is the wire shape of a JSON-RPC request frame.
type Request struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      string                 `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
	Meta    *Metadata              `json:"metadata,omitempty"`
}

// ResultEnvelope is the success payload's "result" field.
type ResultEnvelope struct {
	Data interface{} `json:"data"`
	Meta ResultMeta  `json:"metadata"`
}

type ResultMeta struct {
	ExecutionTime float64 `json:"executionTime"`
	Cached        bool    `json:"cached"`
	Version       string  `json:"version,omitempty"`
	ResponseTime  int64   `json:"responseTime,omitempty"`
}

// ErrorEnvelope is the failure payload's "error" field.
type ErrorEnvelope struct {
	Code    int32         `json:"code"`
	Message string        `json:"message"`
	Data    ErrorDataBody `json:"data,omitempty"`
}

type ErrorDataBody struct {
	ErrorTime   int64                  `json:"errorTime,omitempty"`
	Recoverable *bool                  `json:"recoverable,omitempty"`
	RetryAfter  *int64                 `json:"retryAfter,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// Response is the wire shape of a JSON-RPC response frame. Exactly one
// of Result/Error is populated after Validate succeeds.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  *ResultEnvelope `json:"result,omitempty"`
	Error   *ErrorEnvelope  `json:"error,omitempty"`
}

func (r *Response) IsSuccess() bool { return r.Error == nil }

// NewRequest builds a validated request frame.
func NewRequest(id, method string, params map[string]interface{}, meta *Metadata) (*Request, error) {
	req := &Request{JSONRPC: Version, ID: id, Method: method, Params: params, Meta: meta}
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	return req, nil
}

// ValidateRequest enforces the structural rules in spec §4.2.
func ValidateRequest(r *Request) error {
	if r == nil {
		return bridgeerr.ProtocolParseError("", fmt.Errorf("nil request"))
	}
	if r.JSONRPC != Version {
		return bridgeerr.ProtocolParseError("", fmt.Errorf("jsonrpc must be %q, got %q", Version, r.JSONRPC))
	}
	if r.ID == "" {
		return bridgeerr.ProtocolParseError("", fmt.Errorf("id must be a nonempty string"))
	}
	if r.Method == "" {
		return bridgeerr.ProtocolParseError("", fmt.Errorf("method must be a nonempty string"))
	}
	return nil
}

// ValidateResponse enforces the structural rules in spec §4.2: success
// has result and no error, failure the converse; error has int code and
// string message.
func ValidateResponse(r *Response) error {
	if r == nil {
		return bridgeerr.ProtocolParseError("", fmt.Errorf("nil response"))
	}
	if r.JSONRPC != Version {
		return bridgeerr.ProtocolParseError("", fmt.Errorf("jsonrpc must be %q, got %q", Version, r.JSONRPC))
	}
	if r.ID == "" {
		return bridgeerr.ProtocolParseError("", fmt.Errorf("id must be a nonempty string"))
	}
	hasResult := r.Result != nil
	hasError := r.Error != nil
	if hasResult == hasError {
		return bridgeerr.ProtocolParseError("", fmt.Errorf("response must have exactly one of result or error"))
	}
	if hasError {
		if r.Error.Message == "" {
			return bridgeerr.ProtocolParseError("", fmt.Errorf("error.message must be a nonempty string"))
		}
	}
	return nil
}

// Serialize validates then emits canonical JSON plus a trailing
// newline, per the one-object-per-line wire framing in spec §6.
func Serialize(r *Request) ([]byte, error) {
	if err := ValidateRequest(r); err != nil {
		return nil, err
	}
	body, err := json.Marshal(r)
	if err != nil {
		return nil, bridgeerr.ProtocolParseError("", err)
	}
	return append(body, '\n'), nil
}

// Parse strictly parses a single line as a JSON-RPC response frame.
// Syntax failures return ProtocolParseError with the offending payload
// attached; they never panic, matching "never crash the reader" (§4.2).
func Parse(line []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, bridgeerr.ProtocolParseError(string(line), err)
	}
	if err := ValidateResponse(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ToBridgeError converts a wire ErrorEnvelope to the error taxonomy so
// callers above the codec deal only in bridgeerr.BridgeError.
func (e *ErrorEnvelope) ToBridgeError() *bridgeerr.BridgeError {
	recoverable := false
	if e.Data.Recoverable != nil {
		recoverable = *e.Data.Recoverable
	}
	traceback, _ := e.Data.Details["traceback"].(string)
	remoteType, _ := e.Data.Details["remoteType"].(string)
	if remoteType == "" {
		remoteType = "RemoteError"
	}
	return bridgeerr.PythonError(remoteType, e.Message, traceback, recoverable)
}
