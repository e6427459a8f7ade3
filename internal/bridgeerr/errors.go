// Package bridgeerr defines the tagged error variants shared across the
// bridge: each carries a stable JSON-RPC wire code and a recoverability
// flag that the retry policy and circuit breaker key off of.
package bridgeerr

import (
	"fmt"
	"time"
)

// Reserved JSON-RPC 2.0 codes plus the application range used here.
const (
	CodeParseError     int32 = -32700
	CodeInvalidRequest int32 = -32600
	CodeMethodNotFound int32 = -32601
	CodeInvalidParams  int32 = -32602
	CodeInternal       int32 = -32603

	CodeServerError        int32 = -32000
	CodeTimeout            int32 = -32001
	CodeCircuitBreakerOpen int32 = -32002
)

// Kind identifies which tagged variant an error is without a type switch.
type Kind string

const (
	KindProtocolParse      Kind = "protocol_parse_error"
	KindValidation         Kind = "validation_error"
	KindMethodNotFound     Kind = "method_not_found"
	KindProcessStartup     Kind = "process_startup_error"
	KindProcessCrashed     Kind = "process_crashed"
	KindTimeout            Kind = "timeout_error"
	KindPythonError        Kind = "python_error"
	KindCircuitBreakerOpen Kind = "circuit_breaker_open"
	KindFrameworkNotFound  Kind = "framework_not_found"
	KindCacheError         Kind = "cache_error"
	KindNoAvailableWorker  Kind = "no_available_worker"
	KindPoolShuttingDown   Kind = "pool_shutting_down"
	KindInvalidParams      Kind = "invalid_params"
)

// BridgeError is the single concrete type behind every variant below;
// the constructors pin down code/recoverable/message per spec §4.1.
type BridgeError struct {
	Kind        Kind
	Code        int32
	Message     string
	Recoverable bool
	Data        map[string]interface{}
	wrapped     error
}

func (e *BridgeError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *BridgeError) Unwrap() error { return e.wrapped }

// IsRecoverable governs retry eligibility (spec §4.1, §7).
func IsRecoverable(err error) bool {
	be, ok := err.(*BridgeError)
	if !ok {
		return false
	}
	return be.Recoverable
}

// RetryAfter returns the suggested retry delay embedded in an error's
// Data, if any (e.g. CircuitBreakerOpen.retryAfterMs).
func RetryAfter(err error) (time.Duration, bool) {
	be, ok := err.(*BridgeError)
	if !ok || be.Data == nil {
		return 0, false
	}
	ms, ok := be.Data["retryAfter"].(int64)
	if !ok {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

func ProtocolParseError(offendingLine string, cause error) *BridgeError {
	return &BridgeError{
		Kind:        KindProtocolParse,
		Code:        CodeParseError,
		Message:     "failed to parse protocol frame",
		Recoverable: false,
		Data:        map[string]interface{}{"line": offendingLine},
		wrapped:     cause,
	}
}

func ValidationError(details map[string]interface{}) *BridgeError {
	return &BridgeError{
		Kind:        KindValidation,
		Code:        CodeInvalidParams,
		Message:     "parameter validation failed",
		Recoverable: false,
		Data:        details,
	}
}

func MethodNotFound(method string) *BridgeError {
	return &BridgeError{
		Kind:        KindMethodNotFound,
		Code:        CodeMethodNotFound,
		Message:     fmt.Sprintf("unknown method %q", method),
		Recoverable: false,
	}
}

func ProcessStartupError(cause error) *BridgeError {
	return &BridgeError{
		Kind:        KindProcessStartup,
		Code:        CodeInternal,
		Message:     "worker process failed to start",
		Recoverable: false,
		wrapped:     cause,
	}
}

func ProcessCrashed(exitCode int, signal string, stderrTail string) *BridgeError {
	return &BridgeError{
		Kind:        KindProcessCrashed,
		Code:        CodeInternal,
		Message:     "worker process crashed",
		Recoverable: true,
		Data: map[string]interface{}{
			"exitCode":   exitCode,
			"signal":     signal,
			"stderrTail": stderrTail,
		},
	}
}

func TimeoutError(waitedMs int64) *BridgeError {
	return &BridgeError{
		Kind:        KindTimeout,
		Code:        CodeTimeout,
		Message:     "request timed out",
		Recoverable: true,
		Data:        map[string]interface{}{"waitedMs": waitedMs},
	}
}

func PythonError(remoteType, message, traceback string, recoverable bool) *BridgeError {
	data := map[string]interface{}{"remoteType": remoteType}
	if traceback != "" {
		data["traceback"] = traceback
	}
	return &BridgeError{
		Kind:        KindPythonError,
		Code:        CodeServerError,
		Message:     message,
		Recoverable: recoverable,
		Data:        data,
	}
}

func CircuitBreakerOpen(retryAfter time.Duration) *BridgeError {
	return &BridgeError{
		Kind:        KindCircuitBreakerOpen,
		Code:        CodeCircuitBreakerOpen,
		Message:     "circuit breaker is open",
		Recoverable: false,
		Data:        map[string]interface{}{"retryAfter": retryAfter.Milliseconds()},
	}
}

func FrameworkNotFound(path string) *BridgeError {
	return &BridgeError{
		Kind:        KindFrameworkNotFound,
		Code:        CodeInternal,
		Message:     fmt.Sprintf("framework entrypoint not found: %s", path),
		Recoverable: false,
	}
}

func CacheError(subKind string, cause error) *BridgeError {
	return &BridgeError{
		Kind:        KindCacheError,
		Code:        CodeInternal,
		Message:     fmt.Sprintf("cache error: %s", subKind),
		Recoverable: false,
		wrapped:     cause,
	}
}

func NoAvailableWorker() *BridgeError {
	return &BridgeError{
		Kind:        KindNoAvailableWorker,
		Code:        CodeServerError,
		Message:     "no available worker in pool",
		Recoverable: true,
	}
}

func PoolShuttingDown() *BridgeError {
	return &BridgeError{
		Kind:        KindPoolShuttingDown,
		Code:        CodeServerError,
		Message:     "pool is shutting down",
		Recoverable: false,
	}
}

func InvalidParamsError(message string) *BridgeError {
	return &BridgeError{
		Kind:        KindInvalidParams,
		Code:        CodeInvalidParams,
		Message:     message,
		Recoverable: false,
	}
}

// RetryDelayStrategy names the backoff shape used by getRetryDelay and
// the retry policy (spec §4.1, §4.6).
type RetryDelayStrategy string

const (
	StrategyExponential RetryDelayStrategy = "exponential"
	StrategyLinear      RetryDelayStrategy = "linear"
	StrategyFixed       RetryDelayStrategy = "fixed"
)

// GetRetryDelay returns the base (pre-jitter) delay for attempt k>=1.
func GetRetryDelay(attempt int, baseMs int64, strategy RetryDelayStrategy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := time.Duration(baseMs) * time.Millisecond
	switch strategy {
	case StrategyLinear:
		return base * time.Duration(attempt)
	case StrategyFixed:
		return base
	case StrategyExponential:
		fallthrough
	default:
		return base * time.Duration(1<<uint(attempt-1))
	}
}
