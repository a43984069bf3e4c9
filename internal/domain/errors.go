package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")
)

// Sentinel errors for the connection layer.
var (
	// ErrConnectivity marks DNS, TLS and socket failures during negotiation
	// or on a live connection. Retried per the reconnect policy.
	ErrConnectivity = fmt.Errorf("connectivity failure")

	// ErrServerError marks a platform-side problem reported by the server.
	ErrServerError = fmt.Errorf("server error")

	// ErrClientError marks a caller-side problem (usually credentials).
	// Never retried.
	ErrClientError = fmt.Errorf("client error")

	ErrNoEndpoint         = fmt.Errorf("no available endpoint")
	ErrReconnectExhausted = fmt.Errorf("reconnect attempts exhausted")
	ErrNotConnected       = fmt.Errorf("not connected")
	ErrClosed             = fmt.Errorf("client closed")
	ErrAlreadyStarted     = fmt.Errorf("client already started")
	ErrOverloaded         = fmt.Errorf("too many events in flight")

	// Protocol errors. Always local: the offending frame is dropped.
	ErrInvalidFrame  = fmt.Errorf("invalid frame")
	ErrMissingHeader = fmt.Errorf("missing header")
	ErrBadHeader     = fmt.Errorf("malformed header")
	ErrEmptyPayload  = fmt.Errorf("empty payload")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Negotiator.Negotiate")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// NegotiationError is returned when the endpoint service answers with a
// non-success code. It unwraps to ErrServerError or ErrClientError.
type NegotiationError struct {
	Code int
	Msg  string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("%s: code=%d msg=%s", e.Err, e.Code, e.Msg)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// NewServerError builds a NegotiationError in the server category.
func NewServerError(code int, msg string) *NegotiationError {
	return &NegotiationError{Code: code, Msg: msg, Err: ErrServerError}
}

// NewClientError builds a NegotiationError in the client category.
func NewClientError(code int, msg string) *NegotiationError {
	return &NegotiationError{Code: code, Msg: msg, Err: ErrClientError}
}

// IsRetryableError reports whether err is a transient error that may succeed
// on a later connection attempt. Client errors are never retryable.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, ErrClientError) || errors.Is(err, ErrClosed) {
		return false
	}
	return errors.Is(err, ErrConnectivity) ||
		errors.Is(err, ErrServerError) ||
		errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeConnectivity       ErrorCode = "CONNECTIVITY"
	CodeServerError        ErrorCode = "SERVER_ERROR"
	CodeClientError        ErrorCode = "CLIENT_ERROR"
	CodeNoEndpoint         ErrorCode = "NO_ENDPOINT"
	CodeReconnectExhausted ErrorCode = "RECONNECT_EXHAUSTED"
	CodeNotConnected       ErrorCode = "NOT_CONNECTED"
	CodeClosed             ErrorCode = "CLOSED"
	CodeAlreadyStarted     ErrorCode = "ALREADY_STARTED"
	CodeOverloaded         ErrorCode = "OVERLOADED"
	CodeInvalidFrame       ErrorCode = "INVALID_FRAME"
	CodeMissingHeader      ErrorCode = "MISSING_HEADER"
	CodeBadHeader          ErrorCode = "BAD_HEADER"
	CodeEmptyPayload       ErrorCode = "EMPTY_PAYLOAD"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
// More specific sentinels are checked before their categories.
var errorCodeMap = []struct {
	err  error
	code ErrorCode
}{
	{ErrNoEndpoint, CodeNoEndpoint},
	{ErrReconnectExhausted, CodeReconnectExhausted},
	{ErrNotConnected, CodeNotConnected},
	{ErrClosed, CodeClosed},
	{ErrAlreadyStarted, CodeAlreadyStarted},
	{ErrOverloaded, CodeOverloaded},
	{ErrMissingHeader, CodeMissingHeader},
	{ErrBadHeader, CodeBadHeader},
	{ErrEmptyPayload, CodeEmptyPayload},
	{ErrInvalidFrame, CodeInvalidFrame},
	{ErrClientError, CodeClientError},
	{ErrServerError, CodeServerError},
	{ErrConnectivity, CodeConnectivity},
	{ErrTimeout, CodeTimeout},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrInvalidInput, CodeInvalidInput},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, m := range errorCodeMap {
		if errors.Is(err, m.err) {
			return m.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
