// Package errors provides structured error handling for the dispatch runtime.
// Every error surfaced to a caller carries a stable machine-readable kind, a
// JSON-RPC error code, and a human-readable message with sensitive detail
// already removed. Raw provider faults never cross the transport boundary.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for programmatic handling. Kinds are stable across
// releases; callers may switch on them.
type Kind string

const (
	KindUnsupportedVersion Kind = "unsupported_version"
	KindProtocolOrder      Kind = "protocol_order"
	KindAuthentication     Kind = "authentication"
	KindAuthorization      Kind = "authorization"
	KindValidation         Kind = "validation"
	KindRateLimited        Kind = "rate_limited"
	KindNotFound           Kind = "not_found"
	KindTimeout            Kind = "timeout"
	KindProvider           Kind = "provider"
	KindDuplicateName      Kind = "duplicate_name"
	KindTransportClosed    Kind = "transport_closed"
	KindInternal           Kind = "internal"
)

// JSON-RPC error codes used on the wire. Standard codes where they exist,
// implementation-defined codes in the -32000..-32099 range otherwise.
const (
	CodeParseError     int = -32700
	CodeInvalidRequest int = -32600
	CodeMethodNotFound int = -32601
	CodeInvalidParams  int = -32602
	CodeInternalError  int = -32603

	CodeUnsupportedVersion int = -32000
	CodeProtocolOrder      int = -32001
	CodeAuthentication     int = -32002
	CodeAuthorization      int = -32003
	CodeRateLimited        int = -32004
	CodeNotFound           int = -32005
	CodeTimeout            int = -32006
	CodeProvider           int = -32007
	CodeDuplicateName      int = -32008
	CodeTransportClosed    int = -32009
)

var kindCodes = map[Kind]int{
	KindUnsupportedVersion: CodeUnsupportedVersion,
	KindProtocolOrder:      CodeProtocolOrder,
	KindAuthentication:     CodeAuthentication,
	KindAuthorization:      CodeAuthorization,
	KindValidation:         CodeInvalidParams,
	KindRateLimited:        CodeRateLimited,
	KindNotFound:           CodeNotFound,
	KindTimeout:            CodeTimeout,
	KindProvider:           CodeProvider,
	KindDuplicateName:      CodeDuplicateName,
	KindTransportClosed:    CodeTransportClosed,
	KindInternal:           CodeInternalError,
}

// fatalKinds close the session instead of failing a single request.
var fatalKinds = map[Kind]bool{
	KindUnsupportedVersion: true,
	KindProtocolOrder:      true,
	KindTransportClosed:    true,
}

// Error is the structured error type used throughout the runtime.
type Error struct {
	kind    Kind
	message string
	fields  []string      // offending fields, validation only
	retry   time.Duration // retry-after hint, rate limiting only
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

// Kind returns the error classification.
func (e *Error) Kind() Kind { return e.kind }

// Code returns the JSON-RPC error code for this error.
func (e *Error) Code() int {
	if code, ok := kindCodes[e.kind]; ok {
		return code
	}
	return CodeInternalError
}

// Message returns the caller-safe message without the kind prefix.
func (e *Error) Message() string { return e.message }

// Fields returns the offending field names for validation errors.
func (e *Error) Fields() []string { return e.fields }

// RetryAfter returns the retry-after hint for rate-limit errors, zero
// otherwise.
func (e *Error) RetryAfter() time.Duration { return e.retry }

// Fatal reports whether the error terminates the session rather than the
// single request that produced it.
func (e *Error) Fatal() bool { return fatalKinds[e.kind] }

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new error of the given kind. The cause is kept
// for logs and unwrapping but is not serialized to the wire.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{kind: kind, message: message, cause: err}
}

// UnsupportedVersion reports a handshake with a protocol version the server
// does not speak. Fatal.
func UnsupportedVersion(requested string, supported []string) *Error {
	return Newf(KindUnsupportedVersion, "protocol version %q not supported (supported: %v)", requested, supported)
}

// ProtocolOrder reports a message that violates the handshake state machine.
// Fatal.
func ProtocolOrder(message string) *Error {
	return New(KindProtocolOrder, message)
}

// Authentication reports a missing or invalid credential.
func Authentication(message string) *Error {
	return New(KindAuthentication, message)
}

// Authorization reports a caller denied by the capability's access policy.
func Authorization(identity, action string) *Error {
	return Newf(KindAuthorization, "identity %q is not permitted to perform %q", identity, action)
}

// Validation reports arguments rejected by the target capability's input
// schema. The offending field names are carried for the caller.
func Validation(message string, fields ...string) *Error {
	return &Error{kind: KindValidation, message: message, fields: fields}
}

// RateLimited reports an exhausted rate window together with a retry-after
// hint.
func RateLimited(operation string, retryAfter time.Duration) *Error {
	return &Error{
		kind:    KindRateLimited,
		message: fmt.Sprintf("rate limit exceeded for %s", operation),
		retry:   retryAfter,
	}
}

// NotFound reports an unknown capability name or unresolvable resource URI.
func NotFound(what, name string) *Error {
	return Newf(KindNotFound, "%s %q not found", what, name)
}

// Timeout reports a provider call that exceeded its deadline.
func Timeout(target string, limit time.Duration) *Error {
	return Newf(KindTimeout, "call to %q exceeded %s deadline", target, limit)
}

// Provider wraps a fault raised inside a provider handler. The wrapped cause
// stays server-side; only the sanitized message travels to the caller.
func Provider(target string, cause error) *Error {
	return &Error{
		kind:    KindProvider,
		message: fmt.Sprintf("provider %q failed", target),
		cause:   cause,
	}
}

// DuplicateName reports a registration-time name or template collision.
func DuplicateName(catalog, name string) *Error {
	return Newf(KindDuplicateName, "%s %q already registered", catalog, name)
}

// TransportClosed reports I/O failure or explicit close of the underlying
// channel. The pipeline treats it as session teardown, not a request error.
func TransportClosed(cause error) *Error {
	return &Error{kind: KindTransportClosed, message: "transport closed", cause: cause}
}

// As extracts a *Error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	if e, ok := As(err); ok {
		return e.kind == kind
	}
	return false
}

// Internalize converts any error into a *Error. Non-structured errors become
// KindInternal with a generic message so that internal detail never leaks.
func Internalize(err error) *Error {
	if e, ok := As(err); ok {
		return e
	}
	return &Error{kind: KindInternal, message: "internal error", cause: err}
}
