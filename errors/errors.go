// Package errors provides error construction with caller information and the
// bridge's error taxonomy. Every error that crosses the RPC boundary carries a
// Kind, which determines the JSON-RPC error code sent to the host.
package errors

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// Kind classifies an error for RPC translation and recovery policy.
type Kind int

const (
	// KindInternal wraps anything unexpected.
	KindInternal Kind = iota
	// KindValidation covers malformed params or configuration.
	KindValidation
	// KindSession covers missing or busy sessions.
	KindSession
	// KindResource covers admission denial and memory pressure.
	KindResource
	// KindProtocol covers frame decode failures and invariant violations.
	KindProtocol
	// KindBackend covers backend adapter failures.
	KindBackend
	// KindAuth covers authentication requirements.
	KindAuth
)

// JSON-RPC error codes used on the wire.
const (
	CodeParseError      = -32700
	CodeInvalidRequest  = -32600
	CodeMethodNotFound  = -32601
	CodeInvalidParams   = -32602
	CodeInternalError   = -32603
	CodeAuthRequired    = -32000
	CodeSessionNotFound = -32001
	CodeSessionBusy     = -32002
	CodeResourceExhaust = -32003
)

// Error is the bridge error type. Message already includes caller context.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an internal-kind error with file and line number information.
func New(format string, a ...interface{}) error {
	return &Error{Kind: KindInternal, Code: CodeInternalError, Message: callerPrefix(format, a...)}
}

// NewKind creates an error of the given kind with caller information.
func NewKind(kind Kind, format string, a ...interface{}) error {
	return &Error{Kind: kind, Code: codeFor(kind), Message: callerPrefix(format, a...)}
}

// WithCode creates an error of the given kind with an explicit wire code.
// Used where one kind maps to more than one code (busy vs not-found sessions).
func WithCode(kind Kind, code int, format string, a ...interface{}) error {
	return &Error{Kind: kind, Code: code, Message: callerPrefix(format, a...)}
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil. The wrapped error keeps the
// kind and code of err when err is itself an *Error.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindOf(err), Code: CodeOf(err), Message: callerPrefix(format, a...), Err: err}
}

// WrapKind wraps err with an explicit kind. Returns nil if err is nil.
func WrapKind(err error, kind Kind, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: codeFor(kind), Message: callerPrefix(format, a...), Err: err}
}

// KindOf reports the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var be *Error
	if stderrors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// CodeOf reports the JSON-RPC error code for err.
func CodeOf(err error) int {
	var be *Error
	if stderrors.As(err, &be) {
		if be.Code != 0 {
			return be.Code
		}
		return codeFor(be.Kind)
	}
	return CodeInternalError
}

// Is and As re-export the standard helpers so callers need a single import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target interface{}) bool { return stderrors.As(err, target) }

func codeFor(kind Kind) int {
	switch kind {
	case KindValidation:
		return CodeInvalidParams
	case KindSession:
		return CodeSessionNotFound
	case KindResource:
		return CodeResourceExhaust
	case KindProtocol:
		return CodeInvalidRequest
	case KindAuth:
		return CodeAuthRequired
	default:
		return CodeInternalError
	}
}

func callerPrefix(format string, a ...interface{}) string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		file = "???"
		line = 0
	} else {
		file = filepath.Base(file)
	}
	return fmt.Sprintf("[%s:%d] %s", file, line, fmt.Sprintf(format, a...))
}
