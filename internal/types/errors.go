package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so the orchestrator can decide between
// falling back, degrading, and closing the session.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindPermissionDenied: a capture or input backend refused access.
	KindPermissionDenied
	// KindBackendUnavailable: an encoder or capture backend is missing.
	KindBackendUnavailable
	// KindAuthFailure: the handshake or credential check rejected the client.
	KindAuthFailure
	// KindTransportError: a network read or write failed.
	KindTransportError
	// KindProtocolViolation: the client sent malformed negotiation data.
	KindProtocolViolation
	// KindResourceExhaustion: every fallback was tried and failed.
	KindResourceExhaustion
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission denied"
	case KindBackendUnavailable:
		return "backend unavailable"
	case KindAuthFailure:
		return "auth failure"
	case KindTransportError:
		return "transport error"
	case KindProtocolViolation:
		return "protocol violation"
	case KindResourceExhaustion:
		return "resource exhaustion"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Op names the operation that failed
// ("capture.open", "encode.init nvenc", ...).
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of Op and Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

var (
	ErrPermissionDenied   = &Error{Kind: KindPermissionDenied}
	ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable}
	ErrAuthFailure        = &Error{Kind: KindAuthFailure}
	ErrTransport          = &Error{Kind: KindTransportError}
	ErrProtocolViolation  = &Error{Kind: KindProtocolViolation}
	ErrResourceExhaustion = &Error{Kind: KindResourceExhaustion}
)

// NewError wraps err with a kind and operation.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
