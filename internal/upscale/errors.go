package upscale

import (
	"errors"
	"fmt"
)

// Kind classifies why a request failed.
type Kind string

// Error kinds.
const (
	KindInvalidRequest       Kind = "INVALID_REQUEST"
	KindInputNotFound        Kind = "INPUT_NOT_FOUND"
	KindInputEmpty           Kind = "INPUT_EMPTY"
	KindOutputDirUnavailable Kind = "OUTPUT_DIR_UNAVAILABLE"
	KindResourceMissing      Kind = "RESOURCE_MISSING"
	KindLaunchFailed         Kind = "LAUNCH_FAILED"
	KindProcessFailed        Kind = "PROCESS_FAILED"
	KindOutputMissingOrEmpty Kind = "OUTPUT_MISSING_OR_EMPTY"
	KindTransportUnavailable Kind = "TRANSPORT_UNAVAILABLE"
	KindTimeout              Kind = "TIMEOUT"
	KindUnknown              Kind = "UNKNOWN"
)

// Error is a terminal failure for one request.
type Error struct {
	Kind       Kind
	Message    string
	ExitCode   int    // set for KindProcessFailed
	Diagnostic string // captured tool output, bounded
	Cause      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Kind == KindProcessFailed {
		msg = fmt.Sprintf("%s (exit code %d)", msg, e.ExitCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same kind, so errors.Is(err, &Error{Kind: KindTimeout}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// NewError creates a new error of the given kind.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// NewProcessError creates a KindProcessFailed error carrying the exit code and captured output.
func NewProcessError(exitCode int, diagnostic string) *Error {
	return &Error{
		Kind:       KindProcessFailed,
		Message:    "external tool exited with an error",
		ExitCode:   exitCode,
		Diagnostic: diagnostic,
	}
}

// KindOf returns the kind of err, or KindUnknown when err is not an *Error.
// A nil error has no kind and yields "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
