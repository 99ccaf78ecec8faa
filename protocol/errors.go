package protocol

import (
	"errors"
	"fmt"
)

// Error codes carried in Error.Code. Handlers may throw their own codes;
// those pass through untouched.
const (
	CodeHandler    = "HANDLER_ERROR"
	CodeUnknown    = "UNKNOWN_ERROR"
	CodeAuth       = "AUTH_ERROR"
	CodeDispatch   = "DISPATCH_ERROR"
	CodeModuleLoad = "MODULE_LOAD_ERROR"
	CodeTransport  = "TRANSPORT_ERROR"
	CodeBundle     = "BUNDLE_ERROR"
	CodeShutdown   = "SHUTDOWN"
	CodeException  = "EXCEPTION"
)

// Error is the structured envelope every failure converges on, whether it
// was raised by application code inside the sandbox or by the platform.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   *Error `json:"cause,omitempty"`
}

// NewError builds an Error, optionally wrapping cause. A cause that is
// already an *Error is kept as is; anything else is flattened.
func NewError(code, message string, cause error) *Error {
	e := &Error{Code: code, Message: message}
	if cause != nil {
		e.Cause = AsError(cause, CodeUnknown)
	}
	return e
}

// AsError returns err as an *Error, converting foreign errors with the
// fallback code.
func AsError(err error, fallback string) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: fallback, Message: err.Error()}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Is matches on Code so callers can write errors.Is(err, protocol.ErrShutdown).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// Sentinels for errors.Is checks by code.
var (
	ErrShutdown  = &Error{Code: CodeShutdown}
	ErrTransport = &Error{Code: CodeTransport}
	ErrAuth      = &Error{Code: CodeAuth}
	ErrDispatch  = &Error{Code: CodeDispatch}
)

// IsPlatformError reports whether err originated in the platform or the
// transport rather than in application code.
func IsPlatformError(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return true
	}
	switch pe.Code {
	case CodeTransport, CodeShutdown, CodeBundle, CodeDispatch, CodeModuleLoad:
		return true
	}
	return false
}
