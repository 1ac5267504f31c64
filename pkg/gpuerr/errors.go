// Package gpuerr defines the error taxonomy shared by the gpuio engine.
// Every failure crossing a package boundary is an *Error carrying a
// machine-readable Code; raw device error numbers never escape.
package gpuerr

import (
	"errors"
	"fmt"
)

// Code identifies a failure class.
type Code int

const (
	CodeUnknown Code = iota
	CodeInvalidSize
	CodeOutOfMemory
	CodeInvalidHandle
	CodeDeviceNotFound
	CodeInvalidContext
	CodeTransferError
	CodeTooLateToCancel
	CodeContextDestroyed
	CodeCapacityExceeded
)

// String returns the canonical code name.
func (c Code) String() string {
	switch c {
	case CodeInvalidSize:
		return "InvalidSize"
	case CodeOutOfMemory:
		return "OutOfMemory"
	case CodeInvalidHandle:
		return "InvalidHandle"
	case CodeDeviceNotFound:
		return "DeviceNotFound"
	case CodeInvalidContext:
		return "InvalidContext"
	case CodeTransferError:
		return "TransferError"
	case CodeTooLateToCancel:
		return "TooLateToCancel"
	case CodeContextDestroyed:
		return "ContextDestroyed"
	case CodeCapacityExceeded:
		return "CapacityExceeded"
	default:
		return "Unknown"
	}
}

// Error is the single error kind surfaced by the engine.
type Error struct {
	Code Code
	Op   string // operation that failed, e.g. "memory.Allocate"
	Err  error  // optional underlying cause
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code, so
// errors.Is(err, &Error{Code: CodeOutOfMemory}) works across wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an *Error with the given code and operation.
func New(code Code, op string) *Error {
	return &Error{Code: code, Op: op}
}

// Wrap creates an *Error wrapping an underlying cause.
func Wrap(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Newf creates an *Error with a formatted detail message as cause.
func Newf(code Code, op, format string, args ...interface{}) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the code from err, or CodeUnknown if err is not an
// *Error (directly or wrapped).
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
