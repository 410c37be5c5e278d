package streamio

import (
	"errors"
	"fmt"
	"syscall"
)

// Code classifies a streaming error.
type Code string

// Error codes.
const (
	CodeAllocation           Code = "ALLOCATION_ERROR"
	CodeTransportUnsupported Code = "TRANSPORT_UNSUPPORTED"
	CodeOutOfRange           Code = "OUT_OF_RANGE"
	CodeDeviceBusy           Code = "DEVICE_BUSY"
	CodeDisconnected         Code = "DISCONNECTED"
	CodeWouldBlock           Code = "WOULD_BLOCK"
	CodeDriver               Code = "DRIVER_ERROR"
	CodeReadOnly             Code = "READ_ONLY"
	CodeInvalidState         Code = "INVALID_STATE"
	CodeInvalidConfig        Code = "INVALID_CONFIG"
)

// Sentinel errors, one per code. Use errors.Is(err, ErrWouldBlock) and friends.
var (
	ErrAllocation           = &Error{Code: CodeAllocation}
	ErrTransportUnsupported = &Error{Code: CodeTransportUnsupported}
	ErrOutOfRange           = &Error{Code: CodeOutOfRange}
	ErrDeviceBusy           = &Error{Code: CodeDeviceBusy}
	ErrDisconnected         = &Error{Code: CodeDisconnected}
	ErrWouldBlock           = &Error{Code: CodeWouldBlock}
	ErrDriver               = &Error{Code: CodeDriver}
	ErrReadOnly             = &Error{Code: CodeReadOnly}
	ErrInvalidState         = &Error{Code: CodeInvalidState}
	ErrInvalidConfig        = &Error{Code: CodeInvalidConfig}
)

// Error is returned by every Arena, Stream and Item operation.
type Error struct {
	Code    Code
	Op      string // ioctl or operation name, e.g. "VIDIOC_DQBUF"
	Index   int    // slot index, -1 when not applicable
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Index >= 0 && e.Op != "" {
		msg += fmt.Sprintf(" (buffer %d)", e.Index)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Errno returns the underlying errno, if any.
func (e *Error) Errno() (syscall.Errno, bool) {
	var errno syscall.Errno
	if errors.As(e.Cause, &errno) {
		return errno, true
	}
	return 0, false
}

// CodeOf returns the code of err, or "" when err is not a streaming error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func newError(code Code, op string, index int, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Index:   index,
		Message: message,
		Cause:   cause,
	}
}

// classify maps a raw driver error to a streaming error.
func classify(op string, index int, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(codeForErrno(err), op, index, "", err)
}

func codeForErrno(err error) Code {
	switch {
	case errors.Is(err, syscall.EAGAIN):
		return CodeWouldBlock
	case isDisconnect(err):
		return CodeDisconnected
	case errors.Is(err, syscall.EBUSY):
		return CodeDeviceBusy
	default:
		return CodeDriver
	}
}

// isDisconnect reports errnos seen once the device node lost its driver:
// ENODEV after unplug, ENXIO/EIO from some USB stacks, EBADF after a forced close.
func isDisconnect(err error) bool {
	return errors.Is(err, syscall.ENODEV) ||
		errors.Is(err, syscall.ENXIO) ||
		errors.Is(err, syscall.EIO) ||
		errors.Is(err, syscall.EBADF)
}
