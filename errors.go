package nvme

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Error is a structured driver error with queue/tag context and errno
// mapping.
type Error struct {
	Op    string        // Operation that failed (e.g., "QUEUE_RQ", "CREATE_QUEUE")
	QID   int           // Queue ID (-1 if not applicable)
	Tag   int           // Request tag (-1 if not applicable)
	Code  ErrorCode     // High-level error category
	Errno syscall.Errno // Kernel errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.QID >= 0 {
		parts = append(parts, fmt.Sprintf("qid=%d", e.QID))
	}
	if e.Tag >= 0 {
		parts = append(parts, fmt.Sprintf("tag=%d", e.Tag))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("nvme: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("nvme: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support by code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories. The taxonomy follows the
// driver core's error model: resource exhaustion is retryable and surfaced
// before any ring write; device errors surface as generic I/O failures;
// unsupported operations are rejected without retry.
type ErrorCode string

const (
	ErrCodeNoMemory        ErrorCode = "out of mapping resources"
	ErrCodeIOError         ErrorCode = "I/O error"
	ErrCodeUnsupportedOp   ErrorCode = "unsupported operation"
	ErrCodeInvalidParams   ErrorCode = "invalid parameters"
	ErrCodeQueueNotReady   ErrorCode = "queue not provisioned"
	ErrCodeDeviceShutdown  ErrorCode = "device shutting down"
	ErrCodeIRQRegistration ErrorCode = "interrupt registration failed"
)

// Retryable reports whether a higher layer may retry the request. Only
// resource exhaustion leaves no state behind and is safe to retry.
func (e *Error) Retryable() bool {
	return e.Code == ErrCodeNoMemory
}

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, QID: -1, Tag: -1, Code: code, Msg: msg}
}

// NewQueueError creates a new queue-scoped error
func NewQueueError(op string, qid int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, QID: qid, Tag: -1, Code: code, Msg: msg}
}

// NewRequestError creates a new request-scoped error
func NewRequestError(op string, qid, tag int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, QID: qid, Tag: tag, Code: code, Msg: msg}
}

// WrapError wraps an existing error with driver context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if ne, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			QID:   ne.QID,
			Tag:   ne.Tag,
			Code:  ne.Code,
			Errno: ne.Errno,
			Msg:   ne.Msg,
			Inner: ne.Inner,
		}
	}

	code := ErrCodeIOError
	if errno, ok := inner.(syscall.Errno); ok {
		code = mapErrnoToCode(errno)
		return &Error{
			Op:    op,
			QID:   -1,
			Tag:   -1,
			Code:  code,
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		QID:   -1,
		Tag:   -1,
		Code:  code,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps syscall errno to driver error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeNoMemory
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParams
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeUnsupportedOp
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Code == code
	}
	return false
}

// IsRetryable reports whether err allows a higher-layer retry.
func IsRetryable(err error) bool {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Retryable()
	}
	return false
}
