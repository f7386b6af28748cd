package nvme

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestErrorFormat(t *testing.T) {
	err := NewRequestError("QUEUE_RQ", 2, 5, ErrCodeIOError, "device status 0x80")
	want := "nvme: device status 0x80 (op=QUEUE_RQ, qid=2, tag=5)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	err = NewError("NEW_DEVICE", ErrCodeInvalidParams, "")
	want = "nvme: invalid parameters (op=NEW_DEVICE)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorIsByCode(t *testing.T) {
	err := NewQueueError("CREATE_QUEUE", 1, ErrCodeQueueNotReady, "not ready")
	if !errors.Is(err, &Error{Code: ErrCodeQueueNotReady}) {
		t.Error("errors.Is did not match by code")
	}
	if errors.Is(err, &Error{Code: ErrCodeIOError}) {
		t.Error("errors.Is matched a different code")
	}
}

func TestIsCodeThroughWrapping(t *testing.T) {
	inner := NewRequestError("QUEUE_RQ", 1, 0, ErrCodeNoMemory, "inline mapping failed")
	wrapped := fmt.Errorf("submit: %w", inner)
	if !IsCode(wrapped, ErrCodeNoMemory) {
		t.Error("IsCode did not see through fmt.Errorf wrapping")
	}
	if IsCode(errors.New("plain"), ErrCodeNoMemory) {
		t.Error("IsCode matched a non-driver error")
	}
}

func TestRetryable(t *testing.T) {
	if !IsRetryable(NewError("QUEUE_RQ", ErrCodeNoMemory, "pool exhausted")) {
		t.Error("resource exhaustion is not retryable")
	}
	for _, code := range []ErrorCode{
		ErrCodeIOError, ErrCodeUnsupportedOp, ErrCodeInvalidParams,
		ErrCodeQueueNotReady, ErrCodeDeviceShutdown, ErrCodeIRQRegistration,
	} {
		if IsRetryable(NewError("X", code, "")) {
			t.Errorf("code %q is retryable, want not", code)
		}
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain error reported retryable")
	}
}

func TestWrapErrorErrno(t *testing.T) {
	err := WrapError("MAP", syscall.ENOMEM)
	if err.Code != ErrCodeNoMemory {
		t.Errorf("ENOMEM mapped to %q, want %q", err.Code, ErrCodeNoMemory)
	}
	if err.Errno != syscall.ENOMEM {
		t.Errorf("errno = %d, want ENOMEM", err.Errno)
	}
	if !err.Retryable() {
		t.Error("ENOMEM wrap is not retryable")
	}

	err = WrapError("IOCTL", syscall.EOPNOTSUPP)
	if err.Code != ErrCodeUnsupportedOp {
		t.Errorf("EOPNOTSUPP mapped to %q, want %q", err.Code, ErrCodeUnsupportedOp)
	}
}

func TestWrapErrorKeepsContext(t *testing.T) {
	inner := NewRequestError("QUEUE_RQ", 3, 7, ErrCodeIOError, "boom")
	wrapped := WrapError("OUTER", inner)
	if wrapped.QID != 3 || wrapped.Tag != 7 || wrapped.Code != ErrCodeIOError {
		t.Errorf("context lost in wrap: %+v", wrapped)
	}
	if wrapped.Op != "OUTER" {
		t.Errorf("op = %q, want OUTER", wrapped.Op)
	}

	if WrapError("X", nil) != nil {
		t.Error("wrapping nil produced an error")
	}
}
