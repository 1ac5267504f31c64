package gpuerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	err := New(CodeOutOfMemory, "memory.Allocate")

	if CodeOf(err) != CodeOutOfMemory {
		t.Errorf("CodeOf returned %v, want OutOfMemory", CodeOf(err))
	}

	wrapped := fmt.Errorf("admission: %w", err)
	if CodeOf(wrapped) != CodeOutOfMemory {
		t.Error("CodeOf should see through fmt.Errorf wrapping")
	}

	if CodeOf(errors.New("plain")) != CodeUnknown {
		t.Error("plain errors should map to CodeUnknown")
	}
}

func TestErrorIs(t *testing.T) {
	err := Newf(CodeInvalidHandle, "memory.Free", "handle %#x", 42)

	if !errors.Is(err, &Error{Code: CodeInvalidHandle}) {
		t.Error("errors.Is should match on code")
	}
	if errors.Is(err, &Error{Code: CodeOutOfMemory}) {
		t.Error("errors.Is matched a different code")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("device fell off the bus")
	err := Wrap(CodeTransferError, "sched.execute", cause)

	if !errors.Is(err, cause) {
		t.Error("wrapped cause should be reachable via errors.Is")
	}
	if err.Error() == "" {
		t.Error("Error() returned empty string")
	}
}

func TestCodeString(t *testing.T) {
	codes := []Code{
		CodeInvalidSize, CodeOutOfMemory, CodeInvalidHandle,
		CodeDeviceNotFound, CodeInvalidContext, CodeTransferError,
		CodeTooLateToCancel, CodeContextDestroyed, CodeCapacityExceeded,
	}
	for _, c := range codes {
		if c.String() == "Unknown" {
			t.Errorf("code %d has no name", c)
		}
	}
}
