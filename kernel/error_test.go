package kernel

import (
	"errors"
	"testing"
)

func TestKernelError(t *testing.T) {
	err := &Error{
		Module:  "foo",
		Message: "error message",
	}

	if exp, got := "[foo] error message", err.Error(); got != exp {
		t.Fatalf("expected to err.Error() to return %q; got %q", exp, got)
	}
}

func TestKernelErrorIs(t *testing.T) {
	errA := &Error{Module: "foo", Message: "a"}
	errB := &Error{Module: "foo", Message: "a"}

	if !errors.Is(errA, errA) {
		t.Error("expected error to match itself")
	}

	if errors.Is(errA, errB) {
		t.Error("expected errors with identical contents but different identity not to match")
	}
}
