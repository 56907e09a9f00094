package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		err  *Error
		want int
	}{
		{ErrValidation("bad"), http.StatusBadRequest},
		{ErrNotFound("missing"), http.StatusNotFound},
		{ErrTimeout("slow"), http.StatusGatewayTimeout},
		{ErrUnavailable("down"), http.StatusServiceUnavailable},
		{ErrInternal(errors.New("boom")), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := tt.err.HTTPStatusCode(); got != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.err.Type, got, tt.want)
		}
	}
}

func TestError_Retryable(t *testing.T) {
	if ErrValidation("bad").Retryable() {
		t.Error("validation errors must never be retryable")
	}
	if ErrNotFound("missing").Retryable() {
		t.Error("not-found errors must never be retryable")
	}
	if !ErrTimeout("slow").Retryable() {
		t.Error("timeouts should be retryable")
	}
	if !ErrUnavailable("down").Retryable() {
		t.Error("unavailable errors should be retryable")
	}
}

func TestError_Sanitized(t *testing.T) {
	internal := ErrInternal(errors.New("stack trace with secrets"))
	safe := internal.Sanitized()
	if safe.Message != "internal error" {
		t.Errorf("internal message leaked: %q", safe.Message)
	}
	if safe.Cause != nil {
		t.Error("sanitized error must not carry a cause")
	}

	val := ErrValidation("timestamp is required").Sanitized()
	if val.Message != "timestamp is required" {
		t.Errorf("validation messages should survive sanitization, got %q", val.Message)
	}
}

func TestClassify(t *testing.T) {
	typed := ErrNotFound("session s1")
	if got := Classify(fmt.Errorf("op: %w", typed)); got.Type != ErrorTypeNotFound {
		t.Errorf("wrapped typed error classified as %s", got.Type)
	}

	if got := Classify(context.DeadlineExceeded); got.Type != ErrorTypeTimeout {
		t.Errorf("deadline classified as %s, want timeout", got.Type)
	}

	if got := Classify(errors.New("mystery")); got.Type != ErrorTypeInternal {
		t.Errorf("unknown error classified as %s, want internal", got.Type)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := ErrInternal(cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the cause through Unwrap")
	}
}
