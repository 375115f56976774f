package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := New(ErrCodeInvalidEvent, "Invalid audit event", "missing subject", nil)
	expected := "VALID_1001: Invalid audit event (missing subject)"
	if err.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, err.Error())
	}

	err = New(ErrCodeChainConflict, "Conflict", "", nil)
	if err.Error() != "CONFLICT_2001: Conflict" {
		t.Errorf("Unexpected error string: %q", err.Error())
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := ErrDatabaseError("insert", cause)

	if !errors.Is(err, cause) {
		t.Error("Expected errors.Is to find the cause")
	}
}

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		err      error
		expected int
	}{
		{ErrInvalidEvent("bad", nil), http.StatusBadRequest},
		{ErrBadMetadata(nil), http.StatusBadRequest},
		{ErrMissingField("subject_id"), http.StatusBadRequest},
		{ErrChainConflict("user-42", nil), http.StatusConflict},
		{ErrDatabaseError("insert", nil), http.StatusServiceUnavailable},
		{ErrRecordNotFound("rec-1"), http.StatusNotFound},
		{ErrUnauthorized("no token"), http.StatusUnauthorized},
		{ErrInvalidAPIKey(), http.StatusUnauthorized},
		{ErrInternalServerError("boom", nil), http.StatusInternalServerError},
		{errors.New("plain error"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := HTTPStatusCode(tt.err); got != tt.expected {
			t.Errorf("HTTPStatusCode(%v) = %d, expected %d", tt.err, got, tt.expected)
		}
	}
}

func TestHTTPStatusCode_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("appending event: %w", ErrChainConflict("user-42", nil))
	if got := HTTPStatusCode(wrapped); got != http.StatusConflict {
		t.Errorf("Expected 409 for wrapped conflict, got %d", got)
	}
}
