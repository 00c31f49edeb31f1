package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := New(ErrCategoryReference, CodeInvalidSiteToken, "site not found")
	expected := "[REFERENCE:INVALID_SITE_TOKEN] site not found"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("disk I/O error")
	err := Wrap(ErrCategoryStorage, CodeWriteFailed, "put failed", cause)
	expected := "[STORAGE:WRITE_FAILED] put failed: disk I/O error"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryCodec, CodeMalformedPayload, "bad json", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestError_Is(t *testing.T) {
	err1 := New(ErrCategoryConflict, CodeDeviceAlreadyAssigned, "first")
	err2 := New(ErrCategoryConflict, CodeDeviceAlreadyAssigned, "second")
	err3 := New(ErrCategoryConflict, CodeDuplicateHardwareID, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}

	wrapped := fmt.Errorf("creating assignment: %w", err1)
	if !errors.Is(wrapped, err2) {
		t.Error("Is should match through fmt wrapping")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStorage, CodeReadFailed, true},
		{ErrCategoryStorage, CodeWriteFailed, true},
		{ErrCategoryStorage, CodeIncrementFailed, true},
		{ErrCategoryStorage, CodeBufferStopped, false},
		{ErrCategoryCodec, CodeUnknownEncoding, false},
		{ErrCategoryReference, CodeInvalidHardwareID, false},
		{ErrCategoryConflict, CodeDuplicateToken, false},
		{ErrCategoryValidation, CodeIdentifierOverflow, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	err := New(ErrCategoryReference, CodeInvalidZoneToken, "zone")
	if GetCategory(err) != ErrCategoryReference {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryReference)
	}
	if GetCode(err) != CodeInvalidZoneToken {
		t.Errorf("got %q, want %q", GetCode(err), CodeInvalidZoneToken)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("plain error should return empty category")
	}
	if GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("plain error should return empty code")
	}
}

func TestClassifiers(t *testing.T) {
	if !IsInvalidToken(NewReferenceError(CodeInvalidGroupToken, "group")) {
		t.Error("reference error should be an invalid token")
	}
	if IsInvalidToken(NewConflictError(CodeDuplicateToken, "dup")) {
		t.Error("conflict should not be an invalid token")
	}
	if !IsConflict(fmt.Errorf("wrapped: %w", NewConflictError(CodeDuplicateToken, "dup"))) {
		t.Error("wrapped conflict should be detected")
	}
}

func TestWithDetails(t *testing.T) {
	err := NewReferenceError(CodeInvalidHardwareID, "unknown device")
	detailed := err.WithDetails(map[string]interface{}{"hardware_id": "hw-1"})

	if detailed.Details["hardware_id"] != "hw-1" {
		t.Error("WithDetails should set details")
	}
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	v := NewValidationError(CodeInvalidTimestamp, "negative")
	if v.Category != ErrCategoryValidation || v.Code != CodeInvalidTimestamp {
		t.Error("NewValidationError mismatch")
	}

	s := NewStorageError(CodeReadFailed, "scan failed", cause)
	if s.Category != ErrCategoryStorage || !errors.Is(s, cause) || !s.Retryable {
		t.Error("NewStorageError mismatch")
	}

	c := NewCodecError(CodeUnknownEncoding, "indicator 0x7f", nil)
	if c.Category != ErrCategoryCodec || c.Cause != nil {
		t.Error("NewCodecError mismatch")
	}

	i := NewInternalError("unexpected", cause)
	if i.Category != ErrCategoryInternal || i.Code != CodeUnexpected {
		t.Error("NewInternalError mismatch")
	}
}
