package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestIndexError_Error(t *testing.T) {
	err := New(ErrCategoryValidation, CodePartitionExpired, "partition expired")
	expected := "[VALIDATION:PARTITION_EXPIRED] partition expired"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestIndexError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(ErrCategoryStore, CodeIndexCreateFailed, "create failed", cause)
	expected := "[STORE:INDEX_CREATE_FAILED] create failed: connection refused"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestIndexError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryMigration, CodeErrorIndexWriteFailed, "error index down", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestIndexError_Is(t *testing.T) {
	err1 := New(ErrCategoryStore, CodeAliasUpdateFailed, "first")
	err2 := New(ErrCategoryStore, CodeAliasUpdateFailed, "second")
	err3 := New(ErrCategoryStore, CodeIndexDeleteFailed, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}

	wrapped := fmt.Errorf("descriptor: %w", err1)
	if !errors.Is(wrapped, New(ErrCategoryStore, CodeAliasUpdateFailed, "")) {
		t.Error("Is should see through fmt.Errorf wrapping")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStore, CodeStoreUnavailable, true},
		{ErrCategoryStore, CodeAliasUpdateFailed, true},
		{ErrCategoryStore, CodeIndexCreateFailed, false},
		{ErrCategoryMigration, CodeErrorIndexWriteFailed, true},
		{ErrCategoryMigration, CodeBatchFailed, true},
		{ErrCategoryMigration, CodeCheckpointFailed, false},
		{ErrCategoryCache, CodeCacheUnavailable, true},
		{ErrCategoryValidation, CodePartitionExpired, false},
		{ErrCategoryQueue, CodeEnqueueFailed, true},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestGetCategory(t *testing.T) {
	err := New(ErrCategoryMigration, CodeBatchFailed, "bulk failed")
	if GetCategory(err) != ErrCategoryMigration {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryMigration)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-IndexError should return empty category")
	}
}

func TestGetCode(t *testing.T) {
	err := New(ErrCategoryValidation, CodeInvalidDescriptor, "no name")
	if GetCode(err) != CodeInvalidDescriptor {
		t.Errorf("got %q, want %q", GetCode(err), CodeInvalidDescriptor)
	}
	if GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("non-IndexError should return empty code")
	}
}

func TestWithDetails(t *testing.T) {
	err := New(ErrCategoryValidation, CodePartitionExpired, "expired")
	detailed := err.WithDetails(map[string]interface{}{"partition": "logs-v1-2024.01.01"})

	if detailed.Details["partition"] != "logs-v1-2024.01.01" {
		t.Error("WithDetails should set details")
	}
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	v := NewValidationError(CodeInvalidTask, "no source")
	if v.Category != ErrCategoryValidation || v.Code != CodeInvalidTask {
		t.Error("NewValidationError mismatch")
	}

	s := NewStoreError(CodeIndexCreateFailed, "store down", cause)
	if s.Category != ErrCategoryStore || !errors.Is(s, cause) {
		t.Error("NewStoreError mismatch")
	}

	m := NewMigrationError(CodeErrorIndexWriteFailed, "error index", cause)
	if m.Category != ErrCategoryMigration {
		t.Error("NewMigrationError mismatch")
	}

	c := NewCacheError("redis down", cause)
	if c.Category != ErrCategoryCache || c.Code != CodeCacheUnavailable {
		t.Error("NewCacheError mismatch")
	}

	q := NewQueueError(CodeEnqueueFailed, "queue full", cause)
	if q.Category != ErrCategoryQueue {
		t.Error("NewQueueError mismatch")
	}

	i := NewInternalError("unexpected", cause)
	if i.Category != ErrCategoryInternal || i.Code != CodeUnexpected {
		t.Error("NewInternalError mismatch")
	}
}
