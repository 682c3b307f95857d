// Package errors provides structured error types for indexkeeper.
// All errors include a category, code, message, and retryable flag so that
// descriptors, the reindexer and the maintenance daemon can classify failures
// the same way.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryStore      ErrorCategory = "STORE"
	ErrCategoryMigration  ErrorCategory = "MIGRATION"
	ErrCategoryCache      ErrorCategory = "CACHE"
	ErrCategoryQueue      ErrorCategory = "QUEUE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidDescriptor = "INVALID_DESCRIPTOR"
	CodePartitionExpired  = "PARTITION_EXPIRED"
	CodeInvalidTask       = "INVALID_TASK"

	// Store codes
	CodeIndexCreateFailed = "INDEX_CREATE_FAILED"
	CodeIndexDeleteFailed = "INDEX_DELETE_FAILED"
	CodeAliasUpdateFailed = "ALIAS_UPDATE_FAILED"
	CodeCatalogFailed     = "CATALOG_FAILED"
	CodeStoreUnavailable  = "STORE_UNAVAILABLE"

	// Migration codes
	CodeErrorIndexWriteFailed = "ERROR_INDEX_WRITE_FAILED"
	CodeBatchFailed           = "BATCH_FAILED"
	CodeCheckpointFailed      = "CHECKPOINT_FAILED"
	CodeCursorExpired         = "CURSOR_EXPIRED"

	// Cache codes
	CodeCacheUnavailable = "CACHE_UNAVAILABLE"

	// Queue and lock codes
	CodeEnqueueFailed = "ENQUEUE_FAILED"
	CodeDequeueFailed = "DEQUEUE_FAILED"
	CodeLockFailed    = "LOCK_FAILED"
	CodeLeaseLost     = "LEASE_LOST"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// IndexError is the structured error type used throughout the system.
type IndexError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *IndexError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *IndexError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *IndexError) Is(target error) bool {
	var t *IndexError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new IndexError.
func New(category ErrorCategory, code, message string) *IndexError {
	return &IndexError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new IndexError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *IndexError {
	return &IndexError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *IndexError) WithDetails(details map[string]interface{}) *IndexError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ie *IndexError
	if errors.As(err, &ie) {
		return ie.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an IndexError.
func GetCategory(err error) ErrorCategory {
	var ie *IndexError
	if errors.As(err, &ie) {
		return ie.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an IndexError.
func GetCode(err error) string {
	var ie *IndexError
	if errors.As(err, &ie) {
		return ie.Code
	}
	return ""
}

// isRetryable determines whether re-running the failed operation can succeed
// without operator intervention. A migration that aborted on the error index is
// retryable because its checkpoint survives.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStore && code == CodeStoreUnavailable:
		return true
	case category == ErrCategoryStore && code == CodeAliasUpdateFailed:
		return true
	case category == ErrCategoryMigration && code == CodeErrorIndexWriteFailed:
		return true
	case category == ErrCategoryMigration && code == CodeBatchFailed:
		return true
	case category == ErrCategoryMigration && code == CodeCursorExpired:
		return true
	case category == ErrCategoryCache && code == CodeCacheUnavailable:
		return true
	case category == ErrCategoryQueue:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *IndexError {
	return New(ErrCategoryValidation, code, message)
}

func NewStoreError(code, message string, cause error) *IndexError {
	return Wrap(ErrCategoryStore, code, message, cause)
}

func NewMigrationError(code, message string, cause error) *IndexError {
	return Wrap(ErrCategoryMigration, code, message, cause)
}

func NewCacheError(message string, cause error) *IndexError {
	return Wrap(ErrCategoryCache, CodeCacheUnavailable, message, cause)
}

func NewQueueError(code, message string, cause error) *IndexError {
	return Wrap(ErrCategoryQueue, code, message, cause)
}

func NewInternalError(message string, cause error) *IndexError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
