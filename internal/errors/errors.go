// Package errors provides structured error types for the devicestore system.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by failure kind.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryReference  ErrorCategory = "REFERENCE"
	ErrCategoryConflict   ErrorCategory = "CONFLICT"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryCodec      ErrorCategory = "CODEC"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeIdentifierOverflow = "IDENTIFIER_OVERFLOW"
	CodeInvalidTimestamp   = "INVALID_TIMESTAMP"
	CodeInvalidRequest     = "INVALID_REQUEST"

	// Reference codes (a token names an entity that does not exist)
	CodeInvalidHardwareID          = "INVALID_HARDWARE_ID"
	CodeInvalidSiteToken           = "INVALID_SITE_TOKEN"
	CodeInvalidZoneToken           = "INVALID_ZONE_TOKEN"
	CodeInvalidAssignmentToken     = "INVALID_ASSIGNMENT_TOKEN"
	CodeInvalidSpecificationToken  = "INVALID_SPECIFICATION_TOKEN"
	CodeInvalidCommandToken        = "INVALID_COMMAND_TOKEN"
	CodeInvalidGroupToken          = "INVALID_GROUP_TOKEN"
	CodeInvalidBatchOperationToken = "INVALID_BATCH_OPERATION_TOKEN"
	CodeInvalidBatchElement        = "INVALID_BATCH_ELEMENT"

	// Conflict codes
	CodeDuplicateHardwareID   = "DUPLICATE_HARDWARE_ID"
	CodeDuplicateToken        = "DUPLICATE_TOKEN"
	CodeDeviceAlreadyAssigned = "DEVICE_ALREADY_ASSIGNED"
	CodeDeviceAssigned        = "DEVICE_ASSIGNED"

	// Storage codes
	CodeReadFailed      = "READ_FAILED"
	CodeWriteFailed     = "WRITE_FAILED"
	CodeIncrementFailed = "INCREMENT_FAILED"
	CodeBufferStopped   = "BUFFER_STOPPED"

	// Codec codes
	CodeUnknownEncoding  = "UNKNOWN_ENCODING"
	CodeMalformedPayload = "MALFORMED_PAYLOAD"
	CodeMalformedEventID = "MALFORMED_EVENT_ID"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Error is the structured error type used throughout the system.
type Error struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var de *Error
	if errors.As(err, &de) {
		return de.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsInvalidToken reports whether err refers to a token that names no entity.
func IsInvalidToken(err error) bool {
	return GetCategory(err) == ErrCategoryReference
}

// IsConflict reports whether err is a uniqueness violation.
func IsConflict(err error) bool {
	return GetCategory(err) == ErrCategoryConflict
}

// isRetryable reports whether the failure is transient I/O.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeReadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeWriteFailed:
		return true
	case category == ErrCategoryStorage && code == CodeIncrementFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *Error {
	return New(ErrCategoryValidation, code, message)
}

func NewReferenceError(code, message string) *Error {
	return New(ErrCategoryReference, code, message)
}

func NewConflictError(code, message string) *Error {
	return New(ErrCategoryConflict, code, message)
}

func NewStorageError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewCodecError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryCodec, code, message, cause)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
