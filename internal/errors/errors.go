// Package errors provides structured error types for tabulard.
// All errors include a category, code, message, and retryable flag so the
// API layer can map them to responses without inspecting strings.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the kind of failure.
type ErrorCategory string

const (
	ErrCategoryValidation  ErrorCategory = "VALIDATION"
	ErrCategoryNotFound    ErrorCategory = "NOT_FOUND"
	ErrCategoryFormat      ErrorCategory = "FORMAT"
	ErrCategoryQuery       ErrorCategory = "QUERY"
	ErrCategoryRemoteStore ErrorCategory = "REMOTE_STORE"
	ErrCategoryStorage     ErrorCategory = "STORAGE"
	ErrCategoryInternal    ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeMissingArgument   = "MISSING_ARGUMENT"
	CodeInvalidTableName  = "INVALID_TABLE_NAME"
	CodeInvalidLimit      = "INVALID_LIMIT"
	CodeFragmentTooShort  = "FRAGMENT_TOO_SHORT"
	CodeMultipleStatement = "MULTIPLE_STATEMENTS"
	CodeEngineConflict    = "ENGINE_CONFLICT"

	// Not found codes
	CodeTableNotFound  = "TABLE_NOT_FOUND"
	CodeFileNotFound   = "FILE_NOT_FOUND"
	CodeBucketNotFound = "BUCKET_NOT_FOUND"

	// Format codes
	CodeUnsupportedFormat = "UNSUPPORTED_FORMAT"
	CodeParseFailed       = "PARSE_FAILED"

	// Query codes
	CodeExecutionFailed = "EXECUTION_FAILED"

	// Remote store codes
	CodeListingFailed = "LISTING_FAILED"

	// Storage codes
	CodeDownloadFailed = "DOWNLOAD_FAILED"

	// Internal codes
	CodeEngineUnavailable = "ENGINE_UNAVAILABLE"
	CodeUnexpected        = "UNEXPECTED"
)

// TabulardError is the structured error type used throughout the system.
type TabulardError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *TabulardError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *TabulardError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *TabulardError) Is(target error) bool {
	var t *TabulardError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new TabulardError.
func New(category ErrorCategory, code, message string) *TabulardError {
	return &TabulardError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new TabulardError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *TabulardError {
	return &TabulardError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *TabulardError) WithDetails(details map[string]interface{}) *TabulardError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable reports whether the first TabulardError in err's chain is
// marked retryable.
func IsRetryable(err error) bool {
	var te *TabulardError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a TabulardError.
func GetCategory(err error) ErrorCategory {
	var te *TabulardError
	if errors.As(err, &te) {
		return te.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a TabulardError.
func GetCode(err error) string {
	var te *TabulardError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// GetMessage returns the top-level message of a TabulardError, or err.Error()
// for anything else.
func GetMessage(err error) string {
	var te *TabulardError
	if errors.As(err, &te) {
		return te.Message
	}
	return err.Error()
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryRemoteStore && code == CodeListingFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *TabulardError {
	return New(ErrCategoryValidation, code, message)
}

func NewNotFoundError(code, message string) *TabulardError {
	return New(ErrCategoryNotFound, code, message)
}

func NewFormatError(code, message string, cause error) *TabulardError {
	return Wrap(ErrCategoryFormat, code, message, cause)
}

func NewQueryError(message string, cause error) *TabulardError {
	return Wrap(ErrCategoryQuery, CodeExecutionFailed, message, cause)
}

func NewRemoteStoreError(message string, cause error) *TabulardError {
	return Wrap(ErrCategoryRemoteStore, CodeListingFailed, message, cause)
}

func NewStorageError(code, message string, cause error) *TabulardError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *TabulardError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

// Sentinels for errors.Is comparisons against category+code.
var (
	ErrTableNotFound = NewNotFoundError(CodeTableNotFound, "table not found")
	ErrFileNotFound  = NewNotFoundError(CodeFileNotFound, "file not found")
)
