// Package errors provides structured error types for finarchive.
// All errors include a category, code, message, and retryable flag so callers
// can tell caller contract violations from transient source failures.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryArchive   ErrorCategory = "ARCHIVE"
	ErrCategoryMerge     ErrorCategory = "MERGE"
	ErrCategoryConflict  ErrorCategory = "CONFLICT"
	ErrCategoryRetrieval ErrorCategory = "RETRIEVAL"
	ErrCategoryStorage   ErrorCategory = "STORAGE"
	ErrCategoryInternal  ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Archive codes
	CodeNotFound   = "NOT_FOUND"
	CodeParseError = "PARSE_ERROR"

	// Merge codes
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeSchemaMismatch  = "SCHEMA_MISMATCH"

	// Conflict codes
	CodeInvalidUserResponse = "INVALID_USER_RESPONSE"

	// Retrieval codes
	CodeExtractionError = "EXTRACTION_ERROR"
	CodeRetrievalError  = "RETRIEVAL_ERROR"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// ArchiveError is the structured error type used throughout the system.
type ArchiveError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *ArchiveError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *ArchiveError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *ArchiveError) Is(target error) bool {
	var t *ArchiveError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new ArchiveError.
func New(category ErrorCategory, code, message string) *ArchiveError {
	return &ArchiveError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new ArchiveError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *ArchiveError {
	return &ArchiveError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *ArchiveError) WithDetails(details map[string]interface{}) *ArchiveError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ae *ArchiveError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an ArchiveError.
func GetCategory(err error) ErrorCategory {
	var ae *ArchiveError
	if errors.As(err, &ae) {
		return ae.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an ArchiveError.
func GetCode(err error) string {
	var ae *ArchiveError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// isRetryable marks the index-service and object-storage failures as
// transient; everything else is a contract violation or bad data.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryRetrieval && code == CodeRetrievalError:
		return true
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	default:
		return false
	}
}

// Sentinels for errors.Is matching by category and code.
var (
	ErrNotFound            = New(ErrCategoryArchive, CodeNotFound, "not found")
	ErrParse               = New(ErrCategoryArchive, CodeParseError, "parse error")
	ErrInvalidArgument     = New(ErrCategoryMerge, CodeInvalidArgument, "invalid argument")
	ErrSchemaMismatch      = New(ErrCategoryMerge, CodeSchemaMismatch, "schema mismatch")
	ErrInvalidUserResponse = New(ErrCategoryConflict, CodeInvalidUserResponse, "invalid user response")
	ErrExtraction          = New(ErrCategoryRetrieval, CodeExtractionError, "extraction error")
	ErrRetrieval           = New(ErrCategoryRetrieval, CodeRetrievalError, "retrieval error")
)

// Convenience constructors for common errors.

func NewNotFound(message string, cause error) *ArchiveError {
	return Wrap(ErrCategoryArchive, CodeNotFound, message, cause)
}

func NewParseError(message string, cause error) *ArchiveError {
	return Wrap(ErrCategoryArchive, CodeParseError, message, cause)
}

func NewInvalidArgument(message string) *ArchiveError {
	return New(ErrCategoryMerge, CodeInvalidArgument, message)
}

func NewSchemaMismatch(message string) *ArchiveError {
	return New(ErrCategoryMerge, CodeSchemaMismatch, message)
}

func NewInvalidUserResponse(message string) *ArchiveError {
	return New(ErrCategoryConflict, CodeInvalidUserResponse, message)
}

func NewExtractionError(message string, cause error) *ArchiveError {
	return Wrap(ErrCategoryRetrieval, CodeExtractionError, message, cause)
}

func NewRetrievalError(message string, cause error) *ArchiveError {
	return Wrap(ErrCategoryRetrieval, CodeRetrievalError, message, cause)
}

func NewStorageError(code, message string, cause error) *ArchiveError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *ArchiveError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
