// Package errors provides structured error types for Pulse.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorCategory classifies errors by the layer that raised them.
type ErrorCategory string

const (
	ErrCategoryRequest     ErrorCategory = "REQUEST"
	ErrCategoryValidation  ErrorCategory = "VALIDATION"
	ErrCategoryStorage     ErrorCategory = "STORAGE"
	ErrCategoryAggregation ErrorCategory = "AGGREGATION"
	ErrCategoryInternal    ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Request codes
	CodeEmptyBatch         = "EMPTY_BATCH"
	CodeBatchTooLarge      = "BATCH_TOO_LARGE"
	CodeInvalidJSON        = "INVALID_JSON"
	CodeInvalidParameter   = "INVALID_PARAMETER"
	CodeUnsupportedMetric  = "UNSUPPORTED_METRIC"
	CodeInvalidGranularity = "INVALID_GRANULARITY"
	CodeInvalidPeriod      = "INVALID_PERIOD"
	CodeInvalidCursor      = "INVALID_CURSOR"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeNotFound           = "NOT_FOUND"

	// Validation codes, one per violated field rule
	CodeInvalidEvent           = "INVALID_EVENT"
	CodeMissingEventID         = "MISSING_EVENT_ID"
	CodeInvalidEventIDFormat   = "INVALID_EVENT_ID_FORMAT"
	CodeMissingEventType       = "MISSING_EVENT_TYPE"
	CodeInvalidEventType       = "INVALID_EVENT_TYPE"
	CodeMissingTimestamp       = "MISSING_TIMESTAMP"
	CodeInvalidTimestamp       = "INVALID_TIMESTAMP"
	CodeMissingSessionID       = "MISSING_SESSION_ID"
	CodeInvalidSessionIDFormat = "INVALID_SESSION_ID_FORMAT"
	CodeMissingUserID          = "MISSING_USER_ID"
	CodeUserIDTooLong          = "USER_ID_TOO_LONG"
	CodeMissingAgentID         = "MISSING_AGENT_ID"
	CodeAgentIDTooLong         = "AGENT_ID_TOO_LONG"
	CodeInvalidEnvironment     = "INVALID_ENVIRONMENT"
	CodeInvalidMetadata        = "INVALID_METADATA"
	CodeInvalidCost            = "INVALID_COST"

	// Storage codes
	CodeStorageFailure   = "STORAGE_FAILURE"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeUploadFailed     = "UPLOAD_FAILED"
	CodeDownloadFailed   = "DOWNLOAD_FAILED"
	CodeObjectNotFound   = "OBJECT_NOT_FOUND"

	// Aggregation codes
	CodeAggregationFailed = "AGGREGATION_FAILED"
	CodeQueryTimeout      = "QUERY_TIMEOUT"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// PulseError is the structured error type used throughout the system.
type PulseError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Field     string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *PulseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *PulseError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *PulseError) Is(target error) bool {
	var t *PulseError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new PulseError.
func New(category ErrorCategory, code, message string) *PulseError {
	return &PulseError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new PulseError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *PulseError {
	return &PulseError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *PulseError) WithDetails(details map[string]interface{}) *PulseError {
	cp := *e
	cp.Details = details
	return &cp
}

// WithField returns a copy of the error naming the offending input field.
func (e *PulseError) WithField(field string) *PulseError {
	cp := *e
	cp.Field = field
	return &cp
}

// HTTPStatus maps the error to the status code returned to API clients.
func (e *PulseError) HTTPStatus() int {
	if e.Code == CodeQueryTimeout {
		return http.StatusGatewayTimeout
	}
	switch e.Category {
	case ErrCategoryRequest, ErrCategoryValidation:
		switch e.Code {
		case CodeNotFound:
			return http.StatusNotFound
		case CodeMethodNotAllowed:
			return http.StatusMethodNotAllowed
		}
		return http.StatusBadRequest
	case ErrCategoryStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var pe *PulseError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a PulseError.
func GetCategory(err error) ErrorCategory {
	var pe *PulseError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a PulseError.
func GetCode(err error) string {
	var pe *PulseError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// As extracts the PulseError from an error chain. Context deadline and
// cancellation errors become QUERY_TIMEOUT; any other foreign error becomes
// INTERNAL:UNEXPECTED.
func As(err error) *PulseError {
	if err == nil {
		return nil
	}
	var pe *PulseError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(ErrCategoryAggregation, CodeQueryTimeout, "request deadline exceeded", err)
	}
	return NewInternalError("unexpected error", err)
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeStoreUnavailable:
		return true
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryAggregation && code == CodeQueryTimeout:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewRequestError(code, message string) *PulseError {
	return New(ErrCategoryRequest, code, message)
}

func NewValidationError(code, message string) *PulseError {
	return New(ErrCategoryValidation, code, message)
}

func NewStorageError(code, message string, cause error) *PulseError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewAggregationError(code, message string, cause error) *PulseError {
	return Wrap(ErrCategoryAggregation, code, message, cause)
}

func NewInternalError(message string, cause error) *PulseError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
