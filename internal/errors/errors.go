// Package errors provides structured error types for the index core.
// Every error carries a kind from the fixed taxonomy, a code that refines it,
// a message, and a retryable flag so callers can decide locally whether to
// retry with fresh state, surface the error, or escalate.
package errors

import (
	"errors"
	"fmt"
)

// ErrorKind classifies errors by how the caller is expected to react.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "NOT_FOUND"
	KindAlreadyExists     ErrorKind = "ALREADY_EXISTS"
	KindConflict          ErrorKind = "CONFLICT"
	KindValidation        ErrorKind = "VALIDATION"
	KindOutOfDate         ErrorKind = "OUT_OF_DATE"
	KindResourceExhausted ErrorKind = "RESOURCE_EXHAUSTED"
	KindTransient         ErrorKind = "TRANSIENT"
	KindFatal             ErrorKind = "FATAL"
)

// Error codes refining each kind.
const (
	// NotFound codes
	CodeInstanceNotFound  = "INSTANCE_NOT_FOUND"
	CodeStudyNotFound     = "STUDY_NOT_FOUND"
	CodeSeriesNotFound    = "SERIES_NOT_FOUND"
	CodeTagNotFound       = "EXTENDED_QUERY_TAG_NOT_FOUND"
	CodeOperationNotFound = "OPERATION_NOT_FOUND"
	CodeObjectNotFound    = "OBJECT_NOT_FOUND"

	// AlreadyExists codes
	CodeInstanceAlreadyExists = "INSTANCE_ALREADY_EXISTS"
	CodePendingInstance       = "PENDING_INSTANCE"
	CodeTagAlreadyExists      = "EXTENDED_QUERY_TAG_ALREADY_EXISTS"

	// Conflict codes
	CodeWatermarkMismatch = "WATERMARK_MISMATCH"
	CodeTagBusy           = "EXTENDED_QUERY_TAG_BUSY"

	// Validation codes
	CodeUnknownParameter    = "UNKNOWN_PARAMETER"
	CodeDuplicateAttribute  = "DUPLICATE_ATTRIBUTE"
	CodeInvalidDate         = "INVALID_DATE"
	CodeInvalidDateTime     = "INVALID_DATE_TIME"
	CodeInvalidTime         = "INVALID_TIME"
	CodeInvalidInteger      = "INVALID_INTEGER"
	CodeInvalidDecimal      = "INVALID_DECIMAL"
	CodeInvalidString       = "INVALID_STRING"
	CodeInvalidIncludeField = "INVALID_INCLUDE_FIELD"
	CodeInvalidQueryParam   = "INVALID_QUERY_PARAMETER"
	CodeInvalidTag          = "INVALID_TAG"
	CodeInvalidIdentifier   = "INVALID_IDENTIFIER"
	CodeInvalidRange        = "INVALID_RANGE"

	// OutOfDate codes
	CodeTagsOutOfDate = "EXTENDED_QUERY_TAGS_OUT_OF_DATE"

	// ResourceExhausted codes
	CodeMaxTagCount   = "MAX_EXTENDED_QUERY_TAG_COUNT"
	CodeMaxQueryLimit = "MAX_QUERY_LIMIT"

	// Transient codes
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeBlobUnavailable  = "BLOB_UNAVAILABLE"

	// Fatal codes
	CodeRetriesExhausted = "RETRIES_EXHAUSTED"
	CodeUnexpected       = "UNEXPECTED"
)

// IndexError is the structured error type used throughout the system.
type IndexError struct {
	Kind      ErrorKind
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *IndexError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *IndexError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's kind and code.
// A target with an empty code matches any error of the same kind.
func (e *IndexError) Is(target error) bool {
	var t *IndexError
	if errors.As(target, &t) {
		return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
	}
	return false
}

// New creates a new IndexError.
func New(kind ErrorKind, code, message string) *IndexError {
	return &IndexError{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Retryable: kind == KindTransient,
	}
}

// Newf creates a new IndexError with a formatted message.
func Newf(kind ErrorKind, code, format string, args ...interface{}) *IndexError {
	return New(kind, code, fmt.Sprintf(format, args...))
}

// Wrap creates a new IndexError wrapping an existing error.
func Wrap(kind ErrorKind, code, message string, cause error) *IndexError {
	return &IndexError{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: kind == KindTransient,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *IndexError) WithDetails(details map[string]interface{}) *IndexError {
	cp := *e
	cp.Details = details
	return &cp
}

// Sentinels for errors.Is matching on kind alone.
var (
	ErrNotFound          = &IndexError{Kind: KindNotFound}
	ErrAlreadyExists     = &IndexError{Kind: KindAlreadyExists}
	ErrConflict          = &IndexError{Kind: KindConflict}
	ErrValidation        = &IndexError{Kind: KindValidation}
	ErrOutOfDate         = &IndexError{Kind: KindOutOfDate}
	ErrResourceExhausted = &IndexError{Kind: KindResourceExhausted}
	ErrTransient         = &IndexError{Kind: KindTransient}
	ErrFatal             = &IndexError{Kind: KindFatal}
)

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ie *IndexError
	if errors.As(err, &ie) {
		return ie.Retryable
	}
	return false
}

// GetKind extracts the error kind from an error chain.
// Returns empty string if the error is not an IndexError.
func GetKind(err error) ErrorKind {
	var ie *IndexError
	if errors.As(err, &ie) {
		return ie.Kind
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

// Convenience constructors for common errors.

func NotFound(code, message string) *IndexError {
	return New(KindNotFound, code, message)
}

func AlreadyExists(code, message string) *IndexError {
	return New(KindAlreadyExists, code, message)
}

func Conflict(code, message string) *IndexError {
	return New(KindConflict, code, message)
}

func Validation(code, message string) *IndexError {
	return New(KindValidation, code, message)
}

func OutOfDate(message string) *IndexError {
	return New(KindOutOfDate, CodeTagsOutOfDate, message)
}

func ResourceExhausted(code, message string) *IndexError {
	return New(KindResourceExhausted, code, message)
}

func Transient(code, message string, cause error) *IndexError {
	return Wrap(KindTransient, code, message, cause)
}

func Fatal(message string, cause error) *IndexError {
	return Wrap(KindFatal, CodeRetriesExhausted, message, cause)
}

func Internal(message string, cause error) *IndexError {
	return Wrap(KindFatal, CodeUnexpected, message, cause)
}
