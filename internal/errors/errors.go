package errors

import (
	stderrors "errors"
	"fmt"
)

// QuarryError is the structured error type for Quarry.
// It provides rich context for error handling, logging, and catalog
// failure accounting.
type QuarryError struct {
	// Code is the unique error code (e.g., "ERR_201_NETWORK_TIMEOUT").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Transient, Permanent, ...).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *QuarryError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *QuarryError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
func (e *QuarryError) Is(target error) bool {
	if t, ok := target.(*QuarryError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *QuarryError) WithDetail(key, value string) *QuarryError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new QuarryError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *QuarryError {
	return &QuarryError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a QuarryError from an existing error.
// The error's message becomes the QuarryError message.
func Wrap(code string, err error) *QuarryError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Transient creates a retryable error.
func Transient(code, message string, cause error) *QuarryError {
	e := New(code, message, cause)
	e.Category = CategoryTransient
	e.Retryable = true
	return e
}

// Permanent creates a non-retryable error.
func Permanent(code, message string, cause error) *QuarryError {
	e := New(code, message, cause)
	e.Category = CategoryPermanent
	e.Retryable = false
	return e
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *QuarryError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// CorruptionError creates a fatal state-corruption error.
func CorruptionError(message string, cause error) *QuarryError {
	return New(ErrCodeIndexCorrupt, message, cause)
}

// SoftParseError creates a degraded-output parse error.
func SoftParseError(message string, cause error) *QuarryError {
	return New(ErrCodeLLMParse, message, cause)
}

// IsRetryable checks if an error is retryable.
// Plain errors (no QuarryError in the chain) are treated as transient:
// unclassified failures at fetch boundaries are network-shaped.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var qe *QuarryError
	if stderrors.As(err, &qe) {
		return qe.Retryable
	}
	return true
}

// CategoryOf returns the category of an error, or CategoryTransient for
// unclassified errors.
func CategoryOf(err error) Category {
	var qe *QuarryError
	if stderrors.As(err, &qe) {
		return qe.Category
	}
	return CategoryTransient
}

// IsPermanent reports whether the error should never be retried.
func IsPermanent(err error) bool {
	return CategoryOf(err) == CategoryPermanent
}

// IsCorruption reports whether the error is fatal state corruption.
func IsCorruption(err error) bool {
	return CategoryOf(err) == CategoryCorruption
}
