package errors

import (
	"errors"
	"fmt"
)

// Error types for the anomaly engine
type ErrorType string

const (
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeConfiguration     ErrorType = "configuration"
	ErrorTypeDimensionMismatch ErrorType = "dimension_mismatch"
	ErrorTypePersistence       ErrorType = "persistence"
	ErrorTypeDetection         ErrorType = "detection"
)

// Error codes
const (
	CodeServiceDisabled   = "SERVICE_DISABLED"
	CodeInvalidConfig     = "INVALID_CONFIG"
	CodeDimensionMismatch = "DIMENSION_MISMATCH"
	CodePersistence       = "PERSISTENCE_FAILURE"
	CodeDetection         = "DETECTION_FAILURE"
)

// AppError represents a structured application error
type AppError struct {
	Type      ErrorType              `json:"type"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches on the error code so sentinels work with errors.Is.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:    ErrorTypeValidation,
		Code:    code,
		Message: message,
	}
}

func NewConfigurationError(code, message string) *AppError {
	return &AppError{
		Type:    ErrorTypeConfiguration,
		Code:    code,
		Message: message,
	}
}

func NewDimensionMismatchError(key string, expected, actual int) *AppError {
	return &AppError{
		Type:    ErrorTypeDimensionMismatch,
		Code:    CodeDimensionMismatch,
		Message: fmt.Sprintf("baseline %q expects %d features, got %d", key, expected, actual),
		Details: map[string]interface{}{
			"baseline_key": key,
			"expected":     expected,
			"actual":       actual,
		},
	}
}

func NewPersistenceError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypePersistence,
		Code:      CodePersistence,
		Message:   message,
		Retryable: true,
	}
}

func NewDetectionError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeDetection,
		Code:    CodeDetection,
		Message: message,
	}
}

// Sentinels for errors.Is comparisons
var (
	ErrServiceDisabled   = NewConfigurationError(CodeServiceDisabled, "anomaly detection is disabled")
	ErrDimensionMismatch = &AppError{Type: ErrorTypeDimensionMismatch, Code: CodeDimensionMismatch, Message: "feature dimension mismatch"}
	ErrPersistence       = &AppError{Type: ErrorTypePersistence, Code: CodePersistence, Message: "persistence failure"}
	ErrDetection         = &AppError{Type: ErrorTypeDetection, Code: CodeDetection, Message: "detection failure"}
)

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}
