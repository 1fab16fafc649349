package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeConflict       ErrorType = "conflict"
	ErrorTypeAuthorization  ErrorType = "authorization"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeRateLimited    ErrorType = "rate_limited"
	ErrorTypeDependency     ErrorType = "dependency"
	ErrorTypeInternal       ErrorType = "internal"
)

// SchedulingError represents a structured error in the scheduling service
type SchedulingError struct {
	Type    ErrorType              `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *SchedulingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *SchedulingError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error
func NewValidationError(code, message string, details map[string]interface{}) *SchedulingError {
	return &SchedulingError{
		Type:    ErrorTypeValidation,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewConflictError creates a new conflict error
func NewConflictError(code, message string) *SchedulingError {
	return &SchedulingError{
		Type:    ErrorTypeConflict,
		Code:    code,
		Message: message,
	}
}

// NewAuthorizationError creates a new authorization error
func NewAuthorizationError(code, message string) *SchedulingError {
	return &SchedulingError{
		Type:    ErrorTypeAuthorization,
		Code:    code,
		Message: message,
	}
}

// NewAuthenticationError creates a new authentication error
func NewAuthenticationError(code, message string) *SchedulingError {
	return &SchedulingError{
		Type:    ErrorTypeAuthentication,
		Code:    code,
		Message: message,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(code, message string) *SchedulingError {
	return &SchedulingError{
		Type:    ErrorTypeNotFound,
		Code:    code,
		Message: message,
	}
}

// NewRateLimitError creates an error for a caller that exhausted its request budget
func NewRateLimitError(message string) *SchedulingError {
	return &SchedulingError{
		Type:    ErrorTypeRateLimited,
		Code:    ErrCodeRateLimited,
		Message: message,
	}
}

// NewDependencyError creates an error for an unavailable collaborator (storage, event bus)
func NewDependencyError(code, message string, cause error) *SchedulingError {
	return &SchedulingError{
		Type:    ErrorTypeDependency,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(code, message string, cause error) *SchedulingError {
	return &SchedulingError{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// ErrorTypeOf returns the type of the first SchedulingError in err's chain,
// or ErrorTypeInternal when there is none.
func ErrorTypeOf(err error) ErrorType {
	var se *SchedulingError
	if errors.As(err, &se) {
		return se.Type
	}
	return ErrorTypeInternal
}

// IsErrorType reports whether err carries a SchedulingError of type t
func IsErrorType(err error, t ErrorType) bool {
	var se *SchedulingError
	return errors.As(err, &se) && se.Type == t
}

// HTTPStatus maps an error to the response status code
func HTTPStatus(err error) int {
	switch ErrorTypeOf(err) {
	case ErrorTypeValidation, ErrorTypeConflict:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeAuthorization:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Common error codes
const (
	ErrCodeInvalidInput         = "INVALID_INPUT"
	ErrCodeInvalidDate          = "INVALID_DATE"
	ErrCodeInvalidSlot          = "INVALID_SLOT"
	ErrCodePastSlot             = "PAST_SLOT"
	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
	ErrCodeSlotTaken            = "SLOT_ALREADY_BOOKED"
	ErrCodeConcurrentUpdate     = "CONCURRENT_UPDATE"
	ErrCodeDuplicate            = "DUPLICATE"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeForbidden            = "FORBIDDEN"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeRateLimited          = "RATE_LIMITED"
	ErrCodeStorageUnavailable   = "STORAGE_UNAVAILABLE"
	ErrCodeInternalError        = "INTERNAL_ERROR"
	ErrCodeAuthenticationFailed = "AUTHENTICATION_FAILED"
)
