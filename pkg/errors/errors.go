package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"

	// Authentication errors
	ErrCodeNotAuthenticated ErrorCode = "NOT_AUTHENTICATED"

	// Not found errors
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrCodeCallNotFound        ErrorCode = "CALL_NOT_FOUND"
	ErrCodeParticipantNotFound ErrorCode = "PARTICIPANT_NOT_FOUND"

	// State errors
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// Transport errors
	ErrCodeChannelUnavailable ErrorCode = "CHANNEL_UNAVAILABLE"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// WrapWithStatus wraps an existing error with an AppError and specific status code
func WrapWithStatus(code ErrorCode, message string, statusCode int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

// NotAuthenticatedError is returned when no caller identity can be resolved
func NotAuthenticatedError() *AppError {
	return NewWithStatus(ErrCodeNotAuthenticated, "No authenticated caller identity", http.StatusUnauthorized)
}

func NotFoundError(resource string) *AppError {
	return NewWithStatus(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func CallNotFoundError() *AppError {
	return NewWithStatus(ErrCodeCallNotFound, "Call not found", http.StatusNotFound)
}

func ParticipantNotFoundError() *AppError {
	return NewWithStatus(ErrCodeParticipantNotFound, "Call participant not found", http.StatusNotFound)
}

// InvalidTransitionError reports a status change the state machine does not allow
func InvalidTransitionError(from, to string) *AppError {
	return NewWithStatus(ErrCodeInvalidTransition,
		fmt.Sprintf("Cannot move from %q to %q", from, to), http.StatusConflict).
		WithDetails(map[string]string{"from": from, "to": to})
}

// ChannelUnavailableError reports that a recipient inbox could not be reached
func ChannelUnavailableError(recipient string, err error) *AppError {
	return WrapWithStatus(ErrCodeChannelUnavailable,
		fmt.Sprintf("Recipient %s is unreachable", recipient), http.StatusServiceUnavailable, err)
}

func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

// IsAppError checks if an error chain contains an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error())
}

// IsCode reports whether err carries one of the given codes
func IsCode(err error, codes ...ErrorCode) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	for _, code := range codes {
		if appErr.Code == code {
			return true
		}
	}
	return false
}

func IsNotFound(err error) bool {
	return IsCode(err, ErrCodeNotFound, ErrCodeCallNotFound, ErrCodeParticipantNotFound)
}

func IsNotAuthenticated(err error) bool {
	return IsCode(err, ErrCodeNotAuthenticated)
}

func IsChannelUnavailable(err error) bool {
	return IsCode(err, ErrCodeChannelUnavailable)
}

func IsInvalidTransition(err error) bool {
	return IsCode(err, ErrCodeInvalidTransition)
}

// HTTPStatus maps err to a response status; unknown errors are 500
func HTTPStatus(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}
