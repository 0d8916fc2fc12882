package apperrors

import (
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrConfig         ErrorType = "CONFIG_ERROR"
	ErrAuthFailed     ErrorType = "AUTH_FAILED"
	ErrNotFound       ErrorType = "NOT_FOUND"
	ErrConflict       ErrorType = "CONFLICT"
	ErrInvalidRequest ErrorType = "INVALID_REQUEST"
	ErrFrozen         ErrorType = "ALLOCATIONS_FROZEN"
	ErrIntegrity      ErrorType = "INTEGRITY_VIOLATION"
	ErrInternal       ErrorType = "INTERNAL_ERROR"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType `json:"code"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

// NewConfig marks a caller bug (bad experiment setup, fewer than 2 eligible
// variants). Never retried automatically.
func NewConfig(msg string) *AppError {
	return New(ErrConfig, msg, nil)
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func NewNotFound(msg string) *AppError {
	return New(ErrNotFound, msg, nil)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrConfig, ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrFrozen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrConfig:
		return "Check the experiment definition: at least 2 eligible variants are required."
	case ErrConflict:
		return "Retry the request."
	case ErrAuthFailed:
		return "Check the API key."
	case ErrFrozen:
		return "Allocations are frozen by an operator. Retry after unfreeze."
	case ErrIntegrity:
		return "Run the integrity verifier and inspect the flagged sequence numbers."
	default:
		return ""
	}
}
