package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common sentinel errors
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrInternal     = errors.New("internal error")
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnsupportedFileType is returned before any reader runs.
	ErrUnsupportedFileType = errors.New("unsupported file type")
	// ErrFormatParse marks a payload that is malformed for its claimed format.
	ErrFormatParse = errors.New("format parse error")
	// ErrNetwork marks a non-success response while fetching a remote file.
	ErrNetwork = errors.New("network error")
	// ErrSchemaValidation marks model output that does not fit the derived schema.
	ErrSchemaValidation = errors.New("schema validation error")
	// ErrUpstream marks a failed call to an external service.
	ErrUpstream = errors.New("upstream service error")
	// ErrUnavailable marks a backend that was not configured at startup.
	ErrUnavailable = errors.New("service not configured")
)

// AppError represents an application-specific error with an HTTP status code.
type AppError struct {
	Code    int
	Message string
	Hint    string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError.
func NewAppError(code int, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithHint attaches a client-facing suggestion.
func (e *AppError) WithHint(hint string) *AppError {
	e.Hint = hint
	return e
}

// Hinted is implemented by errors that carry a suggestion for the caller.
type Hinted interface {
	Hint() string
}

// MapError maps a common error to an AppError with an appropriate HTTP status code.
func MapError(err error) *AppError {
	if err == nil {
		return nil
	}

	// Check for existing AppError
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var hint string
	var h Hinted
	if errors.As(err, &h) {
		hint = h.Hint()
	}

	switch {
	case errors.Is(err, ErrUnsupportedFileType):
		return NewAppError(http.StatusBadRequest, "Unsupported file type", err).WithHint(hint)
	case errors.Is(err, ErrInvalidInput):
		return NewAppError(http.StatusBadRequest, "Invalid request", err).WithHint(hint)
	case errors.Is(err, ErrFormatParse):
		return NewAppError(http.StatusUnprocessableEntity, "Could not parse file", err)
	case errors.Is(err, ErrSchemaValidation):
		return NewAppError(http.StatusUnprocessableEntity, "Model output does not match schema", err)
	case errors.Is(err, ErrNetwork):
		return NewAppError(http.StatusBadGateway, "Failed to fetch remote file", err)
	case errors.Is(err, ErrUpstream):
		return NewAppError(http.StatusBadGateway, "Upstream service failed", err)
	case errors.Is(err, ErrNotFound):
		return NewAppError(http.StatusNotFound, "Resource not found", err)
	case errors.Is(err, ErrUnauthorized):
		return NewAppError(http.StatusUnauthorized, "Unauthorized", err)
	case errors.Is(err, ErrUnavailable):
		return NewAppError(http.StatusServiceUnavailable, "Service not configured", err)
	}

	// Default to internal server error
	return NewAppError(http.StatusInternalServerError, "Internal server error", err)
}
