// errors.go - Structured error handling for API responses
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/iontrap-lab/backend/internal/profile"
	"github.com/iontrap-lab/backend/internal/settings"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// APIError represents a structured API error response
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error constructors for consistent error handling

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusBadRequest,
		Code:    "BAD_REQUEST",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewValidationError creates a 400 validation error for a specific field
func NewValidationError(field string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    "VALIDATION_ERROR",
		Message: fmt.Sprintf("validation failed for field: %s", field),
	}
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(resource string, id string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// NewConflictError creates a 409 Conflict error
func NewConflictError(message string) *APIError {
	return &APIError{
		Status:  http.StatusConflict,
		Code:    "CONFLICT",
		Message: message,
	}
}

// NewInternalError creates a 500 Internal Server Error
func NewInternalError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewServiceUnavailableError creates a 503 Service Unavailable error
func NewServiceUnavailableError(message string) *APIError {
	return &APIError{
		Status:  http.StatusServiceUnavailable,
		Code:    "SERVICE_UNAVAILABLE",
		Message: message,
	}
}

// fromProfileError maps registry and settings errors onto API errors.
func fromProfileError(name string, err error) *APIError {
	switch {
	case errors.Is(err, profile.ErrNotFound):
		return NewNotFoundError("profile", name)
	case errors.Is(err, profile.ErrExists), errors.Is(err, profile.ErrDeleteActive):
		return NewConflictError(err.Error())
	case errors.Is(err, profile.ErrInvalid):
		e := NewBadRequestError("invalid profile", err)
		e.Code = "VALIDATION_ERROR"
		return e
	case errors.Is(err, settings.ErrNotFound):
		return NewNotFoundError("setting", name)
	}
	return NewInternalError("profile operation failed", err)
}

// NewErrorHandler returns an Echo error handler that renders APIError
// responses. Unknown errors are logged; their text is only sent to the
// client with exposeDetails.
// Usage: e.HTTPErrorHandler = api.NewErrorHandler(logger, false)
func NewErrorHandler(logger *zap.Logger, exposeDetails bool) echo.HTTPErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var apiErr *APIError
		var httpErr *echo.HTTPError

		switch {
		case errors.As(err, &apiErr):
		case errors.As(err, &httpErr):
			apiErr = &APIError{
				Status:  httpErr.Code,
				Code:    "HTTP_ERROR",
				Message: fmt.Sprintf("%v", httpErr.Message),
			}
		default:
			logger.Error("unhandled request error",
				zap.String("path", c.Path()), zap.Error(err))
			apiErr = &APIError{
				Status:  http.StatusInternalServerError,
				Code:    "UNKNOWN_ERROR",
				Message: "An unexpected error occurred",
			}
			if exposeDetails {
				apiErr.Details = err.Error()
			}
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(apiErr.Status)
			return
		}
		_ = c.JSON(apiErr.Status, apiErr)
	}
}
