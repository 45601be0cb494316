// Package errors provides custom error types for the Happy agent runtime.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeTransientServer    = "TRANSIENT_SERVER_ERROR"
	ErrCodeVersionConflict    = "VERSION_CONFLICT"
	ErrCodeConflictUnresolved = "CONFLICT_UNRESOLVED"
	ErrCodeForbiddenByRole    = "FORBIDDEN_BY_ROLE"
	ErrCodeDepthExceeded      = "DEPTH_EXCEEDED"
	ErrCodeSubtasksIncomplete = "SUBTASKS_INCOMPLETE"
	ErrCodeUnknownRole        = "UNKNOWN_ROLE"
	ErrCodeBadConfig          = "BAD_CONFIG"
	ErrCodeEngineFailure      = "ENGINE_FAILURE"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// TransientServer creates an error for network failures and 5xx responses.
// Idempotent reads may be retried with backoff; writes surface after retries.
func TransientServer(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeTransientServer,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// VersionConflict creates an error for a failed compare-and-swap write.
func VersionConflict(resource string) *AppError {
	return &AppError{
		Code:       ErrCodeVersionConflict,
		Message:    fmt.Sprintf("version conflict updating %s", resource),
		HTTPStatus: http.StatusConflict,
	}
}

// ConflictUnresolved creates an error for CAS retry exhaustion.
func ConflictUnresolved(resource string) *AppError {
	return &AppError{
		Code:       ErrCodeConflictUnresolved,
		Message:    fmt.Sprintf("could not resolve write conflict on %s", resource),
		HTTPStatus: http.StatusConflict,
	}
}

// ForbiddenByRole creates an error for a role-gated mutation.
func ForbiddenByRole(role, action string) *AppError {
	return &AppError{
		Code:       ErrCodeForbiddenByRole,
		Message:    fmt.Sprintf("role '%s' may not %s", role, action),
		HTTPStatus: http.StatusForbidden,
	}
}

// DepthExceeded creates an error for subtask creation past the depth limit.
func DepthExceeded(parentID string) *AppError {
	return &AppError{
		Code:       ErrCodeDepthExceeded,
		Message:    fmt.Sprintf("task '%s' is at maximum nesting depth", parentID),
		HTTPStatus: http.StatusBadRequest,
	}
}

// SubtasksIncomplete creates an error for completion attempted with open children.
func SubtasksIncomplete(taskID string) *AppError {
	return &AppError{
		Code:       ErrCodeSubtasksIncomplete,
		Message:    fmt.Sprintf("task '%s' has incomplete subtasks", taskID),
		HTTPStatus: http.StatusBadRequest,
	}
}

// UnknownRole creates an error for a role id not present in the registry.
func UnknownRole(role string) *AppError {
	return &AppError{
		Code:       ErrCodeUnknownRole,
		Message:    fmt.Sprintf("role '%s' is not registered", role),
		HTTPStatus: http.StatusBadRequest,
	}
}

// BadConfig creates an error for invalid startup configuration.
func BadConfig(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadConfig,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// EngineFailure creates an error for an engine driver that terminated abnormally.
func EngineFailure(err error) *AppError {
	return &AppError{
		Code:       ErrCodeEngineFailure,
		Message:    "assistant engine terminated",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// InternalError creates a new internal error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Code returns the error code for an error, or INTERNAL_ERROR for plain errors.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// IsVersionConflict checks if the error is a CAS conflict.
func IsVersionConflict(err error) bool {
	return HasCode(err, ErrCodeVersionConflict)
}

// IsTransient checks if the error is a transient server error.
func IsTransient(err error) bool {
	return HasCode(err, ErrCodeTransientServer)
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
