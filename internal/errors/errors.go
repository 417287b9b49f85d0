// Package errors provides the controller's structured error type, modeled
// on the teacher's errors package: a code, a message, optional structured
// details, and an HTTP status for the cases that surface over the debug
// HTTP surface.
package errors

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	// Build/request errors
	ErrCodeBuildNotFound  ErrorCode = "BUILD_NOT_FOUND"
	ErrCodeBuildFailed    ErrorCode = "BUILD_FAILED"
	ErrCodeBuildCancelled ErrorCode = "BUILD_CANCELLED"

	// Graphing / helper errors
	ErrCodeGraphingFailed ErrorCode = "GRAPHING_FAILED"
	ErrCodeHelperLost     ErrorCode = "HELPER_LOST"

	// Routing errors
	ErrCodeRouteNotFound ErrorCode = "ROUTE_NOT_FOUND"
	ErrCodeRouteConflict ErrorCode = "ROUTE_CONFLICT"

	// Worker / queuer errors
	ErrCodeWorkerNotFound ErrorCode = "WORKER_NOT_FOUND"
	ErrCodeJobConflict    ErrorCode = "JOB_CONFLICT"

	// Cache errors
	ErrCodeCacheInconsistent ErrorCode = "CACHE_INCONSISTENT"
	ErrCodeCacheError        ErrorCode = "CACHE_ERROR"

	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// Network/HTTP errors
	ErrCodeBadRequest   ErrorCode = "BAD_REQUEST"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error carrying enough context to both log
// locally and, where relevant, serve over the debug HTTP surface.
type APIError struct {
	Code       ErrorCode      `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	Timestamp  int64          `json:"timestamp"`
	HTTPStatus int            `json:"-"`
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("[%s] %s: %s", e.RequestID, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithRequest attaches the initiator request ID this error belongs to.
func (e *APIError) WithRequest(requestID string) *APIError {
	e.RequestID = requestID
	return e
}

// WithDetail attaches a structured detail.
func (e *APIError) WithDetail(key string, value any) *APIError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a new APIError for code/message.
func New(code ErrorCode, message string) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		Timestamp:  time.Now().Unix(),
		HTTPStatus: httpStatusForCode(code),
	}
}

// BuildError creates a build-related error tagged with the request ID.
func BuildError(code ErrorCode, requestID, message string) *APIError {
	return New(code, message).WithRequest(requestID)
}

// WorkerError creates a worker-related error.
func WorkerError(code ErrorCode, workerName, message string) *APIError {
	return New(code, message).WithDetail("worker_name", workerName)
}

// CacheError creates a cache-related error.
func CacheError(code ErrorCode, basename, message string) *APIError {
	return New(code, message).WithDetail("basename", basename)
}

// ConfigError creates a configuration-related error.
func ConfigError(field, message string) *APIError {
	return New(ErrCodeInvalidConfig, message).WithDetail("config_field", field)
}

func httpStatusForCode(code ErrorCode) int {
	switch code {
	case ErrCodeBadRequest, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeBuildNotFound, ErrCodeWorkerNotFound, ErrCodeRouteNotFound, ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeJobConflict, ErrCodeRouteConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
