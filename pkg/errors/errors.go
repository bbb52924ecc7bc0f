package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies an AppError independently of its message
type Kind string

const (
	KindInvalidConfig    Kind = "invalid_config"
	KindQueueNotFound    Kind = "queue_not_found"
	KindPoolNotFound     Kind = "pool_not_found"
	KindQueueFull        Kind = "queue_full"
	KindNoAvailableQueue Kind = "no_available_queue"
	KindPoolExhausted    Kind = "pool_exhausted"
	KindDeliveryFailed   Kind = "delivery_failed"
	KindDeadLettered     Kind = "dead_lettered"
	KindNotFound         Kind = "not_found"
	KindBadRequest       Kind = "bad_request"
	KindInternal         Kind = "internal"
)

// AppError represents an application error with HTTP status code
type AppError struct {
	Code    int    `json:"code"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is reports whether target is an AppError of the same kind, so errors
// carrying details still match their sentinel.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Common errors
var (
	ErrInvalidConfig    = &AppError{Code: http.StatusBadRequest, Kind: KindInvalidConfig, Message: "Invalid configuration"}
	ErrQueueNotFound    = &AppError{Code: http.StatusNotFound, Kind: KindQueueNotFound, Message: "Queue not found"}
	ErrPoolNotFound     = &AppError{Code: http.StatusNotFound, Kind: KindPoolNotFound, Message: "Connection pool not found"}
	ErrQueueFull        = &AppError{Code: http.StatusServiceUnavailable, Kind: KindQueueFull, Message: "Queue is full"}
	ErrNoAvailableQueue = &AppError{Code: http.StatusServiceUnavailable, Kind: KindNoAvailableQueue, Message: "No queue has capacity"}
	ErrPoolExhausted    = &AppError{Code: http.StatusServiceUnavailable, Kind: KindPoolExhausted, Message: "Connection pool exhausted"}
	ErrDeliveryFailed   = &AppError{Code: http.StatusBadGateway, Kind: KindDeliveryFailed, Message: "Delivery failed"}
	ErrDeadLettered     = &AppError{Code: http.StatusGone, Kind: KindDeadLettered, Message: "Message dead-lettered"}
	ErrNotFound         = &AppError{Code: http.StatusNotFound, Kind: KindNotFound, Message: "Resource not found"}
	ErrBadRequest       = &AppError{Code: http.StatusBadRequest, Kind: KindBadRequest, Message: "Bad request"}
	ErrInternalServer   = &AppError{Code: http.StatusInternalServerError, Kind: KindInternal, Message: "Internal server error"}
)

// New creates a new AppError
func New(code int, kind Kind, message string) *AppError {
	return &AppError{
		Code:    code,
		Kind:    kind,
		Message: message,
	}
}

// WithDetails adds details to an error
func WithDetails(err *AppError, details string) *AppError {
	return &AppError{
		Code:    err.Code,
		Kind:    err.Kind,
		Message: err.Message,
		Details: details,
	}
}

// Detailf is WithDetails with a format string
func Detailf(err *AppError, format string, args ...interface{}) *AppError {
	return WithDetails(err, fmt.Sprintf(format, args...))
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetStatusCode returns the HTTP status code from an error
func GetStatusCode(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return http.StatusInternalServerError
}
