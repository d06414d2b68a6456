package models

import (
	"errors"
	"net/http"
)

// Domain error kinds. Wrap these with fmt.Errorf("...: %w", err) so handlers
// can map any error chain onto an HTTP status.
var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrBoundsExceeded = errors.New("bounds exceeded")
)

// HTTPStatus maps a domain error chain onto its response status. Unrecognized
// errors are treated as internal.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrBoundsExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// APIResponse is the envelope every HTTP endpoint returns.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK wraps data in a successful envelope.
func OK(data any) APIResponse {
	return APIResponse{Success: true, Data: data}
}

// Fail wraps an error message in a failed envelope.
func Fail(message string) APIResponse {
	return APIResponse{Success: false, Error: message}
}
