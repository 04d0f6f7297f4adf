package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// GatewayError represents an error that can be returned to clients.
type GatewayError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WithDetails returns a copy of the error with details attached.
func (e *GatewayError) WithDetails(details string) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		underlying: e.underlying,
	}
}

// WithRequestID returns a copy of the error tagged with the request id.
func (e *GatewayError) WithRequestID(id string) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  id,
		underlying: e.underlying,
	}
}

// WithCause returns a copy of the error wrapping an underlying cause.
func (e *GatewayError) WithCause(cause error) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		underlying: cause,
	}
}

// WriteJSON writes the error as JSON to the response.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrNotFound = &GatewayError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrUnauthorized = &GatewayError{
		Code:    http.StatusUnauthorized,
		Message: "Unauthorized",
	}

	ErrForbidden = &GatewayError{
		Code:    http.StatusForbidden,
		Message: "Forbidden",
	}

	ErrBadGateway = &GatewayError{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
	}

	ErrServiceUnavailable = &GatewayError{
		Code:    http.StatusServiceUnavailable,
		Message: "Service Unavailable",
	}

	ErrGatewayTimeout = &GatewayError{
		Code:    http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
	}

	ErrInternalServer = &GatewayError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}
)
