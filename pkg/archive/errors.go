package archive

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError represents a non-success response from the archive
type APIError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("archive %s failed (status %d): %s", e.Operation, e.StatusCode, e.Message)
}

// Retriable reports whether the same request may succeed later
func (e *APIError) Retriable() bool {
	return isRetriableStatusCode(e.StatusCode)
}

// NotFoundError means the archive does not hold the instance
type NotFoundError struct {
	InstanceID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("instance %s not found in archive", e.InstanceID)
}

func (e *NotFoundError) Retriable() bool { return false }

// AuthenticationError represents rejected archive credentials
type AuthenticationError struct {
	StatusCode int
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("archive authentication failed (status %d)", e.StatusCode)
}

// Retriable is true because credentials are re-read from the store on the
// next attempt and may have been rotated in the meantime
func (e *AuthenticationError) Retriable() bool { return true }

// TooLargeError means the instance exceeds the configured byte ceiling
type TooLargeError struct {
	InstanceID string
	Limit      int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("instance %s exceeds %d bytes", e.InstanceID, e.Limit)
}

func (e *TooLargeError) Retriable() bool { return false }

// NetworkError represents a network connectivity error
type NetworkError struct {
	Operation string
	Err       error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Retriable() bool { return true }

// IsNotFound reports whether err means the instance is gone
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsRetriableError checks if an error should be retried
func IsRetriableError(err error) bool {
	var r interface{ Retriable() bool }
	if errors.As(err, &r) {
		return r.Retriable()
	}
	return false
}

// isRetriableStatusCode returns true for HTTP status codes that should be retried
func isRetriableStatusCode(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
