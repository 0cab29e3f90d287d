package secrets

import (
	"errors"
	"fmt"
)

// NotFoundError means the path holds no secret
type NotFoundError struct {
	Backend string
	Path    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("secret not found in %s: %s", e.Backend, e.Path)
}

// AuthError means the backend rejected our identity or permissions
type AuthError struct {
	Backend    string
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s authentication failed (status %d): %s", e.Backend, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s authentication failed: %s", e.Backend, e.Message)
}

// ConnectivityError means the backend could not be reached
type ConnectivityError struct {
	Backend   string
	Operation string
	Err       error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s unreachable during %s: %v", e.Backend, e.Operation, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a missing secret
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsAuthError reports whether err is an authentication failure
func IsAuthError(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

// IsConnectivityError reports whether err is a connectivity failure
func IsConnectivityError(err error) bool {
	var target *ConnectivityError
	return errors.As(err, &target)
}

// errorType classifies err for metrics and audit details
func errorType(err error) string {
	switch {
	case IsNotFound(err):
		return "not_found"
	case IsAuthError(err):
		return "auth"
	case IsConnectivityError(err):
		return "connectivity"
	default:
		return "other"
	}
}
