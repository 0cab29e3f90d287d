// Package secrets reads and writes credential bundles from a configured
// secret backend, caching reads in locked memory.
package secrets

import (
	"context"
)

// Backend is one secret store implementation. Paths are provider-scoped.
type Backend interface {
	// Name identifies the backend in logs, metrics and audit events
	Name() string

	// Get returns the key/value bundle stored at path
	Get(ctx context.Context, path string) (map[string]string, error)

	// Put replaces the bundle stored at path
	Put(ctx context.Context, path string, data map[string]string) error

	// TestConnection verifies the backend is reachable and authenticated
	TestConnection(ctx context.Context) error
}
