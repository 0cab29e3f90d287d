package secrets

import (
	"context"

	"github.com/securebridge/dicom-bridge/pkg/config"
)

// Resolution is the outcome of ResolveWithFallback
type Resolution struct {
	Value string
	// Degraded is set when the value came from the environment
	Degraded bool
	// Cause is the backend error that forced the fallback
	Cause error
}

// ResolveWithFallback reads path/key from the credential store. When the
// store cannot serve it, the <PATH>_<KEY> environment variable is
// used instead and a warning audit event is written. The backend error is
// returned only when no fallback exists.
func (c *Client) ResolveWithFallback(ctx context.Context, path, key string) (Resolution, error) {
	value, err := c.GetValue(ctx, path, key)
	if err == nil {
		return Resolution{Value: value}, nil
	}

	envName := config.FallbackEnvName(path, key)
	fallback, ok := config.LookupFallback(path, key)
	if !ok {
		return Resolution{Cause: err}, err
	}

	c.logger.WithField("env", envName).WithError(err).
		Warn("Secret backend unavailable, using environment fallback")
	c.audit(ctx, "secret.fallback_to_environment", map[string]interface{}{
		"path":       path,
		"key":        key,
		"env":        envName,
		"error_type": errorType(err),
	})
	return Resolution{Value: fallback, Degraded: true, Cause: err}, nil
}
