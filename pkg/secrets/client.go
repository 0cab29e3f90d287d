package secrets

import (
	"context"
	"fmt"
	"time"

	"github.com/securebridge/dicom-bridge/pkg/audit"
	"github.com/securebridge/dicom-bridge/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// DefaultCacheTTL is how long a read stays cached
const DefaultCacheTTL = 5 * time.Minute

// ClientOptions configures a Client
type ClientOptions struct {
	CacheTTL time.Duration
	Timeout  time.Duration
	AuditLog audit.Logger
	Logger   *logrus.Logger
}

// Client is the credential store client used by the rest of the bridge
type Client struct {
	backend  Backend
	cache    *secretCache
	timeout  time.Duration
	auditLog audit.Logger
	logger   *logrus.Logger
}

// GetOption adjusts a single read
type GetOption func(*getOptions)

type getOptions struct {
	skipCache bool
}

// SkipCache forces a backend read and refreshes the cached copy
func SkipCache() GetOption {
	return func(o *getOptions) {
		o.skipCache = true
	}
}

// NewClient wraps backend with caching, timeouts and auditing
func NewClient(backend Backend, opts ClientOptions) *Client {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Client{
		backend:  backend,
		cache:    newSecretCache(opts.CacheTTL),
		timeout:  opts.Timeout,
		auditLog: opts.AuditLog,
		logger:   opts.Logger,
	}
}

// Backend returns the name of the active backend
func (c *Client) Backend() string {
	return c.backend.Name()
}

// Get returns the bundle at path, from cache when fresh
func (c *Client) Get(ctx context.Context, path string, opts ...GetOption) (map[string]string, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}

	if !o.skipCache {
		if data, ok := c.cache.get(path); ok {
			metrics.RecordSecretLookup(true)
			c.audit(ctx, "secret.accessed", map[string]interface{}{
				"path":   path,
				"cached": true,
			})
			return data, nil
		}
	}
	metrics.RecordSecretLookup(false)

	gen := c.cache.generation(path)
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := c.backend.Get(callCtx, path)
	if err != nil {
		c.recordFailure(ctx, "get", path, err)
		return nil, err
	}

	if stored, err := c.cache.set(path, data, gen); err != nil {
		c.logger.WithError(err).WithField("path", path).Warn("Failed to cache secret")
	} else if !stored {
		c.logger.WithField("path", path).Debug("Secret changed during read, not caching")
	}

	c.audit(ctx, "secret.accessed", map[string]interface{}{
		"path":       path,
		"cached":     false,
		"skip_cache": o.skipCache,
	})
	return copyMap(data), nil
}

// GetValue returns a single key from the bundle at path
func (c *Client) GetValue(ctx context.Context, path, key string, opts ...GetOption) (string, error) {
	data, err := c.Get(ctx, path, opts...)
	if err != nil {
		return "", err
	}
	value, ok := data[key]
	if !ok {
		return "", &NotFoundError{Backend: c.backend.Name(), Path: path + "#" + key}
	}
	return value, nil
}

// Put writes data to path and drops any cached copy
func (c *Client) Put(ctx context.Context, path string, data map[string]string) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.backend.Put(callCtx, path, copyMap(data)); err != nil {
		c.recordFailure(ctx, "put", path, err)
		return err
	}
	c.cache.invalidate(path)

	c.audit(ctx, "secret.updated", map[string]interface{}{
		"path":      path,
		"key_count": len(data),
	})
	return nil
}

// Invalidate drops the cached copy of path
func (c *Client) Invalidate(path string) {
	c.cache.invalidate(path)
}

// Refresh drops every cached entry so subsequent reads hit the backend
func (c *Client) Refresh(ctx context.Context) int {
	n := c.cache.clear()
	c.audit(ctx, "secret.cache_refreshed", map[string]interface{}{
		"entries_cleared": n,
		"backend":         c.backend.Name(),
	})
	return n
}

// CachedEntries returns the number of cached bundles
func (c *Client) CachedEntries() int {
	return c.cache.size()
}

// TestConnection checks the backend within the client timeout
func (c *Client) TestConnection(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.backend.TestConnection(callCtx); err != nil {
		metrics.RecordSecretError(c.backend.Name(), errorType(err))
		return fmt.Errorf("secret backend %s connection test failed: %w", c.backend.Name(), err)
	}
	return nil
}

func (c *Client) recordFailure(ctx context.Context, op, path string, err error) {
	kind := errorType(err)
	metrics.RecordSecretError(c.backend.Name(), kind)
	c.logger.WithFields(logrus.Fields{
		"backend":    c.backend.Name(),
		"operation":  op,
		"path":       path,
		"error_type": kind,
	}).WithError(err).Warn("Secret backend operation failed")
	c.audit(ctx, "secret.access_failed", map[string]interface{}{
		"path":       path,
		"operation":  op,
		"error_type": kind,
		"error":      err.Error(),
	})
}

func (c *Client) audit(ctx context.Context, eventType string, details map[string]interface{}) {
	if c.auditLog == nil {
		return
	}
	details["backend"] = c.backend.Name()
	c.auditLog.Log(ctx, eventType, details)
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
