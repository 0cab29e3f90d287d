package certs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HealthCheck polls a dependent service until it reports healthy
type HealthCheck struct {
	URL         string
	MaxAttempts int
	Interval    time.Duration
	Timeout     time.Duration
	Client      *http.Client
}

// Wait polls at a constant interval. It gives up after MaxAttempts or when
// Timeout elapses, whichever comes first. An empty URL always succeeds.
func (h *HealthCheck) Wait(ctx context.Context) error {
	if h == nil || h.URL == "" {
		return nil
	}
	attempts := h.MaxAttempts
	if attempts <= 0 {
		attempts = 10
	}
	interval := h.Interval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: interval}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)),
		ctx,
	)

	var lastErr error
	err := backoff.Retry(func() error {
		lastErr = probe(ctx, client, h.URL)
		return lastErr
	}, policy)
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return fmt.Errorf("health check %s failed: %w", h.URL, lastErr)
	}
	return nil
}

func probe(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
