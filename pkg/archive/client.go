// Package archive is a read-only client for an Orthanc-compatible imaging
// archive REST API.
package archive

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/securebridge/dicom-bridge/pkg/metrics"
)

// API endpoints
const (
	InstanceEndpoint       = "/instances/%s"
	InstanceFileEndpoint   = "/instances/%s/file"
	SimplifiedTagsEndpoint = "/instances/%s/simplified-tags"
	SystemEndpoint         = "/system"
	ResetEndpoint          = "/tools/reset"

	HeaderAccept    = "Accept"
	ContentTypeDICM = "application/dicom"
	ContentTypeJSON = "application/json"

	DefaultTimeout          = 30 * time.Second
	DefaultMaxInstanceBytes = 512 << 20
)

// CredentialsFunc returns the archive basic-auth credentials. It is called
// on every request so rotated credentials take effect without a restart.
type CredentialsFunc func(ctx context.Context) (username, password string, err error)

// Options configures a Client
type Options struct {
	URL              string
	Timeout          time.Duration
	MaxInstanceBytes int64
	CAFile           string
	VerifyTLS        bool
	Credentials      CredentialsFunc
	HTTPClient       *http.Client
	Logger           *logrus.Logger
}

// Instance is the archive's summary of a stored instance
type Instance struct {
	ID            string            `json:"ID"`
	Type          string            `json:"Type"`
	FileSize      int64             `json:"FileSize"`
	FileUUID      string            `json:"FileUuid"`
	IndexInSeries int               `json:"IndexInSeries"`
	ParentSeries  string            `json:"ParentSeries"`
	MainDicomTags map[string]string `json:"MainDicomTags"`
}

// SystemInfo is returned by the archive's system endpoint
type SystemInfo struct {
	Name       string `json:"Name"`
	Version    string `json:"Version"`
	APIVersion int    `json:"ApiVersion"`
	DicomAET   string `json:"DicomAet"`
	DicomPort  int    `json:"DicomPort"`
}

// Client talks to the archive REST API
type Client struct {
	baseURL     string
	httpClient  *http.Client
	credentials CredentialsFunc
	maxBytes    int64
	logger      *logrus.Logger
}

// NewClient creates an archive client
func NewClient(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("archive URL is required")
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("invalid archive URL: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxInstanceBytes <= 0 {
		opts.MaxInstanceBytes = DefaultMaxInstanceBytes
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		tlsConfig := &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: !opts.VerifyTLS,
		}
		if opts.CAFile != "" {
			pem, err := os.ReadFile(opts.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read archive CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in %s", opts.CAFile)
			}
			tlsConfig.RootCAs = pool
		}
		httpClient = &http.Client{
			Timeout:   opts.Timeout,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		}
	}

	return &Client{
		baseURL:     strings.TrimRight(opts.URL, "/"),
		httpClient:  httpClient,
		credentials: opts.Credentials,
		maxBytes:    opts.MaxInstanceBytes,
		logger:      opts.Logger,
	}, nil
}

// MaxInstanceBytes is the ceiling enforced by FetchFile
func (c *Client) MaxInstanceBytes() int64 {
	return c.maxBytes
}

// GetInstance returns the archive's summary of an instance, or a
// NotFoundError when the archive does not hold it
func (c *Client) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
	var inst Instance
	if err := c.getJSON(ctx, "instance", fmt.Sprintf(InstanceEndpoint, url.PathEscape(instanceID)), instanceID, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// FetchFile downloads the stored DICOM file. The returned slice belongs to
// the caller.
func (c *Client) FetchFile(ctx context.Context, instanceID string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "instance_file", fmt.Sprintf(InstanceFileEndpoint, url.PathEscape(instanceID)), ContentTypeDICM)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, "instance_file", instanceID); err != nil {
		return nil, err
	}
	if resp.ContentLength > c.maxBytes {
		metrics.RecordArchiveAPIError("too_large", resp.StatusCode)
		return nil, &TooLargeError{InstanceID: instanceID, Limit: c.maxBytes}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, &NetworkError{Operation: "instance_file", Err: err}
	}
	if int64(len(data)) > c.maxBytes {
		metrics.RecordArchiveAPIError("too_large", resp.StatusCode)
		return nil, &TooLargeError{InstanceID: instanceID, Limit: c.maxBytes}
	}
	return data, nil
}

// SimplifiedTags returns the instance's tags keyed by keyword
func (c *Client) SimplifiedTags(ctx context.Context, instanceID string) (map[string]interface{}, error) {
	tags := make(map[string]interface{})
	if err := c.getJSON(ctx, "simplified_tags", fmt.Sprintf(SimplifiedTagsEndpoint, url.PathEscape(instanceID)), instanceID, &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

// Ping fetches system information and doubles as a connectivity check
func (c *Client) Ping(ctx context.Context) (*SystemInfo, error) {
	var info SystemInfo
	if err := c.getJSON(ctx, "system", SystemEndpoint, "", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Reset asks the archive to restart so it reloads its TLS material
func (c *Client) Reset(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "reset", ResetEndpoint, ContentTypeJSON)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return c.checkStatus(resp, "reset", "")
}

func (c *Client) getJSON(ctx context.Context, endpoint, path, instanceID string, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, endpoint, path, ContentTypeJSON)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, endpoint, instanceID); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		metrics.RecordArchiveAPIError("decode_error", resp.StatusCode)
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

// do sends an authenticated request. Retries belong to the job queue, so
// each call is a single attempt.
func (c *Client) do(ctx context.Context, method, endpoint, path, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(HeaderAccept, accept)

	if c.credentials != nil {
		username, password, err := c.credentials(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load archive credentials: %w", err)
		}
		if username != "" {
			req.SetBasicAuth(username, password)
		}
	}

	c.logger.WithFields(logrus.Fields{
		"method":   method,
		"endpoint": endpoint,
	}).Debug("Sending archive request")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start).Seconds()
	if err != nil {
		metrics.RecordArchiveAPIError("network_error", 0)
		return nil, &NetworkError{Operation: endpoint, Err: err}
	}
	metrics.RecordArchiveAPIDuration(endpoint, resp.StatusCode, duration)
	return resp, nil
}

func (c *Client) checkStatus(resp *http.Response, endpoint, instanceID string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && instanceID != "":
		metrics.RecordArchiveAPIError("not_found", resp.StatusCode)
		return &NotFoundError{InstanceID: instanceID}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		metrics.RecordArchiveAPIError("auth_error", resp.StatusCode)
		return &AuthenticationError{StatusCode: resp.StatusCode}
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if isRetriableStatusCode(resp.StatusCode) {
		metrics.RecordArchiveAPIError("retriable_status", resp.StatusCode)
	} else {
		metrics.RecordArchiveAPIError("client_error", resp.StatusCode)
	}
	return &APIError{
		Operation:  endpoint,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
	}
}
