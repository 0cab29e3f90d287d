// Package notify delivers operator alerts to chat and webhook endpoints.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/securebridge/dicom-bridge/pkg/metrics"
)

// Alert severities
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Message is one operator alert
type Message struct {
	Title     string            `json:"title"`
	Text      string            `json:"text"`
	Severity  string            `json:"severity"`
	Source    string            `json:"source"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Notifier sends a message to one channel
type Notifier interface {
	Name() string
	Notify(ctx context.Context, msg Message) error
}

const defaultTimeout = 10 * time.Second

// SlackNotifier posts to a Slack incoming webhook
type SlackNotifier struct {
	url    string
	client *http.Client
}

// NewSlackNotifier creates a Slack notifier
func NewSlackNotifier(url string, client *http.Client) *SlackNotifier {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &SlackNotifier{url: url, client: client}
}

func (s *SlackNotifier) Name() string { return "slack" }

func (s *SlackNotifier) Notify(ctx context.Context, msg Message) error {
	var text strings.Builder
	fmt.Fprintf(&text, "%s *%s*\n%s", slackIcon(msg.Severity), msg.Title, msg.Text)
	for _, k := range sortedKeys(msg.Fields) {
		fmt.Fprintf(&text, "\n• %s: %s", k, msg.Fields[k])
	}
	payload := map[string]string{"text": text.String()}
	err := post(ctx, s.client, s.url, payload)
	record(s.Name(), err)
	return err
}

// WebhookNotifier posts the message as JSON to an arbitrary endpoint
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a generic webhook notifier
func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &WebhookNotifier{url: url, client: client}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

func (w *WebhookNotifier) Notify(ctx context.Context, msg Message) error {
	err := post(ctx, w.client, w.url, msg)
	record(w.Name(), err)
	return err
}

func post(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("notification request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func record(channel string, err error) {
	if err != nil {
		metrics.RecordNotification(channel, "failure")
		return
	}
	metrics.RecordNotification(channel, "success")
}

func slackIcon(severity string) string {
	switch severity {
	case SeverityCritical:
		return ":rotating_light:"
	case SeverityWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
