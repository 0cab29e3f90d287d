package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// SIEM wire formats
const (
	FormatJSON   = "json"
	FormatCEF    = "cef"
	FormatLEEF   = "leef"
	FormatSyslog = "syslog"
)

const (
	vendor           = "SecureBridge"
	product          = "dicom-bridge"
	version          = "1.0"
	syslogFacility   = 13 // log audit
	syslogEnterprise = "audit@32473"
)

// TokenSource returns the bearer token for the SIEM endpoint
type TokenSource func(ctx context.Context) (string, error)

// SIEMOptions configures a SIEMForwarder
type SIEMOptions struct {
	Endpoint      string
	Format        string
	Token         TokenSource
	RatePerSecond float64
	Timeout       time.Duration
	Host          string
}

// SIEMForwarder posts events to a security event endpoint
type SIEMForwarder struct {
	endpoint string
	format   string
	token    TokenSource
	client   *http.Client
	limiter  *rate.Limiter
	host     string
}

// NewSIEMForwarder validates options and builds a forwarder
func NewSIEMForwarder(opts SIEMOptions) (*SIEMForwarder, error) {
	switch opts.Format {
	case FormatJSON, FormatCEF, FormatLEEF, FormatSyslog:
	default:
		return nil, fmt.Errorf("unsupported SIEM format: %s", opts.Format)
	}
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("SIEM endpoint is required")
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 50
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Host == "" {
		opts.Host, _ = os.Hostname()
	}

	burst := int(opts.RatePerSecond)
	if burst < 1 {
		burst = 1
	}

	return &SIEMForwarder{
		endpoint: opts.Endpoint,
		format:   opts.Format,
		token:    opts.Token,
		client:   &http.Client{Timeout: opts.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst),
		host:     opts.Host,
	}, nil
}

// Name identifies the sink in logs and metrics
func (s *SIEMForwarder) Name() string {
	return "siem-" + s.format
}

// Send posts events in chunks no larger than the limiter burst
func (s *SIEMForwarder) Send(ctx context.Context, events []Event) error {
	burst := s.limiter.Burst()
	for start := 0; start < len(events); start += burst {
		end := start + burst
		if end > len(events) {
			end = len(events)
		}
		chunk := events[start:end]

		if err := s.limiter.WaitN(ctx, len(chunk)); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		if err := s.post(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (s *SIEMForwarder) post(ctx context.Context, events []Event) error {
	var body bytes.Buffer
	for _, event := range events {
		line, err := FormatEvent(s.format, event, s.host)
		if err != nil {
			return err
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, &body)
	if err != nil {
		return fmt.Errorf("failed to create SIEM request: %w", err)
	}
	if s.format == FormatJSON {
		req.Header.Set("Content-Type", "application/x-ndjson")
	} else {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	if s.token != nil {
		token, err := s.token(ctx)
		if err != nil {
			return fmt.Errorf("failed to read SIEM token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("SIEM request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("SIEM endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// FormatEvent renders one event in the given wire format
func FormatEvent(format string, event Event, host string) (string, error) {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return "", fmt.Errorf("failed to encode details: %w", err)
	}

	switch format {
	case FormatJSON:
		data, err := json.Marshal(event)
		if err != nil {
			return "", err
		}
		return string(data), nil

	case FormatCEF:
		return fmt.Sprintf("CEF:0|%s|%s|%s|%s|%s|%d|rt=%d dvchost=%s cs1Label=correlationId cs1=%s cs2Label=service cs2=%s msg=%s",
			cefHeader(vendor), cefHeader(product), cefHeader(version),
			cefHeader(event.EventType), cefHeader(event.EventType), cefSeverity(event.Severity),
			event.Timestamp.UnixMilli(), cefValue(host), cefValue(event.CorrelationID),
			cefValue(event.Service), cefValue(string(details))), nil

	case FormatLEEF:
		fields := []string{
			"devTime=" + event.Timestamp.UTC().Format(time.RFC3339Nano),
			"devTimeFormat=yyyy-MM-dd'T'HH:mm:ss.SSSX",
			fmt.Sprintf("sev=%d", cefSeverity(event.Severity)),
			"identHostName=" + leefValue(host),
			"correlationId=" + leefValue(event.CorrelationID),
			"details=" + leefValue(string(details)),
		}
		return fmt.Sprintf("LEEF:2.0|%s|%s|%s|%s|^|%s",
			vendor, product, version, leefValue(event.EventType), strings.Join(fields, "^")), nil

	case FormatSyslog:
		pri := syslogFacility*8 + syslogSeverity(event.Severity)
		msgID := event.EventType
		if len(msgID) > 32 {
			msgID = msgID[:32]
		}
		return fmt.Sprintf("<%d>1 %s %s %s - %s [%s correlationId=\"%s\" severity=\"%s\" eventType=\"%s\"] %s",
			pri, event.Timestamp.UTC().Format(time.RFC3339Nano), syslogHost(host), product, msgID,
			syslogEnterprise, sdValue(event.CorrelationID), sdValue(string(event.Severity)),
			sdValue(event.EventType), string(details)), nil
	}
	return "", fmt.Errorf("unsupported SIEM format: %s", format)
}

func cefSeverity(s Severity) int {
	switch s {
	case SeverityCritical:
		return 10
	case SeverityError:
		return 8
	case SeverityWarning:
		return 6
	default:
		return 3
	}
}

func syslogSeverity(s Severity) int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityError:
		return 3
	case SeverityWarning:
		return 4
	default:
		return 6
	}
}

var (
	cefHeaderEscaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`, "\n", " ", "\r", " ")
	cefValueEscaper  = strings.NewReplacer(`\`, `\\`, `=`, `\=`, "\n", `\n`, "\r", `\r`)
	leefEscaper      = strings.NewReplacer("^", " ", "\n", " ", "\r", " ", "\t", " ")
	sdEscaper        = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `]`, `\]`)
)

func cefHeader(s string) string { return cefHeaderEscaper.Replace(s) }
func cefValue(s string) string  { return cefValueEscaper.Replace(s) }
func leefValue(s string) string { return leefEscaper.Replace(s) }
func sdValue(s string) string   { return sdEscaper.Replace(s) }

func syslogHost(host string) string {
	if host == "" {
		return "-"
	}
	return strings.ReplaceAll(host, " ", "_")
}
