package certs

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// Reloader makes a dependent service pick up new certificate material
type Reloader interface {
	Type() string
	Reload(ctx context.Context) error
}

// HTTPReloader triggers a reload through an HTTP call, such as a config
// push or restart endpoint on the dependent service
type HTTPReloader struct {
	URL    string
	Method string
	Client *http.Client
}

func (r *HTTPReloader) Type() string { return "http" }

func (r *HTTPReloader) Reload(ctx context.Context) error {
	method := r.Method
	if method == "" {
		method = http.MethodPost
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create reload request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("reload request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("reload endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Resetter restarts a service in place
type Resetter interface {
	Reset(ctx context.Context) error
}

// ArchiveReloader restarts the image archive through its admin API
type ArchiveReloader struct {
	Archive Resetter
}

func (r *ArchiveReloader) Type() string { return "archive" }

func (r *ArchiveReloader) Reload(ctx context.Context) error {
	if err := r.Archive.Reset(ctx); err != nil {
		return fmt.Errorf("archive reset failed: %w", err)
	}
	return nil
}

var reloadSignals = map[string]syscall.Signal{
	"HUP":  syscall.SIGHUP,
	"TERM": syscall.SIGTERM,
	"INT":  syscall.SIGINT,
	"QUIT": syscall.SIGQUIT,
}

// SignalReloader signals the process whose PID is stored in PIDFile
type SignalReloader struct {
	PIDFile string
	Signal  string
}

func (r *SignalReloader) Type() string { return "signal" }

func (r *SignalReloader) Reload(ctx context.Context) error {
	sig, err := ParseSignal(r.Signal)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(r.PIDFile)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 1 {
		return fmt.Errorf("invalid PID in %s", r.PIDFile)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("process %d not found: %w", pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}
	return nil
}

// ParseSignal accepts HUP, TERM, INT or QUIT with or without the SIG prefix
func ParseSignal(name string) (syscall.Signal, error) {
	if name == "" {
		return syscall.SIGHUP, nil
	}
	sig, ok := reloadSignals[strings.TrimPrefix(strings.ToUpper(name), "SIG")]
	if !ok {
		return 0, fmt.Errorf("unsupported reload signal: %s", name)
	}
	return sig, nil
}

// TLSReloader swaps the bridge's own listener certificate
type TLSReloader struct {
	Hot *HotCertificate
}

func (r *TLSReloader) Type() string { return "tls" }

func (r *TLSReloader) Reload(ctx context.Context) error {
	return r.Hot.Load()
}

// NoopReloader is used when the dependent service reads files on its own
type NoopReloader struct{}

func (NoopReloader) Type() string { return "none" }
func (NoopReloader) Reload(ctx context.Context) error { return nil }

// HotCertificate serves a key pair that can be replaced while the
// listener is running
type HotCertificate struct {
	certFile string
	keyFile  string

	mu   sync.RWMutex
	cert *tls.Certificate
}

// NewHotCertificate loads the key pair once and returns the holder
func NewHotCertificate(certFile, keyFile string) (*HotCertificate, error) {
	h := &HotCertificate{certFile: certFile, keyFile: keyFile}
	if err := h.Load(); err != nil {
		return nil, err
	}
	return h, nil
}

// Load re-reads the key pair. The previous pair stays in use on error.
func (h *HotCertificate) Load() error {
	cert, err := LoadKeyPair(h.certFile, h.keyFile)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.cert = cert
	h.mu.Unlock()
	return nil
}

// GetCertificate is suitable for tls.Config.GetCertificate
func (h *HotCertificate) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cert, nil
}
