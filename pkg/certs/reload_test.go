package certs

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPReloader(t *testing.T) {
	var method string
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(status)
	}))
	defer srv.Close()

	r := &HTTPReloader{URL: srv.URL}
	require.NoError(t, r.Reload(context.Background()))
	assert.Equal(t, http.MethodPost, method)

	r.Method = http.MethodPut
	status = http.StatusServiceUnavailable
	err := r.Reload(context.Background())
	require.Error(t, err)
	assert.Equal(t, http.MethodPut, method)
	assert.Contains(t, err.Error(), "503")
}

type fakeResetter struct{ calls int }

func (f *fakeResetter) Reset(ctx context.Context) error {
	f.calls++
	return nil
}

func TestArchiveReloader(t *testing.T) {
	archive := &fakeResetter{}
	r := &ArchiveReloader{Archive: archive}
	require.NoError(t, r.Reload(context.Background()))
	assert.Equal(t, 1, archive.calls)
	assert.Equal(t, "archive", r.Type())
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		in      string
		want    syscall.Signal
		wantErr bool
	}{
		{"", syscall.SIGHUP, false},
		{"HUP", syscall.SIGHUP, false},
		{"sigterm", syscall.SIGTERM, false},
		{"QUIT", syscall.SIGQUIT, false},
		{"INT", syscall.SIGINT, false},
		{"KILL", 0, true},
		{"USR1", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSignal(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSignalReloaderBadPIDFile(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "proxy.pid")

	r := &SignalReloader{PIDFile: pidFile}
	assert.Error(t, r.Reload(context.Background()))

	require.NoError(t, os.WriteFile(pidFile, []byte("not-a-pid"), 0o644))
	assert.Error(t, r.Reload(context.Background()))

	require.NoError(t, os.WriteFile(pidFile, []byte("1\n"), 0o644))
	assert.Error(t, r.Reload(context.Background()))
}

func TestSignalReloaderSignalsProcess(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644))

	r := &SignalReloader{PIDFile: pidFile, Signal: "TERM"}
	require.NoError(t, r.Reload(context.Background()))

	err := cmd.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminated")
}

func TestHotCertificateReload(t *testing.T) {
	dir := t.TempDir()
	spec := selfSigned(t, dir, "bridge", 90*24*time.Hour)

	hot, err := NewHotCertificate(spec.CertFile, spec.KeyFile)
	require.NoError(t, err)
	first, err := hot.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)

	replacement := selfSigned(t, dir, "bridge", 180*24*time.Hour)
	require.Equal(t, spec.CertFile, replacement.CertFile)

	r := &TLSReloader{Hot: hot}
	require.NoError(t, r.Reload(context.Background()))
	second, err := hot.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.NotEqual(t, first.Certificate[0], second.Certificate[0])

	// A broken pair leaves the current certificate in place
	require.NoError(t, os.WriteFile(spec.KeyFile, []byte("garbage"), 0o600))
	assert.Error(t, r.Reload(context.Background()))
	current, _ := hot.GetCertificate(&tls.ClientHelloInfo{})
	assert.Equal(t, second.Certificate[0], current.Certificate[0])
}
