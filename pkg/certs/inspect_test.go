package certs

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securebridge/dicom-bridge/internal/models"
)

func TestInspectStatus(t *testing.T) {
	tests := []struct {
		name     string
		validFor time.Duration
		want     models.CertificateStatus
		renew    bool
	}{
		{"fresh", 200 * 24 * time.Hour, models.CertStatusValid, false},
		{"inside threshold", 10 * 24 * time.Hour, models.CertStatusNeedsRenewal, true},
		{"expired", -24 * time.Hour, models.CertStatusExpired, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := selfSigned(t, t.TempDir(), "proxy", tt.validFor)

			cert := Inspect(spec, 30, time.Now())

			assert.Equal(t, tt.want, cert.Status)
			assert.Equal(t, tt.renew, cert.NeedsRenewal)
			assert.True(t, cert.KeyPairValid)
			assert.True(t, cert.ChainValid)
			assert.Equal(t, "CN=proxy", cert.Subject)
			assert.Equal(t, []string{"proxy.example.internal"}, cert.DNSNames)
		})
	}
}

func TestInspectMismatchedKey(t *testing.T) {
	dir := t.TempDir()
	spec := selfSigned(t, dir, "proxy", 200*24*time.Hour)
	writeKey(t, spec.KeyFile, newKey(t))

	cert := Inspect(spec, 30, time.Now())

	assert.Equal(t, models.CertStatusInvalid, cert.Status)
	assert.False(t, cert.KeyPairValid)
	assert.Equal(t, "private key does not match certificate", cert.ValidationError)
}

func TestInspectMissingFile(t *testing.T) {
	spec := Spec{Name: "gone", CertFile: filepath.Join(t.TempDir(), "missing.crt")}

	cert := Inspect(spec, 30, time.Now())

	assert.Equal(t, models.CertStatusInvalid, cert.Status)
	assert.NotEmpty(t, cert.ValidationError)
}

func TestInspectCAIssued(t *testing.T) {
	dir := t.TempDir()
	caKey := newKey(t)
	ca := issue(t, "bridge-ca", caKey, time.Now().Add(3650*24*time.Hour), true, nil)
	leafKey := rsaKey(t)
	leaf := issue(t, "archive", leafKey, time.Now().Add(100*24*time.Hour), false, ca)

	spec := Spec{
		Name:     "archive",
		CertFile: filepath.Join(dir, "archive.crt"),
		KeyFile:  filepath.Join(dir, "archive.key"),
		CAFile:   filepath.Join(dir, "ca.crt"),
	}
	writePEM(t, spec.CertFile, leaf)
	writeKey(t, spec.KeyFile, leafKey)
	writePEM(t, spec.CAFile, ca)

	cert := Inspect(spec, 30, time.Now())
	assert.Equal(t, models.CertStatusValid, cert.Status)
	assert.True(t, cert.ChainValid)

	// Without a CA file the leaf is checked against the system roots, which
	// do not hold the private CA
	spec.CAFile = ""
	cert = Inspect(spec, 30, time.Now())
	assert.Equal(t, models.CertStatusInvalid, cert.Status)
	assert.False(t, cert.ChainValid)
}

func TestInspectBundleWithoutCAFileUsesSystemRoots(t *testing.T) {
	dir := t.TempDir()
	root := issue(t, "public-root", newKey(t), time.Now().Add(3650*24*time.Hour), true, nil)
	intermediate := issue(t, "public-intermediate", newKey(t), time.Now().Add(1000*24*time.Hour), true, root)
	leafKey := newKey(t)
	leaf := issue(t, "proxy", leafKey, time.Now().Add(80*24*time.Hour), false, intermediate)

	spec := Spec{
		Name:     "proxy",
		Type:     models.CertTypeProxyTLS,
		CertFile: filepath.Join(dir, "proxy.crt"),
		KeyFile:  filepath.Join(dir, "proxy.key"),
	}
	bundle := append(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf.cert.Raw}),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: intermediate.cert.Raw})...)
	require.NoError(t, os.WriteFile(spec.CertFile, bundle, 0o644))
	writeKey(t, spec.KeyFile, leafKey)

	original := systemRoots
	t.Cleanup(func() { systemRoots = original })
	systemRoots = func() (*x509.CertPool, error) {
		pool := x509.NewCertPool()
		pool.AddCert(root.cert)
		return pool, nil
	}

	cert := Inspect(spec, 30, time.Now())
	assert.Equal(t, models.CertStatusValid, cert.Status, cert.ValidationError)
	assert.True(t, cert.ChainValid)

	// Dropping the intermediate breaks the path to the root
	writePEM(t, spec.CertFile, leaf)
	cert = Inspect(spec, 30, time.Now())
	assert.Equal(t, models.CertStatusInvalid, cert.Status)
	assert.False(t, cert.ChainValid)
}

func TestKeyMatches(t *testing.T) {
	key := rsaKey(t)
	c := issue(t, "rsa", key, time.Now().Add(time.Hour), false, nil)

	assert.True(t, KeyMatches(c.cert, key))
	assert.False(t, KeyMatches(c.cert, rsaKey(t)))
	assert.False(t, KeyMatches(c.cert, newKey(t)))
}

func TestLoadKeyPair(t *testing.T) {
	spec := selfSigned(t, t.TempDir(), "bridge", 90*24*time.Hour)

	pair, err := LoadKeyPair(spec.CertFile, spec.KeyFile)
	require.NoError(t, err)
	assert.Len(t, pair.Certificate, 1)

	_, err = LoadKeyPair(spec.CertFile, spec.CertFile)
	assert.Error(t, err)
}
