package certs

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securebridge/dicom-bridge/internal/models"
	"github.com/securebridge/dicom-bridge/pkg/secrets"
)

type caFixture struct {
	certFile string
	keyFile  string
	certPEM  []byte
	keyPEM   []byte
}

func writeCA(t *testing.T, dir string) caFixture {
	t.Helper()
	key := newKey(t)
	ca := issue(t, "bridge-ca", key, time.Now().Add(3650*24*time.Hour), true, nil)
	f := caFixture{
		certFile: filepath.Join(dir, "ca.crt"),
		keyFile:  filepath.Join(dir, "ca.key"),
	}
	writePEM(t, f.certFile, ca)
	writeKey(t, f.keyFile, key)
	f.certPEM = readBytes(t, f.certFile)
	f.keyPEM = readBytes(t, f.keyFile)
	return f
}

func TestInternalCARenewerFromFiles(t *testing.T) {
	dir := t.TempDir()
	ca := writeCA(t, dir)
	spec := selfSigned(t, dir, "archive", 3*24*time.Hour)
	spec.CAFile = ca.certFile

	r := NewInternalCARenewer(FileCA(ca.certFile, ca.keyFile), 365)
	require.NoError(t, r.Renew(context.Background(), spec))

	cert := Inspect(spec, 30, time.Now())
	assert.Equal(t, models.CertStatusValid, cert.Status)
	assert.Equal(t, "CN=bridge-ca", cert.Issuer)
	assert.Equal(t, "CN=archive", cert.Subject)
	assert.Equal(t, []string{"archive.example.internal"}, cert.DNSNames)
	assert.GreaterOrEqual(t, cert.DaysUntilExpiry, 364)
}

func TestInternalCARenewerFromCredentialStore(t *testing.T) {
	dir := t.TempDir()
	ca := writeCA(t, dir)
	spec := selfSigned(t, dir, "proxy", 3*24*time.Hour)
	spec.CAFile = ca.certFile

	backend := secrets.NewMemoryBackend(map[string]map[string]string{
		"pki/internal-ca": {"certificate": string(ca.certPEM), "private_key": string(ca.keyPEM)},
	})
	client := secrets.NewClient(backend, secrets.ClientOptions{Logger: quietLogger()})

	r := NewInternalCARenewer(SecretCA(client, "pki/internal-ca"), 90)
	require.NoError(t, r.Renew(context.Background(), spec))
	assert.Equal(t, models.CertStatusValid, Inspect(spec, 30, time.Now()).Status)

	missing := NewInternalCARenewer(SecretCA(client, "pki/other"), 90)
	assert.Error(t, missing.Renew(context.Background(), spec))
}

func TestInternalCARenewerRejectsMismatchedCAKey(t *testing.T) {
	dir := t.TempDir()
	ca := writeCA(t, dir)
	other := filepath.Join(dir, "other.key")
	writeKey(t, other, newKey(t))
	spec := selfSigned(t, dir, "proxy", 3*24*time.Hour)
	before := readBytes(t, spec.CertFile)

	r := NewInternalCARenewer(FileCA(ca.certFile, other), 90)
	err := r.Renew(context.Background(), spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
	assert.Equal(t, before, readBytes(t, spec.CertFile))
}

func TestSelfSignedRenewerWithoutExistingCertificate(t *testing.T) {
	dir := t.TempDir()
	spec := Spec{
		Name:     "fresh",
		CertFile: filepath.Join(dir, "fresh.crt"),
		KeyFile:  filepath.Join(dir, "fresh.key"),
	}

	require.NoError(t, NewSelfSignedRenewer(30).Renew(context.Background(), spec))

	block, _ := pem.Decode(readBytes(t, spec.CertFile))
	require.NotNil(t, block)
	leaf, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "fresh", leaf.Subject.CommonName)
	assert.Contains(t, leaf.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	assert.True(t, Inspect(spec, 7, time.Now()).KeyPairValid)
}
