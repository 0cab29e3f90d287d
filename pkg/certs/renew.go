package certs

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/securebridge/dicom-bridge/pkg/secrets"
)

// Renewer issues new material for a certificate and writes it over the
// spec's cert and key files
type Renewer interface {
	Name() string
	Renew(ctx context.Context, spec Spec) error
}

// CASource loads the issuing CA certificate and key as PEM
type CASource func(ctx context.Context) (certPEM, keyPEM []byte, err error)

// FileCA reads CA material from disk on every renewal
func FileCA(certFile, keyFile string) CASource {
	return func(ctx context.Context) ([]byte, []byte, error) {
		certPEM, err := readFile(certFile)
		if err != nil {
			return nil, nil, err
		}
		keyPEM, err := readFile(keyFile)
		if err != nil {
			return nil, nil, err
		}
		return certPEM, keyPEM, nil
	}
}

// SecretCA reads CA material from the credential store. The secret holds
// the keys "certificate" and "private_key".
func SecretCA(client *secrets.Client, path string) CASource {
	return func(ctx context.Context) ([]byte, []byte, error) {
		data, err := client.Get(ctx, path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load CA from credential store: %w", err)
		}
		certPEM, keyPEM := data["certificate"], data["private_key"]
		if certPEM == "" || keyPEM == "" {
			return nil, nil, fmt.Errorf("CA secret %s must contain certificate and private_key", path)
		}
		return []byte(certPEM), []byte(keyPEM), nil
	}
}

// InternalCARenewer issues a leaf certificate from the internal CA
type InternalCARenewer struct {
	ca       CASource
	validity time.Duration
	now      func() time.Time
}

// NewInternalCARenewer creates a renewer issuing certificates valid for validityDays
func NewInternalCARenewer(ca CASource, validityDays int) *InternalCARenewer {
	return &InternalCARenewer{
		ca:       ca,
		validity: time.Duration(validityDays) * 24 * time.Hour,
		now:      time.Now,
	}
}

func (r *InternalCARenewer) Name() string { return "internal-ca" }

func (r *InternalCARenewer) Renew(ctx context.Context, spec Spec) error {
	certPEM, keyPEM, err := r.ca(ctx)
	if err != nil {
		return err
	}
	cas, err := parseCertificates(certPEM)
	if err != nil {
		return fmt.Errorf("invalid CA certificate: %w", err)
	}
	caKey, err := parsePrivateKey(keyPEM)
	if err != nil {
		return fmt.Errorf("invalid CA key: %w", err)
	}
	signer, ok := caKey.(crypto.Signer)
	if !ok {
		return errors.New("CA key cannot sign")
	}
	if !KeyMatches(cas[0], caKey) {
		return errors.New("CA key does not match CA certificate")
	}

	template, err := leafTemplate(spec, r.now(), r.validity)
	if err != nil {
		return err
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, template, cas[0], &key.PublicKey, signer)
	if err != nil {
		return fmt.Errorf("failed to issue certificate: %w", err)
	}
	return writeKeyPair(spec, [][]byte{der}, key)
}

// SelfSignedRenewer regenerates a self-signed certificate
type SelfSignedRenewer struct {
	validity time.Duration
	now      func() time.Time
}

// NewSelfSignedRenewer creates a renewer issuing certificates valid for validityDays
func NewSelfSignedRenewer(validityDays int) *SelfSignedRenewer {
	return &SelfSignedRenewer{
		validity: time.Duration(validityDays) * 24 * time.Hour,
		now:      time.Now,
	}
}

func (r *SelfSignedRenewer) Name() string { return "self-signed" }

func (r *SelfSignedRenewer) Renew(ctx context.Context, spec Spec) error {
	template, err := leafTemplate(spec, r.now(), r.validity)
	if err != nil {
		return err
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}
	return writeKeyPair(spec, [][]byte{der}, key)
}

// leafTemplate keeps the identity of the current certificate when it can
// be read and falls back to the certificate name otherwise
func leafTemplate(spec Spec, now time.Time, validity time.Duration) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: spec.Name},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	if current, err := loadCertificates(spec.CertFile); err == nil {
		leaf := current[0]
		template.Subject = leaf.Subject
		template.DNSNames = leaf.DNSNames
		template.IPAddresses = leaf.IPAddresses
		template.URIs = leaf.URIs
	}
	return template, nil
}

func writeKeyPair(spec Spec, chain [][]byte, key crypto.PrivateKey) error {
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to encode key: %w", err)
	}
	var certPEM []byte
	for _, der := range chain {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	// Key first so a reader never sees a new cert with the old key for long
	if err := writeFileAtomic(spec.KeyFile, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	if err := writeFileAtomic(spec.CertFile, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	return nil
}
