// Package certs keeps the bridge's TLS certificates valid: it inspects them,
// renews them before expiry with a verified backup, signals the dependent
// service and restores the previous material when anything goes wrong.
package certs

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/securebridge/dicom-bridge/internal/models"
)

// Spec identifies one managed certificate on disk
type Spec struct {
	Name     string
	Type     models.CertificateType
	CertFile string
	KeyFile  string
	CAFile   string
	Critical bool
}

// Inspect parses the certificate and key named by spec and evaluates them
// against thresholdDays at now. A certificate that cannot be read is
// returned with status invalid and the reason in ValidationError.
func Inspect(spec Spec, thresholdDays int, now time.Time) *models.Certificate {
	cert := &models.Certificate{
		Name:        spec.Name,
		Type:        spec.Type,
		CertPath:    spec.CertFile,
		KeyPath:     spec.KeyFile,
		CAPath:      spec.CAFile,
		Critical:    spec.Critical,
		LastChecked: now,
	}

	chain, err := loadCertificates(spec.CertFile)
	if err != nil {
		cert.Status = models.CertStatusInvalid
		cert.ValidationError = err.Error()
		return cert
	}
	leaf := chain[0]

	cert.Subject = leaf.Subject.String()
	cert.Issuer = leaf.Issuer.String()
	cert.SerialNumber = leaf.SerialNumber.Text(16)
	cert.DNSNames = leaf.DNSNames
	cert.NotBefore = leaf.NotBefore
	cert.NotAfter = leaf.NotAfter
	cert.DaysUntilExpiry = int(math.Floor(leaf.NotAfter.Sub(now).Hours() / 24))
	cert.IsExpired = now.After(leaf.NotAfter)
	cert.NeedsRenewal = cert.IsExpired || cert.DaysUntilExpiry <= thresholdDays

	key, err := loadPrivateKey(spec.KeyFile)
	if err != nil {
		cert.ValidationError = err.Error()
	} else {
		cert.KeyPairValid = KeyMatches(leaf, key)
		if !cert.KeyPairValid {
			cert.ValidationError = "private key does not match certificate"
		}
	}

	if err := verifyChain(chain, spec.CAFile, now); err != nil {
		if cert.ValidationError == "" {
			cert.ValidationError = err.Error()
		}
	} else {
		cert.ChainValid = true
	}

	switch {
	case cert.IsExpired:
		cert.Status = models.CertStatusExpired
	case !cert.KeyPairValid || !cert.ChainValid:
		cert.Status = models.CertStatusInvalid
	case cert.NeedsRenewal:
		cert.Status = models.CertStatusNeedsRenewal
	default:
		cert.Status = models.CertStatusValid
	}
	return cert
}

// KeyMatches reports whether key is the private half of cert's public key
func KeyMatches(cert *x509.Certificate, key crypto.PrivateKey) bool {
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		priv, ok := key.(*rsa.PrivateKey)
		return ok && pub.N.Cmp(priv.N) == 0 && pub.E == priv.E
	case *ecdsa.PublicKey:
		priv, ok := key.(*ecdsa.PrivateKey)
		return ok && pub.Curve == priv.Curve && pub.X.Cmp(priv.X) == 0 && pub.Y.Cmp(priv.Y) == 0
	case ed25519.PublicKey:
		priv, ok := key.(ed25519.PrivateKey)
		if !ok {
			return false
		}
		derived, ok := priv.Public().(ed25519.PublicKey)
		return ok && bytes.Equal(pub, derived)
	default:
		return false
	}
}

// systemRoots is swapped in tests
var systemRoots = x509.SystemCertPool

// verifyChain checks the leaf against caFile. Without a CA file a self-signed
// leaf is checked against itself and any other leaf (e.g. an ACME bundle of
// leaf plus intermediates) against the system roots.
func verifyChain(chain []*x509.Certificate, caFile string, now time.Time) error {
	leaf := chain[0]
	roots := x509.NewCertPool()
	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}

	if caFile != "" {
		cas, err := loadCertificates(caFile)
		if err != nil {
			return fmt.Errorf("failed to load CA: %w", err)
		}
		for _, c := range cas {
			roots.AddCert(c)
		}
	} else if bytes.Equal(leaf.RawIssuer, leaf.RawSubject) {
		roots.AddCert(leaf)
	} else {
		pool, err := systemRoots()
		if err != nil {
			return fmt.Errorf("failed to load system roots: %w", err)
		}
		roots = pool
	}

	// Expiry is reported separately, so verify at a time inside the
	// validity window
	at := now
	if now.After(leaf.NotAfter) {
		at = leaf.NotAfter.Add(-time.Second)
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   at,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("chain verification failed: %w", err)
	}
	return nil
}

func loadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	certs, err := parseCertificates(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return certs, nil
}

func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, c)
	}
	if len(certs) == 0 {
		return nil, errors.New("no PEM certificate found")
	}
	return certs, nil
}

func loadPrivateKey(path string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return parsePrivateKey(data)
}

func parsePrivateKey(data []byte) (crypto.PrivateKey, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, errors.New("no PEM private key found")
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			return x509.ParseECPrivateKey(block.Bytes)
		case "PRIVATE KEY":
			return x509.ParsePKCS8PrivateKey(block.Bytes)
		}
	}
}

// LoadKeyPair loads a certificate and key for a TLS listener
func LoadKeyPair(certFile, keyFile string) (*tls.Certificate, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}
	return &pair, nil
}
