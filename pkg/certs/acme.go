package certs

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme"
)

// ACMEOptions configures HTTP-01 renewal through a shared webroot
type ACMEOptions struct {
	DirectoryURL   string
	Email          string
	AccountKeyFile string
	Webroot        string
	Logger         *logrus.Logger
}

// ACMERenewer renews a certificate from an ACME CA. Challenge tokens are
// written under <webroot>/.well-known/acme-challenge/ where the reverse
// proxy serves them.
type ACMERenewer struct {
	opts   ACMEOptions
	logger *logrus.Logger
}

// NewACMERenewer creates an ACME renewer
func NewACMERenewer(opts ACMEOptions) (*ACMERenewer, error) {
	if opts.DirectoryURL == "" {
		opts.DirectoryURL = acme.LetsEncryptURL
	}
	if opts.Email == "" || opts.Webroot == "" {
		return nil, errors.New("acme renewal requires an email and a webroot")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &ACMERenewer{opts: opts, logger: opts.Logger}, nil
}

func (r *ACMERenewer) Name() string { return "acme" }

func (r *ACMERenewer) Renew(ctx context.Context, spec Spec) error {
	domains, err := domainsFor(spec)
	if err != nil {
		return err
	}

	accountKey, err := r.accountKey()
	if err != nil {
		return err
	}
	client := &acme.Client{Key: accountKey, DirectoryURL: r.opts.DirectoryURL}

	account := &acme.Account{Contact: []string{"mailto:" + r.opts.Email}}
	if _, err := client.Register(ctx, account, acme.AcceptTOS); err != nil && !errors.Is(err, acme.ErrAccountAlreadyExists) {
		return fmt.Errorf("acme registration failed: %w", err)
	}

	order, err := client.AuthorizeOrder(ctx, acme.DomainIDs(domains...))
	if err != nil {
		return fmt.Errorf("acme order failed: %w", err)
	}

	for _, authzURL := range order.AuthzURLs {
		if err := r.authorize(ctx, client, authzURL); err != nil {
			return err
		}
	}

	order, err = client.WaitOrder(ctx, order.URI)
	if err != nil {
		return fmt.Errorf("acme order not ready: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{DNSNames: domains}, key)
	if err != nil {
		return fmt.Errorf("failed to create CSR: %w", err)
	}
	chain, _, err := client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return fmt.Errorf("acme finalization failed: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"certificate": spec.Name,
		"domains":     strings.Join(domains, ","),
	}).Info("ACME certificate issued")
	return writeKeyPair(spec, chain, key)
}

func (r *ACMERenewer) authorize(ctx context.Context, client *acme.Client, authzURL string) error {
	authz, err := client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return fmt.Errorf("failed to get authorization: %w", err)
	}
	if authz.Status == acme.StatusValid {
		return nil
	}

	var chal *acme.Challenge
	for _, c := range authz.Challenges {
		if c.Type == "http-01" {
			chal = c
			break
		}
	}
	if chal == nil {
		return fmt.Errorf("no http-01 challenge offered for %s", authz.Identifier.Value)
	}

	body, err := client.HTTP01ChallengeResponse(chal.Token)
	if err != nil {
		return fmt.Errorf("failed to build challenge response: %w", err)
	}
	path := filepath.Join(r.opts.Webroot, filepath.FromSlash(client.HTTP01ChallengePath(chal.Token)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create challenge directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("failed to write challenge: %w", err)
	}
	defer os.Remove(path)

	if _, err := client.Accept(ctx, chal); err != nil {
		return fmt.Errorf("failed to accept challenge: %w", err)
	}
	if _, err := client.WaitAuthorization(ctx, authz.URI); err != nil {
		return fmt.Errorf("authorization for %s failed: %w", authz.Identifier.Value, err)
	}
	return nil
}

// accountKey loads the ACME account key, creating it on first use
func (r *ACMERenewer) accountKey() (crypto.Signer, error) {
	if r.opts.AccountKeyFile != "" {
		if data, err := os.ReadFile(r.opts.AccountKeyFile); err == nil {
			key, err := parsePrivateKey(data)
			if err != nil {
				return nil, fmt.Errorf("invalid ACME account key: %w", err)
			}
			signer, ok := key.(crypto.Signer)
			if !ok {
				return nil, errors.New("ACME account key cannot sign")
			}
			return signer, nil
		}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ACME account key: %w", err)
	}
	if r.opts.AccountKeyFile != "" {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, err
		}
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
		if err := writeFileAtomic(r.opts.AccountKeyFile, pemBytes, 0o600); err != nil {
			return nil, fmt.Errorf("failed to save ACME account key: %w", err)
		}
	}
	return key, nil
}

// domainsFor reads the names to request from the current certificate
func domainsFor(spec Spec) ([]string, error) {
	current, err := loadCertificates(spec.CertFile)
	if err != nil {
		return nil, fmt.Errorf("acme renewal needs the current certificate to learn its names: %w", err)
	}
	leaf := current[0]
	domains := append([]string(nil), leaf.DNSNames...)
	if len(domains) == 0 && leaf.Subject.CommonName != "" {
		domains = []string{leaf.Subject.CommonName}
	}
	if len(domains) == 0 {
		return nil, fmt.Errorf("certificate %s has no DNS names", spec.Name)
	}
	return domains, nil
}
