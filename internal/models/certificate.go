package models

import (
	"time"
)

// CertificateType identifies which service a managed certificate protects
type CertificateType string

const (
	CertTypeArchiveDICOMTLS CertificateType = "archive-dicom-tls"
	CertTypeArchiveHTTPS    CertificateType = "archive-https"
	CertTypeProxyTLS        CertificateType = "proxy-tls"
	CertTypeBridgeTLS       CertificateType = "bridge-tls"
)

// CertificateStatus is the lifecycle state of a managed certificate
type CertificateStatus string

const (
	CertStatusValid         CertificateStatus = "valid"
	CertStatusNeedsRenewal  CertificateStatus = "needs_renewal"
	CertStatusRenewing      CertificateStatus = "renewing"
	CertStatusFailedRestore CertificateStatus = "failed_restore"
	CertStatusExpired       CertificateStatus = "expired"
	CertStatusInvalid       CertificateStatus = "invalid"
)

// Certificate is one managed TLS asset and its parsed state
type Certificate struct {
	Name     string          `json:"name"`
	Type     CertificateType `json:"type"`
	CertPath string          `json:"certPath"`
	KeyPath  string          `json:"keyPath"`
	CAPath   string          `json:"caPath,omitempty"`
	Critical bool            `json:"critical"`

	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	SerialNumber string    `json:"serialNumber"`
	DNSNames     []string  `json:"dnsNames,omitempty"`
	NotBefore    time.Time `json:"notBefore"`
	NotAfter     time.Time `json:"notAfter"`

	DaysUntilExpiry int  `json:"daysUntilExpiry"`
	IsExpired       bool `json:"isExpired"`
	NeedsRenewal    bool `json:"needsRenewal"`
	KeyPairValid    bool `json:"keyPairValid"`
	ChainValid      bool `json:"chainValid"`

	Status          CertificateStatus `json:"status"`
	ValidationError string            `json:"validationError,omitempty"`
	LastChecked     time.Time         `json:"lastChecked"`
	LastRenewal     *time.Time        `json:"lastRenewal,omitempty"`
}
