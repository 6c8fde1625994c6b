package pki

import (
	"fmt"
	"time"
)

// CertStatus is the status of an issued end-entity certificate.
type CertStatus string

const (
	CertStatusValid   CertStatus = "VALID"
	CertStatusRevoked CertStatus = "REVOKED"
)

// IssuedCertificate is a snapshot of an end-entity certificate record.
type IssuedCertificate struct {
	SerialNumber     SerialNumber      `json:"serial_number"`
	Subject          SubjectDN         `json:"subject"`
	IssuerID         CAID              `json:"issuer_id"`
	CertificatePEM   string            `json:"certificate_pem"`
	KeyAlgorithm     KeyAlgorithm      `json:"key_algorithm"`
	Validity         Validity          `json:"validity"`
	Status           CertStatus        `json:"status"`
	RevocationReason *RevocationReason `json:"revocation_reason,omitempty"`
	RevokedAt        *time.Time        `json:"revoked_at,omitempty"`
	TransactionID    *TransactionID    `json:"transaction_id,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	Version          uint64            `json:"-"`
}

// IsValidAt reports whether the certificate is unrevoked and t lies in its
// validity window.
func (c IssuedCertificate) IsValidAt(t time.Time) bool {
	return c.Status == CertStatusValid && c.Validity.Contains(t)
}

// IsValid is IsValidAt(time.Now()).
func (c IssuedCertificate) IsValid() bool { return c.IsValidAt(time.Now()) }

// Revoke returns a revoked copy. Revoking twice fails and leaves the first
// reason and timestamp in place.
func (c IssuedCertificate) Revoke(reason RevocationReason, at time.Time) (IssuedCertificate, error) {
	if c.Status == CertStatusRevoked {
		return c, fmt.Errorf("%w: serial %s", ErrCertAlreadyRevoked, c.SerialNumber)
	}
	at = at.UTC()
	c.Status = CertStatusRevoked
	c.RevocationReason = &reason
	c.RevokedAt = &at
	return c, nil
}
