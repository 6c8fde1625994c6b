// Package pki holds the certificate-authority domain: value types, the CA
// and issued-certificate entities with their registry contracts, and the
// X.509 certificate, CRL and OCSP builders.
//
// Entities are immutable snapshots. State transitions (Revoke, Activate)
// return a new value which callers persist through a registry.
package pki

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrCANotFound is returned when no CA matches the given id or alias.
	ErrCANotFound = errors.New("certificate authority not found")

	// ErrCAAliasDuplicate is returned when creating a CA whose alias is
	// already taken.
	ErrCAAliasDuplicate = errors.New("certificate authority alias already exists")

	// ErrCANotActive is returned when a CA that is revoked or expired is
	// asked to sign.
	ErrCANotActive = errors.New("certificate authority is not active")

	// ErrPathLengthExceeded is returned when a CA whose chain depth is
	// exhausted is asked to create a subordinate CA.
	ErrPathLengthExceeded = errors.New("certificate authority may not issue subordinate CAs")

	// ErrCertNotFound is returned when no issued certificate matches the
	// serial number under the given issuer.
	ErrCertNotFound = errors.New("certificate not found")

	// ErrCertAlreadyRevoked is returned when attempting to revoke a
	// certificate that is already revoked.
	ErrCertAlreadyRevoked = errors.New("certificate is already revoked")

	// ErrInvalidSubject is returned for a distinguished name without CN.
	ErrInvalidSubject = errors.New("invalid subject DN")

	// ErrInvalidAlias is returned for an alias outside [a-z0-9-].
	ErrInvalidAlias = errors.New("invalid CA alias")

	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrInvalidExtension is returned for a malformed key usage, extended
	// key usage or subject alternative name value.
	ErrInvalidExtension = errors.New("invalid certificate extension value")
)

var domainErrors = []error{
	ErrCANotFound,
	ErrCAAliasDuplicate,
	ErrCANotActive,
	ErrPathLengthExceeded,
	ErrCertNotFound,
	ErrCertAlreadyRevoked,
	ErrInvalidSubject,
	ErrInvalidAlias,
	ErrInvalidPEM,
	ErrInvalidExtension,
}

// IsDomainError reports whether err is one of the expected, recoverable
// error kinds of this package. Anything else is an internal fault.
func IsDomainError(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// PEM helpers
// ---------------------------------------------------------------------------

// EncodeCertificatePEM wraps DER certificate bytes in a CERTIFICATE block.
func EncodeCertificatePEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

// ParseCertificatePEM decodes the first CERTIFICATE block of certPEM.
func ParseCertificatePEM(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}

// ParseCertificateRequestPEM decodes a CERTIFICATE REQUEST block and checks
// its self-signature.
func ParseCertificateRequestPEM(csrPEM string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil || (block.Type != "CERTIFICATE REQUEST" && block.Type != "NEW CERTIFICATE REQUEST") {
		return nil, fmt.Errorf("CSR: %w", ErrInvalidPEM)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: CSR signature invalid: %v", ErrInvalidPEM, err)
	}
	return csr, nil
}
