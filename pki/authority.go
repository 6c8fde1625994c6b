package pki

import (
	"time"
)

// CAType classifies a CA by what it may sign.
type CAType string

const (
	CATypeRoot            CAType = "ROOT"
	CATypeIntermediate    CAType = "INTERMEDIATE"
	CATypeEndEntityIssuer CAType = "END_ENTITY_ISSUER"
)

// CAStatus is the lifecycle status of a CA.
type CAStatus string

const (
	CAStatusActive  CAStatus = "ACTIVE"
	CAStatusRevoked CAStatus = "REVOKED"
)

// CertificateAuthority is a snapshot of a CA record. Version is the storage
// revision the snapshot was read at and is used for compare-and-swap saves.
type CertificateAuthority struct {
	ID                   CAID                `json:"id"`
	Alias                Alias               `json:"alias"`
	Subject              SubjectDN           `json:"subject"`
	Type                 CAType              `json:"type"`
	KeyAlgorithm         KeyAlgorithm        `json:"key_algorithm"`
	ParentID             CAID                `json:"parent_id,omitempty"`
	EncryptedKey         EncryptedPrivateKey `json:"encrypted_private_key"`
	CertificatePEM       string              `json:"certificate_pem"`
	SerialNumber         SerialNumber        `json:"serial_number"`
	Validity             Validity            `json:"validity"`
	Status               CAStatus            `json:"status"`
	CRLDistributionPoint string              `json:"crl_distribution_point_url,omitempty"`
	ChainDepth           ChainDepth          `json:"chain_depth"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
	Version              uint64              `json:"-"`
}

// IsRoot reports whether the CA has no parent.
func (ca CertificateAuthority) IsRoot() bool { return ca.ParentID == 0 }

// CanIssueAt reports whether the CA is active and unexpired at t.
func (ca CertificateAuthority) CanIssueAt(t time.Time) bool {
	return ca.Status == CAStatusActive && !ca.Validity.ExpiredAt(t)
}

// CanIssue is CanIssueAt(time.Now()).
func (ca CertificateAuthority) CanIssue() bool { return ca.CanIssueAt(time.Now()) }

// Revoke returns a copy with status REVOKED.
func (ca CertificateAuthority) Revoke(at time.Time) CertificateAuthority {
	ca.Status = CAStatusRevoked
	ca.UpdatedAt = at.UTC()
	return ca
}

// Activate returns a copy with status ACTIVE.
func (ca CertificateAuthority) Activate(at time.Time) CertificateAuthority {
	ca.Status = CAStatusActive
	ca.UpdatedAt = at.UTC()
	return ca
}

// ChildDepth is the chain depth a subordinate of ca receives.
func (ca CertificateAuthority) ChildDepth() ChainDepth { return ca.ChainDepth.Child() }

// ClassifyDepth maps a subordinate's chain depth to its CA type.
func ClassifyDepth(d ChainDepth) CAType {
	if d == 0 {
		return CATypeEndEntityIssuer
	}
	return CATypeIntermediate
}
