package api

import (
	"time"

	"github.com/ivneld/Meteor-PKI/pki"
)

// CreateCARequest is the JSON body for POST /pki/ca/root and POST /pki/ca.
// ParentID is required for the latter and ignored by the former.
type CreateCARequest struct {
	Alias              string `json:"alias"`
	CommonName         string `json:"cn"`
	Organization       string `json:"o,omitempty"`
	OrganizationalUnit string `json:"ou,omitempty"`
	Country            string `json:"c,omitempty"`
	State              string `json:"st,omitempty"`
	Locality           string `json:"l,omitempty"`
	KeyAlgorithm       string `json:"key_algorithm,omitempty"`
	ParentID           int64  `json:"parent_id,omitempty"`
}

func (r CreateCARequest) subject() pki.SubjectDN {
	return pki.SubjectDN{
		CommonName:         r.CommonName,
		Organization:       r.Organization,
		OrganizationalUnit: r.OrganizationalUnit,
		Country:            r.Country,
		State:              r.State,
		Locality:           r.Locality,
	}
}

// CAResponse describes one certificate authority.
type CAResponse struct {
	ID                   int64     `json:"id"`
	Alias                string    `json:"alias"`
	SubjectDN            string    `json:"subject_dn"`
	Type                 string    `json:"type"`
	KeyAlgorithm         string    `json:"key_algorithm"`
	ParentID             *int64    `json:"parent_id"`
	SerialNumber         string    `json:"serial_number"`
	NotBefore            time.Time `json:"not_before"`
	NotAfter             time.Time `json:"not_after"`
	Status               string    `json:"status"`
	CRLDistributionPoint string    `json:"crl_distribution_point_url,omitempty"`
	ChainDepth           int       `json:"chain_depth"`
}

func caResponse(ca pki.CertificateAuthority) CAResponse {
	resp := CAResponse{
		ID:                   int64(ca.ID),
		Alias:                ca.Alias.String(),
		SubjectDN:            ca.Subject.String(),
		Type:                 string(ca.Type),
		KeyAlgorithm:         string(ca.KeyAlgorithm),
		SerialNumber:         ca.SerialNumber.String(),
		NotBefore:            ca.Validity.NotBefore,
		NotAfter:             ca.Validity.NotAfter,
		Status:               string(ca.Status),
		CRLDistributionPoint: ca.CRLDistributionPoint,
		ChainDepth:           int(ca.ChainDepth),
	}
	if !ca.IsRoot() {
		parent := int64(ca.ParentID)
		resp.ParentID = &parent
	}
	return resp
}

// ListCAsResponse is returned from GET /pki/ca.
type ListCAsResponse struct {
	CAs []CAResponse `json:"cas"`
	PaginationMeta
}

// SANRequest is one subject alternative name: type is DNS, IP or EMAIL.
type SANRequest struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// IssueCertificateRequest is the JSON body for
// POST /pki/ca/{caID}/certificates. The subject and public key come from
// the CSR.
type IssueCertificateRequest struct {
	CSR          string       `json:"csr_pem"`
	KeyUsage     []string     `json:"key_usage,omitempty"`
	ExtKeyUsage  []string     `json:"ext_key_usage,omitempty"`
	SANs         []SANRequest `json:"sans,omitempty"`
	ValidityDays int          `json:"validity_days,omitempty"`
}

// RevokeCertificateRequest is the JSON body for
// POST /pki/ca/{caID}/certificates/{serial}/revoke.
type RevokeCertificateRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CertificateResponse describes one issued certificate.
type CertificateResponse struct {
	SerialNumber     string     `json:"serial_number"`
	SubjectDN        string     `json:"subject_dn"`
	IssuerID         int64      `json:"issuer_id"`
	KeyAlgorithm     string     `json:"key_algorithm"`
	NotBefore        time.Time  `json:"not_before"`
	NotAfter         time.Time  `json:"not_after"`
	Status           string     `json:"status"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	TransactionID    string     `json:"transaction_id,omitempty"`
	CertificatePEM   string     `json:"certificate_pem"`
}

func certificateResponse(c pki.IssuedCertificate) CertificateResponse {
	resp := CertificateResponse{
		SerialNumber:   c.SerialNumber.String(),
		SubjectDN:      c.Subject.String(),
		IssuerID:       int64(c.IssuerID),
		KeyAlgorithm:   string(c.KeyAlgorithm),
		NotBefore:      c.Validity.NotBefore,
		NotAfter:       c.Validity.NotAfter,
		Status:         string(c.Status),
		RevokedAt:      c.RevokedAt,
		CertificatePEM: c.CertificatePEM,
	}
	if c.RevocationReason != nil {
		resp.RevocationReason = c.RevocationReason.String()
	}
	if c.TransactionID != nil {
		resp.TransactionID = c.TransactionID.String()
	}
	return resp
}

// ListCertificatesResponse is returned from GET /pki/ca/{caID}/certificates.
type ListCertificatesResponse struct {
	Certificates []CertificateResponse `json:"certificates"`
	PaginationMeta
}

// AuditEntry is one persisted audit event.
type AuditEntry struct {
	ID        string            `json:"id"`
	Event     AuditEvent        `json:"event"`
	Remote    string            `json:"remote_addr,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ListAuditResponse is returned from GET /audit.
type ListAuditResponse struct {
	Entries []AuditEntry `json:"entries"`
	PaginationMeta
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}
