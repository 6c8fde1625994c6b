package pki

import (
	"bytes"
	"fmt"
	"time"

	"golang.org/x/crypto/ocsp"
)

// OCSPValidity is the span between an OCSP response's thisUpdate and
// nextUpdate.
const OCSPValidity = time.Hour

// ParseOCSPRequest decodes a DER OCSP request.
func ParseOCSPRequest(der []byte) (*ocsp.Request, error) {
	req, err := ocsp.ParseRequest(der)
	if err != nil {
		return nil, fmt.Errorf("parsing OCSP request: %w", err)
	}
	return req, nil
}

// IssuedBy reports whether the request names issuer through its key hash.
func IssuedBy(req *ocsp.Request, issuer Issuer) bool {
	if req == nil || issuer.Certificate == nil || !req.HashAlgorithm.Available() {
		return false
	}
	bits, err := subjectPublicKeyBits(issuer.Certificate.PublicKey)
	if err != nil {
		return false
	}
	h := req.HashAlgorithm.New()
	h.Write(bits)
	return bytes.Equal(h.Sum(nil), req.IssuerKeyHash)
}

// OCSPResponse signs a response for req with the CA acting as its own
// responder. A nil cert, or a request naming a different issuer, is
// answered with status unknown.
func OCSPResponse(issuer Issuer, req *ocsp.Request, cert *IssuedCertificate, now time.Time) ([]byte, error) {
	now = now.UTC()
	tmpl := ocsp.Response{
		Status:       ocsp.Unknown,
		SerialNumber: req.SerialNumber,
		ThisUpdate:   now,
		NextUpdate:   now.Add(OCSPValidity),
		IssuerHash:   req.HashAlgorithm,
	}
	if cert != nil && cert.IssuerID == issuer.ID && IssuedBy(req, issuer) {
		switch cert.Status {
		case CertStatusRevoked:
			tmpl.Status = ocsp.Revoked
			if cert.RevokedAt != nil {
				tmpl.RevokedAt = *cert.RevokedAt
			}
			if cert.RevocationReason != nil {
				tmpl.RevocationReason = int(*cert.RevocationReason)
			}
		default:
			tmpl.Status = ocsp.Good
		}
	}
	der, err := ocsp.CreateResponse(issuer.Certificate, issuer.Certificate, tmpl, issuer.Signer)
	if err != nil {
		return nil, fmt.Errorf("creating OCSP response: %w", err)
	}
	return der, nil
}
