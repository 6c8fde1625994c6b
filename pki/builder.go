package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// CRLValidity is the span between a CRL's thisUpdate and nextUpdate.
const CRLValidity = 24 * time.Hour

// Issuer is a loaded signing CA: its parsed certificate plus the decrypted
// key. Callers drop it once the signing operation is done.
type Issuer struct {
	ID           CAID
	Alias        Alias
	KeyAlgorithm KeyAlgorithm
	Certificate  *x509.Certificate
	Signer       crypto.Signer
}

// RootRequest describes a self-signed root certificate.
type RootRequest struct {
	Alias        Alias
	Subject      SubjectDN
	Serial       SerialNumber
	Validity     Validity
	KeyAlgorithm KeyAlgorithm
	Signer       crypto.Signer
}

// SubCARequest describes a subordinate CA certificate.
type SubCARequest struct {
	Subject    SubjectDN
	Serial     SerialNumber
	Validity   Validity
	PublicKey  crypto.PublicKey
	ChainDepth ChainDepth
}

// EndEntityRequest describes a leaf certificate.
type EndEntityRequest struct {
	Subject    SubjectDN
	Serial     SerialNumber
	Validity   Validity
	PublicKey  crypto.PublicKey
	Extensions Extensions
}

// Builder signs certificates and CRLs. The base URL, when set, is used for
// the CRL distribution point, AIA and OCSP URLs.
type Builder struct {
	baseURL string
	rand    io.Reader
}

// BuilderOption customizes a Builder.
type BuilderOption func(*Builder)

// WithSigningRandom sets the randomness source used while signing.
func WithSigningRandom(r io.Reader) BuilderOption {
	return func(b *Builder) { b.rand = r }
}

// NewBuilder returns a Builder publishing URLs below baseURL.
func NewBuilder(baseURL string, opts ...BuilderOption) *Builder {
	b := &Builder{
		baseURL: strings.TrimRight(baseURL, "/"),
		rand:    rand.Reader,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CRLDistributionURL is where the CRL of the CA named alias is published.
func (b *Builder) CRLDistributionURL(alias Alias) string {
	if b.baseURL == "" {
		return ""
	}
	return b.baseURL + "/pki/" + string(alias) + "/crl"
}

// IssuerURL is where the certificate of CA id can be retrieved.
func (b *Builder) IssuerURL(id CAID) string {
	if b.baseURL == "" {
		return ""
	}
	return b.baseURL + "/api/v1/pki/ca/" + strconv.FormatInt(int64(id), 10) + "/certificate"
}

// OCSPURL is the OCSP responder of the CA named alias.
func (b *Builder) OCSPURL(alias Alias) string {
	if b.baseURL == "" {
		return ""
	}
	return b.baseURL + "/pki/" + string(alias) + "/ocsp"
}

// RootCertificate self-signs a root CA certificate.
func (b *Builder) RootCertificate(req RootRequest) (*x509.Certificate, error) {
	if req.Signer == nil {
		return nil, errors.New("root certificate: signer is required")
	}
	ski, err := SubjectKeyID(req.Signer.Public())
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          req.Serial.BigInt(),
		Subject:               req.Subject.Name(),
		NotBefore:             req.Validity.NotBefore,
		NotAfter:              req.Validity.NotAfter,
		SignatureAlgorithm:    req.KeyAlgorithm.SignatureAlgorithm(),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            -1,
		SubjectKeyId:          ski,
		AuthorityKeyId:        ski,
	}
	if u := b.CRLDistributionURL(req.Alias); u != "" {
		template.CRLDistributionPoints = []string{u}
	}
	return b.sign(template, template, req.Signer.Public(), req.Signer)
}

// SubCACertificate signs a subordinate CA certificate under issuer. An
// unlimited chain depth omits pathLenConstraint.
func (b *Builder) SubCACertificate(issuer Issuer, req SubCARequest) (*x509.Certificate, error) {
	ski, err := SubjectKeyID(req.PublicKey)
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          req.Serial.BigInt(),
		Subject:               req.Subject.Name(),
		NotBefore:             req.Validity.NotBefore,
		NotAfter:              req.Validity.NotAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          ski,
	}
	switch {
	case req.ChainDepth.IsUnlimited():
		template.MaxPathLen = -1
	case req.ChainDepth == 0:
		template.MaxPathLen = 0
		template.MaxPathLenZero = true
	default:
		template.MaxPathLen = int(req.ChainDepth)
	}
	b.applyIssuerLinks(template, issuer)
	return b.signWithIssuer(template, issuer, req.PublicKey)
}

// EndEntityCertificate signs a leaf certificate under issuer. Empty
// extension sets are omitted.
func (b *Builder) EndEntityCertificate(issuer Issuer, req EndEntityRequest) (*x509.Certificate, error) {
	if err := req.Extensions.Validate(); err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          req.Serial.BigInt(),
		Subject:               req.Subject.Name(),
		NotBefore:             req.Validity.NotBefore,
		NotAfter:              req.Validity.NotAfter,
		BasicConstraintsValid: true,
		IsCA:                  false,
	}
	req.Extensions.apply(template)
	b.applyIssuerLinks(template, issuer)
	return b.signWithIssuer(template, issuer, req.PublicKey)
}

func (b *Builder) applyIssuerLinks(template *x509.Certificate, issuer Issuer) {
	if u := b.IssuerURL(issuer.ID); u != "" {
		template.IssuingCertificateURL = []string{u}
	}
	if u := b.OCSPURL(issuer.Alias); u != "" {
		template.OCSPServer = []string{u}
	}
	if u := b.CRLDistributionURL(issuer.Alias); u != "" {
		template.CRLDistributionPoints = []string{u}
	}
}

func (b *Builder) signWithIssuer(template *x509.Certificate, issuer Issuer, pub crypto.PublicKey) (*x509.Certificate, error) {
	if issuer.Certificate == nil || issuer.Signer == nil {
		return nil, errors.New("issuer certificate and signer are required")
	}
	template.SignatureAlgorithm = issuer.KeyAlgorithm.SignatureAlgorithm()
	template.AuthorityKeyId = issuer.Certificate.SubjectKeyId
	return b.sign(template, issuer.Certificate, pub, issuer.Signer)
}

func (b *Builder) sign(template, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) (*x509.Certificate, error) {
	der, err := x509.CreateCertificate(b.rand, template, parent, pub, signer)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing signed certificate: %w", err)
	}
	return cert, nil
}

// CRL signs a revocation list for issuer listing every revoked
// certificate. The CRL number is the signing time in milliseconds.
func (b *Builder) CRL(issuer Issuer, revoked []IssuedCertificate, now time.Time) ([]byte, error) {
	if issuer.Certificate == nil || issuer.Signer == nil {
		return nil, errors.New("issuer certificate and signer are required")
	}
	now = now.UTC()
	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, c := range revoked {
		if c.Status != CertStatusRevoked {
			continue
		}
		entry := x509.RevocationListEntry{
			SerialNumber:   c.SerialNumber.BigInt(),
			RevocationTime: now,
		}
		if c.RevokedAt != nil {
			entry.RevocationTime = *c.RevokedAt
		}
		if c.RevocationReason != nil {
			entry.ReasonCode = int(*c.RevocationReason)
		}
		entries = append(entries, entry)
	}
	template := &x509.RevocationList{
		SignatureAlgorithm:        issuer.KeyAlgorithm.SignatureAlgorithm(),
		Number:                    big.NewInt(now.UnixMilli()),
		ThisUpdate:                now,
		NextUpdate:                now.Add(CRLValidity),
		RevokedCertificateEntries: entries,
	}
	der, err := x509.CreateRevocationList(b.rand, template, issuer.Certificate, issuer.Signer)
	if err != nil {
		return nil, fmt.Errorf("creating CRL: %w", err)
	}
	return der, nil
}

// SubjectKeyID is the SHA-1 of the subjectPublicKey bit string (RFC 5280
// section 4.2.1.2, method 1).
func SubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	bits, err := subjectPublicKeyBits(pub)
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum(bits)
	return sum[:], nil
}

func subjectPublicKeyBits(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	return spki.PublicKey.Bytes, nil
}

// LoadIssuer decrypts the CA key and parses its certificate.
func LoadIssuer(ca CertificateAuthority, ks KeyStore) (Issuer, error) {
	cert, err := ParseCertificatePEM(ca.CertificatePEM)
	if err != nil {
		return Issuer{}, fmt.Errorf("loading certificate of CA %s: %v", ca.Alias, err)
	}
	signer, err := ks.Decrypt(ca.EncryptedKey, ca.Alias, ca.KeyAlgorithm)
	if err != nil {
		return Issuer{}, fmt.Errorf("loading key of CA %s: %w", ca.Alias, err)
	}
	return Issuer{
		ID:           ca.ID,
		Alias:        ca.Alias,
		KeyAlgorithm: ca.KeyAlgorithm,
		Certificate:  cert,
		Signer:       signer,
	}, nil
}
