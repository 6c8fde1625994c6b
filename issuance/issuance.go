// Package issuance issues and revokes end-entity certificates.
package issuance

import (
	"context"
	"crypto"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ivneld/Meteor-PKI/pki"
)

// DefaultValidityDays is the end-entity lifetime when a request names none.
const DefaultValidityDays = 365

// Service is the certificate issuance service. It is safe for concurrent use.
type Service struct {
	cas      pki.CARepository
	certs    pki.CertificateRepository
	keys     pki.KeyStore
	builder  *pki.Builder
	logger   *slog.Logger
	validity int
	now      func() time.Time
	rand     io.Reader
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithValidityDays sets the default end-entity lifetime.
func WithValidityDays(days int) Option {
	return func(s *Service) {
		if days > 0 {
			s.validity = days
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRandom sets the source for serial numbers.
func WithRandom(r io.Reader) Option {
	return func(s *Service) {
		if r != nil {
			s.rand = r
		}
	}
}

// New returns a Service.
func New(cas pki.CARepository, certs pki.CertificateRepository, keys pki.KeyStore, builder *pki.Builder, opts ...Option) *Service {
	s := &Service{
		cas:      cas,
		certs:    certs,
		keys:     keys,
		builder:  builder,
		logger:   slog.Default(),
		validity: DefaultValidityDays,
		now:      time.Now,
		rand:     rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueRequest describes an end-entity certificate. ValidityDays of zero
// selects the configured default.
type IssueRequest struct {
	Subject       pki.SubjectDN
	PublicKey     crypto.PublicKey
	Extensions    pki.Extensions
	ValidityDays  int
	TransactionID *pki.TransactionID
}

// Issue signs a certificate under issuerID and records it as VALID.
func (s *Service) Issue(ctx context.Context, req IssueRequest, issuerID pki.CAID) (pki.IssuedCertificate, error) {
	ca, err := s.cas.FindByID(ctx, issuerID)
	if err != nil {
		return pki.IssuedCertificate{}, err
	}
	now := s.now()
	if !ca.CanIssueAt(now) {
		return pki.IssuedCertificate{}, fmt.Errorf("%w: %s", pki.ErrCANotActive, ca.Alias)
	}

	subject, err := pki.NewSubjectDN(req.Subject)
	if err != nil {
		return pki.IssuedCertificate{}, err
	}
	if req.PublicKey == nil {
		return pki.IssuedCertificate{}, fmt.Errorf("issuing certificate for %s: missing public key", subject)
	}
	alg, err := pki.KeyAlgorithmOf(req.PublicKey)
	if err != nil {
		alg = ca.KeyAlgorithm
	}
	days := req.ValidityDays
	if days <= 0 {
		days = s.validity
	}
	validity, err := pki.ValidityForDays(now, days)
	if err != nil {
		return pki.IssuedCertificate{}, err
	}
	serial, err := pki.NewSerialNumber(s.rand)
	if err != nil {
		return pki.IssuedCertificate{}, err
	}

	issuer, err := pki.LoadIssuer(ca, s.keys)
	if err != nil {
		return pki.IssuedCertificate{}, err
	}
	cert, err := s.builder.EndEntityCertificate(issuer, pki.EndEntityRequest{
		Subject:    subject,
		Serial:     serial,
		Validity:   validity,
		PublicKey:  req.PublicKey,
		Extensions: req.Extensions,
	})
	if err != nil {
		return pki.IssuedCertificate{}, err
	}

	issued, err := s.certs.Create(ctx, pki.IssuedCertificate{
		SerialNumber:   serial,
		Subject:        subject,
		IssuerID:       ca.ID,
		CertificatePEM: pki.EncodeCertificatePEM(cert.Raw),
		KeyAlgorithm:   alg,
		Validity:       validity,
		Status:         pki.CertStatusValid,
		TransactionID:  req.TransactionID,
		CreatedAt:      now.UTC(),
	})
	if err != nil {
		return pki.IssuedCertificate{}, err
	}
	s.logger.InfoContext(ctx, "certificate issued",
		slog.String("serial", serial.String()),
		slog.String("subject", subject.String()),
		slog.String("issuer", ca.Alias.String()),
	)
	return issued, nil
}

// Revoke revokes the certificate serial issued by issuerID. A certificate
// of another issuer is reported as not found.
func (s *Service) Revoke(ctx context.Context, serial pki.SerialNumber, issuerID pki.CAID, reason pki.RevocationReason) (pki.IssuedCertificate, error) {
	cert, err := s.certs.FindBySerial(ctx, serial)
	if err != nil {
		return pki.IssuedCertificate{}, err
	}
	if cert.IssuerID != issuerID {
		return pki.IssuedCertificate{}, fmt.Errorf("%w: %s under CA %d", pki.ErrCertNotFound, serial, issuerID)
	}
	revoked, err := cert.Revoke(reason, s.now())
	if err != nil {
		return pki.IssuedCertificate{}, err
	}
	saved, err := s.certs.Save(ctx, revoked)
	if err != nil {
		return pki.IssuedCertificate{}, err
	}
	s.logger.InfoContext(ctx, "certificate revoked",
		slog.String("serial", serial.String()),
		slog.Int64("issuer_id", int64(issuerID)),
		slog.String("reason", reason.String()),
	)
	return saved, nil
}

// Find returns one issued certificate.
func (s *Service) Find(ctx context.Context, serial pki.SerialNumber) (pki.IssuedCertificate, error) {
	return s.certs.FindBySerial(ctx, serial)
}

// List returns the certificates issued by issuerID.
func (s *Service) List(ctx context.Context, issuerID pki.CAID) ([]pki.IssuedCertificate, error) {
	if _, err := s.cas.FindByID(ctx, issuerID); err != nil {
		return nil, err
	}
	return s.certs.FindByIssuer(ctx, issuerID)
}
