package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ivneld/Meteor-PKI/pki"
	"github.com/ivneld/Meteor-PKI/storage"
)

// CertificateStore implements pki.CertificateRepository.
type CertificateStore struct {
	repo storage.Repository
}

var _ pki.CertificateRepository = (*CertificateStore)(nil)

// NewCertificateStore returns a certificate registry over repo.
func NewCertificateStore(repo storage.Repository) *CertificateStore {
	return &CertificateStore{repo: repo}
}

func issuerIndex(id pki.CAID) string {
	return kindCertIssuer + strconv.FormatInt(int64(id), 10)
}

// Create stores cert and its issuer index entry. Serial numbers are
// create-only.
func (s *CertificateStore) Create(ctx context.Context, cert pki.IssuedCertificate) (pki.IssuedCertificate, error) {
	cert.Version = 1
	rec, err := encode(cert, cert.Version)
	if err != nil {
		return pki.IssuedCertificate{}, err
	}
	serial := cert.SerialNumber.String()
	err = s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(kindCert, serial, 0, rec); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				return fmt.Errorf("%w: %s", ErrDuplicateSerial, serial)
			}
			return err
		}
		return tx.Put(issuerIndex(cert.IssuerID), serial, &storage.Record{Data: []byte("{}"), Version: 1})
	})
	if err != nil {
		return pki.IssuedCertificate{}, err
	}
	return cert, nil
}

// Save writes cert if the stored version still equals cert.Version.
func (s *CertificateStore) Save(ctx context.Context, cert pki.IssuedCertificate) (pki.IssuedCertificate, error) {
	next := cert
	next.Version = cert.Version + 1
	rec, err := encode(next, next.Version)
	if err != nil {
		return pki.IssuedCertificate{}, err
	}
	if err := s.repo.PutCAS(ctx, kindCert, cert.SerialNumber.String(), cert.Version, rec); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return pki.IssuedCertificate{}, fmt.Errorf("saving certificate %s: %w", cert.SerialNumber, ErrConflict)
		}
		return pki.IssuedCertificate{}, err
	}
	return next, nil
}

func (s *CertificateStore) FindBySerial(ctx context.Context, serial pki.SerialNumber) (pki.IssuedCertificate, error) {
	var cert pki.IssuedCertificate
	version, err := load(ctx, s.repo, kindCert, serial.String(), &cert, fmt.Errorf("%w: serial %s", pki.ErrCertNotFound, serial))
	if err != nil {
		return pki.IssuedCertificate{}, err
	}
	cert.Version = version
	return cert, nil
}

// FindByIssuer returns the certificates issued by issuer ordered by serial.
func (s *CertificateStore) FindByIssuer(ctx context.Context, issuer pki.CAID) ([]pki.IssuedCertificate, error) {
	serials, err := s.repo.List(ctx, issuerIndex(issuer))
	if err != nil {
		return nil, err
	}
	out := make([]pki.IssuedCertificate, 0, len(serials))
	for _, hex := range serials {
		var cert pki.IssuedCertificate
		version, err := load(ctx, s.repo, kindCert, hex, &cert, fmt.Errorf("%w: serial %s", pki.ErrCertNotFound, hex))
		if err != nil {
			return nil, err
		}
		cert.Version = version
		out = append(out, cert)
	}
	return out, nil
}

func (s *CertificateStore) FindRevokedByIssuer(ctx context.Context, issuer pki.CAID) ([]pki.IssuedCertificate, error) {
	all, err := s.FindByIssuer(ctx, issuer)
	if err != nil {
		return nil, err
	}
	revoked := all[:0]
	for _, c := range all {
		if c.Status == pki.CertStatusRevoked {
			revoked = append(revoked, c)
		}
	}
	return revoked, nil
}
