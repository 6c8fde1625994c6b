// Package authority manages the CA hierarchy: root and subordinate CA
// creation, chain lookup, status transitions, CRL generation and OCSP.
package authority

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ivneld/Meteor-PKI/pki"
)

// Default validity periods in days.
const (
	DefaultRootCADays    = 7300
	DefaultSubCADays     = 3650
	DefaultEndEntityDays = 365
)

// ValidityDays holds the configured certificate lifetimes.
type ValidityDays struct {
	RootCA    int
	SubCA     int
	EndEntity int
}

// DefaultValidityDays returns the built-in lifetimes.
func DefaultValidityDays() ValidityDays {
	return ValidityDays{RootCA: DefaultRootCADays, SubCA: DefaultSubCADays, EndEntity: DefaultEndEntityDays}
}

// Manager is the CA management service. It is safe for concurrent use.
type Manager struct {
	cas      pki.CARepository
	certs    pki.CertificateRepository
	keys     pki.KeyStore
	builder  *pki.Builder
	logger   *slog.Logger
	validity ValidityDays
	now      func() time.Time
	rand     io.Reader
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithValidity sets the CA lifetimes. Non-positive fields keep the default.
func WithValidity(v ValidityDays) Option {
	return func(m *Manager) {
		if v.RootCA > 0 {
			m.validity.RootCA = v.RootCA
		}
		if v.SubCA > 0 {
			m.validity.SubCA = v.SubCA
		}
		if v.EndEntity > 0 {
			m.validity.EndEntity = v.EndEntity
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRandom sets the source for serial numbers.
func WithRandom(r io.Reader) Option {
	return func(m *Manager) {
		if r != nil {
			m.rand = r
		}
	}
}

// New returns a Manager.
func New(cas pki.CARepository, certs pki.CertificateRepository, keys pki.KeyStore, builder *pki.Builder, opts ...Option) *Manager {
	m := &Manager{
		cas:      cas,
		certs:    certs,
		keys:     keys,
		builder:  builder,
		logger:   slog.Default(),
		validity: DefaultValidityDays(),
		now:      time.Now,
		rand:     rand.Reader,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateRootRequest describes a new root CA.
type CreateRootRequest struct {
	Alias        string
	Subject      pki.SubjectDN
	KeyAlgorithm pki.KeyAlgorithm
}

// CreateSubRequest describes a new subordinate CA.
type CreateSubRequest struct {
	Alias        string
	Subject      pki.SubjectDN
	KeyAlgorithm pki.KeyAlgorithm
	ParentID     pki.CAID
}

type caDraft struct {
	alias   pki.Alias
	subject pki.SubjectDN
	alg     pki.KeyAlgorithm
}

func (m *Manager) prepare(ctx context.Context, alias string, subject pki.SubjectDN, alg pki.KeyAlgorithm) (caDraft, error) {
	a, err := pki.ParseAlias(alias)
	if err != nil {
		return caDraft{}, err
	}
	dn, err := pki.NewSubjectDN(subject)
	if err != nil {
		return caDraft{}, err
	}
	if alg == "" {
		alg = pki.DefaultKeyAlgorithm
	}
	if _, err := pki.ParseKeyAlgorithm(string(alg)); err != nil {
		return caDraft{}, err
	}
	exists, err := m.cas.ExistsByAlias(ctx, a)
	if err != nil {
		return caDraft{}, fmt.Errorf("checking alias: %w", err)
	}
	if exists {
		return caDraft{}, fmt.Errorf("%w: %s", pki.ErrCAAliasDuplicate, a)
	}
	return caDraft{alias: a, subject: dn, alg: alg}, nil
}

// CreateRoot creates a self-signed root CA with unlimited chain depth.
func (m *Manager) CreateRoot(ctx context.Context, req CreateRootRequest) (pki.CertificateAuthority, error) {
	d, err := m.prepare(ctx, req.Alias, req.Subject, req.KeyAlgorithm)
	if err != nil {
		return pki.CertificateAuthority{}, err
	}

	now := m.now()
	key, err := m.keys.GenerateKeyPair(d.alg)
	if err != nil {
		return pki.CertificateAuthority{}, err
	}
	serial, err := pki.NewSerialNumber(m.rand)
	if err != nil {
		return pki.CertificateAuthority{}, err
	}
	validity, err := pki.ValidityForDays(now, m.validity.RootCA)
	if err != nil {
		return pki.CertificateAuthority{}, err
	}
	blob, err := m.keys.Encrypt(key, d.alias)
	if err != nil {
		return pki.CertificateAuthority{}, fmt.Errorf("encrypting CA key: %w", err)
	}
	cert, err := m.builder.RootCertificate(pki.RootRequest{
		Alias:        d.alias,
		Subject:      d.subject,
		Serial:       serial,
		Validity:     validity,
		KeyAlgorithm: d.alg,
		Signer:       key,
	})
	if err != nil {
		return pki.CertificateAuthority{}, err
	}

	ca, err := m.cas.Create(ctx, pki.CertificateAuthority{
		Alias:                d.alias,
		Subject:              d.subject,
		Type:                 pki.CATypeRoot,
		KeyAlgorithm:         d.alg,
		EncryptedKey:         blob,
		CertificatePEM:       pki.EncodeCertificatePEM(cert.Raw),
		SerialNumber:         serial,
		Validity:             validity,
		Status:               pki.CAStatusActive,
		CRLDistributionPoint: m.builder.CRLDistributionURL(d.alias),
		ChainDepth:           pki.UnlimitedDepth,
		CreatedAt:            now.UTC(),
		UpdatedAt:            now.UTC(),
	})
	if err != nil {
		return pki.CertificateAuthority{}, err
	}
	m.logger.InfoContext(ctx, "root CA created",
		slog.Int64("ca_id", int64(ca.ID)),
		slog.String("alias", ca.Alias.String()),
		slog.String("serial", ca.SerialNumber.String()),
	)
	return ca, nil
}

// CreateSub creates a CA signed by req.ParentID. The parent must be able to
// issue and must have chain depth left; the child gets the parent's depth
// minus one, and unlimited stays unlimited.
func (m *Manager) CreateSub(ctx context.Context, req CreateSubRequest) (pki.CertificateAuthority, error) {
	d, err := m.prepare(ctx, req.Alias, req.Subject, req.KeyAlgorithm)
	if err != nil {
		return pki.CertificateAuthority{}, err
	}
	parent, err := m.cas.FindByID(ctx, req.ParentID)
	if err != nil {
		return pki.CertificateAuthority{}, err
	}

	now := m.now()
	if !parent.CanIssueAt(now) {
		return pki.CertificateAuthority{}, fmt.Errorf("%w: %s", pki.ErrCANotActive, parent.Alias)
	}
	if !parent.ChainDepth.AllowsSubCA() {
		return pki.CertificateAuthority{}, fmt.Errorf("%w: %s has chain depth 0", pki.ErrPathLengthExceeded, parent.Alias)
	}
	depth := parent.ChildDepth()

	key, err := m.keys.GenerateKeyPair(d.alg)
	if err != nil {
		return pki.CertificateAuthority{}, err
	}
	serial, err := pki.NewSerialNumber(m.rand)
	if err != nil {
		return pki.CertificateAuthority{}, err
	}
	validity, err := pki.ValidityForDays(now, m.validity.SubCA)
	if err != nil {
		return pki.CertificateAuthority{}, err
	}
	blob, err := m.keys.Encrypt(key, d.alias)
	if err != nil {
		return pki.CertificateAuthority{}, fmt.Errorf("encrypting CA key: %w", err)
	}
	issuer, err := pki.LoadIssuer(parent, m.keys)
	if err != nil {
		return pki.CertificateAuthority{}, err
	}
	cert, err := m.builder.SubCACertificate(issuer, pki.SubCARequest{
		Subject:    d.subject,
		Serial:     serial,
		Validity:   validity,
		PublicKey:  key.Public(),
		ChainDepth: depth,
	})
	if err != nil {
		return pki.CertificateAuthority{}, err
	}

	ca, err := m.cas.Create(ctx, pki.CertificateAuthority{
		Alias:                d.alias,
		Subject:              d.subject,
		Type:                 pki.ClassifyDepth(depth),
		KeyAlgorithm:         d.alg,
		ParentID:             parent.ID,
		EncryptedKey:         blob,
		CertificatePEM:       pki.EncodeCertificatePEM(cert.Raw),
		SerialNumber:         serial,
		Validity:             validity,
		Status:               pki.CAStatusActive,
		CRLDistributionPoint: m.builder.CRLDistributionURL(d.alias),
		ChainDepth:           depth,
		CreatedAt:            now.UTC(),
		UpdatedAt:            now.UTC(),
	})
	if err != nil {
		return pki.CertificateAuthority{}, err
	}
	m.logger.InfoContext(ctx, "subordinate CA created",
		slog.Int64("ca_id", int64(ca.ID)),
		slog.String("alias", ca.Alias.String()),
		slog.Int64("parent_id", int64(parent.ID)),
		slog.String("type", string(ca.Type)),
		slog.Int("chain_depth", int(ca.ChainDepth)),
	)
	return ca, nil
}

// Chain returns the CAs from the root down to id.
func (m *Manager) Chain(ctx context.Context, id pki.CAID) ([]pki.CertificateAuthority, error) {
	var chain []pki.CertificateAuthority
	seen := make(map[pki.CAID]bool)
	current, err := m.cas.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	for {
		if seen[current.ID] {
			return nil, fmt.Errorf("CA chain of %d contains a cycle at %d", id, current.ID)
		}
		seen[current.ID] = true
		chain = append(chain, current)
		if current.IsRoot() {
			break
		}
		current, err = m.cas.FindByID(ctx, current.ParentID)
		if err != nil {
			return nil, fmt.Errorf("resolving chain of CA %d: %w", id, err)
		}
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// ChainPEM returns the chain certificates as PEM, root first.
func (m *Manager) ChainPEM(ctx context.Context, id pki.CAID) ([]string, error) {
	chain, err := m.Chain(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(chain))
	for i, ca := range chain {
		out[i] = ca.CertificatePEM
	}
	return out, nil
}

// GenerateCRL signs a fresh DER CRL listing every certificate revoked
// under the CA.
func (m *Manager) GenerateCRL(ctx context.Context, id pki.CAID) ([]byte, error) {
	ca, err := m.cas.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.crl(ctx, ca)
}

// CRLForAlias is GenerateCRL keyed by alias.
func (m *Manager) CRLForAlias(ctx context.Context, alias pki.Alias) ([]byte, error) {
	ca, err := m.cas.FindByAlias(ctx, alias)
	if err != nil {
		return nil, err
	}
	return m.crl(ctx, ca)
}

func (m *Manager) crl(ctx context.Context, ca pki.CertificateAuthority) ([]byte, error) {
	issuer, err := pki.LoadIssuer(ca, m.keys)
	if err != nil {
		return nil, err
	}
	revoked, err := m.certs.FindRevokedByIssuer(ctx, ca.ID)
	if err != nil {
		return nil, fmt.Errorf("loading revoked certificates: %w", err)
	}
	der, err := m.builder.CRL(issuer, revoked, m.now())
	if err != nil {
		return nil, err
	}
	m.logger.DebugContext(ctx, "CRL generated",
		slog.String("alias", ca.Alias.String()),
		slog.Int("revoked", len(revoked)),
	)
	return der, nil
}

// FindAll lists every CA ordered by id.
func (m *Manager) FindAll(ctx context.Context) ([]pki.CertificateAuthority, error) {
	return m.cas.FindAll(ctx)
}

// FindByID returns one CA or pki.ErrCANotFound.
func (m *Manager) FindByID(ctx context.Context, id pki.CAID) (pki.CertificateAuthority, error) {
	return m.cas.FindByID(ctx, id)
}

// FindByAlias returns one CA or pki.ErrCANotFound.
func (m *Manager) FindByAlias(ctx context.Context, alias pki.Alias) (pki.CertificateAuthority, error) {
	return m.cas.FindByAlias(ctx, alias)
}

// Revoke marks the CA REVOKED. It no longer signs anything.
func (m *Manager) Revoke(ctx context.Context, id pki.CAID) (pki.CertificateAuthority, error) {
	return m.transition(ctx, id, "CA revoked", pki.CertificateAuthority.Revoke)
}

// Activate marks the CA ACTIVE again.
func (m *Manager) Activate(ctx context.Context, id pki.CAID) (pki.CertificateAuthority, error) {
	return m.transition(ctx, id, "CA activated", pki.CertificateAuthority.Activate)
}

func (m *Manager) transition(ctx context.Context, id pki.CAID, msg string, fn func(pki.CertificateAuthority, time.Time) pki.CertificateAuthority) (pki.CertificateAuthority, error) {
	ca, err := m.cas.FindByID(ctx, id)
	if err != nil {
		return pki.CertificateAuthority{}, err
	}
	saved, err := m.cas.Save(ctx, fn(ca, m.now()))
	if err != nil {
		return pki.CertificateAuthority{}, err
	}
	m.logger.InfoContext(ctx, msg, slog.Int64("ca_id", int64(id)), slog.String("alias", saved.Alias.String()))
	return saved, nil
}

// ErrOCSPMalformed is returned for an undecodable OCSP request.
var ErrOCSPMalformed = errors.New("malformed OCSP request")

// OCSP answers a DER OCSP request for certificates of the CA named alias.
func (m *Manager) OCSP(ctx context.Context, alias pki.Alias, raw []byte) ([]byte, error) {
	ca, err := m.cas.FindByAlias(ctx, alias)
	if err != nil {
		return nil, err
	}
	req, err := pki.ParseOCSPRequest(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOCSPMalformed, err)
	}
	issuer, err := pki.LoadIssuer(ca, m.keys)
	if err != nil {
		return nil, err
	}

	var record *pki.IssuedCertificate
	cert, err := m.certs.FindBySerial(ctx, pki.SerialFromBigInt(req.SerialNumber))
	switch {
	case err == nil:
		record = &cert
	case errors.Is(err, pki.ErrCertNotFound):
	default:
		return nil, fmt.Errorf("looking up certificate: %w", err)
	}
	return pki.OCSPResponse(issuer, req, record, m.now())
}
