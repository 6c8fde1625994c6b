package issuance_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"testing"
	"time"

	"github.com/ivneld/Meteor-PKI/authority"
	"github.com/ivneld/Meteor-PKI/issuance"
	"github.com/ivneld/Meteor-PKI/keys"
	"github.com/ivneld/Meteor-PKI/pki"
	"github.com/ivneld/Meteor-PKI/registry"
	"github.com/ivneld/Meteor-PKI/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc   *issuance.Service
	mgr   *authority.Manager
	certs *registry.CertificateStore
	ca    pki.CertificateAuthority
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := memory.NewRepository()
	ks, err := keys.NewService("issuance-secret", keys.WithIterations(1000))
	require.NoError(t, err)
	t.Cleanup(ks.Destroy)

	cas := registry.NewCAStore(repo)
	certs := registry.NewCertificateStore(repo)
	builder := pki.NewBuilder("https://pki.example.com")
	f := fixture{
		svc:   issuance.New(cas, certs, ks, builder, issuance.WithValidityDays(90)),
		mgr:   authority.New(cas, certs, ks, builder),
		certs: certs,
	}
	f.ca, err = f.mgr.CreateRoot(t.Context(), authority.CreateRootRequest{
		Alias:        "issuing-ca",
		Subject:      pki.SubjectDN{CommonName: "Issuing CA"},
		KeyAlgorithm: pki.ECP256,
	})
	require.NoError(t, err)
	return f
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func issue(t *testing.T, f fixture, cn string) pki.IssuedCertificate {
	t.Helper()
	cert, err := f.svc.Issue(t.Context(), issuance.IssueRequest{
		Subject:   pki.SubjectDN{CommonName: cn},
		PublicKey: newKey(t).Public(),
	}, f.ca.ID)
	require.NoError(t, err)
	return cert
}

func TestIssue(t *testing.T) {
	f := newFixture(t)
	key := newKey(t)
	txID := pki.TransactionID{1, 2, 3}
	san, err := pki.ParseSAN("DNS", "www.example.com")
	require.NoError(t, err)

	issued, err := f.svc.Issue(t.Context(), issuance.IssueRequest{
		Subject:   pki.SubjectDN{CommonName: "www.example.com", Organization: "Example"},
		PublicKey: key.Public(),
		Extensions: pki.Extensions{
			KeyUsage:    []pki.KeyUsage{pki.KeyUsageDigitalSignature},
			ExtKeyUsage: []pki.ExtKeyUsage{pki.ExtKeyUsageServerAuth},
			SANs:        []pki.SANValue{san},
		},
		TransactionID: &txID,
	}, f.ca.ID)
	require.NoError(t, err)

	assert.Equal(t, pki.CertStatusValid, issued.Status)
	assert.Equal(t, f.ca.ID, issued.IssuerID)
	assert.Equal(t, pki.ECP256, issued.KeyAlgorithm)
	require.NotNil(t, issued.TransactionID)
	assert.Equal(t, txID, *issued.TransactionID)
	assert.True(t, issued.IsValid())

	cert, err := pki.ParseCertificatePEM(issued.CertificatePEM)
	require.NoError(t, err)
	assert.Equal(t, "www.example.com", cert.Subject.CommonName)
	assert.Equal(t, []string{"www.example.com"}, cert.DNSNames)
	assert.False(t, cert.IsCA)
	assert.Equal(t, 90*24*time.Hour, cert.NotAfter.Sub(cert.NotBefore))

	caCert, err := pki.ParseCertificatePEM(f.ca.CertificatePEM)
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(caCert)
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:     roots,
		DNSName:   "www.example.com",
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	assert.NoError(t, err)

	stored, err := f.svc.Find(t.Context(), issued.SerialNumber)
	require.NoError(t, err)
	assert.Equal(t, issued.CertificatePEM, stored.CertificatePEM)
}

func TestIssue_ExplicitValidity(t *testing.T) {
	f := newFixture(t)
	issued, err := f.svc.Issue(t.Context(), issuance.IssueRequest{
		Subject:      pki.SubjectDN{CommonName: "short"},
		PublicKey:    newKey(t).Public(),
		ValidityDays: 7,
	}, f.ca.ID)
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, issued.Validity.NotAfter.Sub(issued.Validity.NotBefore))
}

func TestIssue_RevokedCACreatesNothing(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Revoke(t.Context(), f.ca.ID)
	require.NoError(t, err)

	_, err = f.svc.Issue(t.Context(), issuance.IssueRequest{
		Subject:   pki.SubjectDN{CommonName: "denied"},
		PublicKey: newKey(t).Public(),
	}, f.ca.ID)
	assert.ErrorIs(t, err, pki.ErrCANotActive)

	list, err := f.svc.List(t.Context(), f.ca.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestIssue_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Issue(t.Context(), issuance.IssueRequest{
		Subject: pki.SubjectDN{CommonName: "x"}, PublicKey: newKey(t).Public(),
	}, 999)
	assert.ErrorIs(t, err, pki.ErrCANotFound)

	_, err = f.svc.Issue(t.Context(), issuance.IssueRequest{
		Subject: pki.SubjectDN{Organization: "no cn"}, PublicKey: newKey(t).Public(),
	}, f.ca.ID)
	assert.ErrorIs(t, err, pki.ErrInvalidSubject)

	_, err = f.svc.Issue(t.Context(), issuance.IssueRequest{
		Subject: pki.SubjectDN{CommonName: "nokey"},
	}, f.ca.ID)
	assert.Error(t, err)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	issued := issue(t, f, "client-1")

	revoked, err := f.svc.Revoke(t.Context(), issued.SerialNumber, f.ca.ID, pki.ReasonKeyCompromise)
	require.NoError(t, err)
	assert.Equal(t, pki.CertStatusRevoked, revoked.Status)
	require.NotNil(t, revoked.RevocationReason)
	require.NotNil(t, revoked.RevokedAt)
	assert.Equal(t, pki.ReasonKeyCompromise, *revoked.RevocationReason)
	firstAt := *revoked.RevokedAt

	_, err = f.svc.Revoke(t.Context(), issued.SerialNumber, f.ca.ID, pki.ReasonSuperseded)
	assert.ErrorIs(t, err, pki.ErrCertAlreadyRevoked)

	stored, err := f.svc.Find(t.Context(), issued.SerialNumber)
	require.NoError(t, err)
	assert.Equal(t, pki.ReasonKeyCompromise, *stored.RevocationReason)
	assert.True(t, firstAt.Equal(*stored.RevokedAt))

	crl, err := f.mgr.GenerateCRL(t.Context(), f.ca.ID)
	require.NoError(t, err)
	list, err := x509.ParseRevocationList(crl)
	require.NoError(t, err)
	require.Len(t, list.RevokedCertificateEntries, 1)
	assert.Equal(t, 0, issued.SerialNumber.BigInt().Cmp(list.RevokedCertificateEntries[0].SerialNumber))
}

func TestRevoke_WrongIssuerOrUnknown(t *testing.T) {
	f := newFixture(t)
	issued := issue(t, f, "client-2")

	_, err := f.svc.Revoke(t.Context(), issued.SerialNumber, f.ca.ID+1, pki.ReasonUnspecified)
	assert.ErrorIs(t, err, pki.ErrCertNotFound)

	unknown, err := pki.NewSerialNumber(nil)
	require.NoError(t, err)
	_, err = f.svc.Revoke(t.Context(), unknown, f.ca.ID, pki.ReasonUnspecified)
	assert.ErrorIs(t, err, pki.ErrCertNotFound)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	a := issue(t, f, "a")
	b := issue(t, f, "b")

	list, err := f.svc.List(t.Context(), f.ca.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	serials := []string{list[0].SerialNumber.String(), list[1].SerialNumber.String()}
	assert.ElementsMatch(t, []string{a.SerialNumber.String(), b.SerialNumber.String()}, serials)

	_, err = f.svc.List(t.Context(), 555)
	assert.ErrorIs(t, err, pki.ErrCANotFound)
}
