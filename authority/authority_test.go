package authority_test

import (
	"crypto/x509"
	"testing"
	"time"

	"github.com/ivneld/Meteor-PKI/authority"
	"github.com/ivneld/Meteor-PKI/keys"
	"github.com/ivneld/Meteor-PKI/pki"
	"github.com/ivneld/Meteor-PKI/registry"
	"github.com/ivneld/Meteor-PKI/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"
)

type fixture struct {
	mgr   *authority.Manager
	cas   *registry.CAStore
	certs *registry.CertificateStore
	keys  *keys.Service
}

func newFixture(t *testing.T, opts ...authority.Option) fixture {
	t.Helper()
	repo := memory.NewRepository()
	ks, err := keys.NewService("test-master-secret", keys.WithIterations(1000))
	require.NoError(t, err)
	t.Cleanup(ks.Destroy)
	f := fixture{
		cas:   registry.NewCAStore(repo),
		certs: registry.NewCertificateStore(repo),
		keys:  ks,
	}
	f.mgr = authority.New(f.cas, f.certs, ks, pki.NewBuilder("https://pki.example.com"), opts...)
	return f
}

func createRoot(t *testing.T, f fixture, alias string) pki.CertificateAuthority {
	t.Helper()
	ca, err := f.mgr.CreateRoot(t.Context(), authority.CreateRootRequest{
		Alias:        alias,
		Subject:      pki.SubjectDN{CommonName: "Root " + alias, Organization: "Meteor"},
		KeyAlgorithm: pki.ECP256,
	})
	require.NoError(t, err)
	return ca
}

func createSub(t *testing.T, f fixture, alias string, parent pki.CAID) (pki.CertificateAuthority, error) {
	t.Helper()
	return f.mgr.CreateSub(t.Context(), authority.CreateSubRequest{
		Alias:        alias,
		Subject:      pki.SubjectDN{CommonName: "Sub " + alias},
		KeyAlgorithm: pki.ECP256,
		ParentID:     parent,
	})
}

func TestCreateRoot(t *testing.T) {
	f := newFixture(t)
	ca, err := f.mgr.CreateRoot(t.Context(), authority.CreateRootRequest{
		Alias:        "root-ca",
		Subject:      pki.SubjectDN{CommonName: "Meteor Root"},
		KeyAlgorithm: pki.RSA2048,
	})
	require.NoError(t, err)

	assert.True(t, ca.IsRoot())
	assert.Equal(t, pki.CATypeRoot, ca.Type)
	assert.Equal(t, pki.CAStatusActive, ca.Status)
	assert.True(t, ca.ChainDepth.IsUnlimited())
	assert.Equal(t, "https://pki.example.com/pki/root-ca/crl", ca.CRLDistributionPoint)
	assert.NotZero(t, ca.ID)

	cert, err := pki.ParseCertificatePEM(ca.CertificatePEM)
	require.NoError(t, err)
	assert.Equal(t, cert.Issuer.String(), cert.Subject.String())
	require.NoError(t, cert.CheckSignatureFrom(cert))
	assert.True(t, cert.IsCA)
	assert.Equal(t, 0, ca.SerialNumber.BigInt().Cmp(cert.SerialNumber))

	days := ca.Validity.NotAfter.Sub(ca.Validity.NotBefore) / (24 * time.Hour)
	assert.EqualValues(t, authority.DefaultRootCADays, days)

	signer, err := f.keys.Decrypt(ca.EncryptedKey, ca.Alias, ca.KeyAlgorithm)
	require.NoError(t, err)
	assert.True(t, pki.RSA2048.Matches(signer.Public()))
}

func TestCreateRoot_DefaultsToRSA2048(t *testing.T) {
	f := newFixture(t)
	ca, err := f.mgr.CreateRoot(t.Context(), authority.CreateRootRequest{
		Alias:   "default-alg",
		Subject: pki.SubjectDN{CommonName: "Default"},
	})
	require.NoError(t, err)
	assert.Equal(t, pki.RSA2048, ca.KeyAlgorithm)
}

func TestCreateRoot_Validation(t *testing.T) {
	f := newFixture(t)
	createRoot(t, f, "root-ca")

	_, err := f.mgr.CreateRoot(t.Context(), authority.CreateRootRequest{
		Alias: "root-ca", Subject: pki.SubjectDN{CommonName: "Again"}, KeyAlgorithm: pki.ECP256,
	})
	assert.ErrorIs(t, err, pki.ErrCAAliasDuplicate)

	_, err = f.mgr.CreateRoot(t.Context(), authority.CreateRootRequest{
		Alias: "Bad_Alias", Subject: pki.SubjectDN{CommonName: "Bad"}, KeyAlgorithm: pki.ECP256,
	})
	assert.ErrorIs(t, err, pki.ErrInvalidAlias)

	_, err = f.mgr.CreateRoot(t.Context(), authority.CreateRootRequest{
		Alias: "no-cn", Subject: pki.SubjectDN{Organization: "Meteor"}, KeyAlgorithm: pki.ECP256,
	})
	assert.ErrorIs(t, err, pki.ErrInvalidSubject)
}

func TestCreateSub_UnlimitedPropagates(t *testing.T) {
	f := newFixture(t)
	root := createRoot(t, f, "root-ca")

	sub, err := createSub(t, f, "issuing-ca", root.ID)
	require.NoError(t, err)
	assert.Equal(t, root.ID, sub.ParentID)
	assert.Equal(t, pki.CATypeIntermediate, sub.Type)
	assert.True(t, sub.ChainDepth.IsUnlimited())

	rootCert, err := pki.ParseCertificatePEM(root.CertificatePEM)
	require.NoError(t, err)
	subCert, err := pki.ParseCertificatePEM(sub.CertificatePEM)
	require.NoError(t, err)
	require.NoError(t, subCert.CheckSignatureFrom(rootCert))
	assert.Equal(t, rootCert.SubjectKeyId, subCert.AuthorityKeyId)
	assert.Equal(t, -1, subCert.MaxPathLen)
	assert.Equal(t, []string{"https://pki.example.com/api/v1/pki/ca/1/certificate"}, subCert.IssuingCertificateURL)
}

func TestCreateSub_FiniteDepth(t *testing.T) {
	f := newFixture(t)
	root := createRoot(t, f, "root-ca")
	root.ChainDepth = 2
	_, err := f.cas.Save(t.Context(), root)
	require.NoError(t, err)

	mid, err := createSub(t, f, "mid-ca", root.ID)
	require.NoError(t, err)
	assert.Equal(t, pki.ChainDepth(1), mid.ChainDepth)
	assert.Equal(t, pki.CATypeIntermediate, mid.Type)

	leafIssuer, err := createSub(t, f, "leaf-issuer", mid.ID)
	require.NoError(t, err)
	assert.Equal(t, pki.ChainDepth(0), leafIssuer.ChainDepth)
	assert.Equal(t, pki.CATypeEndEntityIssuer, leafIssuer.Type)

	cert, err := pki.ParseCertificatePEM(leafIssuer.CertificatePEM)
	require.NoError(t, err)
	assert.Equal(t, 0, cert.MaxPathLen)
	assert.True(t, cert.MaxPathLenZero)

	_, err = createSub(t, f, "too-deep", leafIssuer.ID)
	assert.ErrorIs(t, err, pki.ErrPathLengthExceeded)
	exists, err := f.cas.ExistsByAlias(t.Context(), "too-deep")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCreateSub_ParentChecks(t *testing.T) {
	f := newFixture(t)
	_, err := createSub(t, f, "orphan", 42)
	assert.ErrorIs(t, err, pki.ErrCANotFound)

	root := createRoot(t, f, "root-ca")
	_, err = f.mgr.Revoke(t.Context(), root.ID)
	require.NoError(t, err)
	_, err = createSub(t, f, "under-revoked", root.ID)
	assert.ErrorIs(t, err, pki.ErrCANotActive)

	_, err = f.mgr.Activate(t.Context(), root.ID)
	require.NoError(t, err)
	_, err = createSub(t, f, "under-active", root.ID)
	assert.NoError(t, err)
}

func TestCreateSub_ExpiredParent(t *testing.T) {
	f := newFixture(t)
	root := createRoot(t, f, "root-ca")

	future := time.Now().AddDate(30, 0, 0)
	later := authority.New(f.cas, f.certs, f.keys, pki.NewBuilder(""), authority.WithClock(func() time.Time { return future }))
	_, err := later.CreateSub(t.Context(), authority.CreateSubRequest{
		Alias: "late", Subject: pki.SubjectDN{CommonName: "Late"}, KeyAlgorithm: pki.ECP256, ParentID: root.ID,
	})
	assert.ErrorIs(t, err, pki.ErrCANotActive)
}

func TestChain(t *testing.T) {
	f := newFixture(t)
	root := createRoot(t, f, "root-ca")
	mid, err := createSub(t, f, "mid-ca", root.ID)
	require.NoError(t, err)
	leaf, err := createSub(t, f, "leaf-ca", mid.ID)
	require.NoError(t, err)

	chain, err := f.mgr.Chain(t.Context(), leaf.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, root.ID, chain[0].ID)
	assert.Equal(t, mid.ID, chain[1].ID)
	assert.Equal(t, leaf.ID, chain[2].ID)

	pems, err := f.mgr.ChainPEM(t.Context(), leaf.ID)
	require.NoError(t, err)
	assert.Equal(t, root.CertificatePEM, pems[0])
	assert.Equal(t, leaf.CertificatePEM, pems[2])

	// Full path validation through the generated certificates.
	roots := x509.NewCertPool()
	intermediates := x509.NewCertPool()
	rootCert, err := pki.ParseCertificatePEM(pems[0])
	require.NoError(t, err)
	midCert, err := pki.ParseCertificatePEM(pems[1])
	require.NoError(t, err)
	leafCert, err := pki.ParseCertificatePEM(pems[2])
	require.NoError(t, err)
	roots.AddCert(rootCert)
	intermediates.AddCert(midCert)
	_, err = leafCert.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	assert.NoError(t, err)

	_, err = f.mgr.Chain(t.Context(), 99)
	assert.ErrorIs(t, err, pki.ErrCANotFound)
}

func TestGenerateCRL(t *testing.T) {
	f := newFixture(t)
	root := createRoot(t, f, "root-ca")

	now := time.Now().UTC().Truncate(time.Second)
	validity, err := pki.ValidityForDays(now, 10)
	require.NoError(t, err)
	reason := pki.ReasonKeyCompromise
	revokedSerial, err := pki.NewSerialNumber(nil)
	require.NoError(t, err)
	validSerial, err := pki.NewSerialNumber(nil)
	require.NoError(t, err)

	_, err = f.certs.Create(t.Context(), pki.IssuedCertificate{
		SerialNumber: revokedSerial, Subject: pki.SubjectDN{CommonName: "gone"}, IssuerID: root.ID,
		Validity: validity, Status: pki.CertStatusRevoked, RevocationReason: &reason, RevokedAt: &now,
	})
	require.NoError(t, err)
	_, err = f.certs.Create(t.Context(), pki.IssuedCertificate{
		SerialNumber: validSerial, Subject: pki.SubjectDN{CommonName: "ok"}, IssuerID: root.ID,
		Validity: validity, Status: pki.CertStatusValid,
	})
	require.NoError(t, err)

	der, err := f.mgr.GenerateCRL(t.Context(), root.ID)
	require.NoError(t, err)
	crl, err := x509.ParseRevocationList(der)
	require.NoError(t, err)

	rootCert, err := pki.ParseCertificatePEM(root.CertificatePEM)
	require.NoError(t, err)
	require.NoError(t, crl.CheckSignatureFrom(rootCert))
	require.Len(t, crl.RevokedCertificateEntries, 1)
	assert.Equal(t, 0, revokedSerial.BigInt().Cmp(crl.RevokedCertificateEntries[0].SerialNumber))
	assert.Equal(t, int(pki.ReasonKeyCompromise), crl.RevokedCertificateEntries[0].ReasonCode)

	byAlias, err := f.mgr.CRLForAlias(t.Context(), "root-ca")
	require.NoError(t, err)
	assert.NotEmpty(t, byAlias)

	_, err = f.mgr.GenerateCRL(t.Context(), 77)
	assert.ErrorIs(t, err, pki.ErrCANotFound)
}

func TestRevokeActivate(t *testing.T) {
	f := newFixture(t)
	root := createRoot(t, f, "root-ca")

	revoked, err := f.mgr.Revoke(t.Context(), root.ID)
	require.NoError(t, err)
	assert.Equal(t, pki.CAStatusRevoked, revoked.Status)
	assert.False(t, revoked.CanIssue())

	got, err := f.mgr.FindByID(t.Context(), root.ID)
	require.NoError(t, err)
	assert.Equal(t, pki.CAStatusRevoked, got.Status)

	active, err := f.mgr.Activate(t.Context(), root.ID)
	require.NoError(t, err)
	assert.True(t, active.CanIssue())

	_, err = f.mgr.Revoke(t.Context(), 404)
	assert.ErrorIs(t, err, pki.ErrCANotFound)
}

func TestFindAll(t *testing.T) {
	f := newFixture(t)
	a := createRoot(t, f, "root-a")
	b := createRoot(t, f, "root-b")

	all, err := f.mgr.FindAll(t.Context())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID)
	assert.Equal(t, b.ID, all[1].ID)

	byAlias, err := f.mgr.FindByAlias(t.Context(), "root-b")
	require.NoError(t, err)
	assert.Equal(t, b.ID, byAlias.ID)

	_, err = f.mgr.FindByAlias(t.Context(), "missing")
	assert.ErrorIs(t, err, pki.ErrCANotFound)
}

func TestOCSP_UnknownAndMalformed(t *testing.T) {
	f := newFixture(t)
	root := createRoot(t, f, "root-ca")
	sub, err := createSub(t, f, "sub-ca", root.ID)
	require.NoError(t, err)

	rootCert, err := pki.ParseCertificatePEM(root.CertificatePEM)
	require.NoError(t, err)
	subCert, err := pki.ParseCertificatePEM(sub.CertificatePEM)
	require.NoError(t, err)

	req, err := ocsp.CreateRequest(subCert, rootCert, nil)
	require.NoError(t, err)
	raw, err := f.mgr.OCSP(t.Context(), "root-ca", req)
	require.NoError(t, err)
	resp, err := ocsp.ParseResponseForCert(raw, subCert, rootCert)
	require.NoError(t, err)
	assert.Equal(t, ocsp.Unknown, resp.Status)

	_, err = f.mgr.OCSP(t.Context(), "root-ca", []byte("junk"))
	assert.ErrorIs(t, err, authority.ErrOCSPMalformed)

	_, err = f.mgr.OCSP(t.Context(), "nope", req)
	assert.ErrorIs(t, err, pki.ErrCANotFound)
}
