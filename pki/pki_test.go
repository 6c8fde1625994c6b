package pki_test

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"testing"
	"time"

	"github.com/ivneld/Meteor-PKI/pki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"
)

func newECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func mustDN(t *testing.T, dn pki.SubjectDN) pki.SubjectDN {
	t.Helper()
	out, err := pki.NewSubjectDN(dn)
	require.NoError(t, err)
	return out
}

func mustSerial(t *testing.T) pki.SerialNumber {
	t.Helper()
	s, err := pki.NewSerialNumber(nil)
	require.NoError(t, err)
	return s
}

func mustValidity(t *testing.T, days int) pki.Validity {
	t.Helper()
	v, err := pki.ValidityForDays(time.Now().Add(-time.Minute), days)
	require.NoError(t, err)
	return v
}

func newRoot(t *testing.T, b *pki.Builder) pki.Issuer {
	t.Helper()
	key := newECKey(t)
	cert, err := b.RootCertificate(pki.RootRequest{
		Alias:        "root-ca",
		Subject:      mustDN(t, pki.SubjectDN{CommonName: "Test Root", Organization: "Meteor"}),
		Serial:       mustSerial(t),
		Validity:     mustValidity(t, 30),
		KeyAlgorithm: pki.ECP256,
		Signer:       key,
	})
	require.NoError(t, err)
	return pki.Issuer{ID: 1, Alias: "root-ca", KeyAlgorithm: pki.ECP256, Certificate: cert, Signer: key}
}

// ---------------------------------------------------------------------------
// Value types
// ---------------------------------------------------------------------------

func TestSubjectDN_RoundTrip(t *testing.T) {
	cases := []pki.SubjectDN{
		{CommonName: "Only CN"},
		{CommonName: "Full", Organization: "Org", OrganizationalUnit: "Unit", Country: "KR", State: "Seoul", Locality: "Gangnam"},
		{CommonName: "Acme, Inc.", Organization: `Quote "q" + plus`},
		{CommonName: "#hash", Locality: `back\slash`, State: "semi;colon <tag>"},
	}
	for _, tc := range cases {
		dn := mustDN(t, tc)
		parsed, err := pki.ParseSubjectDN(dn.String())
		require.NoError(t, err, dn.String())
		assert.Equal(t, dn, parsed)
	}
}

func TestSubjectDN_StringOrder(t *testing.T) {
	dn := mustDN(t, pki.SubjectDN{CommonName: "cn", Organization: "o", OrganizationalUnit: "ou", Country: "c", State: "st", Locality: "l"})
	assert.Equal(t, "CN=cn,OU=ou,O=o,L=l,ST=st,C=c", dn.String())

	onlyCN := mustDN(t, pki.SubjectDN{CommonName: "x", Organization: "  "})
	assert.Equal(t, "CN=x", onlyCN.String())
}

func TestSubjectDN_RequiresCN(t *testing.T) {
	_, err := pki.NewSubjectDN(pki.SubjectDN{Organization: "Org"})
	assert.ErrorIs(t, err, pki.ErrInvalidSubject)

	_, err = pki.ParseSubjectDN("O=Org,C=US")
	assert.ErrorIs(t, err, pki.ErrInvalidSubject)

	_, err = pki.ParseSubjectDN("")
	assert.ErrorIs(t, err, pki.ErrInvalidSubject)
}

func TestSubjectDN_ParseIgnoresUnknownAttributes(t *testing.T) {
	dn, err := pki.ParseSubjectDN("CN=host, DC=example, O=Org, EMAILADDRESS=a@b.c")
	require.NoError(t, err)
	assert.Equal(t, "host", dn.CommonName)
	assert.Equal(t, "Org", dn.Organization)
}

func TestSubjectDN_HexEscape(t *testing.T) {
	dn, err := pki.ParseSubjectDN(`CN=a\2Cb`)
	require.NoError(t, err)
	assert.Equal(t, "a,b", dn.CommonName)
}

func TestSubjectDN_NameConversion(t *testing.T) {
	dn := mustDN(t, pki.SubjectDN{CommonName: "cn", Organization: "o", State: "st"})
	back, err := pki.SubjectDNFromName(dn.Name())
	require.NoError(t, err)
	assert.Equal(t, dn, back)
}

func TestParseAlias(t *testing.T) {
	for _, ok := range []string{"root-ca", "issuing-1", "a"} {
		_, err := pki.ParseAlias(ok)
		assert.NoError(t, err, ok)
	}
	for _, bad := range []string{"", "Root", "under_score", "with space", "slash/x"} {
		_, err := pki.ParseAlias(bad)
		assert.ErrorIs(t, err, pki.ErrInvalidAlias, bad)
	}
}

func TestParseKeyAlgorithm(t *testing.T) {
	alg, err := pki.ParseKeyAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, pki.RSA2048, alg)

	alg, err = pki.ParseKeyAlgorithm("ec_p384")
	require.NoError(t, err)
	assert.Equal(t, pki.ECP384, alg)

	_, err = pki.ParseKeyAlgorithm("DSA_1024")
	assert.Error(t, err)

	assert.Equal(t, x509.SHA256WithRSA, pki.RSA2048.SignatureAlgorithm())
	assert.Equal(t, x509.SHA512WithRSA, pki.RSA4096.SignatureAlgorithm())
	assert.Equal(t, x509.ECDSAWithSHA256, pki.ECP256.SignatureAlgorithm())
	assert.Equal(t, x509.ECDSAWithSHA384, pki.ECP384.SignatureAlgorithm())
}

func TestKeyAlgorithmOf(t *testing.T) {
	alg, err := pki.KeyAlgorithmOf(newECKey(t).Public())
	require.NoError(t, err)
	assert.Equal(t, pki.ECP256, alg)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	alg, err = pki.KeyAlgorithmOf(rsaKey.Public())
	require.NoError(t, err)
	assert.Equal(t, pki.RSA2048, alg)
	assert.True(t, pki.RSA2048.Matches(rsaKey.Public()))
	assert.False(t, pki.ECP256.Matches(rsaKey.Public()))
}

func TestChainDepth(t *testing.T) {
	assert.Equal(t, pki.UnlimitedDepth, pki.UnlimitedDepth.Child())
	assert.Equal(t, pki.ChainDepth(1), pki.ChainDepth(2).Child())
	assert.True(t, pki.UnlimitedDepth.AllowsSubCA())
	assert.True(t, pki.ChainDepth(1).AllowsSubCA())
	assert.False(t, pki.ChainDepth(0).AllowsSubCA())

	assert.Equal(t, pki.CATypeEndEntityIssuer, pki.ClassifyDepth(0))
	assert.Equal(t, pki.CATypeIntermediate, pki.ClassifyDepth(3))
	assert.Equal(t, pki.CATypeIntermediate, pki.ClassifyDepth(pki.UnlimitedDepth))
}

func TestSerialNumber(t *testing.T) {
	s := mustSerial(t)
	assert.Positive(t, s.BigInt().Sign())
	assert.LessOrEqual(t, s.BigInt().BitLen(), pki.SerialBits+1)

	text, err := s.MarshalText()
	require.NoError(t, err)
	var back pki.SerialNumber
	require.NoError(t, back.UnmarshalText(text))
	assert.True(t, s.Equal(back))

	colon, err := pki.ParseSerialNumber("0A:0b")
	require.NoError(t, err)
	assert.Equal(t, "a0b", colon.String())

	_, err = pki.ParseSerialNumber("zz")
	assert.Error(t, err)
	_, err = pki.ParseSerialNumber("0")
	assert.Error(t, err)
}

func TestValidity(t *testing.T) {
	now := time.Now()
	_, err := pki.NewValidity(now, now)
	assert.Error(t, err)
	_, err = pki.ValidityForDays(now, 0)
	assert.Error(t, err)

	v, err := pki.ValidityForDays(now, 1)
	require.NoError(t, err)
	assert.True(t, v.Contains(now.Add(time.Hour)))
	assert.False(t, v.Contains(now.Add(-time.Hour)))
	assert.True(t, v.ExpiredAt(now.Add(48*time.Hour)))
}

func TestTransactionIDFromBytes(t *testing.T) {
	_, ok := pki.TransactionIDFromBytes(make([]byte, 15))
	assert.False(t, ok)

	raw := []byte("0123456789abcdef")
	id, ok := pki.TransactionIDFromBytes(raw)
	require.True(t, ok)
	assert.Equal(t, raw, id[:])

	text, err := id.MarshalText()
	require.NoError(t, err)
	var back pki.TransactionID
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, id, back)
}

func TestEncryptedPrivateKey_JSON(t *testing.T) {
	blob := pki.EncryptedPrivateKey{1, 2, 3, 250}
	data, err := json.Marshal(blob)
	require.NoError(t, err)
	assert.JSONEq(t, `"AQID+g=="`, string(data))

	var back pki.EncryptedPrivateKey
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, blob, back)
}

func TestSANValidation(t *testing.T) {
	valid := []pki.SANValue{pki.DNSName("example.com"), pki.DNSName("*.example.com"), pki.IPAddress("10.0.0.1"), pki.IPAddress("::1"), pki.EmailAddress("ops@example.com")}
	for _, v := range valid {
		assert.NoError(t, v.Validate(), v.String())
	}
	invalid := []pki.SANValue{pki.DNSName(""), pki.DNSName("bad..name"), pki.DNSName("-x.com"), pki.IPAddress("300.1.1.1"), pki.EmailAddress("Ops <ops@example.com>"), pki.EmailAddress("nope")}
	for _, v := range invalid {
		assert.ErrorIs(t, v.Validate(), pki.ErrInvalidExtension, v.String())
	}

	san, err := pki.ParseSAN("dns", "host.example.com")
	require.NoError(t, err)
	assert.Equal(t, pki.DNSName("host.example.com"), san)
	_, err = pki.ParseSAN("URI", "https://x")
	assert.ErrorIs(t, err, pki.ErrInvalidExtension)
}

func TestParseRevocationReason(t *testing.T) {
	r, err := pki.ParseRevocationReason("")
	require.NoError(t, err)
	assert.Equal(t, pki.ReasonUnspecified, r)

	r, err = pki.ParseRevocationReason("key_compromise")
	require.NoError(t, err)
	assert.Equal(t, pki.ReasonKeyCompromise, r)
	assert.Equal(t, "KEY_COMPROMISE", r.String())

	_, err = pki.ParseRevocationReason("bored")
	assert.Error(t, err)
}

func TestIsDomainError(t *testing.T) {
	assert.True(t, pki.IsDomainError(pki.ErrCANotFound))
	assert.True(t, pki.IsDomainError(pki.ErrCertAlreadyRevoked))
	assert.False(t, pki.IsDomainError(assert.AnError))
	assert.False(t, pki.IsDomainError(nil))
}

// ---------------------------------------------------------------------------
// Entities
// ---------------------------------------------------------------------------

func TestCertificateAuthority_CanIssue(t *testing.T) {
	now := time.Now()
	v, err := pki.NewValidity(now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	ca := pki.CertificateAuthority{Status: pki.CAStatusActive, Validity: v}

	assert.True(t, ca.CanIssueAt(now))
	assert.True(t, ca.IsRoot())

	revoked := ca.Revoke(now)
	assert.False(t, revoked.CanIssueAt(now))
	assert.Equal(t, pki.CAStatusActive, ca.Status, "Revoke must not mutate the receiver")

	assert.False(t, ca.CanIssueAt(now.Add(2*time.Hour)), "expired CA cannot issue even when active")
	assert.True(t, revoked.Activate(now).CanIssueAt(now))
}

func TestIssuedCertificate_Revoke(t *testing.T) {
	now := time.Now()
	v, err := pki.NewValidity(now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	cert := pki.IssuedCertificate{SerialNumber: mustSerial(t), Status: pki.CertStatusValid, Validity: v}
	assert.True(t, cert.IsValidAt(now))

	revoked, err := cert.Revoke(pki.ReasonKeyCompromise, now)
	require.NoError(t, err)
	assert.Equal(t, pki.CertStatusRevoked, revoked.Status)
	assert.False(t, revoked.IsValidAt(now))

	again, err := revoked.Revoke(pki.ReasonSuperseded, now.Add(time.Minute))
	assert.ErrorIs(t, err, pki.ErrCertAlreadyRevoked)
	assert.Equal(t, pki.ReasonKeyCompromise, *again.RevocationReason)
	assert.Equal(t, now.UTC(), *again.RevokedAt)
}

// ---------------------------------------------------------------------------
// Builder
// ---------------------------------------------------------------------------

func TestRootCertificate(t *testing.T) {
	b := pki.NewBuilder("https://pki.example.com/")
	root := newRoot(t, b)
	cert := root.Certificate

	assert.True(t, cert.IsCA)
	assert.Equal(t, -1, cert.MaxPathLen)
	assert.Equal(t, x509.KeyUsageCertSign|x509.KeyUsageCRLSign, cert.KeyUsage)
	assert.Equal(t, cert.RawSubject, cert.RawIssuer)
	assert.Equal(t, cert.SubjectKeyId, cert.AuthorityKeyId)
	assert.NoError(t, cert.CheckSignatureFrom(cert))
	assert.Equal(t, []string{"https://pki.example.com/pki/root-ca/crl"}, cert.CRLDistributionPoints)
	assert.Equal(t, x509.ECDSAWithSHA256, cert.SignatureAlgorithm)
}

func TestSubCACertificate_PathLen(t *testing.T) {
	b := pki.NewBuilder("https://pki.example.com")
	root := newRoot(t, b)

	cases := []struct {
		depth      pki.ChainDepth
		maxPathLen int
		zero       bool
	}{
		{pki.UnlimitedDepth, -1, false},
		{0, 0, true},
		{2, 2, false},
	}
	for _, tc := range cases {
		cert, err := b.SubCACertificate(root, pki.SubCARequest{
			Subject:    mustDN(t, pki.SubjectDN{CommonName: "Sub"}),
			Serial:     mustSerial(t),
			Validity:   mustValidity(t, 10),
			PublicKey:  newECKey(t).Public(),
			ChainDepth: tc.depth,
		})
		require.NoError(t, err)
		assert.True(t, cert.IsCA)
		assert.Equal(t, tc.maxPathLen, cert.MaxPathLen)
		assert.Equal(t, tc.zero, cert.MaxPathLenZero)
		assert.Equal(t, root.Certificate.SubjectKeyId, cert.AuthorityKeyId)
		assert.NoError(t, cert.CheckSignatureFrom(root.Certificate))
		assert.Equal(t, []string{"https://pki.example.com/api/v1/pki/ca/1/certificate"}, cert.IssuingCertificateURL)
		assert.Equal(t, []string{"https://pki.example.com/pki/root-ca/ocsp"}, cert.OCSPServer)
	}
}

func TestEndEntityCertificate(t *testing.T) {
	b := pki.NewBuilder("")
	root := newRoot(t, b)
	leafKey := newECKey(t)

	cert, err := b.EndEntityCertificate(root, pki.EndEntityRequest{
		Subject:   mustDN(t, pki.SubjectDN{CommonName: "leaf.example.com"}),
		Serial:    mustSerial(t),
		Validity:  mustValidity(t, 1),
		PublicKey: leafKey.Public(),
		Extensions: pki.Extensions{
			KeyUsage:    []pki.KeyUsage{pki.KeyUsageDigitalSignature, pki.KeyUsageKeyEncipherment},
			ExtKeyUsage: []pki.ExtKeyUsage{pki.ExtKeyUsageServerAuth},
			SANs:        []pki.SANValue{pki.DNSName("leaf.example.com"), pki.IPAddress("192.0.2.7"), pki.EmailAddress("ops@example.com")},
		},
	})
	require.NoError(t, err)
	assert.False(t, cert.IsCA)
	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, cert.KeyUsage)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, cert.ExtKeyUsage)
	assert.Equal(t, []string{"leaf.example.com"}, cert.DNSNames)
	assert.Equal(t, "192.0.2.7", cert.IPAddresses[0].String())
	assert.Equal(t, []string{"ops@example.com"}, cert.EmailAddresses)
	assert.Empty(t, cert.CRLDistributionPoints, "no base URL, no CDP")

	roots := x509.NewCertPool()
	roots.AddCert(root.Certificate)
	_, err = cert.Verify(x509.VerifyOptions{Roots: roots, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}})
	assert.NoError(t, err)
}

func TestEndEntityCertificate_OmitsEmptyExtensions(t *testing.T) {
	b := pki.NewBuilder("")
	root := newRoot(t, b)
	cert, err := b.EndEntityCertificate(root, pki.EndEntityRequest{
		Subject:   mustDN(t, pki.SubjectDN{CommonName: "bare"}),
		Serial:    mustSerial(t),
		Validity:  mustValidity(t, 1),
		PublicKey: newECKey(t).Public(),
	})
	require.NoError(t, err)
	assert.Zero(t, cert.KeyUsage)
	assert.Empty(t, cert.ExtKeyUsage)
	assert.Empty(t, cert.DNSNames)
}

func TestEndEntityCertificate_RejectsBadSAN(t *testing.T) {
	b := pki.NewBuilder("")
	root := newRoot(t, b)
	_, err := b.EndEntityCertificate(root, pki.EndEntityRequest{
		Subject:    mustDN(t, pki.SubjectDN{CommonName: "bad"}),
		Serial:     mustSerial(t),
		Validity:   mustValidity(t, 1),
		PublicKey:  newECKey(t).Public(),
		Extensions: pki.Extensions{SANs: []pki.SANValue{pki.IPAddress("nope")}},
	})
	assert.ErrorIs(t, err, pki.ErrInvalidExtension)
}

func TestCRL(t *testing.T) {
	b := pki.NewBuilder("")
	root := newRoot(t, b)
	now := time.Now().Truncate(time.Second)

	reason := pki.ReasonKeyCompromise
	revokedAt := now.Add(-time.Minute).UTC()
	revoked := pki.IssuedCertificate{
		SerialNumber:     mustSerial(t),
		Status:           pki.CertStatusRevoked,
		RevocationReason: &reason,
		RevokedAt:        &revokedAt,
	}
	stillValid := pki.IssuedCertificate{SerialNumber: mustSerial(t), Status: pki.CertStatusValid}

	der, err := b.CRL(root, []pki.IssuedCertificate{revoked, stillValid}, now)
	require.NoError(t, err)

	crl, err := x509.ParseRevocationList(der)
	require.NoError(t, err)
	require.NoError(t, crl.CheckSignatureFrom(root.Certificate))
	assert.Equal(t, now.UnixMilli(), crl.Number.Int64())
	assert.Equal(t, now.Add(pki.CRLValidity).UTC(), crl.NextUpdate.UTC())
	assert.Equal(t, root.Certificate.SubjectKeyId, crl.AuthorityKeyId)
	require.Len(t, crl.RevokedCertificateEntries, 1)
	entry := crl.RevokedCertificateEntries[0]
	assert.Equal(t, 0, entry.SerialNumber.Cmp(revoked.SerialNumber.BigInt()))
	assert.Equal(t, int(pki.ReasonKeyCompromise), entry.ReasonCode)
	assert.Equal(t, revokedAt, entry.RevocationTime.UTC())
}

func TestOCSPResponse(t *testing.T) {
	b := pki.NewBuilder("")
	root := newRoot(t, b)
	leafKey := newECKey(t)
	serial := mustSerial(t)
	leaf, err := b.EndEntityCertificate(root, pki.EndEntityRequest{
		Subject:   mustDN(t, pki.SubjectDN{CommonName: "ocsp-leaf"}),
		Serial:    serial,
		Validity:  mustValidity(t, 1),
		PublicKey: leafKey.Public(),
	})
	require.NoError(t, err)

	reqDER, err := ocsp.CreateRequest(leaf, root.Certificate, &ocsp.RequestOptions{Hash: crypto.SHA256})
	require.NoError(t, err)
	req, err := pki.ParseOCSPRequest(reqDER)
	require.NoError(t, err)
	assert.True(t, pki.IssuedBy(req, root))

	record := pki.IssuedCertificate{SerialNumber: serial, IssuerID: root.ID, Status: pki.CertStatusValid}
	now := time.Now()

	der, err := pki.OCSPResponse(root, req, &record, now)
	require.NoError(t, err)
	resp, err := ocsp.ParseResponseForCert(der, leaf, root.Certificate)
	require.NoError(t, err)
	assert.Equal(t, ocsp.Good, resp.Status)

	revoked, err := record.Revoke(pki.ReasonSuperseded, now)
	require.NoError(t, err)
	der, err = pki.OCSPResponse(root, req, &revoked, now)
	require.NoError(t, err)
	resp, err = ocsp.ParseResponseForCert(der, leaf, root.Certificate)
	require.NoError(t, err)
	assert.Equal(t, ocsp.Revoked, resp.Status)
	assert.Equal(t, int(pki.ReasonSuperseded), resp.RevocationReason)

	der, err = pki.OCSPResponse(root, req, nil, now)
	require.NoError(t, err)
	resp, err = ocsp.ParseResponseForCert(der, leaf, root.Certificate)
	require.NoError(t, err)
	assert.Equal(t, ocsp.Unknown, resp.Status)
}

func TestParseCertificatePEM(t *testing.T) {
	root := newRoot(t, pki.NewBuilder(""))
	parsed, err := pki.ParseCertificatePEM(pki.EncodeCertificatePEM(root.Certificate.Raw))
	require.NoError(t, err)
	assert.Equal(t, root.Certificate.Raw, parsed.Raw)

	_, err = pki.ParseCertificatePEM("not pem")
	assert.ErrorIs(t, err, pki.ErrInvalidPEM)
}
