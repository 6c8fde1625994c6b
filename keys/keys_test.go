package keys_test

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"

	"github.com/ivneld/Meteor-PKI/keys"
	"github.com/ivneld/Meteor-PKI/pki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Low iteration count keeps the suite fast; the format is unchanged.
const testIterations = 1000

func newService(t *testing.T, secret string) *keys.Service {
	t.Helper()
	svc, err := keys.NewService(secret, keys.WithIterations(testIterations))
	require.NoError(t, err)
	t.Cleanup(svc.Destroy)
	return svc
}

func signVerify(t *testing.T, signer crypto.Signer, pub crypto.PublicKey) {
	t.Helper()
	digest := sha256.Sum256([]byte("meteor"))
	sig, err := signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	require.NoError(t, err)
	switch p := pub.(type) {
	case *ecdsa.PublicKey:
		assert.True(t, ecdsa.VerifyASN1(p, digest[:], sig))
	case *rsa.PublicKey:
		assert.NoError(t, rsa.VerifyPKCS1v15(p, crypto.SHA256, digest[:], sig))
	default:
		t.Fatalf("unexpected key type %T", pub)
	}
}

func TestNewService_RejectsEmptySecret(t *testing.T) {
	_, err := keys.NewService("   ")
	assert.ErrorIs(t, err, keys.ErrEmptySecret)
}

func TestGenerateKeyPair(t *testing.T) {
	svc := newService(t, "master")
	for _, alg := range []pki.KeyAlgorithm{pki.RSA2048, pki.ECP256, pki.ECP384} {
		key, err := svc.GenerateKeyPair(alg)
		require.NoError(t, err, alg)
		assert.True(t, alg.Matches(key.Public()), alg)
	}
	_, err := svc.GenerateKeyPair("DSA")
	assert.Error(t, err)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	svc := newService(t, "master")
	for _, alg := range []pki.KeyAlgorithm{pki.ECP256, pki.RSA2048} {
		key, err := svc.GenerateKeyPair(alg)
		require.NoError(t, err)

		blob, err := svc.Encrypt(key, "alias-x")
		require.NoError(t, err)

		opened, err := svc.Decrypt(blob, "alias-x", alg)
		require.NoError(t, err)
		signVerify(t, opened, key.Public())
	}
}

func TestDecrypt_WrongAliasFails(t *testing.T) {
	svc := newService(t, "master")
	key, err := svc.GenerateKeyPair(pki.ECP256)
	require.NoError(t, err)
	blob, err := svc.Encrypt(key, "alias-x")
	require.NoError(t, err)

	_, err = svc.Decrypt(blob, "alias-y", pki.ECP256)
	assert.ErrorIs(t, err, keys.ErrDecrypt)
}

func TestDecrypt_WrongSecretFails(t *testing.T) {
	key, err := newService(t, "one").GenerateKeyPair(pki.ECP256)
	require.NoError(t, err)
	blob, err := newService(t, "one").Encrypt(key, "ca")
	require.NoError(t, err)

	_, err = newService(t, "two").Decrypt(blob, "ca", pki.ECP256)
	assert.ErrorIs(t, err, keys.ErrDecrypt)
}

func TestDecrypt_AlgorithmMismatch(t *testing.T) {
	svc := newService(t, "master")
	key, err := svc.GenerateKeyPair(pki.ECP256)
	require.NoError(t, err)
	blob, err := svc.Encrypt(key, "ca")
	require.NoError(t, err)

	_, err = svc.Decrypt(blob, "ca", pki.ECP384)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, keys.ErrDecrypt)
}

func TestDecrypt_TamperedBlob(t *testing.T) {
	svc := newService(t, "master")
	key, err := svc.GenerateKeyPair(pki.ECP256)
	require.NoError(t, err)
	blob, err := svc.Encrypt(key, "ca")
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0x01
	_, err = svc.Decrypt(blob, "ca", pki.ECP256)
	assert.ErrorIs(t, err, keys.ErrDecrypt)

	_, err = svc.Decrypt(blob[:20], "ca", pki.ECP256)
	assert.ErrorIs(t, err, keys.ErrDecrypt)
}

func TestEncrypt_FreshSaltAndNonce(t *testing.T) {
	svc := newService(t, "master")
	key, err := svc.GenerateKeyPair(pki.ECP256)
	require.NoError(t, err)

	a, err := svc.Encrypt(key, "ca")
	require.NoError(t, err)
	b, err := svc.Encrypt(key, "ca")
	require.NoError(t, err)

	assert.Equal(t, len(a), len(b))
	assert.NotEqual(t, a[:16], b[:16], "salt must differ")
	assert.NotEqual(t, a[16:28], b[16:28], "nonce must differ")
}

func TestDestroy(t *testing.T) {
	svc, err := keys.NewService("master", keys.WithIterations(testIterations))
	require.NoError(t, err)
	key, err := svc.GenerateKeyPair(pki.ECP256)
	require.NoError(t, err)

	svc.Destroy()
	_, err = svc.Encrypt(key, "ca")
	assert.ErrorIs(t, err, keys.ErrDestroyed)
}
