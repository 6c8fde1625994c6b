// Package keys generates CA key pairs and envelope-encrypts CA private keys
// for storage at rest.
//
// A blob is sealed under an AES-256 key derived with PBKDF2-HMAC-SHA256
// from "<master secret>:<alias>" and a random salt:
//
//	salt (16 bytes) || nonce (12 bytes) || AES-256-GCM ciphertext || tag (16 bytes)
//
// The alias takes part in the derivation, so renaming a CA makes its stored
// key undecryptable.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"github.com/ivneld/Meteor-PKI/internal/util"
	"github.com/ivneld/Meteor-PKI/pki"
)

const (
	// DefaultIterations is the PBKDF2 iteration count for new blobs.
	DefaultIterations = 310_000

	saltLen = 16
)

var (
	// ErrEmptySecret is returned when the master secret is blank.
	ErrEmptySecret = errors.New("key encryption secret must not be empty")

	// ErrDecrypt is returned when a blob fails authentication. A wrong
	// alias and a wrong master secret are indistinguishable.
	ErrDecrypt = errors.New("decrypting CA private key failed")

	// ErrDestroyed is returned after Destroy.
	ErrDestroyed = errors.New("key service has been destroyed")
)

// Service implements pki.KeyStore. The master secret lives in a memguard
// Enclave and is only unsealed for the duration of a key derivation.
type Service struct {
	secret     *memguard.Enclave
	iterations int
	rand       io.Reader
}

var _ pki.KeyStore = (*Service)(nil)

// Option customizes a Service.
type Option func(*Service)

// WithIterations overrides the PBKDF2 iteration count. Blobs must be
// opened with the count they were sealed with.
func WithIterations(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.iterations = n
		}
	}
}

// WithRandom sets the randomness source for key generation, salts and
// nonces.
func WithRandom(r io.Reader) Option {
	return func(s *Service) {
		if r != nil {
			s.rand = r
		}
	}
}

// NewService seals secret into an enclave. The caller's copy of the string
// cannot be wiped and should be dropped.
func NewService(secret string, opts ...Option) (*Service, error) {
	normalized := []byte(util.Normalize(secret))
	if len(normalized) == 0 {
		return nil, ErrEmptySecret
	}
	s := &Service{
		// NewEnclave wipes its input.
		secret:     memguard.NewEnclave(normalized),
		iterations: DefaultIterations,
		rand:       rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Destroy drops the enclave. The service must not be used afterwards.
func (s *Service) Destroy() {
	s.secret = nil
}

// GenerateKeyPair creates a key of the requested algorithm.
func (s *Service) GenerateKeyPair(alg pki.KeyAlgorithm) (crypto.Signer, error) {
	var (
		key crypto.Signer
		err error
	)
	switch alg {
	case pki.RSA2048:
		key, err = rsa.GenerateKey(s.rand, 2048)
	case pki.RSA4096:
		key, err = rsa.GenerateKey(s.rand, 4096)
	case pki.ECP256:
		key, err = ecdsa.GenerateKey(elliptic.P256(), s.rand)
	case pki.ECP384:
		key, err = ecdsa.GenerateKey(elliptic.P384(), s.rand)
	default:
		return nil, fmt.Errorf("generating key pair: unsupported algorithm %q", string(alg))
	}
	if err != nil {
		return nil, fmt.Errorf("generating %s key pair: %w", alg, err)
	}
	return key, nil
}

// Encrypt seals the PKCS#8 encoding of key under alias.
func (s *Service) Encrypt(key crypto.Signer, alias pki.Alias) (pki.EncryptedPrivateKey, error) {
	plain, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}
	defer util.WipeBytes(plain)

	salt, err := util.RandomBytesFrom(s.rand, saltLen)
	if err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	kek, err := s.deriveKey(alias, salt)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(kek)

	sealed, err := util.SealAESGCM(s.rand, plain, kek, nil)
	if err != nil {
		return nil, fmt.Errorf("sealing private key: %w", err)
	}
	blob := make([]byte, 0, len(salt)+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, sealed...)
	return pki.EncryptedPrivateKey(blob), nil
}

// Decrypt opens blob under alias and checks the key is of type alg.
func (s *Service) Decrypt(blob pki.EncryptedPrivateKey, alias pki.Alias, alg pki.KeyAlgorithm) (crypto.Signer, error) {
	if len(blob) < saltLen+util.GCMNonceSize+util.GCMTagSize {
		return nil, fmt.Errorf("%w: blob too short", ErrDecrypt)
	}
	kek, err := s.deriveKey(alias, blob[:saltLen])
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(kek)

	plain, err := util.OpenAESGCM(blob[saltLen:], kek, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	defer util.WipeBytes(plain)

	parsed, err := x509.ParsePKCS8PrivateKey(plain)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("decoding private key: %T is not a signer", parsed)
	}
	if !alg.Matches(signer.Public()) {
		return nil, fmt.Errorf("decoding private key: key does not match algorithm %s", alg)
	}
	return signer, nil
}

func (s *Service) deriveKey(alias pki.Alias, salt []byte) ([]byte, error) {
	if s.secret == nil {
		return nil, ErrDestroyed
	}
	buf, err := s.secret.Open()
	if err != nil {
		return nil, fmt.Errorf("opening secret enclave: %w", err)
	}
	defer buf.Destroy()

	password := make([]byte, 0, buf.Size()+1+len(alias))
	password = append(password, buf.Bytes()...)
	password = append(password, ':')
	password = append(password, alias...)
	defer util.WipeBytes(password)

	return util.DeriveKeyPBKDF2(password, salt, s.iterations), nil
}
