package pki

import (
	"context"
	"crypto"
)

// CARepository persists certificate authorities. Implementations enforce
// alias uniqueness atomically.
type CARepository interface {
	// Create assigns an id and stores ca. A taken alias yields
	// ErrCAAliasDuplicate.
	Create(ctx context.Context, ca CertificateAuthority) (CertificateAuthority, error)
	// Save replaces an existing record. The write is rejected if the stored
	// version differs from ca.Version.
	Save(ctx context.Context, ca CertificateAuthority) (CertificateAuthority, error)
	FindByID(ctx context.Context, id CAID) (CertificateAuthority, error)
	FindByAlias(ctx context.Context, alias Alias) (CertificateAuthority, error)
	ExistsByAlias(ctx context.Context, alias Alias) (bool, error)
	FindAll(ctx context.Context) ([]CertificateAuthority, error)
}

// CertificateRepository persists issued end-entity certificates. Serial
// numbers are unique.
type CertificateRepository interface {
	Create(ctx context.Context, cert IssuedCertificate) (IssuedCertificate, error)
	Save(ctx context.Context, cert IssuedCertificate) (IssuedCertificate, error)
	FindBySerial(ctx context.Context, serial SerialNumber) (IssuedCertificate, error)
	FindByIssuer(ctx context.Context, issuer CAID) ([]IssuedCertificate, error)
	FindRevokedByIssuer(ctx context.Context, issuer CAID) ([]IssuedCertificate, error)
}

// KeyStore generates CA key pairs and seals private keys for storage. The
// alias is bound into the sealing key, so a blob opens only under the alias
// it was sealed with.
type KeyStore interface {
	GenerateKeyPair(alg KeyAlgorithm) (crypto.Signer, error)
	Encrypt(key crypto.Signer, alias Alias) (EncryptedPrivateKey, error)
	Decrypt(blob EncryptedPrivateKey, alias Alias, alg KeyAlgorithm) (crypto.Signer, error)
}
