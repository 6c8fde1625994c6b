package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/ivneld/Meteor-PKI/internal/util"
)

// CAID identifies a certificate authority. Zero means "no CA", which is
// how a root's parent reference is represented.
type CAID int64

// ---------------------------------------------------------------------------
// Alias
// ---------------------------------------------------------------------------

var aliasPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Alias is the unique, URL-safe name of a CA.
type Alias string

// ParseAlias validates s as a CA alias.
func ParseAlias(s string) (Alias, error) {
	if !aliasPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAlias, s)
	}
	return Alias(s), nil
}

func (a Alias) String() string { return string(a) }

// ---------------------------------------------------------------------------
// Key algorithm
// ---------------------------------------------------------------------------

// KeyAlgorithm names the key type and size of a CA or certificate key.
type KeyAlgorithm string

const (
	RSA2048 KeyAlgorithm = "RSA_2048"
	RSA4096 KeyAlgorithm = "RSA_4096"
	ECP256  KeyAlgorithm = "EC_P256"
	ECP384  KeyAlgorithm = "EC_P384"
)

// DefaultKeyAlgorithm is used when a request names none.
const DefaultKeyAlgorithm = RSA2048

// ParseKeyAlgorithm parses an algorithm name. The empty string yields the
// default.
func ParseKeyAlgorithm(s string) (KeyAlgorithm, error) {
	switch KeyAlgorithm(strings.ToUpper(strings.TrimSpace(s))) {
	case "":
		return DefaultKeyAlgorithm, nil
	case RSA2048:
		return RSA2048, nil
	case RSA4096:
		return RSA4096, nil
	case ECP256:
		return ECP256, nil
	case ECP384:
		return ECP384, nil
	}
	return "", fmt.Errorf("unsupported key algorithm %q", s)
}

// SignatureAlgorithm returns the X.509 signature algorithm paired with the
// key algorithm.
func (k KeyAlgorithm) SignatureAlgorithm() x509.SignatureAlgorithm {
	switch k {
	case RSA2048:
		return x509.SHA256WithRSA
	case RSA4096:
		return x509.SHA512WithRSA
	case ECP256:
		return x509.ECDSAWithSHA256
	case ECP384:
		return x509.ECDSAWithSHA384
	}
	return x509.UnknownSignatureAlgorithm
}

// Matches reports whether pub is a key of this algorithm.
func (k KeyAlgorithm) Matches(pub crypto.PublicKey) bool {
	got, err := KeyAlgorithmOf(pub)
	return err == nil && got == k
}

// KeyAlgorithmOf classifies a public key.
func KeyAlgorithmOf(pub crypto.PublicKey) (KeyAlgorithm, error) {
	switch p := pub.(type) {
	case *rsa.PublicKey:
		switch p.N.BitLen() {
		case 2048:
			return RSA2048, nil
		case 4096:
			return RSA4096, nil
		}
		return "", fmt.Errorf("unsupported RSA key size %d", p.N.BitLen())
	case *ecdsa.PublicKey:
		switch p.Curve {
		case elliptic.P256():
			return ECP256, nil
		case elliptic.P384():
			return ECP384, nil
		}
		return "", fmt.Errorf("unsupported EC curve %s", p.Curve.Params().Name)
	}
	return "", fmt.Errorf("unsupported public key type %T", pub)
}

// ---------------------------------------------------------------------------
// Chain depth
// ---------------------------------------------------------------------------

// ChainDepth is the number of CA levels a CA may still create below itself.
// UnlimitedDepth means no pathLenConstraint.
type ChainDepth int

// UnlimitedDepth marks a CA without a path length constraint.
const UnlimitedDepth ChainDepth = -1

// IsUnlimited reports whether d carries no constraint.
func (d ChainDepth) IsUnlimited() bool { return d < 0 }

// AllowsSubCA reports whether a CA at depth d may sign a subordinate CA.
func (d ChainDepth) AllowsSubCA() bool { return d.IsUnlimited() || d > 0 }

// Child returns the depth granted to a subordinate. Unlimited stays
// unlimited.
func (d ChainDepth) Child() ChainDepth {
	if d.IsUnlimited() {
		return UnlimitedDepth
	}
	return d - 1
}

// ---------------------------------------------------------------------------
// Serial number
// ---------------------------------------------------------------------------

// SerialBits is the size of randomly generated serial numbers.
const SerialBits = 128

// SerialNumber is a positive certificate serial number. Its text form is
// lowercase hex without leading zeros.
type SerialNumber struct {
	n *big.Int
}

// NewSerialNumber draws a random positive 128-bit serial from rnd
// (crypto/rand when nil).
func NewSerialNumber(rnd io.Reader) (SerialNumber, error) {
	n, err := util.RandomPositiveInt(rnd, SerialBits)
	if err != nil {
		return SerialNumber{}, fmt.Errorf("generating serial number: %w", err)
	}
	return SerialNumber{n: n}, nil
}

// SerialFromBigInt wraps n. The value is copied.
func SerialFromBigInt(n *big.Int) SerialNumber {
	if n == nil {
		return SerialNumber{}
	}
	return SerialNumber{n: new(big.Int).Set(n)}
}

// ParseSerialNumber parses a hex serial, tolerating colons and a 0x prefix.
func ParseSerialNumber(s string) (SerialNumber, error) {
	clean := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), ":", ""))
	clean = strings.TrimPrefix(clean, "0x")
	n, ok := new(big.Int).SetString(clean, 16)
	if !ok || n.Sign() <= 0 {
		return SerialNumber{}, fmt.Errorf("invalid serial number %q", s)
	}
	return SerialNumber{n: n}, nil
}

// BigInt returns a copy of the serial value.
func (s SerialNumber) BigInt() *big.Int {
	if s.n == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(s.n)
}

// IsZero reports whether s is unset.
func (s SerialNumber) IsZero() bool { return s.n == nil || s.n.Sign() == 0 }

// Equal compares two serial numbers by value.
func (s SerialNumber) Equal(o SerialNumber) bool { return s.BigInt().Cmp(o.BigInt()) == 0 }

func (s SerialNumber) String() string {
	if s.n == nil {
		return "0"
	}
	return s.n.Text(16)
}

func (s SerialNumber) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *SerialNumber) UnmarshalText(b []byte) error {
	parsed, err := ParseSerialNumber(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ---------------------------------------------------------------------------
// Validity
// ---------------------------------------------------------------------------

// Validity is a certificate validity window. NotBefore is strictly before
// NotAfter.
type Validity struct {
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
}

// NewValidity checks the ordering of the window.
func NewValidity(notBefore, notAfter time.Time) (Validity, error) {
	if !notBefore.Before(notAfter) {
		return Validity{}, fmt.Errorf("validity: notBefore %s is not before notAfter %s",
			notBefore.Format(time.RFC3339), notAfter.Format(time.RFC3339))
	}
	return Validity{NotBefore: notBefore.UTC(), NotAfter: notAfter.UTC()}, nil
}

// ValidityForDays returns a window of days starting at from.
func ValidityForDays(from time.Time, days int) (Validity, error) {
	if days <= 0 {
		return Validity{}, fmt.Errorf("validity: days must be positive, got %d", days)
	}
	from = from.UTC()
	return NewValidity(from, from.AddDate(0, 0, days))
}

// Contains reports whether t lies within [NotBefore, NotAfter].
func (v Validity) Contains(t time.Time) bool {
	return !t.Before(v.NotBefore) && !t.After(v.NotAfter)
}

// ExpiredAt reports whether t is past NotAfter.
func (v Validity) ExpiredAt(t time.Time) bool { return t.After(v.NotAfter) }

// ---------------------------------------------------------------------------
// CMP identifiers
// ---------------------------------------------------------------------------

// TransactionID is the 16-byte CMP transaction identifier.
type TransactionID [16]byte

// NewTransactionID returns a random transaction id.
func NewTransactionID(rnd io.Reader) (TransactionID, error) {
	var id TransactionID
	b, err := util.RandomBytesFrom(rnd, len(id))
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

// TransactionIDFromBytes accepts b only when it is exactly 16 bytes long.
func TransactionIDFromBytes(b []byte) (TransactionID, bool) {
	var id TransactionID
	if len(b) != len(id) {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

func (id TransactionID) String() string { return util.HexEncode(id[:]) }

func (id TransactionID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *TransactionID) UnmarshalText(b []byte) error {
	raw, err := util.HexDecode(string(b))
	if err != nil {
		return fmt.Errorf("transaction id: %w", err)
	}
	parsed, ok := TransactionIDFromBytes(raw)
	if !ok {
		return fmt.Errorf("transaction id: want 16 bytes, got %d", len(raw))
	}
	*id = parsed
	return nil
}

// Nonce is a 16-byte CMP sender or recipient nonce.
type Nonce [16]byte

// NewNonce returns a random nonce.
func NewNonce(rnd io.Reader) (Nonce, error) {
	var n Nonce
	b, err := util.RandomBytesFrom(rnd, len(n))
	if err != nil {
		return n, err
	}
	copy(n[:], b)
	return n, nil
}

// NonceFromBytes accepts b only when it is exactly 16 bytes long.
func NonceFromBytes(b []byte) (Nonce, bool) {
	var n Nonce
	if len(b) != len(n) {
		return n, false
	}
	copy(n[:], b)
	return n, true
}

func (n Nonce) String() string { return util.HexEncode(n[:]) }

func (n Nonce) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

func (n *Nonce) UnmarshalText(b []byte) error {
	raw, err := util.HexDecode(string(b))
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	parsed, ok := NonceFromBytes(raw)
	if !ok {
		return fmt.Errorf("nonce: want 16 bytes, got %d", len(raw))
	}
	*n = parsed
	return nil
}

// ---------------------------------------------------------------------------
// Encrypted private key
// ---------------------------------------------------------------------------

// EncryptedPrivateKey is an envelope-encrypted private key:
// salt(16) || iv(12) || ciphertext || tag(16). Its text form is base64.
type EncryptedPrivateKey []byte

func (k EncryptedPrivateKey) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(k)), nil
}

func (k *EncryptedPrivateKey) UnmarshalText(b []byte) error {
	raw, err := base64.StdEncoding.DecodeString(string(b))
	if err != nil {
		return fmt.Errorf("encrypted private key: %w", err)
	}
	*k = raw
	return nil
}
