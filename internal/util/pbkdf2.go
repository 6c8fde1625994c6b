package util

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

// DeriveKeyPBKDF2 stretches password with PBKDF2-HMAC-SHA256 into an
// AESKeySize key.
func DeriveKeyPBKDF2(password, salt []byte, iterations int) []byte {
	return pbkdf2.Key(password, salt, iterations, AESKeySize, sha256.New)
}
