package util

import (
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize trims surrounding whitespace and applies Unicode NFC so that
// visually identical attribute values compare equal.
func Normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
