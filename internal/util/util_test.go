package util

import (
	"bytes"
	"testing"
)

func TestAESGCM(t *testing.T) {
	key, err := RandomBytes(AESKeySize)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	plainText := []byte("hello world")
	aad := []byte("context")

	t.Run("SealOpen", func(t *testing.T) {
		sealed, err := SealAESGCM(nil, plainText, key, aad)
		if err != nil {
			t.Fatalf("SealAESGCM failed: %v", err)
		}
		if len(sealed) != GCMNonceSize+len(plainText)+GCMTagSize {
			t.Errorf("unexpected sealed length %d", len(sealed))
		}

		opened, err := OpenAESGCM(sealed, key, aad)
		if err != nil {
			t.Fatalf("OpenAESGCM failed: %v", err)
		}
		if !bytes.Equal(plainText, opened) {
			t.Errorf("expected %s, got %s", plainText, opened)
		}
	})

	t.Run("TamperAAD", func(t *testing.T) {
		sealed, _ := SealAESGCM(nil, plainText, key, aad)
		if _, err := OpenAESGCM(sealed, key, []byte("wrong context")); err == nil {
			t.Error("expected error with wrong AAD, got nil")
		}
	})

	t.Run("TamperCipherText", func(t *testing.T) {
		sealed, _ := SealAESGCM(nil, plainText, key, aad)
		sealed[len(sealed)-1] ^= 0xFF
		if _, err := OpenAESGCM(sealed, key, aad); err == nil {
			t.Error("expected error with tampered ciphertext, got nil")
		}
	})

	t.Run("RejectBadKeySize", func(t *testing.T) {
		if _, err := SealAESGCM(nil, plainText, []byte("too short"), aad); err == nil {
			t.Error("expected error with wrong key size, got nil")
		}
	})

	t.Run("RejectShortInput", func(t *testing.T) {
		if _, err := OpenAESGCM(make([]byte, GCMNonceSize), key, aad); err == nil {
			t.Error("expected error with truncated input, got nil")
		}
	})
}

func TestDeriveKeyPBKDF2(t *testing.T) {
	salt := []byte("0123456789abcdef")
	k1 := DeriveKeyPBKDF2([]byte("secret:alias"), salt, 1000)
	k2 := DeriveKeyPBKDF2([]byte("secret:alias"), salt, 1000)
	k3 := DeriveKeyPBKDF2([]byte("secret:other"), salt, 1000)

	if len(k1) != AESKeySize {
		t.Fatalf("expected %d byte key, got %d", AESKeySize, len(k1))
	}
	if !bytes.Equal(k1, k2) {
		t.Error("derivation should be deterministic")
	}
	if bytes.Equal(k1, k3) {
		t.Error("different passwords should derive different keys")
	}
}

func TestRandomPositiveInt(t *testing.T) {
	for i := 0; i < 50; i++ {
		n, err := RandomPositiveInt(nil, 128)
		if err != nil {
			t.Fatalf("RandomPositiveInt failed: %v", err)
		}
		if n.Sign() <= 0 {
			t.Fatalf("expected positive integer, got %s", n)
		}
		if n.BitLen() > 129 {
			t.Fatalf("integer too large: %d bits", n.BitLen())
		}
	}
}

func TestNormalize(t *testing.T) {
	// e followed by a combining acute accent composes to a single rune.
	decomposed := "  Cafe\u0301 "
	if got := Normalize(decomposed); got != "Caf\u00e9" {
		t.Errorf("Normalize = %q", got)
	}
}

func TestWipeBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	WipeBytes(b)
	if !bytes.Equal(b, []byte{0, 0, 0}) {
		t.Errorf("expected zeroed slice, got %v", b)
	}
}

func TestHexRoundTrip(t *testing.T) {
	in := []byte{0xde, 0xad, 0xbe, 0xef}
	out, err := HexDecode(HexEncode(in))
	if err != nil {
		t.Fatalf("HexDecode failed: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Errorf("expected %x, got %x", in, out)
	}
}
