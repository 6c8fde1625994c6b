package util

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

// RandomBytes returns n bytes read from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	return RandomBytesFrom(nil, n)
}

// RandomBytesFrom returns n bytes read from rnd, or crypto/rand when rnd is nil.
func RandomBytesFrom(rnd io.Reader, n int) ([]byte, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rnd, b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// RandomPositiveInt returns a uniformly random integer in [1, 2^bits].
func RandomPositiveInt(rnd io.Reader, bits uint) (*big.Int, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	limit := new(big.Int).Lsh(big.NewInt(1), bits)
	n, err := rand.Int(rnd, limit)
	if err != nil {
		return nil, fmt.Errorf("generating random number: %w", err)
	}
	return n.Add(n, big.NewInt(1)), nil
}
