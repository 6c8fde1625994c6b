// Package uuid wraps google/uuid for identifiers generated by the service.
package uuid

import "github.com/google/uuid"

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}

// NewBytes returns the 16 raw bytes of a random UUID.
func NewBytes() [16]byte {
	return uuid.New()
}
