// Package storage provides the record storage abstraction shared by the CA,
// certificate and CMP transaction registries.
//
// Records are opaque byte payloads addressed by (kind, id). Each record
// carries a caller-maintained version used for compare-and-swap writes.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// Record is a stored payload and its version.
type Record struct {
	Data    []byte `json:"data"`
	Version uint64 `json:"version"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{Data: append([]byte(nil), r.Data...), Version: r.Version}
}

// BatchTx provides Put and PutCAS within an atomic transaction.
type BatchTx interface {
	Put(kind, id string, rec *Record) error
	// PutCAS writes rec only if the stored version equals expectedVersion.
	// An expectedVersion of 0 requires that the record does not exist.
	PutCAS(kind, id string, expectedVersion uint64, rec *Record) error
}

// Repository defines the interface for record storage.
type Repository interface {
	Put(ctx context.Context, kind, id string, rec *Record) error
	Get(ctx context.Context, kind, id string) (*Record, error)
	// List returns the ids stored under kind in ascending order.
	List(ctx context.Context, kind string) ([]string, error)
	PutCAS(ctx context.Context, kind, id string, expectedVersion uint64, rec *Record) error
	// Batch runs fn atomically. If fn returns an error no write is kept.
	Batch(ctx context.Context, fn func(tx BatchTx) error) error
	// NextSequence returns the next value of the per-kind counter,
	// starting at 1.
	NextSequence(ctx context.Context, kind string) (uint64, error)
}
