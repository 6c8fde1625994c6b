// Package registry persists the CA, issued-certificate and CMP transaction
// entities as JSON records on a storage.Repository.
//
// Record layout:
//
//	ca/<zero-padded id>          CertificateAuthority
//	ca-alias/<alias>             decimal CA id (uniqueness backstop)
//	cert/<hex serial>            IssuedCertificate
//	cert-issuer:<id>/<hex serial> empty marker (issuer index)
//	cmp-tx/<hex transaction id>  cmp.Transaction
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ivneld/Meteor-PKI/storage"
)

const (
	kindCA          = "ca"
	kindCAAlias     = "ca-alias"
	kindCert        = "cert"
	kindCertIssuer  = "cert-issuer:"
	kindTransaction = "cmp-tx"
)

// ErrConflict is returned when a save loses a compare-and-swap race with a
// concurrent writer. Callers re-read and retry.
var ErrConflict = errors.New("record was modified concurrently")

// ErrDuplicateSerial is returned when a certificate with the same serial
// number is already stored.
var ErrDuplicateSerial = errors.New("certificate serial number already exists")

func encode(v any, version uint64) (*storage.Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return &storage.Record{Data: data, Version: version}, nil
}

func decode(rec *storage.Record, v any) error {
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}

// load reads (kind, id) into v and returns the stored version. A missing
// record is reported as notFound.
func load(ctx context.Context, repo storage.Repository, kind, id string, v any, notFound error) (uint64, error) {
	rec, err := repo.Get(ctx, kind, id)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, notFound
	}
	if err != nil {
		return 0, fmt.Errorf("loading %s/%s: %w", kind, id, err)
	}
	if err := decode(rec, v); err != nil {
		return 0, err
	}
	return rec.Version, nil
}
