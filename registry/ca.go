package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ivneld/Meteor-PKI/pki"
	"github.com/ivneld/Meteor-PKI/storage"
)

// CAStore implements pki.CARepository.
type CAStore struct {
	repo storage.Repository
}

var _ pki.CARepository = (*CAStore)(nil)

// NewCAStore returns a CA registry over repo.
func NewCAStore(repo storage.Repository) *CAStore {
	return &CAStore{repo: repo}
}

// caKey zero-pads ids so that List returns them in numeric order.
func caKey(id pki.CAID) string {
	return fmt.Sprintf("%020d", int64(id))
}

// Create allocates the next id and writes the record together with the
// alias index in one batch. The alias index is create-only, so two racing
// creations of the same alias cannot both succeed.
func (s *CAStore) Create(ctx context.Context, ca pki.CertificateAuthority) (pki.CertificateAuthority, error) {
	seq, err := s.repo.NextSequence(ctx, kindCA)
	if err != nil {
		return pki.CertificateAuthority{}, fmt.Errorf("allocating CA id: %w", err)
	}
	ca.ID = pki.CAID(seq)
	ca.Version = 1

	rec, err := encode(ca, ca.Version)
	if err != nil {
		return pki.CertificateAuthority{}, err
	}
	aliasRec := &storage.Record{Data: []byte(strconv.FormatInt(int64(ca.ID), 10)), Version: 1}

	err = s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(kindCAAlias, string(ca.Alias), 0, aliasRec); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				return fmt.Errorf("%w: %s", pki.ErrCAAliasDuplicate, ca.Alias)
			}
			return err
		}
		return tx.PutCAS(kindCA, caKey(ca.ID), 0, rec)
	})
	if err != nil {
		return pki.CertificateAuthority{}, err
	}
	return ca, nil
}

// Save writes ca if the stored version still equals ca.Version.
func (s *CAStore) Save(ctx context.Context, ca pki.CertificateAuthority) (pki.CertificateAuthority, error) {
	next := ca
	next.Version = ca.Version + 1
	rec, err := encode(next, next.Version)
	if err != nil {
		return pki.CertificateAuthority{}, err
	}
	if err := s.repo.PutCAS(ctx, kindCA, caKey(ca.ID), ca.Version, rec); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return pki.CertificateAuthority{}, fmt.Errorf("saving CA %d: %w", ca.ID, ErrConflict)
		}
		return pki.CertificateAuthority{}, err
	}
	return next, nil
}

func (s *CAStore) FindByID(ctx context.Context, id pki.CAID) (pki.CertificateAuthority, error) {
	var ca pki.CertificateAuthority
	version, err := load(ctx, s.repo, kindCA, caKey(id), &ca, fmt.Errorf("%w: id %d", pki.ErrCANotFound, id))
	if err != nil {
		return pki.CertificateAuthority{}, err
	}
	ca.Version = version
	return ca, nil
}

func (s *CAStore) FindByAlias(ctx context.Context, alias pki.Alias) (pki.CertificateAuthority, error) {
	rec, err := s.repo.Get(ctx, kindCAAlias, string(alias))
	if errors.Is(err, storage.ErrNotFound) {
		return pki.CertificateAuthority{}, fmt.Errorf("%w: alias %s", pki.ErrCANotFound, alias)
	}
	if err != nil {
		return pki.CertificateAuthority{}, fmt.Errorf("loading alias %s: %w", alias, err)
	}
	id, err := strconv.ParseInt(string(rec.Data), 10, 64)
	if err != nil {
		return pki.CertificateAuthority{}, fmt.Errorf("decoding alias index %s: %w", alias, err)
	}
	return s.FindByID(ctx, pki.CAID(id))
}

func (s *CAStore) ExistsByAlias(ctx context.Context, alias pki.Alias) (bool, error) {
	_, err := s.repo.Get(ctx, kindCAAlias, string(alias))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// FindAll returns every CA ordered by id.
func (s *CAStore) FindAll(ctx context.Context) ([]pki.CertificateAuthority, error) {
	ids, err := s.repo.List(ctx, kindCA)
	if err != nil {
		return nil, err
	}
	out := make([]pki.CertificateAuthority, 0, len(ids))
	for _, key := range ids {
		var ca pki.CertificateAuthority
		version, err := load(ctx, s.repo, kindCA, key, &ca, storage.ErrNotFound)
		if err != nil {
			return nil, err
		}
		ca.Version = version
		out = append(out, ca)
	}
	return out, nil
}
