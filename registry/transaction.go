package registry

import (
	"context"
	"fmt"

	"github.com/ivneld/Meteor-PKI/cmp"
	"github.com/ivneld/Meteor-PKI/pki"
	"github.com/ivneld/Meteor-PKI/storage"
)

// TransactionStore implements cmp.TransactionRepository.
type TransactionStore struct {
	repo storage.Repository
}

var _ cmp.TransactionRepository = (*TransactionStore)(nil)

// NewTransactionStore returns a CMP transaction registry over repo.
func NewTransactionStore(repo storage.Repository) *TransactionStore {
	return &TransactionStore{repo: repo}
}

// Save overwrites any stored transaction with the same id.
func (s *TransactionStore) Save(ctx context.Context, tx cmp.Transaction) error {
	rec, err := encode(tx, 1)
	if err != nil {
		return err
	}
	return s.repo.Put(ctx, kindTransaction, tx.ID.String(), rec)
}

func (s *TransactionStore) FindByID(ctx context.Context, id pki.TransactionID) (cmp.Transaction, error) {
	var tx cmp.Transaction
	_, err := load(ctx, s.repo, kindTransaction, id.String(), &tx, fmt.Errorf("%w: %s", cmp.ErrTransactionNotFound, id))
	if err != nil {
		return cmp.Transaction{}, err
	}
	return tx, nil
}
