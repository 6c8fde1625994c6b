// Package bbolt provides a BBolt-backed storage repository. Each record kind
// is a bucket; records are JSON-encoded storage.Record values.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ivneld/Meteor-PKI/storage"
	"go.etcd.io/bbolt"
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(_ context.Context, kind, id string, rec *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(kind))
		if err != nil {
			return err
		}
		return putInBucket(b, id, rec)
	})
}

func (s *Store) Get(_ context.Context, kind, id string) (*storage.Record, error) {
	var rec storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List walks the bucket cursor, which yields keys in byte order.
func (s *Store) List(_ context.Context, kind string) ([]string, error) {
	ids := []string{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			ids = append(ids, string(k))
		}
		return nil
	})
	return ids, err
}

func (s *Store) PutCAS(_ context.Context, kind, id string, expectedVersion uint64, rec *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(kind))
		if err != nil {
			return err
		}
		return putCASInBucket(b, id, expectedVersion, rec)
	})
}

// NextSequence uses the bucket's own sequence counter.
func (s *Store) NextSequence(_ context.Context, kind string) (uint64, error) {
	var n uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(kind))
		if err != nil {
			return err
		}
		n, err = b.NextSequence()
		return err
	})
	return n, err
}

func (s *Store) Batch(_ context.Context, fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltBatchTx{tx: tx})
	})
}

func putInBucket(b *bbolt.Bucket, id string, rec *storage.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(id), data)
}

func putCASInBucket(b *bbolt.Bucket, id string, expectedVersion uint64, rec *storage.Record) error {
	existingData := b.Get([]byte(id))

	if expectedVersion == 0 {
		if existingData != nil {
			return storage.ErrCASFailed
		}
	} else {
		if existingData == nil {
			return storage.ErrCASFailed
		}
		var existing storage.Record
		if err := json.Unmarshal(existingData, &existing); err != nil {
			return err
		}
		if existing.Version != expectedVersion {
			return storage.ErrCASFailed
		}
	}
	return putInBucket(b, id, rec)
}

type boltBatchTx struct {
	tx *bbolt.Tx
}

func (tx *boltBatchTx) Put(kind, id string, rec *storage.Record) error {
	b, err := tx.tx.CreateBucketIfNotExists([]byte(kind))
	if err != nil {
		return err
	}
	return putInBucket(b, id, rec)
}

func (tx *boltBatchTx) PutCAS(kind, id string, expectedVersion uint64, rec *storage.Record) error {
	b, err := tx.tx.CreateBucketIfNotExists([]byte(kind))
	if err != nil {
		return err
	}
	return putCASInBucket(b, id, expectedVersion, rec)
}
