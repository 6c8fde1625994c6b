// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ivneld/Meteor-PKI/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Record
	seq  map[string]uint64
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{
		data: make(map[string]map[string]*storage.Record),
		seq:  make(map[string]uint64),
	}
}

func (r *Repository) Put(_ context.Context, kind, id string, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(kind, id, rec)
	return nil
}

func (r *Repository) putLocked(kind, id string, rec *storage.Record) {
	if _, ok := r.data[kind]; !ok {
		r.data[kind] = make(map[string]*storage.Record)
	}
	r.data[kind][id] = rec.Clone()
}

func (r *Repository) Get(_ context.Context, kind, id string) (*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.data[kind][id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *Repository) List(_ context.Context, kind string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.data[kind]))
	for id := range r.data[kind] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Repository) PutCAS(_ context.Context, kind, id string, expectedVersion uint64, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(kind, id, expectedVersion, rec)
}

func (r *Repository) putCASLocked(kind, id string, expectedVersion uint64, rec *storage.Record) error {
	existing, ok := r.data[kind][id]
	if !ok {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		r.putLocked(kind, id, rec)
		return nil
	}
	if expectedVersion == 0 || existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	r.putLocked(kind, id, rec)
	return nil
}

func (r *Repository) NextSequence(_ context.Context, kind string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq[kind]++
	return r.seq[kind], nil
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(_ context.Context, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryBatchTx{repo: r, snapshots: make(map[string]map[string]*storage.Record)}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type memoryBatchTx struct {
	repo      *Repository
	snapshots map[string]map[string]*storage.Record
}

// touch snapshots a kind the first time the batch writes to it.
func (tx *memoryBatchTx) touch(kind string) {
	if _, ok := tx.snapshots[kind]; ok {
		return
	}
	original, ok := tx.repo.data[kind]
	if !ok {
		tx.snapshots[kind] = nil
		return
	}
	cp := make(map[string]*storage.Record, len(original))
	for k, v := range original {
		cp[k] = v.Clone()
	}
	tx.snapshots[kind] = cp
}

func (tx *memoryBatchTx) rollback() {
	for kind, snapshot := range tx.snapshots {
		if snapshot == nil {
			delete(tx.repo.data, kind)
		} else {
			tx.repo.data[kind] = snapshot
		}
	}
}

func (tx *memoryBatchTx) Put(kind, id string, rec *storage.Record) error {
	tx.touch(kind)
	tx.repo.putLocked(kind, id, rec)
	return nil
}

func (tx *memoryBatchTx) PutCAS(kind, id string, expectedVersion uint64, rec *storage.Record) error {
	tx.touch(kind)
	return tx.repo.putCASLocked(kind, id, expectedVersion, rec)
}
