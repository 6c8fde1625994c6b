// Package storagetest holds a behavioural test suite that every
// storage.Repository backend must pass.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ivneld/Meteor-PKI/storage"
)

// Run exercises repo. The repository must be empty.
func Run(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	rec := &storage.Record{Data: []byte(`{"alias":"root-ca"}`), Version: 1}

	t.Run("PutAndGet", func(t *testing.T) {
		if err := repo.Put(ctx, "ca", "1", rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(ctx, "ca", "1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got.Data, rec.Data) || got.Version != rec.Version {
			t.Errorf("Get returned wrong record: %+v", got)
		}

		got.Data[0] = 'X'
		again, _ := repo.Get(ctx, "ca", "1")
		if again.Data[0] == 'X' {
			t.Error("Get must return a copy of the stored record")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := repo.Get(ctx, "ca", "missing")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
		_, err = repo.Get(ctx, "no-such-kind", "1")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Expected ErrNotFound for unknown kind, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		for _, id := range []string{"b", "a", "c"} {
			if err := repo.Put(ctx, "list-kind", id, rec); err != nil {
				t.Fatalf("Put %s failed: %v", id, err)
			}
		}
		if err := repo.Put(ctx, "list-kind-other", "z", rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		ids, err := repo.List(ctx, "list-kind")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if fmt.Sprint(ids) != "[a b c]" {
			t.Errorf("Expected sorted [a b c], got %v", ids)
		}
		ids, err = repo.List(ctx, "empty-kind")
		if err != nil {
			t.Fatalf("List of empty kind failed: %v", err)
		}
		if len(ids) != 0 {
			t.Errorf("Expected no ids, got %v", ids)
		}
	})

	t.Run("PutCAS", func(t *testing.T) {
		v1 := &storage.Record{Data: []byte("one"), Version: 1}
		v2 := &storage.Record{Data: []byte("two"), Version: 2}

		if err := repo.PutCAS(ctx, "cas", "x", 0, v1); err != nil {
			t.Fatalf("PutCAS create failed: %v", err)
		}
		if err := repo.PutCAS(ctx, "cas", "x", 0, v1); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("Create-only on existing record: expected ErrCASFailed, got %v", err)
		}
		if err := repo.PutCAS(ctx, "cas", "missing", 1, v1); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("Update of missing record: expected ErrCASFailed, got %v", err)
		}
		if err := repo.PutCAS(ctx, "cas", "x", 1, v2); err != nil {
			t.Fatalf("PutCAS update failed: %v", err)
		}
		if err := repo.PutCAS(ctx, "cas", "x", 1, v1); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("Stale update: expected ErrCASFailed, got %v", err)
		}
		got, err := repo.Get(ctx, "cas", "x")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got.Data) != "two" || got.Version != 2 {
			t.Errorf("Expected version 2 payload, got %+v", got)
		}
	})

	t.Run("Batch", func(t *testing.T) {
		err := repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put("batch", "id1", rec); err != nil {
				return err
			}
			return tx.PutCAS("batch-index", "id1", 0, rec)
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		if _, err := repo.Get(ctx, "batch-index", "id1"); err != nil {
			t.Error("Record batch-index/id1 should exist after batch")
		}

		err = repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put("batch", "id2", rec); err != nil {
				return err
			}
			return tx.PutCAS("batch-index", "id1", 0, rec)
		})
		if !errors.Is(err, storage.ErrCASFailed) {
			t.Fatalf("Expected ErrCASFailed from batch, got %v", err)
		}
		if _, err := repo.Get(ctx, "batch", "id2"); !errors.Is(err, storage.ErrNotFound) {
			t.Error("Record batch/id2 should NOT exist after failed batch")
		}

		err = repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put("batch", "id1", &storage.Record{Data: []byte("changed"), Version: 9}); err != nil {
				return err
			}
			return errors.New("simulated error")
		})
		if err == nil {
			t.Error("Expected error from Batch, got nil")
		}
		got, err := repo.Get(ctx, "batch", "id1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Version != rec.Version {
			t.Errorf("Expected version %d after rollback, got %d", rec.Version, got.Version)
		}
	})

	t.Run("NextSequence", func(t *testing.T) {
		first, err := repo.NextSequence(ctx, "seq-a")
		if err != nil {
			t.Fatalf("NextSequence failed: %v", err)
		}
		second, _ := repo.NextSequence(ctx, "seq-a")
		other, _ := repo.NextSequence(ctx, "seq-b")
		if first != 1 || second != 2 || other != 1 {
			t.Errorf("Expected 1, 2 and 1, got %d, %d and %d", first, second, other)
		}
	})

	t.Run("ConcurrentCreateOnlyOneWins", func(t *testing.T) {
		const writers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := repo.PutCAS(ctx, "race", "alias", 0, rec)
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Errorf("Expected exactly one create to win, got %d", wins)
		}
	})
}
