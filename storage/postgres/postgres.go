// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (kind, id) that mirrors
// the key space of the BBolt and in-memory backends. The primary key is the
// uniqueness backstop for create-only writes.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ivneld/Meteor-PKI/storage"
)

const uniqueViolation = "23505"

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ---------------------------------------------------------------------------
// Repository interface implementation
// ---------------------------------------------------------------------------

const upsertSQL = `INSERT INTO records (kind, id, data, version)
	 VALUES ($1, $2, $3, $4)
	 ON CONFLICT (kind, id)
	 DO UPDATE SET data = $3, version = $4`

func (s *Store) Put(ctx context.Context, kind, id string, rec *storage.Record) error {
	_, err := s.pool.Exec(ctx, upsertSQL, kind, id, rec.Data, int64(rec.Version))
	return err
}

func (s *Store) Get(ctx context.Context, kind, id string) (*storage.Record, error) {
	var (
		rec     storage.Record
		version int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT data, version FROM records WHERE kind = $1 AND id = $2`,
		kind, id).Scan(&rec.Data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec.Version = uint64(version)
	return &rec, nil
}

func (s *Store) List(ctx context.Context, kind string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM records WHERE kind = $1 ORDER BY id`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) PutCAS(ctx context.Context, kind, id string, expectedVersion uint64, rec *storage.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := putCASInTx(ctx, tx, kind, id, expectedVersion, rec); err != nil {
		return err
	}
	return mapUniqueViolation(tx.Commit(ctx))
}

// NextSequence upserts the counter row and returns the incremented value.
func (s *Store) NextSequence(ctx context.Context, kind string) (uint64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sequences (kind, value) VALUES ($1, 1)
		 ON CONFLICT (kind) DO UPDATE SET value = sequences.value + 1
		 RETURNING value`, kind).Scan(&n)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (s *Store) Batch(ctx context.Context, fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	btx := &pgBatchTx{ctx: ctx, tx: pgTx}
	if err := fn(btx); err != nil {
		return err
	}
	return mapUniqueViolation(pgTx.Commit(ctx))
}

// ---------------------------------------------------------------------------
// BatchTx implementation
// ---------------------------------------------------------------------------

type pgBatchTx struct {
	ctx context.Context
	tx  pgx.Tx
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Put(kind, id string, rec *storage.Record) error {
	_, err := btx.tx.Exec(btx.ctx, upsertSQL, kind, id, rec.Data, int64(rec.Version))
	return err
}

func (btx *pgBatchTx) PutCAS(kind, id string, expectedVersion uint64, rec *storage.Record) error {
	return putCASInTx(btx.ctx, btx.tx, kind, id, expectedVersion, rec)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// putCASInTx performs a compare-and-swap put within an existing transaction.
// It is used by both the top-level PutCAS and the batch PutCAS methods.
func putCASInTx(ctx context.Context, tx pgx.Tx, kind, id string, expectedVersion uint64, rec *storage.Record) error {
	var currentVersion int64
	err := tx.QueryRow(ctx,
		`SELECT version FROM records WHERE kind = $1 AND id = $2 FOR UPDATE`,
		kind, id).Scan(&currentVersion)

	if errors.Is(err, pgx.ErrNoRows) {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		// A concurrent creator can still win between the SELECT and the
		// INSERT; the primary key turns that into a unique violation.
		_, err = tx.Exec(ctx,
			`INSERT INTO records (kind, id, data, version) VALUES ($1, $2, $3, $4)`,
			kind, id, rec.Data, int64(rec.Version))
		return mapUniqueViolation(err)
	}
	if err != nil {
		return err
	}

	if expectedVersion == 0 || uint64(currentVersion) != expectedVersion {
		return storage.ErrCASFailed
	}

	_, err = tx.Exec(ctx,
		`UPDATE records SET data = $3, version = $4 WHERE kind = $1 AND id = $2`,
		kind, id, rec.Data, int64(rec.Version))
	return err
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return storage.ErrCASFailed
	}
	return err
}
