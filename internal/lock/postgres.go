package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgx used by PostgresStore.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PostgresStore keeps locks in the import_locks table so every process
// sharing the database is excluded.
type PostgresStore struct {
	db DBTX
}

// NewPostgresStore returns a PostgresStore using db. The import_locks table
// is created by store.Migrate.
func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

// The conflict branch only fires for an expired row, so a live lock leaves
// the statement with no RETURNING row.
const acquireLockSQL = `
INSERT INTO import_locks (name, owner, created_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO UPDATE
SET owner = EXCLUDED.owner,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
WHERE import_locks.expires_at < $5
RETURNING name`

func (s *PostgresStore) TryAcquire(ctx context.Context, l Lock, now time.Time) (bool, error) {
	var name string
	err := s.db.QueryRow(ctx, acquireLockSQL, l.Name, l.Owner, l.CreatedAt, l.ExpiresAt, now).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert lock: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (Lock, error) {
	var l Lock
	err := s.db.QueryRow(ctx,
		`SELECT name, owner, created_at, expires_at FROM import_locks WHERE name = $1`,
		key,
	).Scan(&l.Name, &l.Owner, &l.CreatedAt, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lock{}, ErrNotFound
	}
	if err != nil {
		return Lock{}, fmt.Errorf("select lock: %w", err)
	}
	return l, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM import_locks WHERE name = $1`, key); err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteOwned(ctx context.Context, key, owner string) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM import_locks WHERE name = $1 AND owner = $2`, key, owner)
	if err != nil {
		return false, fmt.Errorf("delete owned lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, key string, now time.Time) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM import_locks WHERE name = $1 AND expires_at < $2`, key, now); err != nil {
		return fmt.Errorf("delete expired lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM import_locks WHERE starts_with(name, $1)`, prefix)
	if err != nil {
		return 0, fmt.Errorf("delete locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) List(ctx context.Context, prefix string) ([]Lock, error) {
	rows, err := s.db.Query(ctx,
		`SELECT name, owner, created_at, expires_at FROM import_locks WHERE starts_with(name, $1) ORDER BY name`,
		prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var locks []Lock
	for rows.Next() {
		var l Lock
		if err := rows.Scan(&l.Name, &l.Owner, &l.CreatedAt, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		locks = append(locks, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locks: %w", err)
	}
	return locks, nil
}
