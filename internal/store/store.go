// Package store is the PostgreSQL persistence layer for vendor imports.
//
// VendorStore applies batches of parsed vendor records transactionally.
// RunStore tracks import runs: their progress and their status transitions.
// The SQL itself guards the run invariants: terminal runs are never updated
// and processed_rows never decreases nor exceeds total_rows.
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the interface for database operations.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// TxBeginner is a DBTX that can open transactions. Satisfied by *pgxpool.Pool.
type TxBeginner interface {
	DBTX
	Begin(context.Context) (pgx.Tx, error)
}

var (
	// ErrRunNotFound is returned when no import run has the given id.
	ErrRunNotFound = errors.New("import run not found")

	// ErrRunTerminal is returned when a transition is attempted on a run
	// that already completed, failed or was cancelled.
	ErrRunTerminal = errors.New("import run already finished")

	// ErrFingerprintConflict is returned when a run with the same
	// fingerprint already exists.
	ErrFingerprintConflict = errors.New("import run fingerprint already exists")
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

//go:embed schema.sql
var schemaSQL string

// Migrate creates the import tables if they do not exist.
func Migrate(ctx context.Context, db DBTX) error {
	// No arguments, so pgx sends this over the simple protocol and the
	// multi-statement script runs in one round trip.
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
