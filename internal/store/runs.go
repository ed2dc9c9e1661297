package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// RunStore persists import runs in import_runs.
type RunStore struct {
	db DBTX
}

// NewRunStore returns a RunStore using db.
func NewRunStore(db DBTX) *RunStore {
	return &RunStore{db: db}
}

const runColumns = `id, filename, file_hash, total_rows, processed_rows, status,
	error_message, created_by, created_at, updated_at`

// activeStatuses guards every update: terminal runs are immutable.
const activeStatuses = `('pending', 'processing')`

func scanRun(row pgx.Row) (Run, error) {
	var (
		r      Run
		status string
		errMsg pgtype.Text
	)
	err := row.Scan(
		&r.ID, &r.Filename, &r.Fingerprint, &r.TotalRows, &r.ProcessedRows, &status,
		&errMsg, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return Run{}, err
	}
	r.Status = Status(status)
	if errMsg.Valid {
		r.ErrorMessage = errMsg.String
	}
	return r, nil
}

func collectRuns(rows pgx.Rows) ([]Run, error) {
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// Create inserts a pending run with processed_rows 0 and returns it.
func (s *RunStore) Create(ctx context.Context, n NewRun) (Run, error) {
	createdBy := n.CreatedBy
	if createdBy == "" {
		createdBy = "system"
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO import_runs (filename, file_hash, total_rows, processed_rows, status, created_by)
		VALUES ($1, $2, $3, 0, 'pending', $4)
		RETURNING `+runColumns,
		n.Filename, n.Fingerprint, n.TotalRows, createdBy,
	)

	r, err := scanRun(row)
	if isUniqueViolation(err) {
		return Run{}, fmt.Errorf("create run %s: %w", n.Fingerprint, ErrFingerprintConflict)
	}
	if err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}
	return r, nil
}

// Delete removes a run. Used when a run cannot proceed past creation.
func (s *RunStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM import_runs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete run %d: %w", id, err)
	}
	return nil
}

// Get returns the run with id or ErrRunNotFound.
func (s *RunStore) Get(ctx context.Context, id int64) (Run, error) {
	r, err := scanRun(s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM import_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, fmt.Errorf("run %d: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %d: %w", id, err)
	}
	return r, nil
}

// UpdateProgress records processed rows for an active run. The stored count
// never decreases and is capped at total_rows. A terminal run is left
// untouched and no error is returned.
func (s *RunStore) UpdateProgress(ctx context.Context, id int64, processed int) error {
	_, err := s.db.Exec(ctx, `
		UPDATE import_runs
		SET processed_rows = GREATEST(processed_rows, LEAST($2::int, total_rows)),
		    updated_at = now()
		WHERE id = $1 AND status IN `+activeStatuses,
		id, processed,
	)
	if err != nil {
		return fmt.Errorf("update progress of run %d: %w", id, err)
	}
	return nil
}

// SetStatus transitions an active run. It reports false, without error, when
// the run was already terminal, in which case nothing is written.
func (s *RunStore) SetStatus(ctx context.Context, id int64, u StatusUpdate) (bool, error) {
	var errMsg *string
	if u.Error != "" {
		errMsg = &u.Error
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE import_runs
		SET status = $2,
		    processed_rows = CASE
		        WHEN $3::int IS NULL THEN processed_rows
		        ELSE GREATEST(processed_rows, LEAST($3::int, total_rows))
		    END,
		    error_message = COALESCE($4::text, error_message),
		    updated_at = now()
		WHERE id = $1 AND status IN `+activeStatuses,
		id, string(u.Status), u.Processed, errMsg,
	)
	if err != nil {
		return false, fmt.Errorf("set status of run %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Cancel moves an active run to cancelled and returns it. It returns
// ErrRunNotFound for an unknown id and ErrRunTerminal, along with the
// current run, when the run already finished.
func (s *RunStore) Cancel(ctx context.Context, id int64) (Run, error) {
	r, err := scanRun(s.db.QueryRow(ctx, `
		UPDATE import_runs
		SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND status IN `+activeStatuses+`
		RETURNING `+runColumns,
		id,
	))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Run{}, fmt.Errorf("cancel run %d: %w", id, err)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return Run{}, err
	}
	return current, fmt.Errorf("cancel run %d (%s): %w", id, current.Status, ErrRunTerminal)
}

// ListStale returns active runs not updated since olderThan, oldest first.
// A crashed process leaves its run in this state.
func (s *RunStore) ListStale(ctx context.Context, olderThan time.Time) ([]Run, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+runColumns+`
		FROM import_runs
		WHERE status IN `+activeStatuses+` AND updated_at < $1
		ORDER BY updated_at`,
		olderThan,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}
	return collectRuns(rows)
}

// ListRecent returns up to limit runs, newest first.
func (s *RunStore) ListRecent(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+runColumns+`
		FROM import_runs
		ORDER BY created_at DESC, id DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	return collectRuns(rows)
}
