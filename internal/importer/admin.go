package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vendorregistry/importer/internal/events"
	"github.com/vendorregistry/importer/internal/lock"
	"github.com/vendorregistry/importer/internal/logging"
	"github.com/vendorregistry/importer/internal/store"
)

// RunStatus is what pollers see for one run.
type RunStatus struct {
	ID         int64        `json:"id"`
	Filename   string       `json:"filename"`
	Status     store.Status `json:"status"`
	Processed  int          `json:"processed"`
	Total      int          `json:"total"`
	Percentage int          `json:"percentage"`
	Error      string       `json:"error,omitempty"`
	CreatedBy  string       `json:"created_by"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

func statusOf(r store.Run) RunStatus {
	return RunStatus{
		ID:         r.ID,
		Filename:   r.Filename,
		Status:     r.Status,
		Processed:  r.ProcessedRows,
		Total:      r.TotalRows,
		Percentage: r.Percentage(),
		Error:      r.ErrorMessage,
		CreatedBy:  r.CreatedBy,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

// GetStatus returns the current state of run id.
func (s *Service) GetStatus(ctx context.Context, id int64) (RunStatus, error) {
	run, err := s.runs.Get(ctx, id)
	if errors.Is(err, store.ErrRunNotFound) {
		return RunStatus{}, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return RunStatus{}, fmt.Errorf("get run %d: %w", id, err)
	}
	return statusOf(run), nil
}

// Cancel marks an active run cancelled and releases the import lock at once,
// without waiting for the running import to notice. Rows already committed
// are kept. A failed lock release is logged and does not fail the call.
func (s *Service) Cancel(ctx context.Context, id int64) (RunStatus, error) {
	run, err := s.runs.Cancel(ctx, id)
	switch {
	case errors.Is(err, store.ErrRunNotFound):
		return RunStatus{}, fmt.Errorf("run %d: %w", id, ErrNotFound)
	case errors.Is(err, store.ErrRunTerminal):
		return statusOf(run), fmt.Errorf("run %d is %s: %w", id, run.Status, ErrNotCancellable)
	case err != nil:
		return RunStatus{}, fmt.Errorf("cancel run %d: %w", id, err)
	}

	log := logging.WithFields(ctx, "run_id", id)
	// The run is already cancelled. A lock left behind expires with its TTL
	// or can be cleared with ClearAllLocks.
	if err := s.locks.Release(ctx, s.opts.LockName); err != nil {
		log.Error("run cancelled but import lock not released", "lock", s.opts.LockName, "error", err)
	}

	st := &runState{run: run, processed: run.ProcessedRows}
	s.publish(context.WithoutCancel(ctx), events.TypeImportCancelled, st, store.StatusCancelled, "")
	log.Info("import cancelled by request", "processed_rows", run.ProcessedRows, "total_rows", run.TotalRows)

	return statusOf(run), nil
}

// ClearAllLocks removes every import lock. It is an operator action for
// recovering from a crashed run; see StaleRuns.
func (s *Service) ClearAllLocks(ctx context.Context) (int64, error) {
	n, err := s.locks.ClearAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	logging.FromContext(ctx).Warn("import locks cleared by request", "count", n)
	return n, nil
}

// ListActiveLocks lists stored locks, including expired ones.
func (s *Service) ListActiveLocks(ctx context.Context) ([]lock.Info, error) {
	infos, err := s.locks.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return infos, nil
}

// StaleRuns lists runs still pending or processing that have not been
// updated for longer than the stale threshold.
func (s *Service) StaleRuns(ctx context.Context) ([]RunStatus, error) {
	runs, err := s.runs.ListStale(ctx, s.now().Add(-s.opts.StaleAfter))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return statusesOf(runs), nil
}

// RecentRuns lists up to limit runs, newest first.
func (s *Service) RecentRuns(ctx context.Context, limit int) ([]RunStatus, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	runs, err := s.runs.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return statusesOf(runs), nil
}

func statusesOf(runs []store.Run) []RunStatus {
	out := make([]RunStatus, 0, len(runs))
	for _, r := range runs {
		out = append(out, statusOf(r))
	}
	return out
}
