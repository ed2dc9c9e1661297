package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/vendorregistry/importer/internal/events"
	"github.com/vendorregistry/importer/internal/logging"
	"github.com/vendorregistry/importer/internal/store"
	"github.com/vendorregistry/importer/internal/vendor"
)

// runState accumulates counters for one run.
type runState struct {
	run       store.Run
	processed int
	committed int // processed as of the last committed batch
	skipped   int
	inserted  int
	updated   int
	batches   int
}

// StartImport ingests one uploaded CSV file and returns once the run reaches
// a terminal state.
//
// Pre-run failures return id 0 and one of ErrBusy, ErrEmptyFile,
// ErrBadHeader, ErrInvalidCSV, ErrFileTooLarge, ErrStorage or ErrMove; no
// run record remains. A completed or cancelled run returns its id and a nil
// error. A run that failed while processing returns its id and an error
// wrapping ErrProcessing.
func (s *Service) StartImport(ctx context.Context, r io.Reader, filename string) (int64, error) {
	log := logging.WithFields(ctx, "filename", filename)
	cleanupCtx := context.WithoutCancel(ctx)

	// Locking
	lease, ok, err := s.locks.TryLock(ctx, s.opts.LockName, s.opts.LockTTL)
	if err != nil {
		s.metrics.RunRejected("storage_error")
		return 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if !ok {
		s.metrics.Busy()
		s.metrics.RunRejected("busy")
		log.Info("import rejected, lock held", "lock", s.opts.LockName)
		return 0, ErrBusy
	}

	defer func() {
		released, err := s.locks.ReleaseLease(cleanupCtx, lease)
		if err != nil {
			log.Error("failed to release import lock", "lock", lease.Name, "error", err)
			return
		}
		if !released {
			// Cancel or ClearAll got there first.
			log.Debug("import lock already released", "lock", lease.Name)
		}
	}()

	// Counting
	staged, err := spool(s.opts.WorkDir, r, s.opts.MaxFileSize)
	if err != nil {
		if errors.Is(err, ErrFileTooLarge) {
			s.metrics.RunRejected("file_too_large")
			return 0, err
		}
		s.metrics.RunRejected("move_error")
		return 0, fmt.Errorf("%w: %w", ErrMove, err)
	}

	path := staged.Path
	defer func() {
		if err := removeFile(path); err != nil {
			log.Error("failed to delete staged file", "path", path, "error", err)
		}
	}()

	total, err := countRows(path)
	if err != nil {
		s.metrics.RunRejected(rejectReason(err))
		log.Info("import rejected", "error", err)
		return 0, err
	}

	fingerprint := fmt.Sprintf("%s_%d", staged.Hash, s.now().UnixNano())
	run, err := s.runs.Create(ctx, store.NewRun{
		Filename:    filename,
		Fingerprint: fingerprint,
		TotalRows:   total,
		CreatedBy:   CreatorFromContext(ctx),
	})
	if err != nil {
		s.metrics.RunRejected("storage_error")
		return 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	final := filepath.Join(s.opts.WorkDir, runFileName(run.ID, fingerprint))
	if err := os.Rename(path, final); err != nil {
		if derr := s.runs.Delete(cleanupCtx, run.ID); derr != nil {
			log.Error("failed to delete run after staging error", "run_id", run.ID, "error", derr)
		}
		s.metrics.RunRejected("move_error")
		return 0, fmt.Errorf("%w: %w", ErrMove, err)
	}
	path = final

	log = log.With("run_id", run.ID, "fingerprint", fingerprint)
	log.Info("import started", "total_rows", total, "bytes", staged.Size, "created_by", run.CreatedBy)

	return s.process(ctx, run, path, log)
}

// rejectReason labels a Counting failure for metrics.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyFile):
		return "empty_file"
	case errors.Is(err, ErrBadHeader):
		return "bad_header"
	case errors.Is(err, ErrInvalidCSV):
		return "invalid_csv"
	default:
		return "move_error"
	}
}

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // short rows are skipped by the parser, not rejected here
	cr.LazyQuotes = true
	cr.ReuseRecord = true
	return cr
}

// countRows counts data rows in the staged file and validates the header.
// An empty file is reported before a bad header.
func countRows(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: open staged file: %w", ErrMove, err)
	}
	defer f.Close()

	cr := newCSVReader(wrapForStreaming(f))

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return 0, ErrEmptyFile
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidCSV, err)
	}
	headerErr := vendor.ValidateHeader(header)

	n := 0
	for {
		_, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrInvalidCSV, err)
		}
		n++
	}

	if n == 0 {
		return 0, ErrEmptyFile
	}
	if headerErr != nil {
		return 0, headerErr
	}
	return n, nil
}

// process runs Streaming and Finalizing for a created run.
func (s *Service) process(ctx context.Context, run store.Run, path string, log *slog.Logger) (int64, error) {
	cleanupCtx := context.WithoutCancel(ctx)
	st := &runState{run: run}

	s.metrics.RunStarted()
	s.publish(cleanupCtx, events.TypeImportStarted, st, store.StatusProcessing, "")

	cancelled, err := s.streamSafely(ctx, st, path, log)
	s.metrics.Rows(st.processed, st.skipped)

	if err != nil {
		return run.ID, s.fail(cleanupCtx, st, err, log)
	}
	if cancelled {
		s.metrics.RunFinished(string(store.StatusCancelled))
		log.Info("import cancelled", "processed_rows", st.processed, "total_rows", run.TotalRows)
		return run.ID, nil
	}

	processed := st.processed
	ok, err := s.runs.SetStatus(cleanupCtx, run.ID, store.StatusUpdate{
		Status:    store.StatusCompleted,
		Processed: &processed,
	})
	if err != nil {
		return run.ID, s.fail(cleanupCtx, st, fmt.Errorf("mark completed: %w", err), log)
	}
	if !ok {
		// Cancelled after the last row was read.
		s.metrics.RunFinished(string(store.StatusCancelled))
		log.Info("import cancelled", "processed_rows", st.processed, "total_rows", run.TotalRows)
		return run.ID, nil
	}

	s.metrics.RunFinished(string(store.StatusCompleted))
	s.publish(cleanupCtx, events.TypeImportCompleted, st, store.StatusCompleted, "")
	log.Info("import completed",
		"processed_rows", st.processed,
		"skipped_rows", st.skipped,
		"inserted", st.inserted,
		"updated", st.updated,
		"batches", st.batches,
	)
	return run.ID, nil
}

// fail records cause as the run's error and returns it wrapped in
// ErrProcessing. Progress is left at the last committed batch.
func (s *Service) fail(ctx context.Context, st *runState, cause error, log *slog.Logger) error {
	msg := cause.Error()
	processed := st.committed

	ok, err := s.runs.SetStatus(ctx, st.run.ID, store.StatusUpdate{
		Status:    store.StatusFailed,
		Processed: &processed,
		Error:     msg,
	})
	switch {
	case err != nil:
		log.Error("failed to mark run failed", "error", err)
	case !ok:
		log.Warn("run already finished, failure not recorded", "cause", msg)
	}

	s.metrics.RunFinished(string(store.StatusFailed))
	s.publish(ctx, events.TypeImportFailed, st, store.StatusFailed, msg)
	log.Error("import failed", "processed_rows", st.processed, "error", cause)

	return fmt.Errorf("%w: %w", ErrProcessing, cause)
}

// streamSafely converts a panic during streaming into an error so the run
// is finalized like any other failure.
func (s *Service) streamSafely(ctx context.Context, st *runState, path string, log *slog.Logger) (cancelled bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in import", "panic", r, "stack", string(debug.Stack()))
			cancelled, err = false, fmt.Errorf("internal error: %v", r)
		}
	}()
	return s.stream(ctx, st, path, log)
}

// stream reads the staged file and commits batches. It returns cancelled
// when the run stopped being active.
func (s *Service) stream(ctx context.Context, st *runState, path string, log *slog.Logger) (bool, error) {
	ok, err := s.runs.SetStatus(ctx, st.run.ID, store.StatusUpdate{Status: store.StatusProcessing})
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	if !ok {
		return true, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open staged file: %w", err)
	}
	defer f.Close()

	cr := newCSVReader(wrapForStreaming(f))

	header, err := cr.Read()
	if err != nil {
		return false, fmt.Errorf("read header: %w", err)
	}
	if err := vendor.ValidateHeader(header); err != nil {
		return false, err
	}

	batch := make([]vendor.Record, 0, s.opts.BatchSize)
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return false, fmt.Errorf("read row %d: %w", st.processed+1, err)
		}

		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("stopped before row %d: %w", st.processed+1, err)
		}
		stop, err := s.stopRequested(ctx, st.run.ID)
		if err != nil {
			return false, err
		}
		if stop {
			log.Info("cancellation observed", "before_row", st.processed+1)
			return true, nil
		}

		st.processed++
		rec, ok := vendor.ParseRow(row)
		if !ok {
			st.skipped++
			continue
		}

		batch = append(batch, rec)
		if len(batch) >= s.opts.BatchSize {
			if err := s.commit(ctx, st, batch, log); err != nil {
				return false, err
			}
			batch = make([]vendor.Record, 0, s.opts.BatchSize)
		}
	}

	if len(batch) > 0 {
		if err := s.commit(ctx, st, batch, log); err != nil {
			return false, err
		}
	}
	return false, nil
}

// stopRequested re-reads the run and reports whether it is no longer
// active, which is how an external Cancel reaches the loop.
func (s *Service) stopRequested(ctx context.Context, id int64) (bool, error) {
	run, err := s.runs.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("check run status: %w", err)
	}
	return run.Status.Terminal(), nil
}

// commit applies one batch and records progress.
func (s *Service) commit(ctx context.Context, st *runState, batch []vendor.Record, log *slog.Logger) error {
	start := time.Now()

	res, err := s.vendors.ApplyBatch(ctx, batch)
	if err != nil {
		return fmt.Errorf("at row %d: %w", st.processed, err)
	}
	elapsed := time.Since(start)

	st.batches++
	st.committed = st.processed
	st.inserted += res.Inserted
	st.updated += res.Updated
	s.metrics.BatchCommitted(elapsed, res.Inserted, res.Updated)

	if err := s.runs.UpdateProgress(ctx, st.run.ID, st.processed); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}

	log.Debug("batch committed",
		"batch", st.batches,
		"records", len(batch),
		"processed_rows", st.processed,
		"duration", elapsed,
	)
	return nil
}

// publish emits a lifecycle event. Failures are logged and never change the
// run outcome.
func (s *Service) publish(ctx context.Context, eventType string, st *runState, status store.Status, errMsg string) {
	e := events.Event{
		Type:      eventType,
		RunID:     st.run.ID,
		Filename:  st.run.Filename,
		Status:    string(status),
		TotalRows: st.run.TotalRows,
		Processed: st.processed,
		Inserted:  st.inserted,
		Updated:   st.updated,
		Skipped:   st.skipped,
		Error:     errMsg,
		CreatedBy: st.run.CreatedBy,
	}
	if err := s.events.Publish(ctx, e); err != nil {
		logging.FromContext(ctx).Warn("failed to publish import event",
			"event_type", eventType,
			"run_id", st.run.ID,
			"error", err,
		)
	}
}
