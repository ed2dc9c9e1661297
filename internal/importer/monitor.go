package importer

// monitor.go reports runs that look stuck. A run is stale when it is still
// pending or processing but has not been updated within StaleAfter, which
// usually means its process died mid-import. The monitor only reports;
// clearing the lock stays an operator action (ClearAllLocks).

import (
	"context"
	"log/slog"
	"time"
)

// DefaultStaleCheckInterval is used when RunStaleMonitor gets interval <= 0.
const DefaultStaleCheckInterval = 10 * time.Minute

// RunStaleMonitor checks for stale runs immediately, then every interval,
// until ctx is cancelled.
func (s *Service) RunStaleMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultStaleCheckInterval
	}
	slog.Info("stale run monitor started",
		"interval", interval,
		"stale_after", s.opts.StaleAfter,
	)

	s.checkStale(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stale run monitor stopped")
			return
		case <-ticker.C:
			s.checkStale(ctx)
		}
	}
}

// checkStale performs one check and returns the number of stale runs, or
// -1 if the check failed.
func (s *Service) checkStale(ctx context.Context) int {
	stale, err := s.StaleRuns(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("stale run check failed", "error", err)
		}
		return -1
	}

	s.metrics.StaleRuns(len(stale))
	for _, run := range stale {
		slog.Warn("stale import run",
			"run_id", run.ID,
			"status", run.Status,
			"updated_at", run.UpdatedAt,
			"processed_rows", run.Processed,
			"total_rows", run.Total,
			"created_by", run.CreatedBy,
		)
	}
	if len(stale) > 0 {
		slog.Warn("stale import runs found; clear the import lock if no import is running",
			"count", len(stale),
		)
	}
	return len(stale)
}
