// Package importer coordinates bulk vendor imports from CSV uploads.
//
// A run moves through Locking, Counting, Streaming and Finalizing:
//
//   - Locking takes the import lock; if it is held the call fails with
//     ErrBusy before the upload is read.
//   - Counting spools the upload into the work directory while hashing it,
//     counts data rows and checks the header. No run record exists yet, so
//     ErrEmptyFile and ErrBadHeader leave nothing behind.
//   - Streaming creates the run, re-reads the staged file row by row, and
//     commits vendor batches. Before each row is parsed the run's status is
//     re-read so an external Cancel stops the loop at the next row.
//   - Finalizing records completed, cancelled or failed, then deletes the
//     staged file and releases the lock. This happens on every exit path,
//     including panics.
//
// Runs execute synchronously in the caller's goroutine. Only one run is in
// flight system-wide; the lock, not this package, enforces that.
package importer

import (
	"context"
	"time"

	"github.com/vendorregistry/importer/internal/events"
	"github.com/vendorregistry/importer/internal/lock"
	"github.com/vendorregistry/importer/internal/metrics"
	"github.com/vendorregistry/importer/internal/store"
	"github.com/vendorregistry/importer/internal/vendor"
)

// Locker is the lock API the service needs. Satisfied by *lock.Manager.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (lock.Lease, bool, error)
	Release(ctx context.Context, name string) error
	ReleaseLease(ctx context.Context, lease lock.Lease) (bool, error)
	ClearAll(ctx context.Context) (int64, error)
	ListActive(ctx context.Context) ([]lock.Info, error)
}

// RunStore tracks import runs. Satisfied by *store.RunStore.
type RunStore interface {
	Create(ctx context.Context, n store.NewRun) (store.Run, error)
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (store.Run, error)
	UpdateProgress(ctx context.Context, id int64, processed int) error
	SetStatus(ctx context.Context, id int64, u store.StatusUpdate) (bool, error)
	Cancel(ctx context.Context, id int64) (store.Run, error)
	ListStale(ctx context.Context, olderThan time.Time) ([]store.Run, error)
	ListRecent(ctx context.Context, limit int) ([]store.Run, error)
}

// BatchApplier commits vendor batches. Satisfied by *store.VendorStore.
type BatchApplier interface {
	ApplyBatch(ctx context.Context, records []vendor.Record) (store.BatchResult, error)
}

// Defaults for Options fields left zero.
const (
	DefaultBatchSize   = 100
	DefaultLockName    = "csv_import"
	DefaultLockTTL     = time.Hour
	DefaultStaleAfter  = 2 * time.Hour
	DefaultRecentLimit = 50
)

// Options tune the pipeline.
type Options struct {
	BatchSize   int
	LockName    string
	LockTTL     time.Duration
	WorkDir     string
	StaleAfter  time.Duration
	MaxFileSize int64 // 0 means unlimited
}

func (o *Options) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.LockName == "" {
		o.LockName = DefaultLockName
	}
	if o.LockTTL <= 0 {
		o.LockTTL = DefaultLockTTL
	}
	if o.WorkDir == "" {
		o.WorkDir = "data/imports"
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
}

// Service runs imports and answers status and admin queries.
type Service struct {
	locks   Locker
	runs    RunStore
	vendors BatchApplier

	events  events.Publisher
	metrics *metrics.Metrics
	now     func() time.Time

	opts Options
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithPublisher sets where lifecycle events go. Default is events.Nop.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithMetrics sets the metrics sink. Default records nothing.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source used for fingerprints and the stale
// threshold.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service.
func NewService(locks Locker, runs RunStore, vendors BatchApplier, opts Options, options ...Option) *Service {
	opts.setDefaults()

	s := &Service{
		locks:   locks,
		runs:    runs,
		vendors: vendors,
		events:  events.Nop{},
		now:     time.Now,
		opts:    opts,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// LockName returns the name of the import lock.
func (s *Service) LockName() string {
	return s.opts.LockName
}
