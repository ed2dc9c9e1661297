package importer

import (
	"errors"

	"github.com/vendorregistry/importer/internal/vendor"
)

// Errors returned by StartImport before a run starts processing. None of
// them leaves a run record or a staged file behind.
var (
	// ErrBusy is returned when another import holds the lock.
	ErrBusy = errors.New("busy: another import is in progress")

	// ErrEmptyFile is returned when the file has no data rows.
	ErrEmptyFile = errors.New("empty file: no data rows")

	// ErrBadHeader is returned when the header does not match the vendor
	// columns. It is the parser's error, so the detail wraps it only once.
	ErrBadHeader = vendor.ErrBadHeader

	// ErrInvalidCSV is returned when the file cannot be parsed as CSV.
	ErrInvalidCSV = errors.New("invalid csv")

	// ErrFileTooLarge is returned when the upload exceeds the size limit.
	ErrFileTooLarge = errors.New("file too large")

	// ErrStorage is returned when the run record cannot be created or the
	// lock store fails.
	ErrStorage = errors.New("storage error")

	// ErrMove is returned when the upload cannot be staged in the work
	// directory.
	ErrMove = errors.New("move error: cannot stage upload")
)

var (
	// ErrProcessing wraps the failure of a run that reached processing. The
	// run is left failed with the underlying message.
	ErrProcessing = errors.New("import failed")

	// ErrNotFound is returned for an unknown run id.
	ErrNotFound = errors.New("import run not found")

	// ErrNotCancellable is returned when cancelling a finished run.
	ErrNotCancellable = errors.New("import run is not cancellable")
)
