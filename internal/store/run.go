package store

import (
	"math"
	"time"
)

// Status is the lifecycle state of an import run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Run is one attempt to ingest one uploaded file.
type Run struct {
	ID            int64     `json:"id"`
	Filename      string    `json:"filename"`
	Fingerprint   string    `json:"fingerprint"`
	TotalRows     int       `json:"total_rows"`
	ProcessedRows int       `json:"processed_rows"`
	Status        Status    `json:"status"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Percentage is processed/total as a rounded whole percent. A run with no
// rows reports 0.
func (r Run) Percentage() int {
	if r.TotalRows <= 0 {
		return 0
	}
	return int(math.Round(float64(r.ProcessedRows) / float64(r.TotalRows) * 100))
}

// NewRun holds the fields supplied when a run is created.
type NewRun struct {
	Filename    string
	Fingerprint string
	TotalRows   int
	CreatedBy   string
}

// StatusUpdate describes a status transition. Processed and Error are
// optional; nil or empty leaves the stored value unchanged.
type StatusUpdate struct {
	Status    Status
	Processed *int
	Error     string
}
