// Package events publishes import run lifecycle events.
package events

import (
	"context"
	"time"
)

// Event types.
const (
	TypeImportStarted   = "import.started"
	TypeImportCompleted = "import.completed"
	TypeImportFailed    = "import.failed"
	TypeImportCancelled = "import.cancelled"
)

// Source identifies this service in published events.
const Source = "vendor-importer"

// Event describes a state change of one import run.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	RunID     int64     `json:"run_id"`
	Filename  string    `json:"filename"`
	Status    string    `json:"status"`
	TotalRows int       `json:"total_rows"`
	Processed int       `json:"processed_rows"`
	Inserted  int       `json:"inserted,omitempty"`
	Updated   int       `json:"updated,omitempty"`
	Skipped   int       `json:"skipped,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedBy string    `json:"created_by,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards every event. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error { return nil }
