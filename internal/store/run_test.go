package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.Terminal(), "%s.Terminal()", tt.status)
	}
}

func TestRunPercentage(t *testing.T) {
	tests := []struct {
		processed, total int
		want             int
	}{
		{0, 0, 0},
		{0, 250, 0},
		{100, 250, 40},
		{1, 3, 33},
		{2, 3, 67},
		{250, 250, 100},
	}

	for _, tt := range tests {
		r := Run{ProcessedRows: tt.processed, TotalRows: tt.total}
		assert.Equal(t, tt.want, r.Percentage(), "%d/%d", tt.processed, tt.total)
	}
}
