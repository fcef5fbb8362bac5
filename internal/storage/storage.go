package storage

import (
	"context"
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	StatusQueued     RunStatus = "queued"
	StatusRunning    RunStatus = "running"
	StatusCompleted  RunStatus = "completed"
	StatusFailed     RunStatus = "failed"
	StatusTimedOut   RunStatus = "timed_out"
	StatusTerminated RunStatus = "terminated"
)

// Finished reports whether no further transition is possible.
func (s RunStatus) Finished() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusTerminated:
		return true
	}
	return false
}

// Run is the history row for one submission.
type Run struct {
	ID          string     `json:"id"`
	RequesterID string     `json:"requester_id"`
	ChannelID   string     `json:"channel_id"`
	EntryFile   string     `json:"entry_file,omitempty"`
	Status      RunStatus  `json:"status"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Error       string     `json:"error,omitempty"`
	Messages    int        `json:"messages"`
	Truncated   bool       `json:"truncated"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Duration is how long the run executed, or zero if it never finished.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// RunListOptions controls filtering and pagination for ListRuns.
type RunListOptions struct {
	Status      RunStatus
	RequesterID string
	Limit       int
	Offset      int
}

// Store is the persistence interface for run history.
type Store interface {
	// CreateRun inserts a new run. The ID field must be set by the caller.
	CreateRun(ctx context.Context, r *Run) error

	// GetRun returns a run by ID or ID prefix.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs ordered by created_at descending.
	ListRuns(ctx context.Context, opts RunListOptions) ([]Run, error)

	// UpdateRun updates the mutable fields (entry, status, exit code, error,
	// message counters, started/finished times).
	UpdateRun(ctx context.Context, r *Run) error

	// DeleteRun removes a run by ID or ID prefix.
	DeleteRun(ctx context.Context, id string) error

	// Close releases resources.
	Close() error
}
