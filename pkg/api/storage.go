package api

import (
	"context"
	"time"
)

// Storage persists run snapshots. A nil Storage disables resume and history
// but not in-process execution.
type Storage interface {
	PersistWorkflowSnapshot(ctx context.Context, workflowName, runID string, snapshot *WorkflowRunState) error
	// LoadWorkflowSnapshot returns ErrRunNotFound when no snapshot exists.
	LoadWorkflowSnapshot(ctx context.Context, workflowName, runID string) (*WorkflowRunState, error)
	// GetWorkflowRunByID returns ErrRunNotFound when no run exists.
	GetWorkflowRunByID(ctx context.Context, workflowName, runID string) (*WorkflowRun, error)
	GetWorkflowRuns(ctx context.Context, filter RunsFilter) (*WorkflowRuns, error)
}

// LeaseStore is implemented by storages that can fence a run id so that only
// one owner executes it at a time.
type LeaseStore interface {
	// TryAcquireLease acquires or re-acquires the lease. A lease held by the
	// same owner is re-entrant. A lease held by another owner that has not
	// expired yields (false, nil).
	TryAcquireLease(ctx context.Context, workflowName, runID, owner string, ttl time.Duration) (bool, error)
	// RenewLease extends a lease held by owner, or returns ErrRunLocked.
	RenewLease(ctx context.Context, workflowName, runID, owner string, ttl time.Duration) error
	// ReleaseLease drops a lease held by owner. It is idempotent.
	ReleaseLease(ctx context.Context, workflowName, runID, owner string) error
}

// RunsFilter selects runs from storage. Zero fields do not filter.
type RunsFilter struct {
	WorkflowName string
	ResourceID   string
	FromDate     time.Time
	ToDate       time.Time
	Limit        int
	Offset       int
}

// WorkflowRun is a stored run.
type WorkflowRun struct {
	WorkflowName string
	RunID        string
	ResourceID   string
	Snapshot     *WorkflowRunState
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// WorkflowRuns is a page of runs plus the unpaged total.
type WorkflowRuns struct {
	Runs  []WorkflowRun
	Total int
}

// EventStore is an append-only history of run events.
type EventStore interface {
	AppendEvent(ctx context.Context, rec EventRecord) error
	ListEvents(ctx context.Context, workflowID, runID string) ([]EventRecord, error)
}
