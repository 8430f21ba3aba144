package api

import "context"

// RunHost executes runs on behalf of queue workers. It is implemented by
// stepflow.Host.
type RunHost interface {
	// StartRun creates (or reuses) the run and executes it to a terminal or
	// suspended state.
	StartRun(ctx context.Context, workflowID, runID string, payload StartRunPayload) (*WorkflowResult, error)

	// ResumeRun resumes a suspended run from its persisted snapshot.
	ResumeRun(ctx context.Context, workflowID, runID string, payload ResumeRunPayload) (*WorkflowResult, error)

	// SendEvent delivers an event to a live run of this process.
	SendEvent(ctx context.Context, workflowID, runID string, payload SendEventPayload) error
}
