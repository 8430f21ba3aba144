package api

import "context"

// ExecutionEngine walks an execution graph. The orchestrator depends only
// on this contract.
//
// Execute returns an error only for failures outside step execution; step
// failures are reported through WorkflowResult.Status and Error. The engine
// is the single writer of the run snapshot while Execute is in flight.
type ExecutionEngine interface {
	Execute(ctx context.Context, params ExecuteParams) (*WorkflowResult, error)
}

// ExecuteParams describes one start or resume.
type ExecuteParams struct {
	WorkflowID string
	RunID      string
	// ResourceID is copied into every snapshot.
	ResourceID string

	Graph               ExecutionGraph
	SerializedStepGraph []SerializedStepFlowEntry

	Input  any
	Resume *ResumeDescriptor

	Emitter        Emitter
	RuntimeContext *RuntimeContext
	RetryConfig    RetryConfig

	// Storage receives snapshots on every transition. It may be nil.
	Storage Storage

	// Abort cancels the run; ctx is cancelled as a consequence.
	Abort func()

	DisableScorers bool
}

// ResumeDescriptor tells the engine where to continue a suspended run.
type ResumeDescriptor struct {
	// Steps is the resume target: a step id followed by nested step ids.
	Steps         []string
	StepResults   RunContext
	ResumePayload any
	// ResumePath is the execution path of Steps[0] in the graph.
	ResumePath []int
}
