package api

import (
	"context"
	"encoding/gob"
	"time"
)

func init() {
	gob.Register(StartRunPayload{})
	gob.Register(ResumeRunPayload{})
	gob.Register(SendEventPayload{})
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// WorkflowStatus represents the lifecycle state of a workflow run.
type WorkflowStatus string

const (
	StatusPending   WorkflowStatus = "pending"
	StatusRunning   WorkflowStatus = "running"
	StatusSuspended WorkflowStatus = "suspended"
	StatusSuccess   WorkflowStatus = "success"
	StatusFailed    WorkflowStatus = "failed"
)

// Terminal reports whether no further execution will happen without an
// explicit resume.
func (s WorkflowStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// StepStatus represents the state of a single step inside a run.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepSuccess   StepStatus = "success"
	StepFailed    StepStatus = "failed"
	StepSuspended StepStatus = "suspended"
	StepSkipped   StepStatus = "skipped"
	StepWaiting   StepStatus = "waiting"
)

// ComponentWorkflow marks a step that wraps a nested workflow.
const ComponentWorkflow = "WORKFLOW"

// ExecuteFunc is the body of a step.
//
// A step suspends by returning sc.Suspend(payload) and ends the whole run
// early by returning sc.Bail(result). Any other non-nil error fails the step
// once its retries are exhausted.
type ExecuteFunc func(ctx context.Context, sc *StepContext) (any, error)

// Validator is an opaque schema attached to a step. Validate returns the
// (possibly coerced) value or an error describing why it was rejected.
type Validator interface {
	Validate(value any) (any, error)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(value any) (any, error)

func (f ValidatorFunc) Validate(value any) (any, error) { return f(value) }

// Step is an atomic unit of work. A Step is immutable once constructed and
// may be shared by several workflows.
type Step struct {
	ID          string
	Description string
	// Component is empty for plain steps and ComponentWorkflow for nested
	// workflows.
	Component string
	// WorkflowID is the id of the nested workflow; it survives CloneStep.
	WorkflowID string

	InputSchema   Validator
	OutputSchema  Validator
	ResumeSchema  Validator
	SuspendSchema Validator

	// Retries overrides RetryConfig.Attempts for this step when > 0.
	Retries int
	Scorers map[string]Scorer

	Execute ExecuteFunc

	// SerializedStepFlow is set for nested workflows so the parent's
	// serialized graph can render the child.
	SerializedStepFlow []SerializedStepFlowEntry
}

// ScoreInput is what a Scorer sees after a successful step.
type ScoreInput struct {
	RunID  string
	StepID string
	Input  any
	Output any
}

// Scorer grades a step output.
type Scorer interface {
	Score(ctx context.Context, in ScoreInput) (float64, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, in ScoreInput) (float64, error)

func (f ScorerFunc) Score(ctx context.Context, in ScoreInput) (float64, error) { return f(ctx, in) }

// StepContextHooks give a StepContext access to run state owned by the engine.
type StepContextHooks struct {
	StepResult func(stepID string) any
	InitData   func() any
	Abort      func()
}

// StepContext is passed to every step body, condition and dynamic duration.
type StepContext struct {
	RunID      string
	WorkflowID string

	InputData  any
	ResumeData any

	RuntimeContext *RuntimeContext
	Emitter        Emitter

	// RunCount is the number of times this node already ran in the current
	// run (loop iterations). It is 0 on first execution.
	RunCount int
	// IterationCount is the 1-based loop iteration a loop condition is
	// evaluated after.
	IterationCount int

	// ResumeSteps holds the resume target below this step. It is non-nil
	// only when this step is the one being resumed.
	ResumeSteps []string

	hooks StepContextHooks
}

// NewStepContext binds engine hooks to a StepContext value.
func NewStepContext(base StepContext, hooks StepContextHooks) *StepContext {
	sc := base
	sc.hooks = hooks
	return &sc
}

// Resuming reports whether this invocation is the target of a resume.
func (sc *StepContext) Resuming() bool {
	return sc.ResumeSteps != nil
}

// GetStepResult returns the output of a previously successful step, or nil.
func (sc *StepContext) GetStepResult(stepID string) any {
	if sc.hooks.StepResult == nil {
		return nil
	}
	return sc.hooks.StepResult(stepID)
}

// GetInitData returns the input the run was started with.
func (sc *StepContext) GetInitData() any {
	if sc.hooks.InitData == nil {
		return nil
	}
	return sc.hooks.InitData()
}

// Suspend returns the error a step body must return to suspend the run.
func (sc *StepContext) Suspend(payload any) error {
	return &SuspendError{Payload: payload}
}

// Bail returns the error a step body must return to finish the run
// successfully with result, skipping the remaining nodes.
func (sc *StepContext) Bail(result any) error {
	return &BailError{Result: result}
}

// Abort cancels the whole run cooperatively.
func (sc *StepContext) Abort() {
	if sc.hooks.Abort != nil {
		sc.hooks.Abort()
	}
}

// RetryConfig controls how failing steps are retried.
type RetryConfig struct {
	// Attempts is the number of retries after the first failure.
	Attempts int
	// Delay before the first retry. Zero retries immediately.
	Delay time.Duration
	// MaxDelay caps the per-retry delay when > 0.
	MaxDelay time.Duration
	// Multiplier grows the delay between retries. Values <= 0 mean 2.0.
	Multiplier float64
}
