package stepflow

import (
	"context"
	"errors"

	"github.com/petrijr/stepflow/pkg/api"
)

// GetWorkflowRuns lists the stored runs of the workflow. Without storage
// the list is empty.
func (w *Workflow) GetWorkflowRuns(ctx context.Context, filter RunsFilter) (*WorkflowRuns, error) {
	if w.storage == nil {
		w.logger.DebugContext(ctx, "cannot list workflow runs without storage")
		return &WorkflowRuns{}, nil
	}
	filter.WorkflowName = w.id
	return w.storage.GetWorkflowRuns(ctx, filter)
}

// GetWorkflowRunByID returns the stored run, or the live run of this
// process when storage has none. It returns ErrRunNotFound when neither
// exists.
func (w *Workflow) GetWorkflowRunByID(ctx context.Context, runID string) (*WorkflowRun, error) {
	if w.storage != nil {
		run, err := w.storage.GetWorkflowRunByID(ctx, w.id, runID)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, ErrRunNotFound) {
			return nil, err
		}
	}
	if live, ok := w.runs.Get(w.id, runID); ok {
		return &WorkflowRun{WorkflowName: w.id, RunID: live.runID, ResourceID: live.resourceID}, nil
	}
	return nil, ErrRunNotFound
}

// ExecutionResult is the stored outcome of a run.
type ExecutionResult struct {
	Status  WorkflowStatus
	Result  any
	Error   string
	Payload any
	Steps   map[string]*StepResult
}

// GetWorkflowRunExecutionResult returns the outcome recorded in the run's
// snapshot. With withNested, the steps of nested workflows are included
// under "<stepID>.<nestedStepID>".
func (w *Workflow) GetWorkflowRunExecutionResult(ctx context.Context, runID string, withNested bool) (*ExecutionResult, error) {
	if w.storage == nil {
		return nil, ErrNoSnapshot
	}
	run, err := w.storage.GetWorkflowRunByID(ctx, w.id, runID)
	if err != nil {
		return nil, err
	}
	snap := run.Snapshot
	if snap == nil {
		return nil, ErrNoSnapshot
	}

	steps := snap.Context.Clone().Steps
	if withNested {
		steps, err = w.runSteps(ctx, w.id, runID)
		if err != nil {
			return nil, err
		}
	}
	return &ExecutionResult{
		Status:  snap.Status,
		Result:  snap.Result,
		Error:   snap.Error,
		Payload: snap.Context.Input,
		Steps:   steps,
	}, nil
}

// runSteps loads the step results of the run of workflowID, expanding
// nested workflow steps recursively.
func (w *Workflow) runSteps(ctx context.Context, workflowID, runID string) (map[string]*StepResult, error) {
	run, err := w.storage.GetWorkflowRunByID(ctx, workflowID, runID)
	if errors.Is(err, ErrRunNotFound) {
		return map[string]*StepResult{}, nil
	}
	if err != nil {
		return nil, err
	}
	if run.Snapshot == nil {
		return map[string]*StepResult{}, nil
	}

	snap := run.Snapshot
	out := snap.Context.Clone().Steps
	for id := range snap.Context.Steps {
		s := findSerializedStep(snap.SerializedStepGraph, id)
		if s == nil || s.Component != api.ComponentWorkflow {
			continue
		}
		childID := s.WorkflowID
		if childID == "" {
			childID = id
		}
		nested, err := w.runSteps(ctx, childID, runID)
		if err != nil {
			return nil, err
		}
		for k, v := range nested {
			out[id+"."+k] = v
		}
	}
	return out, nil
}

func findSerializedStep(graph []SerializedStepFlowEntry, id string) *SerializedStep {
	for _, e := range graph {
		if e.Step != nil && e.Step.ID == id {
			return e.Step
		}
		if s := findSerializedStep(e.Steps, id); s != nil {
			return s
		}
	}
	return nil
}
