package stepflow

import (
	"context"
	"fmt"

	"github.com/petrijr/stepflow/pkg/api"
)

// AsStep wraps the committed workflow into a step so it can be nested in
// another workflow. The nested run shares the run id of the run that
// contains it, and cancellation propagates both ways. Its events reach the
// outer run's watchers with step ids prefixed by the workflow id.
//
// A failing nested run fails the step with the nested error. A suspended
// nested run suspends the step; resuming the outer run at the step resumes
// the nested run.
func (w *Workflow) AsStep() *Step {
	return &Step{
		ID:                 w.id,
		Description:        w.description,
		Component:          api.ComponentWorkflow,
		WorkflowID:         w.id,
		InputSchema:        w.inputSchema,
		OutputSchema:       w.outputSchema,
		SerializedStepFlow: w.SerializedStepGraph(),
		Execute:            w.executeNested,
	}
}

func (w *Workflow) executeNested(ctx context.Context, sc *StepContext) (any, error) {
	child := w
	if w.storage == nil {
		if s := storageFrom(ctx); s != nil {
			c := *w
			c.storage = s
			child = &c
		}
	}

	run, err := child.CreateRunAsync(ctx, WithRunID(sc.RunID))
	if err != nil {
		return nil, err
	}

	run.setParentAbort(sc.Abort)
	defer run.setParentAbort(nil)
	defer context.AfterFunc(ctx, run.abort)()

	resuming := sc.Resuming()
	unwatchV2 := run.Watch(func(ev WatchEvent) {
		sc.Emitter.Emit(api.EventNestedWatchV2, NestedEvent{Event: ev, WorkflowID: w.id, RunID: run.runID, IsResume: resuming})
	}, WatchGranular)
	defer unwatchV2()
	unwatch := run.Watch(func(ev WatchEvent) {
		sc.Emitter.Emit(api.EventNestedWatch, NestedEvent{Event: ev, WorkflowID: w.id, RunID: run.runID, IsResume: resuming})
	}, WatchCumulative)
	defer unwatch()

	var res *WorkflowResult
	if resuming {
		if sc.RunCount > 0 && sc.RuntimeContext != nil {
			sc.RuntimeContext.Set(inputOverrideKey, sc.InputData)
		}
		res, err = run.Resume(ctx, ResumeParams{
			Step:           sc.ResumeSteps,
			ResumeData:     sc.ResumeData,
			RuntimeContext: sc.RuntimeContext,
			RunCount:       sc.RunCount,
		})
	} else {
		res, err = run.Start(ctx, StartParams{InputData: sc.InputData, RuntimeContext: sc.RuntimeContext})
	}
	if err != nil {
		return nil, err
	}

	switch res.Status {
	case StatusFailed:
		if res.Error == nil {
			return nil, fmt.Errorf("nested workflow %s failed", w.id)
		}
		return nil, res.Error
	case StatusSuspended:
		paths := res.Suspended
		if len(paths) == 0 {
			return nil, &SuspendError{Meta: &WorkflowMeta{RunID: run.runID}}
		}
		var payload any
		if sr := res.Steps[paths[0][0]]; sr != nil {
			payload = sr.SuspendPayload
		}
		return nil, &SuspendError{
			Payload: payload,
			Meta:    &WorkflowMeta{RunID: run.runID, Path: paths[0], Paths: paths},
		}
	}
	return res.Result, nil
}
