package engine

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/petrijr/stepflow/pkg/api"
)

// errSuspended signals that a node stopped because a step suspended.
var errSuspended = errors.New("suspended")

// resumeTarget is the resume request handed to the node being resumed.
type resumeTarget struct {
	steps   []string
	payload any
}

// execution is the mutable state of one Execute call. Node goroutines share
// it; every field below mu is guarded by mu.
type execution struct {
	e       *Engine
	p       api.ExecuteParams
	run     api.RunInfo
	input   any
	emitter api.Emitter

	// persistMu orders snapshot writes so an older snapshot never
	// overwrites a newer one.
	persistMu sync.Mutex

	mu             sync.Mutex
	steps          map[string]*api.StepResult
	suspendedPaths map[string][]int
	waitingPaths   map[string][]int
	activePaths    []int
	status         api.WorkflowStatus
	output         any
	errMsg         string
}

func newExecution(e *Engine, p api.ExecuteParams) *execution {
	x := &execution{
		e:              e,
		p:              p,
		run:            api.RunInfo{WorkflowID: p.WorkflowID, RunID: p.RunID},
		input:          p.Input,
		emitter:        p.Emitter,
		steps:          make(map[string]*api.StepResult),
		suspendedPaths: make(map[string][]int),
		waitingPaths:   make(map[string][]int),
		status:         api.StatusRunning,
	}
	if x.emitter == nil {
		x.emitter = nopEmitter{}
	}
	if p.Resume != nil {
		prior := p.Resume.StepResults.Clone()
		x.steps = prior.Steps
		if prior.Input != nil {
			x.input = prior.Input
		}
	}
	return x
}

func (x *execution) nowMs() int64 {
	return x.e.now().UnixMilli()
}

func (x *execution) setActive(path []int) {
	x.mu.Lock()
	x.activePaths = slices.Clone(path)
	x.mu.Unlock()
}

// resultOf returns a copy of the recorded result of stepID, or nil.
func (x *execution) resultOf(stepID string) *api.StepResult {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.steps[stepID].Clone()
}

// stepOutput backs StepContext.GetStepResult.
func (x *execution) stepOutput(stepID string) any {
	x.mu.Lock()
	defer x.mu.Unlock()
	if r := x.steps[stepID]; r != nil && r.Status == api.StepSuccess {
		return r.Output
	}
	return nil
}

// record stores res under stepID, persists the snapshot and emits a watch
// event for it.
func (x *execution) record(stepID string, res *api.StepResult, path []int) {
	x.mu.Lock()
	x.steps[stepID] = res
	if res.Status == api.StepSuspended {
		x.suspendedPaths[stepID] = slices.Clone(path)
	} else {
		delete(x.suspendedPaths, stepID)
	}
	x.mu.Unlock()

	x.persist(context.Background())
	x.emitWatch(&watchStep{id: stepID, result: res})
}

// markRunning records that stepID started executing.
func (x *execution) markRunning(stepID string, res *api.StepResult) {
	x.mu.Lock()
	x.steps[stepID] = res
	x.mu.Unlock()

	x.persist(context.Background())
	x.emitWatch(&watchStep{id: stepID, result: res})
}

// markWaiting records that stepID blocks on event at path.
func (x *execution) markWaiting(stepID, event string, path []int, res *api.StepResult) {
	x.mu.Lock()
	x.steps[stepID] = res
	x.waitingPaths[event] = slices.Clone(path)
	x.mu.Unlock()

	x.persist(context.Background())
	x.emitWatch(&watchStep{id: stepID, result: res})
}

func (x *execution) clearWaiting(event string) {
	x.mu.Lock()
	delete(x.waitingPaths, event)
	x.mu.Unlock()
}

func (x *execution) finish(status api.WorkflowStatus, output any, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.status = status
	x.output = output
	x.activePaths = nil
	if status != api.StatusSuspended {
		// Only a suspended run keeps suspended or waiting paths.
		clear(x.suspendedPaths)
		clear(x.waitingPaths)
	}
	if err != nil {
		x.errMsg = err.Error()
	}
}

// snapshot renders the current state. Callers must hold mu.
func (x *execution) snapshotLocked() *api.WorkflowRunState {
	steps := make(map[string]*api.StepResult, len(x.steps))
	for k, v := range x.steps {
		steps[k] = v.Clone()
	}
	suspended := make(map[string][]int, len(x.suspendedPaths))
	for k, v := range x.suspendedPaths {
		suspended[k] = slices.Clone(v)
	}
	waiting := make(map[string][]int, len(x.waitingPaths))
	for k, v := range x.waitingPaths {
		waiting[k] = slices.Clone(v)
	}
	snap := &api.WorkflowRunState{
		RunID:               x.p.RunID,
		Status:              x.status,
		Value:               map[string]any{},
		Context:             api.RunContext{Input: x.input, Steps: steps},
		ActivePaths:         slices.Clone(x.activePaths),
		SuspendedPaths:      suspended,
		WaitingPaths:        waiting,
		SerializedStepGraph: x.p.SerializedStepGraph,
		Result:              x.output,
		Error:               x.errMsg,
		ResourceID:          x.p.ResourceID,
		Timestamp:           x.nowMs(),
	}
	if x.activePaths == nil {
		snap.ActivePaths = []int{}
	}
	if x.p.RuntimeContext != nil {
		snap.RuntimeContext = x.p.RuntimeContext.Values()
	}
	return snap
}

// persist writes the current snapshot to storage. Storage errors are logged,
// not returned: a failed write must not fail the step that caused it.
func (x *execution) persist(ctx context.Context) *api.WorkflowRunState {
	x.persistMu.Lock()
	defer x.persistMu.Unlock()

	x.mu.Lock()
	snap := x.snapshotLocked()
	x.mu.Unlock()

	if x.p.Storage == nil {
		return snap
	}
	ctx = context.WithoutCancel(ctx)
	if err := x.p.Storage.PersistWorkflowSnapshot(ctx, x.p.WorkflowID, x.p.RunID, snap); err != nil {
		x.e.logger.WarnContext(ctx, "persist snapshot failed",
			slog.String("workflow", x.p.WorkflowID),
			slog.String("run_id", x.p.RunID),
			slog.Any("error", err),
		)
	}
	return snap
}

// result builds the WorkflowResult for the current state.
func (x *execution) result(err error) *api.WorkflowResult {
	x.mu.Lock()
	defer x.mu.Unlock()
	steps := make(map[string]*api.StepResult, len(x.steps))
	for k, v := range x.steps {
		steps[k] = v.Clone()
	}
	return &api.WorkflowResult{
		Status: x.status,
		Result: x.output,
		Error:  err,
		Input:  x.input,
		Steps:  steps,
	}
}

// nodeOutput returns what a completed node handed to its successor.
func (x *execution) nodeOutput(entry api.StepFlowEntry) any {
	switch entry.(type) {
	case api.ParallelEntry, api.ConditionalEntry:
		x.mu.Lock()
		defer x.mu.Unlock()
		out := make(map[string]any)
		for _, id := range api.EntryStepIDs(entry) {
			if r := x.steps[id]; r != nil && r.Status == api.StepSuccess {
				out[id] = r.Output
			}
		}
		return out
	}
	ids := api.EntryStepIDs(entry)
	if len(ids) == 0 {
		return nil
	}
	return x.stepOutput(ids[0])
}

type watchStep struct {
	id     string
	result *api.StepResult
}

// emitWatch emits a "watch" event carrying the current step and the whole
// run state.
func (x *execution) emitWatch(current *watchStep) {
	x.mu.Lock()
	steps := make(map[string]any, len(x.steps))
	for k, v := range x.steps {
		steps[k] = v.Record()
	}
	state := map[string]any{
		"status": string(x.status),
		"steps":  steps,
		"result": x.output,
		"error":  nil,
	}
	if x.errMsg != "" {
		state["error"] = x.errMsg
	}
	if x.input != nil {
		state["payload"] = x.input
	}
	x.mu.Unlock()

	payload := map[string]any{"workflowState": state}
	if current != nil {
		cs := current.result.Record()
		cs["id"] = current.id
		payload["currentStep"] = cs
	}
	x.emitter.Emit(api.EventWatch, api.WatchEvent{
		Type:           api.EventWatch,
		RunID:          x.p.RunID,
		Payload:        payload,
		EventTimestamp: x.nowMs(),
	})
}

// emitChunk emits a watch-v2 chunk.
func (x *execution) emitChunk(typ string, payload map[string]any) {
	x.emitter.Emit(api.EventWatchV2, api.WatchEvent{
		Type:           typ,
		From:           api.ChunkFromWorkflow,
		RunID:          x.p.RunID,
		Payload:        maps.Clone(payload),
		EventTimestamp: x.nowMs(),
	})
}

// stepContext builds the context handed to step bodies and condition
// functions.
func (x *execution) stepContext(input any, inv invocation) *api.StepContext {
	return api.NewStepContext(api.StepContext{
		RunID:          x.p.RunID,
		WorkflowID:     x.p.WorkflowID,
		InputData:      input,
		ResumeData:     inv.resumeData,
		RuntimeContext: x.p.RuntimeContext,
		Emitter:        x.emitter,
		RunCount:       inv.runCount,
		IterationCount: inv.iterationCount,
		ResumeSteps:    inv.resumeSteps,
	}, api.StepContextHooks{
		StepResult: x.stepOutput,
		InitData:   func() any { return x.input },
		Abort:      x.p.Abort,
	})
}

type nopEmitter struct{}

func (nopEmitter) Emit(string, any)              {}
func (nopEmitter) On(string, func(any)) func()   { return func() {} }
func (nopEmitter) Once(string, func(any)) func() { return func() {} }
