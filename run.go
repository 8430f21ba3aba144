package stepflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/internal/eventbus"
	"github.com/petrijr/stepflow/pkg/api"
)

// inputOverrideKey carries the input of a nested workflow across a repeated
// internal resume.
const inputOverrideKey = "__stepflow_workflow_input"

// Run is one execution of a workflow under a run id. A Run lives in its
// workflow's RunRegistry from creation until it finishes without
// suspending.
type Run struct {
	wf         *Workflow
	workflowID string
	runID      string
	resourceID string

	bus *eventbus.Bus

	logMu sync.Mutex
	log   []EventRecord

	stateMu sync.Mutex
	state   map[string]any

	abortMu     sync.Mutex
	abortCtx    context.Context
	abortFn     context.CancelFunc
	parentAbort func()

	executing atomic.Bool

	streamMu    sync.Mutex
	closeStream func()
}

func newRun(w *Workflow, runID, resourceID string) *Run {
	r := &Run{
		wf:         w,
		workflowID: w.id,
		runID:      runID,
		resourceID: resourceID,
		state:      make(map[string]any),
	}
	r.bus = eventbus.New(w.id, runID, eventbus.WithRecorder(r.record))
	// The reducers are the first listeners so watchers always see the state
	// including the event they are called for.
	r.bus.On(api.EventWatch, r.reduce)
	r.bus.On(api.EventNestedWatch, r.reduceNested)
	return r
}

func (r *Run) RunID() string      { return r.runID }
func (r *Run) WorkflowID() string { return r.workflowID }
func (r *Run) ResourceID() string { return r.resourceID }

// StartParams are the arguments of Start and Stream.
type StartParams struct {
	InputData any
	// RuntimeContext defaults to an empty context.
	RuntimeContext *RuntimeContext
}

// ResumeParams are the arguments of Resume.
type ResumeParams struct {
	// Step is the resume target: a step id followed by the ids of nested
	// workflow steps. When empty the single suspended path is used.
	Step       []string
	ResumeData any
	// RuntimeContext values not set here are restored from the snapshot.
	RuntimeContext *RuntimeContext
	// RunCount > 0 marks a repeated internal resume of a nested workflow;
	// it skips the suspension checks.
	RunCount int
}

// StepPath returns the ids of steps, for use as ResumeParams.Step.
func StepPath(steps ...*Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.ID
	}
	return out
}

// Start executes the run from the first node. Step failures are reported in
// the result; the error is reserved for orchestration failures.
func (r *Run) Start(ctx context.Context, p StartParams) (*WorkflowResult, error) {
	input := p.InputData
	if r.wf.inputSchema != nil {
		v, err := r.wf.inputSchema.Validate(input)
		if err != nil {
			return nil, fmt.Errorf("invalid workflow input: %w", err)
		}
		input = v
	}
	rc := p.RuntimeContext
	if rc == nil {
		rc = NewRuntimeContext()
	}
	return r.execute(ctx, ExecuteParams{Input: input, RuntimeContext: rc})
}

// Resume continues a suspended run from its persisted snapshot.
func (r *Run) Resume(ctx context.Context, p ResumeParams) (*WorkflowResult, error) {
	snap, err := r.loadSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	steps := p.Step
	if len(steps) == 0 {
		paths := snap.SuspendedStepPaths()
		switch len(paths) {
		case 0:
			return nil, ErrNoSuspendedSteps
		case 1:
			steps = paths[0]
		default:
			return nil, &AmbiguousResumeError{Paths: paths}
		}
	}

	if p.RunCount == 0 {
		if snap.Status != StatusSuspended {
			return nil, ErrNotSuspended
		}
		if _, ok := snap.SuspendedPaths[steps[0]]; !ok {
			return nil, &StepNotSuspendedError{
				Step:      steps[0],
				Available: slices.Sorted(maps.Keys(snap.SuspendedPaths)),
			}
		}
	}

	rc := p.RuntimeContext
	if rc == nil {
		rc = NewRuntimeContext()
	}
	stepResults := snap.Context.Clone()
	if p.RunCount > 0 && p.RuntimeContext != nil {
		if v, ok := rc.Lookup(inputOverrideKey); ok {
			stepResults.Input = v
			rc.Delete(inputOverrideKey)
		}
	}
	for k, v := range snap.RuntimeContext {
		if !rc.Has(k) {
			rc.Set(k, v)
		}
	}

	return r.execute(ctx, ExecuteParams{
		ResourceID: snap.ResourceID,
		Input:      snap.Context.Input,
		Resume: &ResumeDescriptor{
			Steps:         slices.Clone(steps),
			StepResults:   stepResults,
			ResumePayload: p.ResumeData,
			ResumePath:    slices.Clone(snap.SuspendedPaths[steps[0]]),
		},
		RuntimeContext: rc,
	})
}

func (r *Run) loadSnapshot(ctx context.Context) (*WorkflowRunState, error) {
	if r.wf.storage == nil {
		return nil, ErrNoSnapshot
	}
	snap, err := r.wf.storage.LoadWorkflowSnapshot(ctx, r.workflowID, r.runID)
	if errors.Is(err, ErrRunNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if snap == nil {
		return nil, ErrNoSnapshot
	}
	return snap, nil
}

// execute runs the engine with the run's services filled into p.
func (r *Run) execute(ctx context.Context, p ExecuteParams) (*WorkflowResult, error) {
	if !r.executing.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer r.executing.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.abortContext(), cancel)
	defer stop()

	release, err := r.acquireLease(ctx, cancel)
	if err != nil {
		return nil, err
	}
	defer release()

	p.WorkflowID = r.workflowID
	p.RunID = r.runID
	if p.ResourceID == "" {
		p.ResourceID = r.resourceID
	}
	p.Graph = r.wf.ExecutionGraph()
	p.SerializedStepGraph = r.wf.SerializedStepGraph()
	p.Emitter = r.bus
	p.RetryConfig = r.wf.retry
	p.Storage = r.wf.storage
	p.Abort = r.Cancel
	p.DisableScorers = r.wf.disableScorers

	if p.Resume == nil {
		r.emitLifecycle(api.ChunkWorkflowStart)
	}
	res, err := r.wf.engine.Execute(withStorage(ctx, r.wf.storage), p)
	if err != nil {
		r.emitLifecycle(api.ChunkWorkflowFinish)
		return nil, err
	}
	if res.Status != StatusSuspended {
		r.emitLifecycle(api.ChunkWorkflowFinish)
		r.closeStreamAction()
		r.wf.runs.Delete(r.workflowID, r.runID)
	}
	return res, nil
}

// acquireLease fences the run when the storage supports leases. The lease
// is renewed in the background; losing it cancels the execution.
func (r *Run) acquireLease(ctx context.Context, lost context.CancelFunc) (func(), error) {
	ls, ok := r.wf.storage.(LeaseStore)
	if !ok {
		return func() {}, nil
	}
	ttl := r.wf.leaseTTL
	owner := uuid.NewString()

	acquired, err := ls.TryAcquireLease(ctx, r.workflowID, r.runID, owner, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		return nil, ErrRunLocked
	}

	bg := context.WithoutCancel(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := ls.RenewLease(bg, r.workflowID, r.runID, owner, ttl); err != nil {
					r.wf.logger.WarnContext(bg, "lease_lost",
						slog.String("workflow", r.workflowID),
						slog.String("run_id", r.runID),
						slog.Any("error", err),
					)
					lost()
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
		if err := ls.ReleaseLease(bg, r.workflowID, r.runID, owner); err != nil {
			r.wf.logger.WarnContext(bg, "lease_release_failed",
				slog.String("workflow", r.workflowID),
				slog.String("run_id", r.runID),
				slog.Any("error", err),
			)
		}
	}, nil
}

// abortContext returns the run's abort context, creating it on first use.
func (r *Run) abortContext() context.Context {
	r.abortMu.Lock()
	defer r.abortMu.Unlock()
	if r.abortCtx == nil {
		r.abortCtx, r.abortFn = context.WithCancel(context.Background())
	}
	return r.abortCtx
}

func (r *Run) abort() {
	r.abortContext()
	r.abortMu.Lock()
	fn := r.abortFn
	r.abortMu.Unlock()
	fn()
}

// Cancel aborts the run. Steps observe the abort through their context and
// the engine records the run as failed. A cancelled Run stays cancelled; a
// nested run also aborts the run that contains it.
func (r *Run) Cancel() {
	r.abort()
	r.abortMu.Lock()
	parent := r.parentAbort
	r.abortMu.Unlock()
	if parent != nil {
		parent()
	}
}

// Cancelled reports whether Cancel was called.
func (r *Run) Cancelled() bool {
	return r.abortContext().Err() != nil
}

func (r *Run) setParentAbort(fn func()) {
	r.abortMu.Lock()
	defer r.abortMu.Unlock()
	r.parentAbort = fn
}

// SendEvent delivers data to a WaitForEvent node of this run blocked on
// event. Events sent while no node waits are dropped.
func (r *Run) SendEvent(event string, data any) {
	r.bus.Emit(api.UserEventPrefix+event, data)
}

// Events returns the ordered log of every event emitted on this run.
func (r *Run) Events() []EventRecord {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	return slices.Clone(r.log)
}

func (r *Run) record(rec api.EventRecord) {
	r.logMu.Lock()
	r.log = append(r.log, rec)
	r.logMu.Unlock()

	if r.wf.events == nil {
		return
	}
	if rec.Type != api.EventWatchV2 && rec.Type != api.EventNestedWatchV2 {
		return
	}
	if err := r.wf.events.AppendEvent(context.Background(), rec); err != nil {
		r.wf.logger.Warn("event_record_failed",
			slog.String("workflow", r.workflowID),
			slog.String("run_id", r.runID),
			slog.String("event", rec.Type),
			slog.Any("error", err),
		)
	}
}

// emitLifecycle emits the workflow-start or workflow-finish chunk of an
// execution. A suspended execution emits no finish; the resume that ends
// the run does.
func (r *Run) emitLifecycle(typ string) {
	r.bus.Emit(api.EventWatchV2, WatchEvent{
		Type:    typ,
		From:    api.ChunkFromWorkflow,
		RunID:   r.runID,
		Payload: map[string]any{"runId": r.runID},
	})
}

func (r *Run) setCloseStream(fn func()) {
	var once sync.Once
	r.streamMu.Lock()
	r.closeStream = func() { once.Do(fn) }
	r.streamMu.Unlock()
}

// closeStreamAction closes the stream attached to the run, if any.
func (r *Run) closeStreamAction() {
	r.streamMu.Lock()
	fn := r.closeStream
	r.closeStream = nil
	r.streamMu.Unlock()
	if fn != nil {
		fn()
	}
}

type storageKey struct{}

// withStorage lets nested workflows without their own storage persist into
// the storage of the run that contains them.
func withStorage(ctx context.Context, s Storage) context.Context {
	if s == nil {
		return ctx
	}
	return context.WithValue(ctx, storageKey{}, s)
}

func storageFrom(ctx context.Context) Storage {
	s, _ := ctx.Value(storageKey{}).(Storage)
	return s
}
