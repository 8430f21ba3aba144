package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// fakeObserver records all calls from the engine so we can assert on them.
type fakeObserver struct {
	mu sync.Mutex

	workflowStarts    []api.RunInfo
	workflowCompletes []api.RunInfo
	workflowFails     []error
	workflowSuspends  [][][]string

	stepStarts    []stepEvent
	stepCompletes []stepEvent
}

type stepEvent struct {
	StepID   string
	Path     []int
	Status   api.StepStatus
	Err      error
	Duration time.Duration
}

func (o *fakeObserver) OnWorkflowStart(ctx context.Context, run api.RunInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.workflowStarts = append(o.workflowStarts, run)
}

func (o *fakeObserver) OnWorkflowCompleted(ctx context.Context, run api.RunInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.workflowCompletes = append(o.workflowCompletes, run)
}

func (o *fakeObserver) OnWorkflowFailed(ctx context.Context, run api.RunInfo, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.workflowFails = append(o.workflowFails, err)
}

func (o *fakeObserver) OnWorkflowSuspended(ctx context.Context, run api.RunInfo, paths [][]string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.workflowSuspends = append(o.workflowSuspends, paths)
}

func (o *fakeObserver) OnStepStart(ctx context.Context, run api.RunInfo, stepID string, path []int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stepStarts = append(o.stepStarts, stepEvent{StepID: stepID, Path: path})
}

func (o *fakeObserver) OnStepCompleted(ctx context.Context, run api.RunInfo, stepID string, path []int, status api.StepStatus, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stepCompletes = append(o.stepCompletes, stepEvent{StepID: stepID, Path: path, Status: status, Err: err, Duration: d})
}

func TestObserver_SuccessfulRun(t *testing.T) {
	obs := &fakeObserver{}
	p := params("observed",
		api.StepEntry{Step: constStep("one", 1)},
		api.StepEntry{Step: newStep("two", func(ctx context.Context, sc *api.StepContext) (any, error) {
			time.Sleep(5 * time.Millisecond)
			return 2, nil
		})},
	)

	mustExecute(t, New(WithObserver(obs)), p)

	if len(obs.workflowStarts) != 1 || obs.workflowStarts[0].WorkflowID != "observed" || obs.workflowStarts[0].RunID != "run-1" {
		t.Fatalf("unexpected workflow starts: %+v", obs.workflowStarts)
	}
	if len(obs.workflowCompletes) != 1 || len(obs.workflowFails) != 0 {
		t.Fatalf("expected one completion, got completes=%d fails=%d", len(obs.workflowCompletes), len(obs.workflowFails))
	}
	if len(obs.stepStarts) != 2 || len(obs.stepCompletes) != 2 {
		t.Fatalf("expected 2 step starts and completions, got %d/%d", len(obs.stepStarts), len(obs.stepCompletes))
	}
	second := obs.stepCompletes[1]
	if second.StepID != "two" || second.Path[0] != 1 || second.Status != api.StepSuccess {
		t.Fatalf("unexpected second completion: %+v", second)
	}
	if second.Duration < 5*time.Millisecond {
		t.Fatalf("expected measured duration, got %v", second.Duration)
	}
}

func TestObserver_FailedRun(t *testing.T) {
	obs := &fakeObserver{}
	boom := errors.New("boom")
	p := params("observed", api.StepEntry{Step: newStep("bad", func(ctx context.Context, sc *api.StepContext) (any, error) {
		return nil, boom
	})})

	mustExecute(t, New(WithObserver(obs)), p)

	if len(obs.workflowFails) != 1 || !errors.Is(obs.workflowFails[0], boom) {
		t.Fatalf("expected failure with boom, got %v", obs.workflowFails)
	}
	if len(obs.stepCompletes) != 1 || obs.stepCompletes[0].Status != api.StepFailed || !errors.Is(obs.stepCompletes[0].Err, boom) {
		t.Fatalf("unexpected step completion: %+v", obs.stepCompletes)
	}
}

func TestObserver_SuspendedRun(t *testing.T) {
	obs := &fakeObserver{}
	p := params("observed", api.StepEntry{Step: newStep("wait", func(ctx context.Context, sc *api.StepContext) (any, error) {
		return nil, sc.Suspend(nil)
	})})

	mustExecute(t, New(WithObserver(obs)), p)

	if len(obs.workflowSuspends) != 1 {
		t.Fatalf("expected one suspension, got %d", len(obs.workflowSuspends))
	}
	if paths := obs.workflowSuspends[0]; len(paths) != 1 || paths[0][0] != "wait" {
		t.Fatalf("unexpected suspended paths: %v", paths)
	}
	if len(obs.workflowCompletes) != 0 {
		t.Fatalf("suspended run must not complete")
	}
}

func TestObserver_BasicMetricsIntegration(t *testing.T) {
	metrics := &api.BasicMetrics{}
	eng := New(WithObserver(metrics))

	mustExecute(t, eng, params("m", api.StepEntry{Step: constStep("a", 1)}))
	mustExecute(t, eng, params("m", api.StepEntry{Step: newStep("b", func(ctx context.Context, sc *api.StepContext) (any, error) {
		return nil, errors.New("nope")
	})}))

	snap := metrics.Snapshot()
	if snap.WorkflowsStarted != 2 || snap.WorkflowsCompleted != 1 || snap.WorkflowsFailed != 1 {
		t.Fatalf("unexpected metrics: %+v", snap)
	}
	if snap.StepsCompleted != 1 {
		t.Fatalf("expected 1 successful step, got %d", snap.StepsCompleted)
	}
}
