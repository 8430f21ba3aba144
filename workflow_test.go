package stepflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func constStep(id string, out any) *Step {
	return NewStep(id, func(ctx context.Context, sc *StepContext) (any, error) {
		return out, nil
	})
}

// approvalStep suspends on first execution and returns its resume data when
// resumed.
func approvalStep(id string) *Step {
	return NewStep(id, func(ctx context.Context, sc *StepContext) (any, error) {
		if !sc.Resuming() {
			return nil, sc.Suspend(map[string]any{"step": id})
		}
		return sc.ResumeData, nil
	})
}

func startRun(t *testing.T, wf *Workflow, input any) (*Run, *WorkflowResult) {
	t.Helper()
	run, err := wf.CreateRunAsync(context.Background())
	if err != nil {
		t.Fatalf("CreateRunAsync failed: %v", err)
	}
	res, err := run.Start(context.Background(), StartParams{InputData: input})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return run, res
}

func TestWorkflow_CreateRunRequiresCommit(t *testing.T) {
	wf := NewWorkflow("uncommitted").Then(constStep("a", 1))
	if _, err := wf.CreateRun(); !errors.Is(err, ErrUncommitted) {
		t.Fatalf("expected ErrUncommitted, got %v", err)
	}

	empty := NewWorkflow("empty").Commit()
	if _, err := empty.CreateRun(); !errors.Is(err, ErrNoFlow) {
		t.Fatalf("expected ErrNoFlow, got %v", err)
	}

	// Adding a node after commit makes the workflow uncommitted again.
	more := wf.Commit().Then(constStep("b", 2))
	if _, err := more.CreateRun(); !errors.Is(err, ErrUncommitted) {
		t.Fatalf("expected ErrUncommitted after extending, got %v", err)
	}
}

func TestWorkflow_CommitIsIdempotent(t *testing.T) {
	wf := NewWorkflow("idem").Then(constStep("a", 1)).Then(constStep("b", 2))
	once := wf.Commit()
	twice := once.Commit()

	g1, g2 := once.ExecutionGraph(), twice.ExecutionGraph()
	if g1.ID != "idem" || len(g1.Steps) != 2 || len(g2.Steps) != 2 {
		t.Fatalf("unexpected graphs: %+v %+v", g1, g2)
	}
	for i := range g1.Steps {
		if g1.Steps[i].EntryType() != g2.Steps[i].EntryType() {
			t.Fatalf("node %d differs after second commit", i)
		}
	}
}

func TestWorkflow_BuilderDoesNotMutateReceiver(t *testing.T) {
	base := NewWorkflow("base").Then(constStep("a", 1))
	left := base.Then(constStep("left", "L"))
	right := base.Then(constStep("right", "R"))

	if n := len(base.SerializedStepGraph()); n != 1 {
		t.Fatalf("expected base to keep 1 node, got %d", n)
	}
	if _, ok := left.Steps()["right"]; ok {
		t.Fatalf("sibling builder leaked a step into left")
	}
	if _, ok := right.Steps()["left"]; ok {
		t.Fatalf("sibling builder leaked a step into right")
	}
}

func TestWorkflow_SerializedGraphMirrorsExecutionGraph(t *testing.T) {
	always := Cond("always", func(ctx context.Context, sc *StepContext) (bool, error) { return true, nil })
	wf := NewWorkflow("mirror").
		Then(constStep("a", 1)).
		Sleep(time.Millisecond).
		Parallel(constStep("p1", 1), constStep("p2", 2)).
		Branch(When(always, constStep("b1", 1))).
		DoUntil(constStep("loop", 1), always).
		Foreach(constStep("each", 1), 2).
		WaitForEvent("ev", constStep("w", 1), 0).
		Map(Mapping{"x": Value{V: 1}}).
		Commit()

	live := wf.ExecutionGraph().Steps
	ser := wf.SerializedStepGraph()
	if len(live) != len(ser) {
		t.Fatalf("graph lengths differ: %d vs %d", len(live), len(ser))
	}
	for i := range live {
		if live[i].EntryType() != ser[i].Type {
			t.Fatalf("node %d: live %q, serialized %q", i, live[i].EntryType(), ser[i].Type)
		}
	}
	if len(ser[2].Steps) != 2 || ser[2].Steps[1].Step.ID != "p2" {
		t.Fatalf("unexpected parallel serialization: %+v", ser[2])
	}
	if ser[5].Opts == nil || ser[5].Opts.Concurrency != 2 {
		t.Fatalf("expected foreach concurrency in serialized graph")
	}
	if ser[6].Event != "ev" {
		t.Fatalf("expected event name in serialized graph, got %q", ser[6].Event)
	}
	if ser[7].Step == nil || ser[7].Step.MapConfig == "" {
		t.Fatalf("expected map config on mapping step")
	}
}

func TestWorkflow_UnknownNamedConditionFailsDefinition(t *testing.T) {
	wf := NewWorkflow("named").Branch(When(Cond("missing", nil), constStep("a", 1))).Commit()
	if wf.Err() == nil {
		t.Fatalf("expected definition error for unknown condition")
	}
	if _, err := wf.CreateRun(); err == nil {
		t.Fatalf("expected CreateRun to report the definition error")
	}

	funcs := NewFuncs().RegisterCondition("present", func(ctx context.Context, sc *StepContext) (bool, error) {
		return true, nil
	})
	ok := NewWorkflow("named", WithFuncs(funcs)).Branch(When(Cond("present", nil), constStep("a", 1))).Commit()
	if ok.Err() != nil {
		t.Fatalf("unexpected error: %v", ok.Err())
	}
}

func TestWorkflow_BranchRunsMatchingCasesOnly(t *testing.T) {
	gt := func(name string, limit int) Condition {
		return Cond(name, func(ctx context.Context, sc *StepContext) (bool, error) {
			in := sc.InputData.(map[string]any)
			return in["n"].(int) > limit, nil
		})
	}
	wf := NewWorkflow("branching").
		Then(constStep("A", map[string]any{"n": 5})).
		Branch(
			When(gt("gt3", 3), constStep("B", "big")),
			When(gt("gt10", 10), constStep("C", "huge")),
		).
		Commit()

	_, res := startRun(t, wf, nil)
	if res.Status != StatusSuccess {
		t.Fatalf("expected success, got %q (err=%v)", res.Status, res.Error)
	}
	if res.Steps["B"].Status != StepSuccess {
		t.Fatalf("expected B success, got %q", res.Steps["B"].Status)
	}
	if res.Steps["C"].Status != StepSkipped {
		t.Fatalf("expected C skipped, got %q", res.Steps["C"].Status)
	}
	out := res.Result.(map[string]any)
	if len(out) != 1 || out["B"] != "big" {
		t.Fatalf("unexpected result: %v", out)
	}
}

func TestWorkflow_LoopsTerminate(t *testing.T) {
	inc := NewStep("inc", func(ctx context.Context, sc *StepContext) (any, error) {
		n, _ := sc.InputData.(int)
		return n + 1, nil
	})
	below := func(limit int) Condition {
		return Cond("below", func(ctx context.Context, sc *StepContext) (bool, error) {
			return sc.InputData.(int) < limit, nil
		})
	}
	reached := func(limit int) Condition {
		return Cond("reached", func(ctx context.Context, sc *StepContext) (bool, error) {
			return sc.InputData.(int) >= limit, nil
		})
	}

	_, res := startRun(t, NewWorkflow("while").DoWhile(inc, below(5)).Commit(), 0)
	if res.Status != StatusSuccess || res.Result != 5 {
		t.Fatalf("dowhile: expected 5, got %v (%q)", res.Result, res.Status)
	}

	_, res = startRun(t, NewWorkflow("until").DoUntil(inc, reached(3)).Commit(), 0)
	if res.Status != StatusSuccess || res.Result != 3 {
		t.Fatalf("dountil: expected 3, got %v (%q)", res.Result, res.Status)
	}

	// The body runs once even when the condition is false from the start.
	_, res = startRun(t, NewWorkflow("once").DoWhile(inc, below(0)).Commit(), 10)
	if res.Result != 11 {
		t.Fatalf("expected a single iteration, got %v", res.Result)
	}
}

func TestWorkflow_ForeachBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	square := NewStep("square", func(ctx context.Context, sc *StepContext) (any, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		v := sc.InputData.(int)
		return v * v, nil
	})

	wf := NewWorkflow("each").Foreach(square, 2).Commit()
	_, res := startRun(t, wf, []any{1, 2, 3, 4, 5})
	if res.Status != StatusSuccess {
		t.Fatalf("expected success, got %q (err=%v)", res.Status, res.Error)
	}
	out := res.Result.([]any)
	want := []int{1, 4, 9, 16, 25}
	for i, v := range out {
		if v != want[i] {
			t.Fatalf("result[%d] = %v, want %d", i, v, want[i])
		}
	}
	if peak.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent iterations, saw %d", peak.Load())
	}
}

func TestWorkflow_SleepPassesInputThrough(t *testing.T) {
	wf := NewWorkflow("sleepy").Then(constStep("a", "x")).Sleep(5 * time.Millisecond).Then(
		NewStep("b", func(ctx context.Context, sc *StepContext) (any, error) { return sc.InputData, nil }),
	).Commit()

	start := time.Now()
	_, res := startRun(t, wf, nil)
	if res.Result != "x" {
		t.Fatalf("expected sleep to pass input through, got %v", res.Result)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Fatalf("expected the run to sleep")
	}
}

func TestWorkflow_InputSchemaRejectsStart(t *testing.T) {
	schema := ValidatorFunc(func(v any) (any, error) {
		if _, ok := v.(string); !ok {
			return nil, errors.New("want string")
		}
		return v, nil
	})
	wf := NewWorkflow("schema", WithInputSchema(schema)).Then(constStep("a", 1)).Commit()
	run, err := wf.CreateRun()
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if _, err := run.Start(context.Background(), StartParams{InputData: 42}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestWorkflow_CancelFailsRun(t *testing.T) {
	started := make(chan struct{})
	block := NewStep("block", func(ctx context.Context, sc *StepContext) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	wf := NewWorkflow("cancel").Then(block).Commit()
	run, err := wf.CreateRun()
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	go func() {
		<-started
		run.Cancel()
	}()
	res, err := run.Start(context.Background(), StartParams{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("expected failed after cancel, got %q", res.Status)
	}
	if !run.Cancelled() {
		t.Fatalf("expected run to stay cancelled")
	}
}

func TestCloneWorkflow(t *testing.T) {
	wf := NewWorkflow("orig").Then(constStep("a", 1)).Commit()
	c := CloneWorkflow(wf, "copy")
	if c.ID() != "copy" {
		t.Fatalf("expected id copy, got %q", c.ID())
	}
	_, res := startRun(t, c, nil)
	if res.Status != StatusSuccess || res.Result != 1 {
		t.Fatalf("expected clone to run, got %q %v", res.Status, res.Result)
	}
}
