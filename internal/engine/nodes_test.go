package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/stepflow/internal/eventbus"
	"github.com/petrijr/stepflow/pkg/api"
)

func always(v bool) api.Condition {
	return api.Condition{Name: "always", Fn: func(ctx context.Context, sc *api.StepContext) (bool, error) {
		return v, nil
	}}
}

func TestSleep_PassesInputThrough(t *testing.T) {
	p := params("sleep",
		api.StepEntry{Step: constStep("a", "value")},
		api.SleepEntry{ID: "nap", Duration: 30 * time.Millisecond},
		api.StepEntry{Step: newStep("b", func(ctx context.Context, sc *api.StepContext) (any, error) {
			return sc.InputData, nil
		})},
	)

	start := time.Now()
	res := mustExecute(t, New(), p)
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("sleep returned too early")
	}
	if res.Result != "value" {
		t.Fatalf("expected sleep to pass input through, got %v", res.Result)
	}
	if res.Steps["nap"].Status != api.StepSuccess {
		t.Fatalf("expected sleep node recorded as success, got %+v", res.Steps["nap"])
	}
}

func TestSleep_DynamicDuration(t *testing.T) {
	var seen any
	p := params("sleep",
		api.StepEntry{Step: constStep("a", 10)},
		api.SleepEntry{ID: "nap", Fn: func(ctx context.Context, sc *api.StepContext) (time.Duration, error) {
			seen = sc.InputData
			return time.Duration(sc.InputData.(int)) * time.Millisecond, nil
		}},
	)
	res := mustExecute(t, New(), p)
	if seen != 10 || res.Result != 10 {
		t.Fatalf("unexpected dynamic sleep input %v result %v", seen, res.Result)
	}
}

func TestSleep_CancelledContextFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := New().Execute(ctx, params("sleep", api.SleepEntry{ID: "long", Duration: time.Minute}))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != api.StatusFailed || !errors.Is(res.Error, context.Canceled) {
		t.Fatalf("expected cancelled failure, got %q %v", res.Status, res.Error)
	}
}

func TestSleepUntil_PastDateDoesNotBlock(t *testing.T) {
	p := params("until", api.SleepUntilEntry{ID: "past", Date: time.Now().Add(-time.Hour)})
	p.Input = "x"

	start := time.Now()
	res := mustExecute(t, New(), p)
	if time.Since(start) > time.Second {
		t.Fatalf("sleepUntil with past date must not block")
	}
	if res.Result != "x" {
		t.Fatalf("expected input passed through, got %v", res.Result)
	}
}

func TestWaitForEvent_DeliversEventData(t *testing.T) {
	bus := eventbus.New("wait", "run-1")
	step := newStep("handle", func(ctx context.Context, sc *api.StepContext) (any, error) {
		return map[string]any{"input": sc.InputData, "event": sc.ResumeData}, nil
	})

	p := params("wait", api.WaitForEventEntry{Event: "approved", Step: step})
	p.Emitter = bus
	p.Input = "doc"

	bus.On(api.EventWatchV2, func(data any) {
		if ev, ok := data.(api.WatchEvent); ok && ev.Type == api.ChunkStepWaiting {
			go bus.Emit(api.UserEventPrefix+"approved", "yes")
		}
	})

	res := mustExecute(t, New(), p)
	if res.Status != api.StatusSuccess {
		t.Fatalf("expected success, got %q (err=%v)", res.Status, res.Error)
	}
	out := res.Result.(map[string]any)
	if out["input"] != "doc" || out["event"] != "yes" {
		t.Fatalf("unexpected result: %v", out)
	}
	if res.Steps["handle"].ResumePayload != "yes" {
		t.Fatalf("expected event data recorded as resume payload")
	}
}

func TestWaitForEvent_RecordsWaitingPath(t *testing.T) {
	bus := eventbus.New("wait", "run-1")
	var waitingStatus api.StepStatus
	var waitingPath []int

	p := params("wait",
		api.StepEntry{Step: constStep("a", 1)},
		api.WaitForEventEntry{Event: "go", Step: constStep("b", 2)},
	)
	p.Emitter = bus
	p.Storage = storageFunc(func(snap *api.WorkflowRunState) {
		if path, ok := snap.WaitingPaths["go"]; ok && waitingPath == nil {
			waitingPath = path
			waitingStatus = snap.Context.Steps["b"].Status
			go bus.Emit(api.UserEventPrefix+"go", nil)
		}
	})

	res := mustExecute(t, New(), p)
	if res.Status != api.StatusSuccess {
		t.Fatalf("expected success, got %q", res.Status)
	}
	if waitingStatus != api.StepWaiting || len(waitingPath) != 1 || waitingPath[0] != 1 {
		t.Fatalf("expected waiting step at [1], got %q %v", waitingStatus, waitingPath)
	}
}

func TestWaitForEvent_Timeout(t *testing.T) {
	p := params("wait", api.WaitForEventEntry{Event: "never", Step: constStep("b", 2), Timeout: 30 * time.Millisecond})
	p.Emitter = eventbus.New("wait", "run-1")

	res := mustExecute(t, New(), p)
	if res.Status != api.StatusFailed {
		t.Fatalf("expected failed, got %q", res.Status)
	}
	if !errors.Is(res.Error, api.ErrEventTimeout) {
		t.Fatalf("expected ErrEventTimeout, got %v", res.Error)
	}
}

func TestParallel_RunsAllAndCollectsOutputs(t *testing.T) {
	var inFlight, peak atomic.Int32
	slow := func(id string) *api.Step {
		return newStep(id, func(ctx context.Context, sc *api.StepContext) (any, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			inFlight.Add(-1)
			return id + ":" + sc.InputData.(string), nil
		})
	}

	p := params("par", api.ParallelEntry{Steps: []api.StepEntry{{Step: slow("a")}, {Step: slow("b")}, {Step: slow("c")}}})
	p.Input = "in"

	res := mustExecute(t, New(), p)
	out := res.Result.(map[string]any)
	if len(out) != 3 || out["a"] != "a:in" || out["c"] != "c:in" {
		t.Fatalf("unexpected parallel output: %v", out)
	}
	if peak.Load() < 2 {
		t.Fatalf("expected concurrent execution, peak in flight %d", peak.Load())
	}
}

func TestParallel_FailureDoesNotAbortSiblings(t *testing.T) {
	var siblingDone atomic.Bool
	p := params("par", api.ParallelEntry{Steps: []api.StepEntry{
		{Step: newStep("bad", func(ctx context.Context, sc *api.StepContext) (any, error) {
			return nil, errors.New("bad")
		})},
		{Step: newStep("good", func(ctx context.Context, sc *api.StepContext) (any, error) {
			time.Sleep(20 * time.Millisecond)
			if ctx.Err() == nil {
				siblingDone.Store(true)
			}
			return "ok", nil
		})},
	}})

	res := mustExecute(t, New(), p)
	if res.Status != api.StatusFailed {
		t.Fatalf("expected failed, got %q", res.Status)
	}
	if !siblingDone.Load() || res.Steps["good"].Status != api.StepSuccess {
		t.Fatalf("sibling must complete despite failure")
	}
}

func TestConditional_SkipsFalseBranches(t *testing.T) {
	var evaluated atomic.Int32
	counting := func(v bool) api.Condition {
		return api.Condition{Name: "c", Fn: func(ctx context.Context, sc *api.StepContext) (bool, error) {
			evaluated.Add(1)
			return v, nil
		}}
	}

	p := params("branch",
		api.StepEntry{Step: constStep("a", 5)},
		api.ConditionalEntry{
			Steps:      []api.StepEntry{{Step: constStep("b", "B")}, {Step: constStep("c", "C")}, {Step: constStep("d", "D")}},
			Conditions: []api.Condition{counting(true), counting(false), counting(true)},
		},
	)

	res := mustExecute(t, New(), p)
	if evaluated.Load() != 3 {
		t.Fatalf("expected every condition evaluated, got %d", evaluated.Load())
	}
	out := res.Result.(map[string]any)
	if len(out) != 2 || out["b"] != "B" || out["d"] != "D" {
		t.Fatalf("unexpected branch output: %v", out)
	}
	if res.Steps["c"].Status != api.StepSkipped {
		t.Fatalf("expected c skipped, got %q", res.Steps["c"].Status)
	}
}

func TestConditional_ConditionErrorFailsNode(t *testing.T) {
	p := params("branch", api.ConditionalEntry{
		Steps: []api.StepEntry{{Step: constStep("b", "B")}},
		Conditions: []api.Condition{{Name: "broken", Fn: func(ctx context.Context, sc *api.StepContext) (bool, error) {
			return false, errors.New("cannot decide")
		}}},
	})
	res := mustExecute(t, New(), p)
	if res.Status != api.StatusFailed {
		t.Fatalf("expected failed, got %q", res.Status)
	}
}

func TestLoop_DoWhileAndDoUntil(t *testing.T) {
	inc := newStep("inc", func(ctx context.Context, sc *api.StepContext) (any, error) {
		return sc.InputData.(int) + 1, nil
	})
	below := func(n int) api.Condition {
		return api.Condition{Name: "below", Fn: func(ctx context.Context, sc *api.StepContext) (bool, error) {
			return sc.InputData.(int) < n, nil
		}}
	}

	p := params("while", api.LoopEntry{Step: inc, Condition: below(5), LoopType: api.LoopDoWhile})
	p.Input = 0
	if res := mustExecute(t, New(), p); res.Result != 5 {
		t.Fatalf("dowhile: expected 5, got %v", res.Result)
	}

	reached := api.Condition{Name: "reached", Fn: func(ctx context.Context, sc *api.StepContext) (bool, error) {
		return sc.InputData.(int) >= 3, nil
	}}
	p = params("until", api.LoopEntry{Step: inc, Condition: reached, LoopType: api.LoopDoUntil})
	p.Input = 0
	if res := mustExecute(t, New(), p); res.Result != 3 {
		t.Fatalf("dountil: expected 3, got %v", res.Result)
	}
}

func TestLoop_RunsAtLeastOnceAndCountsIterations(t *testing.T) {
	var runCounts []int
	var iterations []int
	s := newStep("body", func(ctx context.Context, sc *api.StepContext) (any, error) {
		runCounts = append(runCounts, sc.RunCount)
		return nil, nil
	})
	cond := api.Condition{Name: "thrice", Fn: func(ctx context.Context, sc *api.StepContext) (bool, error) {
		iterations = append(iterations, sc.IterationCount)
		return sc.IterationCount < 3, nil
	}}

	mustExecute(t, New(), params("loop", api.LoopEntry{Step: s, Condition: cond, LoopType: api.LoopDoWhile}))
	if len(runCounts) != 3 || runCounts[0] != 0 || runCounts[2] != 2 {
		t.Fatalf("unexpected run counts: %v", runCounts)
	}
	if len(iterations) != 3 || iterations[0] != 1 || iterations[2] != 3 {
		t.Fatalf("unexpected iteration counts: %v", iterations)
	}

	once := 0
	s = newStep("once", func(ctx context.Context, sc *api.StepContext) (any, error) {
		once++
		return nil, nil
	})
	mustExecute(t, New(), params("loop", api.LoopEntry{Step: s, Condition: always(false), LoopType: api.LoopDoWhile}))
	if once != 1 {
		t.Fatalf("dowhile body must run once, ran %d", once)
	}
}

func TestForeach_PreservesOrderAndBoundsConcurrency(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	s := newStep("square", func(ctx context.Context, sc *api.StepContext) (any, error) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()

		n := sc.InputData.(int)
		time.Sleep(time.Duration(10-n) * 3 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return n * n, nil
	})

	p := params("each", api.ForeachEntry{Step: s, Concurrency: 2})
	p.Input = []int{1, 2, 3, 4, 5}

	res := mustExecute(t, New(), p)
	out := res.Result.([]any)
	want := []int{1, 4, 9, 16, 25}
	for i, v := range want {
		if out[i] != v {
			t.Fatalf("expected %v at %d, got %v", v, i, out[i])
		}
	}
	if peak > 2 {
		t.Fatalf("concurrency bound exceeded: peak %d", peak)
	}
	if len(res.Steps["square"].Iterations) != 5 {
		t.Fatalf("expected 5 recorded iterations, got %d", len(res.Steps["square"].Iterations))
	}
}

func TestForeach_NonArrayInputFails(t *testing.T) {
	p := params("each", api.ForeachEntry{Step: constStep("x", 1), Concurrency: 1})
	p.Input = "not a list"
	res := mustExecute(t, New(), p)
	if res.Status != api.StatusFailed {
		t.Fatalf("expected failed, got %q", res.Status)
	}
}

func TestForeach_ResumeSkipsCompletedIterations(t *testing.T) {
	var calls sync.Map
	s := newStep("review", func(ctx context.Context, sc *api.StepContext) (any, error) {
		n := sc.InputData.(int)
		c, _ := calls.LoadOrStore(n, new(atomic.Int32))
		c.(*atomic.Int32).Add(1)
		if n == 2 && !sc.Resuming() {
			return nil, sc.Suspend("check 2")
		}
		return n * 10, nil
	})
	nodes := []api.StepFlowEntry{api.ForeachEntry{Step: s, Concurrency: 3}}

	p := params("each", nodes...)
	p.Input = []any{1, 2, 3}
	res := mustExecute(t, New(), p)
	if res.Status != api.StatusSuspended {
		t.Fatalf("expected suspended, got %q", res.Status)
	}

	rp := params("each", nodes...)
	rp.Resume = &api.ResumeDescriptor{
		Steps:       []string{"review"},
		StepResults: api.RunContext{Input: p.Input, Steps: res.Steps},
		ResumePath:  []int{0},
	}
	res = mustExecute(t, New(), rp)
	if res.Status != api.StatusSuccess {
		t.Fatalf("expected success, got %q (err=%v)", res.Status, res.Error)
	}
	out := res.Result.([]any)
	if out[0] != 10 || out[1] != 20 || out[2] != 30 {
		t.Fatalf("unexpected output: %v", out)
	}
	for n, want := range map[int]int32{1: 1, 2: 2, 3: 1} {
		c, _ := calls.Load(n)
		if got := c.(*atomic.Int32).Load(); got != want {
			t.Fatalf("item %d: expected %d calls, got %d", n, want, got)
		}
	}
}

func TestParallel_ResumeOnlyRerunsTarget(t *testing.T) {
	var aRuns, bRuns atomic.Int32
	gate := func(id string, runs *atomic.Int32) *api.Step {
		return newStep(id, func(ctx context.Context, sc *api.StepContext) (any, error) {
			runs.Add(1)
			if !sc.Resuming() {
				return nil, sc.Suspend(id)
			}
			return id + " done", nil
		})
	}
	nodes := []api.StepFlowEntry{api.ParallelEntry{Steps: []api.StepEntry{
		{Step: gate("a", &aRuns)},
		{Step: gate("b", &bRuns)},
	}}}

	res := mustExecute(t, New(), params("par", nodes...))
	if len(res.Suspended) != 2 {
		t.Fatalf("expected two suspended paths, got %v", res.Suspended)
	}

	rp := params("par", nodes...)
	rp.Resume = &api.ResumeDescriptor{
		Steps:       []string{"a"},
		StepResults: api.RunContext{Steps: res.Steps},
		ResumePath:  []int{0, 0},
	}
	res = mustExecute(t, New(), rp)
	if res.Status != api.StatusSuspended {
		t.Fatalf("expected still suspended on b, got %q", res.Status)
	}
	if len(res.Suspended) != 1 || res.Suspended[0][0] != "b" {
		t.Fatalf("expected b to remain suspended, got %v", res.Suspended)
	}
	if aRuns.Load() != 2 || bRuns.Load() != 1 {
		t.Fatalf("unexpected run counts a=%d b=%d", aRuns.Load(), bRuns.Load())
	}

	rp.Resume = &api.ResumeDescriptor{
		Steps:       []string{"b"},
		StepResults: api.RunContext{Steps: res.Steps},
		ResumePath:  []int{0, 1},
	}
	res = mustExecute(t, New(), rp)
	if res.Status != api.StatusSuccess {
		t.Fatalf("expected success, got %q", res.Status)
	}
	out := res.Result.(map[string]any)
	if out["a"] != "a done" || out["b"] != "b done" {
		t.Fatalf("unexpected output: %v", out)
	}
}

// storageFunc is a Storage that hands every persisted snapshot to fn.
type storageFunc func(*api.WorkflowRunState)

func (f storageFunc) PersistWorkflowSnapshot(ctx context.Context, wf, run string, snap *api.WorkflowRunState) error {
	f(snap)
	return nil
}

func (f storageFunc) LoadWorkflowSnapshot(ctx context.Context, wf, run string) (*api.WorkflowRunState, error) {
	return nil, api.ErrRunNotFound
}

func (f storageFunc) GetWorkflowRunByID(ctx context.Context, wf, run string) (*api.WorkflowRun, error) {
	return nil, api.ErrRunNotFound
}

func (f storageFunc) GetWorkflowRuns(ctx context.Context, filter api.RunsFilter) (*api.WorkflowRuns, error) {
	return &api.WorkflowRuns{}, nil
}
