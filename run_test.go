package stepflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRun_SuspendAndResume(t *testing.T) {
	store := NewInMemoryStorage()
	var prepareRuns atomic.Int32
	prepare := NewStep("prepare", func(ctx context.Context, sc *StepContext) (any, error) {
		prepareRuns.Add(1)
		return "draft", nil
	})
	publish := NewStep("publish", func(ctx context.Context, sc *StepContext) (any, error) {
		return map[string]any{"approved": sc.InputData}, nil
	})
	wf := NewWorkflow("approval", WithStorage(store)).
		Then(prepare).
		Then(approvalStep("approve")).
		Then(publish).
		Commit()

	run, res := startRun(t, wf, "input")
	if res.Status != StatusSuspended {
		t.Fatalf("expected suspended, got %q (err=%v)", res.Status, res.Error)
	}
	if len(res.Suspended) != 1 || res.Suspended[0][0] != "approve" {
		t.Fatalf("unexpected suspended paths: %v", res.Suspended)
	}

	// A fresh Run for the same id resumes from storage alone.
	again, err := wf.CreateRunAsync(context.Background(), WithRunID(run.RunID()))
	if err != nil {
		t.Fatalf("CreateRunAsync failed: %v", err)
	}
	res, err = again.Resume(context.Background(), ResumeParams{ResumeData: "yes"})
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("expected success, got %q (err=%v)", res.Status, res.Error)
	}
	if out := res.Result.(map[string]any); out["approved"] != "yes" {
		t.Fatalf("unexpected result: %v", out)
	}
	if prepareRuns.Load() != 1 {
		t.Fatalf("expected prepare to run once, ran %d times", prepareRuns.Load())
	}
	if res.Input != "input" {
		t.Fatalf("expected run input to survive resume, got %v", res.Input)
	}

	_, err = again.Resume(context.Background(), ResumeParams{Step: []string{"approve"}})
	if !errors.Is(err, ErrNotSuspended) {
		t.Fatalf("expected ErrNotSuspended after completion, got %v", err)
	}
}

func TestRun_ResumeErrors(t *testing.T) {
	store := NewInMemoryStorage()
	wf := NewWorkflow("two-approvals", WithStorage(store)).
		Parallel(approvalStep("legal"), approvalStep("finance")).
		Commit()

	run, res := startRun(t, wf, nil)
	if res.Status != StatusSuspended || len(res.Suspended) != 2 {
		t.Fatalf("expected two suspended paths, got %q %v", res.Status, res.Suspended)
	}

	_, err := run.Resume(context.Background(), ResumeParams{})
	var ambiguous *AmbiguousResumeError
	if !errors.As(err, &ambiguous) || len(ambiguous.Paths) != 2 {
		t.Fatalf("expected AmbiguousResumeError with 2 paths, got %v", err)
	}

	_, err = run.Resume(context.Background(), ResumeParams{Step: []string{"marketing"}})
	var notSuspended *StepNotSuspendedError
	if !errors.As(err, &notSuspended) {
		t.Fatalf("expected StepNotSuspendedError, got %v", err)
	}
	if notSuspended.Step != "marketing" || len(notSuspended.Available) != 2 {
		t.Fatalf("unexpected error details: %+v", notSuspended)
	}

	// Resuming one branch leaves the other suspended.
	res, err = run.Resume(context.Background(), ResumeParams{Step: []string{"legal"}, ResumeData: "ok"})
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if res.Status != StatusSuspended || len(res.Suspended) != 1 || res.Suspended[0][0] != "finance" {
		t.Fatalf("expected finance still suspended, got %q %v", res.Status, res.Suspended)
	}
	res, err = run.Resume(context.Background(), ResumeParams{ResumeData: "ok"})
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("expected success, got %q (err=%v)", res.Status, res.Error)
	}
	out := res.Result.(map[string]any)
	if out["legal"] != "ok" || out["finance"] != "ok" {
		t.Fatalf("unexpected result: %v", out)
	}
}

func TestRun_FailedParallelDropsSuspendedSibling(t *testing.T) {
	store := NewInMemoryStorage()
	bad := NewStep("bad", func(ctx context.Context, sc *StepContext) (any, error) {
		return nil, errors.New("boom")
	})
	wf := NewWorkflow("mixed-parallel", WithStorage(store)).
		Parallel(bad, approvalStep("wait")).
		Commit()

	run, res := startRun(t, wf, nil)
	if res.Status != StatusFailed {
		t.Fatalf("expected failed, got %q", res.Status)
	}
	if len(res.Suspended) != 0 {
		t.Fatalf("expected no suspended paths on a failed run, got %v", res.Suspended)
	}

	snap, err := store.LoadWorkflowSnapshot(context.Background(), "mixed-parallel", run.RunID())
	if err != nil {
		t.Fatalf("LoadWorkflowSnapshot failed: %v", err)
	}
	if snap.Status != StatusFailed || len(snap.SuspendedPaths) != 0 {
		t.Fatalf("expected failed snapshot without suspended paths, got %q %v", snap.Status, snap.SuspendedPaths)
	}
	if paths := snap.SuspendedStepPaths(); len(paths) != 0 {
		t.Fatalf("expected no resumable paths, got %v", paths)
	}

	_, err = run.Resume(context.Background(), ResumeParams{Step: []string{"wait"}, ResumeData: "ok"})
	if !errors.Is(err, ErrNotSuspended) {
		t.Fatalf("expected ErrNotSuspended, got %v", err)
	}
}

func TestRun_ResumeWithoutSnapshot(t *testing.T) {
	wf := NewWorkflow("no-store").Then(approvalStep("approve")).Commit()
	run, err := wf.CreateRun()
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if _, err := run.Resume(context.Background(), ResumeParams{}); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
}

func TestRun_ResumeRestoresRuntimeContext(t *testing.T) {
	store := NewInMemoryStorage()
	var seen atomic.Value
	read := NewStep("read", func(ctx context.Context, sc *StepContext) (any, error) {
		seen.Store(sc.RuntimeContext.Get("tenant"))
		return nil, nil
	})
	wf := NewWorkflow("rc", WithStorage(store)).Then(approvalStep("approve")).Then(read).Commit()

	run, err := wf.CreateRunAsync(context.Background())
	if err != nil {
		t.Fatalf("CreateRunAsync failed: %v", err)
	}
	rc := NewRuntimeContext()
	rc.Set("tenant", "acme")
	if _, err := run.Start(context.Background(), StartParams{RuntimeContext: rc}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := run.Resume(context.Background(), ResumeParams{}); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if seen.Load() != "acme" {
		t.Fatalf("expected runtime context restored from snapshot, got %v", seen.Load())
	}
}

func TestRun_ConcurrentStartIsRejected(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	block := NewStep("block", func(ctx context.Context, sc *StepContext) (any, error) {
		close(entered)
		<-release
		return nil, nil
	})
	wf := NewWorkflow("busy").Then(block).Commit()
	run, err := wf.CreateRun()
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := run.Start(context.Background(), StartParams{})
		done <- err
	}()
	<-entered

	if _, err := run.Start(context.Background(), StartParams{}); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
}

func TestRun_LeaseHeldElsewhere(t *testing.T) {
	store := NewInMemoryStorage()
	wf := NewWorkflow("leased", WithStorage(store)).Then(constStep("a", 1)).Commit()
	run, err := wf.CreateRunAsync(context.Background())
	if err != nil {
		t.Fatalf("CreateRunAsync failed: %v", err)
	}

	ls := store.(LeaseStore)
	ok, err := ls.TryAcquireLease(context.Background(), "leased", run.RunID(), "other-process", time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryAcquireLease = %v, %v", ok, err)
	}
	if _, err := run.Start(context.Background(), StartParams{}); !errors.Is(err, ErrRunLocked) {
		t.Fatalf("expected ErrRunLocked, got %v", err)
	}

	if err := ls.ReleaseLease(context.Background(), "leased", run.RunID(), "other-process"); err != nil {
		t.Fatalf("ReleaseLease failed: %v", err)
	}
	res, err := run.Start(context.Background(), StartParams{})
	if err != nil || res.Status != StatusSuccess {
		t.Fatalf("expected success after release, got %v %v", res, err)
	}
}

func TestRun_WaitForEventReceivesData(t *testing.T) {
	handle := NewStep("handle", func(ctx context.Context, sc *StepContext) (any, error) {
		return map[string]any{"doc": sc.InputData, "decision": sc.ResumeData}, nil
	})
	wf := NewWorkflow("events").
		Then(constStep("draft", "doc-1")).
		WaitForEvent("approved", handle, time.Second).
		Commit()

	run, err := wf.CreateRun()
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	unwatch := run.Watch(func(ev WatchEvent) {
		if ev.Type == "workflow-step-waiting" {
			go run.SendEvent("approved", "yes")
		}
	}, WatchGranular)
	defer unwatch()

	res, err := run.Start(context.Background(), StartParams{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("expected success, got %q (err=%v)", res.Status, res.Error)
	}
	out := res.Result.(map[string]any)
	if out["doc"] != "doc-1" || out["decision"] != "yes" {
		t.Fatalf("unexpected result: %v", out)
	}
}

func TestRun_WaitForEventTimeout(t *testing.T) {
	wf := NewWorkflow("timeout").WaitForEvent("never", constStep("h", 1), 20*time.Millisecond).Commit()
	_, res := startRun(t, wf, nil)
	if res.Status != StatusFailed {
		t.Fatalf("expected failed, got %q", res.Status)
	}
	if !errors.Is(res.Error, ErrEventTimeout) {
		t.Fatalf("expected ErrEventTimeout, got %v", res.Error)
	}
}

func TestRun_EventsAreLoggedInOrder(t *testing.T) {
	events := NewInMemoryEventStore()
	wf := NewWorkflow("logged", WithEventStore(events)).Then(constStep("a", 1)).Then(constStep("b", 2)).Commit()
	run, _ := startRun(t, wf, nil)

	log := run.Events()
	if len(log) == 0 {
		t.Fatalf("expected events in the run log")
	}
	for i := 1; i < len(log); i++ {
		if log[i].Seq <= log[i-1].Seq {
			t.Fatalf("event %d out of order: %d after %d", i, log[i].Seq, log[i-1].Seq)
		}
	}

	stored, err := events.ListEvents(context.Background(), "logged", run.RunID())
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(stored) == 0 {
		t.Fatalf("expected granular events persisted")
	}
	for _, rec := range stored {
		if rec.Type != "watch-v2" {
			t.Fatalf("unexpected stored event type %q", rec.Type)
		}
	}
}

func TestStepPath(t *testing.T) {
	p := StepPath(constStep("outer", 1), constStep("inner", 1))
	if len(p) != 2 || p[0] != "outer" || p[1] != "inner" {
		t.Fatalf("unexpected path: %v", p)
	}
}
