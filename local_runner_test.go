package stepflow

import (
	"context"
	"testing"
	"time"

	"github.com/petrijr/stepflow/pkg/worker"
)

// waitForStatus polls storage until the run reaches want.
func waitForStatus(t *testing.T, store Storage, workflowID, runID string, want WorkflowStatus) *WorkflowRunState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last WorkflowStatus
	for time.Now().Before(deadline) {
		snap, err := store.LoadWorkflowSnapshot(context.Background(), workflowID, runID)
		if err == nil && snap != nil {
			last = snap.Status
			if snap.Status == want {
				return snap
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s/%s did not reach %q (last %q)", workflowID, runID, want, last)
	return nil
}

func TestLocalRunner_StartAndResumeAsync(t *testing.T) {
	store := NewInMemoryStorage()
	wf := NewWorkflow("async-approval", WithStorage(store)).
		Then(constStep("prepare", "draft")).
		Then(approvalStep("approve")).
		Commit()

	runner, err := NewLocalRunner(wf)
	if err != nil {
		t.Fatalf("NewLocalRunner failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := runner.StartWorkers(ctx, 1); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	defer runner.Stop()
	if err := runner.StartWorkers(ctx, 1); err == nil {
		t.Fatalf("expected second StartWorkers to fail")
	}

	runID, err := runner.StartRunAsync(ctx, "async-approval", "", nil)
	if err != nil {
		t.Fatalf("StartRunAsync failed: %v", err)
	}
	if runID == "" {
		t.Fatalf("expected a generated run id")
	}
	waitForStatus(t, store, "async-approval", runID, StatusSuspended)

	if err := runner.ResumeRunAsync(ctx, "async-approval", runID, nil, "yes"); err != nil {
		t.Fatalf("ResumeRunAsync failed: %v", err)
	}
	snap := waitForStatus(t, store, "async-approval", runID, StatusSuccess)
	if snap.Result != "yes" {
		t.Fatalf("expected result yes, got %v", snap.Result)
	}
}

func TestLocalRunner_EventDeliveryRetriesUntilAwaited(t *testing.T) {
	store := NewInMemoryStorage()
	wf := NewWorkflow("async-event", WithStorage(store)).
		Sleep(30*time.Millisecond).
		WaitForEvent("paid", NewStep("ship", func(ctx context.Context, sc *StepContext) (any, error) {
			return sc.ResumeData, nil
		}), 5*time.Second).
		Commit()

	runner, err := NewLocalRunnerWithConfig(worker.Config{
		MaxAttempts: 50,
		Backoff:     10 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
	}, wf)
	if err != nil {
		t.Fatalf("NewLocalRunnerWithConfig failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// One worker stays blocked in the waiting run; the other delivers.
	if err := runner.StartWorkers(ctx, 2); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	defer runner.Stop()

	runID, err := runner.StartRunAsync(ctx, "async-event", "order-7", nil)
	if err != nil {
		t.Fatalf("StartRunAsync failed: %v", err)
	}
	if runID != "order-7" {
		t.Fatalf("expected the given run id, got %q", runID)
	}
	// Sent before the run waits: the first deliveries are retried.
	if err := runner.SendEventAsync(ctx, "async-event", runID, "paid", "receipt-1"); err != nil {
		t.Fatalf("SendEventAsync failed: %v", err)
	}

	snap := waitForStatus(t, store, "async-event", runID, StatusSuccess)
	if snap.Result != "receipt-1" {
		t.Fatalf("expected event data as result, got %v", snap.Result)
	}
}

func TestLocalRunner_StopIsIdempotent(t *testing.T) {
	wf := NewWorkflow("idle").Then(constStep("a", 1)).Commit()
	runner, err := NewLocalRunner(wf)
	if err != nil {
		t.Fatalf("NewLocalRunner failed: %v", err)
	}
	runner.Stop()
	if err := runner.StartWorkers(context.Background(), 0); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	runner.Stop()
	runner.Stop()
}
