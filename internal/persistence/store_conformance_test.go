package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// testSnapshotRoundTrip checks persist/load/overwrite semantics shared by
// every Store implementation.
func testSnapshotRoundTrip(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.LoadWorkflowSnapshot(ctx, "wf", "missing"); !errors.Is(err, api.ErrRunNotFound) {
		t.Fatalf("LoadWorkflowSnapshot(missing) error = %v, want ErrRunNotFound", err)
	}
	if _, err := store.GetWorkflowRunByID(ctx, "wf", "missing"); !errors.Is(err, api.ErrRunNotFound) {
		t.Fatalf("GetWorkflowRunByID(missing) error = %v, want ErrRunNotFound", err)
	}

	snap := sampleSnapshot("run-1")
	snap.ResourceID = "user-1"
	if err := store.PersistWorkflowSnapshot(ctx, "wf", "run-1", snap); err != nil {
		t.Fatalf("PersistWorkflowSnapshot failed: %v", err)
	}

	got, err := store.LoadWorkflowSnapshot(ctx, "wf", "run-1")
	if err != nil {
		t.Fatalf("LoadWorkflowSnapshot failed: %v", err)
	}
	if got.Status != api.StatusSuspended {
		t.Fatalf("Status = %q, want suspended", got.Status)
	}
	if got.Context.Steps["approve"] == nil || got.Context.Steps["approve"].Status != api.StepSuspended {
		t.Fatalf("approve result = %+v", got.Context.Steps["approve"])
	}

	// Overwrite keeps the creation time and replaces the snapshot.
	first, err := store.GetWorkflowRunByID(ctx, "wf", "run-1")
	if err != nil {
		t.Fatalf("GetWorkflowRunByID failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	snap.Status = api.StatusSuccess
	snap.Result = "done"
	if err := store.PersistWorkflowSnapshot(ctx, "wf", "run-1", snap); err != nil {
		t.Fatalf("PersistWorkflowSnapshot (overwrite) failed: %v", err)
	}
	second, err := store.GetWorkflowRunByID(ctx, "wf", "run-1")
	if err != nil {
		t.Fatalf("GetWorkflowRunByID failed: %v", err)
	}
	if second.Snapshot.Status != api.StatusSuccess || second.Snapshot.Result != "done" {
		t.Fatalf("snapshot not overwritten: %+v", second.Snapshot)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("CreatedAt changed on overwrite: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if second.ResourceID != "user-1" {
		t.Fatalf("ResourceID = %q, want user-1", second.ResourceID)
	}

	// Same run id under another workflow is a different run.
	if _, err := store.LoadWorkflowSnapshot(ctx, "other", "run-1"); !errors.Is(err, api.ErrRunNotFound) {
		t.Fatalf("run leaked across workflows: %v", err)
	}
}

func testListRuns(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		snap := sampleSnapshot(id)
		if id == "b" {
			snap.ResourceID = "owner-b"
		}
		if err := store.PersistWorkflowSnapshot(ctx, "list-wf", id, snap); err != nil {
			t.Fatalf("PersistWorkflowSnapshot(%s) failed: %v", id, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := store.PersistWorkflowSnapshot(ctx, "list-other", "z", sampleSnapshot("z")); err != nil {
		t.Fatalf("PersistWorkflowSnapshot(z) failed: %v", err)
	}

	all, err := store.GetWorkflowRuns(ctx, api.RunsFilter{WorkflowName: "list-wf"})
	if err != nil {
		t.Fatalf("GetWorkflowRuns failed: %v", err)
	}
	if all.Total != 3 || len(all.Runs) != 3 {
		t.Fatalf("Total=%d len=%d, want 3/3", all.Total, len(all.Runs))
	}
	if all.Runs[0].RunID != "c" || all.Runs[2].RunID != "a" {
		t.Fatalf("runs not newest first: %s, %s, %s", all.Runs[0].RunID, all.Runs[1].RunID, all.Runs[2].RunID)
	}

	page, err := store.GetWorkflowRuns(ctx, api.RunsFilter{WorkflowName: "list-wf", Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("GetWorkflowRuns (paged) failed: %v", err)
	}
	if page.Total != 3 || len(page.Runs) != 1 || page.Runs[0].RunID != "b" {
		t.Fatalf("unexpected page: total=%d runs=%v", page.Total, page.Runs)
	}

	byResource, err := store.GetWorkflowRuns(ctx, api.RunsFilter{WorkflowName: "list-wf", ResourceID: "owner-b"})
	if err != nil {
		t.Fatalf("GetWorkflowRuns (resource) failed: %v", err)
	}
	if byResource.Total != 1 || byResource.Runs[0].RunID != "b" {
		t.Fatalf("unexpected resource filter result: %+v", byResource)
	}

	future, err := store.GetWorkflowRuns(ctx, api.RunsFilter{WorkflowName: "list-wf", FromDate: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("GetWorkflowRuns (future) failed: %v", err)
	}
	if future.Total != 0 || len(future.Runs) != 0 {
		t.Fatalf("expected no runs after FromDate, got %d", future.Total)
	}
}

func testLeaseAcquireRenewRelease(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	const ttl = 200 * time.Millisecond

	acq, err := store.TryAcquireLease(ctx, "wf", "r1", "owner1", ttl)
	if err != nil {
		t.Fatalf("TryAcquireLease owner1: %v", err)
	}
	if !acq {
		t.Fatalf("expected owner1 to acquire")
	}

	acq, err = store.TryAcquireLease(ctx, "wf", "r1", "owner1", ttl)
	if err != nil || !acq {
		t.Fatalf("expected re-entrant acquire, got %v, %v", acq, err)
	}

	acq, err = store.TryAcquireLease(ctx, "wf", "r1", "owner2", ttl)
	if err != nil {
		t.Fatalf("TryAcquireLease owner2: %v", err)
	}
	if acq {
		t.Fatalf("expected owner2 not to acquire while lease active")
	}

	if err := store.RenewLease(ctx, "wf", "r1", "owner1", ttl); err != nil {
		t.Fatalf("RenewLease owner1: %v", err)
	}
	if err := store.RenewLease(ctx, "wf", "r1", "owner2", ttl); !errors.Is(err, api.ErrRunLocked) {
		t.Fatalf("RenewLease owner2 error = %v, want ErrRunLocked", err)
	}

	if err := store.ReleaseLease(ctx, "wf", "r1", "owner2"); err != nil {
		t.Fatalf("ReleaseLease by non-owner: %v", err)
	}
	acq, err = store.TryAcquireLease(ctx, "wf", "r1", "owner2", ttl)
	if err != nil || acq {
		t.Fatalf("release by non-owner must not drop the lease: %v, %v", acq, err)
	}

	if err := store.ReleaseLease(ctx, "wf", "r1", "owner1"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	if err := store.ReleaseLease(ctx, "wf", "r1", "owner1"); err != nil {
		t.Fatalf("ReleaseLease is not idempotent: %v", err)
	}

	acq, err = store.TryAcquireLease(ctx, "wf", "r1", "owner2", ttl)
	if err != nil || !acq {
		t.Fatalf("expected owner2 to acquire after release: %v, %v", acq, err)
	}
}

func testLeaseExpiry(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	acq, err := store.TryAcquireLease(ctx, "wf", "r2", "owner1", 50*time.Millisecond)
	if err != nil || !acq {
		t.Fatalf("TryAcquireLease owner1: %v, %v", acq, err)
	}

	time.Sleep(120 * time.Millisecond)

	acq, err = store.TryAcquireLease(ctx, "wf", "r2", "owner2", time.Second)
	if err != nil {
		t.Fatalf("TryAcquireLease owner2: %v", err)
	}
	if !acq {
		t.Fatalf("expected owner2 to take over an expired lease")
	}
	if err := store.RenewLease(ctx, "wf", "r2", "owner1", time.Second); !errors.Is(err, api.ErrRunLocked) {
		t.Fatalf("stale owner renewed lease: %v", err)
	}
}

func testLeaseContention(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	const contenders = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := range contenders {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := "owner-" + string(rune('a'+i))
			ok, err := store.TryAcquireLease(ctx, "wf", "contended", owner, time.Second)
			if err != nil {
				t.Errorf("TryAcquireLease(%s): %v", owner, err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("lease acquired by %d owners, want exactly 1", wins)
	}
}
