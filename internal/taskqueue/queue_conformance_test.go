package taskqueue

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// testOrderAndAck checks that runnable tasks come out by NotBefore and that
// payloads survive the queue.
func testOrderAndAck(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"1", "2", "3"} {
		err := q.Enqueue(ctx, Task{
			ID:         id,
			Type:       TaskStartRun,
			WorkflowID: "wf",
			RunID:      "run-" + id,
			Payload:    api.StartRunPayload{Input: "in-" + id},
			NotBefore:  base.Add(time.Duration(i-3) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("Enqueue %s failed: %v", id, err)
		}
	}
	if got := q.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}

	for _, want := range []string{"1", "2", "3"} {
		got, err := q.Dequeue(ctx, "w1", time.Second)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if got.ID != want {
			t.Fatalf("Dequeue ID = %q, want %q", got.ID, want)
		}
		if got.Type != TaskStartRun || got.WorkflowID != "wf" || got.RunID != "run-"+want {
			t.Fatalf("unexpected task: %+v", got)
		}
		payload, ok := got.Payload.(api.StartRunPayload)
		if !ok || payload.Input != "in-"+want {
			t.Fatalf("Payload = %#v", got.Payload)
		}
		if got.LeaseOwner != "w1" {
			t.Fatalf("LeaseOwner = %q, want w1", got.LeaseOwner)
		}
		if err := q.Ack(ctx, got.ID, "w1"); err != nil {
			t.Fatalf("Ack %s failed: %v", got.ID, err)
		}
	}

	if got := q.Len(); got != 0 {
		t.Fatalf("Len after ack = %d, want 0", got)
	}
}

// testPayloadKinds checks resume and event payloads.
func testPayloadKinds(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	resume := api.ResumeRunPayload{
		Steps:      []string{"outer", "approve"},
		ResumeData: map[string]any{"approved": true},
	}
	if err := q.Enqueue(ctx, Task{Type: TaskResumeRun, WorkflowID: "wf", RunID: "r1", Payload: resume}); err != nil {
		t.Fatalf("Enqueue resume failed: %v", err)
	}
	got, err := q.Dequeue(ctx, "w1", time.Second)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if got.ID == "" {
		t.Fatalf("expected generated task ID")
	}
	if !reflect.DeepEqual(got.Payload, resume) {
		t.Fatalf("Payload = %#v, want %#v", got.Payload, resume)
	}
	if err := q.Ack(ctx, got.ID, "w1"); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	event := api.SendEventPayload{Event: "approved", Data: "yes"}
	if err := q.Enqueue(ctx, Task{Type: TaskSendEvent, WorkflowID: "wf", RunID: "r1", Payload: event}); err != nil {
		t.Fatalf("Enqueue event failed: %v", err)
	}
	got, err = q.Dequeue(ctx, "w1", time.Second)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if got.Type != TaskSendEvent || !reflect.DeepEqual(got.Payload, event) {
		t.Fatalf("unexpected event task: %+v", got)
	}
	if err := q.Ack(ctx, got.ID, "w1"); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
}

// testNotBefore checks that delayed tasks stay invisible until due.
func testNotBefore(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	if err := q.Enqueue(ctx, Task{ID: "later", Type: TaskStartRun, NotBefore: time.Now().Add(300 * time.Millisecond)}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(short, "w1", time.Second); err == nil {
		t.Fatalf("expected delayed task to stay hidden")
	}

	long, cancel2 := context.WithTimeout(ctx, 3*time.Second)
	defer cancel2()
	got, err := q.Dequeue(long, "w1", time.Second)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if got.ID != "later" {
		t.Fatalf("ID = %q, want later", got.ID)
	}
}

// testLeaseExpiry checks redelivery after an expired lease and owner fencing.
func testLeaseExpiry(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	if err := q.Enqueue(ctx, Task{ID: "t1", Type: TaskStartRun}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	first, err := q.Dequeue(ctx, "w1", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue w1 failed: %v", err)
	}
	if err := q.Ack(ctx, first.ID, "w2"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("Ack by non-owner error = %v, want ErrLeaseLost", err)
	}

	time.Sleep(100 * time.Millisecond)

	dl, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	second, err := q.Dequeue(dl, "w2", time.Second)
	if err != nil {
		t.Fatalf("Dequeue w2 failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("redelivered ID = %q, want %q", second.ID, first.ID)
	}
	if err := q.RenewLease(ctx, first.ID, "w1", time.Second); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("RenewLease by stale owner error = %v, want ErrLeaseLost", err)
	}
	if err := q.Ack(ctx, first.ID, "w1"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("Ack by stale owner error = %v, want ErrLeaseLost", err)
	}
	if err := q.Ack(ctx, second.ID, "w2"); err != nil {
		t.Fatalf("Ack by owner failed: %v", err)
	}
}

// testRenewHoldsLease checks that a renewed lease keeps the task hidden.
func testRenewHoldsLease(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	if err := q.Enqueue(ctx, Task{ID: "t1", Type: TaskStartRun}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	got, err := q.Dequeue(ctx, "w1", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	for i := 0; i < 4; i++ {
		time.Sleep(100 * time.Millisecond)
		if err := q.RenewLease(ctx, got.ID, "w1", 200*time.Millisecond); err != nil {
			t.Fatalf("RenewLease failed: %v", err)
		}
	}

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(short, "w2", time.Second); err == nil {
		t.Fatalf("expected leased task to stay hidden")
	}
}

// testNackReschedules checks that Nack releases the lease and applies the
// new schedule and attempt count.
func testNackReschedules(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	if err := q.Enqueue(ctx, Task{ID: "t1", Type: TaskStartRun}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	got, err := q.Dequeue(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if err := q.Nack(ctx, got.ID, "w1", time.Now().Add(200*time.Millisecond), 1); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(short, "w2", time.Minute); err == nil {
		t.Fatalf("expected nacked task to wait for its new NotBefore")
	}

	long, cancel2 := context.WithTimeout(ctx, 3*time.Second)
	defer cancel2()
	again, err := q.Dequeue(long, "w2", time.Minute)
	if err != nil {
		t.Fatalf("Dequeue after Nack failed: %v", err)
	}
	if again.ID != got.ID || again.Attempts != 1 {
		t.Fatalf("unexpected task after Nack: %+v", again)
	}
}

// testDequeueBlocks checks that a blocked Dequeue sees a later Enqueue.
func testDequeueBlocks(t *testing.T, q Queue) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	got := make(chan *Task, 1)
	errs := make(chan error, 1)
	go func() {
		tk, err := q.Dequeue(ctx, "w1", time.Second)
		if err != nil {
			errs <- err
			return
		}
		got <- tk
	}()

	time.Sleep(50 * time.Millisecond)
	if err := q.Enqueue(context.Background(), Task{ID: "late", Type: TaskStartRun}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case err := <-errs:
		t.Fatalf("Dequeue returned error: %v", err)
	case tk := <-got:
		if tk.ID != "late" {
			t.Fatalf("ID = %q, want late", tk.ID)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for Dequeue")
	}
}

// testDequeueCancel checks that an empty queue honours cancellation.
func testDequeueCancel(t *testing.T, q Queue) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx, "w1", time.Second); err == nil {
		t.Fatalf("expected Dequeue to fail on an empty queue")
	}
}
