// Package taskqueue holds the durable queues that feed workers with run
// operations. Tasks are leased rather than removed on dequeue: a task whose
// lease expires before it is acknowledged becomes visible again.
package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskType identifies which run operation a task carries.
type TaskType string

const (
	TaskStartRun  TaskType = "start-run"
	TaskResumeRun TaskType = "resume-run"
	TaskSendEvent TaskType = "send-event"
)

// ErrLeaseLost is returned by Ack, Nack and RenewLease when the caller no
// longer holds the task lease.
var ErrLeaseLost = errors.New("taskqueue: lease not held")

// Task is a unit of work for a worker.
type Task struct {
	ID   string
	Type TaskType

	WorkflowID string
	RunID      string

	// Payload is one of api.StartRunPayload, api.ResumeRunPayload or
	// api.SendEventPayload depending on Type. Durable queues gob-encode it.
	Payload any

	EnqueuedAt time.Time
	// NotBefore is the earliest time the task may be dequeued. Zero means
	// immediately.
	NotBefore time.Time
	Attempts  int

	LeaseOwner     string
	LeaseExpiresAt time.Time
}

// Queue is a leased task queue.
type Queue interface {
	// Enqueue adds a task. An empty ID is replaced with a fresh one.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue leases the next runnable task to owner for leaseTTL, blocking
	// until one is available or ctx is done.
	Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error)

	// Ack removes a task held by owner.
	Ack(ctx context.Context, taskID, owner string) error

	// Nack releases a task held by owner and reschedules it.
	Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error

	// RenewLease extends the lease held by owner.
	RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error

	// Len returns the approximate number of tasks, leased or not.
	Len() int
}

const defaultPollInterval = 20 * time.Millisecond

func prepare(t *Task, now time.Time) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	t.LeaseOwner = ""
	t.LeaseExpiresAt = time.Time{}
}

func wait(ctx context.Context, d time.Duration) error {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
