package taskqueue

import (
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue held in process memory. It is safe for concurrent
// use and loses its contents on restart.
type InMemoryQueue struct {
	mu     sync.Mutex
	tasks  []*Task
	notify chan struct{}

	pollInterval time.Duration
}

var _ Queue = (*InMemoryQueue)(nil)

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		notify:       make(chan struct{}, 1),
		pollInterval: defaultPollInterval,
	}
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prepare(&t, time.Now())

	q.mu.Lock()
	q.tasks = append(q.tasks, &t)
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *InMemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	for {
		if t := q.claim(owner, leaseTTL, time.Now()); t != nil {
			return t, nil
		}

		tmr := time.NewTimer(q.pollInterval)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			tmr.Stop()
		case <-tmr.C:
		}
	}
}

// claim leases the runnable task with the earliest NotBefore, ties broken by
// enqueue order.
func (q *InMemoryQueue) claim(owner string, leaseTTL time.Duration, now time.Time) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *Task
	for _, t := range q.tasks {
		if t.NotBefore.After(now) {
			continue
		}
		if t.LeaseOwner != "" && t.LeaseExpiresAt.After(now) {
			continue
		}
		if best == nil || t.NotBefore.Before(best.NotBefore) {
			best = t
		}
	}
	if best == nil {
		return nil
	}
	best.LeaseOwner = owner
	best.LeaseExpiresAt = now.Add(leaseTTL)

	cp := *best
	return &cp
}

func (q *InMemoryQueue) find(taskID, owner string) (int, error) {
	for i, t := range q.tasks {
		if t.ID != taskID {
			continue
		}
		if t.LeaseOwner != owner {
			return -1, ErrLeaseLost
		}
		return i, nil
	}
	return -1, ErrLeaseLost
}

func (q *InMemoryQueue) Ack(ctx context.Context, taskID, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, err := q.find(taskID, owner)
	if err != nil {
		return err
	}
	q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
	return nil
}

func (q *InMemoryQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	q.mu.Lock()
	i, err := q.find(taskID, owner)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	t := q.tasks[i]
	t.NotBefore = notBefore
	t.Attempts = attempts
	t.LeaseOwner = ""
	t.LeaseExpiresAt = time.Time{}
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *InMemoryQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, err := q.find(taskID, owner)
	if err != nil {
		return err
	}
	q.tasks[i].LeaseExpiresAt = time.Now().Add(leaseTTL)
	return nil
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
