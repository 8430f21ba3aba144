package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// sqlStatements holds the dialect-specific statements of a SQL queue.
type sqlStatements struct {
	insert string
	claim  string
	ack    string
	nack   string
	renew  string
	count  string
}

// sqlQueue implements Queue over database/sql. Timestamps are stored as
// Unix nanoseconds; an empty lease_owner means the task is not leased.
type sqlQueue struct {
	db           *sql.DB
	stmts        sqlStatements
	pollInterval time.Duration
}

func (q *sqlQueue) Enqueue(ctx context.Context, t Task) error {
	prepare(&t, time.Now())
	payload, err := encodePayload(t.Payload)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, q.stmts.insert,
		t.ID,
		string(t.Type),
		t.WorkflowID,
		t.RunID,
		payload,
		t.EnqueuedAt.UnixNano(),
		t.NotBefore.UnixNano(),
		t.Attempts,
	)
	return err
}

func (q *sqlQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := time.Now()
		t, err := q.claim(ctx, owner, now, now.Add(leaseTTL))
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		if err := wait(ctx, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (q *sqlQueue) claim(ctx context.Context, owner string, now, expires time.Time) (*Task, error) {
	var (
		t         Task
		typ       string
		payload   []byte
		enqueued  int64
		notBefore int64
	)
	row := q.db.QueryRowContext(ctx, q.stmts.claim, owner, expires.UnixNano(), now.UnixNano())
	if err := row.Scan(&t.ID, &typ, &t.WorkflowID, &t.RunID, &payload, &enqueued, &notBefore, &t.Attempts); err != nil {
		return nil, err
	}
	decoded, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}
	t.Type = TaskType(typ)
	t.Payload = decoded
	t.EnqueuedAt = time.Unix(0, enqueued)
	t.NotBefore = time.Unix(0, notBefore)
	t.LeaseOwner = owner
	t.LeaseExpiresAt = expires
	return &t, nil
}

func (q *sqlQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.db.ExecContext(ctx, q.stmts.ack, taskID, owner)
	return leaseResult(res, err)
}

func (q *sqlQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	res, err := q.db.ExecContext(ctx, q.stmts.nack, notBefore.UnixNano(), attempts, taskID, owner)
	return leaseResult(res, err)
}

func (q *sqlQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	res, err := q.db.ExecContext(ctx, q.stmts.renew, time.Now().Add(leaseTTL).UnixNano(), taskID, owner)
	return leaseResult(res, err)
}

func (q *sqlQueue) Len() int {
	var n int
	if err := q.db.QueryRow(q.stmts.count).Scan(&n); err != nil {
		return 0
	}
	return n
}

func leaseResult(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
