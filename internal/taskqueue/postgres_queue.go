package taskqueue

import (
	"database/sql"
)

// PostgresQueue is a persistent Queue backed by PostgreSQL.
//
// It expects an *sql.DB opened with the pgx stdlib driver:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//
// Claims use FOR UPDATE SKIP LOCKED, so any number of workers can poll the
// same table.
type PostgresQueue struct {
	sqlQueue
}

var _ Queue = (*PostgresQueue)(nil)

// NewPostgresQueue initializes the queue_tasks table in db and returns a queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{sqlQueue{
		db:           db,
		pollInterval: defaultPollInterval,
		stmts: sqlStatements{
			insert: `
				INSERT INTO queue_tasks (id, type, workflow_id, run_id, payload, enqueued_at, not_before, attempts)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			claim: `
				UPDATE queue_tasks SET lease_owner = $1, lease_expires_at = $2
				WHERE seq = (
					SELECT seq FROM queue_tasks
					WHERE not_before <= $3 AND (lease_owner = '' OR lease_expires_at <= $3)
					ORDER BY not_before, seq
					LIMIT 1
					FOR UPDATE SKIP LOCKED
				)
				RETURNING id, type, workflow_id, run_id, payload, enqueued_at, not_before, attempts`,
			ack: `DELETE FROM queue_tasks WHERE id = $1 AND lease_owner = $2`,
			nack: `
				UPDATE queue_tasks SET not_before = $1, attempts = $2, lease_owner = '', lease_expires_at = 0
				WHERE id = $3 AND lease_owner = $4`,
			renew: `UPDATE queue_tasks SET lease_expires_at = $1 WHERE id = $2 AND lease_owner = $3`,
			count: `SELECT COUNT(*) FROM queue_tasks`,
		},
	}}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_tasks (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			workflow_id TEXT NOT NULL DEFAULT '',
			run_id TEXT NOT NULL DEFAULT '',
			payload BYTEA,
			enqueued_at BIGINT NOT NULL,
			not_before BIGINT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_queue_tasks_ready ON queue_tasks(not_before, seq);`,
	)
	return err
}
