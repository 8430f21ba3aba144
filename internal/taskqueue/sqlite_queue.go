package taskqueue

import (
	"database/sql"
)

// SQLiteQueue is a persistent Queue backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver such as modernc.org/sqlite.
// The claim is a single UPDATE ... RETURNING statement, so concurrent
// workers sharing the database never lease the same task twice.
type SQLiteQueue struct {
	sqlQueue
}

var _ Queue = (*SQLiteQueue)(nil)

// NewSQLiteQueue initializes the queue_tasks table in db and returns a queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{sqlQueue{
		db:           db,
		pollInterval: defaultPollInterval,
		stmts: sqlStatements{
			insert: `
				INSERT INTO queue_tasks (id, type, workflow_id, run_id, payload, enqueued_at, not_before, attempts)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			claim: `
				UPDATE queue_tasks SET lease_owner = ?1, lease_expires_at = ?2
				WHERE seq = (
					SELECT seq FROM queue_tasks
					WHERE not_before <= ?3 AND (lease_owner = '' OR lease_expires_at <= ?3)
					ORDER BY not_before, seq
					LIMIT 1
				)
				RETURNING id, type, workflow_id, run_id, payload, enqueued_at, not_before, attempts`,
			ack: `DELETE FROM queue_tasks WHERE id = ? AND lease_owner = ?`,
			nack: `
				UPDATE queue_tasks SET not_before = ?, attempts = ?, lease_owner = '', lease_expires_at = 0
				WHERE id = ? AND lease_owner = ?`,
			renew: `UPDATE queue_tasks SET lease_expires_at = ? WHERE id = ? AND lease_owner = ?`,
			count: `SELECT COUNT(*) FROM queue_tasks`,
		},
	}}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_tasks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			workflow_id TEXT NOT NULL DEFAULT '',
			run_id TEXT NOT NULL DEFAULT '',
			payload BLOB,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_queue_tasks_ready ON queue_tasks(not_before, seq);`,
	)
	return err
}
