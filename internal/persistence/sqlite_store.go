package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflow_snapshots (
			workflow_name TEXT NOT NULL,
			run_id TEXT NOT NULL,
			resource_id TEXT NOT NULL DEFAULT '',
			snapshot TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (workflow_name, run_id)
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_snapshots_created ON workflow_snapshots(created_at);
		CREATE TABLE IF NOT EXISTS run_leases (
			lease_key TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteStore) PersistWorkflowSnapshot(ctx context.Context, workflowName, runID string, snapshot *api.WorkflowRunState) error {
	data, err := EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	now := millis(time.Now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_snapshots (workflow_name, run_id, resource_id, snapshot, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_name, run_id) DO UPDATE SET
			resource_id = excluded.resource_id,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`,
		workflowName,
		runID,
		snapshot.ResourceID,
		string(data),
		now,
		now,
	)
	return err
}

func (s *SQLiteStore) LoadWorkflowSnapshot(ctx context.Context, workflowName, runID string) (*api.WorkflowRunState, error) {
	run, err := s.GetWorkflowRunByID(ctx, workflowName, runID)
	if err != nil {
		return nil, err
	}
	return run.Snapshot, nil
}

func (s *SQLiteStore) GetWorkflowRunByID(ctx context.Context, workflowName, runID string) (*api.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT workflow_name, run_id, resource_id, snapshot, created_at, updated_at
		FROM workflow_snapshots
		WHERE workflow_name = ? AND run_id = ?`,
		workflowName, runID,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrRunNotFound
	}
	return run, err
}

func (s *SQLiteStore) GetWorkflowRuns(ctx context.Context, filter api.RunsFilter) (*api.WorkflowRuns, error) {
	where, args := runsWhere(filter, func(int) string { return "?" })

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_snapshots`+where, args...).Scan(&total); err != nil {
		return nil, err
	}

	query := `
		SELECT workflow_name, run_id, resource_id, snapshot, created_at, updated_at
		FROM workflow_snapshots` + where + ` ORDER BY created_at DESC, run_id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	} else if filter.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := &api.WorkflowRuns{Total: total}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out.Runs = append(out.Runs, *run)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TryAcquireLease(ctx context.Context, workflowName, runID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_leases (lease_key, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(lease_key) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE run_leases.owner = excluded.owner OR run_leases.expires_at <= ?`,
		runKey(workflowName, runID), owner, now.Add(ttl).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) RenewLease(ctx context.Context, workflowName, runID, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_leases
		SET expires_at = ?
		WHERE lease_key = ? AND owner = ?`,
		time.Now().Add(ttl).UnixNano(), runKey(workflowName, runID), owner,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrRunLocked
	}
	return nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, workflowName, runID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM run_leases
		WHERE lease_key = ? AND owner = ?`,
		runKey(workflowName, runID), owner,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*api.WorkflowRun, error) {
	var (
		run       api.WorkflowRun
		snapshot  string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&run.WorkflowName, &run.RunID, &run.ResourceID, &snapshot, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	snap, err := DecodeSnapshot([]byte(snapshot))
	if err != nil {
		return nil, err
	}
	run.Snapshot = snap
	run.CreatedAt = fromMillis(createdAt)
	run.UpdatedAt = fromMillis(updatedAt)
	return &run, nil
}

// runsWhere renders the WHERE clause of a runs query. placeholder returns
// the bind marker for the n-th (1-based) argument.
func runsWhere(filter api.RunsFilter, placeholder func(n int) string) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, clause+placeholder(len(args)))
	}
	if filter.WorkflowName != "" {
		add("workflow_name = ", filter.WorkflowName)
	}
	if filter.ResourceID != "" {
		add("resource_id = ", filter.ResourceID)
	}
	if !filter.FromDate.IsZero() {
		add("created_at >= ", millis(filter.FromDate))
	}
	if !filter.ToDate.IsZero() {
		add("created_at <= ", millis(filter.ToDate))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
