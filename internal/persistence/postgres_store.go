package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema in the given database
// and returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflow_snapshots (
			workflow_name TEXT NOT NULL,
			run_id TEXT NOT NULL,
			resource_id TEXT NOT NULL DEFAULT '',
			snapshot JSONB NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (workflow_name, run_id)
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_snapshots_created ON workflow_snapshots(created_at);
		CREATE TABLE IF NOT EXISTS run_leases (
			lease_key TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		);
	`)
	return err
}

func (p *PostgresStore) PersistWorkflowSnapshot(ctx context.Context, workflowName, runID string, snapshot *api.WorkflowRunState) error {
	data, err := EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	now := millis(time.Now())
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO workflow_snapshots (workflow_name, run_id, resource_id, snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (workflow_name, run_id) DO UPDATE SET
			resource_id = EXCLUDED.resource_id,
			snapshot    = EXCLUDED.snapshot,
			updated_at  = EXCLUDED.updated_at
	`,
		workflowName,
		runID,
		snapshot.ResourceID,
		string(data),
		now,
	)
	return err
}

func (p *PostgresStore) LoadWorkflowSnapshot(ctx context.Context, workflowName, runID string) (*api.WorkflowRunState, error) {
	run, err := p.GetWorkflowRunByID(ctx, workflowName, runID)
	if err != nil {
		return nil, err
	}
	return run.Snapshot, nil
}

func (p *PostgresStore) GetWorkflowRunByID(ctx context.Context, workflowName, runID string) (*api.WorkflowRun, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT workflow_name, run_id, resource_id, snapshot::text, created_at, updated_at
		FROM workflow_snapshots
		WHERE workflow_name = $1 AND run_id = $2
	`, workflowName, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrRunNotFound
	}
	return run, err
}

func (p *PostgresStore) GetWorkflowRuns(ctx context.Context, filter api.RunsFilter) (*api.WorkflowRuns, error) {
	where, args := runsWhere(filter, func(n int) string { return fmt.Sprintf("$%d", n) })

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_snapshots`+where, args...).Scan(&total); err != nil {
		return nil, err
	}

	query := `
		SELECT workflow_name, run_id, resource_id, snapshot::text, created_at, updated_at
		FROM workflow_snapshots` + where + ` ORDER BY created_at DESC, run_id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
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

func (p *PostgresStore) TryAcquireLease(ctx context.Context, workflowName, runID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	now := time.Now()
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO run_leases (lease_key, owner, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (lease_key) DO UPDATE SET
			owner      = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at
		WHERE run_leases.owner = EXCLUDED.owner
		   OR run_leases.expires_at <= $4
	`,
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

func (p *PostgresStore) RenewLease(ctx context.Context, workflowName, runID, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE run_leases
		SET expires_at = $1
		WHERE lease_key = $2 AND owner = $3`,
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

func (p *PostgresStore) ReleaseLease(ctx context.Context, workflowName, runID, owner string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM run_leases
		WHERE lease_key = $1 AND owner = $2`,
		runKey(workflowName, runID), owner,
	)
	return err
}
