package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// SQLiteEventStore stores run events in SQLite.
type SQLiteEventStore struct {
	db *sql.DB
}

var _ api.EventStore = (*SQLiteEventStore)(nil)

func NewSQLiteEventStore(db *sql.DB) (*SQLiteEventStore, error) {
	s := &SQLiteEventStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEventStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflow_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT 'null'
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_events_run ON workflow_events(workflow_id, run_id, id);
	`)
	return err
}

func (s *SQLiteEventStore) AppendEvent(ctx context.Context, rec api.EventRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	payload, err := EncodePayload(rec.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_events (event_id, workflow_id, run_id, seq, at, type, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.WorkflowID,
		rec.RunID,
		int64(rec.Seq),
		at.UnixNano(),
		rec.Type,
		string(payload),
	)
	return err
}

func (s *SQLiteEventStore) ListEvents(ctx context.Context, workflowID, runID string) ([]api.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, workflow_id, run_id, seq, at, type, payload
		FROM workflow_events
		WHERE workflow_id = ? AND run_id = ?
		ORDER BY id ASC`, workflowID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.EventRecord
	for rows.Next() {
		var (
			rec     api.EventRecord
			seq     int64
			atN     int64
			payload string
		)
		if err := rows.Scan(&rec.ID, &rec.WorkflowID, &rec.RunID, &seq, &atN, &rec.Type, &payload); err != nil {
			return nil, err
		}
		p, err := DecodePayload([]byte(payload))
		if err != nil {
			return nil, err
		}
		rec.Seq = uint64(seq)
		rec.At = time.Unix(0, atN).UTC()
		rec.Payload = p
		out = append(out, rec)
	}
	return out, rows.Err()
}
