package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/nateschmiedehaus/conduct/pkg/schema"
)

// LibSQLStore is a durable CheckpointStore backed by libSQL (embedded
// SQLite fork). Checkpoints are stored as JSON payloads indexed by run.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and applies any
// pending migrations. The path should be a file URI, e.g. "file:/path/db.db".
func NewLibSQLStore(ctx context.Context, dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow is used.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	s := &LibSQLStore{db: db}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SaveCheckpoint upserts the checkpoint payload.
func (s *LibSQLStore) SaveCheckpoint(ctx context.Context, cp *schema.ExecutionCheckpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, execution_id, reason, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload=excluded.payload, reason=excluded.reason`,
		cp.ID, cp.ExecutionID, string(cp.Reason), string(payload), cp.CreatedAt,
	)
	return err
}

// GetCheckpoint loads a checkpoint by ID.
func (s *LibSQLStore) GetCheckpoint(ctx context.Context, id string) (*schema.ExecutionCheckpoint, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM checkpoints WHERE id = ?`, id,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.CodeCheckpointNotFound, "checkpoint %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	cp := &schema.ExecutionCheckpoint{}
	if err := json.Unmarshal([]byte(payload), cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %s: %w", id, err)
	}
	return cp, nil
}

// ListCheckpoints returns a run's checkpoints, oldest first.
func (s *LibSQLStore) ListCheckpoints(ctx context.Context, executionID string) ([]*schema.ExecutionCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM checkpoints WHERE execution_id = ? ORDER BY created_at ASC, id ASC`,
		executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.ExecutionCheckpoint
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		cp := &schema.ExecutionCheckpoint{}
		if err := json.Unmarshal([]byte(payload), cp); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// PruneRun deletes all checkpoints belonging to a finished run.
func (s *LibSQLStore) PruneRun(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE execution_id = ?`, executionID)
	return err
}

// IsDurable is true: libSQL checkpoints survive a process restart.
func (s *LibSQLStore) IsDurable() bool { return true }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

var _ CheckpointStore = (*LibSQLStore)(nil)
