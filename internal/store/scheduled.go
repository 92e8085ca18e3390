package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ScheduledRun is a cron-triggered composition execution.
type ScheduledRun struct {
	ID             string          `json:"id"`
	CompositionID  string          `json:"composition_id"`
	CronExpression string          `json:"cron_expression"`
	Inputs         json.RawMessage `json:"inputs,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ScheduledRunUpdate specifies mutable fields of a scheduled run.
type ScheduledRunUpdate struct {
	Enabled       *bool
	LastRunAt     *time.Time
	NextRunAt     *time.Time
	LastRunStatus string
}

// JobStore persists scheduled runs for the scheduler.
type JobStore interface {
	CreateScheduledRun(ctx context.Context, run *ScheduledRun) error
	ListScheduledRuns(ctx context.Context, enabledOnly bool) ([]*ScheduledRun, error)
	UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error
	DeleteScheduledRun(ctx context.Context, id string) error
}

// --- libSQL implementation ---

func (s *LibSQLStore) CreateScheduledRun(ctx context.Context, run *ScheduledRun) error {
	created := run.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_runs (id, composition_id, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.CompositionID, run.CronExpression, nullRaw(run.Inputs),
		boolInt(run.Enabled), nullTime(run.LastRunAt), nullTime(run.NextRunAt),
		nullStr(run.LastRunStatus), created,
	)
	return err
}

func (s *LibSQLStore) ListScheduledRuns(ctx context.Context, enabledOnly bool) ([]*ScheduledRun, error) {
	query := `SELECT id, composition_id, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_runs`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledRun
	for rows.Next() {
		r := &ScheduledRun{}
		var (
			inputs, status   sql.NullString
			lastRun, nextRun sql.NullTime
			enabled          int
		)
		if err := rows.Scan(&r.ID, &r.CompositionID, &r.CronExpression, &inputs,
			&enabled, &lastRun, &nextRun, &status, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Enabled = enabled != 0
		r.LastRunStatus = status.String
		if inputs.Valid {
			r.Inputs = json.RawMessage(inputs.String)
		}
		if lastRun.Valid {
			r.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			r.NextRunAt = &nextRun.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error {
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE scheduled_runs SET %s WHERE id = ?`, strings.Join(sets, ", "))
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *LibSQLStore) DeleteScheduledRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_runs WHERE id = ?`, id)
	return err
}

// --- in-memory implementation ---

// MemoryJobs is a volatile JobStore for tests and embedded use.
type MemoryJobs struct {
	mu   sync.Mutex
	runs map[string]*ScheduledRun
}

// NewMemoryJobs creates an empty MemoryJobs.
func NewMemoryJobs() *MemoryJobs {
	return &MemoryJobs{runs: make(map[string]*ScheduledRun)}
}

func (m *MemoryJobs) CreateScheduledRun(_ context.Context, run *ScheduledRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("scheduled run %s already exists", run.ID)
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryJobs) ListScheduledRuns(_ context.Context, enabledOnly bool) ([]*ScheduledRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ScheduledRun
	for _, r := range m.runs {
		if enabledOnly && !r.Enabled {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryJobs) UpdateScheduledRun(_ context.Context, id string, update ScheduledRunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("scheduled run %s not found", id)
	}
	if update.Enabled != nil {
		r.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		r.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		r.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		r.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *MemoryJobs) DeleteScheduledRun(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, id)
	return nil
}

var (
	_ JobStore = (*LibSQLStore)(nil)
	_ JobStore = (*MemoryJobs)(nil)
)

// --- SQL helpers ---

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
