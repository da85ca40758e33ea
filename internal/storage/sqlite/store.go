// Package sqlite is the SQLite implementation of storage.Store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/pipehost/pipehost/internal/storage"
)

// Store persists valves and invocation records in a SQLite database.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New opens (or creates) the database at path and initializes the schema.
func New(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS valves (
			pipeline_id TEXT PRIMARY KEY,
			values_json TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS invocations (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			status TEXT NOT NULL,
			error_message TEXT,
			duration_ns INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_pipeline
			ON invocations(pipeline_id, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveValves upserts the valve values for a pipeline.
func (s *Store) SaveValves(ctx context.Context, pipelineID string, values map[string]any) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshal valves: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO valves (pipeline_id, values_json, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(pipeline_id) DO UPDATE SET values_json = excluded.values_json, updated_at = excluded.updated_at`,
		pipelineID, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save valves: %w", err)
	}
	return nil
}

// GetValves returns the stored valve values for a pipeline.
func (s *Store) GetValves(ctx context.Context, pipelineID string) (map[string]any, bool, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw,
		`SELECT values_json FROM valves WHERE pipeline_id = ?`, pipelineID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get valves: %w", err)
	}
	var values map[string]any
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, false, fmt.Errorf("unmarshal valves: %w", err)
	}
	return values, true, nil
}

// DeleteValves drops the stored values for a pipeline.
func (s *Store) DeleteValves(ctx context.Context, pipelineID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM valves WHERE pipeline_id = ?`, pipelineID); err != nil {
		return fmt.Errorf("delete valves: %w", err)
	}
	return nil
}

// RecordInvocation inserts one invocation audit row.
func (s *Store) RecordInvocation(ctx context.Context, inv *storage.Invocation) error {
	created := inv.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations (id, pipeline_id, phase, status, error_message, duration_ns, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.PipelineID, inv.Phase, inv.Status, inv.Error, inv.Duration.Nanoseconds(), created)
	if err != nil {
		return fmt.Errorf("record invocation: %w", err)
	}
	return nil
}

// ListInvocations returns the most recent invocations, newest first. An empty
// pipelineID lists across all pipelines.
func (s *Store) ListInvocations(ctx context.Context, pipelineID string, limit int) ([]*storage.Invocation, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, pipeline_id, phase, status, COALESCE(error_message, ''), duration_ns, created_at
		FROM invocations`
	args := []any{}
	if pipelineID != "" {
		query += ` WHERE pipeline_id = ?`
		args = append(args, pipelineID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var out []*storage.Invocation
	for rows.Next() {
		var inv storage.Invocation
		var durationNs int64
		if err := rows.Scan(&inv.ID, &inv.PipelineID, &inv.Phase, &inv.Status, &inv.Error, &durationNs, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		inv.Duration = time.Duration(durationNs)
		out = append(out, &inv)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
