package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on SQLite. Chain-cache snapshots are stored
// row-per-task so status history stays queryable; graphs and artifacts are
// stored as JSON documents.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed store at the given path. Creates
// parent directories if needed. Enables WAL mode and a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewMemoryStore creates an in-memory SQLite store for testing. Uses a shared
// cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS graphs (
		plan_id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS task_state (
		plan_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		dependencies TEXT,
		status TEXT NOT NULL,
		failure_count INTEGER NOT NULL DEFAULT 0,
		stage INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (plan_id, task_id)
	);

	CREATE INDEX IF NOT EXISTS idx_task_state_plan ON task_state(plan_id);

	CREATE TABLE IF NOT EXISTS artifacts (
		plan_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (plan_id, task_id)
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// SaveGraph upserts a plan's execution graph as a JSON document.
func (s *SQLiteStore) SaveGraph(ctx context.Context, planID string, g *GraphRecord) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshaling graph: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO graphs (plan_id, data, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(plan_id) DO UPDATE SET
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP
	`, planID, string(data))
	if err != nil {
		return fmt.Errorf("failed to upsert graph: %w", err)
	}
	return nil
}

// GetGraph loads a plan's execution graph.
func (s *SQLiteStore) GetGraph(ctx context.Context, planID string) (*GraphRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM graphs WHERE plan_id = ?`, planID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query graph: %w", err)
	}
	var g GraphRecord
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return nil, fmt.Errorf("parsing stored graph: %w", err)
	}
	return &g, nil
}

// SaveExecution replaces a plan's chain-cache snapshot in one transaction.
func (s *SQLiteStore) SaveExecution(ctx context.Context, planID string, exec *ExecutionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_state WHERE plan_id = ?`, planID); err != nil {
		return fmt.Errorf("failed to clear task state: %w", err)
	}

	for _, t := range exec.Tasks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_state (plan_id, task_id, dependencies, status, failure_count, stage, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		`, planID, t.TaskID, strings.Join(t.Dependencies, ","), t.Status, t.FailureCount, t.Stage)
		if err != nil {
			return fmt.Errorf("failed to insert task state for %s: %w", t.TaskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetExecution loads a plan's chain-cache snapshot, ordered by stage then id.
func (s *SQLiteStore) GetExecution(ctx context.Context, planID string) (*ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, dependencies, status, failure_count, stage
		FROM task_state
		WHERE plan_id = ?
		ORDER BY stage, task_id
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task state: %w", err)
	}
	defer rows.Close()

	exec := &ExecutionRecord{}
	for rows.Next() {
		var t TaskRecord
		var deps string
		if err := rows.Scan(&t.TaskID, &deps, &t.Status, &t.FailureCount, &t.Stage); err != nil {
			return nil, fmt.Errorf("failed to scan task state: %w", err)
		}
		if deps != "" {
			t.Dependencies = strings.Split(deps, ",")
		} else {
			t.Dependencies = []string{}
		}
		exec.Tasks = append(exec.Tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read task state rows: %w", err)
	}
	if len(exec.Tasks) == 0 {
		return nil, ErrNotFound
	}
	return exec, nil
}

// SaveArtifact upserts a task's artifact as a JSON document.
func (s *SQLiteStore) SaveArtifact(ctx context.Context, planID, taskID string, artifact map[string]any) error {
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("marshaling artifact: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (plan_id, task_id, data, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(plan_id, task_id) DO UPDATE SET
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP
	`, planID, taskID, string(data))
	if err != nil {
		return fmt.Errorf("failed to upsert artifact: %w", err)
	}
	return nil
}

// GetArtifact loads a task's artifact.
func (s *SQLiteStore) GetArtifact(ctx context.Context, planID, taskID string) (map[string]any, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM artifacts WHERE plan_id = ? AND task_id = ?
	`, planID, taskID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query artifact: %w", err)
	}
	var artifact map[string]any
	if err := json.Unmarshal([]byte(data), &artifact); err != nil {
		return nil, fmt.Errorf("parsing stored artifact: %w", err)
	}
	return artifact, nil
}

// DeleteArtifact removes a task's artifact if present.
func (s *SQLiteStore) DeleteArtifact(ctx context.Context, planID, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE plan_id = ? AND task_id = ?`, planID, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// DeletePlan removes every record for a plan.
func (s *SQLiteStore) DeletePlan(ctx context.Context, planID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"graphs", "task_state", "artifacts"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE plan_id = ?`, table), planID); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
