// SPDX-License-Identifier: AGPL-3.0-only

// Package store persists task run results in a local SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/model"

	_ "modernc.org/sqlite"
)

const timeFormat = time.RFC3339Nano

// maxResultsPerTask bounds the retained run history of one task id.
const maxResultsPerTask = 50

// SQLiteStore implements model.ResultStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure the parent directory exists.
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveResult persists a task run result and prunes the task's history down
// to the retained bound.
func (s *SQLiteStore) SaveResult(result *model.Result) error {
	_, err := s.db.Exec(`
		INSERT INTO results (task_id, prompt, output, error, turns, cancelled, start_time, end_time, duration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.TaskID,
		result.Prompt,
		result.Output,
		result.Error,
		result.Turns,
		boolToInt(result.Cancelled),
		result.StartTime.Format(timeFormat),
		result.EndTime.Format(timeFormat),
		result.Duration,
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}

	_, err = s.db.Exec(`
		DELETE FROM results
		WHERE task_id = ? AND id NOT IN (
			SELECT id FROM results WHERE task_id = ?
			ORDER BY start_time DESC LIMIT ?
		)`, result.TaskID, result.TaskID, maxResultsPerTask)
	if err != nil {
		return fmt.Errorf("prune results: %w", err)
	}
	return nil
}

// GetLatestResult returns the most recent result for the given task ID.
// Returns nil, nil if no result exists.
func (s *SQLiteStore) GetLatestResult(taskID string) (*model.Result, error) {
	results, err := s.GetResults(taskID, 1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// GetResults returns up to limit results for the given task ID, ordered
// by start_time descending (most recent first).
func (s *SQLiteStore) GetResults(taskID string, limit int) ([]*model.Result, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > maxResultsPerTask {
		limit = maxResultsPerTask
	}

	rows, err := s.db.Query(`
		SELECT task_id, prompt, output, error, turns, cancelled, start_time, end_time, duration
		FROM results
		WHERE task_id = ?
		ORDER BY start_time DESC
		LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var results []*model.Result
	for rows.Next() {
		var r model.Result
		var cancelled int
		var startStr, endStr string
		if err := rows.Scan(
			&r.TaskID, &r.Prompt, &r.Output, &r.Error,
			&r.Turns, &cancelled, &startStr, &endStr, &r.Duration,
		); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		r.Cancelled = cancelled != 0
		r.StartTime, _ = time.Parse(timeFormat, startStr)
		r.EndTime, _ = time.Parse(timeFormat, endStr)
		results = append(results, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate result rows: %w", err)
	}

	return results, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
