// Package sqlite keeps the queryable history of workflow phase results.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/YoshitsuguKoike/orchestra/internal/workflow"
)

// Entry is one recorded phase result.
type Entry struct {
	ID         int64
	WorkflowID string
	StoryID    string
	workflow.PhaseResult
	CreatedAt time.Time
}

// History stores phase results in a SQLite database.
type History struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string) (*History, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	// One writer at a time; also keeps ":memory:" on a single database.
	db.SetMaxOpenConns(1)

	if err := NewMigrator(db).Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return &History{db: db}, nil
}

// NewHistory wraps an already migrated database.
func NewHistory(db *sql.DB) *History {
	return &History{db: db}
}

// Close closes the database.
func (h *History) Close() error { return h.db.Close() }

// Record saves the result of one phase.
func (h *History) Record(ctx context.Context, workflowID, storyID string, r workflow.PhaseResult) error {
	query := `
		INSERT INTO phase_results
			(workflow_id, story_id, phase, agent, attempt, success, exit_code, error, next_phase, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := h.db.ExecContext(ctx, query,
		workflowID,
		storyID,
		r.Phase,
		r.Agent,
		r.Attempt,
		r.Success,
		r.ExitCode,
		r.Error,
		r.Next,
		r.StartedAt.UTC(),
		r.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to save phase result: %w", err)
	}
	return nil
}

// ForStory returns every result recorded for storyID, oldest first.
func (h *History) ForStory(ctx context.Context, storyID string) ([]Entry, error) {
	return h.query(ctx, `
		SELECT id, workflow_id, story_id, phase, agent, attempt, success, exit_code, error, next_phase, started_at, duration_ms, created_at
		FROM phase_results
		WHERE story_id = ?
		ORDER BY started_at ASC, id ASC
	`, storyID)
}

// ForWorkflow returns the results of one workflow run, oldest first.
func (h *History) ForWorkflow(ctx context.Context, workflowID string) ([]Entry, error) {
	return h.query(ctx, `
		SELECT id, workflow_id, story_id, phase, agent, attempt, success, exit_code, error, next_phase, started_at, duration_ms, created_at
		FROM phase_results
		WHERE workflow_id = ?
		ORDER BY started_at ASC, id ASC
	`, workflowID)
}

func (h *History) query(ctx context.Context, query string, arg string) ([]Entry, error) {
	rows, err := h.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query phase results: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			durationMs int64
		)
		err := rows.Scan(
			&e.ID,
			&e.WorkflowID,
			&e.StoryID,
			&e.Phase,
			&e.Agent,
			&e.Attempt,
			&e.Success,
			&e.ExitCode,
			&e.Error,
			&e.Next,
			&e.StartedAt,
			&durationMs,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan phase result: %w", err)
		}
		e.Duration = time.Duration(durationMs) * time.Millisecond
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating phase results: %w", err)
	}
	return entries, nil
}
