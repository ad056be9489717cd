// Package journal keeps a local SQLite ledger of generation runs and model
// calls: which story, which stage, which model, how many tokens, how long,
// and how it ended. The usage subcommand reads it back when no Prometheus
// server is around.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // database/sql driver

	"storywriter/pkg/llm/middleware"
	"storywriter/pkg/logx"
)

// schemaVersion is bumped whenever the ledger layout changes.
const schemaVersion = 1

// Journal is an open ledger. One process holds one journal; SQLite's single
// writer makes concurrent scene workers safe.
type Journal struct {
	db     *sql.DB
	logger *logx.Logger
	runID  string
}

// Open creates or opens the ledger at path, migrating the schema as needed.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging journal: %w", err)
	}

	// SQLite supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating journal schema: %w", err)
	}

	return &Journal{
		db:     db,
		logger: logx.NewLogger("journal"),
		runID:  uuid.New().String(),
	}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close() //nolint:wrapcheck // Close errors surface as-is
}

// RunID returns this process's run identifier.
func (j *Journal) RunID() string { return j.runID }

func migrate(db *sql.DB) error {
	var version int
	err := db.QueryRow("SELECT version FROM schema_info LIMIT 1").Scan(&version)
	if err != nil {
		// Fresh database; schema_info does not exist yet.
		version = 0
	}
	if version == schemaVersion {
		return nil
	}
	if version > schemaVersion {
		return fmt.Errorf("journal schema version %d is newer than supported %d", version, schemaVersion)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_info (version INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id      TEXT PRIMARY KEY,
			story       TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'running',
			started_at  TEXT NOT NULL,
			finished_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS calls (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id            TEXT NOT NULL,
			story             TEXT NOT NULL,
			stage             TEXT NOT NULL,
			model             TEXT NOT NULL,
			prompt_tokens     INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			duration_ms       INTEGER NOT NULL DEFAULT 0,
			status            TEXT NOT NULL,
			error_type        TEXT NOT NULL DEFAULT '',
			created_at        TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_story ON calls(story)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_run ON calls(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_created ON calls(created_at)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("executing %q: %w", stmt[:40], err)
		}
	}

	if _, err := db.Exec("DELETE FROM schema_info"); err != nil {
		return fmt.Errorf("clearing schema version: %w", err)
	}
	if _, err := db.Exec("INSERT INTO schema_info (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("writing schema version: %w", err)
	}
	return nil
}

// StartRun records the beginning of a generation run for a story.
func (j *Journal) StartRun(ctx context.Context, story string) error {
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO runs (run_id, story, status, started_at) VALUES (?, ?, 'running', ?)",
		j.runID, story, now())
	if err != nil {
		return fmt.Errorf("recording run start: %w", err)
	}
	return nil
}

// FinishRun marks the current run finished with the given status
// ("completed", "failed", "canceled").
func (j *Journal) FinishRun(ctx context.Context, status string) error {
	_, err := j.db.ExecContext(ctx,
		"UPDATE runs SET status = ?, finished_at = ? WHERE run_id = ?",
		status, now(), j.runID)
	if err != nil {
		return fmt.Errorf("recording run finish: %w", err)
	}
	return nil
}

// RecordCall implements middleware.JournalSink. Ledger failures must never
// fail the model call, so errors are logged and swallowed.
func (j *Journal) RecordCall(ctx context.Context, record middleware.CallRecord) {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO calls
			(run_id, story, stage, model, prompt_tokens, completion_tokens, duration_ms, status, error_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.runID, record.Story, record.Stage, record.Model,
		record.PromptTokens, record.CompletionTokens, record.Duration.Milliseconds(),
		record.Status, record.ErrorType, now())
	if err != nil {
		j.logger.Warn("⚠️  Journal write failed: %v", err)
	}
}

// StageUsage aggregates calls by stage and model.
type StageUsage struct {
	Stage            string
	Model            string
	Calls            int
	Errors           int
	PromptTokens     int64
	CompletionTokens int64
	TotalDuration    time.Duration
}

// Usage returns per-stage aggregates for a story (all stories when story is
// empty) since the given time.
func (j *Journal) Usage(ctx context.Context, story string, since time.Time) ([]StageUsage, error) {
	query := `SELECT stage, model, COUNT(*),
			SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END),
			SUM(prompt_tokens), SUM(completion_tokens), SUM(duration_ms)
		FROM calls WHERE created_at >= ?`
	args := []any{since.UTC().Format(time.RFC3339Nano)}
	if story != "" {
		query += " AND story = ?"
		args = append(args, story)
	}
	query += " GROUP BY stage, model ORDER BY SUM(duration_ms) DESC"

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage: %w", err)
	}
	defer rows.Close()

	var result []StageUsage
	for rows.Next() {
		var u StageUsage
		var durationMS int64
		if err := rows.Scan(&u.Stage, &u.Model, &u.Calls, &u.Errors,
			&u.PromptTokens, &u.CompletionTokens, &durationMS); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		u.TotalDuration = time.Duration(durationMS) * time.Millisecond
		result = append(result, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return result, nil
}

// RunSummary is one recorded run.
type RunSummary struct {
	RunID      string
	Story      string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time // zero when still running
	Calls      int
}

// Runs lists recorded runs, newest first, up to limit.
func (j *Journal) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT r.run_id, r.story, r.status, r.started_at, COALESCE(r.finished_at, ''),
			(SELECT COUNT(*) FROM calls c WHERE c.run_id = r.run_id)
		 FROM runs r ORDER BY r.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var result []RunSummary
	for rows.Next() {
		var r RunSummary
		var started, finished string
		if err := rows.Scan(&r.RunID, &r.Story, &r.Status, &started, &finished, &r.Calls); err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if finished != "" {
			r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run rows: %w", err)
	}
	return result, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
