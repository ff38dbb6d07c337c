// Package archive persists a summary row per completed run so operators
// can review past work after sessions are evicted.
package archive

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Run is one archived agent run.
type Run struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	MessageCount int       `json:"message_count"`
	ToolCalls    int       `json:"tool_calls"`
	FinalAnswer  string    `json:"final_answer"`
}

// Run status values.
const (
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
)

type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL,
	message_count INTEGER NOT NULL,
	tool_calls INTEGER NOT NULL,
	final_answer TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);
`

// Open creates or opens the archive database at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init archive schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record inserts one finished run.
func (s *Store) Record(run Run) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (id, session_id, status, started_at, finished_at, message_count, tool_calls, final_answer)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SessionID, run.Status, run.StartedAt, run.FinishedAt,
		run.MessageCount, run.ToolCalls, run.FinalAnswer,
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}
	return nil
}

// List returns the most recent runs, newest first.
func (s *Store) List(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, status, started_at, finished_at, message_count, tool_calls, final_answer
		 FROM runs ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.ID, &run.SessionID, &run.Status, &run.StartedAt,
			&run.FinishedAt, &run.MessageCount, &run.ToolCalls, &run.FinalAnswer); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
