package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Event classifies one execution attempt record.
type Event string

const (
	EventStarted   Event = "started"
	EventYielded   Event = "yielded"
	EventCompleted Event = "completed"
	EventFailed    Event = "failed"
	EventRejected  Event = "rejected"
)

// Entry is one journaled execution event.
type Entry struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	ExecutorID string    `json:"executor_id"`
	Event      Event     `json:"event"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Journal is an executor-local SQLite audit log of execution attempts. It
// is written best effort and plays no part in the coordination protocol.
type Journal struct {
	logger *zap.Logger
	db     *sql.DB
}

// Open creates or opens a journal database.
func Open(path string, logger *zap.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	j := &Journal{
		logger: logger.Named("journal"),
		db:     db,
	}
	if err := j.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) initialize() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS execution_journal (
			id          TEXT PRIMARY KEY,
			task_id     TEXT NOT NULL,
			executor_id TEXT NOT NULL,
			event       TEXT NOT NULL,
			detail      TEXT,
			at          TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_journal_task ON execution_journal(task_id);
		CREATE INDEX IF NOT EXISTS idx_journal_at ON execution_journal(at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return nil
}

// Record appends one execution event.
func (j *Journal) Record(taskID, executorID string, event Event, detail string) error {
	_, err := j.db.Exec(`
		INSERT INTO execution_journal (id, task_id, executor_id, event, detail, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), taskID, executorID, string(event), detail, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record journal entry: %w", err)
	}
	return nil
}

// List returns the journaled events for a task in chronological order.
func (j *Journal) List(taskID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.Query(`
		SELECT id, task_id, executor_id, event, detail, at
		FROM execution_journal
		WHERE task_id = ?
		ORDER BY at ASC
		LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var event string
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.ExecutorID, &event,
			&entry.Detail, &entry.At); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entry.Event = Event(event)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// DeleteBefore removes journal entries older than the given time.
func (j *Journal) DeleteBefore(before time.Time) error {
	result, err := j.db.Exec(`DELETE FROM execution_journal WHERE at < ?`, before)
	if err != nil {
		return fmt.Errorf("failed to delete journal entries: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		j.logger.Info("Deleted old journal entries", zap.Int64("count", n))
	}
	return nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
