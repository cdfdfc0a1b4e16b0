// Package store implements the NanoClaw state store on SQLite: chat
// metadata, the message log the router polls, and scheduled tasks.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/types"
)

// Store wraps the SQLite database connection.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			chat_id     INTEGER PRIMARY KEY,
			name        TEXT NOT NULL DEFAULT '',
			last_active TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id          INTEGER NOT NULL,
			chat_id     INTEGER NOT NULL,
			sender      INTEGER NOT NULL,
			sender_name TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL DEFAULT '',
			timestamp   TEXT NOT NULL,
			is_from_me  INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (chat_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id             TEXT PRIMARY KEY,
			group_folder   TEXT NOT NULL,
			chat_id        INTEGER NOT NULL,
			prompt         TEXT NOT NULL,
			schedule_type  TEXT NOT NULL,
			schedule_value TEXT NOT NULL,
			context_mode   TEXT NOT NULL DEFAULT 'isolated',
			next_run       TEXT NOT NULL DEFAULT '',
			last_run       TEXT NOT NULL DEFAULT '',
			last_result    TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL DEFAULT 'active',
			created_at     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_next ON tasks(status, next_run)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

// ---------- Chats and messages ----------

// StoreChatMetadata upserts a chat's display name and last-active timestamp.
func (s *Store) StoreChatMetadata(chatID int64, name, timestamp string) error {
	_, err := s.db.Exec(`
		INSERT INTO chats (chat_id, name, last_active) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET name = excluded.name, last_active = excluded.last_active`,
		chatID, name, timestamp)
	if err != nil {
		return fmt.Errorf("store chat %d: %w", chatID, err)
	}
	return nil
}

// StoreMessage inserts one message row. Duplicate (chat, id) pairs are
// ignored so re-delivered transport updates are harmless.
func (s *Store) StoreMessage(m types.InboundMessage, isFromMe bool) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO messages (id, chat_id, sender, sender_name, content, timestamp, is_from_me)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, m.Sender, m.SenderName, m.Content, m.Timestamp, boolToInt(isFromMe))
	if err != nil {
		return fmt.Errorf("store message %d/%d: %w", m.ChatID, m.ID, err)
	}
	return nil
}

// NewMessagesSince returns messages across the given chats with timestamp
// strictly greater than since, excluding the assistant's own, ascending.
func (s *Store) NewMessagesSince(chatIDs []int64, since string) ([]types.InboundMessage, error) {
	if len(chatIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(chatIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(chatIDs)+1)
	for _, id := range chatIDs {
		args = append(args, id)
	}
	args = append(args, since)

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT id, chat_id, sender, sender_name, content, timestamp
		FROM messages
		WHERE chat_id IN (%s) AND timestamp > ? AND is_from_me = 0
		ORDER BY timestamp ASC`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("query new messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessagesSince returns one chat's messages with timestamp strictly greater
// than since (so already-processed messages are excluded), excluding the
// assistant's own, ascending.
func (s *Store) MessagesSince(chatID int64, since string) ([]types.InboundMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_id, sender, sender_name, content, timestamp
		FROM messages
		WHERE chat_id = ? AND timestamp > ? AND is_from_me = 0
		ORDER BY timestamp ASC`, chatID, since)
	if err != nil {
		return nil, fmt.Errorf("query messages for chat %d: %w", chatID, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]types.InboundMessage, error) {
	var msgs []types.InboundMessage
	for rows.Next() {
		var m types.InboundMessage
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Sender, &m.SenderName, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ---------- Tasks ----------

// CreateTask persists a new scheduled task.
func (s *Store) CreateTask(t *types.ScheduledTask) error {
	_, err := s.db.Exec(`
		INSERT INTO tasks
			(id, group_folder, chat_id, prompt, schedule_type, schedule_value,
			 context_mode, next_run, last_run, last_result, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.ChatID, t.Prompt, string(t.ScheduleType), t.ScheduleValue,
		string(t.ContextMode), t.NextRun, t.LastRun, t.LastResult, string(t.Status), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task %q: %w", t.ID, err)
	}
	return nil
}

// TaskByID returns a task, or nil when absent.
func (s *Store) TaskByID(id string) (*types.ScheduledTask, error) {
	row := s.db.QueryRow(taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", id, err)
	}
	return t, nil
}

// UpdateTaskStatus sets a task's status.
func (s *Store) UpdateTaskStatus(id string, status types.TaskStatus) error {
	_, err := s.db.Exec(`UPDATE tasks SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update task %q status: %w", id, err)
	}
	return nil
}

// UpdateTaskAfterRun records a firing outcome and the recomputed next_run.
// Status transitions to completed for one-shot tasks (empty nextRun).
func (s *Store) UpdateTaskAfterRun(id, lastRun, lastResult, nextRun string, status types.TaskStatus) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET last_run = ?, last_result = ?, next_run = ?, status = ?
		WHERE id = ?`, lastRun, lastResult, nextRun, string(status), id)
	if err != nil {
		return fmt.Errorf("update task %q after run: %w", id, err)
	}
	return nil
}

// DeleteTask removes a task record.
func (s *Store) DeleteTask(id string) error {
	_, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %q: %w", id, err)
	}
	return nil
}

// AllTasks returns every task, newest first.
func (s *Store) AllTasks() ([]*types.ScheduledTask, error) {
	rows, err := s.db.Query(taskSelect + ` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// DueTasks returns active tasks whose next_run is at or before now.
func (s *Store) DueTasks(now time.Time) ([]*types.ScheduledTask, error) {
	rows, err := s.db.Query(taskSelect+`
		WHERE status = 'active' AND next_run != '' AND next_run <= ?
		ORDER BY next_run ASC`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

const taskSelect = `
	SELECT id, group_folder, chat_id, prompt, schedule_type, schedule_value,
	       context_mode, next_run, last_run, last_result, status, created_at
	FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.ScheduledTask, error) {
	var (
		t                  types.ScheduledTask
		schedType, ctxMode string
		status             string
	)
	if err := row.Scan(
		&t.ID, &t.GroupFolder, &t.ChatID, &t.Prompt, &schedType, &t.ScheduleValue,
		&ctxMode, &t.NextRun, &t.LastRun, &t.LastResult, &status, &t.CreatedAt,
	); err != nil {
		return nil, err
	}
	t.ScheduleType = types.ScheduleType(schedType)
	t.ContextMode = types.ContextMode(ctxMode)
	t.Status = types.TaskStatus(status)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*types.ScheduledTask, error) {
	var tasks []*types.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
