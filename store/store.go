// Package store is the durable relational side of the orchestrator: inbound
// chat messages, known chats, and scheduled tasks, all in one sqlite database.
// The chat transport bridge is the only message writer; the loops read.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // database/sql driver
)

// Schedule types for scheduled tasks.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Task states.
const (
	TaskActive    = "active"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
)

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = errors.New("scheduled task not found")

// Message is one inbound chat message.
type Message struct {
	ID        string
	ChatJID   string
	Sender    string
	Content   string
	Timestamp time.Time
}

// Chat is a known conversation.
type Chat struct {
	JID             string
	Name            string
	LastMessageTime time.Time
}

// ScheduledTask is a recurring or one-shot planner turn.
type ScheduledTask struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  string
	ScheduleValue string
	Status        string
	NextRun       *time.Time
	CreatedAt     time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id        TEXT NOT NULL,
	chat_jid  TEXT NOT NULL,
	sender    TEXT NOT NULL DEFAULT '',
	content   TEXT NOT NULL DEFAULT '',
	ts        TIMESTAMP NOT NULL,
	PRIMARY KEY (id, chat_jid)
);
CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts);
CREATE TABLE IF NOT EXISTS chats (
	jid               TEXT PRIMARY KEY,
	name              TEXT NOT NULL DEFAULT '',
	last_message_time TIMESTAMP
);
CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id             TEXT PRIMARY KEY,
	group_folder   TEXT NOT NULL,
	chat_jid       TEXT NOT NULL,
	prompt         TEXT NOT NULL,
	schedule_type  TEXT NOT NULL,
	schedule_value TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'active',
	next_run       TIMESTAMP,
	created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON scheduled_tasks(next_run);
`

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and initializes the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows one writer; serialize access through a single conn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing database handle (tests, shared handles) and
// initializes the schema.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle so sibling registries (runs) can share it.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// InsertMessage stores one inbound message and bumps the chat's last-message
// time. Duplicate (id, chat) pairs are ignored: ingestion is at-least-once.
func (s *Store) InsertMessage(m Message) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO messages (id, chat_jid, sender, content, ts) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ChatJID, m.Sender, m.Content, m.Timestamp)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO chats (jid, last_message_time) VALUES (?, ?)
		 ON CONFLICT(jid) DO UPDATE SET last_message_time = excluded.last_message_time`,
		m.ChatJID, m.Timestamp)
	if err != nil {
		return fmt.Errorf("update chat: %w", err)
	}
	return nil
}

// StoreChat upserts a chat's display name.
func (s *Store) StoreChat(jid, name string) error {
	_, err := s.db.Exec(
		`INSERT INTO chats (jid, name) VALUES (?, ?)
		 ON CONFLICT(jid) DO UPDATE SET name = excluded.name`, jid, name)
	if err != nil {
		return fmt.Errorf("store chat: %w", err)
	}
	return nil
}

// MessagesAfter returns messages strictly after ts in the given chats,
// ascending by time. An empty chat list returns nothing.
func (s *Store) MessagesAfter(ts time.Time, chatJIDs []string) ([]Message, error) {
	if len(chatJIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(chatJIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{ts}
	for _, jid := range chatJIDs {
		args = append(args, jid)
	}
	rows, err := s.db.Query(
		`SELECT id, chat_jid, sender, content, ts FROM messages
		 WHERE ts > ? AND chat_jid IN (`+placeholders+`)
		 ORDER BY ts ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// MessagesAfterInChat returns one chat's messages strictly after ts,
// ascending.
func (s *Store) MessagesAfterInChat(chatJID string, ts time.Time) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_jid, sender, content, ts FROM messages
		 WHERE chat_jid = ? AND ts > ? ORDER BY ts ASC, id ASC`, chatJID, ts)
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.Sender, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateTask inserts a scheduled task.
func (s *Store) CreateTask(t ScheduledTask) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = TaskActive
	}
	_, err := s.db.Exec(
		`INSERT INTO scheduled_tasks (id, group_folder, chat_jid, prompt, schedule_type, schedule_value, status, next_run, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue, t.Status, t.NextRun, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask fetches one task.
func (s *Store) GetTask(id string) (*ScheduledTask, error) {
	row := s.db.QueryRow(
		`SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, status, next_run, created_at
		 FROM scheduled_tasks WHERE id = ?`, id)
	return scanTask(row)
}

// DueTasks returns active tasks whose next_run is at or before now.
func (s *Store) DueTasks(now time.Time) ([]ScheduledTask, error) {
	rows, err := s.db.Query(
		`SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, status, next_run, created_at
		 FROM scheduled_tasks
		 WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		 ORDER BY next_run ASC`, TaskActive, now)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ListTasks returns tasks for one group folder, or all tasks when folder is
// empty, newest first.
func (s *Store) ListTasks(groupFolder string) ([]ScheduledTask, error) {
	query := `SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, status, next_run, created_at
		 FROM scheduled_tasks`
	var args []any
	if groupFolder != "" {
		query += ` WHERE group_folder = ?`
		args = append(args, groupFolder)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// SetTaskNextRun updates a task's next firing time (nil clears it).
func (s *Store) SetTaskNextRun(id string, next *time.Time) error {
	res, err := s.db.Exec(`UPDATE scheduled_tasks SET next_run = ? WHERE id = ?`, next, id)
	if err != nil {
		return fmt.Errorf("set next_run: %w", err)
	}
	return requireRow(res)
}

// UpdateTaskStatus flips a task's status.
func (s *Store) UpdateTaskStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return requireRow(res)
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(id string) error {
	res, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

type taskScanner interface {
	Scan(dest ...any) error
}

func scanTask(row taskScanner) (*ScheduledTask, error) {
	var t ScheduledTask
	var nextRun sql.NullTime
	err := row.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &t.ScheduleType,
		&t.ScheduleValue, &t.Status, &nextRun, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if nextRun.Valid {
		v := nextRun.Time
		t.NextRun = &v
	}
	return &t, nil
}
