// Package runs tracks long-running background actions. Rows live in a small
// sqlite table; in-process abort handles let a cancel request stop the
// in-flight upstream call.
package runs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/nanoclaw/metrics"
)

// Status is the run lifecycle state. Transitions are monotone:
// queued → running → (completed | failed | cancelled).
type Status string

// Run states.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// MaxListLimit caps a single List call.
const MaxListLimit = 100

// Registry errors.
var (
	ErrNotFound          = errors.New("run not found")
	ErrInvalidTransition = errors.New("invalid run status transition")
)

// Run is the durable record of one background task.
type Run struct {
	ID              string     `json:"id"`
	ActionType      string     `json:"actionType"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	Summary         string     `json:"summary,omitempty"`
	ResultText      string     `json:"resultText,omitempty"`
	ErrorText       string     `json:"errorText,omitempty"`
	CancelRequested bool       `json:"cancelRequested"`
}

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Update is a partial update; nil fields are left untouched.
type Update struct {
	Status          *Status
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ResultText      *string
	ErrorText       *string
	CancelRequested *bool
}

// NewID returns a fresh run id.
func NewID() string {
	return "run-" + uuid.NewString()
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	action_type      TEXT NOT NULL,
	status           TEXT NOT NULL,
	created_at       TIMESTAMP NOT NULL,
	started_at       TIMESTAMP,
	completed_at     TIMESTAMP,
	summary          TEXT NOT NULL DEFAULT '',
	result_text      TEXT NOT NULL DEFAULT '',
	error_text       TEXT NOT NULL DEFAULT '',
	cancel_requested INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);
`

// Registry owns the runs table and the in-process abort handles.
type Registry struct {
	db *sql.DB

	mu     sync.Mutex
	aborts map[string]context.CancelFunc
}

// NewRegistry initializes the runs schema on db.
func NewRegistry(db *sql.DB) (*Registry, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("init runs schema: %w", err)
	}
	return &Registry{db: db, aborts: make(map[string]context.CancelFunc)}, nil
}

// Create inserts a new run row.
func (r *Registry) Create(run Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	if run.Status == "" {
		run.Status = StatusQueued
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(
		`INSERT INTO runs (id, action_type, status, created_at, summary, cancel_requested)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.ActionType, string(run.Status), run.CreatedAt, run.Summary, boolToInt(run.CancelRequested),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	metrics.RunTransitions.WithLabelValues(string(run.Status)).Inc()
	return nil
}

// Apply applies a partial update. A status change must follow the monotone
// lifecycle; updates to a terminal row (other than flag-only ones) fail.
func (r *Registry) Apply(id string, u Update) error {
	current, err := r.Get(id)
	if err != nil {
		return err
	}
	if u.Status != nil {
		if !validTransition(current.Status, *u.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, *u.Status)
		}
	}

	set := "status = status"
	args := []any{}
	if u.Status != nil {
		set += ", status = ?"
		args = append(args, string(*u.Status))
	}
	if u.StartedAt != nil {
		set += ", started_at = ?"
		args = append(args, *u.StartedAt)
	}
	if u.CompletedAt != nil {
		set += ", completed_at = ?"
		args = append(args, *u.CompletedAt)
	}
	if u.ResultText != nil {
		set += ", result_text = ?"
		args = append(args, *u.ResultText)
	}
	if u.ErrorText != nil {
		set += ", error_text = ?"
		args = append(args, *u.ErrorText)
	}
	if u.CancelRequested != nil {
		set += ", cancel_requested = ?"
		args = append(args, boolToInt(*u.CancelRequested))
	}
	args = append(args, id)

	if _, err := r.db.Exec("UPDATE runs SET "+set+" WHERE id = ?", args...); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if u.Status != nil {
		metrics.RunTransitions.WithLabelValues(string(*u.Status)).Inc()
	}
	return nil
}

// Get fetches one run.
func (r *Registry) Get(id string) (*Run, error) {
	row := r.db.QueryRow(
		`SELECT id, action_type, status, created_at, started_at, completed_at,
		        summary, result_text, error_text, cancel_requested
		 FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// List returns up to limit runs, newest first. The limit is capped at
// MaxListLimit; non-positive values get the cap.
func (r *Registry) List(limit int) ([]Run, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	rows, err := r.db.Query(
		`SELECT id, action_type, status, created_at, started_at, completed_at,
		        summary, result_text, error_text, cancel_requested
		 FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// RegisterAbort stores the cancel handle for an in-flight run.
func (r *Registry) RegisterAbort(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborts[id] = cancel
}

// ClearAbort drops the handle once the worker finishes.
func (r *Registry) ClearAbort(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.aborts, id)
}

// Cancel flags the run cancelled, aborts the in-flight call when a handle
// exists, and writes the terminal state. Cancelling an already-terminal run
// is a no-op that reports the current state.
func (r *Registry) Cancel(id string) (*Run, error) {
	current, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return current, nil
	}

	flag := true
	if err := r.Apply(id, Update{CancelRequested: &flag}); err != nil {
		return nil, err
	}

	r.mu.Lock()
	cancel := r.aborts[id]
	delete(r.aborts, id)
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	now := time.Now().UTC()
	cancelled := StatusCancelled
	errText := "cancelled by operator"
	if err := r.Apply(id, Update{Status: &cancelled, CompletedAt: &now, ErrorText: &errText}); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// The worker drove the run terminal between our flag write and
			// here. That outcome stands; report it.
			return r.Get(id)
		}
		return nil, err
	}
	return r.Get(id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var status string
	var startedAt, completedAt sql.NullTime
	var cancelRequested int
	err := row.Scan(&run.ID, &run.ActionType, &status, &run.CreatedAt,
		&startedAt, &completedAt, &run.Summary, &run.ResultText, &run.ErrorText, &cancelRequested)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Status = Status(status)
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	run.CancelRequested = cancelRequested != 0
	return &run, nil
}

func validTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusQueued:
		return to == StatusRunning || to.Terminal()
	case StatusRunning:
		return to.Terminal()
	default:
		return false
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
