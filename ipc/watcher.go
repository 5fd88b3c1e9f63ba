// Package ipc consumes on-disk requests from agent containers. The directory
// name under the IPC root is the authenticated source identity: a file under
// data/ipc/<folder>/ speaks for the group registered with that folder.
// The watcher is the single reader; writers create name.json.tmp and rename.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/c360studio/nanoclaw/metrics"
	"github.com/c360studio/nanoclaw/router"
	"github.com/c360studio/nanoclaw/scheduler"
	"github.com/c360studio/nanoclaw/store"
)

// DefaultSweepInterval is the scan period; fsnotify events only shortcut the
// wait, the sweep is what guarantees progress.
const DefaultSweepInterval = time.Second

// errorsDirName quarantines malformed files.
const errorsDirName = "errors"

// malformedError marks a file as unprocessable. Any other error is transient
// and leaves the file in place for the next sweep.
type malformedError struct{ err error }

func (e *malformedError) Error() string { return e.err.Error() }
func (e *malformedError) Unwrap() error { return e.err }

func malformed(format string, args ...any) error {
	return &malformedError{err: fmt.Errorf(format, args...)}
}

// Sender delivers text to a chat.
type Sender interface {
	SendMessage(chatJID, text string) error
}

// request is the union of all IPC file payloads.
type request struct {
	Type string `json:"type"`

	// message
	ChatJID string `json:"chatJid,omitempty"`
	Text    string `json:"text,omitempty"`

	// schedule_task
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"schedule_type,omitempty"`
	ScheduleValue string `json:"schedule_value,omitempty"`
	GroupFolder   string `json:"groupFolder,omitempty"`

	// pause_task / resume_task / cancel_task
	TaskID string `json:"taskId,omitempty"`

	// register_group
	Name    string `json:"name,omitempty"`
	Folder  string `json:"folder,omitempty"`
	Trigger string `json:"trigger,omitempty"`
}

// Config holds watcher settings.
type Config struct {
	// Dir is the IPC root, conventionally <data>/ipc.
	Dir string
	// SweepInterval overrides the 1 s default.
	SweepInterval time.Duration
	// Timezone evaluates cron next_run for scheduled tasks.
	Timezone *time.Location
}

// Watcher consumes IPC files.
type Watcher struct {
	cfg    Config
	state  *router.State
	store  *store.Store
	sender Sender
	logger *slog.Logger

	// refresh is invoked for refresh_groups requests. May be nil.
	refresh func(context.Context) error
}

// NewWatcher wires the IPC watcher.
func NewWatcher(cfg Config, state *router.State, st *store.Store, sender Sender, refresh func(context.Context) error, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	return &Watcher{
		cfg:     cfg,
		state:   state,
		store:   st,
		sender:  sender,
		logger:  logger.With(slog.String("component", "ipc")),
		refresh: refresh,
	}
}

// Run blocks, sweeping until the context ends. Filesystem events nudge the
// next sweep forward but are never required for correctness.
func (w *Watcher) Run(ctx context.Context) error {
	nudge := make(chan struct{}, 1)
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, polling only", slog.String("error", err.Error()))
	} else {
		defer func() { _ = fsw.Close() }()
		go w.forwardEvents(ctx, fsw, nudge)
	}

	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		if err := w.SweepOnce(ctx); err != nil {
			w.logger.Error("ipc sweep failed", slog.String("error", err.Error()))
		}
		if fsw != nil {
			w.updateWatches(fsw)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-nudge:
		}
	}
}

func (w *Watcher) forwardEvents(ctx context.Context, fsw *fsnotify.Watcher, nudge chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-fsw.Events:
			if !ok {
				return
			}
			select {
			case nudge <- struct{}{}:
			default:
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify error", slog.String("error", err.Error()))
		}
	}
}

// updateWatches keeps fsnotify pointed at every registered source's inboxes.
func (w *Watcher) updateWatches(fsw *fsnotify.Watcher) {
	_ = fsw.Add(w.cfg.Dir)
	for _, chatID := range w.state.ChatIDs() {
		g, ok := w.state.Group(chatID)
		if !ok {
			continue
		}
		for _, sub := range []string{"messages", "tasks"} {
			dir := filepath.Join(w.cfg.Dir, g.Folder, sub)
			if info, err := os.Stat(dir); err == nil && info.IsDir() {
				_ = fsw.Add(dir)
			}
		}
	}
}

// SweepOnce processes every pending file across all registered sources.
// Folders without a registration are ignored entirely.
func (w *Watcher) SweepOnce(ctx context.Context) error {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read ipc root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == errorsDirName {
			continue
		}
		source := entry.Name()
		if _, _, ok := w.state.GroupByFolder(source); !ok {
			continue
		}
		w.sweepSource(ctx, source, "messages")
		w.sweepSource(ctx, source, "tasks")
	}
	return nil
}

func (w *Watcher) sweepSource(ctx context.Context, source, kind string) {
	dir := filepath.Join(w.cfg.Dir, source, kind)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	// Filenames start with a millisecond timestamp, so lexical order is
	// chronological.
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := w.processFile(ctx, source, kind, path); err != nil {
			var bad *malformedError
			if errors.As(err, &bad) {
				w.quarantine(source, name, path)
				metrics.IPCFiles.WithLabelValues(kind, "malformed").Inc()
				w.logger.Warn("malformed ipc file quarantined",
					slog.String("source", source),
					slog.String("file", name),
					slog.String("error", err.Error()))
				continue
			}
			// Transient failure (transport or store). The file stays put and
			// the next sweep retries it; stop here so the inbox keeps its
			// chronological order.
			metrics.IPCFiles.WithLabelValues(kind, "deferred").Inc()
			w.logger.Warn("ipc file deferred",
				slog.String("source", source),
				slog.String("file", name),
				slog.String("error", err.Error()))
			return
		}
		if err := os.Remove(path); err != nil {
			w.logger.Error("could not remove processed ipc file",
				slog.String("file", path), slog.String("error", err.Error()))
		}
		metrics.IPCFiles.WithLabelValues(kind, "processed").Inc()
	}
}

// processFile validates and applies one file. A malformedError means the file
// belongs in quarantine; any other error is transient and the file is
// retried. Authorization failures are not errors, they drop the file with a
// warning.
func (w *Watcher) processFile(ctx context.Context, source, kind, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		return malformed("parse: %w", err)
	}

	switch kind {
	case "messages":
		if req.Type != "message" {
			return malformed("unexpected type %q in messages inbox", req.Type)
		}
		return w.applyMessage(source, &req)
	case "tasks":
		return w.applyTask(ctx, source, &req)
	default:
		return malformed("unknown inbox %q", kind)
	}
}

// applyMessage sends text to a chat the source is allowed to address: main
// may address any registered chat, others only their own.
func (w *Watcher) applyMessage(source string, req *request) error {
	if req.ChatJID == "" || req.Text == "" {
		return malformed("message requires chatJid and text")
	}
	if _, ok := w.state.Group(req.ChatJID); !ok {
		return malformed("chat %s is not registered", req.ChatJID)
	}
	if !w.authorized(source, req.ChatJID) {
		w.dropUnauthorized(source, "message to foreign chat")
		return nil
	}
	if err := w.sender.SendMessage(req.ChatJID, req.Text); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (w *Watcher) applyTask(ctx context.Context, source string, req *request) error {
	switch req.Type {
	case "schedule_task":
		return w.applySchedule(source, req)
	case "pause_task":
		return w.applyTaskStatus(source, req.TaskID, store.TaskPaused)
	case "resume_task":
		return w.applyTaskStatus(source, req.TaskID, store.TaskActive)
	case "cancel_task":
		return w.applyCancel(source, req.TaskID)
	case "refresh_groups":
		if source != router.MainFolder {
			w.dropUnauthorized(source, "refresh_groups")
			return nil
		}
		if w.refresh == nil {
			return nil
		}
		return w.refresh(ctx)
	case "register_group":
		return w.applyRegister(source, req)
	default:
		return malformed("unknown task type %q", req.Type)
	}
}

// applySchedule validates the schedule and creates the task row with its
// first next_run already computed.
func (w *Watcher) applySchedule(source string, req *request) error {
	folder := req.GroupFolder
	if folder == "" {
		folder = source
	}
	if req.Prompt == "" {
		return malformed("schedule_task requires a prompt")
	}
	if err := scheduler.ValidateSchedule(req.ScheduleType, req.ScheduleValue); err != nil {
		return malformed("invalid schedule: %w", err)
	}
	if source != router.MainFolder && folder != source {
		w.dropUnauthorized(source, "schedule_task for foreign folder")
		return nil
	}
	chatID, _, ok := w.state.GroupByFolder(folder)
	if !ok {
		return malformed("no registered group owns folder %q", folder)
	}
	if req.ChatJID != "" {
		chatID = req.ChatJID
	}

	next, err := scheduler.NextRun(req.ScheduleType, req.ScheduleValue, time.Now(), w.cfg.Timezone)
	if err != nil {
		return malformed("compute next run: %w", err)
	}
	task := store.ScheduledTask{
		ID:            "task-" + uuid.NewString(),
		GroupFolder:   folder,
		ChatJID:       chatID,
		Prompt:        req.Prompt,
		ScheduleType:  req.ScheduleType,
		ScheduleValue: req.ScheduleValue,
		Status:        store.TaskActive,
		NextRun:       next,
	}
	if err := w.store.CreateTask(task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	w.logger.Info("scheduled task created",
		slog.String("task_id", task.ID),
		slog.String("source", source),
		slog.String("schedule", req.ScheduleType+" "+req.ScheduleValue))
	return nil
}

func (w *Watcher) applyTaskStatus(source, taskID, status string) error {
	task, err := w.ownedTask(source, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}
	return w.store.UpdateTaskStatus(taskID, status)
}

func (w *Watcher) applyCancel(source, taskID string) error {
	task, err := w.ownedTask(source, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}
	return w.store.DeleteTask(taskID)
}

// ownedTask loads a task and enforces folder ownership. nil, nil means the
// request was dropped as unauthorized.
func (w *Watcher) ownedTask(source, taskID string) (*store.ScheduledTask, error) {
	if taskID == "" {
		return nil, malformed("task id is required")
	}
	task, err := w.store.GetTask(taskID)
	if errors.Is(err, store.ErrTaskNotFound) {
		return nil, malformed("task %s does not exist", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup task %s: %w", taskID, err)
	}
	if source != router.MainFolder && task.GroupFolder != source {
		w.dropUnauthorized(source, "task "+taskID+" owned by "+task.GroupFolder)
		return nil, nil
	}
	return task, nil
}

func (w *Watcher) applyRegister(source string, req *request) error {
	if source != router.MainFolder {
		w.dropUnauthorized(source, "register_group")
		return nil
	}
	if req.ChatJID == "" || req.Folder == "" {
		return malformed("register_group requires chatJid and folder")
	}
	return w.state.RegisterGroup(req.ChatJID, router.RegisteredGroup{
		Name:    req.Name,
		Folder:  req.Folder,
		Trigger: req.Trigger,
	})
}

// authorized reports whether source may address chatID.
func (w *Watcher) authorized(source, chatID string) bool {
	if source == router.MainFolder {
		return true
	}
	g, ok := w.state.Group(chatID)
	return ok && g.Folder == source
}

func (w *Watcher) dropUnauthorized(source, what string) {
	metrics.IPCFiles.WithLabelValues("tasks", "unauthorized").Inc()
	w.logger.Warn("unauthorized ipc request dropped",
		slog.String("source", source),
		slog.String("request", what))
}

// quarantine moves a malformed file to <root>/errors/<source>-<name>.
func (w *Watcher) quarantine(source, name, path string) {
	dir := filepath.Join(w.cfg.Dir, errorsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.logger.Error("could not create errors dir", slog.String("error", err.Error()))
		return
	}
	dest := filepath.Join(dir, source+"-"+name)
	if err := os.Rename(path, dest); err != nil {
		w.logger.Error("could not quarantine ipc file",
			slog.String("file", path), slog.String("error", err.Error()))
	}
}

// WriteRequest drops a request into an inbox using the shared atomic-write
// convention: <ms>-<6 base36>.json written as .tmp then renamed. Agents in
// other processes follow the same recipe.
func WriteRequest(root, source, kind string, payload any) (string, error) {
	dir := filepath.Join(root, source, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create inbox: %w", err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	name := fmt.Sprintf("%d-%s.json", time.Now().UnixMilli(), randomSuffix())
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write request: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("publish request: %w", err)
	}
	return path, nil
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

func randomSuffix() string {
	id := uuid.New()
	out := make([]byte, 6)
	for i := range out {
		out[i] = base36[int(id[i])%len(base36)]
	}
	return string(out)
}
