package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/nanoclaw/plan"
	"github.com/c360studio/nanoclaw/runs"
)

// opencodeRequest is the body sent to the code-task service.
type opencodeRequest struct {
	Task          string `json:"task"`
	Cwd           string `json:"cwd,omitempty"`
	ExecutionMode string `json:"executionMode"`
}

// runOpencode executes a code task. Foreground posts synchronously;
// background records a run, returns its id immediately, and drives the run
// row from a worker goroutine.
func (e *Executor) runOpencode(ctx context.Context, a *plan.Action) (string, error) {
	if e.cfg.OpencodeURL == "" {
		return "", fmt.Errorf("no opencode endpoint configured")
	}
	timeout := e.cfg.OpencodeDefaultTimeout
	if a.TimeoutSeconds > 0 {
		timeout = time.Duration(a.TimeoutSeconds) * time.Second
	}

	if a.ExecutionMode != plan.ExecBackground {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return e.postOpencode(ctx, a.Task, a.Cwd, string(plan.ExecForeground))
	}

	if e.registry == nil {
		return "", fmt.Errorf("background execution requires a run registry")
	}

	runID := runs.NewID()
	if err := e.registry.Create(runs.Run{
		ID:         runID,
		ActionType: string(plan.ActionOpencodeServe),
		Status:     runs.StatusQueued,
		Summary:    truncateHead(a.Task, 200),
	}); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	// Background work outlives the dispatch request; detach from its context
	// and register the abort handle for cancellation.
	workCtx, cancel := context.WithTimeout(context.Background(), timeout)
	e.registry.RegisterAbort(runID, cancel)
	go e.runOpencodeWorker(workCtx, runID, a.Task, a.Cwd)

	return fmt.Sprintf("started background task runId=%s", runID), nil
}

// runOpencodeWorker drives one background run to a terminal state.
func (e *Executor) runOpencodeWorker(ctx context.Context, runID, task, cwd string) {
	defer e.registry.ClearAbort(runID)

	now := time.Now().UTC()
	running := runs.StatusRunning
	if err := e.registry.Apply(runID, runs.Update{Status: &running, StartedAt: &now}); err != nil {
		// A cancel racing the start already wrote the terminal state.
		e.logger.Warn("run already terminal before start", slog.String("run_id", runID), slog.String("error", err.Error()))
		return
	}

	output, err := e.postOpencode(ctx, task, cwd, string(plan.ExecBackground))
	done := time.Now().UTC()
	if err != nil {
		if ctx.Err() == context.Canceled {
			// Cancelled: the registry wrote the terminal state; partial
			// output is discarded.
			return
		}
		failed := runs.StatusFailed
		errText := err.Error()
		if ctx.Err() == context.DeadlineExceeded {
			errText = "task timed out"
		}
		if applyErr := e.registry.Apply(runID, runs.Update{Status: &failed, CompletedAt: &done, ErrorText: &errText}); applyErr != nil {
			e.logger.Warn("could not record run failure", slog.String("run_id", runID), slog.String("error", applyErr.Error()))
		}
		return
	}

	completed := runs.StatusCompleted
	if applyErr := e.registry.Apply(runID, runs.Update{Status: &completed, CompletedAt: &done, ResultText: &output}); applyErr != nil {
		e.logger.Warn("could not record run completion", slog.String("run_id", runID), slog.String("error", applyErr.Error()))
	}
}

func (e *Executor) postOpencode(ctx context.Context, task, cwd, mode string) (string, error) {
	data, err := json.Marshal(opencodeRequest{Task: task, Cwd: cwd, ExecutionMode: mode})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.OpencodeURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// The default client timeout is tuned for fetches; code tasks run longer
	// and are bounded by ctx instead.
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post opencode task: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchReadLimit))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("opencode returned %d: %s", resp.StatusCode, truncateHead(string(body), 500))
	}
	return string(body), nil
}

// runAddon forwards addon operations to the code-task service as structured
// tasks; the service owns the addon store.
func (e *Executor) runAddon(ctx context.Context, a *plan.Action) (string, error) {
	if e.cfg.OpencodeURL == "" {
		return "", fmt.Errorf("no opencode endpoint configured")
	}
	var task string
	switch a.Type {
	case plan.ActionAddonInstall:
		task = fmt.Sprintf("addon install %s", a.Name)
	case plan.ActionAddonCreate:
		task = fmt.Sprintf("addon create %s: %s", a.Name, a.Purpose)
	case plan.ActionAddonRun:
		task = fmt.Sprintf("addon run %s", a.Name)
		if a.Input != "" {
			task += " with input: " + a.Input
		}
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.OpencodeDefaultTimeout)
	defer cancel()
	return e.postOpencode(ctx, task, a.Cwd, string(plan.ExecForeground))
}
