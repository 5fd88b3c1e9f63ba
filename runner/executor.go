package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/c360studio/nanoclaw/dispatch"
	"github.com/c360studio/nanoclaw/metrics"
	"github.com/c360studio/nanoclaw/plan"
	"github.com/c360studio/nanoclaw/runs"
)

// Browser navigates a page with a headless driver. Nil means no driver is
// available and browser-mode fetches fall back to the readable mirror.
type Browser interface {
	// Navigate loads the url to domcontentloaded and returns the page title
	// and rendered text.
	Navigate(ctx context.Context, url string) (title, text string, err error)
}

// Executor runs dispatched actions.
type Executor struct {
	cfg        Config
	logger     *slog.Logger
	registry   *runs.Registry
	httpClient *http.Client
	browser    Browser
	pages      *pageExtractor
}

// NewExecutor creates an executor. registry may not be nil; browser may be.
func NewExecutor(cfg Config, registry *runs.Registry, browser Browser, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	return &Executor{
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "runner")),
		registry:   registry,
		httpClient: &http.Client{Timeout: cfg.FetchTimeout},
		browser:    browser,
		pages:      newPageExtractor(),
	}
}

// Execute runs every action in the envelope and returns results positionally
// aligned with the inputs. Ungrouped actions run serially in declaration
// order; actions carrying a parallelGroup run concurrently, bounded by
// MaxParallel. Grouping is advisory: admission is global, not per group.
func (e *Executor) Execute(ctx context.Context, env dispatch.Envelope) []dispatch.ActionResult {
	results := make([]dispatch.ActionResult, len(env.Actions))

	var serialIdx, groupedIdx []int
	for i := range env.Actions {
		if env.Actions[i].ParallelGroup != "" {
			groupedIdx = append(groupedIdx, i)
		} else {
			serialIdx = append(serialIdx, i)
		}
	}

	for _, i := range serialIdx {
		results[i] = e.executeOne(ctx, env.DispatchID, i, &env.Actions[i])
	}

	if len(groupedIdx) > 0 {
		sem := make(chan struct{}, e.cfg.MaxParallel)
		var wg sync.WaitGroup
		for _, i := range groupedIdx {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				results[i] = e.executeOne(ctx, env.DispatchID, i, &env.Actions[i])
			}(i)
		}
		wg.Wait()
	}

	return results
}

// executeOne runs a single action and never panics on bad input.
func (e *Executor) executeOne(ctx context.Context, dispatchID string, index int, a *plan.Action) dispatch.ActionResult {
	start := time.Now()
	res := dispatch.ActionResult{
		ActionID:   fmt.Sprintf("%s:%d", dispatchID, index),
		ExecutedAt: start.UTC(),
	}

	var stdout string
	var err error
	switch a.Type {
	case plan.ActionReply, plan.ActionQuestion:
		stdout = ""
	case plan.ActionSSH:
		stdout, res.Stderr, err = e.runSSH(ctx, a)
	case plan.ActionWebFetch:
		stdout, err = e.runWebFetch(ctx, a)
	case plan.ActionImageToText:
		stdout, err = e.runImageToText(ctx, a)
	case plan.ActionVoiceToText:
		stdout, err = e.runVoiceToText(ctx, a)
	case plan.ActionOpencodeServe:
		stdout, err = e.runOpencode(ctx, a)
	case plan.ActionObsidianWrite:
		err = fmt.Errorf("obsidian_write is executed by the note host, not the runner")
	case plan.ActionAddonInstall, plan.ActionAddonCreate, plan.ActionAddonRun:
		stdout, err = e.runAddon(ctx, a)
	default:
		err = fmt.Errorf("unknown action type %q", a.Type)
	}

	res.DurationMs = time.Since(start).Milliseconds()
	res.Stdout = truncateHead(stdout, StdoutLimit)
	res.Stderr = truncateHead(res.Stderr, StderrLimit)
	if err != nil {
		res.Status = dispatch.StatusFailed
		res.ExitCode = exitCodeFrom(err)
		if res.Stderr == "" {
			res.Stderr = truncateHead(err.Error(), StderrLimit)
		}
		metrics.ActionsExecuted.WithLabelValues(string(a.Type), "failed").Inc()
		e.logger.Warn("action failed",
			slog.String("type", string(a.Type)),
			slog.Int("index", index),
			slog.String("error", err.Error()))
		return res
	}
	res.Status = dispatch.StatusOK
	metrics.ActionsExecuted.WithLabelValues(string(a.Type), "ok").Inc()
	return res
}

// exitCodeFrom digs the remote exit code out of a wrapped command error.
// Errors without one report 1.
func exitCodeFrom(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return exitErr.ExitCode()
	}
	return 1
}

// truncateHead keeps the first max bytes, marking the cut.
func truncateHead(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[output truncated]"
}
