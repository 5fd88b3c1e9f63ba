package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/nanoclaw/metrics"
	"github.com/c360studio/nanoclaw/plan"
)

// maxResponseSize bounds the runner response body read.
const maxResponseSize = 4 * 1024 * 1024

// Config configures the dispatcher.
type Config struct {
	// URL is the runner dispatch endpoint.
	URL string

	// Secret signs the envelope. Empty disables signing (the runner must
	// then also run without a secret).
	Secret string

	// Timeout bounds the outbound POST.
	Timeout time.Duration

	// Source names this orchestrator in the envelope body.
	Source string

	// EnableExecution gates all dispatching. When false every executable
	// action is reported skipped and nothing leaves the process.
	EnableExecution bool

	// EnableLocalExecution is a test escape hatch. The dispatcher never
	// executes anything itself; with this flag unset it refuses even to try.
	EnableLocalExecution bool
}

// DefaultConfig returns dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         10 * time.Second,
		Source:          "nanoclaw",
		EnableExecution: true,
	}
}

// Client posts signed action batches to the runner. It has no side effects
// beyond the outbound POST.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a dispatcher client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Source == "" {
		cfg.Source = "nanoclaw"
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With(slog.String("component", "dispatcher")),
	}
}

// Dispatch applies the safety filters, posts the surviving actions to the
// runner, and returns one result per input action in input order. The
// returned error covers only envelope-level failures; per-action failures are
// in the results.
func (c *Client) Dispatch(ctx context.Context, actions []plan.Action) (*Outcome, error) {
	dispatchID := uuid.NewString()
	out := &Outcome{
		DispatchID: dispatchID,
		Results:    make([]ActionResult, len(actions)),
	}

	// Safety and execution gating first; indexes that survive go on the wire.
	var wireActions []plan.Action
	var wireIndexes []int
	now := time.Now().UTC()
	for i := range actions {
		a := actions[i]
		actionID := fmt.Sprintf("%s:%d", dispatchID, i)
		if !a.Executable() {
			out.Results[i] = ActionResult{ActionID: actionID, Status: StatusOK, ExecutedAt: now}
			continue
		}
		if err := CheckAction(&a); err != nil {
			c.logger.Warn("action blocked before dispatch",
				slog.String("type", string(a.Type)),
				slog.String("cause", err.Error()))
			out.Results[i] = ActionResult{
				ActionID:   actionID,
				Status:     StatusBlocked,
				Stderr:     err.Error(),
				ExitCode:   1,
				ExecutedAt: now,
			}
			continue
		}
		if !c.cfg.EnableExecution {
			out.Results[i] = ActionResult{
				ActionID:   actionID,
				Status:     StatusSkipped,
				Stderr:     "approved-action execution is disabled",
				ExitCode:   1,
				ExecutedAt: now,
			}
			continue
		}
		wireActions = append(wireActions, a)
		wireIndexes = append(wireIndexes, i)
	}

	if len(wireActions) == 0 {
		out.Success = true
		metrics.Dispatches.WithLabelValues("empty").Inc()
		return out, nil
	}

	resp, err := c.post(ctx, dispatchID, wireActions)
	if err != nil {
		metrics.Dispatches.WithLabelValues("transport_error").Inc()
		c.logger.Error("dispatch failed", slog.String("dispatch_id", dispatchID), slog.String("error", err.Error()))
		for _, i := range wireIndexes {
			out.Results[i] = ActionResult{
				ActionID:   fmt.Sprintf("%s:%d", dispatchID, i),
				Status:     StatusFailed,
				Stderr:     err.Error(),
				ExitCode:   1,
				ExecutedAt: time.Now().UTC(),
			}
		}
		return out, nil
	}

	// Zip runner results back to input positions.
	allOK := true
	for n, i := range wireIndexes {
		if n < len(resp.Results) {
			out.Results[i] = resp.Results[n]
		} else {
			out.Results[i] = ActionResult{
				ActionID: fmt.Sprintf("%s:%d", dispatchID, i),
				Status:   StatusFailed,
				Stderr:   "runner returned no result for this action",
				ExitCode: 1,
			}
		}
		if out.Results[i].Status != StatusOK || out.Results[i].ExitCode != 0 {
			allOK = false
		}
	}
	out.Success = allOK && resp.Success
	if out.Success {
		metrics.Dispatches.WithLabelValues("ok").Inc()
	} else {
		metrics.Dispatches.WithLabelValues("partial").Inc()
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, dispatchID string, actions []plan.Action) (*Response, error) {
	if c.cfg.URL == "" {
		return nil, fmt.Errorf("no runner URL configured")
	}
	env := Envelope{
		Event:        EventApprovedActions,
		DispatchID:   dispatchID,
		DispatchedAt: time.Now().UTC(),
		Source:       c.cfg.Source,
		Actions:      actions,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("content-type", "application/json")
	req.Header.Set(HeaderDispatchID, dispatchID)
	req.Header.Set(HeaderSignatureTS, ts)
	if c.cfg.Secret != "" {
		req.Header.Set(HeaderSignature, Signature(c.cfg.Secret, ts, body))
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(req)
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("post dispatch: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read dispatch response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("runner returned %d: %s", httpResp.StatusCode, truncate(string(respBody), 500))
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse dispatch response: %w", err)
	}
	return &resp, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
