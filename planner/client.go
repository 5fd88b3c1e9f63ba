// Package planner talks to the OpenAI-compatible chat-completions endpoint
// that produces replies with fenced plan blocks. Session context is kept
// in-process per opaque session id; the router persists which session belongs
// to which group.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/nanoclaw/metrics"
)

// maxResponseSize limits the completion response body.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// maxSessionMessages bounds the per-session history kept for context; older
// turns fall off the front.
const maxSessionMessages = 40

// FallbackReply is the deterministic reply used when the planner fails.
const FallbackReply = "I could not generate a complete answer right now. Please try again."

// Config holds planner endpoint settings.
type Config struct {
	// BaseURL is the OpenAI-compatible endpoint base, e.g.
	// https://openrouter.ai/api/v1. "/chat/completions" is appended unless
	// already present.
	BaseURL string
	APIKey  string

	// CompletionModel handles ordinary turns and summaries.
	CompletionModel string
	// ReasoningModel handles scheduled and multi-step turns. Empty falls
	// back to CompletionModel.
	ReasoningModel string

	// RequireFreeModels rejects model ids without the ":free" suffix.
	RequireFreeModels bool

	Timeout time.Duration
}

// Validate checks the endpoint and the model policy.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("planner base URL is required")
	}
	if c.CompletionModel == "" {
		return fmt.Errorf("completion model is required")
	}
	if c.RequireFreeModels {
		for _, m := range []string{c.CompletionModel, c.ReasoningModel} {
			if m != "" && !strings.HasSuffix(m, ":free") {
				return fmt.Errorf("model %q violates the free-tier policy", m)
			}
		}
	}
	return nil
}

// RetryConfig holds retry settings for planner requests.
type RetryConfig struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// Message is one chat-completions message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnRequest is one planner invocation.
type TurnRequest struct {
	// SessionID resumes an earlier conversation. Empty starts a new session.
	SessionID string
	// System replaces the default system prompt when set.
	System string
	// Prompt is the joined user content for this turn.
	Prompt string
	// Scheduled marks turns fired by the scheduler; they use the reasoning
	// model when one is configured.
	Scheduled bool
}

// TurnResult is the planner's answer for one turn.
type TurnResult struct {
	// SessionID identifies the session this turn extended; callers persist
	// it to resume context next turn.
	SessionID string
	// Content is the raw model output, reply text plus any fenced plan.
	Content string
	Model   string
}

// Client is the planner HTTP client with retry and session context.
type Client struct {
	cfg        Config
	retry      RetryConfig
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string][]Message
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) { client.httpClient = c }
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(client *Client) { client.retry = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(client *Client) { client.logger = logger }
}

// NewClient creates a planner client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 180 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		retry:      DefaultRetryConfig(),
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default(),
		sessions:   make(map[string][]Message),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "planner"))
	return c, nil
}

// Turn runs one planner turn, threading the session history through the
// request and extending it with the exchange on success.
func (c *Client) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, NewFatalError(fmt.Errorf("empty prompt"))
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	system := req.System
	if system == "" {
		system = defaultSystemPrompt
	}

	c.mu.Lock()
	history := append([]Message(nil), c.sessions[sessionID]...)
	c.mu.Unlock()

	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: "system", Content: system})
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: req.Prompt})

	model := c.cfg.CompletionModel
	if req.Scheduled && c.cfg.ReasoningModel != "" {
		model = c.cfg.ReasoningModel
	}

	content, err := c.completeWithRetry(ctx, model, messages)
	if err != nil {
		metrics.PlannerCalls.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.PlannerCalls.WithLabelValues("ok").Inc()

	c.mu.Lock()
	h := append(c.sessions[sessionID],
		Message{Role: "user", Content: req.Prompt},
		Message{Role: "assistant", Content: content})
	if len(h) > maxSessionMessages {
		h = h[len(h)-maxSessionMessages:]
	}
	c.sessions[sessionID] = h
	c.mu.Unlock()

	return &TurnResult{SessionID: sessionID, Content: content, Model: model}, nil
}

// Summarize condenses fetched page content into a short chat-sized summary.
// It runs outside any session.
func (c *Client) Summarize(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", NewFatalError(fmt.Errorf("nothing to summarize"))
	}
	messages := []Message{
		{Role: "system", Content: "Summarize the fetched page content below in a few short paragraphs. Keep concrete facts, numbers, and names. Plain text only, no preamble."},
		{Role: "user", Content: text},
	}
	out, err := c.completeWithRetry(ctx, c.cfg.CompletionModel, messages)
	if err != nil {
		metrics.PlannerCalls.WithLabelValues("failed").Inc()
		return "", err
	}
	metrics.PlannerCalls.WithLabelValues("ok").Inc()
	return strings.TrimSpace(out), nil
}

// completeWithRetry attempts the completion with exponential backoff on
// transient failures.
func (c *Client) completeWithRetry(ctx context.Context, model string, messages []Message) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		content, err := c.complete(ctx, model, messages)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if IsFatal(err) {
			return "", err
		}
		if attempt < c.retry.MaxAttempts {
			backoff := c.backoff(attempt)
			c.logger.Debug("planner request failed, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return "", fmt.Errorf("planner exhausted retries: %w", lastErr)
}

// backoff computes exponential backoff with jitter.
func (c *Client) backoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retry.BackoffMultiplier
	}
	backoff := time.Duration(float64(c.retry.BackoffBase) * multiplier)
	if backoff > c.retry.MaxBackoff {
		backoff = c.retry.MaxBackoff
	}
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// complete executes a single chat-completions request.
func (c *Client) complete(ctx context.Context, model string, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{Model: model, Messages: messages})
	if err != nil {
		return "", NewFatalError(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL(), bytes.NewReader(body))
	if err != nil {
		return "", NewFatalError(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", NewTransientError(fmt.Errorf("planner request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", NewTransientError(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyHTTPError(resp.StatusCode, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", NewTransientError(fmt.Errorf("parse response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return "", NewTransientError(fmt.Errorf("no choices in response"))
	}
	return parsed.Choices[0].Message.Content, nil
}

func (c *Client) endpointURL() string {
	base := strings.TrimSuffix(c.cfg.BaseURL, "/")
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	return base + "/chat/completions"
}

// classifyHTTPError sorts API failures into transient and fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}
	err := fmt.Errorf("planner API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return NewFatalError(err)
	default:
		return NewFatalError(err)
	}
}

const defaultSystemPrompt = `You are an operations assistant for a small home lab, reached through chat.

Answer the user conversationally, then, when any action is needed, append exactly one fenced json block containing {"actions":[...]}. Allowed action types: reply, question, ssh, obsidian_write, web_fetch, image_to_text, voice_to_text, opencode_serve, addon_install, addon_create, addon_run. Omit the block entirely when no action is needed.`
