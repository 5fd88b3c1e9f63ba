// Package approval turns human decisions into dispatches. The gateway is the
// only mutator of proposal status; it never executes actions itself.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/nanoclaw/dispatch"
	"github.com/c360studio/nanoclaw/metrics"
	"github.com/c360studio/nanoclaw/plan"
	"github.com/c360studio/nanoclaw/proposal"
)

// maxListed caps how many pending proposals one /approvals reply shows.
const maxListed = 5

// Sender delivers text to a chat. The transport chunks oversized messages.
type Sender interface {
	SendMessage(chatJID, text string) error
}

// Summarizer condenses fetched page content for chat presentation.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Dispatcher posts approved actions to the runner.
type Dispatcher interface {
	Dispatch(ctx context.Context, actions []plan.Action) (*dispatch.Outcome, error)
}

// Gateway handles approval commands and button callbacks.
type Gateway struct {
	store      *proposal.Store
	dispatcher Dispatcher
	summarizer Summarizer
	sender     Sender
	logger     *slog.Logger
}

// NewGateway wires the gateway. summarizer may be nil; web_fetch results then
// render as compact blocks like everything else.
func NewGateway(store *proposal.Store, dispatcher Dispatcher, summarizer Summarizer, sender Sender, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		store:      store,
		dispatcher: dispatcher,
		summarizer: summarizer,
		sender:     sender,
		logger:     logger.With(slog.String("component", "approval")),
	}
}

// HandleCommand processes a text command. It returns false when text is not
// an approval command so the caller can treat it as an ordinary message.
func (g *Gateway) HandleCommand(ctx context.Context, chatID, text string) (bool, error) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return false, nil
	}
	switch fields[0] {
	case "/approvals":
		return true, g.listPending(chatID)
	case "/approve":
		if len(fields) < 2 {
			return true, g.sender.SendMessage(chatID, "Usage: /approve <id>")
		}
		return true, g.approve(ctx, chatID, fields[1])
	case "/deny":
		if len(fields) < 2 {
			return true, g.sender.SendMessage(chatID, "Usage: /deny <id> [reason]")
		}
		reason := strings.Join(fields[2:], " ")
		return true, g.deny(chatID, fields[1], reason)
	default:
		return false, nil
	}
}

// HandleCallback processes an inline-button payload: approve:<id>, deny:<id>
// or reason:<id>.
func (g *Gateway) HandleCallback(ctx context.Context, chatID, payload string) error {
	verb, id, ok := strings.Cut(payload, ":")
	if !ok || id == "" {
		return fmt.Errorf("malformed callback payload %q", payload)
	}
	switch verb {
	case "approve":
		return g.approve(ctx, chatID, id)
	case "deny":
		return g.deny(chatID, id, "")
	case "reason":
		return g.sender.SendMessage(chatID,
			fmt.Sprintf("To deny with a reason, reply: /deny %s <reason>", id))
	default:
		return fmt.Errorf("unknown callback verb %q", verb)
	}
}

func (g *Gateway) listPending(chatID string) error {
	pending := g.store.ListPendingByChat(chatID)
	if len(pending) == 0 {
		return g.sender.SendMessage(chatID, "No pending approvals.")
	}
	var b strings.Builder
	b.WriteString("Pending approvals:\n")
	for i, p := range pending {
		if i >= maxListed {
			b.WriteString(fmt.Sprintf("...and %d more\n", len(pending)-maxListed))
			break
		}
		b.WriteString(fmt.Sprintf("%s — %s\n", p.ID, describeActions(p.Actions)))
	}
	return g.sender.SendMessage(chatID, strings.TrimRight(b.String(), "\n"))
}

// approve flips the proposal, dispatches its actions, and posts the rendered
// results. A losing racer gets told the proposal's settled state instead.
func (g *Gateway) approve(ctx context.Context, chatID, id string) error {
	p := g.store.Decide(id, proposal.StatusApproved, "")
	if p == nil {
		return g.sender.SendMessage(chatID, g.staleStatusReply(id))
	}
	metrics.ProposalsDecided.WithLabelValues("approved").Inc()
	g.logger.Info("proposal approved",
		slog.String("proposal_id", id),
		slog.Int("actions", len(p.Actions)))

	outcome, err := g.dispatcher.Dispatch(ctx, p.Actions)
	if err != nil {
		g.logger.Error("dispatch failed", slog.String("proposal_id", id), slog.String("error", err.Error()))
		return g.sender.SendMessage(chatID,
			fmt.Sprintf("Approved %s, but dispatch failed: %s", id, err.Error()))
	}
	return g.sender.SendMessage(chatID, g.renderOutcome(ctx, p.Actions, outcome))
}

func (g *Gateway) deny(chatID, id, reason string) error {
	p := g.store.Decide(id, proposal.StatusDenied, reason)
	if p == nil {
		return g.sender.SendMessage(chatID, g.staleStatusReply(id))
	}
	metrics.ProposalsDecided.WithLabelValues("denied").Inc()
	g.logger.Info("proposal denied", slog.String("proposal_id", id))
	ack := fmt.Sprintf("Denied %s.", id)
	if reason != "" {
		ack = fmt.Sprintf("Denied %s: %s", id, reason)
	}
	return g.sender.SendMessage(chatID, ack)
}

// staleStatusReply explains why a decision did not apply.
func (g *Gateway) staleStatusReply(id string) string {
	p := g.store.GetByID(id)
	if p == nil {
		return fmt.Sprintf("Unknown proposal %s.", id)
	}
	switch p.Status {
	case proposal.StatusApproved:
		return fmt.Sprintf("Proposal %s is already approved.", id)
	case proposal.StatusDenied:
		return fmt.Sprintf("Proposal %s is already denied.", id)
	default:
		return fmt.Sprintf("Proposal %s could not be decided.", id)
	}
}

// renderOutcome formats per-action results. web_fetch output goes through the
// summarizer; everything else gets a compact block.
func (g *Gateway) renderOutcome(ctx context.Context, actions []plan.Action, out *dispatch.Outcome) string {
	var b strings.Builder
	for i := range actions {
		if i >= len(out.Results) {
			break
		}
		a := &actions[i]
		r := &out.Results[i]
		if !a.Executable() {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(g.renderOne(ctx, a, r))
	}
	if b.Len() == 0 {
		return "Approved. Nothing to execute."
	}
	return b.String()
}

func (g *Gateway) renderOne(ctx context.Context, a *plan.Action, r *dispatch.ActionResult) string {
	label := actionLabel(a)
	switch r.Status {
	case dispatch.StatusBlocked:
		return fmt.Sprintf("✗ %s blocked: %s", label, r.Stderr)
	case dispatch.StatusSkipped:
		return fmt.Sprintf("– %s skipped: %s", label, r.Stderr)
	case dispatch.StatusFailed:
		msg := fmt.Sprintf("✗ %s failed (exit %d, %dms)", label, r.ExitCode, r.DurationMs)
		if r.Stderr != "" {
			msg += "\n" + r.Stderr
		}
		return msg
	}

	if a.Type == plan.ActionWebFetch && g.summarizer != nil && strings.TrimSpace(r.Stdout) != "" {
		summary, err := g.summarizer.Summarize(ctx, r.Stdout)
		if err == nil && summary != "" {
			return fmt.Sprintf("✓ %s\n%s", label, summary)
		}
		g.logger.Warn("web fetch summarization failed, using raw output",
			slog.String("url", a.URL))
	}

	msg := fmt.Sprintf("✓ %s (%dms)", label, r.DurationMs)
	if strings.TrimSpace(r.Stdout) != "" {
		msg += "\n" + strings.TrimSpace(r.Stdout)
	}
	return msg
}

// describeActions summarizes a proposal's actions in one line.
func describeActions(actions []plan.Action) string {
	parts := make([]string, 0, len(actions))
	for i := range actions {
		parts = append(parts, actionLabel(&actions[i]))
	}
	return strings.Join(parts, ", ")
}

func actionLabel(a *plan.Action) string {
	switch a.Type {
	case plan.ActionSSH:
		return fmt.Sprintf("ssh %s: %s", a.Target, a.Command)
	case plan.ActionWebFetch:
		return fmt.Sprintf("fetch %s", a.URL)
	case plan.ActionOpencodeServe:
		return fmt.Sprintf("code task: %s", firstLine(a.Task))
	case plan.ActionObsidianWrite:
		return fmt.Sprintf("write note %s", a.Path)
	case plan.ActionImageToText:
		return "transcribe image"
	case plan.ActionVoiceToText:
		return "transcribe voice"
	case plan.ActionAddonInstall:
		return fmt.Sprintf("install addon %s", a.Name)
	case plan.ActionAddonCreate:
		return fmt.Sprintf("create addon %s", a.Name)
	case plan.ActionAddonRun:
		return fmt.Sprintf("run addon %s", a.Name)
	default:
		return string(a.Type)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80] + "..."
	}
	return s
}
