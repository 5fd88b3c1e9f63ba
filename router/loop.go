package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/c360studio/nanoclaw/metrics"
	"github.com/c360studio/nanoclaw/plan"
	"github.com/c360studio/nanoclaw/planner"
	"github.com/c360studio/nanoclaw/proposal"
	"github.com/c360studio/nanoclaw/store"
)

// DefaultPollInterval is the message loop period.
const DefaultPollInterval = 2 * time.Second

// Planner runs one model turn.
type Planner interface {
	Turn(ctx context.Context, req planner.TurnRequest) (*planner.TurnResult, error)
}

// MemoryRetriever builds the memory header for a prompt.
type MemoryRetriever interface {
	Header(prompt string) (string, error)
}

// Sender delivers text to a chat.
type Sender interface {
	SendMessage(chatJID, text string) error
}

// CommandHandler intercepts approval commands before planner turns.
type CommandHandler interface {
	HandleCommand(ctx context.Context, chatID, text string) (bool, error)
}

// Router is the inbound message loop.
type Router struct {
	store     *store.Store
	state     *State
	planner   Planner
	memory    MemoryRetriever
	sender    Sender
	commands  CommandHandler
	proposals *proposal.Store
	logger    *slog.Logger

	triggerRe *regexp.Regexp
	poll      time.Duration
}

// Config wires the router.
type Config struct {
	// AssistantName builds the trigger prefix ^@<name> for non-main groups.
	AssistantName string
	// PollInterval overrides the 2 s default.
	PollInterval time.Duration
}

// New creates the router. memory and commands may be nil.
func New(cfg Config, st *store.Store, state *State, p Planner, mem MemoryRetriever, sender Sender, commands CommandHandler, proposals *proposal.Store, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	name := cfg.AssistantName
	if name == "" {
		name = "nanoclaw"
	}
	return &Router{
		store:     st,
		state:     state,
		planner:   p,
		memory:    mem,
		sender:    sender,
		commands:  commands,
		proposals: proposals,
		logger:    logger.With(slog.String("component", "router")),
		triggerRe: regexp.MustCompile(`(?i)^@` + regexp.QuoteMeta(name) + `\b`),
		poll:      poll,
	}
}

// Run blocks, polling until the context ends.
func (r *Router) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.PollOnce(ctx); err != nil {
				r.logger.Error("poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// PollOnce drains one batch of messages strictly after the global watermark.
// The first failing message stops the batch with the watermark unadvanced, so
// it is retried next iteration.
func (r *Router) PollOnce(ctx context.Context) error {
	chats := r.state.ChatIDs()
	if len(chats) == 0 {
		return nil
	}
	msgs, err := r.store.MessagesAfter(r.state.LastTimestamp(), chats)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	for i := range msgs {
		if err := r.handleMessage(ctx, &msgs[i]); err != nil {
			metrics.MessagesProcessed.WithLabelValues("failed").Inc()
			return fmt.Errorf("handle message %s: %w", msgs[i].ID, err)
		}
		if err := r.state.AdvanceLastTimestamp(msgs[i].Timestamp); err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}
	}
	return nil
}

// handleMessage routes one inbound message: approval commands first, then the
// trigger check, then a full planner turn over the chat's unseen backlog.
func (r *Router) handleMessage(ctx context.Context, m *store.Message) error {
	group, ok := r.state.Group(m.ChatJID)
	if !ok {
		metrics.MessagesProcessed.WithLabelValues("unregistered").Inc()
		return nil
	}

	if r.commands != nil {
		handled, err := r.commands.HandleCommand(ctx, m.ChatJID, m.Content)
		if err != nil {
			return fmt.Errorf("approval command: %w", err)
		}
		if handled {
			metrics.MessagesProcessed.WithLabelValues("command").Inc()
			return r.state.AdvanceAgentWatermark(m.ChatJID, m.Timestamp)
		}
	}

	if group.Folder != MainFolder && !r.triggerRe.MatchString(strings.TrimSpace(m.Content)) {
		metrics.MessagesProcessed.WithLabelValues("untriggered").Inc()
		return nil
	}

	if err := r.runTurn(ctx, m.ChatJID, group, m.Timestamp, false, ""); err != nil {
		return err
	}
	metrics.MessagesProcessed.WithLabelValues("ok").Inc()
	return nil
}

// RunScheduledTurn runs a planner turn for a scheduled task prompt in the
// owning chat, outside the message flow.
func (r *Router) RunScheduledTurn(ctx context.Context, chatID string, group RegisteredGroup, prompt string) error {
	return r.turn(ctx, chatID, group, prompt, true)
}

// runTurn collects the chat's backlog past the agent watermark and runs one
// planner turn over it. upTo is the timestamp of the message that triggered
// the turn; the agent watermark advances there on success.
func (r *Router) runTurn(ctx context.Context, chatID string, group RegisteredGroup, upTo time.Time, scheduled bool, extraPrompt string) error {
	backlog, err := r.store.MessagesAfterInChat(chatID, r.state.AgentWatermark(chatID))
	if err != nil {
		return fmt.Errorf("fetch chat backlog: %w", err)
	}

	var parts []string
	lastTS := upTo
	for i := range backlog {
		content := strings.TrimSpace(backlog[i].Content)
		if content == "" {
			continue
		}
		parts = append(parts, content)
		if backlog[i].Timestamp.After(lastTS) {
			lastTS = backlog[i].Timestamp
		}
	}
	if extraPrompt != "" {
		parts = append(parts, extraPrompt)
	}
	if len(parts) == 0 {
		return r.state.AdvanceAgentWatermark(chatID, lastTS)
	}
	prompt := strings.Join(parts, "\n\n")

	if err := r.turn(ctx, chatID, group, prompt, scheduled); err != nil {
		return err
	}
	return r.state.AdvanceAgentWatermark(chatID, lastTS)
}

// turn runs the planner on prompt and delivers its result: parse, repair once
// on failure, inject the fallback fetch, enqueue a proposal when executable
// actions exist, and send the stripped reply.
func (r *Router) turn(ctx context.Context, chatID string, group RegisteredGroup, prompt string, scheduled bool) error {
	fullPrompt := prompt
	if r.memory != nil {
		header, err := r.memory.Header(prompt)
		if err != nil {
			r.logger.Warn("memory retrieval failed", slog.String("error", err.Error()))
		} else if header != "" {
			fullPrompt = header + "\n" + prompt
		}
	}

	res, err := r.planner.Turn(ctx, planner.TurnRequest{
		SessionID: r.state.Session(group.Folder),
		Prompt:    fullPrompt,
		Scheduled: scheduled,
	})
	if err != nil {
		r.logger.Error("planner turn failed",
			slog.String("chat", chatID),
			slog.String("error", err.Error()))
		return r.sender.SendMessage(chatID, planner.FallbackReply)
	}
	if err := r.state.SetSession(group.Folder, res.SessionID); err != nil {
		r.logger.Warn("could not persist session", slog.String("error", err.Error()))
	}

	parsed := plan.Parse(res.Content)
	if parsed.MissingBlock() {
		// A reply with no JSON at all is a plain conversational answer.
		parsed = plan.ParseResult{}
	} else if !parsed.OK() {
		parsed = r.repair(ctx, group, res)
	}

	reply := strings.TrimSpace(plan.StripPlanBlock(res.Content))

	p := parsed.Plan
	if parsed.OK() {
		p = plan.InjectFallbackFetch(p, prompt)
	}

	var executable []plan.Action
	for i := range p.Actions {
		if p.Actions[i].Executable() {
			executable = append(executable, p.Actions[i])
		}
	}

	if len(executable) > 0 {
		prop := proposal.Proposal{
			ID:          proposal.NewID(),
			GroupFolder: group.Folder,
			ChatID:      chatID,
			RequestText: prompt,
			Actions:     executable,
		}
		if err := r.proposals.Enqueue(prop); err != nil {
			return fmt.Errorf("enqueue proposal: %w", err)
		}
		approvalNote := fmt.Sprintf(
			"Proposal %s awaits approval (%d action(s)). Reply /approve %s or /deny %s [reason].",
			prop.ID, len(executable), prop.ID, prop.ID)
		if reply == "" {
			reply = approvalNote
		} else {
			reply += "\n\n" + approvalNote
		}
	}

	if reply == "" {
		return nil
	}
	return r.sender.SendMessage(chatID, reply)
}

// repair re-prompts the planner once with the JSON-only repair prompt. A
// second failure yields the empty plan.
func (r *Router) repair(ctx context.Context, group RegisteredGroup, failed *planner.TurnResult) plan.ParseResult {
	repairRes, err := r.planner.Turn(ctx, planner.TurnRequest{
		SessionID: r.state.Session(group.Folder),
		Prompt:    plan.RepairPrompt(failed.Content),
	})
	if err != nil {
		r.logger.Error("plan repair turn failed", slog.String("error", err.Error()))
		return plan.ParseResult{}
	}
	reparsed := plan.Parse(repairRes.Content)
	if !reparsed.OK() {
		r.logger.Error("plan repair failed, treating plan as empty",
			slog.String("errors", strings.Join(reparsed.Errors, "; ")))
		return plan.ParseResult{}
	}
	return reparsed
}
