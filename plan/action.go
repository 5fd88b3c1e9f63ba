// Package plan defines the contract between the planner and the orchestrator:
// a closed set of action variants, the parser that recovers a plan from free
// model output, and the canonical fenced-block serializer.
package plan

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
)

// ActionType discriminates the closed action union. Unknown types reject the
// whole plan; the parser never falls through to a default variant.
type ActionType string

// Action type constants.
const (
	ActionReply         ActionType = "reply"
	ActionQuestion      ActionType = "question"
	ActionSSH           ActionType = "ssh"
	ActionObsidianWrite ActionType = "obsidian_write"
	ActionWebFetch      ActionType = "web_fetch"
	ActionImageToText   ActionType = "image_to_text"
	ActionVoiceToText   ActionType = "voice_to_text"
	ActionOpencodeServe ActionType = "opencode_serve"
	ActionAddonInstall  ActionType = "addon_install"
	ActionAddonCreate   ActionType = "addon_create"
	ActionAddonRun      ActionType = "addon_run"
)

// FetchMode selects the web fetch strategy.
type FetchMode string

// Web fetch modes.
const (
	FetchModeHTTP    FetchMode = "http"
	FetchModeBrowser FetchMode = "browser"
)

// ExecutionMode is an execution hint for the runner.
type ExecutionMode string

// Execution modes.
const (
	ExecForeground ExecutionMode = "foreground"
	ExecBackground ExecutionMode = "background"
)

// SSHTargets is the closed set of reachable remote hosts.
var SSHTargets = map[string]bool{
	"william":      true,
	"willy-ubuntu": true,
}

// addonNamePattern constrains addon names to a safe slug.
var addonNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)

const (
	// OpencodeTimeoutMin and OpencodeTimeoutMax bound the per-task timeout
	// accepted from the planner, in seconds.
	OpencodeTimeoutMin = 1
	OpencodeTimeoutMax = 600
)

// Action is one element of the plan union. Fields not used by a variant stay
// at their zero value and are omitted from JSON.
type Action struct {
	Type ActionType `json:"type"`

	// question
	Question string `json:"question,omitempty"`

	// ssh
	Target  string `json:"target,omitempty"`
	Command string `json:"command,omitempty"`

	// obsidian_write
	Path  string `json:"path,omitempty"`
	Patch string `json:"patch,omitempty"`

	// web_fetch
	URL     string    `json:"url,omitempty"`
	Mode    FetchMode `json:"mode,omitempty"`
	Extract string    `json:"extract,omitempty"`

	// image_to_text
	ImageURL string `json:"imageUrl,omitempty"`
	Prompt   string `json:"prompt,omitempty"`

	// voice_to_text
	AudioURL string `json:"audioUrl,omitempty"`
	Language string `json:"language,omitempty"`

	// opencode_serve
	Task           string `json:"task,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	TimeoutSeconds int    `json:"timeout,omitempty"`

	// addon_install / addon_create / addon_run
	Name    string `json:"name,omitempty"`
	Purpose string `json:"purpose,omitempty"`
	Input   string `json:"input,omitempty"`

	// Reason explains the action to the approving human. Mandatory on every
	// executable variant.
	Reason string `json:"reason,omitempty"`

	// RequiresApproval defaults to true when absent; browser-mode fetches
	// force it true regardless of the supplied value.
	RequiresApproval bool `json:"requiresApproval"`

	// Execution hints. Advisory: the runner bounds grouped actions with its
	// own max-parallel admission.
	ExecutionMode ExecutionMode `json:"executionMode,omitempty"`
	ParallelGroup string        `json:"parallelGroup,omitempty"`
}

// Plan is the ordered list of actions for one planner turn. An empty actions
// list is a valid plan.
type Plan struct {
	Actions []Action `json:"actions"`
}

// UnmarshalJSON applies the contract defaults: requiresApproval is true when
// absent, web fetch mode is http when absent, and browser mode forces
// requiresApproval true.
func (a *Action) UnmarshalJSON(data []byte) error {
	type alias Action
	aux := struct {
		RequiresApproval *bool `json:"requiresApproval"`
		*alias
	}{alias: (*alias)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.RequiresApproval == nil {
		a.RequiresApproval = true
	} else {
		a.RequiresApproval = *aux.RequiresApproval
	}
	if a.Type == ActionWebFetch {
		if a.Mode == "" {
			a.Mode = FetchModeHTTP
		}
		if a.Mode == FetchModeBrowser {
			a.RequiresApproval = true
		}
	}
	return nil
}

// Executable reports whether the action reaches the runner (everything except
// the conversational variants).
func (a *Action) Executable() bool {
	return a.Type != ActionReply && a.Type != ActionQuestion
}

// Validate checks the variant-specific required fields. It assumes decode
// defaults have already been applied.
func (a *Action) Validate() error {
	switch a.Type {
	case ActionReply:
		return nil
	case ActionQuestion:
		if a.Question == "" {
			return fmt.Errorf("question action requires question text")
		}
		return nil
	case ActionSSH:
		if !SSHTargets[a.Target] {
			return fmt.Errorf("ssh target %q is not a known host", a.Target)
		}
		if a.Command == "" {
			return fmt.Errorf("ssh action requires command")
		}
		return a.requireReason()
	case ActionObsidianWrite:
		if a.Path == "" || a.Patch == "" {
			return fmt.Errorf("obsidian_write action requires path and patch")
		}
		return a.requireReason()
	case ActionWebFetch:
		if err := validateHTTPURL(a.URL); err != nil {
			return fmt.Errorf("web_fetch url: %w", err)
		}
		if a.Mode != FetchModeHTTP && a.Mode != FetchModeBrowser {
			return fmt.Errorf("web_fetch mode %q is not http or browser", a.Mode)
		}
		return a.requireReason()
	case ActionImageToText:
		if err := validateHTTPURL(a.ImageURL); err != nil {
			return fmt.Errorf("image_to_text imageUrl: %w", err)
		}
		return a.requireReason()
	case ActionVoiceToText:
		if err := validateHTTPURL(a.AudioURL); err != nil {
			return fmt.Errorf("voice_to_text audioUrl: %w", err)
		}
		return a.requireReason()
	case ActionOpencodeServe:
		if a.Task == "" {
			return fmt.Errorf("opencode_serve action requires task")
		}
		if a.TimeoutSeconds != 0 && (a.TimeoutSeconds < OpencodeTimeoutMin || a.TimeoutSeconds > OpencodeTimeoutMax) {
			return fmt.Errorf("opencode_serve timeout %d outside %d-%ds", a.TimeoutSeconds, OpencodeTimeoutMin, OpencodeTimeoutMax)
		}
		return a.requireReason()
	case ActionAddonInstall, ActionAddonCreate, ActionAddonRun:
		if !addonNamePattern.MatchString(a.Name) {
			return fmt.Errorf("addon name %q does not match %s", a.Name, addonNamePattern.String())
		}
		if a.Type == ActionAddonCreate && a.Purpose == "" {
			return fmt.Errorf("addon_create action requires purpose")
		}
		return a.requireReason()
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
}

func (a *Action) requireReason() error {
	if a.Reason == "" {
		return fmt.Errorf("%s action requires reason", a.Type)
	}
	if a.ExecutionMode != "" && a.ExecutionMode != ExecForeground && a.ExecutionMode != ExecBackground {
		return fmt.Errorf("executionMode %q is not foreground or background", a.ExecutionMode)
	}
	return nil
}

// Validate checks every action in the plan. One invalid action rejects the
// whole plan.
func (p *Plan) Validate() error {
	for i := range p.Actions {
		if err := p.Actions[i].Validate(); err != nil {
			return fmt.Errorf("actions[%d]: %w", i, err)
		}
	}
	return nil
}

// HasFetch reports whether the plan already carries a web_fetch action.
func (p *Plan) HasFetch() bool {
	for i := range p.Actions {
		if p.Actions[i].Type == ActionWebFetch {
			return true
		}
	}
	return false
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("missing url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not http or https", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}
