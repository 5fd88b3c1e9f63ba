package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActionValidate(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		wantErr bool
	}{
		{"reply needs nothing", Action{Type: ActionReply}, false},
		{"question needs text", Action{Type: ActionQuestion}, true},
		{"question ok", Action{Type: ActionQuestion, Question: "which host?"}, false},
		{"ssh ok", Action{Type: ActionSSH, Target: "willy-ubuntu", Command: "uptime", Reason: "x"}, false},
		{"ssh missing reason", Action{Type: ActionSSH, Target: "william", Command: "uptime"}, true},
		{"ssh bad target", Action{Type: ActionSSH, Target: "saturn", Command: "uptime", Reason: "x"}, true},
		{"obsidian ok", Action{Type: ActionObsidianWrite, Path: "notes/a.md", Patch: "text", Reason: "x"}, false},
		{"obsidian missing patch", Action{Type: ActionObsidianWrite, Path: "notes/a.md", Reason: "x"}, true},
		{"web_fetch relative url", Action{Type: ActionWebFetch, URL: "/relative", Mode: FetchModeHTTP, Reason: "x"}, true},
		{"web_fetch ok", Action{Type: ActionWebFetch, URL: "http://example.com", Mode: FetchModeHTTP, Reason: "x"}, false},
		{"opencode timeout too large", Action{Type: ActionOpencodeServe, Task: "t", Reason: "x", TimeoutSeconds: 601}, true},
		{"opencode timeout zero means default", Action{Type: ActionOpencodeServe, Task: "t", Reason: "x"}, false},
		{"opencode bad execution mode", Action{Type: ActionOpencodeServe, Task: "t", Reason: "x", ExecutionMode: "sideways"}, true},
		{"addon name uppercase rejected", Action{Type: ActionAddonRun, Name: "MyAddon", Reason: "x"}, true},
		{"addon name ok", Action{Type: ActionAddonRun, Name: "disk-report", Reason: "x"}, false},
		{"addon_create needs purpose", Action{Type: ActionAddonCreate, Name: "disk-report", Reason: "x"}, true},
		{"unknown type", Action{Type: "teleport"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestInjectFallbackFetch(t *testing.T) {
	tests := []struct {
		name      string
		plan      Plan
		userText  string
		wantFetch bool
		wantMode  FetchMode
		wantURL   string
	}{
		{
			name:      "bare url injected",
			plan:      Plan{Actions: []Action{{Type: ActionReply}}},
			userText:  "what does https://example.com/docs say?",
			wantFetch: true,
			wantMode:  FetchModeHTTP,
			wantURL:   "https://example.com/docs",
		},
		{
			name:      "dynamic domain uses browser mode",
			plan:      Plan{},
			userText:  "summarize https://x.com/someone/status/1",
			wantFetch: true,
			wantMode:  FetchModeBrowser,
		},
		{
			name:      "bare domain normalized to https",
			plan:      Plan{},
			userText:  "check news.ycombinator.com please",
			wantFetch: true,
			wantMode:  FetchModeHTTP,
			wantURL:   "https://news.ycombinator.com",
		},
		{
			name: "existing fetch not duplicated",
			plan: Plan{Actions: []Action{
				{Type: ActionWebFetch, URL: "https://example.com", Mode: FetchModeHTTP, Reason: "x", RequiresApproval: true},
			}},
			userText:  "also see https://other.example.com",
			wantFetch: false,
		},
		{
			name:      "no link no injection",
			plan:      Plan{},
			userText:  "restart the service please",
			wantFetch: false,
		},
		{
			name:      "file name not mistaken for domain",
			plan:      Plan{},
			userText:  "open config.yaml and router_state.json",
			wantFetch: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(tt.plan.Actions)
			got := InjectFallbackFetch(tt.plan, tt.userText)
			if !tt.wantFetch {
				assert.Len(t, got.Actions, before)
				return
			}
			assert.Len(t, got.Actions, before+1)
			injected := got.Actions[len(got.Actions)-1]
			assert.Equal(t, ActionWebFetch, injected.Type)
			assert.True(t, injected.RequiresApproval)
			assert.Equal(t, tt.wantMode, injected.Mode)
			if tt.wantURL != "" {
				assert.Equal(t, tt.wantURL, injected.URL)
			}
		})
	}
}
