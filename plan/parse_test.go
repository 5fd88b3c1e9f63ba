package plan

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantOK      bool
		wantActions int
	}{
		{
			name:        "fenced block with json tag",
			input:       "Here is the plan:\n```json\n{\"actions\": [{\"type\": \"reply\"}]}\n```\nDone.",
			wantOK:      true,
			wantActions: 1,
		},
		{
			name:        "fenced block without tag",
			input:       "```\n{\"actions\": []}\n```",
			wantOK:      true,
			wantActions: 0,
		},
		{
			name:        "bare JSON object",
			input:       `{"actions": [{"type": "ssh", "target": "william", "command": "uptime", "reason": "check load"}]}`,
			wantOK:      true,
			wantActions: 1,
		},
		{
			name:        "leading json literal",
			input:       "json\n{\"actions\": []}",
			wantOK:      true,
			wantActions: 0,
		},
		{
			name:        "empty object is empty plan",
			input:       "{}",
			wantOK:      true,
			wantActions: 0,
		},
		{
			name:   "no JSON at all",
			input:  "Sure, I'll look into that for you.",
			wantOK: false,
		},
		{
			name:   "unknown action type rejects plan",
			input:  `{"actions": [{"type": "launch_missiles", "reason": "x"}]}`,
			wantOK: false,
		},
		{
			name:   "ssh target outside closed set",
			input:  `{"actions": [{"type": "ssh", "target": "mars", "command": "uptime", "reason": "x"}]}`,
			wantOK: false,
		},
		{
			name:   "web_fetch with bad scheme",
			input:  `{"actions": [{"type": "web_fetch", "url": "ftp://example.com", "reason": "x"}]}`,
			wantOK: false,
		},
		{
			name:        "trailing commas and line comments cleaned",
			input:       "```json\n{\n  \"actions\": [\n    {\"type\": \"reply\"},  // just a reply\n  ]\n}\n```",
			wantOK:      true,
			wantActions: 1,
		},
		{
			name:        "url in string survives comment stripping",
			input:       `{"actions": [{"type": "web_fetch", "url": "https://example.com/a//b", "reason": "x"}]}`,
			wantOK:      true,
			wantActions: 1,
		},
		{
			name:   "malformed JSON",
			input:  "```json\n{\"actions\": [{]}\n```",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.input)
			if tt.wantOK {
				require.Empty(t, got.Errors)
				assert.Len(t, got.Plan.Actions, tt.wantActions)
			} else {
				assert.NotEmpty(t, got.Errors)
			}
		})
	}
}

func TestParseDefaults(t *testing.T) {
	got := Parse(`{"actions": [
		{"type": "web_fetch", "url": "https://example.com", "reason": "x"},
		{"type": "web_fetch", "url": "https://example.com", "mode": "browser", "requiresApproval": false, "reason": "x"},
		{"type": "ssh", "target": "william", "command": "uptime", "reason": "x", "requiresApproval": false}
	]}`)
	require.Empty(t, got.Errors)
	require.Len(t, got.Plan.Actions, 3)

	assert.Equal(t, FetchModeHTTP, got.Plan.Actions[0].Mode, "mode defaults to http")
	assert.True(t, got.Plan.Actions[0].RequiresApproval, "requiresApproval defaults to true")
	assert.True(t, got.Plan.Actions[1].RequiresApproval, "browser mode forces approval")
	assert.False(t, got.Plan.Actions[2].RequiresApproval, "explicit false is honored")
}

func TestFormatPlanBlockRoundTrip(t *testing.T) {
	plans := []Plan{
		{},
		{Actions: []Action{{Type: ActionReply, RequiresApproval: true}}},
		{Actions: []Action{
			{Type: ActionSSH, Target: "william", Command: "uptime", Reason: "load check", RequiresApproval: true},
			{Type: ActionWebFetch, URL: "https://example.com/x?y=1&z=2", Mode: FetchModeHTTP, Reason: "context", RequiresApproval: true, ParallelGroup: "g1"},
			{Type: ActionOpencodeServe, Task: "refactor module X", Reason: "requested", RequiresApproval: true, ExecutionMode: ExecBackground, TimeoutSeconds: 300},
		}},
	}
	for _, p := range plans {
		block := FormatPlanBlock(p)
		assert.True(t, strings.HasPrefix(block, "```json\n"))
		assert.True(t, strings.HasSuffix(block, "\n```"))

		got := Parse(block)
		require.Empty(t, got.Errors)
		assert.Equal(t, len(p.Actions), len(got.Plan.Actions))
		for i := range p.Actions {
			assert.Equal(t, p.Actions[i], got.Plan.Actions[i])
		}
	}
}

func TestStripPlanBlock(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "removes fenced block keeps prose",
			input: "I'll check the load.\n```json\n{\"actions\": [{\"type\": \"reply\"}]}\n```",
			want:  "I'll check the load.",
		},
		{
			name:  "plan-shaped remainder suppressed",
			input: `{"actions": [{"type": "reply"}]}`,
			want:  "",
		},
		{
			name:  "plain prose untouched",
			input: "Nothing to do here.",
			want:  "Nothing to do here.",
		},
		{
			name:  "non-plan JSON kept",
			input: `{"weather": "sunny"}`,
			want:  `{"weather": "sunny"}`,
		},
		{
			name:  "later code block survives",
			input: "Plan:\n```json\n{\"actions\": []}\n```\nTry this:\n```\nls -la\n```",
			want:  "Plan:\n\nTry this:\n```\nls -la\n```",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripPlanBlock(tt.input))
		})
	}
}
