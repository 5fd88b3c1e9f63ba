package plan

import "fmt"

// schemaDescription is embedded in the repair prompt so the model can fix its
// own output without a round trip through the full system prompt.
const schemaDescription = `{
  "actions": [
    {"type": "reply"},
    {"type": "question", "question": "<text>"},
    {"type": "ssh", "target": "william|willy-ubuntu", "command": "<cmd>", "reason": "<why>", "requiresApproval": true},
    {"type": "obsidian_write", "path": "<note path>", "patch": "<content>", "reason": "<why>", "requiresApproval": true},
    {"type": "web_fetch", "url": "<absolute http(s) url>", "mode": "http|browser", "extract": "<optional hint>", "reason": "<why>", "requiresApproval": true},
    {"type": "image_to_text", "imageUrl": "<http(s) url>", "prompt": "<optional>", "reason": "<why>", "requiresApproval": true},
    {"type": "voice_to_text", "audioUrl": "<http(s) url>", "language": "<optional>", "reason": "<why>", "requiresApproval": true},
    {"type": "opencode_serve", "task": "<task text>", "cwd": "<optional>", "timeout": 120, "reason": "<why>", "requiresApproval": true},
    {"type": "addon_install", "name": "<lowercase-slug>", "reason": "<why>", "requiresApproval": true},
    {"type": "addon_create", "name": "<lowercase-slug>", "purpose": "<what it does>", "reason": "<why>", "requiresApproval": true},
    {"type": "addon_run", "name": "<lowercase-slug>", "input": "<optional>", "reason": "<why>", "requiresApproval": true}
  ]
}`

// RepairPrompt builds the fixed JSON-only repair prompt sent when the planner
// output carried no valid plan. The answer must be only the fenced block.
func RepairPrompt(badOutput string) string {
	return fmt.Sprintf(`Your previous output did not contain a valid action plan.

Respond with ONLY a fenced json code block containing a plan object. No prose
before or after the block. The plan must follow this schema exactly (every
action needs a "type" from the closed set; unknown types are rejected):

%s

An empty plan is {"actions": []}.

Your previous output was:

%s`, "```json\n"+schemaDescription+"\n```", truncateForPrompt(badOutput, 2000))
}

func truncateForPrompt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[truncated]"
}
