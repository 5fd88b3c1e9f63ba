package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Pre-compiled patterns for recovering JSON from model output.
var (
	// fencedBlockPattern matches the first triple-backtick block, with an
	// optional json language tag.
	fencedBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)```")
	// leadingJSONLiteralPattern strips a bare leading "json" marker some
	// models emit without a fence.
	leadingJSONLiteralPattern = regexp.MustCompile(`^\s*json\s*\n`)
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ParseResult is the outcome of parsing model output into a plan.
type ParseResult struct {
	// Plan is the recovered plan. Valid whenever Errors is empty; an empty
	// actions list is a successful parse.
	Plan Plan

	// Errors holds one string per failure cause. Non-empty means no plan was
	// recovered.
	Errors []string

	// RawJSON is the JSON text the parser attempted, for diagnostics.
	RawJSON string
}

// OK reports whether a plan was recovered.
func (r *ParseResult) OK() bool { return len(r.Errors) == 0 }

// MissingBlock reports that the output carried no JSON at all, as opposed to
// carrying a malformed plan. Replies with no actions look like this; only a
// malformed plan is worth a repair round.
func (r *ParseResult) MissingBlock() bool {
	return len(r.Errors) == 1 && r.Errors[0] == errNoPlanBlock
}

const errNoPlanBlock = "no JSON plan block found in output"

// Parse recovers a plan from free model output. Resolution order: the first
// fenced block, then the whole trimmed text (minus an optional leading "json"
// literal), then {} as the empty plan.
func Parse(text string) ParseResult {
	candidate := ""
	if m := fencedBlockPattern.FindStringSubmatch(text); len(m) > 1 {
		candidate = strings.TrimSpace(m[1])
	} else {
		trimmed := strings.TrimSpace(leadingJSONLiteralPattern.ReplaceAllString(strings.TrimSpace(text), ""))
		if strings.HasPrefix(trimmed, "{") {
			candidate = trimmed
		}
	}
	if candidate == "" {
		return ParseResult{Errors: []string{errNoPlanBlock}}
	}

	cleaned := cleanJSON(candidate)
	result := ParseResult{RawJSON: cleaned}

	var envelope struct {
		Actions *[]Action `json:"actions"`
	}
	dec := json.NewDecoder(strings.NewReader(cleaned))
	if err := dec.Decode(&envelope); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("invalid JSON: %v", err))
		return result
	}
	if envelope.Actions == nil {
		// {} or an object without actions parses as the empty plan.
		return result
	}

	p := Plan{Actions: *envelope.Actions}
	if err := p.Validate(); err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	result.Plan = p
	return result
}

// FormatPlanBlock renders the canonical fenced representation of a plan:
// a ```json block containing pretty-printed JSON.
func FormatPlanBlock(p Plan) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		// Plan holds only marshalable fields; reaching here means a
		// programming error, not bad input.
		return "```json\n{\"actions\": []}\n```"
	}
	return "```json\n" + strings.TrimRight(buf.String(), "\n") + "\n```"
}

// StripPlanBlock removes the fenced plan block from a reply before it is sent
// to chat. Only the first fenced block goes; later blocks are ordinary reply
// content, like a code snippet the model is showing the user. If the entire
// remainder is itself a plan-shaped JSON object, it is suppressed as well.
func StripPlanBlock(text string) string {
	stripped := text
	if loc := fencedBlockPattern.FindStringIndex(text); loc != nil {
		stripped = text[:loc[0]] + text[loc[1]:]
	}
	stripped = strings.TrimSpace(stripped)
	if stripped == "" {
		return ""
	}
	if strings.HasPrefix(stripped, "{") {
		var probe struct {
			Actions *[]json.RawMessage `json:"actions"`
		}
		if err := json.Unmarshal([]byte(cleanJSON(stripped)), &probe); err == nil && probe.Actions != nil {
			return ""
		}
	}
	return stripped
}

// cleanJSON removes JavaScript-style line comments and trailing commas, two
// artifacts models commonly mix into otherwise valid JSON.
func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		cleaned = append(cleaned, stripLineComment(line))
	}
	result := strings.Join(cleaned, "\n")
	return trailingCommaPattern.ReplaceAllString(result, "$1")
}

// stripLineComment removes a // comment from a JSON line, respecting string
// values so URLs survive intact.
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}
	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
