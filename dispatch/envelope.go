// Package dispatch carries approved action batches from the orchestrator to
// the runner: a timestamped HMAC envelope over HTTP, with safety filters
// applied before anything leaves the process.
package dispatch

import (
	"time"

	"github.com/c360studio/nanoclaw/plan"
)

// EventApprovedActions is the only event the runner accepts.
const EventApprovedActions = "approved_actions.dispatch"

// Signature headers on the dispatch POST.
const (
	HeaderDispatchID  = "x-nanoclaw-dispatch-id"
	HeaderSignatureTS = "x-nanoclaw-signature-ts"
	HeaderSignature   = "x-nanoclaw-signature"
)

// Envelope is the wire body of a dispatch POST.
type Envelope struct {
	Event        string        `json:"event"`
	DispatchID   string        `json:"dispatchId"`
	DispatchedAt time.Time     `json:"dispatchedAt"`
	Source       string        `json:"source"`
	Actions      []plan.Action `json:"actions"`
}

// Result status values. Exit code 0 appears only with StatusOK.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusBlocked = "blocked"
	StatusSkipped = "skipped"
)

// ActionResult is the per-action outcome, positionally aligned with the
// dispatched batch.
type ActionResult struct {
	ActionID   string    `json:"actionId"`
	Status     string    `json:"status"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	ExitCode   int       `json:"exitCode"`
	ExecutedAt time.Time `json:"executedAt"`
	DurationMs int64     `json:"durationMs"`
}

// Response is the runner's reply to a dispatch POST.
type Response struct {
	Success    bool           `json:"success"`
	DispatchID string         `json:"dispatchId"`
	Results    []ActionResult `json:"results"`
}

// Outcome is what the dispatcher hands back to the approval gateway: one
// result per input action, in input order.
type Outcome struct {
	DispatchID string
	Success    bool
	Results    []ActionResult
}
