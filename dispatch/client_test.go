package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/nanoclaw/plan"
)

func sshAction() plan.Action {
	return plan.Action{
		Type:             plan.ActionSSH,
		Target:           "william",
		Command:          "uptime",
		Reason:           "load check",
		RequiresApproval: true,
	}
}

func TestDispatchSignsAndPosts(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)

		var env Envelope
		require.NoError(t, json.Unmarshal(gotBody, &env))
		resp := Response{Success: true, DispatchID: env.DispatchID}
		for i := range env.Actions {
			resp.Results = append(resp.Results, ActionResult{
				ActionID:   env.DispatchID + ":" + string(rune('0'+i)),
				Status:     StatusOK,
				Stdout:     "14:02 up 3 days",
				ExecutedAt: time.Now().UTC(),
				DurationMs: 120,
			})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.URL = srv.URL
	cfg.Secret = "test-secret"
	c := NewClient(cfg, nil)

	out, err := c.Dispatch(context.Background(), []plan.Action{sshAction()})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.True(t, out.Success)
	assert.Equal(t, StatusOK, out.Results[0].Status)
	assert.Equal(t, 0, out.Results[0].ExitCode)

	// Headers carry id, timestamp, and a verifiable signature over ts.body.
	assert.NotEmpty(t, gotHeaders.Get(HeaderDispatchID))
	ts := gotHeaders.Get(HeaderSignatureTS)
	assert.NotEmpty(t, ts)
	assert.True(t, VerifySignature("test-secret", ts, gotBody, gotHeaders.Get(HeaderSignature)))

	// Body, minus dispatchId and timestamp, matches the contract.
	var env map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &env))
	assert.Equal(t, "approved_actions.dispatch", env["event"])
	assert.Equal(t, "nanoclaw", env["source"])
	actions := env["actions"].([]any)
	require.Len(t, actions, 1)
	a := actions[0].(map[string]any)
	assert.Equal(t, "ssh", a["type"])
	assert.Equal(t, "william", a["target"])
	assert.Equal(t, "uptime", a["command"])
	assert.Equal(t, true, a["requiresApproval"])
	assert.Equal(t, "load check", a["reason"])
}

func TestDispatchBlocksUnsafeActionsLocally(t *testing.T) {
	posted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posted = true
		_ = json.NewEncoder(w).Encode(Response{Success: true})
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.URL = srv.URL
	c := NewClient(cfg, nil)

	out, err := c.Dispatch(context.Background(), []plan.Action{
		{Type: plan.ActionWebFetch, URL: "http://169.254.169.254/latest/meta-data", Mode: plan.FetchModeHTTP, Reason: "x", RequiresApproval: true},
	})
	require.NoError(t, err)
	assert.False(t, posted, "blocked action must not be dispatched")
	require.Len(t, out.Results, 1)
	assert.Equal(t, StatusBlocked, out.Results[0].Status)
	assert.Contains(t, out.Results[0].Stderr, "URL blocked by web fetch safety policy")
}

func TestDispatchMixedBlockedAndAllowed(t *testing.T) {
	var wireCount int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env Envelope
		_ = json.NewDecoder(r.Body).Decode(&env)
		wireCount = len(env.Actions)
		resp := Response{Success: true, DispatchID: env.DispatchID}
		for range env.Actions {
			resp.Results = append(resp.Results, ActionResult{Status: StatusOK, Stdout: "ok"})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.URL = srv.URL
	c := NewClient(cfg, nil)

	out, err := c.Dispatch(context.Background(), []plan.Action{
		sshAction(),
		{Type: plan.ActionSSH, Target: "william", Command: "rm -rf /", Reason: "x", RequiresApproval: true},
		sshAction(),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, wireCount, "only safe actions go on the wire")
	require.Len(t, out.Results, 3)
	assert.Equal(t, StatusOK, out.Results[0].Status)
	assert.Equal(t, StatusBlocked, out.Results[1].Status)
	assert.Equal(t, StatusOK, out.Results[2].Status)
}

func TestDispatchExecutionDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "http://127.0.0.1:1" // must never be contacted
	cfg.EnableExecution = false
	c := NewClient(cfg, nil)

	out, err := c.Dispatch(context.Background(), []plan.Action{sshAction()})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Equal(t, StatusSkipped, out.Results[0].Status)
}

func TestDispatchTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.URL = srv.URL
	c := NewClient(cfg, nil)

	out, err := c.Dispatch(context.Background(), []plan.Action{sshAction(), sshAction()})
	require.NoError(t, err)
	assert.False(t, out.Success)
	require.Len(t, out.Results, 2)
	for _, r := range out.Results {
		assert.Equal(t, StatusFailed, r.Status)
		assert.NotZero(t, r.ExitCode)
	}
}
