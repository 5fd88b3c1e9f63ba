package proposal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/nanoclaw/plan"
)

func testAction() plan.Action {
	return plan.Action{
		Type:             plan.ActionSSH,
		Target:           "william",
		Command:          "uptime",
		Reason:           "load check",
		RequiresApproval: true,
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "action-queue.json"))
	require.NoError(t, err)
	return s
}

func TestEnqueueRejectsEmptyActions(t *testing.T) {
	s := newTestStore(t)
	err := s.Enqueue(Proposal{ChatID: "chat-1"})
	assert.ErrorIs(t, err, ErrEmptyActions)
}

func TestDecideLifecycle(t *testing.T) {
	s := newTestStore(t)
	p := Proposal{ID: "prop-a", ChatID: "chat-1", Actions: []plan.Action{testAction()}}
	require.NoError(t, s.Enqueue(p))

	pending := s.ListPendingByChat("chat-1")
	require.Len(t, pending, 1)
	assert.Equal(t, StatusProposed, pending[0].Status)

	decided := s.Decide("prop-a", StatusApproved, "")
	require.NotNil(t, decided)
	assert.Equal(t, StatusApproved, decided.Status)
	assert.NotNil(t, decided.DecidedAt)

	// Terminal: the second decision loses, whichever direction it goes.
	assert.Nil(t, s.Decide("prop-a", StatusApproved, ""))
	assert.Nil(t, s.Decide("prop-a", StatusDenied, "changed my mind"))

	got := s.GetByID("prop-a")
	require.NotNil(t, got)
	assert.Equal(t, StatusApproved, got.Status)
}

func TestDecideDenyWithReason(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Enqueue(Proposal{ID: "prop-b", ChatID: "chat-1", Actions: []plan.Action{testAction()}}))

	decided := s.Decide("prop-b", StatusDenied, "wrong host")
	require.NotNil(t, decided)
	assert.Equal(t, StatusDenied, decided.Status)
	assert.Equal(t, "wrong host", decided.DecisionReason)

	assert.Empty(t, s.ListPendingByChat("chat-1"))
}

func TestDecideUnknownAndInvalid(t *testing.T) {
	s := newTestStore(t)
	assert.Nil(t, s.Decide("prop-missing", StatusApproved, ""))

	require.NoError(t, s.Enqueue(Proposal{ID: "prop-c", ChatID: "chat-1", Actions: []plan.Action{testAction()}}))
	assert.Nil(t, s.Decide("prop-c", StatusProposed, ""), "proposed is not a decision")
}

func TestJournalSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "action-queue.json")

	s1, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, s1.Enqueue(Proposal{ID: "prop-d", ChatID: "chat-2", Actions: []plan.Action{testAction()}}))
	require.NotNil(t, s1.Decide("prop-d", StatusApproved, ""))

	s2, err := NewStore(path)
	require.NoError(t, err)
	got := s2.GetByID("prop-d")
	require.NotNil(t, got)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Equal(t, "chat-2", got.ChatID)
	require.Len(t, got.Actions, 1)
	assert.Equal(t, plan.ActionSSH, got.Actions[0].Type)
}

func TestListPendingScopedToChat(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Enqueue(Proposal{ID: "p1", ChatID: "chat-1", Actions: []plan.Action{testAction()}}))
	require.NoError(t, s.Enqueue(Proposal{ID: "p2", ChatID: "chat-2", Actions: []plan.Action{testAction()}}))
	require.NoError(t, s.Enqueue(Proposal{ID: "p3", ChatID: "chat-1", Actions: []plan.Action{testAction()}}))

	ids := []string{}
	for _, p := range s.ListPendingByChat("chat-1") {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"p1", "p3"}, ids)
}
