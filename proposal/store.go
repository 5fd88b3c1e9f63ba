// Package proposal persists planner output awaiting human approval. The store
// is an append-only journal held in a single JSON document; decisions are the
// only mutation and each proposal takes exactly one.
package proposal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/nanoclaw/plan"
)

// Status is the proposal lifecycle state.
type Status string

// Proposal states. Only proposed may transition, and only once.
const (
	StatusProposed Status = "proposed"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// Decision is the terminal state a human picks.
type Decision = Status

// ErrEmptyActions rejects proposals with nothing to approve.
var ErrEmptyActions = errors.New("proposal has no actions")

// Proposal ties one plan to the chat that produced it.
type Proposal struct {
	ID             string        `json:"id"`
	CreatedAt      time.Time     `json:"createdAt"`
	Status         Status        `json:"status"`
	GroupFolder    string        `json:"groupFolder"`
	ChatID         string        `json:"chatId"`
	RequestText    string        `json:"requestText,omitempty"`
	Actions        []plan.Action `json:"actions"`
	DecidedAt      *time.Time    `json:"decidedAt,omitempty"`
	DecisionReason string        `json:"decisionReason,omitempty"`
}

// NewID returns a fresh opaque proposal id.
func NewID() string {
	return "prop-" + uuid.NewString()
}

// Store owns the proposal journal. Single writer; readers get copies.
type Store struct {
	path   string
	mu     sync.Mutex
	items  []Proposal
	loaded bool
}

// NewStore opens (or creates) the journal at path.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.items = nil
			s.loaded = true
			return nil
		}
		return fmt.Errorf("read proposal journal: %w", err)
	}
	if len(data) == 0 {
		s.items = nil
		s.loaded = true
		return nil
	}
	if err := json.Unmarshal(data, &s.items); err != nil {
		return fmt.Errorf("parse proposal journal: %w", err)
	}
	s.loaded = true
	return nil
}

// save writes the journal atomically: temp file in the same directory, then
// rename. Callers hold s.mu.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.items, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal proposal journal: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write proposal journal: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace proposal journal: %w", err)
	}
	return nil
}

// Enqueue appends a new proposal. The proposal must carry at least one action
// and enters the journal in the proposed state.
func (s *Store) Enqueue(p Proposal) error {
	if len(p.Actions) == 0 {
		return ErrEmptyActions
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = NewID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.Status = StatusProposed
	p.DecidedAt = nil
	p.DecisionReason = ""
	s.items = append(s.items, p)
	return s.save()
}

// ListPendingByChat returns copies of all proposed entries for a chat, oldest
// first.
func (s *Store) ListPendingByChat(chatID string) []Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Proposal
	for i := range s.items {
		if s.items[i].ChatID == chatID && s.items[i].Status == StatusProposed {
			out = append(out, s.items[i])
		}
	}
	return out
}

// GetByID returns a copy of the proposal, or nil when unknown.
func (s *Store) GetByID(id string) *Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			p := s.items[i]
			return &p
		}
	}
	return nil
}

// Decide flips a proposed entry to its terminal state and persists the
// journal. Returns nil when the proposal is missing or already decided; the
// caller distinguishes the two with GetByID.
func (s *Store) Decide(id string, decision Decision, reason string) *Proposal {
	if decision != StatusApproved && decision != StatusDenied {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID != id {
			continue
		}
		if s.items[i].Status != StatusProposed {
			return nil
		}
		now := time.Now().UTC()
		s.items[i].Status = decision
		s.items[i].DecidedAt = &now
		if reason != "" {
			s.items[i].DecisionReason = reason
		}
		if err := s.save(); err != nil {
			// Roll back the in-memory flip so a later retry can re-decide.
			s.items[i].Status = StatusProposed
			s.items[i].DecidedAt = nil
			s.items[i].DecisionReason = ""
			return nil
		}
		p := s.items[i]
		return &p
	}
	return nil
}
