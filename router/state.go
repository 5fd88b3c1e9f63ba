// Package router drives the inbound message loop: it polls the message store
// past a persisted watermark, turns triggered messages into planner turns, and
// enqueues the resulting proposals. Loop state lives in small flat JSON
// documents under the data directory, written temp-then-rename.
package router

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State file names under the data directory.
const (
	stateFile    = "router_state.json"
	sessionsFile = "sessions.json"
	groupsFile   = "registered_groups.json"
)

// MainFolder is the folder name of the main group; its chat needs no trigger
// prefix and its IPC folder may act on every chat.
const MainFolder = "main"

// RegisteredGroup is one chat the router listens to.
type RegisteredGroup struct {
	Name    string    `json:"name"`
	Folder  string    `json:"folder"`
	Trigger string    `json:"trigger,omitempty"`
	AddedAt time.Time `json:"addedAt"`
}

// routerState is the watermark document.
type routerState struct {
	LastTimestamp      time.Time            `json:"last_timestamp"`
	LastAgentTimestamp map[string]time.Time `json:"last_agent_timestamp"`
}

// State owns the router's persisted documents. All mutations persist
// atomically before returning.
type State struct {
	dir string

	mu       sync.Mutex
	water    routerState
	sessions map[string]string
	groups   map[string]RegisteredGroup
}

// LoadState reads (or initializes) the state documents under dir.
func LoadState(dir string) (*State, error) {
	s := &State{
		dir:      dir,
		water:    routerState{LastAgentTimestamp: make(map[string]time.Time)},
		sessions: make(map[string]string),
		groups:   make(map[string]RegisteredGroup),
	}
	if err := loadJSON(filepath.Join(dir, stateFile), &s.water); err != nil {
		return nil, err
	}
	if s.water.LastAgentTimestamp == nil {
		s.water.LastAgentTimestamp = make(map[string]time.Time)
	}
	if err := loadJSON(filepath.Join(dir, sessionsFile), &s.sessions); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dir, groupsFile), &s.groups); err != nil {
		return nil, err
	}
	if s.sessions == nil {
		s.sessions = make(map[string]string)
	}
	if s.groups == nil {
		s.groups = make(map[string]RegisteredGroup)
	}
	return s, nil
}

// LastTimestamp returns the global inbound watermark.
func (s *State) LastTimestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.water.LastTimestamp
}

// AdvanceLastTimestamp persists a new global watermark. It never moves
// backwards.
func (s *State) AdvanceLastTimestamp(ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ts.After(s.water.LastTimestamp) {
		return nil
	}
	prev := s.water.LastTimestamp
	s.water.LastTimestamp = ts
	if err := s.saveWater(); err != nil {
		s.water.LastTimestamp = prev
		return err
	}
	return nil
}

// AgentWatermark returns the per-chat watermark of delivered-to-planner
// messages.
func (s *State) AgentWatermark(chatID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.water.LastAgentTimestamp[chatID]
}

// AdvanceAgentWatermark persists a new per-chat watermark. It never moves
// backwards.
func (s *State) AdvanceAgentWatermark(chatID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ts.After(s.water.LastAgentTimestamp[chatID]) {
		return nil
	}
	prev, had := s.water.LastAgentTimestamp[chatID]
	s.water.LastAgentTimestamp[chatID] = ts
	if err := s.saveWater(); err != nil {
		if had {
			s.water.LastAgentTimestamp[chatID] = prev
		} else {
			delete(s.water.LastAgentTimestamp, chatID)
		}
		return err
	}
	return nil
}

// Session returns the planner session id for a group folder, or "".
func (s *State) Session(groupFolder string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[groupFolder]
}

// SetSession persists the session id for a group folder.
func (s *State) SetSession(groupFolder, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[groupFolder] == sessionID {
		return nil
	}
	prev, had := s.sessions[groupFolder]
	s.sessions[groupFolder] = sessionID
	if err := atomicSave(filepath.Join(s.dir, sessionsFile), s.sessions); err != nil {
		if had {
			s.sessions[groupFolder] = prev
		} else {
			delete(s.sessions, groupFolder)
		}
		return err
	}
	return nil
}

// RegisterGroup persists a chat registration.
func (s *State) RegisterGroup(chatID string, g RegisteredGroup) error {
	if g.Folder == "" {
		return fmt.Errorf("group folder is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.AddedAt.IsZero() {
		g.AddedAt = time.Now().UTC()
	}
	prev, had := s.groups[chatID]
	s.groups[chatID] = g
	if err := atomicSave(filepath.Join(s.dir, groupsFile), s.groups); err != nil {
		if had {
			s.groups[chatID] = prev
		} else {
			delete(s.groups, chatID)
		}
		return err
	}
	return nil
}

// Group returns the registration for a chat, if any.
func (s *State) Group(chatID string) (RegisteredGroup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[chatID]
	return g, ok
}

// GroupByFolder finds the chat owning a folder.
func (s *State) GroupByFolder(folder string) (chatID string, g RegisteredGroup, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, grp := range s.groups {
		if grp.Folder == folder {
			return id, grp, true
		}
	}
	return "", RegisteredGroup{}, false
}

// ChatIDs snapshots the registered chat ids.
func (s *State) ChatIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.groups))
	for id := range s.groups {
		out = append(out, id)
	}
	return out
}

// saveWater persists the watermark document. Callers hold s.mu.
func (s *State) saveWater() error {
	return atomicSave(filepath.Join(s.dir, stateFile), s.water)
}

// loadJSON fills v from path; a missing file leaves v untouched.
func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// atomicSave writes v as JSON via a temp file in the same directory.
func atomicSave(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
