package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

type memSession struct {
	CallSession
	turns  []Turn
	events []Event
}

// Memory is an in-process Store. Sessions without an agent use the default
// agent.
type Memory struct {
	mu           sync.RWMutex
	agents       map[string]AgentConfiguration
	sessions     map[string]*memSession
	defaultAgent string
	now          func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	def := DefaultAgent()
	return &Memory{
		agents:       map[string]AgentConfiguration{def.ID: def},
		sessions:     make(map[string]*memSession),
		defaultAgent: def.ID,
		now:          time.Now,
	}
}

// PutAgent adds or replaces an agent configuration.
func (m *Memory) PutAgent(a AgentConfiguration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = a
}

// SetDefaultAgent selects the agent used for sessions created without one.
func (m *Memory) SetDefaultAgent(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultAgent = id
}

func (m *Memory) LoadAgentConfig(_ context.Context, sessionID string) (AgentConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return AgentConfiguration{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	a, ok := m.agents[s.AgentID]
	if !ok {
		return AgentConfiguration{}, fmt.Errorf("agent %s: %w", s.AgentID, ErrNotFound)
	}
	return a, nil
}

func (m *Memory) CreateSession(_ context.Context, s CallSession) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = NewSessionID()
	}
	if _, exists := m.sessions[s.ID]; exists {
		return "", fmt.Errorf("session %s already exists", s.ID)
	}
	if s.AgentID == "" {
		s.AgentID = m.defaultAgent
	}
	if s.Status == "" {
		s.Status = StatusPending
	}
	s.CreatedAt = m.now()
	m.sessions[s.ID] = &memSession{CallSession: s}
	return s.ID, nil
}

func (m *Memory) AppendTurn(_ context.Context, sessionID string, t Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	s.turns = append(s.turns, t)
	return nil
}

func (m *Memory) AppendEvent(_ context.Context, sessionID string, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	e.Payload = slices.Clone(e.Payload)
	s.events = append(s.events, e)
	return nil
}

func (m *Memory) UpdateSessionStatus(_ context.Context, sessionID string, u SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if u.Status != "" {
		s.Status = u.Status
	}
	if !u.StartedAt.IsZero() {
		s.StartedAt = u.StartedAt
	}
	if !u.EndedAt.IsZero() {
		s.EndedAt = u.EndedAt
	}
	if u.ExternalCallID != "" {
		s.ExternalCallID = u.ExternalCallID
	}
	if u.StreamID != "" {
		s.StreamID = u.StreamID
	}
	if u.Error != "" {
		s.Error = u.Error
	}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// Session returns a snapshot of the stored session.
func (m *Memory) Session(id string) (CallSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return CallSession{}, false
	}
	return s.CallSession, true
}

func (m *Memory) Turns(id string) []Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[id]; ok {
		return slices.Clone(s.turns)
	}
	return nil
}

func (m *Memory) Events(id string) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[id]; ok {
		return slices.Clone(s.events)
	}
	return nil
}
