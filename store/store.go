package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/codewandler/callrelay-go/events"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// Store is the storage collaborator of the relay. Implementations must be
// safe for concurrent use by many sessions. Records handed to a Store are
// never modified by the relay afterwards.
type Store interface {
	LoadAgentConfig(ctx context.Context, sessionID string) (AgentConfiguration, error)
	CreateSession(ctx context.Context, s CallSession) (string, error)
	AppendTurn(ctx context.Context, sessionID string, t Turn) error
	AppendEvent(ctx context.Context, sessionID string, e Event) error
	UpdateSessionStatus(ctx context.Context, sessionID string, s SessionStatus) error
	Ping(ctx context.Context) error
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// NewSessionID returns an opaque unique session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

type CallSession struct {
	ID             string
	AgentID        string
	ExternalCallID string
	StreamID       string
	Status         Status
	StartedAt      time.Time
	EndedAt        time.Time
	Error          string
	CreatedAt      time.Time
}

// SessionStatus is a status transition. Zero fields leave the stored value
// unchanged.
type SessionStatus struct {
	Status         Status
	StartedAt      time.Time
	EndedAt        time.Time
	ExternalCallID string
	StreamID       string
	Error          string
}

// Turn is one contiguous utterance. Offsets are relative to the session start.
type Turn struct {
	ConversationID string
	Role           events.Role
	ItemID         string
	ResponseID     string
	Text           string
	AudioBytes     int
	AudioDuration  time.Duration
	StartOffset    time.Duration
	EndOffset      time.Duration
	Completed      bool
	Interrupted    bool
	Error          string
}

// Event is a raw protocol message kept for diagnostics.
type Event struct {
	Direction events.Direction
	Source    events.Source
	Type      string
	Payload   json.RawMessage
	At        time.Time
}
