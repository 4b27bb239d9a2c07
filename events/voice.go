package events

import (
	"encoding/json"
	"fmt"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// VoiceEvent is an inbound voice API event after classification. The set is
// closed; anything the adapter does not recognize arrives as Unknown.
type VoiceEvent interface {
	Wire() Frame
	voiceEvent()
}

type SessionCreated struct {
	Frame
	SessionID string
	Model     string
}

type SessionUpdated struct {
	Frame
}

// ConversationCreated starts a new conversation within the call.
type ConversationCreated struct {
	Frame
	ConversationID string
}

// ItemCreated marks an item boundary in the conversation.
type ItemCreated struct {
	Frame
	ItemID   string
	ItemType string
	Role     Role
}

// AudioDelta carries agent audio, already base64 decoded, in the voice API output format.
type AudioDelta struct {
	Frame
	ResponseID string
	ItemID     string
	Audio      []byte
}

type AudioDone struct {
	Frame
	ResponseID string
	ItemID     string
}

type TextDelta struct {
	Frame
	Role       Role
	ResponseID string
	ItemID     string
	Delta      string
}

// TextDone ends a text-only assistant item. Text is the full output.
type TextDone struct {
	Frame
	ResponseID string
	ItemID     string
	Text       string
}

// TranscriptionCompleted is the final transcript of a caller utterance.
type TranscriptionCompleted struct {
	Frame
	ItemID     string
	Transcript string
}

type TranscriptionFailed struct {
	Frame
	ItemID  string
	Message string
}

// FunctionCallRequested is emitted once the streamed arguments are complete.
type FunctionCallRequested struct {
	Frame
	CallID string
	Name   string
	Args   json.RawMessage
}

type ResponseDone struct {
	Frame
	ResponseID string
	Status     string
}

type SpeechStarted struct {
	Frame
	ItemID       string
	AudioStartMs int64
}

type SpeechStopped struct {
	Frame
	ItemID     string
	AudioEndMs int64
}

type MCPCallFailed struct {
	Frame
	ItemID string
}

// Error is an error reported by the voice API. Fatal errors end the session.
type Error struct {
	Frame
	Kind    string
	Code    string
	Message string
	Fatal   bool
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unknown is a well-formed message of a type that is not classified further.
type Unknown struct {
	Frame
}

// Disconnected is the last event on an adapter's channel.
type Disconnected struct {
	Frame
	Err error
}

func (SessionCreated) voiceEvent()         {}
func (SessionUpdated) voiceEvent()         {}
func (ConversationCreated) voiceEvent()    {}
func (ItemCreated) voiceEvent()            {}
func (AudioDelta) voiceEvent()             {}
func (AudioDone) voiceEvent()              {}
func (TextDelta) voiceEvent()              {}
func (TextDone) voiceEvent()               {}
func (TranscriptionCompleted) voiceEvent() {}
func (TranscriptionFailed) voiceEvent()    {}
func (FunctionCallRequested) voiceEvent()  {}
func (ResponseDone) voiceEvent()           {}
func (SpeechStarted) voiceEvent()          {}
func (SpeechStopped) voiceEvent()          {}
func (MCPCallFailed) voiceEvent()          {}
func (Error) voiceEvent()                  {}
func (Unknown) voiceEvent()                {}
func (Disconnected) voiceEvent()           {}
