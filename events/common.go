package events

import (
	"encoding/json"
	"errors"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// ErrMalformedFrame marks an inbound message that could not be decoded. It is
// dropped by the adapter that received it.
var ErrMalformedFrame = errors.New("malformed frame")

type BaseEvent struct {
	EventID        string  `json:"event_id"`
	Type           string  `json:"type"`
	PreviousItemID *string `json:"previous_item_id,omitempty"`
}

func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID: NewID(),
		Type:    eventType,
	}
}

// NewID returns a fresh nanoid, used for event ids, item ids and mark names.
func NewID() string {
	id, err := nanoid.New()
	if err != nil {
		panic(err)
	}
	return id
}

func Parse[T any](data []byte) (*T, error) {
	var x T
	if err := json.Unmarshal(data, &x); err != nil {
		return nil, err
	}
	return &x, nil
}

// Frame is the wire message an inbound event was decoded from. Events built
// in code (tests, synthetic disconnects) carry an empty Frame.
type Frame struct {
	Type string
	Raw  json.RawMessage
}

func (f Frame) Wire() Frame { return f }

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type Source string

const (
	SourceTelephony Source = "telephony"
	SourceVoiceAPI  Source = "voice-api"
)
