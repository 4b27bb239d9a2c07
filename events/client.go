package events

// Outbound voice API events.

type SessionUpdateEvent struct {
	BaseEvent
	Session SessionUpdate `json:"session"`
}

type InputAudioBufferAppendEvent struct {
	BaseEvent
	// Audio is base64 encoded in the voice API input format.
	Audio string `json:"audio"`
}

type ConversationItemCreateEvent struct {
	BaseEvent
	Item ConversationItem `json:"item"`
}

// ConversationItem is the inner “item” object.
type ConversationItem struct {
	ID      string                    `json:"id,omitempty"`
	Type    string                    `json:"type"`
	Role    string                    `json:"role,omitempty"`
	Content []ConversationItemContent `json:"content,omitempty"`
	CallID  string                    `json:"call_id,omitempty"`
	Output  string                    `json:"output,omitempty"`
}

type ConversationItemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ConversationItemTruncateEvent struct {
	BaseEvent
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int64  `json:"audio_end_ms"`
}

type ResponseCreateEvent struct {
	BaseEvent
	Response ResponseCreatePayload `json:"response"`
}

type ResponseCreatePayload struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}
