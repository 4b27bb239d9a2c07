package events

import "fmt"

// Wire shapes of the inbound voice API events the upstream adapter decodes.

type ErrorEvent struct {
	BaseEvent
	ErrorDetail ErrorDetail `json:"error"`
}

func (e *ErrorEvent) Error() string {
	return e.ErrorDetail.Error()
}

// ErrorDetail holds the details of the error.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
	EventID string `json:"event_id"`
}

func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type SessionCreatedEvent struct {
	BaseEvent
	Session Session `json:"session"`
}

type ConversationCreatedEvent struct {
	BaseEvent
	Conversation struct {
		ID string `json:"id"`
	} `json:"conversation"`
}

type ConversationItemCreatedEvent struct {
	BaseEvent
	Item ConversationItem `json:"item"`
}

type SpeechStartedEvent struct {
	BaseEvent
	AudioStartMs int64  `json:"audio_start_ms"`
	ItemID       string `json:"item_id"`
}

type SpeechStoppedEvent struct {
	BaseEvent
	AudioEndMs int64  `json:"audio_end_ms"`
	ItemID     string `json:"item_id"`
}

type ResponseAudioDeltaEvent struct {
	BaseEvent
	ResponseId   string `json:"response_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	ItemID       string `json:"item_id"`
	Delta        string `json:"delta"`
}

type ResponseAudioDone struct {
	BaseEvent
	ResponseId   string `json:"response_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	ItemID       string `json:"item_id"`
}

type ResponseAudioTranscriptDeltaEvent struct {
	BaseEvent
	ResponseId   string `json:"response_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	ItemID       string `json:"item_id"`
	Delta        string `json:"delta"`
}

type ResponseOutputItemAddedEvent struct {
	BaseEvent
	ResponseId  string     `json:"response_id"`
	OutputIndex int        `json:"output_index"`
	Item        OutputItem `json:"item"`
}

type ResponseOutputItemDoneEvent struct {
	BaseEvent
	ResponseId  string     `json:"response_id"`
	OutputIndex int        `json:"output_index"`
	Item        OutputItem `json:"item"`
}

type ResponseTextDoneEvent struct {
	BaseEvent
	ResponseId   string `json:"response_id"`
	ItemID       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	Text         string `json:"text"`
}

type OutputItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status,omitempty"`
	Role      string `json:"role,omitempty"`
	Name      string `json:"name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type ResponseFunctionCallArgumentsDeltaEvent struct {
	BaseEvent
	ResponseId  string `json:"response_id"`
	ItemID      string `json:"item_id"`
	OutputIndex int    `json:"output_index"`
	CallID      string `json:"call_id"`
	Delta       string `json:"delta"`
}

type ResponseFunctionCallArgumentsDoneEvent struct {
	BaseEvent
	ResponseId  string `json:"response_id"`
	ItemID      string `json:"item_id"`
	OutputIndex int    `json:"output_index"`
	CallID      string `json:"call_id"`
	Name        string `json:"name,omitempty"`
	Arguments   string `json:"arguments"`
}

type ResponseDoneEvent struct {
	BaseEvent
	Response struct {
		ID     string       `json:"id"`
		Status string       `json:"status"`
		Output []OutputItem `json:"output"`
	} `json:"response"`
}

type InputAudioTranscriptionDeltaEvent struct {
	BaseEvent
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	Delta        string `json:"delta"`
}

type InputAudioTranscriptionCompletedEvent struct {
	BaseEvent
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	Transcript   string `json:"transcript"`
}

type InputAudioTranscriptionFailedEvent struct {
	BaseEvent
	ItemID       string      `json:"item_id"`
	ContentIndex int         `json:"content_index"`
	Error        ErrorDetail `json:"error"`
}

type ResponseMCPCallFailedEvent struct {
	BaseEvent
	ItemID      string `json:"item_id"`
	OutputIndex int    `json:"output_index"`
}
