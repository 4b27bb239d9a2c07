package events

import "github.com/codewandler/callrelay-go/tool"

type Session struct {
	ID                      string         `json:"id,omitempty"`
	Object                  string         `json:"object,omitempty"`
	ExpiresAt               int64          `json:"expires_at,omitempty"`
	Model                   string         `json:"model,omitempty"`
	Modalities              []string       `json:"modalities,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string         `json:"output_audio_format,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	Temperature             float64        `json:"temperature,omitempty"`
	MaxResponseOutputTokens any            `json:"max_response_output_tokens,omitempty"`
}

// SessionUpdate is the payload of session.update. Tools holds function tools
// (tool.Tool) and remote MCP server entries (MCPTool).
type SessionUpdate struct {
	Modalities              []string                 `json:"modalities,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string                   `json:"output_audio_format,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection           `json:"turn_detection,omitempty"`
	Temperature             float64                  `json:"temperature,omitempty"`
	// MaxResponseOutputTokens is either an integer or the string "inf".
	MaxResponseOutputTokens any         `json:"max_response_output_tokens,omitempty"`
	Tools                   []any       `json:"tools,omitempty"`
	ToolChoice              tool.Choice `json:"tool_choice,omitempty"`
}

// TurnDetection holds the VAD configuration.
type TurnDetection struct {
	Type              string   `json:"type,omitempty"`
	Threshold         *float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int      `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int      `json:"silence_duration_ms,omitempty"`
	Eagerness         string   `json:"eagerness,omitempty"`
	CreateResponse    bool     `json:"create_response"`
	InterruptResponse bool     `json:"interrupt_response"`
}

type InputAudioTranscription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

// MCPTool binds a remote MCP server that the voice API calls on its own.
type MCPTool struct {
	Type            string            `json:"type"`
	ServerLabel     string            `json:"server_label"`
	ServerURL       string            `json:"server_url"`
	Headers         map[string]string `json:"headers,omitempty"`
	RequireApproval string            `json:"require_approval,omitempty"`
}
