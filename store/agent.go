package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codewandler/callrelay-go/audio"
)

type TurnDetectionMode string

const (
	TurnDetectionServerVAD   TurnDetectionMode = "server_vad"
	TurnDetectionSemanticVAD TurnDetectionMode = "semantic_vad"
	TurnDetectionNone        TurnDetectionMode = "none"
)

const (
	MinTemperature = 0.6
	MaxTemperature = 1.2
)

// AgentConfiguration is loaded once when a session starts and never changed
// by the relay.
type AgentConfiguration struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Model string `json:"model,omitempty"`
	// Instructions may contain {name} placeholders, see ResolveInstructions.
	Instructions string  `json:"instructions"`
	Voice        string  `json:"voice"`
	Temperature  float64 `json:"temperature"`

	// InputFormat and OutputFormat are the voice API side of the audio bridge.
	InputFormat  audio.Format `json:"input_format"`
	OutputFormat audio.Format `json:"output_format"`

	TurnDetection   TurnDetectionMode `json:"turn_detection"`
	VADThreshold    float64           `json:"vad_threshold"`
	PrefixPadding   time.Duration     `json:"prefix_padding"`
	SilenceDuration time.Duration     `json:"silence_duration"`
	// Eagerness applies to semantic VAD: low, medium, high or auto.
	Eagerness string `json:"eagerness,omitempty"`

	TranscriptionModel string `json:"transcription_model,omitempty"`
	// MaxOutputTokens of zero means unlimited.
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`

	Greeting    string        `json:"greeting,omitempty"`
	Timezone    string        `json:"timezone,omitempty"`
	IdleTimeout time.Duration `json:"idle_timeout,omitempty"`
	MCP         *MCPServer    `json:"mcp,omitempty"`
}

// MCPServer is a remote MCP server the voice API may call directly.
type MCPServer struct {
	Label     string `json:"label"`
	URL       string `json:"url"`
	AuthToken string `json:"auth_token,omitempty"`
}

// DefaultAgent is used when a call arrives without a known session.
func DefaultAgent() AgentConfiguration {
	return AgentConfiguration{
		ID:              "default",
		Name:            "Assistant",
		Instructions:    "You are {name}, a helpful phone agent. Keep answers short.",
		Voice:           "alloy",
		Temperature:     0.8,
		InputFormat:     audio.Telephony,
		OutputFormat:    audio.Telephony,
		TurnDetection:   TurnDetectionServerVAD,
		VADThreshold:    0.5,
		PrefixPadding:   300 * time.Millisecond,
		SilenceDuration: 500 * time.Millisecond,
		Timezone:        "UTC",
	}
}

// Validate reports every problem with the configuration.
func (a AgentConfiguration) Validate() error {
	var errs []error
	if strings.TrimSpace(a.Voice) == "" {
		errs = append(errs, errors.New("voice is required"))
	}
	if a.Temperature < MinTemperature || a.Temperature > MaxTemperature {
		errs = append(errs, fmt.Errorf("temperature %.2f outside [%.1f, %.1f]", a.Temperature, MinTemperature, MaxTemperature))
	}
	if a.VADThreshold < 0 || a.VADThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad threshold %.2f outside [0, 1]", a.VADThreshold))
	}
	switch a.TurnDetection {
	case TurnDetectionServerVAD, TurnDetectionNone:
	case TurnDetectionSemanticVAD:
		switch a.Eagerness {
		case "", "low", "medium", "high", "auto":
		default:
			errs = append(errs, fmt.Errorf("unknown eagerness %q", a.Eagerness))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown turn detection mode %q", a.TurnDetection))
	}
	if err := a.InputFormat.ValidateVoice(); err != nil {
		errs = append(errs, fmt.Errorf("input format: %w", err))
	}
	if err := a.OutputFormat.ValidateVoice(); err != nil {
		errs = append(errs, fmt.Errorf("output format: %w", err))
	}
	if a.MaxOutputTokens < 0 {
		errs = append(errs, errors.New("max output tokens must not be negative"))
	}
	if a.MCP != nil && (a.MCP.Label == "" || a.MCP.URL == "") {
		errs = append(errs, errors.New("mcp server needs a label and a url"))
	}
	return errors.Join(errs...)
}

// ResolveInstructions replaces {name} and {agent_name} with the agent name.
func (a AgentConfiguration) ResolveInstructions() string {
	return strings.NewReplacer(
		"{name}", a.Name,
		"{agent_name}", a.Name,
	).Replace(a.Instructions)
}
