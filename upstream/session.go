package upstream

import (
	"time"

	"github.com/codewandler/callrelay-go/audio"
	"github.com/codewandler/callrelay-go/events"
	"github.com/codewandler/callrelay-go/tool"
)

const (
	TurnDetectionServerVAD   = "server_vad"
	TurnDetectionSemanticVAD = "semantic_vad"
	TurnDetectionNone        = "none"
)

// SessionConfig is the resolved per-session configuration sent in session.update.
type SessionConfig struct {
	// Model overrides the client's model when set.
	Model string
	// Instructions must already have their placeholders resolved.
	Instructions string
	Voice        string
	Temperature  float64
	InputFormat  audio.Format
	OutputFormat audio.Format

	TurnDetection TurnDetection

	// TranscriptionModel enables input transcription when set.
	TranscriptionModel string
	// MaxOutputTokens of zero means no limit.
	MaxOutputTokens int

	Tools []tool.Tool
	MCP   []events.MCPTool
}

type TurnDetection struct {
	Mode            string
	Threshold       float64
	PrefixPadding   time.Duration
	SilenceDuration time.Duration
	// Eagerness applies to semantic_vad: low, medium, high or auto.
	Eagerness string
}

func (c SessionConfig) sessionUpdate() events.SessionUpdate {
	u := events.SessionUpdate{
		Modalities:              []string{"text", "audio"},
		Instructions:            c.Instructions,
		Voice:                   c.Voice,
		Temperature:             c.Temperature,
		InputAudioFormat:        string(c.InputFormat.Encoding),
		OutputAudioFormat:       string(c.OutputFormat.Encoding),
		TurnDetection:           c.TurnDetection.event(),
		MaxResponseOutputTokens: "inf",
		ToolChoice:              tool.ChoiceNone,
	}
	if c.MaxOutputTokens > 0 {
		u.MaxResponseOutputTokens = c.MaxOutputTokens
	}
	if c.TranscriptionModel != "" {
		u.InputAudioTranscription = &events.InputAudioTranscription{Model: c.TranscriptionModel}
	}

	for _, t := range c.Tools {
		u.Tools = append(u.Tools, t)
	}
	for _, m := range c.MCP {
		if m.Type == "" {
			m.Type = "mcp"
		}
		if m.RequireApproval == "" {
			m.RequireApproval = "never"
		}
		u.Tools = append(u.Tools, m)
	}
	if len(u.Tools) > 0 {
		u.ToolChoice = tool.ChoiceAuto
	}

	return u
}

func (t TurnDetection) event() *events.TurnDetection {
	switch t.Mode {
	case TurnDetectionNone:
		return nil
	case TurnDetectionSemanticVAD:
		return &events.TurnDetection{
			Type:              TurnDetectionSemanticVAD,
			Eagerness:         t.Eagerness,
			CreateResponse:    true,
			InterruptResponse: true,
		}
	}
	threshold := t.Threshold
	return &events.TurnDetection{
		Type:              TurnDetectionServerVAD,
		Threshold:         &threshold,
		PrefixPaddingMs:   int(t.PrefixPadding / time.Millisecond),
		SilenceDurationMs: int(t.SilenceDuration / time.Millisecond),
		CreateResponse:    true,
		InterruptResponse: true,
	}
}
