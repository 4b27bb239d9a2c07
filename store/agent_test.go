package store

import (
	"errors"
	"testing"

	"github.com/codewandler/callrelay-go/audio"
	"github.com/stretchr/testify/require"
)

func TestAgentConfiguration_Validate(t *testing.T) {
	require.NoError(t, DefaultAgent().Validate())

	tests := []struct {
		name   string
		mutate func(a *AgentConfiguration)
	}{
		{"temperature too low", func(a *AgentConfiguration) { a.Temperature = 0.5 }},
		{"temperature too high", func(a *AgentConfiguration) { a.Temperature = 1.3 }},
		{"vad threshold", func(a *AgentConfiguration) { a.VADThreshold = 1.5 }},
		{"turn detection", func(a *AgentConfiguration) { a.TurnDetection = "push_to_talk" }},
		{"voice", func(a *AgentConfiguration) { a.Voice = " " }},
		{"eagerness", func(a *AgentConfiguration) {
			a.TurnDetection = TurnDetectionSemanticVAD
			a.Eagerness = "eager"
		}},
		{"mcp without url", func(a *AgentConfiguration) { a.MCP = &MCPServer{Label: "crm"} }},
		{"output format", func(a *AgentConfiguration) {
			a.OutputFormat = audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 11025}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := DefaultAgent()
			tt.mutate(&a)
			require.Error(t, a.Validate())
		})
	}
}

func TestAgentConfiguration_ValidateBounds(t *testing.T) {
	a := DefaultAgent()
	a.Temperature = MinTemperature
	a.VADThreshold = 0
	require.NoError(t, a.Validate())

	a.Temperature = MaxTemperature
	a.VADThreshold = 1
	require.NoError(t, a.Validate())

	a.OutputFormat = audio.Format{Encoding: "opus", SampleRate: 48000}
	require.True(t, errors.Is(a.Validate(), audio.ErrUnsupportedFormat))
}

func TestAgentConfiguration_ValidatePCMRate(t *testing.T) {
	a := DefaultAgent()
	a.InputFormat = audio.Format{Encoding: audio.EncodingPCM16, SampleRate: audio.DefaultPCMSampleRate}
	a.OutputFormat = a.InputFormat
	require.NoError(t, a.Validate())

	for _, rate := range []int{8_000, 16_000, 48_000} {
		a.InputFormat = audio.Format{Encoding: audio.EncodingPCM16, SampleRate: rate}
		require.ErrorIs(t, a.Validate(), audio.ErrUnsupportedFormat, rate)
	}

	a.InputFormat = audio.Telephony
	a.OutputFormat = audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 16_000}
	require.ErrorIs(t, a.Validate(), audio.ErrUnsupportedFormat)
}

func TestAgentConfiguration_ResolveInstructions(t *testing.T) {
	a := AgentConfiguration{Name: "Mia", Instructions: "You are {name}. Sign off as {agent_name}."}
	require.Equal(t, "You are Mia. Sign off as Mia.", a.ResolveInstructions())
}
