package upstream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/codewandler/callrelay-go/events"
)

var fatalErrorCodes = map[string]bool{
	"session_expired":    true,
	"invalid_api_key":    true,
	"insufficient_quota": true,
}

// IsFatal reports whether a voice API error ends the session.
func IsFatal(kind, code string) bool {
	return fatalErrorCodes[code] || kind == "authentication_error"
}

type pendingCall struct {
	name string
	args strings.Builder
}

// decoder classifies inbound frames. It buffers streamed function call
// arguments, so one decoder serves one connection.
type decoder struct {
	calls  map[string]*pendingCall
	done   map[string]bool
	logger *slog.Logger
}

func newDecoder(logger *slog.Logger) *decoder {
	return &decoder{
		calls:  map[string]*pendingCall{},
		done:   map[string]bool{},
		logger: logger,
	}
}

func (d *decoder) call(id string) *pendingCall {
	c, ok := d.calls[id]
	if !ok {
		c = &pendingCall{}
		d.calls[id] = c
	}
	return c
}

// decode returns nil when the frame only updates decoder state.
func (d *decoder) decode(data []byte) (events.VoiceEvent, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		return nil, fmt.Errorf("%w: not a voice api event", events.ErrMalformedFrame)
	}
	frame := events.Frame{Type: env.Type, Raw: json.RawMessage(data)}

	switch env.Type {
	case "session.created":
		evt, err := events.Parse[events.SessionCreatedEvent](data)
		if err != nil {
			return nil, malformed(env.Type, err)
		}
		return events.SessionCreated{Frame: frame, SessionID: evt.Session.ID, Model: evt.Session.Model}, nil

	case "session.updated":
		return events.SessionUpdated{Frame: frame}, nil

	case "conversation.created":
		evt, err := events.Parse[events.ConversationCreatedEvent](data)
		if err != nil {
			return nil, malformed(env.Type, err)
		}
		return events.ConversationCreated{Frame: frame, ConversationID: evt.Conversation.ID}, nil

	case "conversation.item.created":
		evt, err := events.Parse[events.ConversationItemCreatedEvent](data)
		if err != nil {
			return nil, malformed(env.Type, err)
		}
		return events.ItemCreated{
			Frame:    frame,
			ItemID:   evt.Item.ID,
			ItemType: evt.Item.Type,
			Role:     events.Role(evt.Item.Role),
		}, nil

	case "response.output_item.added":
		evt, err := events.Parse[events.ResponseOutputItemAddedEvent](data)
		if err != nil {
			return nil, malformed(env.Type, err)
		}
		if evt.Item.Type == "function_call" && evt.Item.CallID != "" {
			d.call(evt.Item.CallID).name = evt.Item.Name
		}
		return nil, nil

	case "response.output_item.done":
		evt, err := events.Parse[events.ResponseOutputItemDoneEvent](data)
		if err != nil {
			return nil, malformed(env.Type, err)
		}
		item := evt.Item
		if item.Type != "function_call" || item.CallID == "" {
			return events.Unknown{Frame: frame}, nil
		}
		// usually already completed by response.function_call_arguments.done
		if d.done[item.CallID] {
			return nil, nil
		}
		return d.completeCall(frame, &events.ResponseFunctionCallArgumentsDoneEvent{
			ResponseId: evt.ResponseId,
			ItemID:     item.ID,
			CallID:     item.CallID,
			Name:       item.Name,
			Arguments:  item.Arguments,
		}), nil

	case "response.function_call_arguments.delta":
		evt, err := events.Parse[events.ResponseFunctionCallArgumentsDeltaEvent](data)
		if err != nil {
			return nil, malformed(env.Type, err)
		}
		d.call(evt.CallID).args.WriteString(evt.Delta)
		return nil, nil

	case "response.function_call_arguments.done":
		evt, err := events.Parse[events.ResponseFunctionCallArgumentsDoneEvent](data)
		if err != nil {
			return nil, malformed(env.Type, err)
		}
		return d.completeCall(frame, evt), nil

	case "response.audio.delta", "response.output_audio.delta":
		evt, err := events.Parse[events.ResponseAudioDeltaEvent](data)
		if err != nil {
			return nil, malformed(env.Type, err)
		}
		audio, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			return nil, malformed(env.Type, err)
		}
		return events.AudioDelta{Frame: frame, ResponseID: evt.ResponseId, ItemID: evt.ItemID, Audio: audio}, nil

	case "response.audio.done", "response.output_audio.done":
		evt, err := events.Parse[events.ResponseAudioDone](data)
		if err != nil {
			return nil, malformed(env.Type, err)
		}
		return events.AudioDone{Frame: frame, ResponseID: evt.ResponseId, ItemID: evt.ItemID}, nil

	case "response.audio_transcript.delta", "response.output_audio_transcript.delta",
		"response.text.delta", "response.output_text.delta":
		evt, err := events.Parse[events.ResponseAudioTranscriptDeltaEvent](data)
		if err != nil {
			return nil, malformed(env.Type, err)
		}
		return events.TextDelta{
			Frame:      frame,
			Role:       events.RoleAssistant,
			ResponseID: evt.ResponseId,
			ItemID:     evt.ItemID,
			Delta:      evt.Delta,
		}, nil

	case "response.text.done", "response.output_text.done":
		evt, err := events.Parse[events.ResponseTextDoneEvent](data)
		if err != nil {
			return nil, malformed(env.Type, err)
		}
		return events.TextDone{Frame: frame, ResponseID: evt.ResponseId, ItemID: evt.ItemID, Text: evt.Text}, nil

	case "conversation.item.input_audio_transcription.delta":
		evt, err := events.Parse[events.InputAudioTranscriptionDeltaEvent](data)
		if err != nil {
			return nil, malformed(env.Type, err)
		}
		return events.TextDelta{Frame: frame, Role: events.RoleUser, ItemID: evt.ItemID, Delta: evt.Delta}, nil

	case "conversation.item.input_audio_transcription.completed":
		evt, err := events.Parse[events.InputAudioTranscriptionCompletedEvent](data)
		if err != nil {
			return nil, malformed(env.Type, err)
		}
		return events.TranscriptionCompleted{Frame: frame, ItemID: evt.ItemID, Transcript: evt.Transcript}, nil

	case "conversation.item.input_audio_transcription.failed":
		evt, err := events.Parse[events.InputAudioTranscriptionFailedEvent](data)
		if err != nil {
			return nil, malformed(env.Type, err)
		}
		return events.TranscriptionFailed{Frame: frame, ItemID: evt.ItemID, Message: evt.Error.Message}, nil

	case "response.done":
		evt, err := events.Parse[events.ResponseDoneEvent](data)
		if err != nil {
			return nil, malformed(env.Type, err)
		}
		return events.ResponseDone{Frame: frame, ResponseID: evt.Response.ID, Status: evt.Response.Status}, nil

	case "input_audio_buffer.speech_started":
		evt, err := events.Parse[events.SpeechStartedEvent](data)
		if err != nil {
			return nil, malformed(env.Type, err)
		}
		return events.SpeechStarted{Frame: frame, ItemID: evt.ItemID, AudioStartMs: evt.AudioStartMs}, nil

	case "input_audio_buffer.speech_stopped":
		evt, err := events.Parse[events.SpeechStoppedEvent](data)
		if err != nil {
			return nil, malformed(env.Type, err)
		}
		return events.SpeechStopped{Frame: frame, ItemID: evt.ItemID, AudioEndMs: evt.AudioEndMs}, nil

	case "response.mcp_call.failed":
		evt, err := events.Parse[events.ResponseMCPCallFailedEvent](data)
		if err != nil {
			return nil, malformed(env.Type, err)
		}
		return events.MCPCallFailed{Frame: frame, ItemID: evt.ItemID}, nil

	case "error":
		evt, err := events.Parse[events.ErrorEvent](data)
		if err != nil {
			return nil, malformed(env.Type, err)
		}
		e := evt.ErrorDetail
		return events.Error{
			Frame:   frame,
			Kind:    e.Type,
			Code:    e.Code,
			Message: e.Message,
			Fatal:   IsFatal(e.Type, e.Code),
		}, nil
	}

	return events.Unknown{Frame: frame}, nil
}

func (d *decoder) completeCall(frame events.Frame, evt *events.ResponseFunctionCallArgumentsDoneEvent) events.VoiceEvent {
	if d.done[evt.CallID] {
		d.logger.Warn("duplicate function call completion", slog.String("call_id", evt.CallID))
		return nil
	}
	d.done[evt.CallID] = true

	pending := d.call(evt.CallID)
	delete(d.calls, evt.CallID)

	name := evt.Name
	if name == "" {
		name = pending.name
	}
	args := evt.Arguments
	if args == "" {
		args = pending.args.String()
	}
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	if !json.Valid([]byte(args)) {
		d.logger.Warn("function call arguments are not valid JSON",
			slog.String("call_id", evt.CallID),
			slog.String("name", name),
			slog.String("arguments", args),
		)
		args = "{}"
	}

	return events.FunctionCallRequested{
		Frame:  frame,
		CallID: evt.CallID,
		Name:   name,
		Args:   json.RawMessage(args),
	}
}

func malformed(eventType string, err error) error {
	return fmt.Errorf("%w: %s: %v", events.ErrMalformedFrame, eventType, err)
}
