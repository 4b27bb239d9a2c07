package callrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/callrelay-go/audio"
	"github.com/codewandler/callrelay-go/events"
	"github.com/codewandler/callrelay-go/store"
	"github.com/codewandler/callrelay-go/upstream"
)

const mcpRetryInstructions = "A tool call to an external service failed. Try it once more; if it fails again, " +
	"apologise to the caller and continue without it."

// Session relays one call between the media stream and the voice API.
type Session struct {
	id     string
	config *config
	store  store.Store
	down   Downstream
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	err     error
	started bool
	done    chan struct{}
}

func NewSession(id string, down Downstream, st store.Store, opts ...Option) *Session {
	c := newConfig(opts...)
	return &Session{
		id:     id,
		config: c,
		store:  st,
		down:   down,
		logger: c.logger.With(slog.String("session_id", id)),
		done:   make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the cause of a failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session reached a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != st {
		s.logger.Debug("session state", slog.String("from", s.state.String()), slog.String("to", st.String()))
	}
	s.state = st
}

// Run drives the session until the call ends. It returns nil when the call
// ended normally and the terminal cause otherwise.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errRunning
	}
	s.started = true
	s.mu.Unlock()

	r := &relay{
		Session:     s,
		rec:         newRecorder(s.id, s.store, s.config.recordQueue, s.logger),
		lastMediaTs: -1,
	}
	r.turns = newTracker(r.elapsed, r.rec.turn)

	err := r.run(ctx)
	if normalEnd(err) {
		return nil
	}
	return err
}

// relay holds the state of a running session. Everything but the dispatcher
// worker and the recorder runs on the Run goroutine.
type relay struct {
	*Session

	agent       store.AgentConfiguration
	up          Upstream
	codec       *audio.Codec
	rec         *recorder
	turns       *tracker
	calls       *dispatcher
	startedAt   time.Time
	idle        *time.Timer
	idleTimeout time.Duration

	// agent audio playback, for barge-in
	playing     bool
	playItem    string
	playStart   int64
	played      time.Duration
	lastMark    string
	lastMediaTs int64
}

func (r *relay) elapsed() time.Duration {
	if r.startedAt.IsZero() {
		return 0
	}
	return r.config.now().Sub(r.startedAt)
}

func (r *relay) run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		r.shutdown(err)
	}()

	if err := r.initialize(ctx); err != nil {
		return err
	}

	r.calls = newDispatcher(r.config, r.up, r.rec, r.logger)
	r.calls.start(ctx)

	r.setState(StateActive)
	r.startedAt = r.config.now()
	r.rec.status(store.SessionStatus{Status: StateActive.status(), StartedAt: r.startedAt})
	r.logger.Info("session active", slog.String("agent", r.agent.ID), slog.String("voice", r.agent.Voice))

	if r.agent.Greeting != "" {
		r.greet()
	}
	return r.loop(ctx)
}

func (r *relay) initialize(ctx context.Context) error {
	r.setState(StateInitializing)

	agent, err := r.store.LoadAgentConfig(ctx, r.id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if err := agent.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	r.agent = agent

	r.idleTimeout = r.config.idleTimeout
	if agent.IdleTimeout > 0 {
		r.idleTimeout = agent.IdleTimeout
	}

	initCtx, cancel := context.WithTimeout(ctx, r.config.initTimeout)
	defer cancel()

	up, err := r.config.dial(initCtx, r.sessionConfig())
	switch {
	case errors.Is(err, upstream.ErrMissingKey):
		return fmt.Errorf("%w: %w", ErrConfig, err)
	case err != nil && initCtx.Err() != nil && ctx.Err() == nil:
		return fmt.Errorf("%w: dial voice api: %w", ErrTimeout, err)
	case err != nil:
		return disconnected(ErrUpstreamDisconnected, err)
	}
	r.up = up

	var created, streaming bool
	for !created || !streaming {
		select {
		case <-initCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: waiting for %s", ErrTimeout, awaiting(created, streaming))

		case evt := <-up.Events():
			r.auditVoice(evt)
			switch e := evt.(type) {
			case events.SessionCreated:
				created = true
				r.logger.Debug("voice api session created", slog.String("voice_session", e.SessionID), slog.String("model", e.Model))
			case events.ConversationCreated:
				r.turns.newConversation(e.ConversationID)
			case events.Error:
				if e.Fatal {
					return fmt.Errorf("voice api: %w", e)
				}
				r.logger.Warn("voice api error", slog.String("code", e.Code), slog.String("message", e.Message))
			case events.Disconnected:
				return disconnected(ErrUpstreamDisconnected, e.Err)
			}

		case evt := <-r.down.Events():
			r.auditTelephony(evt)
			switch e := evt.(type) {
			case events.StreamStarted:
				if err := r.startStream(e); err != nil {
					return err
				}
				streaming = true
			case events.StreamStopped:
				return errHangup
			case events.Disconnected:
				return disconnected(ErrDownstreamDisconnected, e.Err)
			}
			// media before the session is active is dropped
		}
	}
	return nil
}

func awaiting(created, streaming bool) string {
	switch {
	case !created && !streaming:
		return "voice api session and media stream"
	case !created:
		return "voice api session"
	}
	return "media stream"
}

func (r *relay) startStream(e events.StreamStarted) error {
	telephony := audio.Telephony
	if e.Encoding != "" {
		f, err := audio.ParseFormat(e.Encoding, e.SampleRate)
		if err != nil {
			return err
		}
		telephony = f
	}

	codec, err := audio.NewCodec(telephony, r.agent.InputFormat, r.agent.OutputFormat)
	if err != nil {
		return err
	}
	r.codec = codec

	r.logger.Info("media stream started",
		slog.String("stream_id", e.StreamID),
		slog.String("call_id", e.CallID),
		slog.String("format", telephony.String()),
	)
	r.rec.status(store.SessionStatus{StreamID: e.StreamID, ExternalCallID: e.CallID})
	return nil
}

func (r *relay) sessionConfig() upstream.SessionConfig {
	a := r.agent
	cfg := upstream.SessionConfig{
		Model:        a.Model,
		Instructions: a.ResolveInstructions(),
		Voice:        a.Voice,
		Temperature:  a.Temperature,
		InputFormat:  a.InputFormat,
		OutputFormat: a.OutputFormat,
		TurnDetection: upstream.TurnDetection{
			Mode:            string(a.TurnDetection),
			Threshold:       a.VADThreshold,
			PrefixPadding:   a.PrefixPadding,
			SilenceDuration: a.SilenceDuration,
			Eagerness:       a.Eagerness,
		},
		TranscriptionModel: a.TranscriptionModel,
		MaxOutputTokens:    a.MaxOutputTokens,
		Tools:              r.config.registry.Tools(),
	}
	if a.MCP != nil {
		m := events.MCPTool{ServerLabel: a.MCP.Label, ServerURL: a.MCP.URL}
		if a.MCP.AuthToken != "" {
			m.Headers = map[string]string{"Authorization": "Bearer " + a.MCP.AuthToken}
		}
		cfg.MCP = append(cfg.MCP, m)
	}
	return cfg
}

func (r *relay) greet() {
	if err := r.up.SendUserText(r.agent.Greeting); err != nil {
		r.logger.Warn("failed to send greeting", slog.Any("err", err))
		return
	}
	if err := r.up.CreateResponse(""); err != nil {
		r.logger.Warn("failed to request greeting response", slog.Any("err", err))
	}
}

func (r *relay) loop(ctx context.Context) error {
	var idle <-chan time.Time
	if r.idleTimeout > 0 {
		r.idle = time.NewTimer(r.idleTimeout)
		defer r.idle.Stop()
		idle = r.idle.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-r.up.Events():
			r.auditVoice(evt)
			if err := r.handleVoice(evt); err != nil {
				return err
			}
		case evt := <-r.down.Events():
			r.auditTelephony(evt)
			if err := r.handleTelephony(evt); err != nil {
				return err
			}
		case <-idle:
			r.logger.Info("no activity, ending call", slog.Duration("idle_timeout", r.idleTimeout))
			return errIdle
		}
	}
}

// touch records conversational activity.
func (r *relay) touch() {
	if r.idle == nil {
		return
	}
	if !r.idle.Stop() {
		select {
		case <-r.idle.C:
		default:
		}
	}
	r.idle.Reset(r.idleTimeout)
}

func (r *relay) handleVoice(evt events.VoiceEvent) error {
	switch e := evt.(type) {
	case events.Disconnected:
		return disconnected(ErrUpstreamDisconnected, e.Err)

	case events.Error:
		if e.Fatal {
			return fmt.Errorf("voice api: %w", e)
		}
		r.logger.Warn("voice api error", slog.String("kind", e.Kind), slog.String("code", e.Code), slog.String("message", e.Message))

	case events.ConversationCreated:
		r.turns.newConversation(e.ConversationID)

	case events.ItemCreated:
		r.turns.boundary(e.ItemID)

	case events.SpeechStarted:
		r.touch()
		r.bargeIn()

	case events.AudioDelta:
		r.touch()
		r.play(e)

	case events.AudioDone:
		if err := r.down.Flush(); err != nil {
			r.logger.Debug("flush failed", slog.Any("err", err))
		}

	case events.TextDelta:
		r.touch()
		// caller text arrives complete with the transcription
		if e.Role == events.RoleAssistant {
			r.turns.text(e.Role, e.ItemID, e.ResponseID, e.Delta)
		}

	case events.TextDone:
		r.turns.textDone(e.ItemID, e.ResponseID, e.Text)

	case events.TranscriptionCompleted:
		r.touch()
		r.turns.transcript(e.ItemID, e.Transcript)

	case events.TranscriptionFailed:
		r.logger.Warn("transcription failed", slog.String("item_id", e.ItemID), slog.String("message", e.Message))
		r.turns.transcriptFailed(e.ItemID, e.Message)

	case events.FunctionCallRequested:
		r.touch()
		r.logger.Debug("function call requested", slog.String("name", e.Name), slog.String("call_id", e.CallID))
		r.calls.enqueue(callRequest{callID: e.CallID, name: e.Name, args: e.Args})

	case events.ResponseDone:
		r.responseDone(e)

	case events.MCPCallFailed:
		r.logger.Warn("mcp call failed", slog.String("item_id", e.ItemID))
		if err := r.up.CreateResponse(mcpRetryInstructions); err != nil {
			r.logger.Warn("failed to request mcp retry", slog.Any("err", err))
		}

	case events.Unknown:
		r.logger.Debug("unhandled voice api event", slog.String("type", e.Type))
	}
	return nil
}

func (r *relay) play(e events.AudioDelta) {
	out, err := r.codec.EncodeOutbound(e.Audio)
	if err != nil {
		r.logger.Warn("failed to encode agent audio", slog.Any("err", err))
		return
	}

	if !r.playing || r.playItem != e.ItemID {
		r.playing = true
		r.playItem = e.ItemID
		r.playStart = r.lastMediaTs
		r.played = 0
	}
	r.played += audio.Duration(r.codec.Telephony(), len(out))
	r.turns.audio(e.ItemID, e.ResponseID, len(e.Audio), audio.Duration(r.codec.VoiceOutput(), len(e.Audio)))

	if len(out) == 0 {
		return
	}
	if err := r.down.SendMedia(out); err != nil {
		r.logger.Debug("failed to send media", slog.Any("err", err))
	}
}

// bargeIn stops agent playback when the caller starts talking over it.
func (r *relay) bargeIn() {
	if !r.playing {
		return
	}
	r.playing = false

	var elapsed time.Duration
	if r.playStart >= 0 && r.lastMediaTs > r.playStart {
		elapsed = time.Duration(r.lastMediaTs-r.playStart) * time.Millisecond
	}
	elapsed = min(elapsed, r.played)

	r.logger.Debug("caller interrupted agent", slog.String("item_id", r.playItem), slog.Duration("played", elapsed))

	if r.playItem != "" {
		if err := r.up.Truncate(r.playItem, elapsed); err != nil {
			r.logger.Warn("failed to truncate item", slog.Any("err", err))
		}
		r.auditOutbound(events.SourceVoiceAPI, "conversation.item.truncate", map[string]any{
			"item_id":       r.playItem,
			"content_index": 0,
			"audio_end_ms":  elapsed.Milliseconds(),
		})
	}

	if err := r.down.Clear(); err != nil {
		r.logger.Debug("failed to clear media", slog.Any("err", err))
	}
	r.auditOutbound(events.SourceTelephony, "clear", nil)

	r.codec.ResetOutbound()
	r.turns.interrupt()
}

func (r *relay) responseDone(e events.ResponseDone) {
	r.turns.complete(events.RoleAssistant)

	if !r.playing {
		return
	}
	// playback ends when the mark comes back
	r.lastMark = events.NewID()
	if err := r.down.SendMark(r.lastMark); err != nil {
		r.logger.Debug("failed to send mark", slog.Any("err", err))
	}
	r.auditOutbound(events.SourceTelephony, "mark", map[string]any{"name": r.lastMark, "response_id": e.ResponseID})
}

func (r *relay) handleTelephony(evt events.TelephonyEvent) error {
	switch e := evt.(type) {
	case events.Disconnected:
		return disconnected(ErrDownstreamDisconnected, e.Err)

	case events.StreamStopped:
		r.logger.Info("media stream stopped")
		return errHangup

	case events.MediaReceived:
		r.lastMediaTs = e.Timestamp
		p, err := r.codec.DecodeInbound(e.Payload)
		if err != nil {
			r.logger.Warn("failed to decode caller audio", slog.Any("err", err))
			return nil
		}
		if len(p) == 0 {
			return nil
		}
		if err := r.up.SendAudio(p); err != nil {
			r.logger.Debug("failed to send audio", slog.Any("err", err))
		}

	case events.Mark:
		r.logger.Debug("mark played", slog.String("name", e.Name))
		if e.Name == r.lastMark {
			r.playing = false
		}

	case events.StreamStarted:
		r.logger.Warn("ignoring repeated stream start", slog.String("stream_id", e.StreamID))

	case events.Unknown:
		r.logger.Debug("unhandled media stream event", slog.String("type", e.Type))
	}
	return nil
}

// shutdown is the Closing state. It runs exactly once per Run.
func (r *relay) shutdown(cause error) {
	r.setState(StateClosing)

	r.turns.close()

	if r.calls != nil {
		r.calls.wait()
	}
	if r.up != nil {
		if err := r.up.Close(); err != nil {
			r.logger.Debug("failed to close voice api connection", slog.Any("err", err))
		}
	}
	if err := r.down.Close(); err != nil {
		r.logger.Debug("failed to close media stream", slog.Any("err", err))
	}

	final := StateClosed
	var errMsg string
	if !normalEnd(cause) && !errors.Is(cause, context.Canceled) {
		final = StateFailed
		errMsg = cause.Error()
		r.logger.Error("session failed", slog.Any("err", cause))
	} else {
		r.logger.Info("session closed", slog.Duration("duration", r.elapsed()))
	}
	r.rec.status(store.SessionStatus{Status: final.status(), Error: errMsg, EndedAt: r.config.now()})
	r.rec.close(r.config.closeTimeout)

	r.mu.Lock()
	if final == StateFailed {
		r.err = cause
	}
	r.state = final
	r.mu.Unlock()
	close(r.done)
}

func (r *relay) auditVoice(evt events.VoiceEvent) {
	if _, ok := evt.(events.AudioDelta); ok && !r.config.audioEvents {
		return
	}
	r.audit(events.DirectionInbound, events.SourceVoiceAPI, evt.Wire())
}

func (r *relay) auditTelephony(evt events.TelephonyEvent) {
	if _, ok := evt.(events.MediaReceived); ok && !r.config.audioEvents {
		return
	}
	r.audit(events.DirectionInbound, events.SourceTelephony, evt.Wire())
}

func (r *relay) auditOutbound(src events.Source, typ string, payload map[string]any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	r.audit(events.DirectionOutbound, src, events.Frame{Type: typ, Raw: raw})
}

func (r *relay) audit(dir events.Direction, src events.Source, f events.Frame) {
	// synthesized events such as Disconnected carry no frame
	if f.Type == "" {
		return
	}
	r.rec.event(store.Event{
		Direction: dir,
		Source:    src,
		Type:      f.Type,
		Payload:   f.Raw,
		At:        r.config.now(),
	})
}
