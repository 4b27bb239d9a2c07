package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/codewandler/callrelay-go/events"
	"github.com/codewandler/callrelay-go/internal/websocket"
)

// Client is the connection to the voice API for one session. Send methods
// are safe for concurrent use. There is no reconnect: after Disconnected a
// new Client has to be dialed.
type Client struct {
	config    *clientConfig
	ws        *websocket.Client
	logger    *slog.Logger
	decoder   *decoder
	events    chan events.VoiceEvent
	stop      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the voice API and sends the session configuration.
// SessionCreated arrives on Events once the API has accepted the connection.
func Dial(ctx context.Context, session SessionConfig, opts ...ClientOption) (*Client, error) {
	config := &clientConfig{}
	withDefaults()(config)
	WithOptions(opts...)(config)

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	model := config.model
	if session.Model != "" {
		model = session.Model
	}
	endpoint, err := endpointURL(config.url, model)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	c := &Client{
		config:  config,
		logger:  config.logger,
		decoder: newDecoder(config.logger),
		events:  make(chan events.VoiceEvent, config.eventBuffer),
		stop:    make(chan struct{}),
	}

	headers := http.Header{}
	headers.Add("Authorization", fmt.Sprintf("Bearer %s", config.apiKey))
	headers.Add("OpenAI-Beta", "realtime=v1")

	ws, err := websocket.Connect(ctx, websocket.ClientConfig{
		Logger:      config.logger,
		URL:         endpoint,
		DialTimeout: config.dialTimeout,
		Headers:     headers,
		OnText:      c.onText,
		OnClose:     c.onClose,
	})
	if err != nil {
		return nil, fmt.Errorf("dial voice api: %w", err)
	}
	c.ws = ws

	if err := c.Send(events.SessionUpdateEvent{
		BaseEvent: events.NewBaseEvent("session.update"),
		Session:   session.sessionUpdate(),
	}); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

func endpointURL(base, model string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if q.Get("model") == "" && model != "" {
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Events is the sequence of classified inbound events. Disconnected is the
// last event delivered.
func (c *Client) Events() <-chan events.VoiceEvent {
	return c.events
}

func (c *Client) emit(e events.VoiceEvent) {
	select {
	case c.events <- e:
	case <-c.stop:
	}
}

func (c *Client) onText(data []byte) error {
	evt, err := c.decoder.decode(data)
	if err != nil {
		// dropped, the connection stays up
		c.logger.Warn("dropping voice api frame", slog.Any("err", err))
		return nil
	}
	if evt != nil {
		c.emit(evt)
	}
	return nil
}

func (c *Client) onClose(err error) {
	select {
	case <-c.stop:
		return
	default:
	}
	c.logger.Warn("voice api connection lost", slog.Any("err", err))
	go c.emit(events.Disconnected{Err: err})
}

// Send sends any kind of event to the websocket
func (c *Client) Send(evt any) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	if err := c.ws.WriteText(data); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// SendAudio appends caller audio, in the configured input format, to the
// voice API input buffer.
func (c *Client) SendAudio(p []byte) error {
	return c.Send(events.InputAudioBufferAppendEvent{
		BaseEvent: events.NewBaseEvent("input_audio_buffer.append"),
		Audio:     base64.StdEncoding.EncodeToString(p),
	})
}

// SendFunctionResult closes a function call and asks for the next response.
func (c *Client) SendFunctionResult(callID string, output json.RawMessage) error {
	err := c.Send(events.ConversationItemCreateEvent{
		BaseEvent: events.NewBaseEvent("conversation.item.create"),
		Item: events.ConversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: string(output),
		},
	})
	if err != nil {
		return err
	}
	return c.CreateResponse("")
}

// Truncate cuts an assistant item at the point playback was interrupted.
func (c *Client) Truncate(itemID string, audioEnd time.Duration) error {
	return c.Send(events.ConversationItemTruncateEvent{
		BaseEvent:    events.NewBaseEvent("conversation.item.truncate"),
		ItemID:       itemID,
		ContentIndex: 0,
		AudioEndMs:   audioEnd.Milliseconds(),
	})
}

// SendUserText adds a user text message to the conversation.
func (c *Client) SendUserText(text string) error {
	return c.Send(events.ConversationItemCreateEvent{
		BaseEvent: events.NewBaseEvent("conversation.item.create"),
		Item: events.ConversationItem{
			Type: "message",
			Role: string(events.RoleUser),
			Content: []events.ConversationItemContent{
				{Type: "input_text", Text: text},
			},
		},
	})
}

// CreateResponse asks the model to respond. instructions may be empty.
func (c *Client) CreateResponse(instructions string) error {
	return c.Send(events.ResponseCreateEvent{
		BaseEvent: events.NewBaseEvent("response.create"),
		Response: events.ResponseCreatePayload{
			Modalities:   []string{"text", "audio"},
			Instructions: instructions,
		},
	})
}

// Close ends the connection. It is idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		ctx, cancel := context.WithTimeout(context.Background(), c.config.closeTimeout)
		defer cancel()
		err = c.ws.Close(ctx)
	})
	return err
}
