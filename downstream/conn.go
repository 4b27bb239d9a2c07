package downstream

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewandler/callrelay-go/audio"
	"github.com/codewandler/callrelay-go/events"
	"github.com/gorilla/websocket"
	"github.com/smallnest/ringbuffer"
)

var ErrClosed = errors.New("media stream closed")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Conn is the media stream connection of one call.
type Conn struct {
	ws     *websocket.Conn
	config *config
	logger *slog.Logger
	events chan events.TelephonyEvent

	frameSize int
	mu        sync.Mutex
	buf       *ringbuffer.RingBuffer
	bufSize   int
	scratch   []byte
	clear     bool
	dropped   int64

	wake chan struct{}
	cmds chan command

	streamMu  sync.RWMutex
	streamSID string

	lastSeq int64
	hasSeq  bool

	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

type command struct {
	mark  string
	flush bool
}

// Accept upgrades an HTTP request to a media stream connection.
func Accept(w http.ResponseWriter, r *http.Request, opts ...Option) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}
	return New(ws, opts...), nil
}

// New takes over an established websocket and starts its read and write loops.
func New(ws *websocket.Conn, opts ...Option) *Conn {
	c := newConn(ws, opts...)
	ws.SetReadLimit(c.config.readLimit)

	go c.readLoop()
	go c.writeLoop()

	return c
}

func newConn(ws *websocket.Conn, opts ...Option) *Conn {
	cfg := &config{}
	withDefaults()(cfg)
	WithOptions(opts...)(cfg)

	frameSize := audio.FrameSize(cfg.format, cfg.frameDuration)
	bufSize := max(audio.FrameSize(cfg.format, cfg.bufferDuration), frameSize)

	return &Conn{
		ws:        ws,
		config:    cfg,
		logger:    cfg.logger,
		events:    make(chan events.TelephonyEvent, cfg.eventBuffer),
		frameSize: frameSize,
		buf:       ringbuffer.New(bufSize),
		bufSize:   bufSize,
		scratch:   make([]byte, bufSize),
		wake:      make(chan struct{}, 1),
		cmds:      make(chan command, 16),
		done:      make(chan struct{}),
	}
}

// Events is the sequence of decoded inbound events. Disconnected is the last
// event delivered.
func (c *Conn) Events() <-chan events.TelephonyEvent {
	return c.events
}

func (c *Conn) StreamID() string {
	c.streamMu.RLock()
	defer c.streamMu.RUnlock()
	return c.streamSID
}

// Dropped returns the number of outbound audio bytes dropped on overflow.
func (c *Conn) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *Conn) emit(e events.TelephonyEvent) {
	select {
	case c.events <- e:
	case <-c.done:
	}
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			} else {
				c.logger.Warn("media stream read failed", slog.Any("err", err))
			}
			c.emit(events.Disconnected{Err: err})
			return
		}

		evt, err := c.decode(data)
		if err != nil {
			c.logger.Warn("dropping media stream frame", slog.Any("err", err))
			continue
		}
		if evt != nil {
			c.emit(evt)
		}
	}
}

// decode returns nil for frames that are dropped on purpose.
func (c *Conn) decode(data []byte) (events.TelephonyEvent, error) {
	msg, err := events.Parse[events.MediaStreamMessage](data)
	if err != nil || msg.Event == "" {
		return nil, fmt.Errorf("%w: not a media stream message", events.ErrMalformedFrame)
	}
	frame := events.Frame{Type: msg.Event, Raw: json.RawMessage(data)}

	switch msg.Event {
	case "start":
		if msg.Start == nil {
			return nil, fmt.Errorf("%w: start without payload", events.ErrMalformedFrame)
		}
		sid := msg.Start.StreamSid
		if sid == "" {
			sid = msg.StreamSid
		}
		c.streamMu.Lock()
		c.streamSID = sid
		c.streamMu.Unlock()
		c.hasSeq = false

		return events.StreamStarted{
			Frame:            frame,
			StreamID:         sid,
			CallID:           msg.Start.CallSid,
			Encoding:         msg.Start.MediaFormat.Encoding,
			SampleRate:       msg.Start.MediaFormat.SampleRate,
			CustomParameters: msg.Start.CustomParameters,
		}, nil

	case "media":
		if msg.Media == nil {
			return nil, fmt.Errorf("%w: media without payload", events.ErrMalformedFrame)
		}
		payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: media payload: %v", events.ErrMalformedFrame, err)
		}

		var ts int64
		if msg.Media.Timestamp != "" {
			ts, err = strconv.ParseInt(msg.Media.Timestamp, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: media timestamp %q", events.ErrMalformedFrame, msg.Media.Timestamp)
			}
		}

		var seq int64
		if msg.SequenceNumber != "" {
			seq, err = strconv.ParseInt(msg.SequenceNumber, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: sequence number %q", events.ErrMalformedFrame, msg.SequenceNumber)
			}
			if c.hasSeq && seq <= c.lastSeq {
				return nil, fmt.Errorf("%w: sequence %d after %d", events.ErrMalformedFrame, seq, c.lastSeq)
			}
			c.lastSeq, c.hasSeq = seq, true
		}

		return events.MediaReceived{Frame: frame, Payload: payload, Seq: seq, Timestamp: ts}, nil

	case "stop":
		return events.StreamStopped{Frame: frame}, nil

	case "mark":
		if msg.Mark == nil {
			return nil, fmt.Errorf("%w: mark without name", events.ErrMalformedFrame)
		}
		return events.Mark{Frame: frame, Name: msg.Mark.Name}, nil
	}

	return events.Unknown{Frame: frame}, nil
}

// SendMedia queues telephony audio for the caller. Audio is sent in frames
// of the configured duration; a trailing partial frame waits for more audio
// or a Flush.
func (c *Conn) SendMedia(p []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if len(p) == 0 {
		return nil
	}

	c.mu.Lock()
	var dropped int
	if len(p) > c.bufSize {
		dropped = len(p) - c.bufSize
		p = p[dropped:]
	}
	if free := c.buf.Free(); len(p) > free {
		n, _ := c.buf.Read(c.scratch[:len(p)-free])
		dropped += n
	}
	_, err := c.buf.Write(p)
	c.dropped += int64(dropped)
	total := c.dropped
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.Warn("outbound audio buffer full, dropped oldest audio",
			slog.Int("bytes", dropped),
			slog.Int64("total", total),
		)
	}
	if err != nil {
		return fmt.Errorf("buffer audio: %w", err)
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Flush sends any buffered partial frame.
func (c *Conn) Flush() error {
	return c.command(command{flush: true})
}

// SendMark sends a mark after all audio queued so far.
func (c *Conn) SendMark(name string) error {
	return c.command(command{mark: name, flush: true})
}

// Clear drops queued audio and tells the caller side to stop playback.
func (c *Conn) Clear() error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	c.buf.Reset()
	c.clear = true
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) command(cmd command) error {
	if c.closed.Load() {
		return ErrClosed
	}
	select {
	case c.cmds <- cmd:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Conn) writeLoop() {
	frame := make([]byte, c.frameSize)
	for {
		var err error
		select {
		case <-c.done:
			return
		case <-c.wake:
			err = c.drain(frame, false)
		case cmd := <-c.cmds:
			err = c.drain(frame, cmd.flush)
			if err == nil && cmd.mark != "" {
				err = c.write(events.MediaStreamMessage{
					Event:     "mark",
					StreamSid: c.StreamID(),
					Mark:      &events.MediaStreamMark{Name: cmd.mark},
				})
			}
		}
		if err != nil {
			if !c.closed.Load() {
				c.logger.Warn("media stream write failed", slog.Any("err", err))
			}
			return
		}
	}
}

// drain writes buffered audio frame by frame. A pending clear is sent first.
func (c *Conn) drain(frame []byte, partial bool) error {
	for {
		c.mu.Lock()
		if c.clear {
			c.clear = false
			c.mu.Unlock()
			if err := c.write(events.MediaStreamMessage{Event: "clear", StreamSid: c.StreamID()}); err != nil {
				return err
			}
			continue
		}
		n := c.buf.Length()
		if n == 0 || (n < len(frame) && !partial) {
			c.mu.Unlock()
			return nil
		}
		k, _ := c.buf.Read(frame[:min(n, len(frame))])
		c.mu.Unlock()

		if err := c.write(events.MediaStreamMessage{
			Event:     "media",
			StreamSid: c.StreamID(),
			Media:     &events.MediaStreamMedia{Payload: base64.StdEncoding.EncodeToString(frame[:k])},
		}); err != nil {
			return err
		}
	}
}

func (c *Conn) write(msg events.MediaStreamMessage) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.writeTimeout))
	return c.ws.WriteJSON(msg)
}

// Close closes the connection. It is idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
