package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var ErrClosed = errors.New("websocket closed")

type HandlerFunc func(data []byte) error

func Json[T any](j func(x T) error) HandlerFunc {
	return func(data []byte) error {
		var t T
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}

		return j(t)
	}
}

type ClientConfig struct {
	URL         string
	DialTimeout time.Duration
	Headers     http.Header
	// OutboundBuffer is the number of frames queued for writing.
	OutboundBuffer int
	OnText         func(data []byte) error
	OnBinary       func(data []byte) error
	// OnClose is called once when the connection is gone. err is nil when
	// the peer closed normally.
	OnClose func(err error)
	Logger  *slog.Logger
}

// control is a reply to a control frame. A final reply ends the connection
// with err once written.
type control struct {
	msg   wsutil.Message
	final bool
	err   error
}

type Client struct {
	conn      net.Conn
	out       chan wsutil.Message
	ctrl      chan control
	closeSent atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once
	err       error
	onClose   func(err error)
	logger    *slog.Logger
}

func (c *Client) setDone(err error) {
	c.doneOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose(err)
		}
	})
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, after Done is closed.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

func (c *Client) control(r control) {
	select {
	case c.ctrl <- r:
	case <-c.done:
	}
}

// handleControl answers a control frame through the writer. It reports
// whether the connection is closing.
func (c *Client) handleControl(msg wsutil.Message) bool {
	switch msg.OpCode {
	case ws.OpPing:
		c.control(control{msg: wsutil.Message{OpCode: ws.OpPong, Payload: msg.Payload}})

	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(msg.Payload)
		c.logger.Debug("rcv: close", slog.Int("code", int(code)), slog.String("reason", reason))

		var err error
		if code != ws.StatusNormalClosure {
			if code == 0 {
				code = ws.StatusNoStatusRcvd
			}
			err = wsutil.ClosedError{Code: code, Reason: reason}
		}
		if c.closeSent.Load() {
			c.setDone(err)
			return true
		}

		var body []byte
		if code != ws.StatusNoStatusRcvd {
			body = ws.NewCloseFrameBody(code, "")
		}
		c.control(control{msg: wsutil.Message{OpCode: ws.OpClose, Payload: body}, final: true, err: err})
		// the writer may be stuck
		time.AfterFunc(time.Second, func() { c.setDone(err) })
		return true
	}
	return false
}

func (c *Client) WriteText(data []byte) error {
	return c.Write(ws.OpText, data)
}

func (c *Client) WriteBinary(data []byte) error {
	return c.Write(ws.OpBinary, data)
}

func (c *Client) Ping(data []byte) error {
	return c.Write(ws.OpPing, data)
}

func (c *Client) SendClose(code ws.StatusCode, reason string) error {
	return c.Write(ws.OpClose, ws.NewCloseFrameBody(code, reason))
}

// Close performs the closing handshake and waits for the peer until ctx is
// done, after which the connection is dropped. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	if err := c.SendClose(ws.StatusNormalClosure, "closing"); err != nil {
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		c.setDone(ErrClosed)
		return fmt.Errorf("close failed: %w", ctx.Err())
	}
}

func (c *Client) Write(opcode ws.OpCode, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- wsutil.Message{OpCode: opcode, Payload: data}:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func Connect(ctx context.Context, config ClientConfig) (*Client, error) {

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With(
		slog.String("url", config.URL),
	)

	dialTimeout := config.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}
	outboundBuffer := config.OutboundBuffer
	if outboundBuffer <= 0 {
		outboundBuffer = 1000
	}

	// handshake timeout only
	hsCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	d := ws.Dialer{
		Timeout: dialTimeout,
		Header:  ws.HandshakeHeaderHTTP(config.Headers),
	}
	conn, buf, hs, err := d.Dial(hsCtx, config.URL)
	if err != nil {
		return nil, err
	}
	logger.Debug("handshake complete", slog.Any("handshake", hs))

	// frames sent along with the handshake are buffered in buf
	var r io.Reader = conn
	if buf != nil {
		r = buf
	}

	logger.Info("connected to websocket")

	client := &Client{
		conn:    conn,
		out:     make(chan wsutil.Message, outboundBuffer),
		ctrl:    make(chan control, 4),
		done:    make(chan struct{}),
		onClose: config.OnClose,
		logger:  logger,
	}

	onTextFunc := config.OnText
	if onTextFunc == nil {
		onTextFunc = func(data []byte) error {
			return nil
		}
	}
	onBinaryFunc := config.OnBinary
	if onBinaryFunc == nil {
		onBinaryFunc = func(data []byte) error {
			return nil
		}
	}

	// websocket -> handlers, in arrival order
	go func() {
		for {
			messages, err := wsutil.ReadServerMessage(r, nil)
			if err != nil {
				if errors.Is(err, io.EOF) {
					client.setDone(io.EOF)
					return
				}
				select {
				case <-client.done:
				default:
					logger.Error("ws read failed", slog.Any("err", err))
				}
				client.setDone(err)
				return
			}

			for _, msg := range messages {
				if msg.OpCode.IsControl() {
					logger.Debug("rcv: control", slog.Any("opcode", msg.OpCode))
					if client.handleControl(msg) {
						return
					}
					continue
				}

				switch msg.OpCode {
				case ws.OpText:
					if err := onTextFunc(msg.Payload); err != nil {
						logger.Error("text message handler failed", slog.Any("err", err))
					}

				case ws.OpBinary:
					if err := onBinaryFunc(msg.Payload); err != nil {
						logger.Error("binary message handler failed", slog.Any("err", err))
					}
				}
			}
		}
	}()

	// output channel -> websocket, the only writer on conn
	go func() {
		for {
			select {
			case <-client.done:
				return
			case r := <-client.ctrl:
				if err := wsutil.WriteClientMessage(conn, r.msg.OpCode, r.msg.Payload); err != nil {
					logger.Error("control write failed", slog.Any("err", err))
					client.setDone(err)
					return
				}
				if r.final {
					client.setDone(r.err)
					return
				}
			case msg := <-client.out:
				if msg.OpCode == ws.OpClose {
					client.closeSent.Store(true)
				}
				if err := wsutil.WriteClientMessage(conn, msg.OpCode, msg.Payload); err != nil {
					logger.Error("message write failed", slog.Any("err", err))
					client.setDone(err)
					return
				}
			}
		}
	}()

	_ = client.Ping([]byte("ping"))

	return client, nil
}
