package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ClientWrapper owns one MCP client session and keeps it alive.
type ClientWrapper struct {
	client          *sdk.Client
	session         *sdk.ClientSession
	keepalive       time.Duration
	keepaliveCancel context.CancelFunc
	logger          *slog.Logger
	mu              sync.Mutex
}

func NewClientWrapper(name, version string, logger *slog.Logger) *ClientWrapper {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	impl := &sdk.Implementation{Name: name, Version: version}
	return &ClientWrapper{
		client:    sdk.NewClient(impl, nil),
		keepalive: 30 * time.Second,
		logger:    logger,
	}
}

// ConnectURL picks the transport from the scheme: ws/wss use a websocket,
// http/https use the streamable HTTP transport.
func (w *ClientWrapper) ConnectURL(ctx context.Context, rawurl string, headers http.Header) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "ws", "wss":
		return w.ConnectWebSocket(ctx, rawurl, headers)
	case "http", "https":
		return w.Connect(ctx, &sdk.StreamableClientTransport{Endpoint: rawurl})
	}
	return fmt.Errorf("unsupported mcp url scheme %q", u.Scheme)
}

// ConnectWebSocket connects to an MCP server websocket endpoint.
func (w *ClientWrapper) ConnectWebSocket(ctx context.Context, rawurl string, headers http.Header) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawurl, headers)
	if err != nil {
		return err
	}
	if err := w.Connect(ctx, newWebSocketTransport(conn)); err != nil {
		_ = conn.Close()
		return err
	}
	w.logger.Info("mcp client connected", slog.String("url", rawurl))
	return nil
}

// Connect starts a session over any transport.
func (w *ClientWrapper) Connect(ctx context.Context, transport sdk.Transport) error {
	sess, err := w.client.Connect(ctx, transport, nil)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.session = sess
	if w.keepaliveCancel != nil {
		w.keepaliveCancel()
	}
	kaCtx, cancel := context.WithCancel(context.Background())
	w.keepaliveCancel = cancel

	go func() {
		ticker := time.NewTicker(w.keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-kaCtx.Done():
				return
			case <-ticker.C:
				if err := sess.Ping(kaCtx, nil); err != nil && kaCtx.Err() == nil {
					w.logger.Warn("mcp ping failed", slog.Any("err", err))
				}
			}
		}
	}()
	return nil
}

// Session returns the connected session, or nil.
func (w *ClientWrapper) Session() *sdk.ClientSession {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session
}

func (w *ClientWrapper) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	if w.keepaliveCancel != nil {
		w.keepaliveCancel()
		w.keepaliveCancel = nil
	}
	if w.session != nil {
		if err := w.session.Close(); err != nil {
			errs = append(errs, err)
		}
		w.session = nil
	}
	return errors.Join(errs...)
}
