package websocket

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func echo(conn net.Conn) {
	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if err := wsutil.WriteServerMessage(conn, op, data); err != nil {
			return
		}
	}
}

func TestClient_Echo(t *testing.T) {
	url := echoServer(t, echo)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan string, 1)
	closed := make(chan error, 1)
	client, err := Connect(ctx, ClientConfig{
		URL:         url,
		DialTimeout: time.Second,
		OnText: Json(func(x map[string]any) error {
			received <- x["type"].(string)
			return nil
		}),
		OnClose: func(err error) { closed <- err },
	})
	require.NoError(t, err)

	require.NoError(t, client.WriteText([]byte(`{"type":"hello"}`)))

	select {
	case typ := <-received:
		require.Equal(t, "hello", typ)
	case <-ctx.Done():
		t.Fatal("no echo received")
	}

	require.NoError(t, client.Close(ctx))
	require.NoError(t, <-closed)
	require.ErrorIs(t, client.WriteText([]byte("late")), ErrClosed)

	// second close is a no-op
	require.NoError(t, client.Close(ctx))
}

func TestClient_PeerDrop(t *testing.T) {
	url := echoServer(t, func(conn net.Conn) {
		_ = wsutil.WriteServerMessage(conn, ws.OpText, []byte(`{"type":"bye"}`))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	closed := make(chan error, 1)
	client, err := Connect(ctx, ClientConfig{
		URL:     url,
		OnClose: func(err error) { closed <- err },
	})
	require.NoError(t, err)

	select {
	case err := <-closed:
		require.Error(t, err)
	case <-ctx.Done():
		t.Fatal("disconnect not reported")
	}
	<-client.Done()
	require.Error(t, client.Err())
}

func TestClient_AnswersControlFrames(t *testing.T) {
	replies := make(chan wsutil.Message, 4)
	url := echoServer(t, func(conn net.Conn) {
		_ = wsutil.WriteServerMessage(conn, ws.OpPing, []byte("are you there"))
		_ = wsutil.WriteServerMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusGoingAway, "restart"))
		for {
			h, err := ws.ReadHeader(conn)
			if err != nil {
				return
			}
			payload := make([]byte, h.Length)
			if _, err := io.ReadFull(conn, payload); err != nil {
				return
			}
			if h.Masked {
				ws.Cipher(payload, h.Mask, 0)
			}
			if h.OpCode.IsControl() {
				replies <- wsutil.Message{OpCode: h.OpCode, Payload: payload}
			}
			if h.OpCode == ws.OpClose {
				return
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	closed := make(chan error, 1)
	_, err := Connect(ctx, ClientConfig{
		URL:     url,
		OnClose: func(err error) { closed <- err },
	})
	require.NoError(t, err)

	select {
	case err := <-closed:
		var ce wsutil.ClosedError
		require.ErrorAs(t, err, &ce)
		require.Equal(t, ws.StatusGoingAway, ce.Code)
	case <-ctx.Done():
		t.Fatal("close not reported")
	}

	var pong bool
	for {
		select {
		case msg := <-replies:
			switch msg.OpCode {
			case ws.OpPong:
				require.Equal(t, "are you there", string(msg.Payload))
				pong = true
			case ws.OpClose:
				code, _ := ws.ParseCloseFrameData(msg.Payload)
				require.Equal(t, ws.StatusGoingAway, code)
				require.True(t, pong)
				return
			}
		case <-ctx.Done():
			t.Fatal("no close reply")
		}
	}
}
