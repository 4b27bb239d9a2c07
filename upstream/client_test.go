package upstream

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/codewandler/callrelay-go/audio"
	"github.com/codewandler/callrelay-go/events"
	"github.com/codewandler/callrelay-go/tool"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a voice API endpoint speaking the server side of the protocol.
type fakeAPI struct {
	t      *testing.T
	url    string
	conns  chan net.Conn
	recv   chan map[string]any
	header chan http.Header
}

func newFakeAPI(t *testing.T) *fakeAPI {
	f := &fakeAPI{
		t:      t,
		conns:  make(chan net.Conn, 1),
		recv:   make(chan map[string]any, 64),
		header: make(chan http.Header, 1),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.header <- r.Header.Clone()
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		f.conns <- conn
		for {
			data, op, err := wsutil.ReadClientData(conn)
			if err != nil {
				return
			}
			if op != ws.OpText {
				continue
			}
			var m map[string]any
			if json.Unmarshal(data, &m) == nil {
				f.recv <- m
			}
		}
	}))
	t.Cleanup(srv.Close)
	f.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return f
}

func (f *fakeAPI) next() map[string]any {
	f.t.Helper()
	select {
	case m := <-f.recv:
		return m
	case <-time.After(5 * time.Second):
		f.t.Fatal("no message from client")
		return nil
	}
}

func (f *fakeAPI) send(conn net.Conn, frames ...string) {
	f.t.Helper()
	for _, fr := range frames {
		require.NoError(f.t, wsutil.WriteServerText(conn, []byte(fr)))
	}
}

func nextEvent(t *testing.T, c *Client) events.VoiceEvent {
	t.Helper()
	select {
	case e := <-c.Events():
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

func testSession() SessionConfig {
	return SessionConfig{
		Instructions: "You are Ada.",
		Voice:        "alloy",
		Temperature:  0.8,
		InputFormat:  audio.Telephony,
		OutputFormat: audio.Telephony,
		TurnDetection: TurnDetection{
			Mode:            TurnDetectionServerVAD,
			Threshold:       0.5,
			PrefixPadding:   300 * time.Millisecond,
			SilenceDuration: 500 * time.Millisecond,
		},
		TranscriptionModel: "whisper-1",
		Tools:              []tool.Tool{tool.Function("get_weather", "weather", nil, "location")},
		MCP:                []events.MCPTool{{ServerLabel: "crm", ServerURL: "https://mcp.example.com"}},
	}
}

func dial(t *testing.T, f *fakeAPI) (*Client, net.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, testSession(), WithKey("sk-test"), WithURL(f.url), WithModel("test-model"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	conn := <-f.conns
	return c, conn
}

func TestDial_MissingKey(t *testing.T) {
	t.Setenv(ApiKeyEnvVarNameShort, "")
	t.Setenv(ApiKeyEnvVarNameLong, "")

	_, err := Dial(context.Background(), testSession())
	require.ErrorIs(t, err, ErrMissingKey)
}

func TestDial_SessionUpdate(t *testing.T) {
	f := newFakeAPI(t)
	_, _ = dial(t, f)

	h := <-f.header
	require.Equal(t, "Bearer sk-test", h.Get("Authorization"))
	require.Equal(t, "realtime=v1", h.Get("OpenAI-Beta"))

	m := f.next()
	require.Equal(t, "session.update", m["type"])
	require.NotEmpty(t, m["event_id"])

	s := m["session"].(map[string]any)
	require.Equal(t, "You are Ada.", s["instructions"])
	require.Equal(t, "alloy", s["voice"])
	require.Equal(t, 0.8, s["temperature"])
	require.Equal(t, "g711_ulaw", s["input_audio_format"])
	require.Equal(t, "g711_ulaw", s["output_audio_format"])
	require.Equal(t, "inf", s["max_response_output_tokens"])
	require.Equal(t, "auto", s["tool_choice"])

	td := s["turn_detection"].(map[string]any)
	require.Equal(t, "server_vad", td["type"])
	require.Equal(t, 0.5, td["threshold"])
	require.Equal(t, float64(300), td["prefix_padding_ms"])
	require.Equal(t, float64(500), td["silence_duration_ms"])

	tools := s["tools"].([]any)
	require.Len(t, tools, 2)
	require.Equal(t, "function", tools[0].(map[string]any)["type"])
	mcp := tools[1].(map[string]any)
	require.Equal(t, "mcp", mcp["type"])
	require.Equal(t, "never", mcp["require_approval"])

	require.Equal(t, "whisper-1", s["input_audio_transcription"].(map[string]any)["model"])
}

func TestClient_Events(t *testing.T) {
	f := newFakeAPI(t)
	c, conn := dial(t, f)
	require.Equal(t, "session.update", f.next()["type"])

	f.send(conn,
		`{"type":"session.created","event_id":"e1","session":{"id":"sess_1","model":"test-model"}}`,
		`not json at all`,
		`{"type":"response.output_item.added","response_id":"r1","item":{"id":"i1","type":"function_call","name":"get_weather","call_id":"c1"}}`,
		`{"type":"response.function_call_arguments.delta","call_id":"c1","delta":"{\"location\":"}`,
		`{"type":"response.function_call_arguments.delta","call_id":"c1","delta":"\"Paris\"}"}`,
		`{"type":"response.function_call_arguments.done","call_id":"c1","item_id":"i1"}`,
		`{"type":"response.audio.delta","response_id":"r2","item_id":"i2","delta":"AAEC"}`,
		`{"type":"rate_limits.updated"}`,
		`{"type":"error","error":{"type":"invalid_request_error","code":"session_expired","message":"expired"}}`,
	)

	created, ok := nextEvent(t, c).(events.SessionCreated)
	require.True(t, ok)
	require.Equal(t, "sess_1", created.SessionID)
	require.Equal(t, "session.created", created.Wire().Type)

	call, ok := nextEvent(t, c).(events.FunctionCallRequested)
	require.True(t, ok)
	require.Equal(t, "c1", call.CallID)
	require.Equal(t, "get_weather", call.Name)
	require.JSONEq(t, `{"location":"Paris"}`, string(call.Args))

	delta, ok := nextEvent(t, c).(events.AudioDelta)
	require.True(t, ok)
	require.Equal(t, []byte{0, 1, 2}, delta.Audio)
	require.Equal(t, "r2", delta.ResponseID)

	unknown, ok := nextEvent(t, c).(events.Unknown)
	require.True(t, ok)
	require.Equal(t, "rate_limits.updated", unknown.Wire().Type)

	apiErr, ok := nextEvent(t, c).(events.Error)
	require.True(t, ok)
	require.True(t, apiErr.Fatal)
	require.Equal(t, "session_expired", apiErr.Code)
}

func TestClient_SendFunctionResult(t *testing.T) {
	f := newFakeAPI(t)
	c, _ := dial(t, f)
	require.Equal(t, "session.update", f.next()["type"])

	require.NoError(t, c.SendFunctionResult("1", json.RawMessage(`{"temperature":"72°F"}`)))

	item := f.next()
	require.Equal(t, "conversation.item.create", item["type"])
	it := item["item"].(map[string]any)
	require.Equal(t, "function_call_output", it["type"])
	require.Equal(t, "1", it["call_id"])
	require.JSONEq(t, `{"temperature":"72°F"}`, it["output"].(string))

	require.Equal(t, "response.create", f.next()["type"])

	require.NoError(t, c.Truncate("item_9", 1500*time.Millisecond))
	tr := f.next()
	require.Equal(t, "conversation.item.truncate", tr["type"])
	require.Equal(t, "item_9", tr["item_id"])
	require.Equal(t, float64(1500), tr["audio_end_ms"])

	require.NoError(t, c.SendAudio([]byte{1, 2, 3}))
	app := f.next()
	require.Equal(t, "input_audio_buffer.append", app["type"])
	require.Equal(t, "AQID", app["audio"])
}

func TestClient_Disconnect(t *testing.T) {
	f := newFakeAPI(t)
	c, conn := dial(t, f)
	require.Equal(t, "session.update", f.next()["type"])

	require.NoError(t, conn.Close())

	_, ok := nextEvent(t, c).(events.Disconnected)
	require.True(t, ok)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
