package callrelay

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/codewandler/callrelay-go/events"
	"github.com/codewandler/callrelay-go/store"
	"github.com/codewandler/callrelay-go/upstream"
	"github.com/stretchr/testify/require"
)

type functionResult struct {
	CallID string
	Output json.RawMessage
}

type truncation struct {
	ItemID   string
	AudioEnd time.Duration
}

type fakeUpstream struct {
	events chan events.VoiceEvent

	mu        sync.Mutex
	cfg       upstream.SessionConfig
	audio     [][]byte
	results   []functionResult
	truncates []truncation
	texts     []string
	responses []string
	closed    int
	onResult  func(callID string)
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{events: make(chan events.VoiceEvent, 64)}
}

func (f *fakeUpstream) Events() <-chan events.VoiceEvent { return f.events }

func (f *fakeUpstream) SendAudio(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, slices.Clone(p))
	return nil
}

func (f *fakeUpstream) SendFunctionResult(callID string, output json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, functionResult{CallID: callID, Output: output})
	if f.onResult != nil {
		f.onResult(callID)
	}
	return nil
}

func (f *fakeUpstream) Truncate(itemID string, audioEnd time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.truncates = append(f.truncates, truncation{ItemID: itemID, AudioEnd: audioEnd})
	return nil
}

func (f *fakeUpstream) SendUserText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeUpstream) CreateResponse(instructions string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, instructions)
	return nil
}

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeUpstream) snapshot() fakeUpstream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeUpstream{
		cfg:       f.cfg,
		audio:     slices.Clone(f.audio),
		results:   slices.Clone(f.results),
		truncates: slices.Clone(f.truncates),
		texts:     slices.Clone(f.texts),
		responses: slices.Clone(f.responses),
		closed:    f.closed,
	}
}

type fakeDownstream struct {
	events chan events.TelephonyEvent

	mu      sync.Mutex
	media   []byte
	marks   []string
	clears  int
	flushes int
	closed  int
}

func newFakeDownstream() *fakeDownstream {
	return &fakeDownstream{events: make(chan events.TelephonyEvent, 64)}
}

func (f *fakeDownstream) Events() <-chan events.TelephonyEvent { return f.events }

func (f *fakeDownstream) SendMedia(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, p...)
	return nil
}

func (f *fakeDownstream) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *fakeDownstream) SendMark(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, name)
	return nil
}

func (f *fakeDownstream) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	f.media = nil
	return nil
}

func (f *fakeDownstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeDownstream) snapshot() fakeDownstream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeDownstream{
		media:   slices.Clone(f.media),
		marks:   slices.Clone(f.marks),
		clears:  f.clears,
		flushes: f.flushes,
		closed:  f.closed,
	}
}

type harness struct {
	t     *testing.T
	sess  *Session
	up    *fakeUpstream
	down  *fakeDownstream
	store *store.Memory
	errc  chan error
}

func testAgent() store.AgentConfiguration {
	a := store.DefaultAgent()
	a.ID = "test"
	a.Name = "Tess"
	a.Voice = "X"
	a.Temperature = 0.8
	return a
}

func newHarness(t *testing.T, agent store.AgentConfiguration, opts ...Option) *harness {
	t.Helper()

	mem := store.NewMemory()
	mem.PutAgent(agent)
	id, err := mem.CreateSession(context.Background(), store.CallSession{AgentID: agent.ID})
	require.NoError(t, err)

	h := &harness{
		t:     t,
		up:    newFakeUpstream(),
		down:  newFakeDownstream(),
		store: mem,
		errc:  make(chan error, 1),
	}
	dial := func(ctx context.Context, cfg upstream.SessionConfig) (Upstream, error) {
		h.up.mu.Lock()
		h.up.cfg = cfg
		h.up.mu.Unlock()
		return h.up, nil
	}
	h.sess = NewSession(id, h.down, mem,
		WithUpstreamDialer(dial),
		WithInitTimeout(time.Second),
		WithCloseTimeout(time.Second),
		WithOptions(opts...),
	)
	return h
}

func (h *harness) run() {
	ctx, cancel := context.WithCancel(context.Background())
	h.t.Cleanup(func() {
		cancel()
		<-h.sess.Done()
	})
	go func() {
		h.errc <- h.sess.Run(ctx)
	}()
}

// activate runs the session and completes initialization.
func (h *harness) activate() {
	h.run()
	h.up.events <- events.SessionCreated{SessionID: "sess_1"}
	h.down.events <- events.StreamStarted{StreamID: "abc", CallID: "CA1"}
	require.Eventually(h.t, func() bool {
		return h.sess.State() == StateActive
	}, time.Second, 5*time.Millisecond)
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.errc:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("session did not end")
		return nil
	}
}
