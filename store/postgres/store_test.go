package postgres

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/codewandler/callrelay-go/events"
	"github.com/codewandler/callrelay-go/store"
	"github.com/stretchr/testify/require"
)

const testDSNEnv = "CALLRELAY_TEST_DATABASE_URL"

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", testDSNEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	// second run is a no-op
	require.NoError(t, Migrate(ctx, s.pool, nil))
	return s
}

func TestStore_SessionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agent := store.DefaultAgent()
	agent.ID = "test-" + store.NewSessionID()
	agent.Name = "Nora"
	require.NoError(t, s.PutAgent(ctx, agent, false))

	id, err := s.CreateSession(ctx, store.CallSession{AgentID: agent.ID})
	require.NoError(t, err)

	got, err := s.LoadAgentConfig(ctx, id)
	require.NoError(t, err)
	require.Equal(t, agent, got)

	started := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.UpdateSessionStatus(ctx, id, store.SessionStatus{
		Status:    store.StatusActive,
		StartedAt: started,
		StreamID:  "MZ42",
	}))
	require.NoError(t, s.UpdateSessionStatus(ctx, id, store.SessionStatus{
		Status:  store.StatusCompleted,
		EndedAt: started.Add(time.Second),
	}))

	cs, err := s.Session(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, cs.Status)
	require.Equal(t, "MZ42", cs.StreamID)
	require.WithinDuration(t, started, cs.StartedAt, time.Millisecond)
	require.WithinDuration(t, started.Add(time.Second), cs.EndedAt, time.Millisecond)
}

func TestStore_AppendTurnsAndEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agent := store.DefaultAgent()
	agent.ID = "test-" + store.NewSessionID()
	require.NoError(t, s.PutAgent(ctx, agent, false))

	id, err := s.CreateSession(ctx, store.CallSession{AgentID: agent.ID})
	require.NoError(t, err)

	require.NoError(t, s.AppendTurn(ctx, id, store.Turn{
		Role:      events.RoleUser,
		Text:      "what's the weather",
		Completed: true,
	}))
	require.NoError(t, s.AppendTurn(ctx, id, store.Turn{
		Role:          events.RoleAssistant,
		Text:          "Sunny",
		AudioBytes:    8000,
		AudioDuration: time.Second,
		Interrupted:   true,
	}))

	require.NoError(t, s.AppendEvent(ctx, id, store.Event{
		Direction: events.DirectionInbound,
		Source:    events.SourceVoiceAPI,
		Type:      "session.created",
		Payload:   json.RawMessage(`{"type":"session.created"}`),
		At:        time.Now(),
	}))

	turns, err := s.Turns(ctx, id)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, events.RoleUser, turns[0].Role)
	require.Equal(t, time.Second, turns[1].AudioDuration)
	require.True(t, turns[1].Interrupted)
}

func TestStore_NotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.LoadAgentConfig(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.UpdateSessionStatus(ctx, "missing", store.SessionStatus{Status: store.StatusFailed}), store.ErrNotFound)
}
