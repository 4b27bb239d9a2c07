package callrelay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/codewandler/callrelay-go/events"
	"github.com/codewandler/callrelay-go/store"
	"github.com/stretchr/testify/require"
)

func TestRecorder_DrainsOnClose(t *testing.T) {
	mem := store.NewMemory()
	id, err := mem.CreateSession(context.Background(), store.CallSession{})
	require.NoError(t, err)

	rec := newRecorder(id, mem, 4, slog.New(slog.DiscardHandler))
	for i := 0; i < 50; i++ {
		rec.turn(store.Turn{Role: events.RoleUser})
	}
	rec.status(store.SessionStatus{Status: store.StatusCompleted})
	rec.close(time.Second)

	require.Len(t, mem.Turns(id), 50)
	s, _ := mem.Session(id)
	require.Equal(t, store.StatusCompleted, s.Status)

	// ignored after close
	rec.turn(store.Turn{})
	rec.event(store.Event{})
	rec.close(time.Second)
	require.Len(t, mem.Turns(id), 50)
}

// blockingStore holds every write until release is closed.
type blockingStore struct {
	*store.Memory
	release chan struct{}
	once    sync.Once
}

func (b *blockingStore) AppendEvent(ctx context.Context, id string, e store.Event) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.Memory.AppendEvent(ctx, id, e)
}

func TestRecorder_DropsEventsWhenFull(t *testing.T) {
	mem := store.NewMemory()
	id, err := mem.CreateSession(context.Background(), store.CallSession{})
	require.NoError(t, err)

	bs := &blockingStore{Memory: mem, release: make(chan struct{})}
	rec := newRecorder(id, bs, 2, slog.New(slog.DiscardHandler))

	for i := 0; i < 10; i++ {
		rec.event(store.Event{Type: "media"})
	}
	require.Positive(t, rec.dropped.Load())

	bs.once.Do(func() { close(bs.release) })
	rec.close(time.Second)
	require.LessOrEqual(t, len(mem.Events(id)), 3)
}

type failingStore struct {
	*store.Memory
}

func (failingStore) AppendTurn(context.Context, string, store.Turn) error {
	return errors.New("disk full")
}

func TestRecorder_StoreErrorsAreNotFatal(t *testing.T) {
	mem := store.NewMemory()
	id, err := mem.CreateSession(context.Background(), store.CallSession{})
	require.NoError(t, err)

	rec := newRecorder(id, failingStore{mem}, 4, slog.New(slog.DiscardHandler))
	rec.turn(store.Turn{})
	rec.status(store.SessionStatus{Status: store.StatusActive})
	rec.close(time.Second)

	s, _ := mem.Session(id)
	require.Equal(t, store.StatusActive, s.Status)
}
