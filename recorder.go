package callrelay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewandler/callrelay-go/store"
)

const storeWriteTimeout = 5 * time.Second

type record struct {
	turn   *store.Turn
	event  *store.Event
	status *store.SessionStatus
}

// recorder hands records to the store off the audio path. Turns and status
// updates are never dropped; audit events are dropped when the queue is full.
type recorder struct {
	sessionID string
	store     store.Store
	logger    *slog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan record
	done    chan struct{}
	dropped atomic.Int64
}

func newRecorder(sessionID string, st store.Store, size int, logger *slog.Logger) *recorder {
	r := &recorder{
		sessionID: sessionID,
		store:     st,
		logger:    logger,
		queue:     make(chan record, size),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *recorder) turn(t store.Turn) {
	r.put(record{turn: &t}, true)
}

func (r *recorder) status(s store.SessionStatus) {
	r.put(record{status: &s}, true)
}

func (r *recorder) event(e store.Event) {
	r.put(record{event: &e}, false)
}

func (r *recorder) put(rec record, block bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	if block {
		r.queue <- rec
		return
	}
	select {
	case r.queue <- rec:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("event log queue full, dropping events")
		}
	}
}

func (r *recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		r.write(rec)
	}
}

func (r *recorder) write(rec record) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	var err error
	switch {
	case rec.turn != nil:
		err = r.store.AppendTurn(ctx, r.sessionID, *rec.turn)
	case rec.event != nil:
		err = r.store.AppendEvent(ctx, r.sessionID, *rec.event)
	case rec.status != nil:
		err = r.store.UpdateSessionStatus(ctx, r.sessionID, *rec.status)
	}
	if err != nil {
		r.logger.Error("failed to persist record", slog.Any("err", err))
	}
}

// close stops accepting records and waits up to timeout for the queue to drain.
func (r *recorder) close(timeout time.Duration) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-time.After(timeout):
		r.logger.Warn("pending records not persisted", slog.Duration("timeout", timeout))
	}
	if n := r.dropped.Load(); n > 0 {
		r.logger.Warn("events dropped", slog.Int64("count", n))
	}
}
