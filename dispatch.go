package callrelay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/codewandler/callrelay-go/events"
	"github.com/codewandler/callrelay-go/store"
	"github.com/codewandler/callrelay-go/tool"
)

type callRequest struct {
	callID string
	name   string
	args   json.RawMessage
}

// dispatcher runs function calls one at a time in arrival order. Every call
// gets exactly one result upstream, failures included.
type dispatcher struct {
	registry *tool.Registry
	up       Upstream
	rec      *recorder
	timeout  time.Duration
	holding  string
	now      func() time.Time
	logger   *slog.Logger

	queue chan callRequest
	done  chan struct{}
}

func newDispatcher(c *config, up Upstream, rec *recorder, logger *slog.Logger) *dispatcher {
	return &dispatcher{
		registry: c.registry,
		up:       up,
		rec:      rec,
		timeout:  c.dispatchTimeout,
		holding:  c.holdingMessage,
		now:      c.now,
		logger:   logger,
		queue:    make(chan callRequest, c.dispatchQueue),
		done:     make(chan struct{}),
	}
}

func (d *dispatcher) start(ctx context.Context) {
	go d.work(ctx)
}

// wait blocks until the worker exited. ctx passed to start must be done.
func (d *dispatcher) wait() {
	<-d.done
}

// enqueue queues a call. A full queue answers the call with an error at once.
func (d *dispatcher) enqueue(req callRequest) {
	select {
	case d.queue <- req:
	default:
		d.logger.Warn("function call queue full", slog.String("name", req.name), slog.String("call_id", req.callID))
		d.respond(req, tool.ErrorPayload(req.name, &tool.DispatchError{
			Kind:   tool.HandlerFailed,
			Name:   req.name,
			Detail: "too many pending function calls",
		}))
	}
}

func (d *dispatcher) work(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.queue:
			d.handle(ctx, req)
		}
	}
}

func (d *dispatcher) handle(ctx context.Context, req callRequest) {
	logger := d.logger.With(slog.String("name", req.name), slog.String("call_id", req.callID))

	if d.holding != "" {
		if err := d.up.CreateResponse(d.holding); err != nil {
			logger.Warn("failed to send holding response", slog.Any("err", err))
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	started := d.now()
	out, err := d.registry.Dispatch(callCtx, req.name, req.args)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("function call cancelled")
			return
		}
		logger.Warn("function call failed", slog.Any("err", err))
		out = tool.ErrorPayload(req.name, err)
	} else {
		logger.Debug("function call completed", slog.Duration("took", d.now().Sub(started)))
	}
	d.respond(req, out)
}

func (d *dispatcher) respond(req callRequest, out json.RawMessage) {
	if err := d.up.SendFunctionResult(req.callID, out); err != nil {
		d.logger.Warn("failed to send function result", slog.String("call_id", req.callID), slog.Any("err", err))
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"type":    "function_call_output",
		"call_id": req.callID,
		"output":  out,
	})
	d.rec.event(store.Event{
		Direction: events.DirectionOutbound,
		Source:    events.SourceVoiceAPI,
		Type:      "conversation.item.create",
		Payload:   payload,
		At:        d.now(),
	})
}
