package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Handler executes a tool. args is the JSON object sent by the model. A nil
// result is reported as {"success":true}.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Func adapts a typed handler. Arguments are decoded into T before f is called.
func Func[T any](f func(ctx context.Context, args T) (any, error)) Handler {
	return func(ctx context.Context, data json.RawMessage) (any, error) {
		var args T
		if err := json.Unmarshal(data, &args); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		return f(ctx, args)
	}
}

type entry struct {
	tool    Tool
	handler Handler
}

// Registry maps tool names to handlers. It is shared by all sessions and safe
// for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]entry{}}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool, h Handler) {
	if t.Type == "" {
		t.Type = "function"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[t.Name]; !ok {
		r.order = append(r.order, t.Name)
	}
	r.entries[t.Name] = entry{tool: t, handler: h}
}

// Tools returns the registered tools in registration order.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].tool)
	}
	return out
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.tool, ok
}

// Dispatch runs the handler registered for name. On failure the returned
// error is a *DispatchError. The handler is abandoned when ctx is done.
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &DispatchError{Kind: NotFound, Name: name, Available: r.Names()}
	}

	args = bytes.TrimSpace(args)
	if len(args) == 0 || bytes.Equal(args, []byte("null")) {
		args = json.RawMessage("{}")
	}

	var fields map[string]any
	if err := json.Unmarshal(args, &fields); err != nil {
		return nil, &DispatchError{Kind: HandlerFailed, Name: name, Detail: "arguments must be a JSON object", Err: err}
	}
	var missing []string
	for _, p := range e.tool.Parameters.Required {
		if _, ok := fields[p]; !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return nil, &DispatchError{Kind: HandlerFailed, Name: name, Detail: fmt.Sprintf("missing required parameters: %v", missing)}
	}

	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		v, err := e.handler(ctx, args)
		done <- result{v: v, err: err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return nil, &DispatchError{Kind: Timeout, Name: name, Err: ctx.Err()}
	case res = <-done:
	}

	if res.err != nil {
		if errors.Is(res.err, context.DeadlineExceeded) {
			return nil, &DispatchError{Kind: Timeout, Name: name, Err: res.err}
		}
		return nil, &DispatchError{Kind: HandlerFailed, Name: name, Err: res.err}
	}

	return encodeResult(name, res.v)
}

func encodeResult(name string, v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return json.RawMessage(`{"success":true}`), nil
	case json.RawMessage:
		return x, nil
	}
	d, err := json.Marshal(v)
	if err != nil {
		return nil, &DispatchError{Kind: HandlerFailed, Name: name, Detail: "result is not JSON encodable", Err: err}
	}
	return d, nil
}
