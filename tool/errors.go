package tool

import (
	"encoding/json"
	"errors"
	"fmt"
)

type ErrorKind string

const (
	NotFound      ErrorKind = "not_found"
	HandlerFailed ErrorKind = "handler_failed"
	Timeout       ErrorKind = "timeout"
)

// DispatchError is returned by Registry.Dispatch. It is never fatal to a
// session: its Payload is sent upstream as the function result.
type DispatchError struct {
	Kind   ErrorKind
	Name   string
	Detail string
	// Available lists the registered tools when Kind is NotFound.
	Available []string
	Err       error
}

func (e *DispatchError) Error() string {
	switch e.Kind {
	case NotFound:
		return fmt.Sprintf("unknown tool: %s", e.Name)
	case Timeout:
		return fmt.Sprintf("tool %s timed out", e.Name)
	}
	if e.Detail != "" {
		return fmt.Sprintf("tool %s failed: %s", e.Name, e.Detail)
	}
	return fmt.Sprintf("tool %s failed: %v", e.Name, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Payload is the JSON function output reporting the failure to the model.
func (e *DispatchError) Payload() json.RawMessage {
	p := map[string]any{
		"error":     e.Error(),
		"kind":      e.Kind,
		"tool_name": e.Name,
	}
	if len(e.Available) > 0 {
		p["available_tools"] = e.Available
	}
	d, _ := json.Marshal(p)
	return d
}

// ErrorPayload converts any dispatch failure into a function output.
func ErrorPayload(name string, err error) json.RawMessage {
	var de *DispatchError
	if !errors.As(err, &de) {
		de = &DispatchError{Kind: HandlerFailed, Name: name, Err: err}
	}
	return de.Payload()
}
