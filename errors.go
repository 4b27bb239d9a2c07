package callrelay

import (
	"errors"
	"fmt"

	"github.com/codewandler/callrelay-go/audio"
	"github.com/codewandler/callrelay-go/events"
)

var (
	// ErrConfig means the agent configuration is missing or invalid. The
	// session never becomes active.
	ErrConfig                 = errors.New("invalid agent configuration")
	ErrUpstreamDisconnected   = errors.New("voice api disconnected")
	ErrDownstreamDisconnected = errors.New("media stream disconnected")
	ErrTimeout                = errors.New("timeout")
	ErrUnsupportedFormat      = audio.ErrUnsupportedFormat
	// ErrMalformedFrame never ends a session; adapters drop such frames.
	ErrMalformedFrame = events.ErrMalformedFrame
)

var (
	errHangup  = errors.New("stream stopped")
	errIdle    = errors.New("idle timeout")
	errRunning = errors.New("session already started")
)

func disconnected(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// normalEnd reports whether err ends a session without failing it.
func normalEnd(err error) bool {
	return err == nil || errors.Is(err, errHangup) || errors.Is(err, errIdle)
}
