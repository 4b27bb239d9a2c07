package callrelay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/codewandler/callrelay-go/downstream"
	"github.com/codewandler/callrelay-go/events"
	"github.com/codewandler/callrelay-go/upstream"
)

// Upstream is the voice API side of a session. Send methods must be safe for
// concurrent use; Events ends with events.Disconnected.
type Upstream interface {
	Events() <-chan events.VoiceEvent
	SendAudio(p []byte) error
	SendFunctionResult(callID string, output json.RawMessage) error
	Truncate(itemID string, audioEnd time.Duration) error
	SendUserText(text string) error
	CreateResponse(instructions string) error
	Close() error
}

// UpstreamDialer opens the voice API connection for one session.
type UpstreamDialer func(ctx context.Context, cfg upstream.SessionConfig) (Upstream, error)

// DialUpstream returns a dialer for the realtime voice API.
func DialUpstream(opts ...upstream.ClientOption) UpstreamDialer {
	return func(ctx context.Context, cfg upstream.SessionConfig) (Upstream, error) {
		c, err := upstream.Dial(ctx, cfg, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Downstream is the telephony media stream side of a session. Close must be
// idempotent.
type Downstream interface {
	Events() <-chan events.TelephonyEvent
	SendMedia(p []byte) error
	Flush() error
	SendMark(name string) error
	Clear() error
	Close() error
}

var (
	_ Upstream   = (*upstream.Client)(nil)
	_ Downstream = (*downstream.Conn)(nil)
)
