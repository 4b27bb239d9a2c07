package callrelay

import (
	"log/slog"
	"os"
	"time"

	"github.com/codewandler/callrelay-go/tool"
	"github.com/codewandler/callrelay-go/upstream"
)

const (
	DefaultInitTimeout     = 10 * time.Second
	DefaultDispatchTimeout = 30 * time.Second
	DefaultCloseTimeout    = 5 * time.Second
	DefaultOutboundBuffer  = 5 * time.Second
)

type config struct {
	logger          *slog.Logger
	initTimeout     time.Duration
	dispatchTimeout time.Duration
	closeTimeout    time.Duration
	idleTimeout     time.Duration
	outboundBuffer  time.Duration
	dispatchQueue   int
	recordQueue     int
	registry        *tool.Registry
	dial            UpstreamDialer
	now             func() time.Time
	audioEvents     bool
	holdingMessage  string
	credentials     func() bool
}

type Option func(*config)

func WithLogger(logger *slog.Logger) Option {
	return func(o *config) {
		o.logger = logger
	}
}

func WithDefaultLogger() Option {
	return WithLogger(slog.Default())
}

// WithInitTimeout bounds the wait for the voice API session and the media
// stream start.
func WithInitTimeout(d time.Duration) Option {
	return func(o *config) {
		o.initTimeout = d
	}
}

// WithDispatchTimeout bounds a single function call.
func WithDispatchTimeout(d time.Duration) Option {
	return func(o *config) {
		o.dispatchTimeout = d
	}
}

// WithCloseTimeout bounds draining pending records when a session ends.
func WithCloseTimeout(d time.Duration) Option {
	return func(o *config) {
		o.closeTimeout = d
	}
}

// WithIdleTimeout ends a session after d without conversational activity.
// Zero disables the timer. An agent's own idle timeout takes precedence.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *config) {
		o.idleTimeout = d
	}
}

// WithOutboundBuffer sets how much agent audio is queued per call before the
// oldest audio is dropped.
func WithOutboundBuffer(d time.Duration) Option {
	return func(o *config) {
		o.outboundBuffer = d
	}
}

func WithDispatchQueue(n int) Option {
	return func(o *config) {
		o.dispatchQueue = n
	}
}

func WithRecordQueue(n int) Option {
	return func(o *config) {
		o.recordQueue = n
	}
}

func WithRegistry(r *tool.Registry) Option {
	return func(o *config) {
		o.registry = r
	}
}

func WithUpstreamDialer(d UpstreamDialer) Option {
	return func(o *config) {
		o.dial = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *config) {
		o.now = now
	}
}

// WithAudioEvents also records audio carrying protocol messages in the event log.
func WithAudioEvents(enabled bool) Option {
	return func(o *config) {
		o.audioEvents = enabled
	}
}

// WithHoldingMessage makes the agent say something before a function runs.
// The message is passed to the voice API as response instructions.
func WithHoldingMessage(msg string) Option {
	return func(o *config) {
		o.holdingMessage = msg
	}
}

// WithCredentialCheck reports whether voice API credentials are configured.
// It backs the health check.
func WithCredentialCheck(f func() bool) Option {
	return func(o *config) {
		o.credentials = f
	}
}

func WithOptions(opts ...Option) Option {
	return func(o *config) {
		for _, opt := range opts {
			opt(o)
		}
	}
}

func withDefaults() Option {
	return WithOptions(
		WithLogger(slog.New(slog.DiscardHandler)),
		WithInitTimeout(DefaultInitTimeout),
		WithDispatchTimeout(DefaultDispatchTimeout),
		WithCloseTimeout(DefaultCloseTimeout),
		WithOutboundBuffer(DefaultOutboundBuffer),
		WithDispatchQueue(32),
		WithRecordQueue(1024),
		WithRegistry(tool.NewRegistry()),
		WithUpstreamDialer(DialUpstream(upstream.WithEnvKey(upstream.ApiKeyEnvVarNameLong, upstream.ApiKeyEnvVarNameShort))),
		WithClock(time.Now),
		WithCredentialCheck(envCredentials),
	)
}

func envCredentials() bool {
	return os.Getenv(upstream.ApiKeyEnvVarNameLong) != "" || os.Getenv(upstream.ApiKeyEnvVarNameShort) != ""
}

func newConfig(opts ...Option) *config {
	c := &config{}
	withDefaults()(c)
	WithOptions(opts...)(c)
	return c
}
