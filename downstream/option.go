package downstream

import (
	"log/slog"
	"time"

	"github.com/codewandler/callrelay-go/audio"
)

type config struct {
	logger         *slog.Logger
	format         audio.Format
	frameDuration  time.Duration
	bufferDuration time.Duration
	writeTimeout   time.Duration
	readLimit      int64
	eventBuffer    int
}

type Option func(*config)

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithFormat sets the telephony format used to size outbound frames.
func WithFormat(f audio.Format) Option {
	return func(c *config) {
		c.format = f
	}
}

func WithFrameDuration(d time.Duration) Option {
	return func(c *config) {
		c.frameDuration = d
	}
}

// WithBufferDuration bounds the outbound audio queue. On overflow the oldest
// audio is dropped.
func WithBufferDuration(d time.Duration) Option {
	return func(c *config) {
		c.bufferDuration = d
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) {
		c.writeTimeout = d
	}
}

func WithReadLimit(n int64) Option {
	return func(c *config) {
		c.readLimit = n
	}
}

func WithOptions(opts ...Option) Option {
	return func(c *config) {
		for _, opt := range opts {
			opt(c)
		}
	}
}

func withDefaults() Option {
	return WithOptions(
		WithLogger(slog.New(slog.DiscardHandler)),
		WithFormat(audio.Telephony),
		WithFrameDuration(audio.DefaultFrameDuration),
		WithBufferDuration(5*time.Second),
		WithWriteTimeout(5*time.Second),
		WithReadLimit(64*1024),
		func(c *config) { c.eventBuffer = 256 },
	)
}
