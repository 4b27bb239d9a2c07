package upstream

import (
	"errors"
	"log/slog"
	"os"
	"time"
)

const (
	ApiKeyEnvVarNameShort = "OPENAI_KEY"
	ApiKeyEnvVarNameLong  = "OPENAI_API_KEY"

	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-realtime-preview-2025-06-03"
)

var ErrMissingKey = errors.New("missing api key")

type clientConfig struct {
	url          string
	model        string
	apiKey       string
	dialTimeout  time.Duration
	closeTimeout time.Duration
	eventBuffer  int
	logger       *slog.Logger
}

func (c *clientConfig) validate() error {
	if c.apiKey == "" {
		return ErrMissingKey
	}
	return nil
}

type ClientOption func(*clientConfig)

func WithURL(url string) ClientOption {
	return func(o *clientConfig) {
		o.url = url
	}
}

func WithModel(model string) ClientOption {
	return func(o *clientConfig) {
		o.model = model
	}
}

func WithKey(apiKey string) ClientOption {
	return func(o *clientConfig) {
		o.apiKey = apiKey
	}
}

// WithEnvKey takes the key from the first non-empty environment variable.
func WithEnvKey(vars ...string) ClientOption {
	return func(o *clientConfig) {
		for _, envVarName := range vars {
			if k := os.Getenv(envVarName); k != "" {
				o.apiKey = k
				return
			}
		}
	}
}

func WithDialTimeout(d time.Duration) ClientOption {
	return func(o *clientConfig) {
		o.dialTimeout = d
	}
}

// WithCloseTimeout bounds the closing handshake.
func WithCloseTimeout(d time.Duration) ClientOption {
	return func(o *clientConfig) {
		o.closeTimeout = d
	}
}

// WithEventBuffer sets how many classified events may wait for the consumer
// before reading from the socket pauses.
func WithEventBuffer(n int) ClientOption {
	return func(o *clientConfig) {
		o.eventBuffer = n
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *clientConfig) {
		o.logger = logger
	}
}

func WithOptions(opts ...ClientOption) ClientOption {
	return func(o *clientConfig) {
		for _, opt := range opts {
			opt(o)
		}
	}
}

func withDefaults() ClientOption {
	return WithOptions(
		WithLogger(slog.New(slog.DiscardHandler)),
		WithURL(DefaultURL),
		WithModel(DefaultModel),
		WithDialTimeout(10*time.Second),
		WithCloseTimeout(5*time.Second),
		WithEventBuffer(256),
		WithEnvKey(ApiKeyEnvVarNameShort, ApiKeyEnvVarNameLong),
	)
}
