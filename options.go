package dime

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultAcceptBackoffFast is the starting retry delay after a transient
	// Accept error. The first retry after a successful Accept is immediate;
	// this delay applies from the next one on.
	DefaultAcceptBackoffFast = 5 * time.Millisecond
	// DefaultAcceptBackoffSteady is the ceiling the accept-retry backoff
	// grows to under sustained transient errors.
	DefaultAcceptBackoffSteady = 1 * time.Second

	// DefaultMaxOutboxBytes is unused unless WithMaxOutboxBytes is given;
	// the reference behavior is an unbounded outbox (spec §5).
	DefaultMaxOutboxBytes = 0
)

// Option defines a functional option for Server construction.
type Option func(*Config)

// Config holds runtime settings for a Server. Zero value yields sane
// defaults via defaultConfig(); callers modify it through functional
// options, mirroring the teacher library's Config/Option pattern.
type Config struct {
	ctx    context.Context
	cancel context.CancelFunc

	metrics Metrics
	logger  zerolog.Logger

	acceptBackoffFast   time.Duration
	acceptBackoffSteady time.Duration

	// maxOutboxBytes caps a client's outbox size in bytes; 0 disables the
	// cap (unbounded, the spec's reference behavior). When exceeded, the
	// client is closed with a backpressure error (spec §5, §7).
	maxOutboxBytes int

	// noise enables the optional Noise-encrypted transport wrapper
	// (secure.go) on accepted/dialed connections.
	noise bool
}

// defaultConfig returns config with library defaults.
func defaultConfig() *Config {
	ctx, cancel := context.WithCancel(context.Background())
	return &Config{
		ctx:                 ctx,
		cancel:              cancel,
		metrics:             NewDefaultMetrics(),
		logger:              defaultLogger(),
		acceptBackoffFast:   DefaultAcceptBackoffFast,
		acceptBackoffSteady: DefaultAcceptBackoffSteady,
		maxOutboxBytes:      DefaultMaxOutboxBytes,
	}
}

// applyConfig builds a runtime config by applying the given options on top
// of defaults.
func applyConfig(opts []Option) *Config {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// WithContext sets the base context for the server's lifetime. Cancelling
// it closes every client and the listener, which stops the accept loop, and
// then stops the dispatcher goroutine.
func WithContext(ctx context.Context) Option {
	return func(c *Config) {
		if ctx != nil {
			c.ctx, c.cancel = context.WithCancel(ctx)
		}
	}
}

// WithMetrics sets a custom metrics implementation. If not provided, a
// default implementation backed by atomic counters is used.
func WithMetrics(metrics Metrics) Option {
	return func(c *Config) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// WithLogger sets the base logger the server and its components derive
// component-scoped child loggers from (see logger.go).
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithAcceptBackoff sets the fast and steady-state delays used when Accept
// returns a temporary error, mirroring the teacher library's adaptive poll
// for transient failures.
func WithAcceptBackoff(fast, steady time.Duration) Option {
	return func(c *Config) {
		if fast > 0 {
			c.acceptBackoffFast = fast
		}
		if steady > 0 {
			c.acceptBackoffSteady = steady
		}
	}
}

// WithMaxOutboxBytes caps a client's outbox size in bytes. Exceeding the cap
// closes the client (spec §5 permits this, off by default).
func WithMaxOutboxBytes(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.maxOutboxBytes = n
		}
	}
}

// WithNoiseEncryption enables the optional Noise-protocol transport wrapper
// (secure.go) for connections accepted/dialed by this server, as an
// alternative to wrapping the listener in crypto/tls externally.
func WithNoiseEncryption(enabled bool) Option {
	return func(c *Config) {
		c.noise = enabled
	}
}
