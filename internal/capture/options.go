package capture

import (
	"log/slog"
	"time"

	"github.com/audiolibrelab/micstream/internal/observe"
)

const (
	// DefaultBufferCount is the size of the capture buffer pool.
	DefaultBufferCount = 3

	// DefaultResubmitRetries is how many extra Submit attempts a filled
	// buffer gets before the failure is reported.
	DefaultResubmitRetries = 2
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. The default is slog.Default() tagged with
// component=capture.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the instruments the session records into.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithErrorHandler installs the side channel for stream errors. The handler
// runs on the capture thread and must not block.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Session) {
		s.onError = fn
	}
}

// WithResubmitRetries sets the number of extra Submit attempts. Negative
// values are treated as zero.
func WithResubmitRetries(n int) Option {
	return func(s *Session) {
		if n < 0 {
			n = 0
		}
		s.retries = n
	}
}

// WithBufferCount overrides the pool size. Values below one are ignored.
func WithBufferCount(n int) Option {
	return func(s *Session) {
		if n >= 1 {
			s.bufferCount = n
		}
	}
}

// WithClock sets the time source used for frame timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithoutSubscriberGauge keeps the session from reporting its subscribers.
// Use it when an outer Fanout owns the real subscribers and reports them.
func WithoutSubscriberGauge() Option {
	return func(s *Session) {
		s.gaugeSubscribers = false
	}
}
