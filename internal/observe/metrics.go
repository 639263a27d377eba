// Package observe provides the OpenTelemetry metric instruments used by the
// capture pipeline and a Prometheus exporter bridge so they can be scraped
// from /metrics.
//
// A package-level default [Metrics] backed by the global meter provider is
// available through [DefaultMetrics]; it records into a no-op provider until
// [InitProvider] installs the SDK. Tests should use [NewMetrics] with their
// own provider.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/audiolibrelab/micstream"

// Metrics holds every instrument recorded by micstream.
type Metrics struct {
	// BuffersFilled counts fill callbacks handled by a capture session.
	BuffersFilled metric.Int64Counter

	// SamplesEmitted counts int16 samples delivered to subscribers.
	SamplesEmitted metric.Int64Counter

	// ResubmitFailures counts failed attempts to return a buffer to the
	// input stream, retries included.
	ResubmitFailures metric.Int64Counter

	// StreamErrors counts errors reported through the stream error channel.
	StreamErrors metric.Int64Counter

	// CallbackDuration tracks the time spent inside a fill callback.
	CallbackDuration metric.Float64Histogram

	// ActiveSessions tracks initialized capture sessions.
	ActiveSessions metric.Int64UpDownCounter

	// Subscribers tracks registered sample subscribers.
	Subscribers metric.Int64UpDownCounter

	// DroppedFrames counts frames a slow consumer skipped.
	DroppedFrames metric.Int64Counter
}

// callbackBuckets are seconds; a fill callback must stay well below one
// buffer duration (tens of milliseconds).
var callbackBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
}

// NewMetrics creates every instrument from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.BuffersFilled, err = m.Int64Counter("micstream.capture.buffers_filled",
		metric.WithDescription("Fill callbacks handled by capture sessions."),
	); err != nil {
		return nil, err
	}
	if met.SamplesEmitted, err = m.Int64Counter("micstream.capture.samples_emitted",
		metric.WithDescription("PCM samples delivered to subscribers."),
	); err != nil {
		return nil, err
	}
	if met.ResubmitFailures, err = m.Int64Counter("micstream.capture.resubmit_failures",
		metric.WithDescription("Failed attempts to resubmit a buffer to the input stream."),
	); err != nil {
		return nil, err
	}
	if met.StreamErrors, err = m.Int64Counter("micstream.capture.stream_errors",
		metric.WithDescription("Runtime errors inside the fill and resubmit cycle."),
	); err != nil {
		return nil, err
	}
	if met.CallbackDuration, err = m.Float64Histogram("micstream.capture.callback.duration",
		metric.WithDescription("Time spent handling one filled buffer."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callbackBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("micstream.capture.active_sessions",
		metric.WithDescription("Capture sessions holding an input stream."),
	); err != nil {
		return nil, err
	}
	if met.Subscribers, err = m.Int64UpDownCounter("micstream.capture.subscribers",
		metric.WithDescription("Registered sample subscribers."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("micstream.consumer.dropped_frames",
		metric.WithDescription("Frames skipped by consumers that fell behind."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance built from the global
// meter provider. Panics if instrument creation fails, which the global
// provider never does.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}
