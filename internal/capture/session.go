// Package capture implements the microphone capture session: a small state
// machine that owns a fixed pool of buffers, cycles them through a platform
// input stream and fans every filled buffer out to subscribers as signed
// 16-bit samples.
//
// The fill callback runs on the platform's capture thread. It never takes the
// session lock, so Stop and Pause may block on the stream while a callback is
// in flight. Handlers must therefore not call Initialize, Start, Pause or
// Stop themselves.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/micstream/internal/audio"
	"github.com/audiolibrelab/micstream/internal/observe"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Stats are cumulative counters over the lifetime of a Session.
type Stats struct {
	FramesEmitted    uint64 `json:"frames_emitted"`
	SamplesEmitted   uint64 `json:"samples_emitted"`
	ResubmitFailures uint64 `json:"resubmit_failures"`
	StreamErrors     uint64 `json:"stream_errors"`
	Flushes          uint64 `json:"flushes"`
	Subscribers      int    `json:"subscribers"`
	Outstanding      int    `json:"outstanding_buffers"`
}

// run is everything acquired by one successful Initialize. The fill callback
// is bound to its run, so late callbacks from a previous stream cannot touch
// a newer pool.
type run struct {
	stream  audio.Stream
	pool    *pool
	format  audio.Format
	seq     atomic.Uint64
	closing atomic.Bool
}

// Session is a microphone capture session.
type Session struct {
	input   audio.Input
	routing audio.Routing

	logger      *slog.Logger
	metrics     *observe.Metrics
	onError     func(error)
	retries     int
	bufferCount int
	now         func() time.Time

	// gaugeSubscribers reports the subscriber count to metrics.Subscribers.
	gaugeSubscribers bool

	// mu serializes lifecycle operations. It is never taken on the capture
	// thread.
	mu    sync.Mutex
	prior audio.Route

	state  atomic.Int32
	run    atomic.Pointer[run]
	format atomic.Pointer[audio.Format]

	subs Fanout

	framesEmitted    atomic.Uint64
	samplesEmitted   atomic.Uint64
	resubmitFailures atomic.Uint64
	streamErrors     atomic.Uint64
	flushes          atomic.Uint64
}

// New creates an uninitialized session reading from input and steering the
// process audio route through routing.
func New(input audio.Input, routing audio.Routing, opts ...Option) *Session {
	s := &Session{
		input:       input,
		routing:     routing,
		logger:      slog.Default().With("component", "capture"),
		retries:     DefaultResubmitRetries,
		bufferCount: DefaultBufferCount,
		now:         time.Now,

		gaugeSubscribers: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.gaugeSubscribers {
		s.subs.OnChange = func(delta int) {
			s.metrics.Subscribers.Add(context.Background(), int64(delta))
		}
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Format returns the format of the last successful Initialize, or the zero
// Format if there was none.
func (s *Session) Format() audio.Format {
	if f := s.format.Load(); f != nil {
		return *f
	}
	return audio.Format{}
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	st := Stats{
		FramesEmitted:    s.framesEmitted.Load(),
		SamplesEmitted:   s.samplesEmitted.Load(),
		ResubmitFailures: s.resubmitFailures.Load(),
		StreamErrors:     s.streamErrors.Load(),
		Flushes:          s.flushes.Load(),
		Subscribers:      s.subs.Len(),
	}
	if r := s.run.Load(); r != nil {
		st.Outstanding = r.pool.outstanding()
	}
	return st
}

// Subscribe registers h for every frame filled from now on. Handlers are
// called in registration order on the capture thread.
func (s *Session) Subscribe(h Handler) *Subscription {
	return s.subs.Subscribe(h)
}

// Initialize validates cfg, takes the input, switches the process to the
// record route and submits the whole buffer pool. On failure everything
// acquired so far is released and the session stays Uninitialized.
func (s *Session) Initialize(cfg audio.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.State()
	if st != StateUninitialized && st != StateStopped {
		return fmt.Errorf("%w: can only initialize from uninitialized or stopped state, current: %s", ErrState, st)
	}
	s.state.Store(int32(StateUninitialized))

	format := cfg.WithDefaults()
	if err := format.Validate(); err != nil {
		return fmt.Errorf("%w: invalid capture format: %w", ErrConfiguration, err)
	}

	prior, err := s.routing.Snapshot()
	if err != nil {
		return fmt.Errorf("%w: failed to read audio route: %w", ErrConfiguration, err)
	}
	if err := s.routing.Apply(audio.RecordRoute); err != nil {
		return fmt.Errorf("%w: failed to apply record route: %w", ErrConfiguration, err)
	}

	r := &run{format: format, pool: newPool(s.bufferCount)}
	stream, err := s.input.Open(format, func(buf *audio.Buffer) {
		s.onBufferFilled(r, buf)
	})
	if err != nil {
		s.restoreRoute(prior)
		return fmt.Errorf("%w: failed to open audio input: %w", ErrConfiguration, err)
	}
	r.stream = stream

	for i := 0; i < s.bufferCount; i++ {
		buf, err := stream.AllocateBuffer(format.BufferSize)
		if err != nil {
			s.abandon(r, prior)
			return fmt.Errorf("%w: failed to allocate buffer %d of %d: %w", ErrResource, i+1, s.bufferCount, err)
		}
		idx := r.pool.add(buf)
		if err := r.pool.release(idx); err != nil {
			s.abandon(r, prior)
			return fmt.Errorf("%w: %w", ErrResource, err)
		}
		if err := stream.Submit(buf); err != nil {
			r.pool.reclaim(idx)
			s.abandon(r, prior)
			return fmt.Errorf("%w: failed to submit buffer %d of %d: %w", ErrResource, i+1, s.bufferCount, err)
		}
	}

	s.prior = prior
	s.format.Store(&format)
	s.run.Store(r)
	s.state.Store(int32(StateInitialized))
	s.metrics.ActiveSessions.Add(context.Background(), 1)

	s.logger.Info("Capture session initialized",
		"format", format.String(),
		"buffers", s.bufferCount,
		"buffer_duration", format.BufferDuration())
	return nil
}

// Start begins capture. Resuming from Paused re-applies the record route
// that Pause gave back.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.State()
	if st != StateInitialized && st != StatePaused {
		return fmt.Errorf("%w: can only start from initialized or paused state, current: %s", ErrState, st)
	}
	r := s.run.Load()

	if st == StatePaused {
		if err := s.routing.Apply(audio.RecordRoute); err != nil {
			return fmt.Errorf("%w: failed to re-apply record route: %w", ErrConfiguration, err)
		}
	}
	if err := s.routing.Activate(true); err != nil {
		if st == StatePaused {
			s.restoreRoute(s.prior)
		}
		return fmt.Errorf("%w: failed to activate audio session: %w", ErrConfiguration, err)
	}
	if err := r.stream.Start(); err != nil {
		if st == StatePaused {
			s.restoreRoute(s.prior)
		}
		return fmt.Errorf("%w: failed to start input stream: %w", ErrStream, err)
	}

	s.state.Store(int32(StateRunning))
	s.logger.Info("Capture started", "resumed", st == StatePaused)
	return nil
}

// Pause halts the stream but keeps it and its buffers. A partially filled
// buffer is delivered to subscribers before Pause returns. The prior audio
// route is restored.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.State()
	if st != StateRunning {
		return fmt.Errorf("%w: can only pause from running state, current: %s", ErrState, st)
	}
	r := s.run.Load()

	if err := r.stream.Pause(); err != nil {
		return fmt.Errorf("%w: failed to pause input stream: %w", ErrStream, err)
	}
	s.state.Store(int32(StatePaused))

	if err := r.stream.Flush(); err != nil {
		s.report(fmt.Errorf("%w: failed to flush input stream: %w", ErrStream, err))
	}
	s.flushes.Add(1)
	s.restoreRoute(s.prior)

	s.logger.Info("Capture paused")
	return nil
}

// Stop halts and releases the stream and restores the prior audio route.
// The session ends Stopped even if the platform reports errors on the way,
// which are returned joined as a stream error.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.State()
	if st != StateInitialized && st != StateRunning && st != StatePaused {
		return fmt.Errorf("%w: can only stop from initialized, running or paused state, current: %s", ErrState, st)
	}
	r := s.run.Load()

	// Callbacks that begin from here on are dropped.
	r.closing.Store(true)

	var errs []error
	if err := r.stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop input stream: %w", err))
	}
	if err := r.stream.Dispose(); err != nil {
		errs = append(errs, fmt.Errorf("failed to dispose input stream: %w", err))
	}
	if err := s.routing.Activate(false); err != nil {
		errs = append(errs, fmt.Errorf("failed to deactivate audio session: %w", err))
	}
	if err := s.routing.Apply(s.prior); err != nil {
		errs = append(errs, fmt.Errorf("failed to restore audio route: %w", err))
	}

	s.run.Store(nil)
	s.state.Store(int32(StateStopped))
	s.metrics.ActiveSessions.Add(context.Background(), -1)

	s.logger.Info("Capture stopped",
		"frames", s.framesEmitted.Load(),
		"stream_errors", s.streamErrors.Load())

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrStream, errors.Join(errs...))
	}
	return nil
}

// onBufferFilled runs on the capture thread for every filled buffer of r.
func (s *Session) onBufferFilled(r *run, buf *audio.Buffer) {
	if r.closing.Load() {
		return
	}
	began := time.Now()
	ctx := context.Background()

	if err := r.pool.acquire(buf); err != nil {
		s.report(fmt.Errorf("%w: %w", ErrStream, err))
		return
	}

	frame := Frame{
		Seq:        r.seq.Add(1),
		Slot:       buf.Index,
		Samples:    DecodeSamples(buf.Bytes()),
		SampleRate: r.format.SampleRate,
		Channels:   r.format.Channels,
		Timestamp:  s.now(),
	}
	s.emit(frame)

	s.framesEmitted.Add(1)
	s.samplesEmitted.Add(uint64(len(frame.Samples)))
	s.metrics.BuffersFilled.Add(ctx, 1)
	s.metrics.SamplesEmitted.Add(ctx, int64(len(frame.Samples)))

	if !r.closing.Load() {
		s.resubmit(r, buf)
	}

	s.metrics.CallbackDuration.Record(ctx, time.Since(began).Seconds())
}

func (s *Session) emit(frame Frame) {
	s.subs.Emit(frame, func(id uuid.UUID, p any) {
		s.report(fmt.Errorf("%w: subscriber %s panicked: %v", ErrStream, id, p))
	})
}

// resubmit hands buf back to the stream, retrying a bounded number of times.
// A buffer that cannot be resubmitted stays with the session and drops out
// of rotation.
func (s *Session) resubmit(r *run, buf *audio.Buffer) {
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if err = r.pool.release(buf.Index); err != nil {
			break
		}
		if err = r.stream.Submit(buf); err == nil {
			return
		}
		r.pool.reclaim(buf.Index)
		if r.closing.Load() {
			// Stop disposed the stream under us.
			return
		}
		s.resubmitFailures.Add(1)
		s.metrics.ResubmitFailures.Add(context.Background(), 1)
		s.logger.Debug("Buffer resubmit failed", "slot", buf.Index, "attempt", attempt+1, "error", err)
	}
	s.report(fmt.Errorf("%w: failed to resubmit buffer %d after %d attempts: %w", ErrStream, buf.Index, s.retries+1, err))
}

// report sends err down the side channel: counter, log and error handler.
func (s *Session) report(err error) {
	s.streamErrors.Add(1)
	s.metrics.StreamErrors.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("state", s.State().String())))
	s.logger.Error("Capture stream error", "error", err)
	if s.onError != nil {
		s.onError(err)
	}
}

// abandon releases a half-built run after an Initialize failure.
func (s *Session) abandon(r *run, prior audio.Route) {
	r.closing.Store(true)
	if err := r.stream.Dispose(); err != nil {
		s.logger.Error("Failed to dispose input stream", "error", err)
	}
	s.restoreRoute(prior)
}

func (s *Session) restoreRoute(prior audio.Route) {
	if err := s.routing.Apply(prior); err != nil {
		s.report(fmt.Errorf("%w: failed to restore audio route: %w", ErrConfiguration, err))
	}
}
