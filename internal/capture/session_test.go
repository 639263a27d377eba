package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/audiolibrelab/micstream/internal/audio"
	"github.com/audiolibrelab/micstream/internal/audio/mock"
	"github.com/audiolibrelab/micstream/internal/observe"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var speechFormat = audio.Format{
	SampleRate:    16000,
	Channels:      1,
	BitsPerSample: 16,
	BufferSize:    3200,
	Source:        audio.DefaultSource,
}

func newTestSession(t *testing.T, opts ...Option) (*Session, *mock.Input, *mock.Routing) {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	in := &mock.Input{}
	routing := mock.NewRouting(audio.DefaultRoute)
	base := []Option{
		WithMetrics(m),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return New(in, routing, append(base, opts...)...), in, routing
}

// pcm encodes samples as little-endian bytes.
func pcm(samples ...int16) []byte {
	return EncodeSamples(samples)
}

// ramp returns n samples counting up from start.
func ramp(start int16, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = start + int16(i)
	}
	return out
}

type frameLog struct {
	mu     sync.Mutex
	frames []Frame
}

func (l *frameLog) handle(f Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f)
}

func (l *frameLog) all() []Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Frame, len(l.frames))
	copy(out, l.frames)
	return out
}

func TestInitialize_SubmitsWholePool(t *testing.T) {
	s, in, routing := newTestSession(t)

	if s.State() != StateUninitialized {
		t.Fatalf("Expected UNINITIALIZED before init, got %s", s.State())
	}
	if err := s.Initialize(speechFormat); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	stream := in.LastStream()
	if s.State() != StateInitialized {
		t.Errorf("Expected INITIALIZED, got %s", s.State())
	}
	if stream.SubmitCalls != DefaultBufferCount {
		t.Errorf("Expected %d submits, got %d", DefaultBufferCount, stream.SubmitCalls)
	}
	if got := len(stream.Queued()); got != DefaultBufferCount {
		t.Errorf("Expected %d queued buffers, got %d", DefaultBufferCount, got)
	}
	for _, buf := range stream.Allocated() {
		if len(buf.Data) != speechFormat.BufferSize {
			t.Errorf("Buffer %d has %d bytes, want %d", buf.Index, len(buf.Data), speechFormat.BufferSize)
		}
	}
	if st := s.Stats(); st.Outstanding != DefaultBufferCount {
		t.Errorf("Expected %d outstanding buffers, got %d", DefaultBufferCount, st.Outstanding)
	}
	if routing.Current() != audio.RecordRoute {
		t.Errorf("Expected record route, got %+v", routing.Current())
	}
	if s.Format() != speechFormat {
		t.Errorf("Expected format %+v, got %+v", speechFormat, s.Format())
	}
}

func TestInitialize_AccessDenied(t *testing.T) {
	s, in, routing := newTestSession(t)
	in.OpenError = audio.ErrAccessDenied

	err := s.Initialize(speechFormat)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Expected configuration error, got %v", err)
	}
	if !errors.Is(err, audio.ErrAccessDenied) {
		t.Errorf("Expected access denied cause, got %v", err)
	}
	if s.State() != StateUninitialized {
		t.Errorf("Expected UNINITIALIZED, got %s", s.State())
	}
	if routing.Current() != audio.DefaultRoute {
		t.Errorf("Expected prior route restored, got %+v", routing.Current())
	}

	if err := s.Start(); !errors.Is(err, ErrState) {
		t.Errorf("Expected state error from Start, got %v", err)
	}
}

func TestInitialize_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		format audio.Format
	}{
		{"24 bit", audio.Format{SampleRate: 16000, Channels: 1, BitsPerSample: 24, BufferSize: 3000}},
		{"odd buffer", audio.Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16, BufferSize: 3201}},
		{"stereo misaligned", audio.Format{SampleRate: 16000, Channels: 2, BitsPerSample: 16, BufferSize: 3202}},
		{"too many channels", audio.Format{SampleRate: 16000, Channels: 6, BitsPerSample: 16, BufferSize: 3000}},
		{"sample rate", audio.Format{SampleRate: 1000, Channels: 1, BitsPerSample: 16, BufferSize: 3200}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, in, routing := newTestSession(t)
			err := s.Initialize(tt.format)
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("Expected configuration error, got %v", err)
			}
			if len(in.Formats) != 0 {
				t.Errorf("Input should not be opened for an invalid format")
			}
			if len(routing.Applied) != 0 {
				t.Errorf("Routing should not change for an invalid format, got %v", routing.Applied)
			}
		})
	}
}

func TestInitialize_AllocationFailureTearsDown(t *testing.T) {
	s, in, routing := newTestSession(t)
	in.AllocateError = errors.New("out of memory")
	in.AllocateErrorAt = 2

	err := s.Initialize(speechFormat)
	if !errors.Is(err, ErrResource) {
		t.Fatalf("Expected resource error, got %v", err)
	}
	stream := in.LastStream()
	if !stream.Disposed() {
		t.Error("Partially built stream should be disposed")
	}
	if s.State() != StateUninitialized {
		t.Errorf("Expected UNINITIALIZED, got %s", s.State())
	}
	if routing.Current() != audio.DefaultRoute {
		t.Errorf("Expected prior route restored, got %+v", routing.Current())
	}
}

func TestInitialize_SubmitFailureTearsDown(t *testing.T) {
	s, in, _ := newTestSession(t)
	in.SubmitHook = func(call int, buf *audio.Buffer) error {
		if call == 3 {
			return errors.New("queue full")
		}
		return nil
	}

	err := s.Initialize(speechFormat)
	if !errors.Is(err, ErrResource) {
		t.Fatalf("Expected resource error, got %v", err)
	}
	if !in.LastStream().Disposed() {
		t.Error("Stream should be disposed after submit failure")
	}
	if s.State() != StateUninitialized {
		t.Errorf("Expected UNINITIALIZED, got %s", s.State())
	}
}

func TestInitialize_RoutingFailure(t *testing.T) {
	s, in, routing := newTestSession(t)
	routing.ApplyError = errors.New("category locked")

	if err := s.Initialize(speechFormat); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Expected configuration error, got %v", err)
	}
	if len(in.Formats) != 0 {
		t.Error("Input should not be opened when routing fails")
	}
}

func TestInitialize_Twice(t *testing.T) {
	s, _, _ := newTestSession(t)
	if err := s.Initialize(speechFormat); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	err := s.Initialize(speechFormat)
	if !errors.Is(err, ErrState) {
		t.Fatalf("Expected state error, got %v", err)
	}
	if s.State() != StateInitialized {
		t.Errorf("Failed re-init should not change state, got %s", s.State())
	}
}

func TestFill_EmitsDecodedSamples(t *testing.T) {
	stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s, in, _ := newTestSession(t, WithClock(func() time.Time { return stamp }))
	var log frameLog
	s.Subscribe(log.handle)

	if err := s.Initialize(speechFormat); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	samples := make([]int16, speechFormat.SamplesPerBuffer())
	samples[0] = math.MinInt16
	samples[1] = math.MaxInt16
	samples[2] = -1
	samples[len(samples)-1] = 1234
	if err := in.LastStream().Fill(pcm(samples...)); err != nil {
		t.Fatalf("Fill failed: %v", err)
	}

	frames := log.all()
	if len(frames) != 1 {
		t.Fatalf("Expected 1 frame, got %d", len(frames))
	}
	f := frames[0]
	if len(f.Samples) != 1600 {
		t.Fatalf("Expected 1600 samples, got %d", len(f.Samples))
	}
	for i, want := range samples {
		if f.Samples[i] != want {
			t.Fatalf("Sample %d: got %d, want %d", i, f.Samples[i], want)
		}
	}
	if f.Seq != 1 {
		t.Errorf("Expected seq 1, got %d", f.Seq)
	}
	if f.SampleRate != 16000 || f.Channels != 1 {
		t.Errorf("Unexpected frame format: %d Hz, %d ch", f.SampleRate, f.Channels)
	}
	if !f.Timestamp.Equal(stamp) {
		t.Errorf("Expected timestamp %v, got %v", stamp, f.Timestamp)
	}
}

func TestFill_SamplesSurviveResubmission(t *testing.T) {
	s, in, _ := newTestSession(t, WithBufferCount(1))
	var log frameLog
	s.Subscribe(log.handle)

	format := audio.Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16, BufferSize: 8}
	if err := s.Initialize(format); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	_ = s.Start()

	stream := in.LastStream()
	_ = stream.Fill(pcm(1, 2, 3, 4))
	_ = stream.Fill(pcm(5, 6, 7, 8))

	frames := log.all()
	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
	if frames[0].Samples[0] != 1 || frames[0].Samples[3] != 4 {
		t.Errorf("First frame was overwritten by the next fill: %v", frames[0].Samples)
	}
	if frames[1].Samples[0] != 5 {
		t.Errorf("Unexpected second frame: %v", frames[1].Samples)
	}
}

func TestFill_BufferIdentityPreserved(t *testing.T) {
	s, in, _ := newTestSession(t)
	seen := map[int]bool{}
	s.Subscribe(func(f Frame) { seen[f.Slot] = true })

	if err := s.Initialize(speechFormat); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	_ = s.Start()

	stream := in.LastStream()
	original := stream.Allocated()
	chunk := pcm(ramp(0, 1600)...)

	for i := 0; i < 300; i++ {
		if err := stream.Fill(chunk); err != nil {
			t.Fatalf("Fill %d failed: %v", i, err)
		}
		if got := len(stream.Queued()); got != DefaultBufferCount {
			t.Fatalf("After fill %d: %d queued buffers, want %d", i, got, DefaultBufferCount)
		}
	}

	if stream.AllocateCalls != DefaultBufferCount {
		t.Errorf("Pool grew: %d allocations", stream.AllocateCalls)
	}
	for i, buf := range stream.Queued() {
		found := false
		for _, o := range original {
			if o == buf {
				found = true
			}
		}
		if !found {
			t.Errorf("Queued buffer %d is not one of the original pool", i)
		}
	}
	if len(seen) != DefaultBufferCount {
		t.Errorf("Expected all %d slots to cycle, saw %v", DefaultBufferCount, seen)
	}
	if st := s.Stats(); st.FramesEmitted != 300 || st.SamplesEmitted != 300*1600 {
		t.Errorf("Unexpected stats: %+v", st)
	}
}

func TestFill_PreservesArrivalOrder(t *testing.T) {
	s, in, _ := newTestSession(t)
	var log frameLog
	s.Subscribe(log.handle)

	format := audio.Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16, BufferSize: 4}
	if err := s.Initialize(format); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	_ = s.Start()

	stream := in.LastStream()
	for i := 0; i < 50; i++ {
		_ = stream.Fill(pcm(int16(2*i), int16(2*i+1)))
	}

	var next int16
	for i, f := range log.all() {
		if f.Seq != uint64(i+1) {
			t.Errorf("Frame %d has seq %d", i, f.Seq)
		}
		for _, v := range f.Samples {
			if v != next {
				t.Fatalf("Frame %d: sample %d out of order, want %d", i, v, next)
			}
			next++
		}
	}
	if next != 100 {
		t.Errorf("Expected 100 samples in total, got %d", next)
	}
}

func TestPauseStart_ResumesWithoutReinitialize(t *testing.T) {
	s, in, routing := newTestSession(t)
	var log frameLog
	s.Subscribe(log.handle)

	if err := s.Initialize(speechFormat); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	stream := in.LastStream()
	_ = stream.Fill(pcm(ramp(0, 1600)...))

	if err := s.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if s.State() != StatePaused {
		t.Errorf("Expected PAUSED, got %s", s.State())
	}
	if stream.Running() {
		t.Error("Stream should be halted while paused")
	}
	if stream.Disposed() {
		t.Error("Pause must keep the stream")
	}
	if got := len(stream.Queued()); got != DefaultBufferCount {
		t.Errorf("Pause must keep buffers submitted, got %d queued", got)
	}
	if routing.Current() != audio.DefaultRoute {
		t.Errorf("Pause should restore prior route, got %+v", routing.Current())
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if routing.Current() != audio.RecordRoute {
		t.Errorf("Resume should re-apply record route, got %+v", routing.Current())
	}
	_ = stream.Fill(pcm(ramp(0, 1600)...))

	if got := len(log.all()); got != 2 {
		t.Errorf("Expected 2 frames across pause, got %d", got)
	}
	if len(in.Streams) != 1 {
		t.Errorf("Resume should not reopen the input, got %d streams", len(in.Streams))
	}
}

func TestPause_FlushDeliversPartialBuffer(t *testing.T) {
	s, in, _ := newTestSession(t)
	var log frameLog
	s.Subscribe(log.handle)

	if err := s.Initialize(speechFormat); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	_ = s.Start()

	stream := in.LastStream()
	stream.SetPartial(pcm(ramp(7, 50)...))
	if err := s.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	frames := log.all()
	if len(frames) != 1 {
		t.Fatalf("Expected flushed frame, got %d frames", len(frames))
	}
	if len(frames[0].Samples) != 50 || frames[0].Samples[0] != 7 {
		t.Errorf("Unexpected flushed frame: %d samples starting at %d", len(frames[0].Samples), frames[0].Samples[0])
	}
	if got := len(stream.Queued()); got != DefaultBufferCount {
		t.Errorf("Flushed buffer should be resubmitted, got %d queued", got)
	}
	if st := s.Stats(); st.Flushes != 1 {
		t.Errorf("Expected 1 flush, got %d", st.Flushes)
	}
}

func TestStop_ReleasesAndRestores(t *testing.T) {
	s, in, routing := newTestSession(t)
	if err := s.Initialize(speechFormat); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	_ = s.Start()

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	stream := in.LastStream()
	if s.State() != StateStopped {
		t.Errorf("Expected STOPPED, got %s", s.State())
	}
	if stream.StopCalls != 1 || !stream.Disposed() {
		t.Errorf("Expected stream stopped and disposed, got stop=%d disposed=%v", stream.StopCalls, stream.Disposed())
	}
	if routing.Current() != audio.DefaultRoute {
		t.Errorf("Expected prior route restored, got %+v", routing.Current())
	}
	if routing.Active() {
		t.Error("Audio session should be deactivated")
	}
	if st := s.Stats(); st.Outstanding != 0 {
		t.Errorf("Expected no outstanding buffers, got %d", st.Outstanding)
	}
}

func TestStop_CaptureCallsFailUntilReinitialized(t *testing.T) {
	s, in, _ := newTestSession(t)
	var log frameLog
	s.Subscribe(log.handle)

	if err := s.Initialize(speechFormat); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	_ = s.Start()
	_ = s.Stop()

	calls := map[string]func() error{
		"start": s.Start,
		"pause": s.Pause,
		"stop":  s.Stop,
	}
	for name, call := range calls {
		if err := call(); !errors.Is(err, ErrState) {
			t.Errorf("%s after stop: expected state error, got %v", name, err)
		}
	}

	if err := s.Initialize(speechFormat); err != nil {
		t.Fatalf("Re-initialize failed: %v", err)
	}
	if len(in.Streams) != 2 {
		t.Fatalf("Expected a fresh stream, got %d streams", len(in.Streams))
	}
	_ = s.Start()
	_ = in.LastStream().Fill(pcm(ramp(0, 1600)...))

	frames := log.all()
	if len(frames) != 1 || frames[0].Seq != 1 {
		t.Errorf("Expected sequence to restart at 1, got %+v", frames)
	}
}

func TestStart_StateErrors(t *testing.T) {
	s, _, _ := newTestSession(t)

	err := s.Start()
	if !errors.Is(err, ErrState) {
		t.Fatalf("Start before init: expected state error, got %v", err)
	}

	_ = s.Initialize(speechFormat)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(); !errors.Is(err, ErrState) {
		t.Errorf("Start while running: expected state error, got %v", err)
	}
	if err := s.Initialize(speechFormat); !errors.Is(err, ErrState) {
		t.Errorf("Initialize while running: expected state error, got %v", err)
	}
}

func TestStart_StreamFailureKeepsState(t *testing.T) {
	s, in, _ := newTestSession(t)
	_ = s.Initialize(speechFormat)
	in.LastStream().StartError = errors.New("device busy")

	err := s.Start()
	if !errors.Is(err, ErrStream) {
		t.Fatalf("Expected stream error, got %v", err)
	}
	if s.State() != StateInitialized {
		t.Errorf("Expected INITIALIZED after failed start, got %s", s.State())
	}
}

func TestStart_ActivationFailure(t *testing.T) {
	s, _, routing := newTestSession(t)
	_ = s.Initialize(speechFormat)
	routing.ActivateError = errors.New("interrupted")

	if err := s.Start(); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Expected configuration error, got %v", err)
	}
	if s.State() != StateInitialized {
		t.Errorf("Expected INITIALIZED, got %s", s.State())
	}
}

func TestSubscription_RemoveStopsOnlyThatSubscriber(t *testing.T) {
	s, in, _ := newTestSession(t)
	var a, b frameLog
	subA := s.Subscribe(a.handle)
	s.Subscribe(b.handle)

	_ = s.Initialize(speechFormat)
	_ = s.Start()
	stream := in.LastStream()
	chunk := pcm(ramp(0, 1600)...)

	_ = stream.Fill(chunk)
	subA.Remove()
	subA.Remove()
	_ = stream.Fill(chunk)
	_ = stream.Fill(chunk)

	if got := len(a.all()); got != 1 {
		t.Errorf("Removed subscriber got %d frames, want 1", got)
	}
	if got := len(b.all()); got != 3 {
		t.Errorf("Remaining subscriber got %d frames, want 3", got)
	}
	if st := s.Stats(); st.Subscribers != 1 {
		t.Errorf("Expected 1 subscriber, got %d", st.Subscribers)
	}
}

func TestSubscription_RemoveFromHandler(t *testing.T) {
	s, in, _ := newTestSession(t)
	var calls int
	var sub *Subscription
	sub = s.Subscribe(func(Frame) {
		calls++
		sub.Remove()
	})
	var other frameLog
	s.Subscribe(other.handle)

	_ = s.Initialize(speechFormat)
	_ = s.Start()
	stream := in.LastStream()
	_ = stream.Fill(pcm(1))
	_ = stream.Fill(pcm(2))

	if calls != 1 {
		t.Errorf("Self-removing handler called %d times, want 1", calls)
	}
	if got := len(other.all()); got != 2 {
		t.Errorf("Other subscriber got %d frames, want 2", got)
	}
}

func TestSubscription_UniqueIDs(t *testing.T) {
	s, _, _ := newTestSession(t)
	a := s.Subscribe(func(Frame) {})
	b := s.Subscribe(func(Frame) {})
	if a.ID == b.ID {
		t.Errorf("Expected distinct subscription ids, both %s", a.ID)
	}
}

func TestResubmit_RetriesThenReports(t *testing.T) {
	var (
		mu   sync.Mutex
		errs []error
	)
	s, in, _ := newTestSession(t, WithErrorHandler(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}))
	var log frameLog
	s.Subscribe(log.handle)

	_ = s.Initialize(speechFormat)
	_ = s.Start()
	stream := in.LastStream()
	stream.SetSubmitHook(func(int, *audio.Buffer) error { return errors.New("queue rejected") })

	if err := stream.Fill(pcm(ramp(0, 1600)...)); err != nil {
		t.Fatalf("Fill failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 1 || !errors.Is(errs[0], ErrStream) {
		t.Fatalf("Expected one stream error, got %v", errs)
	}
	if s.State() != StateRunning {
		t.Errorf("Session should keep running, got %s", s.State())
	}
	if got := len(log.all()); got != 1 {
		t.Errorf("Frame should be emitted before resubmit, got %d frames", got)
	}
	st := s.Stats()
	if st.ResubmitFailures != uint64(DefaultResubmitRetries+1) {
		t.Errorf("Expected %d failed attempts, got %d", DefaultResubmitRetries+1, st.ResubmitFailures)
	}
	if st.StreamErrors != 1 {
		t.Errorf("Expected 1 stream error, got %d", st.StreamErrors)
	}
	if st.Outstanding != DefaultBufferCount-1 {
		t.Errorf("Lost buffer should leave rotation, got %d outstanding", st.Outstanding)
	}

	// Remaining buffers keep flowing.
	stream.SetSubmitHook(nil)
	if err := stream.Fill(pcm(1)); err != nil {
		t.Errorf("Fill after failure: %v", err)
	}
}

func TestResubmit_RecoversWithinRetries(t *testing.T) {
	var reported int
	s, in, _ := newTestSession(t, WithErrorHandler(func(error) { reported++ }))
	_ = s.Initialize(speechFormat)
	_ = s.Start()

	stream := in.LastStream()
	failures := 1
	stream.SetSubmitHook(func(int, *audio.Buffer) error {
		if failures > 0 {
			failures--
			return errors.New("transient")
		}
		return nil
	})
	_ = stream.Fill(pcm(1, 2))

	if reported != 0 {
		t.Errorf("Recovered resubmit should not be reported, got %d", reported)
	}
	if got := len(stream.Queued()); got != DefaultBufferCount {
		t.Errorf("Expected %d queued buffers, got %d", DefaultBufferCount, got)
	}
	if st := s.Stats(); st.ResubmitFailures != 1 {
		t.Errorf("Expected 1 failed attempt, got %d", st.ResubmitFailures)
	}
}

func TestResubmit_NoRetries(t *testing.T) {
	s, in, _ := newTestSession(t, WithResubmitRetries(0))
	_ = s.Initialize(speechFormat)
	_ = s.Start()

	stream := in.LastStream()
	var attempts int
	stream.SetSubmitHook(func(int, *audio.Buffer) error {
		attempts++
		return errors.New("rejected")
	})
	_ = stream.Fill(pcm(1))

	if attempts != 1 {
		t.Errorf("Expected a single attempt, got %d", attempts)
	}
}

func TestHandlerPanic_IsReported(t *testing.T) {
	var reported []error
	s, in, _ := newTestSession(t, WithErrorHandler(func(err error) { reported = append(reported, err) }))
	s.Subscribe(func(Frame) { panic("boom") })
	var log frameLog
	s.Subscribe(log.handle)

	_ = s.Initialize(speechFormat)
	_ = s.Start()
	stream := in.LastStream()
	_ = stream.Fill(pcm(1))

	if len(reported) != 1 || !errors.Is(reported[0], ErrStream) {
		t.Fatalf("Expected one stream error, got %v", reported)
	}
	if got := len(log.all()); got != 1 {
		t.Errorf("Later subscriber should still receive the frame, got %d", got)
	}
	if got := len(stream.Queued()); got != DefaultBufferCount {
		t.Errorf("Buffer should be resubmitted after panic, got %d queued", got)
	}
}

func TestStop_ConcurrentWithFills(t *testing.T) {
	s, in, _ := newTestSession(t)
	var log frameLog
	s.Subscribe(log.handle)

	_ = s.Initialize(speechFormat)
	_ = s.Start()
	stream := in.LastStream()
	chunk := pcm(ramp(0, 1600)...)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			if err := stream.Fill(chunk); err != nil {
				return
			}
		}
	}()

	time.Sleep(5 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	wg.Wait()

	if s.State() != StateStopped {
		t.Errorf("Expected STOPPED, got %s", s.State())
	}
	frames := log.all()
	for i, f := range frames {
		if f.Seq != uint64(i+1) {
			t.Fatalf("Frame %d has seq %d", i, f.Seq)
		}
	}
}

func TestSession_RecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	s := New(&mock.Input{}, mock.NewRouting(audio.DefaultRoute),
		WithMetrics(m),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Subscribe(func(Frame) {})
	_ = s.Initialize(speechFormat)
	_ = s.Start()

	in := s.input.(*mock.Input)
	for i := 0; i < 3; i++ {
		_ = in.LastStream().Fill(pcm(ramp(0, 1600)...))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if sum, ok := met.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[met.Name] += dp.Value
				}
			}
		}
	}
	if sums["micstream.capture.buffers_filled"] != 3 {
		t.Errorf("buffers_filled = %d, want 3", sums["micstream.capture.buffers_filled"])
	}
	if sums["micstream.capture.samples_emitted"] != 4800 {
		t.Errorf("samples_emitted = %d, want 4800", sums["micstream.capture.samples_emitted"])
	}
	if sums["micstream.capture.active_sessions"] != 1 {
		t.Errorf("active_sessions = %d, want 1", sums["micstream.capture.active_sessions"])
	}
	if sums["micstream.capture.subscribers"] != 1 {
		t.Errorf("subscribers = %d, want 1", sums["micstream.capture.subscribers"])
	}
}

func TestSession_WithoutSubscriberGauge(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	s := New(&mock.Input{}, mock.NewRouting(audio.DefaultRoute),
		WithMetrics(m),
		WithoutSubscriberGauge(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Subscribe(func(Frame) {})
	s.Subscribe(func(Frame) {})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "micstream.capture.subscribers" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				if dp.Value != 0 {
					t.Errorf("subscribers = %d, want 0", dp.Value)
				}
			}
		}
	}
	if got := s.Stats().Subscribers; got != 2 {
		t.Errorf("Stats().Subscribers = %d, want 2", got)
	}
}

func TestDecodeSamples(t *testing.T) {
	raw := make([]byte, 7)
	binary.LittleEndian.PutUint16(raw[0:], uint16(0x8000))
	binary.LittleEndian.PutUint16(raw[2:], 0x7fff)
	binary.LittleEndian.PutUint16(raw[4:], 0xffff)
	raw[6] = 0xAB

	got := DecodeSamples(raw)
	want := []int16{math.MinInt16, math.MaxInt16, -1}
	if len(got) != len(want) {
		t.Fatalf("Expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Sample %d: got %d, want %d", i, got[i], want[i])
		}
	}

	raw[0], raw[1] = 0, 0
	if got[0] != math.MinInt16 {
		t.Error("Decoded samples must not alias the source buffer")
	}
}

func TestPool_OwnershipTransitions(t *testing.T) {
	p := newPool(2)
	a := &audio.Buffer{Data: make([]byte, 4)}
	b := &audio.Buffer{Data: make([]byte, 4)}
	p.add(a)
	p.add(b)

	if p.owner(0) != OwnerSession {
		t.Fatalf("New slots belong to the session, got %s", p.owner(0))
	}
	if err := p.acquire(a); err == nil {
		t.Error("Acquiring a session-owned slot should fail")
	}
	if err := p.release(0); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := p.release(0); err == nil {
		t.Error("Double release should fail")
	}
	if p.outstanding() != 1 {
		t.Errorf("Expected 1 outstanding, got %d", p.outstanding())
	}
	if err := p.acquire(a); err != nil {
		t.Errorf("acquire: %v", err)
	}
	if err := p.acquire(&audio.Buffer{Index: 1}); err == nil {
		t.Error("Acquiring a foreign buffer should fail")
	}
	if err := p.release(5); err == nil {
		t.Error("Out of range release should fail")
	}
}

func TestState_String(t *testing.T) {
	want := map[State]string{
		StateUninitialized: "UNINITIALIZED",
		StateInitialized:   "INITIALIZED",
		StateRunning:       "RUNNING",
		StatePaused:        "PAUSED",
		StateStopped:       "STOPPED",
		State(42):          "UNKNOWN",
	}
	for st, s := range want {
		if st.String() != s {
			t.Errorf("State(%d).String() = %q, want %q", st, st.String(), s)
		}
	}
}
