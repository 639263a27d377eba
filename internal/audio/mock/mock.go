// Package mock provides scriptable in-memory implementations of the
// [audio.Input], [audio.Stream] and [audio.Routing] interfaces for unit
// tests.
//
// Tests drive the platform side explicitly: [Stream.Fill] plays the role of
// the device thread and hands the oldest submitted buffer to the fill
// callback. Every mock records its calls so tests can assert on them.
//
//	in := &mock.Input{}
//	session := capture.New(in, mock.NewRouting(audio.DefaultRoute))
//	_ = session.Initialize(audio.DefaultFormat())
//	in.LastStream().Fill(pcm)
package mock

import (
	"errors"
	"sync"

	"github.com/audiolibrelab/micstream/internal/audio"
)

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is a mock implementation of [audio.Input].
type Input struct {
	mu sync.Mutex

	// OpenError is returned by Open when set.
	OpenError error

	// AllocateError is returned by the AllocateErrorAt-th (1-based)
	// AllocateBuffer call of every stream opened afterwards.
	AllocateError   error
	AllocateErrorAt int

	// SubmitHook, when set, is installed on every stream opened afterwards.
	SubmitHook func(call int, buf *audio.Buffer) error

	// Streams holds every stream returned by Open, oldest first.
	Streams []*Stream

	// Formats records the format passed to each Open call.
	Formats []audio.Format
}

// Open implements [audio.Input].
func (in *Input) Open(format audio.Format, onFill audio.FillFunc) (audio.Stream, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.Formats = append(in.Formats, format)
	if in.OpenError != nil {
		return nil, in.OpenError
	}

	s := &Stream{
		format:        format,
		onFill:        onFill,
		allocateErr:   in.AllocateError,
		allocateErrAt: in.AllocateErrorAt,
		submitHook:    in.SubmitHook,
	}
	in.Streams = append(in.Streams, s)
	return s, nil
}

// LastStream returns the most recently opened stream, or nil.
func (in *Input) LastStream() *Stream {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.Streams) == 0 {
		return nil
	}
	return in.Streams[len(in.Streams)-1]
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// ErrNothingSubmitted is returned by Fill when no buffer is queued.
var ErrNothingSubmitted = errors.New("no buffer submitted")

// Stream is a mock implementation of [audio.Stream].
type Stream struct {
	mu sync.Mutex

	format        audio.Format
	onFill        audio.FillFunc
	allocateErr   error
	allocateErrAt int
	submitHook    func(call int, buf *audio.Buffer) error

	queue     []*audio.Buffer
	allocated []*audio.Buffer
	running   bool
	disposed  bool
	partial   []byte

	// StartError, PauseError and StopError are returned by the matching
	// method when set.
	StartError error
	PauseError error
	StopError  error

	AllocateCalls int
	SubmitCalls   int
	StartCalls    int
	PauseCalls    int
	FlushCalls    int
	StopCalls     int
	DisposeCalls  int
}

// AllocateBuffer implements [audio.Stream].
func (s *Stream) AllocateBuffer(size int) (*audio.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.AllocateCalls++
	if s.disposed {
		return nil, audio.ErrStreamClosed
	}
	if s.allocateErr != nil && s.AllocateCalls == s.allocateErrAt {
		return nil, s.allocateErr
	}
	buf := &audio.Buffer{Index: len(s.allocated), Data: make([]byte, size)}
	s.allocated = append(s.allocated, buf)
	return buf, nil
}

// Submit implements [audio.Stream].
func (s *Stream) Submit(buf *audio.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.SubmitCalls++
	if s.disposed {
		return audio.ErrStreamClosed
	}
	if s.submitHook != nil {
		if err := s.submitHook(s.SubmitCalls, buf); err != nil {
			return err
		}
	}
	s.queue = append(s.queue, buf)
	return nil
}

// SetSubmitHook replaces the submit hook of an already opened stream.
func (s *Stream) SetSubmitHook(hook func(call int, buf *audio.Buffer) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitHook = hook
}

// Start implements [audio.Stream].
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.StartCalls++
	if s.StartError != nil {
		return s.StartError
	}
	if s.disposed {
		return audio.ErrStreamClosed
	}
	s.running = true
	return nil
}

// Pause implements [audio.Stream].
func (s *Stream) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.PauseCalls++
	if s.PauseError != nil {
		return s.PauseError
	}
	s.running = false
	return nil
}

// Flush implements [audio.Stream]. If SetPartial queued bytes, the oldest
// submitted buffer is delivered holding them.
func (s *Stream) Flush() error {
	s.mu.Lock()
	s.FlushCalls++
	partial := s.partial
	s.partial = nil
	s.mu.Unlock()

	if len(partial) == 0 {
		return nil
	}
	return s.deliver(partial)
}

// SetPartial stages bytes that the next Flush delivers as a short fill.
func (s *Stream) SetPartial(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partial = append([]byte(nil), p...)
}

// Stop implements [audio.Stream].
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.StopCalls++
	if s.StopError != nil {
		return s.StopError
	}
	s.running = false
	return nil
}

// Dispose implements [audio.Stream].
func (s *Stream) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.DisposeCalls++
	s.disposed = true
	s.running = false
	s.queue = nil
	return nil
}

// Fill copies p into the oldest submitted buffer and invokes the fill
// callback on the calling goroutine, as a device thread would.
func (s *Stream) Fill(p []byte) error {
	return s.deliver(p)
}

func (s *Stream) deliver(p []byte) error {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return ErrNothingSubmitted
	}
	buf := s.queue[0]
	s.queue = s.queue[1:]
	buf.Len = copy(buf.Data, p)
	onFill := s.onFill
	s.mu.Unlock()

	onFill(buf)
	return nil
}

// Queued returns the buffers currently submitted and not yet filled.
func (s *Stream) Queued() []*audio.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*audio.Buffer, len(s.queue))
	copy(out, s.queue)
	return out
}

// Allocated returns every buffer handed out by AllocateBuffer.
func (s *Stream) Allocated() []*audio.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*audio.Buffer, len(s.allocated))
	copy(out, s.allocated)
	return out
}

// Running reports whether Start was called without a later Pause or Stop.
func (s *Stream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Disposed reports whether Dispose was called.
func (s *Stream) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// Format returns the format the stream was opened with.
func (s *Stream) Format() audio.Format {
	return s.format
}

// ─── Routing ──────────────────────────────────────────────────────────────────

// Routing is a mock implementation of [audio.Routing].
type Routing struct {
	mu sync.Mutex

	current audio.Route
	active  bool

	SnapshotError error
	ApplyError    error
	ActivateError error

	// Applied records every route passed to Apply, oldest first.
	Applied []audio.Route

	// Activations records every value passed to Activate.
	Activations []bool
}

// NewRouting returns a Routing starting at initial.
func NewRouting(initial audio.Route) *Routing {
	return &Routing{current: initial}
}

// Snapshot implements [audio.Routing].
func (r *Routing) Snapshot() (audio.Route, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SnapshotError != nil {
		return audio.Route{}, r.SnapshotError
	}
	return r.current, nil
}

// Apply implements [audio.Routing].
func (r *Routing) Apply(route audio.Route) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ApplyError != nil {
		return r.ApplyError
	}
	r.current = route
	r.Applied = append(r.Applied, route)
	return nil
}

// Activate implements [audio.Routing].
func (r *Routing) Activate(active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ActivateError != nil {
		return r.ActivateError
	}
	r.active = active
	r.Activations = append(r.Activations, active)
	return nil
}

// Current returns the route in effect.
func (r *Routing) Current() audio.Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Active reports the last value passed to Activate.
func (r *Routing) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}
