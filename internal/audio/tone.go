package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// ToneInput is a synthetic capture device producing a sine wave. It paces
// itself like real hardware, one buffer's worth of audio per buffer duration,
// unless Interval overrides the pacing.
type ToneInput struct {
	Frequency float64
	Amplitude float64
	Interval  time.Duration
}

// NewToneInput creates a tone source. Zero values select 440Hz at half scale.
func NewToneInput(frequency, amplitude float64) *ToneInput {
	if frequency <= 0 {
		frequency = 440
	}
	if amplitude <= 0 || amplitude > 1 {
		amplitude = 0.5
	}
	return &ToneInput{Frequency: frequency, Amplitude: amplitude}
}

func (t *ToneInput) Open(format Format, onFill FillFunc) (Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	interval := t.Interval
	if interval <= 0 {
		interval = format.BufferDuration()
	}

	slog.Debug("Tone input opened", "format", format.String(), "frequency", t.Frequency, "interval", interval)

	return &toneStream{
		format:   format,
		queue:    newFillQueue(onFill),
		freq:     t.Frequency,
		amp:      t.Amplitude,
		interval: interval,
	}, nil
}

type toneStream struct {
	format   Format
	queue    *fillQueue
	freq     float64
	amp      float64
	interval time.Duration

	// phase is only touched by the generator goroutine.
	phase float64

	mu       sync.Mutex
	quit     chan struct{}
	done     chan struct{}
	disposed bool
	buffers  []*Buffer
}

func (s *toneStream) AllocateBuffer(size int) (*Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil, ErrStreamClosed
	}
	if size <= 0 {
		return nil, fmt.Errorf("buffer size must be > 0, got: %d", size)
	}
	buf := &Buffer{Index: len(s.buffers), Data: make([]byte, size)}
	s.buffers = append(s.buffers, buf)
	return buf, nil
}

func (s *toneStream) Submit(buf *Buffer) error {
	s.mu.Lock()
	disposed := s.disposed
	s.mu.Unlock()

	if disposed {
		return ErrStreamClosed
	}
	return s.queue.submit(buf)
}

func (s *toneStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrStreamClosed
	}
	if s.quit != nil {
		return nil
	}

	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	go s.generate(s.quit, s.done)
	return nil
}

func (s *toneStream) Pause() error {
	s.halt()
	return nil
}

func (s *toneStream) Flush() error {
	s.queue.flush()
	return nil
}

func (s *toneStream) Stop() error {
	s.halt()
	return nil
}

func (s *toneStream) Dispose() error {
	s.halt()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	s.buffers = nil
	s.queue.reset()

	if dropped := s.queue.Overrun(); dropped > 0 {
		slog.Debug("Tone input dropped bytes with no buffer submitted", "bytes", dropped)
	}
	return nil
}

// halt stops the generator and waits until its last fill callback returned.
func (s *toneStream) halt() {
	s.mu.Lock()
	if s.quit == nil {
		s.mu.Unlock()
		return
	}
	close(s.quit)
	done := s.done
	s.quit = nil
	s.done = nil
	s.mu.Unlock()

	<-done
}

func (s *toneStream) generate(quit, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	chunk := make([]byte, s.format.BufferSize)
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			s.render(chunk)
			s.queue.write(chunk)
		}
	}
}

// render fills p with interleaved little-endian int16 sine samples.
func (s *toneStream) render(p []byte) {
	step := 2 * math.Pi * s.freq / float64(s.format.SampleRate)
	frameBytes := s.format.BytesPerFrame()

	for off := 0; off+frameBytes <= len(p); off += frameBytes {
		v := int16(s.amp * math.Sin(s.phase) * math.MaxInt16)
		for ch := 0; ch < s.format.Channels; ch++ {
			binary.LittleEndian.PutUint16(p[off+ch*2:], uint16(v))
		}
		s.phase += step
		if s.phase >= 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
}
