package audio

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
)

// MalgoInput captures from a real microphone through miniaudio.
type MalgoInput struct {
	logger *slog.Logger
}

// NewMalgoInput creates a miniaudio-backed input.
func NewMalgoInput() *MalgoInput {
	return &MalgoInput{logger: slog.Default().With("component", "malgo")}
}

func (m *MalgoInput) Open(format Format, onFill FillFunc) (Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		m.logger.Debug("miniaudio", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to init capture context: %v", ErrAccessDenied, err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(format.Channels)
	deviceConfig.SampleRate = uint32(format.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(format.FramesPerBuffer())

	if !IsDefaultSource(format.Source) {
		infos, err := ctx.Devices(malgo.Capture)
		if err != nil {
			freeContext(ctx)
			return nil, fmt.Errorf("failed to list capture devices: %w", err)
		}
		idx, err := ResolveDevice(format.Source, devicesFromInfos(infos))
		if err != nil {
			freeContext(ctx)
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		deviceConfig.Capture.DeviceID = infos[idx].ID.Pointer()
	}

	s := &malgoStream{
		ctx:    ctx,
		format: format,
		queue:  newFillQueue(onFill),
		logger: m.logger,
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: s.onData,
	})
	if err != nil {
		freeContext(ctx)
		return nil, fmt.Errorf("%w: failed to init capture device: %v", ErrAccessDenied, err)
	}
	s.device = device

	m.logger.Info("Capture device opened", "format", format.String(), "source", format.Source)
	return s, nil
}

func freeContext(ctx *malgo.AllocatedContext) {
	_ = ctx.Uninit()
	ctx.Free()
}

// malgoStream adapts miniaudio's continuous data callback to discrete
// buffer fills. The data callback runs on miniaudio's device thread.
type malgoStream struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	format Format
	queue  *fillQueue
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	disposed bool
	buffers  []*Buffer
}

func (s *malgoStream) onData(_, input []byte, _ uint32) {
	if len(input) == 0 {
		return
	}
	s.queue.write(input)
}

func (s *malgoStream) AllocateBuffer(size int) (*Buffer, error) {
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

func (s *malgoStream) Submit(buf *Buffer) error {
	s.mu.Lock()
	disposed := s.disposed
	s.mu.Unlock()

	if disposed {
		return ErrStreamClosed
	}
	return s.queue.submit(buf)
}

func (s *malgoStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrStreamClosed
	}
	if s.running {
		return nil
	}
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	s.running = true
	return nil
}

// Pause stops the device without uninitialising it; miniaudio has no
// separate pause state.
func (s *malgoStream) Pause() error {
	return s.halt()
}

func (s *malgoStream) Flush() error {
	s.queue.flush()
	return nil
}

// Stop returns after miniaudio has joined its device thread, so no data
// callback is in flight afterwards.
func (s *malgoStream) Stop() error {
	return s.halt()
}

func (s *malgoStream) halt() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	if err := s.device.Stop(); err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}
	s.running = false
	return nil
}

func (s *malgoStream) Dispose() error {
	if err := s.halt(); err != nil {
		s.logger.Error("Failed to halt capture device before dispose", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil
	}
	s.disposed = true
	s.device.Uninit()
	freeContext(s.ctx)
	s.queue.reset()
	s.buffers = nil

	if dropped := s.queue.Overrun(); dropped > 0 {
		s.logger.Warn("Capture overrun: bytes dropped with no buffer submitted", "bytes", dropped)
	}
	s.logger.Debug("Capture device released")
	return nil
}
