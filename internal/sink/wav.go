package sink

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/audiolibrelab/micstream/internal/audio"
	"github.com/audiolibrelab/micstream/internal/capture"
	"github.com/audiolibrelab/micstream/internal/observe"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVWriter records capture frames to a 16-bit PCM WAV file. Frames are
// encoded on a dedicated goroutine.
type WAVWriter struct {
	path   string
	logger *slog.Logger

	file  *os.File
	enc   *wav.Encoder
	queue *Queue
	done  chan struct{}

	samples  atomic.Int64
	writeErr error

	closeOnce sync.Once
	closeErr  error
}

// NewWAVWriter creates path (and its directory) and starts the encoder.
func NewWAVWriter(path string, format audio.Format, m *observe.Metrics) (*WAVWriter, error) {
	format = format.WithDefaults()
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid wav format: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create wav file: %w", err)
	}

	w := &WAVWriter{
		path:   path,
		logger: slog.Default().With("component", "wav", "file", path),
		file:   f,
		enc:    wav.NewEncoder(f, format.SampleRate, format.BitsPerSample, format.Channels, 1),
		queue:  NewQueue("wav", DefaultQueueDepth, m),
		done:   make(chan struct{}),
	}
	go w.drain(&goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate})

	w.logger.Debug("WAV writer opened", "format", format.String())
	return w, nil
}

// Handle is a capture.Handler.
func (w *WAVWriter) Handle(f capture.Frame) {
	w.queue.Handle(f)
}

func (w *WAVWriter) drain(format *goaudio.Format) {
	defer close(w.done)

	for frame := range w.queue.Frames() {
		if w.writeErr != nil {
			continue
		}
		buf := &goaudio.IntBuffer{
			Format:         format,
			Data:           make([]int, len(frame.Samples)),
			SourceBitDepth: 16,
		}
		for i, v := range frame.Samples {
			buf.Data[i] = int(v)
		}
		if err := w.enc.Write(buf); err != nil {
			w.writeErr = fmt.Errorf("failed to write frame %d: %w", frame.Seq, err)
			w.logger.Error("Error while writing frame to file", "error", err)
			continue
		}
		w.samples.Add(int64(len(frame.Samples)))
	}
}

// Close flushes queued frames, finalizes the WAV header and closes the file.
func (w *WAVWriter) Close() error {
	w.closeOnce.Do(func() {
		w.queue.Close()
		<-w.done

		var errs []error
		if w.writeErr != nil {
			errs = append(errs, w.writeErr)
		}
		if err := w.enc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to finalize wav: %w", err))
		}
		if err := w.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close wav file: %w", err))
		}
		w.closeErr = errors.Join(errs...)

		w.logger.Info("WAV file written",
			"samples", w.samples.Load(),
			"dropped_frames", w.queue.Dropped())
	})
	return w.closeErr
}

// Path returns the file being written.
func (w *WAVWriter) Path() string {
	return w.path
}

// Samples returns the number of samples encoded so far.
func (w *WAVWriter) Samples() int64 {
	return w.samples.Load()
}

// Dropped returns the number of frames lost because encoding fell behind.
func (w *WAVWriter) Dropped() uint64 {
	return w.queue.Dropped()
}
