package sink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/audiolibrelab/micstream/internal/audio"
	"github.com/audiolibrelab/micstream/internal/capture"
	"github.com/audiolibrelab/micstream/internal/observe"
	"github.com/go-audio/wav"
	"go.opentelemetry.io/otel/metric/noop"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func TestQueue_DropsWhenFull(t *testing.T) {
	q := NewQueue("test", 2, testMetrics(t))

	for i := 1; i <= 5; i++ {
		q.Handle(capture.Frame{Seq: uint64(i)})
	}
	if q.Dropped() != 3 {
		t.Errorf("Expected 3 dropped frames, got %d", q.Dropped())
	}

	q.Close()
	q.Close()
	q.Handle(capture.Frame{Seq: 99})

	var seqs []uint64
	for f := range q.Frames() {
		seqs = append(seqs, f.Seq)
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Errorf("Expected the first two frames in order, got %v", seqs)
	}
}

func TestWAVWriter_WritesReadableFile(t *testing.T) {
	format := audio.Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16, BufferSize: 3200}
	path := filepath.Join(t.TempDir(), "takes", "speech.wav")

	w, err := NewWAVWriter(path, format, testMetrics(t))
	if err != nil {
		t.Fatalf("NewWAVWriter failed: %v", err)
	}

	want := []int16{0, 1, -1, 32767, -32768, 1000, -1000, 42}
	w.Handle(capture.Frame{Seq: 1, Samples: want[:4]})
	w.Handle(capture.Frame{Seq: 2, Samples: want[4:]})

	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
	if w.Samples() != int64(len(want)) {
		t.Errorf("Expected %d samples written, got %d", len(want), w.Samples())
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open output: %v", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		t.Fatal("Output is not a valid WAV file")
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Errorf("Unexpected header: %d Hz, %d ch, %d bit", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("FullPCMBuffer failed: %v", err)
	}
	if len(buf.Data) != len(want) {
		t.Fatalf("Expected %d samples, got %d", len(want), len(buf.Data))
	}
	for i, v := range want {
		if buf.Data[i] != int(v) {
			t.Errorf("Sample %d: got %d, want %d", i, buf.Data[i], v)
		}
	}
}

func TestWAVWriter_RejectsInvalidFormat(t *testing.T) {
	format := audio.Format{SampleRate: 16000, Channels: 1, BitsPerSample: 8, BufferSize: 3200}
	_, err := NewWAVWriter(filepath.Join(t.TempDir(), "bad.wav"), format, testMetrics(t))
	if err == nil {
		t.Fatal("Expected error for 8-bit format")
	}
}
