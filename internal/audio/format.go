package audio

import (
	"fmt"
	"time"
)

// Defaults applied to zero-valued Format fields.
const (
	DefaultSampleRate    = 44100
	DefaultChannels      = 1
	DefaultBitsPerSample = 16
	DefaultBufferSize    = 8192
	DefaultSource        = "default"

	MinSampleRate = 8000
	MaxSampleRate = 192000
	MaxChannels   = 2
)

// Format describes the linear PCM layout requested from the input device.
type Format struct {
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	BitsPerSample int    `json:"bits_per_sample"`
	BufferSize    int    `json:"buffer_size"`
	Source        string `json:"audio_source"`
}

// DefaultFormat returns 44.1kHz mono 16-bit with 8KiB buffers.
func DefaultFormat() Format {
	return Format{
		SampleRate:    DefaultSampleRate,
		Channels:      DefaultChannels,
		BitsPerSample: DefaultBitsPerSample,
		BufferSize:    DefaultBufferSize,
		Source:        DefaultSource,
	}
}

// WithDefaults fills every zero field with its default.
func (f Format) WithDefaults() Format {
	if f.SampleRate == 0 {
		f.SampleRate = DefaultSampleRate
	}
	if f.Channels == 0 {
		f.Channels = DefaultChannels
	}
	if f.BitsPerSample == 0 {
		f.BitsPerSample = DefaultBitsPerSample
	}
	if f.BufferSize == 0 {
		f.BufferSize = DefaultBufferSize
	}
	if f.Source == "" {
		f.Source = DefaultSource
	}
	return f
}

// BytesPerFrame is (BitsPerSample/8) * Channels.
func (f Format) BytesPerFrame() int {
	return (f.BitsPerSample / 8) * f.Channels
}

// FramesPerPacket is always 1 for uncompressed PCM.
func (f Format) FramesPerPacket() int {
	return 1
}

// BytesPerPacket equals BytesPerFrame since packets hold a single frame.
func (f Format) BytesPerPacket() int {
	return f.BytesPerFrame() * f.FramesPerPacket()
}

// FramesPerBuffer is the number of frames one full buffer holds.
func (f Format) FramesPerBuffer() int {
	bpf := f.BytesPerFrame()
	if bpf == 0 {
		return 0
	}
	return f.BufferSize / bpf
}

// SamplesPerBuffer is the number of int16 samples one full buffer decodes to.
func (f Format) SamplesPerBuffer() int {
	return f.BufferSize / 2
}

// BufferDuration is the wall-clock span of audio held by one full buffer.
func (f Format) BufferDuration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.FramesPerBuffer()) * time.Second / time.Duration(f.SampleRate)
}

// Validate checks that the format can be captured as 16-bit linear PCM.
func (f Format) Validate() error {
	if f.BitsPerSample != 16 {
		return fmt.Errorf("bits per sample must be 16, got: %d", f.BitsPerSample)
	}
	if f.SampleRate < MinSampleRate || f.SampleRate > MaxSampleRate {
		return fmt.Errorf("sample rate must be between %d and %d Hz, got: %d", MinSampleRate, MaxSampleRate, f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > MaxChannels {
		return fmt.Errorf("channels must be 1 (mono) or 2 (stereo), got: %d", f.Channels)
	}
	if f.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be > 0, got: %d", f.BufferSize)
	}
	if f.BufferSize%f.BytesPerFrame() != 0 {
		return fmt.Errorf("buffer size %d is not a multiple of %d bytes per frame", f.BufferSize, f.BytesPerFrame())
	}
	return nil
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit buffer=%dB", f.SampleRate, f.Channels, f.BitsPerSample, f.BufferSize)
}
