package audio

import "errors"

var (
	// ErrAccessDenied is returned by Input.Open when the platform refuses
	// microphone access.
	ErrAccessDenied = errors.New("microphone access denied")

	// ErrUnsupportedFormat is returned by Input.Open when the device cannot
	// deliver the requested format.
	ErrUnsupportedFormat = errors.New("unsupported capture format")

	// ErrStreamClosed is returned by Stream methods after Dispose.
	ErrStreamClosed = errors.New("stream closed")
)

// Buffer is one fixed-size capture region handed back and forth between an
// input stream and its consumer. Len is the number of bytes the stream wrote
// into Data during the last fill.
type Buffer struct {
	Index int
	Data  []byte
	Len   int
}

// Bytes returns the filled portion of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.Data[:b.Len]
}

// FillFunc is invoked by the platform, on its own thread, once a submitted
// buffer holds captured audio. The buffer is not touched by the stream again
// until it is submitted anew.
type FillFunc func(buf *Buffer)

// Input negotiates access to a capture device.
type Input interface {
	// Open requests exclusive access to the input for the given format. onFill
	// receives every filled buffer for the lifetime of the returned stream.
	Open(format Format, onFill FillFunc) (Stream, error)
}

// Stream is a callback-driven fill-and-resubmit capture queue.
type Stream interface {
	// AllocateBuffer creates a buffer of size bytes owned by the caller.
	AllocateBuffer(size int) (*Buffer, error)

	// Submit hands buf to the stream to be filled.
	Submit(buf *Buffer) error

	Start() error

	// Pause halts capture while keeping the stream and its buffers.
	Pause() error

	// Flush delivers a partially filled buffer, if any, through the fill
	// callback.
	Flush() error

	// Stop halts capture and returns once no fill callback is running.
	Stop() error

	// Dispose releases the stream and every buffer it allocated.
	Dispose() error
}

// Route is a process-wide audio category/mode pair.
type Route struct {
	Category string `json:"category" yaml:"category"`
	Mode     string `json:"mode" yaml:"mode"`
}

var (
	// DefaultRoute is the route a process starts with on platforms without
	// an explicit audio session.
	DefaultRoute = Route{Category: "ambient", Mode: "default"}

	// RecordRoute is applied while a capture session holds the input.
	RecordRoute = Route{Category: "play_and_record", Mode: "measurement"}
)

// Routing reads and mutates the global audio routing state.
type Routing interface {
	Snapshot() (Route, error)
	Apply(route Route) error
	Activate(active bool) error
}
