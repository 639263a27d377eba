// Package sink holds consumers of capture frames that do slow work (disk,
// network) off the capture thread.
package sink

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/audiolibrelab/micstream/internal/capture"
	"github.com/audiolibrelab/micstream/internal/observe"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultQueueDepth is roughly two seconds of 100ms buffers.
const DefaultQueueDepth = 20

// Queue is a bounded hand-off between a capture subscription and a consumer
// goroutine. Handle never blocks: frames that do not fit are dropped and
// counted.
type Queue struct {
	name    string
	metrics *observe.Metrics

	mu     sync.RWMutex
	ch     chan capture.Frame
	closed bool

	dropped atomic.Uint64
}

// NewQueue creates a queue holding up to depth frames. name labels the
// dropped frame metric.
func NewQueue(name string, depth int, m *observe.Metrics) *Queue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Queue{
		name:    name,
		metrics: m,
		ch:      make(chan capture.Frame, depth),
	}
}

// Handle is a capture.Handler.
func (q *Queue) Handle(f capture.Frame) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- f:
	default:
		q.dropped.Add(1)
		q.metrics.DroppedFrames.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("consumer", q.name)))
	}
}

// Frames is closed by Close once every queued frame has been received.
func (q *Queue) Frames() <-chan capture.Frame {
	return q.ch
}

// Close stops accepting frames. It is safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Dropped returns the number of frames discarded because the queue was full.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
