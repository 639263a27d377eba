package audio

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// fillQueue turns a continuous byte stream from a device callback into
// discrete buffer fills. Submitted buffers are filled in FIFO order; a buffer
// is handed to onFill as soon as it is full. Bytes arriving while no buffer
// is submitted are dropped and counted as overrun.
type fillQueue struct {
	onFill FillFunc

	mu      sync.Mutex
	pending []*Buffer

	overrun atomic.Int64
}

func newFillQueue(onFill FillFunc) *fillQueue {
	return &fillQueue{onFill: onFill}
}

func (q *fillQueue) submit(buf *Buffer) error {
	if buf == nil || len(buf.Data) == 0 {
		return fmt.Errorf("cannot submit empty buffer")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range q.pending {
		if p == buf {
			return fmt.Errorf("buffer %d already submitted", buf.Index)
		}
	}
	buf.Len = 0
	q.pending = append(q.pending, buf)
	return nil
}

// write copies p into pending buffers and delivers each one that fills up.
// onFill runs without the queue lock held so the callback may resubmit.
func (q *fillQueue) write(p []byte) {
	for len(p) > 0 {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			q.overrun.Add(int64(len(p)))
			return
		}

		head := q.pending[0]
		n := copy(head.Data[head.Len:], p)
		head.Len += n
		p = p[n:]

		full := head.Len == len(head.Data)
		if full {
			q.pending = q.pending[1:]
		}
		q.mu.Unlock()

		if full {
			q.onFill(head)
		}
	}
}

// flush delivers the head buffer if it holds any bytes.
func (q *fillQueue) flush() {
	q.mu.Lock()
	var head *Buffer
	if len(q.pending) > 0 && q.pending[0].Len > 0 {
		head = q.pending[0]
		q.pending = q.pending[1:]
	}
	q.mu.Unlock()

	if head != nil {
		q.onFill(head)
	}
}

func (q *fillQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
}

func (q *fillQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Overrun returns the number of bytes dropped because no buffer was submitted.
func (q *fillQueue) Overrun() int64 {
	return q.overrun.Load()
}
