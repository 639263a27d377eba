package capture

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Frame is one filled buffer decoded to samples.
type Frame struct {
	// Seq starts at 1 for each initialization and increases by one per
	// filled buffer, in arrival order.
	Seq        uint64
	Slot       int
	Samples    []int16
	SampleRate int
	Channels   int
	Timestamp  time.Time
}

// Handler receives frames on the capture thread. It must return quickly;
// the buffer is not resubmitted until every handler returned.
type Handler func(Frame)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID uuid.UUID

	fanout *Fanout
	once   sync.Once
}

// Remove detaches the handler. It is idempotent and safe to call from any
// goroutine, including from inside the handler itself.
func (s *Subscription) Remove() {
	s.once.Do(func() {
		s.fanout.remove(s.ID)
	})
}

type entry struct {
	id      uuid.UUID
	handler Handler
}

// Fanout delivers frames to handlers in registration order. Emission works
// on a snapshot, so handlers may subscribe or unsubscribe while being
// called. The zero value is ready to use.
type Fanout struct {
	mu      sync.RWMutex
	entries []entry

	// OnChange, if set, is called with +1 or -1 as handlers come and go.
	OnChange func(delta int)
}

// Subscribe registers h.
func (f *Fanout) Subscribe(h Handler) *Subscription {
	sub := &Subscription{ID: uuid.New(), fanout: f}

	f.mu.Lock()
	f.entries = append(f.entries, entry{id: sub.ID, handler: h})
	f.mu.Unlock()

	if f.OnChange != nil {
		f.OnChange(1)
	}
	return sub
}

// Emit calls every handler with frame. A panicking handler is recovered and
// reported to onPanic; the remaining handlers still run.
func (f *Fanout) Emit(frame Frame, onPanic func(id uuid.UUID, p any)) {
	for _, e := range f.snapshot() {
		f.deliver(e, frame, onPanic)
	}
}

func (f *Fanout) deliver(e entry, frame Frame, onPanic func(uuid.UUID, any)) {
	defer func() {
		if p := recover(); p != nil && onPanic != nil {
			onPanic(e.id, p)
		}
	}()
	e.handler(frame)
}

// Len returns the number of registered handlers.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

func (f *Fanout) remove(id uuid.UUID) {
	f.mu.Lock()
	removed := false
	for i, e := range f.entries {
		if e.id == id {
			f.entries = append(f.entries[:i:i], f.entries[i+1:]...)
			removed = true
			break
		}
	}
	f.mu.Unlock()

	if removed && f.OnChange != nil {
		f.OnChange(-1)
	}
}

func (f *Fanout) snapshot() []entry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.entries
}
