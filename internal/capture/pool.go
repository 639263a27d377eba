package capture

import (
	"fmt"
	"sync/atomic"

	"github.com/audiolibrelab/micstream/internal/audio"
)

// Owner tags which side currently holds a pool slot.
type Owner int32

const (
	OwnerSession Owner = iota
	OwnerStream
)

func (o Owner) String() string {
	if o == OwnerStream {
		return "stream"
	}
	return "session"
}

type slot struct {
	buf   *audio.Buffer
	owner atomic.Int32
}

// pool is the fixed arena of capture buffers. Slots are added once during
// initialization; afterwards only ownership tags change, through
// compare-and-swap so the realtime callback never blocks.
type pool struct {
	slots []*slot
}

func newPool(capacity int) *pool {
	return &pool{slots: make([]*slot, 0, capacity)}
}

// add places buf in the next slot, owned by the session.
func (p *pool) add(buf *audio.Buffer) int {
	idx := len(p.slots)
	buf.Index = idx
	p.slots = append(p.slots, &slot{buf: buf})
	return idx
}

func (p *pool) owner(idx int) Owner {
	return Owner(p.slots[idx].owner.Load())
}

// release hands slot idx from the session to the stream.
func (p *pool) release(idx int) error {
	if err := p.check(idx); err != nil {
		return err
	}
	if !p.slots[idx].owner.CompareAndSwap(int32(OwnerSession), int32(OwnerStream)) {
		return fmt.Errorf("buffer %d released while owned by stream", idx)
	}
	return nil
}

// acquire takes buf back from the stream after a fill.
func (p *pool) acquire(buf *audio.Buffer) error {
	if buf == nil {
		return fmt.Errorf("fill callback delivered nil buffer")
	}
	idx := buf.Index
	if err := p.check(idx); err != nil {
		return err
	}
	if p.slots[idx].buf != buf {
		return fmt.Errorf("fill callback delivered foreign buffer at index %d", idx)
	}
	if !p.slots[idx].owner.CompareAndSwap(int32(OwnerStream), int32(OwnerSession)) {
		return fmt.Errorf("buffer %d delivered while owned by session", idx)
	}
	return nil
}

// reclaim returns a slot to the session after the stream rejected it.
func (p *pool) reclaim(idx int) {
	p.slots[idx].owner.Store(int32(OwnerSession))
}

// outstanding counts slots currently owned by the stream.
func (p *pool) outstanding() int {
	n := 0
	for _, s := range p.slots {
		if Owner(s.owner.Load()) == OwnerStream {
			n++
		}
	}
	return n
}

func (p *pool) check(idx int) error {
	if idx < 0 || idx >= len(p.slots) {
		return fmt.Errorf("buffer index %d out of range [0,%d)", idx, len(p.slots))
	}
	return nil
}
