package granular

import "sync/atomic"

// EventKind tags one audio-thread diagnostic.
type EventKind uint8

const (
	// EventOverrun reports a dropped grain spawn: no voice, no pooled
	// buffer, or a grain too long for the largest buffer class.
	EventOverrun EventKind = iota
	// EventSteal reports a voice taken from a still-active grain.
	EventSteal
	// EventUnderflow reports a starved stream or missing material.
	EventUnderflow
	// EventUnstable reports an attractor reset after solver divergence.
	EventUnstable
)

func (k EventKind) String() string {
	switch k {
	case EventOverrun:
		return "overrun"
	case EventSteal:
		return "steal"
	case EventUnderflow:
		return "underflow"
	case EventUnstable:
		return "unstable"
	}
	return "unknown"
}

// Event is one fixed-size diagnostic record. Value carries a
// kind-specific detail such as the CPU estimate at a steal.
type Event struct {
	Kind  EventKind
	Value float64
}

type eventSlot struct {
	seq atomic.Uint64
	ev  Event
}

// EventRing is a bounded multi-producer single-consumer queue. The
// audio thread pushes without blocking or formatting; a full ring drops
// the event and counts the drop. The control thread pops and does the
// printing.
type EventRing struct {
	slots   []eventSlot
	mask    uint64
	head    atomic.Uint64
	tail    uint64
	dropped atomic.Uint64
}

// NewEventRing builds a ring with at least the given capacity, rounded
// up to a power of two.
func NewEventRing(capacity int) *EventRing {
	n := 1
	for n < capacity {
		n <<= 1
	}
	r := &EventRing{slots: make([]eventSlot, n), mask: uint64(n - 1)}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r
}

// Push enqueues an event, returning false when the ring is full.
func (r *EventRing) Push(ev Event) bool {
	pos := r.head.Load()
	for {
		slot := &r.slots[pos&r.mask]
		seq := slot.seq.Load()
		switch {
		case seq == pos:
			if r.head.CompareAndSwap(pos, pos+1) {
				slot.ev = ev
				slot.seq.Store(pos + 1)
				return true
			}
			pos = r.head.Load()
		case seq < pos:
			r.dropped.Add(1)
			return false
		default:
			pos = r.head.Load()
		}
	}
}

// Pop dequeues the oldest event. Single consumer only.
func (r *EventRing) Pop() (Event, bool) {
	slot := &r.slots[r.tail&r.mask]
	seq := slot.seq.Load()
	if seq != r.tail+1 {
		return Event{}, false
	}
	ev := slot.ev
	slot.seq.Store(r.tail + uint64(len(r.slots)))
	r.tail++
	return ev, true
}

// Dropped counts events lost to a full ring.
func (r *EventRing) Dropped() uint64 {
	return r.dropped.Load()
}
