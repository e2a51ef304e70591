// Package queue implements the MPMC task/event handoff queue the event
// loop uses for cross-thread submission: a bounded ring buffer with a
// per-slot CAS sequencer, so any goroutine can push and any goroutine can
// pop without locks.
package queue

import (
	"errors"
	"runtime"
	"sync/atomic"
)

// ErrFull is returned by Push when a bounded queue has no free slot.
var ErrFull = errors.New("queue: full")

const maxSpins = 10000

type cell[T any] struct {
	seq   uint64
	value T
}

// LockFreeQueue is a bounded MPMC queue. Capacity is rounded up to the next
// power of two. Push has release semantics (a value is fully written before
// its slot is marked ready); Pop has acquire semantics (a reader never
// observes a partially written slot) — together sufficient to publish
// payloads across threads without further fencing.
type LockFreeQueue[T any] struct {
	mask  uint64
	cells []cell[T]

	enqueuePos uint64
	dequeuePos uint64
}

// New creates a queue with at least capacity slots.
func New[T any](capacity int) *LockFreeQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	size := 1
	for size < capacity {
		size <<= 1
	}
	q := &LockFreeQueue[T]{
		mask:  uint64(size - 1),
		cells: make([]cell[T], size),
	}
	for i := range q.cells {
		q.cells[i].seq = uint64(i)
	}
	return q
}

// Push enqueues v. Never blocks: returns ErrFull immediately once a bounded
// queue has no space after a short spin to let a lagging consumer catch up.
func (q *LockFreeQueue[T]) Push(v T) error {
	var c *cell[T]
	pos := atomic.LoadUint64(&q.enqueuePos)

	for spins := 0; ; {
		c = &q.cells[pos&q.mask]
		seq := atomic.LoadUint64(&c.seq)
		diff := int64(seq) - int64(pos)

		switch {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&q.enqueuePos, pos, pos+1) {
				c.value = v
				atomic.StoreUint64(&c.seq, pos+1) // release
				return nil
			}
			pos = atomic.LoadUint64(&q.enqueuePos)
		case diff < 0:
			spins++
			if spins > maxSpins {
				return ErrFull
			}
			runtime.Gosched()
			pos = atomic.LoadUint64(&q.enqueuePos)
		default:
			pos = atomic.LoadUint64(&q.enqueuePos)
		}
	}
}

// TryPop dequeues a value. ok is false if the queue was empty.
func (q *LockFreeQueue[T]) TryPop() (v T, ok bool) {
	var c *cell[T]
	pos := atomic.LoadUint64(&q.dequeuePos)

	for {
		c = &q.cells[pos&q.mask]
		seq := atomic.LoadUint64(&c.seq) // acquire
		diff := int64(seq) - int64(pos+1)

		switch {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&q.dequeuePos, pos, pos+1) {
				v = c.value
				var zero T
				c.value = zero
				atomic.StoreUint64(&c.seq, pos+q.mask+1)
				return v, true
			}
			pos = atomic.LoadUint64(&q.dequeuePos)
		case diff < 0:
			return v, false
		default:
			pos = atomic.LoadUint64(&q.dequeuePos)
		}
	}
}
