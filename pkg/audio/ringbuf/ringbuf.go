// Package ringbuf provides a fixed-capacity, lock-free ring buffer of audio
// samples for exactly one producer and exactly one consumer.
//
// A [Queue] is split once into a [Producer] and a [Consumer]. Each half owns
// one cursor and is the only code that ever advances it, so the two halves may
// run on different real-time threads without any other synchronisation.
// Neither half blocks or allocates.
//
//	q, _ := ringbuf.New(105600)
//	prod, cons := q.Split()
//	prod.Fill(0, 52800)          // pre-fill with silence
//	ok := prod.Push(s)           // false: queue full, s is dropped
//	s, ok := cons.Pop()          // false: queue empty
package ringbuf

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrInvalidCapacity is returned by [New] when the capacity is not positive.
var ErrInvalidCapacity = errors.New("ringbuf: capacity must be positive")

// cacheLine separates the two cursors so that producer and consumer do not
// invalidate each other's cache line on every update.
const cacheLine = 64

// Queue is a bounded FIFO of float32 samples.
//
// Cursors are free-running counters; the slot of cursor c is c % capacity.
// The invariant 0 <= write-read <= capacity holds at all times.
type Queue struct {
	buf  []float32
	size uint64

	_    [cacheLine]byte
	read atomic.Uint64 // advanced only by the Consumer
	_    [cacheLine - 8]byte
	write atomic.Uint64 // advanced only by the Producer
	_     [cacheLine - 8]byte

	split atomic.Bool
}

// New allocates a queue holding up to capacity samples.
func New(capacity int) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}
	return &Queue{
		buf:  make([]float32, capacity),
		size: uint64(capacity),
	}, nil
}

// Split returns the producer and consumer halves of q. It may be called only
// once; a second call panics, because handing out a half twice would break the
// single-producer/single-consumer discipline the queue relies on.
func (q *Queue) Split() (*Producer, *Consumer) {
	if !q.split.CompareAndSwap(false, true) {
		panic("ringbuf: Split called more than once")
	}
	return &Producer{q: q}, &Consumer{q: q}
}

// Cap returns the fixed capacity in samples.
func (q *Queue) Cap() int {
	return int(q.size)
}

// Len returns a snapshot of the number of unread samples. It is safe to call
// from any goroutine; the value may be stale by the time it is used.
func (q *Queue) Len() int {
	r := q.read.Load()
	w := q.write.Load()
	n := w - r
	if n > q.size {
		// The consumer advanced between the two loads.
		n = q.size
	}
	return int(n)
}

// Free returns a snapshot of the number of samples that can be pushed.
func (q *Queue) Free() int {
	return q.Cap() - q.Len()
}

// Producer is the write half of a [Queue]. It must be used by one goroutine
// at a time.
type Producer struct {
	q *Queue

	// readCache is the last observed consumer cursor. It only lags behind the
	// real value, so it can under-report free space but never over-report it.
	readCache uint64
}

// free returns the number of writable slots given write cursor w, refreshing
// the cached read cursor only when the cache says the queue is full.
func (p *Producer) free(w uint64, want uint64) uint64 {
	f := p.q.size - (w - p.readCache)
	if f >= want {
		return f
	}
	p.readCache = p.q.read.Load()
	return p.q.size - (w - p.readCache)
}

// Push appends s to the queue. It returns false if the queue is full; the
// sample is then dropped and the queue is left unchanged.
func (p *Producer) Push(s float32) bool {
	q := p.q
	w := q.write.Load()
	if p.free(w, 1) == 0 {
		return false
	}
	q.buf[w%q.size] = s
	q.write.Store(w + 1)
	return true
}

// PushSlice appends as many leading samples of src as fit and returns how many
// were written. Samples beyond that are dropped.
func (p *Producer) PushSlice(src []float32) int {
	q := p.q
	w := q.write.Load()
	n := min(uint64(len(src)), p.free(w, uint64(len(src))))
	if n == 0 {
		return 0
	}
	start := w % q.size
	first := min(n, q.size-start)
	copy(q.buf[start:start+first], src[:first])
	copy(q.buf[:n-first], src[first:n])
	q.write.Store(w + n)
	return int(n)
}

// Fill appends up to n copies of v and returns how many were written.
func (p *Producer) Fill(v float32, n int) int {
	if n <= 0 {
		return 0
	}
	q := p.q
	w := q.write.Load()
	m := min(uint64(n), p.free(w, uint64(n)))
	for i := uint64(0); i < m; i++ {
		q.buf[(w+i)%q.size] = v
	}
	q.write.Store(w + m)
	return int(m)
}

// Consumer is the read half of a [Queue]. It must be used by one goroutine at
// a time.
type Consumer struct {
	q *Queue

	// writeCache is the last observed producer cursor. It only lags behind the
	// real value, so it can under-report available samples but never
	// over-report them.
	writeCache uint64
}

// available returns the number of readable samples given read cursor r,
// refreshing the cached write cursor only when the cache says it is not enough.
func (c *Consumer) available(r uint64, want uint64) uint64 {
	a := c.writeCache - r
	if a >= want {
		return a
	}
	c.writeCache = c.q.write.Load()
	return c.writeCache - r
}

// Pop removes and returns the oldest sample. The boolean is false if the
// queue is empty, in which case the returned sample is 0.
func (c *Consumer) Pop() (float32, bool) {
	q := c.q
	r := q.read.Load()
	if c.available(r, 1) == 0 {
		return 0, false
	}
	s := q.buf[r%q.size]
	q.read.Store(r + 1)
	return s, true
}

// PopSlice moves up to len(dst) of the oldest samples into dst and returns how
// many were read. Slots of dst past that count are left untouched.
func (c *Consumer) PopSlice(dst []float32) int {
	q := c.q
	r := q.read.Load()
	n := min(uint64(len(dst)), c.available(r, uint64(len(dst))))
	if n == 0 {
		return 0
	}
	start := r % q.size
	first := min(n, q.size-start)
	copy(dst[:first], q.buf[start:start+first])
	copy(dst[first:n], q.buf[:n-first])
	q.read.Store(r + n)
	return int(n)
}
