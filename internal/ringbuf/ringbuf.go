// Package ringbuf provides the lock-free single-producer single-consumer
// queue between the feed goroutine and the pipeline. The feed pushes, the
// pipeline drains once per tick; a full buffer drops the newest candle and
// counts it rather than blocking ingestion.
package ringbuf

import (
	"sync/atomic"

	"crypto-trading-core/internal/model"
)

// cacheLine is the typical x86-64 cache line size used for padding.
const cacheLine = 64

// Ring is a lock-free SPSC ring buffer for Candle values.
// Size must be a power of two for fast bitwise modulo.
type Ring struct {
	buf  []model.Candle
	mask uint64

	// Separate cache lines to prevent false sharing between producer and
	// consumer.
	_pad0 [cacheLine]byte
	head  atomic.Uint64 // written by producer
	_pad1 [cacheLine]byte
	tail  atomic.Uint64 // written by consumer
	_pad2 [cacheLine]byte

	overflow atomic.Uint64
}

// New creates a ring buffer. capacity is rounded up to the next power of
// two, minimum 2.
func New(capacity int) *Ring {
	size := nextPow2(capacity)
	if size < 2 {
		size = 2
	}
	return &Ring{
		buf:  make([]model.Candle, size),
		mask: uint64(size - 1),
	}
}

// Push appends a candle. Returns false without writing when full.
// Non-blocking.
func (r *Ring) Push(c model.Candle) bool {
	head := r.head.Load()
	tail := r.tail.Load()

	if head-tail >= uint64(len(r.buf)) {
		r.overflow.Add(1)
		return false
	}

	r.buf[head&r.mask] = c
	r.head.Store(head + 1)
	return true
}

// Pop retrieves the next candle, false when empty. Non-blocking.
func (r *Ring) Pop() (model.Candle, bool) {
	tail := r.tail.Load()
	head := r.head.Load()

	if tail >= head {
		return model.Candle{}, false
	}

	c := r.buf[tail&r.mask]
	r.tail.Store(tail + 1)
	return c, true
}

// Drain pops every queued candle into fn and returns the count. The
// pipeline calls this once per tick so a burst of candles is processed in
// arrival order.
func (r *Ring) Drain(fn func(model.Candle)) int {
	n := 0
	for {
		c, ok := r.Pop()
		if !ok {
			return n
		}
		fn(c)
		n++
	}
}

// Len returns the current number of queued candles.
func (r *Ring) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Cap returns the buffer capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Overflow returns the total number of candles dropped on a full buffer.
func (r *Ring) Overflow() uint64 {
	return r.overflow.Load()
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
