package comm

import (
	"errors"
	"sync/atomic"
)

// BufferPool manages reusable scratch buffers of a fixed size. The payload
// resolver draws from it for encoded sends and sized receives so hot paths do
// not allocate per call.
type BufferPool struct {
	size   int
	pool   chan []byte
	closed atomic.Bool
}

// NewBufferPool constructs a pool dispensing buffers of the supplied size.
// The pool provisions buffers lazily up to the specified capacity.
func NewBufferPool(size, capacity int) (*BufferPool, error) {
	if size <= 0 {
		return nil, errors.New("commgroup: BufferPool requires positive buffer size")
	}
	if capacity < 0 {
		capacity = 0
	}
	return &BufferPool{
		size: size,
		pool: make(chan []byte, capacity),
	}, nil
}

// Acquire returns a buffer of exactly n bytes. Requests larger than the pool's
// buffer size are satisfied with a fresh allocation that will not be pooled.
func (p *BufferPool) Acquire(n int) []byte {
	if p == nil || n > p.size || p.closed.Load() {
		return make([]byte, n)
	}
	select {
	case buf := <-p.pool:
		return buf[:n]
	default:
		return make([]byte, n, p.size)
	}
}

// Release returns the buffer to the pool for reuse. Buffers with a mismatched
// capacity or released after Close are dropped for collection.
func (p *BufferPool) Release(buf []byte) {
	if p == nil || buf == nil {
		return
	}
	if p.closed.Load() || cap(buf) != p.size {
		return
	}
	select {
	case p.pool <- buf[:0]:
	default:
	}
}

// Close drains the pool and prevents further pooled acquisitions.
func (p *BufferPool) Close() {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return
	}
	for {
		select {
		case <-p.pool:
		default:
			return
		}
	}
}
