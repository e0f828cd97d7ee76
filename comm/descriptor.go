package comm

import (
	"fmt"
	"sync/atomic"
)

// Descriptor carries everything an engine transfer primitive needs: the raw
// buffer, the element count, and the element layout, plus per-rank counts and
// displacements for vector collectives. Descriptors are immutable after
// construction.
//
// Caller-owned buffers are referenced, never copied. Scratch buffers allocated
// by the resolver are owned by the descriptor and returned to the pool exactly
// once, when release fires. A request holding a descriptor defers that release
// until the engine reports completion.
type Descriptor struct {
	data   []byte
	count  int
	dtype  *Datatype
	counts []int
	displs []int

	scratch  []byte
	pool     *BufferPool
	released atomic.Bool
}

func newDescriptor(data []byte, count int, dt *Datatype) (*Descriptor, error) {
	if count < 0 {
		return nil, fmt.Errorf("commgroup: negative element count %d", count)
	}
	if count > 0 && data == nil {
		return nil, fmt.Errorf("commgroup: nil buffer with element count %d", count)
	}
	if dt == nil {
		return nil, ErrInvalidHandle{"datatype"}
	}
	return &Descriptor{data: data, count: count, dtype: dt}, nil
}

// emptyDescriptor denotes a zero-length transfer, used for ProcNull peers and
// the ignored side of rooted collectives on non-root ranks. The element
// descriptor stays non-nil so the engine call remains structurally valid.
func emptyDescriptor(dt *Datatype) *Descriptor {
	if dt == nil {
		dt = TypeByte
	}
	return &Descriptor{dtype: dt}
}

func scratchDescriptor(buf []byte, pool *BufferPool) *Descriptor {
	return &Descriptor{
		data:    buf,
		count:   len(buf),
		dtype:   TypeByte,
		scratch: buf,
		pool:    pool,
	}
}

// Bytes exposes the raw buffer the descriptor references.
func (d *Descriptor) Bytes() []byte {
	if d == nil {
		return nil
	}
	return d.data
}

// Count returns the element count of the transfer.
func (d *Descriptor) Count() int {
	if d == nil {
		return 0
	}
	return d.count
}

// Type returns the element layout of the transfer.
func (d *Descriptor) Type() *Datatype {
	if d == nil {
		return nil
	}
	return d.dtype
}

// Counts returns the per-rank element counts of a vector collective shape.
func (d *Descriptor) Counts() []int {
	if d == nil {
		return nil
	}
	return d.counts
}

// Displs returns the per-rank element displacements of a vector collective shape.
func (d *Descriptor) Displs() []int {
	if d == nil {
		return nil
	}
	return d.displs
}

// Empty reports whether the descriptor denotes a zero-length transfer.
func (d *Descriptor) Empty() bool {
	return d == nil || d.count == 0
}

func (d *Descriptor) shape() Shape {
	if d == nil {
		return Shape{Type: TypeByte}
	}
	return Shape{
		Data:   d.data,
		Count:  d.count,
		Counts: d.counts,
		Displs: d.displs,
		Type:   d.dtype,
	}
}

// release returns any owned scratch buffer to its pool. Safe to call more than
// once; only the first call has an effect.
func (d *Descriptor) release() {
	if d == nil {
		return
	}
	if !d.released.CompareAndSwap(false, true) {
		return
	}
	if d.scratch != nil && d.pool != nil {
		d.pool.Release(d.scratch)
	}
	d.scratch = nil
}
