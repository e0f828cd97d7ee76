package comm

import (
	"fmt"
	"unsafe"
)

// BufferLike is implemented by payloads exposing a contiguous memory region
// that can be handed to the engine without serialization.
type BufferLike interface {
	// BufferBytes returns the raw byte view of the region. The view aliases
	// the payload's own memory; no copy is made.
	BufferBytes() []byte
	// BufferCount returns the number of elements in the region.
	BufferCount() int
	// BufferType returns the element layout of the region.
	BufferType() *Datatype
}

type bufferView struct {
	data  []byte
	count int
	dtype *Datatype
}

func (v bufferView) BufferBytes() []byte   { return v.data }
func (v bufferView) BufferCount() int      { return v.count }
func (v bufferView) BufferType() *Datatype { return v.dtype }

// ByteBuffer adapts a byte slice into a buffer-like payload.
func ByteBuffer(p []byte) BufferLike {
	return bufferView{data: p, count: len(p), dtype: TypeByte}
}

// Int32s adapts an int32 slice into a zero-copy buffer-like payload.
func Int32s(p []int32) BufferLike {
	return bufferView{data: sliceBytes(p), count: len(p), dtype: TypeInt32}
}

// Int64s adapts an int64 slice into a zero-copy buffer-like payload.
func Int64s(p []int64) BufferLike {
	return bufferView{data: sliceBytes(p), count: len(p), dtype: TypeInt64}
}

// Uint64s adapts a uint64 slice into a zero-copy buffer-like payload.
func Uint64s(p []uint64) BufferLike {
	return bufferView{data: sliceBytes(p), count: len(p), dtype: TypeUint64}
}

// Float32s adapts a float32 slice into a zero-copy buffer-like payload.
func Float32s(p []float32) BufferLike {
	return bufferView{data: sliceBytes(p), count: len(p), dtype: TypeFloat32}
}

// Float64s adapts a float64 slice into a zero-copy buffer-like payload.
func Float64s(p []float64) BufferLike {
	return bufferView{data: sliceBytes(p), count: len(p), dtype: TypeFloat64}
}

// Typed produces a buffer-like payload from a byte region with an explicit
// element layout. The region length must be a whole number of elements.
func Typed(data []byte, dt *Datatype) (BufferLike, error) {
	if dt == nil || dt.Extent() == 0 {
		return nil, ErrInvalidHandle{"datatype"}
	}
	if uintptr(len(data))%dt.Extent() != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %s elements", ErrCountMismatch, len(data), dt)
	}
	return bufferView{data: data, count: len(data) / int(dt.Extent()), dtype: dt}, nil
}

func sliceBytes[T any](p []T) []byte {
	if len(p) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&p[0])), len(p)*int(unsafe.Sizeof(zero)))
}

// resolveSend builds the descriptor for an outbound transfer. Buffer-like
// payloads resolve zero-copy; anything else is encoded through the codec into
// a pool-backed scratch buffer the descriptor owns.
func (c *Communicator) resolveSend(payload any, dest Rank) (*Descriptor, error) {
	if dest == ProcNull {
		return emptyDescriptor(TypeByte), nil
	}
	if b, ok := payload.(BufferLike); ok {
		return newDescriptor(b.BufferBytes(), b.BufferCount(), b.BufferType())
	}
	return c.encodeSend(payload)
}

func (c *Communicator) encodeSend(payload any) (*Descriptor, error) {
	encoded, err := c.codec.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPayload, err)
	}
	buf := c.pool.Acquire(len(encoded))
	copy(buf, encoded)
	return scratchDescriptor(buf, c.pool), nil
}

// resolveRecv builds the descriptor for an inbound transfer into a pre-sized
// buffer. Receives without a pre-sized buffer go through RecvObject, which
// probes for the incoming length first.
func (c *Communicator) resolveRecv(payload any, source Rank) (*Descriptor, error) {
	if source == ProcNull {
		return emptyDescriptor(TypeByte), nil
	}
	b, ok := payload.(BufferLike)
	if !ok {
		return nil, fmt.Errorf("%w: receive requires a buffer-like payload, got %T", ErrUnsupportedPayload, payload)
	}
	return newDescriptor(b.BufferBytes(), b.BufferCount(), b.BufferType())
}

// resolveCollective builds one side of a collective shape. A nil payload
// produces a structurally valid zero-count descriptor, used for the side of a
// rooted operation the engine is defined to ignore on non-root ranks.
func resolveCollective(payload any, fallback *Datatype) (*Descriptor, error) {
	if payload == nil {
		return emptyDescriptor(fallback), nil
	}
	b, ok := payload.(BufferLike)
	if !ok {
		return nil, fmt.Errorf("%w: collectives require buffer-like payloads, got %T", ErrUnsupportedPayload, payload)
	}
	return newDescriptor(b.BufferBytes(), b.BufferCount(), b.BufferType())
}
