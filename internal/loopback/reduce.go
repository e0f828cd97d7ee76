package loopback

import (
	"fmt"
	"unsafe"

	"github.com/rocketbitz/commgroup-go/comm"
)

// Reduction operators. The engine owns these; the front end only routes the
// ReduceOp token. Operands are folded pairwise in rank order, so results are
// deterministic for a given group.

type number interface {
	~uint8 | ~int32 | ~int64 | ~uint64 | ~float32 | ~float64
}

func view[T number](b []byte) []T {
	if len(b) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), len(b)/int(unsafe.Sizeof(zero)))
}

func combine[T number](op comm.ReduceOp, a, b T) T {
	switch op {
	case comm.OpSum:
		return a + b
	case comm.OpProd:
		return a * b
	case comm.OpMax:
		if b > a {
			return b
		}
		return a
	case comm.OpMin:
		if b < a {
			return b
		}
		return a
	default:
		return a
	}
}

func fold[T number](dst, src []byte, op comm.ReduceOp) {
	a := view[T](dst)
	b := view[T](src)
	for i := range a {
		a[i] = combine(op, a[i], b[i])
	}
}

func reduceInto(dst, src []byte, dt *comm.Datatype, op comm.ReduceOp) error {
	switch dt {
	case comm.TypeByte:
		fold[uint8](dst, src, op)
	case comm.TypeInt32:
		fold[int32](dst, src, op)
	case comm.TypeInt64:
		fold[int64](dst, src, op)
	case comm.TypeUint64:
		fold[uint64](dst, src, op)
	case comm.TypeFloat32:
		fold[float32](dst, src, op)
	case comm.TypeFloat64:
		fold[float64](dst, src, op)
	default:
		return &comm.EngineError{Code: comm.Errno(4), Message: fmt.Sprintf("no reduction defined for datatype %s", dt)}
	}
	return nil
}
