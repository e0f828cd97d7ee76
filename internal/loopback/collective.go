package loopback

import (
	"fmt"
	"sync"

	"github.com/rocketbitz/commgroup-go/comm"
)

func (t *transport) Collective(kind comm.CollectiveKind, send, recv comm.Shape, root comm.Rank, op comm.ReduceOp) (*comm.Status, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	seq := t.collSeq
	t.collSeq++
	return t.ctx.hub.joinCollective(seq, t.rank, kind, send, recv, root, op)
}

// rendezvous matches group calls — collectives, dup, split — across the ranks
// of one context. Calls pair up by per-rank sequence number: ranks issue group
// calls in the same program order, so the i-th call of every rank belongs to
// the same operation.
type rendezvous struct {
	mu     sync.Mutex
	cond   *sync.Cond
	size   int
	colls  map[int]*collCall
	dups   map[int]*dupCall
	splits map[int]*splitCall
}

func newRendezvous(size int) *rendezvous {
	r := &rendezvous{
		size:   size,
		colls:  make(map[int]*collCall),
		dups:   make(map[int]*dupCall),
		splits: make(map[int]*splitCall),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

type collCall struct {
	kind    comm.CollectiveKind
	root    comm.Rank
	op      comm.ReduceOp
	send    []comm.Shape
	recv    []comm.Shape
	joined  []bool
	arrived int
	done    bool
	err     error
}

func (r *rendezvous) joinCollective(seq int, rank comm.Rank, kind comm.CollectiveKind, send, recv comm.Shape, root comm.Rank, op comm.ReduceOp) (*comm.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.colls[seq]
	if !ok {
		call = &collCall{
			kind:   kind,
			root:   root,
			op:     op,
			send:   make([]comm.Shape, r.size),
			recv:   make([]comm.Shape, r.size),
			joined: make([]bool, r.size),
		}
		r.colls[seq] = call
	}
	if call.joined[rank] {
		return nil, fmt.Errorf("loopback: rank %d joined collective %d twice", rank, seq)
	}
	if call.kind != kind || call.root != root || call.op != op {
		call.err = &comm.EngineError{Code: comm.Errno(2), Message: fmt.Sprintf(
			"mismatched collective: rank %d called %s(root=%d,op=%s), group expects %s(root=%d,op=%s)",
			rank, kind, root, op, call.kind, call.root, call.op)}
	}
	call.joined[rank] = true
	call.send[rank] = send
	call.recv[rank] = recv
	call.arrived++

	if call.arrived == r.size {
		if call.err == nil {
			call.err = execute(call, r.size)
		}
		call.done = true
		delete(r.colls, seq)
		r.cond.Broadcast()
	} else {
		for !call.done {
			r.cond.Wait()
		}
	}

	if call.err != nil {
		return nil, call.err
	}
	return &comm.Status{Count: call.recv[rank].Count}, nil
}

// execute performs the data movement for a fully joined collective. All the
// participants' buffers live in this address space, so movement is direct
// copies; the last arriver does the work while the rest wait.
func execute(call *collCall, n int) error {
	switch call.kind {
	case comm.KindBarrier:
		return nil
	case comm.KindBcast:
		return executeBcast(call, n)
	case comm.KindGather:
		return executeGather(call, n, false)
	case comm.KindGatherv:
		return executeGather(call, n, true)
	case comm.KindScatter:
		return executeScatter(call, n, false)
	case comm.KindScatterv:
		return executeScatter(call, n, true)
	case comm.KindAllgather:
		return executeAllgather(call, n, false)
	case comm.KindAllgatherv:
		return executeAllgather(call, n, true)
	case comm.KindAlltoall:
		return executeAlltoall(call, n)
	case comm.KindAlltoallv:
		return executeAlltoallv(call, n)
	case comm.KindReduce:
		return executeReduce(call, n)
	case comm.KindAllreduce:
		return executeAllreduce(call, n)
	case comm.KindReduceScatter:
		return executeReduceScatter(call, n)
	case comm.KindScan:
		return executeScan(call, n)
	default:
		return &comm.EngineError{Code: comm.Errno(3), Message: fmt.Sprintf("unknown collective kind %d", call.kind)}
	}
}

func shapeBytes(s comm.Shape) []byte {
	return s.Data[:s.Count*int(s.Type.Extent())]
}

func executeBcast(call *collCall, n int) error {
	src := shapeBytes(call.send[call.root])
	for i := 0; i < n; i++ {
		if comm.Rank(i) == call.root {
			continue
		}
		copy(shapeBytes(call.recv[i]), src)
	}
	return nil
}

func executeGather(call *collCall, n int, vector bool) error {
	recv := call.recv[call.root]
	ext := int(recv.Type.Extent())
	off := 0
	for i := 0; i < n; i++ {
		src := shapeBytes(call.send[i])
		if vector {
			off = recv.Displs[i] * ext
		}
		copy(recv.Data[off:off+len(src)], src)
		off += len(src)
	}
	return nil
}

func executeScatter(call *collCall, n int, vector bool) error {
	send := call.send[call.root]
	ext := int(send.Type.Extent())
	off := 0
	for i := 0; i < n; i++ {
		dst := shapeBytes(call.recv[i])
		if vector {
			off = send.Displs[i] * ext
		}
		copy(dst, send.Data[off:off+len(dst)])
		off += len(dst)
	}
	return nil
}

func executeAllgather(call *collCall, n int, vector bool) error {
	for j := 0; j < n; j++ {
		recv := call.recv[j]
		ext := int(recv.Type.Extent())
		off := 0
		for i := 0; i < n; i++ {
			src := shapeBytes(call.send[i])
			if vector {
				off = recv.Displs[i] * ext
			}
			copy(recv.Data[off:off+len(src)], src)
			off += len(src)
		}
	}
	return nil
}

func executeAlltoall(call *collCall, n int) error {
	for i := 0; i < n; i++ {
		send := call.send[i]
		ext := int(send.Type.Extent())
		blk := send.Count / n * ext
		for j := 0; j < n; j++ {
			recv := call.recv[j]
			rblk := recv.Count / n * int(recv.Type.Extent())
			copy(recv.Data[i*rblk:i*rblk+blk], send.Data[j*blk:(j+1)*blk])
		}
	}
	return nil
}

func executeAlltoallv(call *collCall, n int) error {
	for i := 0; i < n; i++ {
		send := call.send[i]
		ext := int(send.Type.Extent())
		for j := 0; j < n; j++ {
			recv := call.recv[j]
			rext := int(recv.Type.Extent())
			length := send.Counts[j] * ext
			src := send.Data[send.Displs[j]*ext : send.Displs[j]*ext+length]
			dst := recv.Data[recv.Displs[i]*rext:]
			copy(dst[:length], src)
		}
	}
	return nil
}

func executeReduce(call *collCall, n int) error {
	recv := call.recv[call.root]
	acc := shapeBytes(recv)
	copy(acc, shapeBytes(call.send[0]))
	for i := 1; i < n; i++ {
		if err := reduceInto(acc, shapeBytes(call.send[i]), recv.Type, call.op); err != nil {
			return err
		}
	}
	return nil
}

func executeAllreduce(call *collCall, n int) error {
	first := call.send[0]
	acc := append([]byte(nil), shapeBytes(first)...)
	for i := 1; i < n; i++ {
		if err := reduceInto(acc, shapeBytes(call.send[i]), first.Type, call.op); err != nil {
			return err
		}
	}
	for j := 0; j < n; j++ {
		copy(shapeBytes(call.recv[j]), acc)
	}
	return nil
}

func executeReduceScatter(call *collCall, n int) error {
	first := call.send[0]
	ext := int(first.Type.Extent())
	acc := append([]byte(nil), shapeBytes(first)...)
	for i := 1; i < n; i++ {
		if err := reduceInto(acc, shapeBytes(call.send[i]), first.Type, call.op); err != nil {
			return err
		}
	}
	for j := 0; j < n; j++ {
		start := first.Displs[j] * ext
		length := first.Counts[j] * ext
		copy(shapeBytes(call.recv[j]), acc[start:start+length])
	}
	return nil
}

func executeScan(call *collCall, n int) error {
	first := call.send[0]
	acc := append([]byte(nil), shapeBytes(first)...)
	copy(shapeBytes(call.recv[0]), acc)
	for i := 1; i < n; i++ {
		if err := reduceInto(acc, shapeBytes(call.send[i]), first.Type, call.op); err != nil {
			return err
		}
		copy(shapeBytes(call.recv[i]), acc)
	}
	return nil
}
