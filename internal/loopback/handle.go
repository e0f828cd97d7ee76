package loopback

import (
	"sync/atomic"

	"github.com/rocketbitz/commgroup-go/comm"
)

// handle tracks one asynchronous engine operation. The operation runs in its
// own goroutine; done closes when the status is recorded.
type handle struct {
	done      chan struct{}
	status    *comm.Status
	err       error
	cancelled atomic.Bool
	// wake interrupts a blocked receive after cancellation is flagged.
	wake func()
}

func newHandle() *handle {
	return &handle{done: make(chan struct{})}
}

func (h *handle) finish(st *comm.Status, err error) {
	h.status = st
	h.err = err
	close(h.done)
}

func asHandle(v comm.Handle) (*handle, error) {
	h, ok := v.(*handle)
	if !ok || h == nil {
		return nil, comm.ErrInvalidHandle{Resource: "engine operation"}
	}
	return h, nil
}

func (t *transport) StartSend(data []byte, count int, dt *comm.Datatype, dest comm.Rank, tag comm.Tag) (comm.Handle, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	h := newHandle()
	go func() {
		st, err := t.Send(data, count, dt, dest, tag)
		h.finish(st, err)
	}()
	return h, nil
}

func (t *transport) StartRecv(data []byte, count int, dt *comm.Datatype, source comm.Rank, tag comm.Tag) (comm.Handle, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if err := t.checkPeer(source, true); err != nil {
		return nil, err
	}
	h := newHandle()
	mb := t.ctx.mail[t.rank]
	h.wake = mb.interrupt
	go func() {
		st, err := mb.recv(data, count, dt, source, tag, &h.cancelled)
		h.finish(st, err)
	}()
	return h, nil
}

func (t *transport) StartCollective(kind comm.CollectiveKind, send, recv comm.Shape, root comm.Rank, op comm.ReduceOp) (comm.Handle, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	seq := t.collSeq
	t.collSeq++
	h := newHandle()
	go func() {
		st, err := t.ctx.hub.joinCollective(seq, t.rank, kind, send, recv, root, op)
		h.finish(st, err)
	}()
	return h, nil
}

func (t *transport) Wait(v comm.Handle) (*comm.Status, error) {
	h, err := asHandle(v)
	if err != nil {
		return nil, err
	}
	<-h.done
	return h.status, h.err
}

func (t *transport) Test(v comm.Handle) (*comm.Status, bool, error) {
	h, err := asHandle(v)
	if err != nil {
		return nil, false, err
	}
	select {
	case <-h.done:
		return h.status, true, h.err
	default:
		return nil, false, nil
	}
}

// Cancel flags the operation and wakes it. Sends complete at post time and are
// never cancellable; a receive that has not yet matched resolves with the
// Cancelled status flag set.
func (t *transport) Cancel(v comm.Handle) error {
	h, err := asHandle(v)
	if err != nil {
		return err
	}
	h.cancelled.Store(true)
	if h.wake != nil {
		h.wake()
	}
	return nil
}

func (t *transport) Free(v comm.Handle) error {
	_, err := asHandle(v)
	return err
}
