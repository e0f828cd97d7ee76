// Package loopback provides an in-process message-passing engine implementing
// comm.Transport: every rank lives in the same address space and messages move
// through tag-matched mailboxes. It backs the examples and the integration
// tests, and stands in for an external engine during development.
package loopback

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/commgroup-go/comm"
)

// World owns the contexts and mailboxes shared by a group of ranks.
type World struct {
	mu      sync.Mutex
	size    int
	nextCtx int
	root    *commContext
}

// NewWorld constructs an in-process group of n ranks.
func NewWorld(n int) (*World, error) {
	if n <= 0 {
		return nil, fmt.Errorf("loopback: world requires at least one rank, got %d", n)
	}
	w := &World{size: n}
	w.root = w.newContext(n)
	return w, nil
}

// Size returns the number of ranks in the world.
func (w *World) Size() int {
	return w.size
}

// Transport binds a rank to the world's root context. Each rank should hold
// exactly one transport per communicator.
func (w *World) Transport(rank int) (comm.Transport, error) {
	if rank < 0 || rank >= w.size {
		return nil, fmt.Errorf("loopback: rank %d outside world of size %d", rank, w.size)
	}
	return &transport{ctx: w.root, rank: comm.Rank(rank)}, nil
}

func (w *World) newContext(size int) *commContext {
	w.mu.Lock()
	id := w.nextCtx
	w.nextCtx++
	w.mu.Unlock()

	ctx := &commContext{world: w, id: id, size: size}
	ctx.mail = make([]*mailbox, size)
	for i := range ctx.mail {
		ctx.mail[i] = newMailbox()
	}
	ctx.hub = newRendezvous(size)
	return ctx
}

// commContext is one messaging namespace: a private set of mailboxes plus the
// rendezvous hub matching collective, dup, and split calls across ranks.
type commContext struct {
	world *World
	id    int
	size  int
	mail  []*mailbox
	hub   *rendezvous
}

type transport struct {
	ctx    *commContext
	rank   comm.Rank
	closed atomic.Bool

	// per-rank call sequence numbers; ranks issue matching group calls in
	// the same order, which is what pairs them in the hub.
	collSeq  int
	dupSeq   int
	splitSeq int
}

func (t *transport) check() error {
	if t == nil || t.ctx == nil {
		return comm.ErrInvalidHandle{Resource: "transport"}
	}
	if t.closed.Load() {
		return comm.ErrInvalidHandle{Resource: "transport"}
	}
	return nil
}

func (t *transport) Rank() comm.Rank {
	return t.rank
}

func (t *transport) Size() int {
	return t.ctx.size
}

func (t *transport) Close() error {
	t.closed.Store(true)
	return nil
}

func (t *transport) checkPeer(peer comm.Rank, wildcard bool) error {
	if wildcard && peer == comm.AnySource {
		return nil
	}
	if peer < 0 || int(peer) >= t.ctx.size {
		return &comm.EngineError{Code: comm.Errno(1), Message: fmt.Sprintf("rank %d unreachable in group of size %d", peer, t.ctx.size)}
	}
	return nil
}

func byteLength(count int, dt *comm.Datatype) int {
	return count * int(dt.Extent())
}

func (t *transport) Send(data []byte, count int, dt *comm.Datatype, dest comm.Rank, tag comm.Tag) (*comm.Status, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if err := t.checkPeer(dest, false); err != nil {
		return nil, err
	}
	n := byteLength(count, dt)
	if n > len(data) {
		return nil, fmt.Errorf("loopback: send of %d bytes exceeds %d-byte buffer", n, len(data))
	}
	// Buffered semantics: the payload is copied out before the call returns,
	// so a blocking send never waits for the matching receive.
	msg := &message{data: append([]byte(nil), data[:n]...), source: t.rank, tag: tag}
	t.ctx.mail[dest].deposit(msg)
	return &comm.Status{Source: t.rank, Tag: tag, Count: count}, nil
}

func (t *transport) Recv(data []byte, count int, dt *comm.Datatype, source comm.Rank, tag comm.Tag) (*comm.Status, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if err := t.checkPeer(source, true); err != nil {
		return nil, err
	}
	return t.ctx.mail[t.rank].recv(data, count, dt, source, tag, nil)
}

func (t *transport) Probe(source comm.Rank, tag comm.Tag) (*comm.Envelope, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if err := t.checkPeer(source, true); err != nil {
		return nil, err
	}
	return t.ctx.mail[t.rank].probe(source, tag)
}

func (t *transport) Iprobe(source comm.Rank, tag comm.Tag) (*comm.Envelope, bool, error) {
	if err := t.check(); err != nil {
		return nil, false, err
	}
	if err := t.checkPeer(source, true); err != nil {
		return nil, false, err
	}
	return t.ctx.mail[t.rank].iprobe(source, tag)
}

// message is one queued transfer. The data slice is engine-owned; it was
// copied out of the sender's buffer at deposit time.
type message struct {
	data   []byte
	source comm.Rank
	tag    comm.Tag
}

func (m *message) matches(source comm.Rank, tag comm.Tag) bool {
	if source != comm.AnySource && m.source != source {
		return false
	}
	if tag != comm.AnyTag && m.tag != tag {
		return false
	}
	return true
}

type mailbox struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue []*message
}

func newMailbox() *mailbox {
	mb := &mailbox{}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

func (mb *mailbox) deposit(msg *message) {
	mb.mu.Lock()
	mb.queue = append(mb.queue, msg)
	mb.mu.Unlock()
	mb.cond.Broadcast()
}

// take removes and returns the first matching message. Caller holds mb.mu.
func (mb *mailbox) take(source comm.Rank, tag comm.Tag) *message {
	for i, msg := range mb.queue {
		if msg.matches(source, tag) {
			mb.queue = append(mb.queue[:i], mb.queue[i+1:]...)
			return msg
		}
	}
	return nil
}

func (mb *mailbox) peek(source comm.Rank, tag comm.Tag) *message {
	for _, msg := range mb.queue {
		if msg.matches(source, tag) {
			return msg
		}
	}
	return nil
}

// interrupt wakes receivers blocked in recv so they re-check their
// cancellation flags. Broadcasting under the lock orders the caller's flag
// store before any in-progress check-then-wait transition; a bare Broadcast
// could land in the gap between a receiver's flag check and its sleep and
// be lost.
func (mb *mailbox) interrupt() {
	mb.mu.Lock()
	mb.cond.Broadcast()
	mb.mu.Unlock()
}

// recv blocks until a matching message arrives, copying it into data. An
// oversized message is truncated: the status carries the truncated count and
// ErrTruncated. A non-nil cancelled flag aborts the wait when set; the
// canceller must broadcast on the mailbox condition after setting it.
func (mb *mailbox) recv(data []byte, count int, dt *comm.Datatype, source comm.Rank, tag comm.Tag, cancelled *atomic.Bool) (*comm.Status, error) {
	capacity := byteLength(count, dt)
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for {
		if cancelled != nil && cancelled.Load() {
			return &comm.Status{Cancelled: true}, nil
		}
		if msg := mb.take(source, tag); msg != nil {
			st := &comm.Status{Source: msg.source, Tag: msg.tag}
			n := len(msg.data)
			if n > capacity {
				n = capacity
				st.Err = comm.ErrTruncated
			}
			copy(data[:n], msg.data[:n])
			st.Count = n / int(dt.Extent())
			return st, nil
		}
		mb.cond.Wait()
	}
}

func (mb *mailbox) probe(source comm.Rank, tag comm.Tag) (*comm.Envelope, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for {
		if msg := mb.peek(source, tag); msg != nil {
			return &comm.Envelope{Source: msg.source, Tag: msg.tag, ByteLength: len(msg.data)}, nil
		}
		mb.cond.Wait()
	}
}

func (mb *mailbox) iprobe(source comm.Rank, tag comm.Tag) (*comm.Envelope, bool, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if msg := mb.peek(source, tag); msg != nil {
		return &comm.Envelope{Source: msg.source, Tag: msg.tag, ByteLength: len(msg.data)}, true, nil
	}
	return nil, false, nil
}
