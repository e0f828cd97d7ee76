// Package comm translates user payloads into the fixed-shape parameter lists
// a message-passing engine consumes, and manages the lifetime of derived
// buffer state across asynchronous transfers. It exposes communicators with
// point-to-point and collective operations over an opaque Transport.
package comm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const defaultPoolBufferSize = 64 * 1024

// CommunicatorAttr controls communicator construction. A nil attr selects the
// gob codec and a private scratch pool.
type CommunicatorAttr struct {
	// Codec encodes payloads that are not buffer-like. Defaults to GobCodec.
	Codec Codec
	// Pool supplies scratch buffers for encoded sends and sized receives.
	// Defaults to a fresh pool private to the communicator.
	Pool *BufferPool
	// PoolCapacity bounds the default pool when Pool is nil.
	PoolCapacity int
}

// Communicator binds a process group and a messaging namespace. It owns no
// payload buffers itself; those belong to callers, or transiently to the
// requests this layer creates.
//
// A communicator supports any number of outstanding operations issued from a
// single logical sequence of calls. Concurrent use from multiple goroutines
// inherits whatever guarantee the underlying transport provides.
type Communicator struct {
	transport Transport
	codec     Codec
	pool      *BufferPool
	ownsPool  bool

	attrMu sync.Mutex
	attrs  map[AttrKey]any

	freed atomic.Bool
}

// NewCommunicator wraps a transport in a communicator.
func NewCommunicator(t Transport, attr *CommunicatorAttr) (*Communicator, error) {
	if t == nil {
		return nil, ErrInvalidHandle{"transport"}
	}
	c := &Communicator{transport: t, attrs: make(map[AttrKey]any)}
	if attr != nil {
		c.codec = attr.Codec
		c.pool = attr.Pool
	}
	if c.codec == nil {
		c.codec = GobCodec{}
	}
	if c.pool == nil {
		capacity := 8
		if attr != nil && attr.PoolCapacity > 0 {
			capacity = attr.PoolCapacity
		}
		pool, err := NewBufferPool(defaultPoolBufferSize, capacity)
		if err != nil {
			return nil, err
		}
		c.pool = pool
		c.ownsPool = true
	}
	return c, nil
}

// Rank returns the calling process's rank within the communicator's group.
func (c *Communicator) Rank() Rank {
	return c.transport.Rank()
}

// Size returns the communicator's group size.
func (c *Communicator) Size() int {
	return c.transport.Size()
}

// Transport exposes the underlying engine capability.
func (c *Communicator) Transport() Transport {
	return c.transport
}

func (c *Communicator) check() error {
	if c == nil || c.transport == nil {
		return ErrInvalidHandle{"communicator"}
	}
	if c.freed.Load() {
		return ErrCommunicatorFreed
	}
	return nil
}

// Send transmits a payload to dest. Buffer-like payloads are handed to the
// engine zero-copy; any other value is encoded through the communicator's
// codec first. Sends to ProcNull succeed immediately with no data movement.
func (c *Communicator) Send(payload any, dest Rank, tag Tag) error {
	if err := c.check(); err != nil {
		return err
	}
	desc, err := c.resolveSend(payload, dest)
	if err != nil {
		return err
	}
	defer desc.release()
	if dest == ProcNull {
		return nil
	}
	st, err := c.transport.Send(desc.Bytes(), desc.Count(), desc.Type(), dest, tag)
	if err != nil {
		return err
	}
	if st != nil && st.Err != nil {
		return st.Err
	}
	return nil
}

// Recv receives into a pre-sized buffer-like payload from source. The status
// carries the actual received count, source, and tag; a message larger than
// the buffer surfaces ErrTruncated through the status and the returned error.
func (c *Communicator) Recv(payload any, source Rank, tag Tag) (*Status, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	desc, err := c.resolveRecv(payload, source)
	if err != nil {
		return nil, err
	}
	defer desc.release()
	if source == ProcNull {
		return &Status{Source: ProcNull, Tag: tag}, nil
	}
	st, err := c.transport.Recv(desc.Bytes(), desc.Count(), desc.Type(), source, tag)
	if err != nil {
		return nil, err
	}
	if st != nil && st.Err != nil {
		return st, st.Err
	}
	return st, nil
}

// Sendrecv issues the send and the receive concurrently and waits for both,
// avoiding the deadlock a blocking send-then-receive exchange can produce.
func (c *Communicator) Sendrecv(sendPayload any, dest Rank, sendTag Tag, recvPayload any, source Rank, recvTag Tag) (*Status, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	sendReq, err := c.Isend(sendPayload, dest, sendTag)
	if err != nil {
		return nil, err
	}
	st, recvErr := c.Recv(recvPayload, source, recvTag)
	if _, waitErr := sendReq.Wait(); waitErr != nil && recvErr == nil {
		recvErr = waitErr
	}
	return st, recvErr
}

// Isend posts a non-blocking send. The returned request owns the resolved
// descriptor; any scratch the resolver allocated stays alive until the request
// observes completion.
func (c *Communicator) Isend(payload any, dest Rank, tag Tag) (*Request, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	desc, err := c.resolveSend(payload, dest)
	if err != nil {
		return nil, err
	}
	if dest == ProcNull {
		desc.release()
		return newCompletedRequest(Status{Source: ProcNull, Tag: tag}), nil
	}
	h, err := c.transport.StartSend(desc.Bytes(), desc.Count(), desc.Type(), dest, tag)
	if err != nil {
		desc.release()
		return nil, err
	}
	return newRequest(c.transport, h, desc), nil
}

// Irecv posts a non-blocking receive into a pre-sized buffer-like payload.
func (c *Communicator) Irecv(payload any, source Rank, tag Tag) (*Request, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	desc, err := c.resolveRecv(payload, source)
	if err != nil {
		return nil, err
	}
	if source == ProcNull {
		desc.release()
		return newCompletedRequest(Status{Source: ProcNull, Tag: tag}), nil
	}
	h, err := c.transport.StartRecv(desc.Bytes(), desc.Count(), desc.Type(), source, tag)
	if err != nil {
		desc.release()
		return nil, err
	}
	return newRequest(c.transport, h, desc), nil
}

// SendInit creates a persistent send request bound to the resolved payload
// shape. The request is created idle; Start issues the transfer, and repeated
// starts reuse the same descriptor without reallocation.
func (c *Communicator) SendInit(payload any, dest Rank, tag Tag) (*Request, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	desc, err := c.resolveSend(payload, dest)
	if err != nil {
		return nil, err
	}
	t := c.transport
	restart := func() (Handle, error) {
		return t.StartSend(desc.Bytes(), desc.Count(), desc.Type(), dest, tag)
	}
	return newPersistentRequest(t, restart, desc), nil
}

// RecvInit creates a persistent receive request bound to the resolved buffer
// shape. See SendInit for start semantics.
func (c *Communicator) RecvInit(payload any, source Rank, tag Tag) (*Request, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	desc, err := c.resolveRecv(payload, source)
	if err != nil {
		return nil, err
	}
	t := c.transport
	restart := func() (Handle, error) {
		return t.StartRecv(desc.Bytes(), desc.Count(), desc.Type(), source, tag)
	}
	return newPersistentRequest(t, restart, desc), nil
}

// SendObject encodes a value through the communicator's codec and transmits
// it, regardless of whether it is buffer-like. The peer recovers it with
// RecvObject.
func (c *Communicator) SendObject(v any, dest Rank, tag Tag) error {
	if err := c.check(); err != nil {
		return err
	}
	if dest == ProcNull {
		return nil
	}
	desc, err := c.encodeSend(v)
	if err != nil {
		return err
	}
	defer desc.release()
	st, err := c.transport.Send(desc.Bytes(), desc.Count(), desc.Type(), dest, tag)
	if err != nil {
		return err
	}
	if st != nil && st.Err != nil {
		return st.Err
	}
	return nil
}

// IsendObject encodes a value and posts a non-blocking send of the encoded
// bytes. The request owns the encoded scratch until completion.
func (c *Communicator) IsendObject(v any, dest Rank, tag Tag) (*Request, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if dest == ProcNull {
		return newCompletedRequest(Status{Source: ProcNull, Tag: tag}), nil
	}
	desc, err := c.encodeSend(v)
	if err != nil {
		return nil, err
	}
	h, err := c.transport.StartSend(desc.Bytes(), desc.Count(), desc.Type(), dest, tag)
	if err != nil {
		desc.release()
		return nil, err
	}
	return newRequest(c.transport, h, desc), nil
}

// RecvObject receives a value of unknown size from source and decodes it into
// v, which must be a pointer. The incoming length is learned by probing for
// the message envelope, so the call is a probe-then-receive pair; issuing
// concurrent RecvObject calls on the same communicator and tag races the
// pairing and is not supported.
func (c *Communicator) RecvObject(v any, source Rank, tag Tag) (*Status, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if source == ProcNull {
		return &Status{Source: ProcNull, Tag: tag}, nil
	}
	env, err := c.transport.Probe(source, tag)
	if err != nil {
		return nil, err
	}
	buf := c.pool.Acquire(env.ByteLength)
	defer c.pool.Release(buf)
	st, err := c.transport.Recv(buf, env.ByteLength, TypeByte, env.Source, env.Tag)
	if err != nil {
		return nil, err
	}
	if st != nil && st.Err != nil {
		return st, st.Err
	}
	if err := c.codec.Decode(buf[:env.ByteLength], v); err != nil {
		return st, fmt.Errorf("commgroup: decoding received object: %w", err)
	}
	return st, nil
}

// Probe blocks until a message matching source and tag is available and
// returns its envelope without consuming it.
func (c *Communicator) Probe(source Rank, tag Tag) (*Envelope, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.transport.Probe(source, tag)
}

// Iprobe checks for a matching message without blocking. The boolean reports
// whether an envelope was found.
func (c *Communicator) Iprobe(source Rank, tag Tag) (*Envelope, bool, error) {
	if err := c.check(); err != nil {
		return nil, false, err
	}
	return c.transport.Iprobe(source, tag)
}

// Dup duplicates the communicator into a fresh messaging namespace. Cached
// attributes are carried over according to their key's copy callback.
//
// The duplicate shares the parent's codec and scratch pool. Freeing the
// parent closes a parent-owned pool; the duplicate stays usable and falls
// back to per-call allocation for encoded payloads.
func (c *Communicator) Dup() (*Communicator, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	t, err := c.transport.Dup()
	if err != nil {
		return nil, err
	}
	dup, err := NewCommunicator(t, &CommunicatorAttr{Codec: c.codec, Pool: c.pool})
	if err != nil {
		return nil, err
	}
	c.copyAttrsTo(dup)
	return dup, nil
}

// Split partitions the communicator: ranks supplying the same color land in
// the same new communicator, ordered by key then by old rank. Attributes are
// not propagated across a split. The child shares the parent's codec and
// scratch pool, with the same pool lifetime as Dup.
func (c *Communicator) Split(color, key int) (*Communicator, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	t, err := c.transport.Split(color, key)
	if err != nil {
		return nil, err
	}
	return NewCommunicator(t, &CommunicatorAttr{Codec: c.codec, Pool: c.pool})
}

// Free releases the communicator, running attribute delete callbacks and
// closing the underlying transport binding. Requests already completed stay
// valid; the communicator itself accepts no further calls.
func (c *Communicator) Free() error {
	if c == nil || c.transport == nil {
		return ErrInvalidHandle{"communicator"}
	}
	if !c.freed.CompareAndSwap(false, true) {
		return ErrCommunicatorFreed
	}
	c.deleteAttrs()
	if c.ownsPool {
		c.pool.Close()
	}
	return c.transport.Close()
}
