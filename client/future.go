package client

import (
	"context"
	"sync"

	"github.com/rocketbitz/commgroup-go/comm"
)

type operationResult struct {
	length int
	source comm.Rank
	err    error
}

// operation tracks one posted request from post to resolution. The dispatcher
// resolves it exactly once; futures and completion callbacks observe the
// recorded result afterwards.
type operation struct {
	client *Client
	kind   OperationKind
	size   int
	req    *comm.Request
	dest   comm.Rank
	buffer []byte

	mu        sync.Mutex
	done      chan struct{}
	resolved  bool
	result    operationResult
	callbacks []func(operationResult)
}

func newOperation(c *Client, kind OperationKind, size int, req *comm.Request) *operation {
	return &operation{
		client: c,
		kind:   kind,
		size:   size,
		req:    req,
		dest:   comm.ProcNull,
		done:   make(chan struct{}),
	}
}

func (op *operation) complete(res operationResult) {
	op.mu.Lock()
	if op.resolved {
		op.mu.Unlock()
		return
	}
	op.resolved = true
	op.result = res
	callbacks := op.callbacks
	op.callbacks = nil
	close(op.done)
	op.mu.Unlock()

	op.client.emit(op, res)
	for _, cb := range callbacks {
		cb(res)
	}
}

// onComplete registers cb, invoking it immediately when the operation has
// already resolved.
func (op *operation) onComplete(cb func(operationResult)) {
	op.mu.Lock()
	if op.resolved {
		res := op.result
		op.mu.Unlock()
		cb(res)
		return
	}
	op.callbacks = append(op.callbacks, cb)
	op.mu.Unlock()
}

func (op *operation) await(ctx context.Context) (operationResult, error) {
	select {
	case <-op.done:
	case <-ctx.Done():
		// Best effort: flag the request so the dispatcher resolves it as
		// cancelled instead of leaving it pending forever.
		_ = op.req.Cancel()
		return operationResult{}, ctx.Err()
	}
	op.mu.Lock()
	res := op.result
	op.mu.Unlock()
	return res, res.err
}

func (op *operation) snapshot() (operationResult, bool) {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result, op.resolved
}

// SendFuture resolves when a posted send completes.
type SendFuture struct {
	op *operation
}

// Await blocks until the send completes or ctx expires.
func (f *SendFuture) Await(ctx context.Context) error {
	if f == nil || f.op == nil {
		return ErrClosed
	}
	_, err := f.op.await(ensureContext(ctx))
	return err
}

// Done returns a channel closed when the send resolves.
func (f *SendFuture) Done() <-chan struct{} {
	return f.op.done
}

// Err reports the completion error once the future has resolved. It returns
// nil while the operation is still in flight.
func (f *SendFuture) Err() error {
	res, ok := f.op.snapshot()
	if !ok {
		return nil
	}
	return res.err
}

// OnComplete registers cb to run when the send resolves. A future that has
// already resolved invokes cb synchronously.
func (f *SendFuture) OnComplete(cb func(error)) {
	if f == nil || f.op == nil || cb == nil {
		return
	}
	f.op.onComplete(func(res operationResult) {
		cb(res.err)
	})
}

// ReceiveFuture resolves when a posted receive matches an incoming message.
type ReceiveFuture struct {
	op *operation
}

// Await blocks until data arrives or ctx expires, returning the received
// length in bytes.
func (f *ReceiveFuture) Await(ctx context.Context) (int, error) {
	if f == nil || f.op == nil {
		return 0, ErrClosed
	}
	res, err := f.op.await(ensureContext(ctx))
	if err != nil {
		return 0, err
	}
	return res.length, nil
}

// Done returns a channel closed when the receive resolves.
func (f *ReceiveFuture) Done() <-chan struct{} {
	return f.op.done
}

// Source reports the sender's rank once the future has resolved, and
// comm.AnySource before that.
func (f *ReceiveFuture) Source() comm.Rank {
	res, ok := f.op.snapshot()
	if !ok {
		return comm.AnySource
	}
	return res.source
}

// OnComplete registers cb to run when the receive resolves. A future that has
// already resolved invokes cb synchronously.
func (f *ReceiveFuture) OnComplete(cb func(int, comm.Rank, error)) {
	if f == nil || f.op == nil || cb == nil {
		return
	}
	f.op.onComplete(func(res operationResult) {
		cb(res.length, res.source, res.err)
	})
}
