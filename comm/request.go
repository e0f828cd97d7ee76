package comm

import (
	"time"
)

type requestState int

const (
	stateActive requestState = iota
	stateCompleted
	stateFreed
)

func (s requestState) String() string {
	switch s {
	case stateActive:
		return "active"
	case stateCompleted:
		return "completed"
	case stateFreed:
		return "freed"
	default:
		return "unknown"
	}
}

// Request tracks one outstanding asynchronous operation. While active it is
// the exclusive owner of the message descriptors the operation references,
// keeping their memory reachable until the engine reports completion; the
// engine itself holds only raw buffer fields.
//
// A request belongs to the caller that issued it and is not safe for
// concurrent use from multiple goroutines.
type Request struct {
	transport Transport
	handle    Handle
	descs     []*Descriptor

	state  requestState
	status Status

	persistent bool
	restart    func() (Handle, error)

	// onComplete runs once, the first time the completed state is observed.
	// Used for decode-on-arrival paths layered above raw transfers.
	onComplete func(*Status)
}

func newRequest(t Transport, h Handle, descs ...*Descriptor) *Request {
	return &Request{transport: t, handle: h, descs: descs, state: stateActive}
}

// newCompletedRequest models an operation that finished at issue time, such as
// a transfer addressed to ProcNull. No engine handle exists.
func newCompletedRequest(st Status) *Request {
	return &Request{state: stateCompleted, status: st}
}

func newPersistentRequest(t Transport, restart func() (Handle, error), descs ...*Descriptor) *Request {
	// Persistent requests are created idle; the first Start issues the
	// underlying operation.
	return &Request{
		transport:  t,
		descs:      descs,
		state:      stateCompleted,
		persistent: true,
		restart:    restart,
	}
}

// Active reports whether the underlying operation is still outstanding.
func (r *Request) Active() bool {
	return r != nil && r.state == stateActive
}

// Completed reports whether the operation has finished and may be freed.
func (r *Request) Completed() bool {
	return r != nil && r.state == stateCompleted
}

func (r *Request) complete(st *Status) *Status {
	r.state = stateCompleted
	if st != nil {
		r.status = *st
	}
	if !r.persistent {
		r.releaseDescriptors()
	}
	if r.onComplete != nil {
		fn := r.onComplete
		r.onComplete = nil
		fn(&r.status)
	}
	out := r.status
	return &out
}

func (r *Request) releaseDescriptors() {
	for _, d := range r.descs {
		d.release()
	}
	if !r.persistent {
		r.descs = nil
	}
}

// Wait blocks until the operation completes and returns its status. Waiting
// on an already completed request is a no-op returning the same status.
func (r *Request) Wait() (*Status, error) {
	if r == nil {
		return nil, ErrInvalidHandle{"request"}
	}
	switch r.state {
	case stateFreed:
		return nil, ErrInvalidRequestState
	case stateCompleted:
		out := r.status
		return &out, nil
	}
	st, err := r.transport.Wait(r.handle)
	if err != nil {
		return nil, err
	}
	return r.complete(st), nil
}

// Test polls the engine for completion without blocking. The boolean reports
// whether the operation has completed; the status is valid only when it has.
func (r *Request) Test() (*Status, bool, error) {
	if r == nil {
		return nil, false, ErrInvalidHandle{"request"}
	}
	switch r.state {
	case stateFreed:
		return nil, false, ErrInvalidRequestState
	case stateCompleted:
		out := r.status
		return &out, true, nil
	}
	st, done, err := r.transport.Test(r.handle)
	if err != nil {
		return nil, false, err
	}
	if !done {
		return nil, false, nil
	}
	return r.complete(st), true, nil
}

// Cancel asks the engine to cancel the outstanding operation. Cancellation is
// advisory: the request stays active and a later Wait or Test resolves it,
// with the Cancelled flag set when the engine honoured the request.
func (r *Request) Cancel() error {
	if r == nil {
		return ErrInvalidHandle{"request"}
	}
	if r.state != stateActive {
		return ErrInvalidRequestState
	}
	return r.transport.Cancel(r.handle)
}

// Free releases the engine handle and any retained descriptors. Freeing an
// active request fails with ErrInvalidRequestState; it never implicitly
// cancels. Wait or Test the request to completion first.
func (r *Request) Free() error {
	if r == nil {
		return ErrInvalidHandle{"request"}
	}
	if r.state != stateCompleted {
		return ErrInvalidRequestState
	}
	r.state = stateFreed
	r.persistent = false
	r.releaseDescriptors()
	if r.handle == nil {
		return nil
	}
	handle := r.handle
	r.handle = nil
	return r.transport.Free(handle)
}

// Start re-issues a persistent request using the same retained descriptors.
// Only valid between completions; starting an active or freed request fails
// with ErrInvalidRequestState.
func (r *Request) Start() error {
	if r == nil {
		return ErrInvalidHandle{"request"}
	}
	if !r.persistent || r.state != stateCompleted {
		return ErrInvalidRequestState
	}
	h, err := r.restart()
	if err != nil {
		return err
	}
	if r.handle != nil {
		_ = r.transport.Free(r.handle)
	}
	r.handle = h
	r.state = stateActive
	r.status = Status{}
	return nil
}

// pollInterval paces Test loops in the batch helpers. Completion order across
// requests is whatever the engine produces; callers must not rely on it.
const pollInterval = time.Millisecond

// WaitAll blocks until every request has completed, returning statuses in
// request order.
func WaitAll(reqs ...*Request) ([]*Status, error) {
	statuses := make([]*Status, len(reqs))
	for i, r := range reqs {
		st, err := r.Wait()
		if err != nil {
			return nil, err
		}
		statuses[i] = st
	}
	return statuses, nil
}

// WaitAny blocks until at least one request completes, returning its index
// and status. Already completed requests resolve immediately.
func WaitAny(reqs ...*Request) (int, *Status, error) {
	if len(reqs) == 0 {
		return -1, nil, ErrInvalidHandle{"request"}
	}
	for {
		for i, r := range reqs {
			st, done, err := r.Test()
			if err != nil {
				return -1, nil, err
			}
			if done {
				return i, st, nil
			}
		}
		time.Sleep(pollInterval)
	}
}

// WaitSome blocks until at least one request completes, then returns the
// indices and statuses of every request completed at that point.
func WaitSome(reqs ...*Request) ([]int, []*Status, error) {
	if len(reqs) == 0 {
		return nil, nil, ErrInvalidHandle{"request"}
	}
	for {
		var indices []int
		var statuses []*Status
		for i, r := range reqs {
			st, done, err := r.Test()
			if err != nil {
				return nil, nil, err
			}
			if done {
				indices = append(indices, i)
				statuses = append(statuses, st)
			}
		}
		if len(indices) > 0 {
			return indices, statuses, nil
		}
		time.Sleep(pollInterval)
	}
}

// TestAll polls every request once. The boolean reports whether all have
// completed; statuses are returned only in that case.
func TestAll(reqs ...*Request) ([]*Status, bool, error) {
	statuses := make([]*Status, len(reqs))
	all := true
	for i, r := range reqs {
		st, done, err := r.Test()
		if err != nil {
			return nil, false, err
		}
		if !done {
			all = false
			continue
		}
		statuses[i] = st
	}
	if !all {
		return nil, false, nil
	}
	return statuses, true, nil
}
