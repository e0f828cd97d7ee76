package comm

// stubTransport records every engine call for inspection and lets tests drive
// asynchronous completion by hand through the handles it issues.

type sendCall struct {
	data  []byte
	count int
	dtype *Datatype
	dest  Rank
	tag   Tag
}

type recvCall struct {
	data   []byte
	count  int
	dtype  *Datatype
	source Rank
	tag    Tag
}

type collectiveCall struct {
	kind CollectiveKind
	send Shape
	recv Shape
	root Rank
	op   ReduceOp
}

type stubHandle struct {
	done      bool
	status    *Status
	err       error
	cancelled bool
	freed     bool
}

func (h *stubHandle) finish(st *Status) {
	h.done = true
	h.status = st
}

type stubTransport struct {
	rank Rank
	size int

	sends       []sendCall
	recvs       []recvCall
	collectives []collectiveCall
	handles     []*stubHandle
	closed      bool

	recvData   []byte
	recvStatus *Status
	probeEnv   *Envelope
}

func newStubTransport(rank Rank, size int) *stubTransport {
	return &stubTransport{rank: rank, size: size}
}

func (t *stubTransport) lastHandle() *stubHandle {
	if len(t.handles) == 0 {
		return nil
	}
	return t.handles[len(t.handles)-1]
}

func (t *stubTransport) Rank() Rank { return t.rank }
func (t *stubTransport) Size() int  { return t.size }

func (t *stubTransport) Send(data []byte, count int, dt *Datatype, dest Rank, tag Tag) (*Status, error) {
	t.sends = append(t.sends, sendCall{data: data, count: count, dtype: dt, dest: dest, tag: tag})
	return &Status{Source: t.rank, Tag: tag, Count: count}, nil
}

func (t *stubTransport) Recv(data []byte, count int, dt *Datatype, source Rank, tag Tag) (*Status, error) {
	t.recvs = append(t.recvs, recvCall{data: data, count: count, dtype: dt, source: source, tag: tag})
	n := copy(data, t.recvData)
	if t.recvStatus != nil {
		out := *t.recvStatus
		return &out, nil
	}
	return &Status{Source: source, Tag: tag, Count: n / int(dt.Extent())}, nil
}

func (t *stubTransport) Probe(source Rank, tag Tag) (*Envelope, error) {
	return t.probeEnv, nil
}

func (t *stubTransport) Iprobe(source Rank, tag Tag) (*Envelope, bool, error) {
	return t.probeEnv, t.probeEnv != nil, nil
}

func (t *stubTransport) Collective(kind CollectiveKind, send, recv Shape, root Rank, op ReduceOp) (*Status, error) {
	t.collectives = append(t.collectives, collectiveCall{kind: kind, send: send, recv: recv, root: root, op: op})
	return &Status{Count: recv.Count}, nil
}

func (t *stubTransport) StartSend(data []byte, count int, dt *Datatype, dest Rank, tag Tag) (Handle, error) {
	t.sends = append(t.sends, sendCall{data: data, count: count, dtype: dt, dest: dest, tag: tag})
	h := &stubHandle{}
	t.handles = append(t.handles, h)
	return h, nil
}

func (t *stubTransport) StartRecv(data []byte, count int, dt *Datatype, source Rank, tag Tag) (Handle, error) {
	t.recvs = append(t.recvs, recvCall{data: data, count: count, dtype: dt, source: source, tag: tag})
	h := &stubHandle{}
	t.handles = append(t.handles, h)
	return h, nil
}

func (t *stubTransport) StartCollective(kind CollectiveKind, send, recv Shape, root Rank, op ReduceOp) (Handle, error) {
	t.collectives = append(t.collectives, collectiveCall{kind: kind, send: send, recv: recv, root: root, op: op})
	h := &stubHandle{}
	t.handles = append(t.handles, h)
	return h, nil
}

func (t *stubTransport) Wait(v Handle) (*Status, error) {
	h := v.(*stubHandle)
	if h.err != nil {
		return nil, h.err
	}
	if !h.done {
		h.finish(&Status{Source: t.rank})
	}
	return h.status, nil
}

func (t *stubTransport) Test(v Handle) (*Status, bool, error) {
	h := v.(*stubHandle)
	if h.err != nil {
		return nil, false, h.err
	}
	if !h.done {
		return nil, false, nil
	}
	return h.status, true, nil
}

func (t *stubTransport) Cancel(v Handle) error {
	h := v.(*stubHandle)
	h.cancelled = true
	return nil
}

func (t *stubTransport) Free(v Handle) error {
	h := v.(*stubHandle)
	h.freed = true
	return nil
}

func (t *stubTransport) Dup() (Transport, error) {
	return newStubTransport(t.rank, t.size), nil
}

func (t *stubTransport) Split(color, key int) (Transport, error) {
	return newStubTransport(0, 1), nil
}

func (t *stubTransport) Close() error {
	t.closed = true
	return nil
}

func newStubCommunicator(rank Rank, size int) (*Communicator, *stubTransport) {
	t := newStubTransport(rank, size)
	c, err := NewCommunicator(t, nil)
	if err != nil {
		panic(err)
	}
	return c, t
}
