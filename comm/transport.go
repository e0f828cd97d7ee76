package comm

// Rank addresses a participant within a communicator's group.
type Rank int

const (
	// AnySource matches messages from any rank on a receive or probe.
	AnySource Rank = -1
	// ProcNull is the null peer. Transfers addressed to it complete
	// immediately with no data movement.
	ProcNull Rank = -2
)

// Tag labels a message within a communicator's namespace.
type Tag int

// AnyTag matches messages carrying any tag on a receive or probe.
const AnyTag Tag = -1

// Status reports the outcome of a completed transfer.
type Status struct {
	Source    Rank
	Tag       Tag
	Count     int
	Cancelled bool
	// Err carries completion-time failures the engine can only detect once
	// the message arrives, such as ErrTruncated.
	Err error
}

// Envelope describes an incoming message before its payload is received.
type Envelope struct {
	Source     Rank
	Tag        Tag
	ByteLength int
}

// CollectiveKind identifies a collective operation family.
type CollectiveKind int

const (
	KindBarrier CollectiveKind = iota
	KindBcast
	KindGather
	KindGatherv
	KindScatter
	KindScatterv
	KindAllgather
	KindAllgatherv
	KindAlltoall
	KindAlltoallv
	KindReduce
	KindAllreduce
	KindReduceScatter
	KindScan
)

func (k CollectiveKind) String() string {
	switch k {
	case KindBarrier:
		return "barrier"
	case KindBcast:
		return "bcast"
	case KindGather:
		return "gather"
	case KindGatherv:
		return "gatherv"
	case KindScatter:
		return "scatter"
	case KindScatterv:
		return "scatterv"
	case KindAllgather:
		return "allgather"
	case KindAllgatherv:
		return "allgatherv"
	case KindAlltoall:
		return "alltoall"
	case KindAlltoallv:
		return "alltoallv"
	case KindReduce:
		return "reduce"
	case KindAllreduce:
		return "allreduce"
	case KindReduceScatter:
		return "reduce_scatter"
	case KindScan:
		return "scan"
	default:
		return "collective"
	}
}

// ReduceOp identifies a reduction operator. The operator implementation lives
// in the engine; this layer only routes the token.
type ReduceOp int

const (
	OpNone ReduceOp = iota
	OpSum
	OpProd
	OpMax
	OpMin
)

func (o ReduceOp) String() string {
	switch o {
	case OpSum:
		return "sum"
	case OpProd:
		return "prod"
	case OpMax:
		return "max"
	case OpMin:
		return "min"
	default:
		return "none"
	}
}

// Handle is an opaque token for an outstanding engine operation. Only the
// transport that issued it can interpret it.
type Handle interface{}

// Shape is the raw parameter block handed to a collective engine call: one
// side (send or receive) of the operation. Counts and Displs are populated
// only for vector variants.
type Shape struct {
	Data   []byte
	Count  int
	Counts []int
	Displs []int
	Type   *Datatype
}

// Transport is the message-passing engine consumed by this layer. Blocking
// calls occupy the caller until the engine reports completion; Start* calls
// return a Handle resolved later through Wait or Test.
//
// The engine holds only the raw buffer fields passed to it. Keeping the
// referenced memory alive until completion is the caller's obligation; the
// Request type exists to discharge it for scratch allocations made here.
type Transport interface {
	Rank() Rank
	Size() int

	Send(data []byte, count int, dt *Datatype, dest Rank, tag Tag) (*Status, error)
	Recv(data []byte, count int, dt *Datatype, source Rank, tag Tag) (*Status, error)
	Probe(source Rank, tag Tag) (*Envelope, error)
	Iprobe(source Rank, tag Tag) (*Envelope, bool, error)
	Collective(kind CollectiveKind, send, recv Shape, root Rank, op ReduceOp) (*Status, error)

	StartSend(data []byte, count int, dt *Datatype, dest Rank, tag Tag) (Handle, error)
	StartRecv(data []byte, count int, dt *Datatype, source Rank, tag Tag) (Handle, error)
	StartCollective(kind CollectiveKind, send, recv Shape, root Rank, op ReduceOp) (Handle, error)

	Wait(h Handle) (*Status, error)
	Test(h Handle) (*Status, bool, error)
	Cancel(h Handle) error
	Free(h Handle) error

	Dup() (Transport, error)
	Split(color, key int) (Transport, error)
	Close() error
}
