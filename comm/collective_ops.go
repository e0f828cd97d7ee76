package comm

import "fmt"

// Collective operations. Every rank in the group must make the matching call;
// for rooted operations the root's buffers carry the data flow and the other
// side of non-root descriptors is passed in a structurally valid zero-count
// form the engine is defined to ignore.
//
// All count and displacement validation happens here, before any engine call,
// so a failed derivation leaves no engine-side state to unwind.

func (c *Communicator) checkRoot(root Rank) error {
	if root < 0 || int(root) >= c.Size() {
		return fmt.Errorf("commgroup: root %d outside group of size %d", root, c.Size())
	}
	return nil
}

func (c *Communicator) runCollective(kind CollectiveKind, send, recv *Descriptor, root Rank, op ReduceOp) error {
	defer send.release()
	defer recv.release()
	st, err := c.transport.Collective(kind, send.shape(), recv.shape(), root, op)
	if err != nil {
		return err
	}
	if st != nil && st.Err != nil {
		return st.Err
	}
	return nil
}

// Barrier blocks until every rank in the group has entered it.
func (c *Communicator) Barrier() error {
	if err := c.check(); err != nil {
		return err
	}
	empty := emptyDescriptor(TypeByte)
	return c.runCollective(KindBarrier, empty, empty, 0, OpNone)
}

// Ibarrier posts a non-blocking barrier.
func (c *Communicator) Ibarrier() (*Request, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	empty := emptyDescriptor(TypeByte)
	h, err := c.transport.StartCollective(KindBarrier, empty.shape(), empty.shape(), 0, OpNone)
	if err != nil {
		return nil, err
	}
	return newRequest(c.transport, h), nil
}

// Bcast transmits the root's buffer contents to every rank's buffer. The
// payload acts as the send side on the root and the receive side elsewhere.
func (c *Communicator) Bcast(payload any, root Rank) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := c.checkRoot(root); err != nil {
		return err
	}
	desc, err := resolveCollective(payload, nil)
	if err != nil {
		return err
	}
	return c.runCollective(KindBcast, desc, desc, root, OpNone)
}

// Ibcast posts a non-blocking broadcast. The returned request owns the
// resolved descriptor until completion.
func (c *Communicator) Ibcast(payload any, root Rank) (*Request, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if err := c.checkRoot(root); err != nil {
		return nil, err
	}
	desc, err := resolveCollective(payload, nil)
	if err != nil {
		return nil, err
	}
	h, err := c.transport.StartCollective(KindBcast, desc.shape(), desc.shape(), root, OpNone)
	if err != nil {
		desc.release()
		return nil, err
	}
	return newRequest(c.transport, h, desc), nil
}

// Gather collects equal-sized contributions from every rank into the root's
// receive buffer, ordered by rank. Non-root ranks may pass a nil recv.
func (c *Communicator) Gather(send, recv any, root Rank) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := c.checkRoot(root); err != nil {
		return err
	}
	sendDesc, err := resolveCollective(send, nil)
	if err != nil {
		return err
	}
	recvDesc, err := resolveCollective(recv, sendDesc.Type())
	if err != nil {
		return err
	}
	if c.Rank() == root {
		if recvDesc.Count() != c.Size()*sendDesc.Count() {
			return fmt.Errorf("%w: gather root expects %d elements, receive buffer holds %d",
				ErrCountMismatch, c.Size()*sendDesc.Count(), recvDesc.Count())
		}
	}
	return c.runCollective(KindGather, sendDesc, recvDesc, root, OpNone)
}

// Gatherv collects per-rank sized contributions into the root's receive
// buffer. recvCounts is required on the root; nil recvDispls selects the
// tightly packed prefix-sum layout, in which case the counts must exactly
// fill the receive buffer.
func (c *Communicator) Gatherv(send, recv any, recvCounts, recvDispls []int, root Rank) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := c.checkRoot(root); err != nil {
		return err
	}
	sendDesc, err := resolveCollective(send, nil)
	if err != nil {
		return err
	}
	recvDesc, err := resolveCollective(recv, sendDesc.Type())
	if err != nil {
		return err
	}
	if c.Rank() == root {
		counts, displs, err := deriveVector(recvCounts, recvDispls, c.Size(), recvDesc.Count(), recvDispls == nil)
		if err != nil {
			return err
		}
		recvDesc = recvDesc.withVector(counts, displs)
	}
	return c.runCollective(KindGatherv, sendDesc, recvDesc, root, OpNone)
}

// Scatter distributes equal-sized blocks of the root's send buffer to every
// rank's receive buffer. Non-root ranks may pass a nil send.
func (c *Communicator) Scatter(send, recv any, root Rank) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := c.checkRoot(root); err != nil {
		return err
	}
	recvDesc, err := resolveCollective(recv, nil)
	if err != nil {
		return err
	}
	sendDesc, err := resolveCollective(send, recvDesc.Type())
	if err != nil {
		return err
	}
	if c.Rank() == root {
		if sendDesc.Count() != c.Size()*recvDesc.Count() {
			return fmt.Errorf("%w: scatter root holds %d elements, ranks expect %d",
				ErrCountMismatch, sendDesc.Count(), c.Size()*recvDesc.Count())
		}
	}
	return c.runCollective(KindScatter, sendDesc, recvDesc, root, OpNone)
}

// Scatterv distributes per-rank sized blocks of the root's send buffer.
// sendCounts is required on the root; nil sendDispls selects the tightly
// packed prefix-sum layout, in which case the counts must exactly partition
// the send buffer.
func (c *Communicator) Scatterv(send any, sendCounts, sendDispls []int, recv any, root Rank) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := c.checkRoot(root); err != nil {
		return err
	}
	recvDesc, err := resolveCollective(recv, nil)
	if err != nil {
		return err
	}
	sendDesc, err := resolveCollective(send, recvDesc.Type())
	if err != nil {
		return err
	}
	if c.Rank() == root {
		counts, displs, err := deriveVector(sendCounts, sendDispls, c.Size(), sendDesc.Count(), sendDispls == nil)
		if err != nil {
			return err
		}
		sendDesc = sendDesc.withVector(counts, displs)
	}
	return c.runCollective(KindScatterv, sendDesc, recvDesc, root, OpNone)
}

// Allgather collects equal-sized contributions from every rank into every
// rank's receive buffer, ordered by rank.
func (c *Communicator) Allgather(send, recv any) error {
	if err := c.check(); err != nil {
		return err
	}
	sendDesc, err := resolveCollective(send, nil)
	if err != nil {
		return err
	}
	recvDesc, err := resolveCollective(recv, sendDesc.Type())
	if err != nil {
		return err
	}
	if recvDesc.Count() != c.Size()*sendDesc.Count() {
		return fmt.Errorf("%w: allgather expects %d elements, receive buffer holds %d",
			ErrCountMismatch, c.Size()*sendDesc.Count(), recvDesc.Count())
	}
	return c.runCollective(KindAllgather, sendDesc, recvDesc, 0, OpNone)
}

// Allgatherv collects per-rank sized contributions into every rank's receive
// buffer. recvCounts is required on every rank; nil recvDispls selects the
// prefix-sum layout.
func (c *Communicator) Allgatherv(send, recv any, recvCounts, recvDispls []int) error {
	if err := c.check(); err != nil {
		return err
	}
	sendDesc, err := resolveCollective(send, nil)
	if err != nil {
		return err
	}
	recvDesc, err := resolveCollective(recv, sendDesc.Type())
	if err != nil {
		return err
	}
	counts, displs, err := deriveVector(recvCounts, recvDispls, c.Size(), recvDesc.Count(), recvDispls == nil)
	if err != nil {
		return err
	}
	recvDesc = recvDesc.withVector(counts, displs)
	return c.runCollective(KindAllgatherv, sendDesc, recvDesc, 0, OpNone)
}

// Alltoall exchanges equal-sized blocks between every pair of ranks: block j
// of the send buffer lands in block Rank() of rank j's receive buffer.
func (c *Communicator) Alltoall(send, recv any) error {
	if err := c.check(); err != nil {
		return err
	}
	sendDesc, err := resolveCollective(send, nil)
	if err != nil {
		return err
	}
	recvDesc, err := resolveCollective(recv, sendDesc.Type())
	if err != nil {
		return err
	}
	n := c.Size()
	if sendDesc.Count()%n != 0 {
		return fmt.Errorf("%w: alltoall send buffer of %d elements not divisible by group size %d",
			ErrCountMismatch, sendDesc.Count(), n)
	}
	if recvDesc.Count() != sendDesc.Count() {
		return fmt.Errorf("%w: alltoall buffers differ: send %d, recv %d elements",
			ErrCountMismatch, sendDesc.Count(), recvDesc.Count())
	}
	return c.runCollective(KindAlltoall, sendDesc, recvDesc, 0, OpNone)
}

// Alltoallv exchanges per-rank sized blocks between every pair of ranks. Both
// count arrays are required on every rank; nil displacement arrays select the
// prefix-sum layout on that side.
func (c *Communicator) Alltoallv(send any, sendCounts, sendDispls []int, recv any, recvCounts, recvDispls []int) error {
	if err := c.check(); err != nil {
		return err
	}
	sendDesc, err := resolveCollective(send, nil)
	if err != nil {
		return err
	}
	recvDesc, err := resolveCollective(recv, sendDesc.Type())
	if err != nil {
		return err
	}
	sCounts, sDispls, err := deriveVector(sendCounts, sendDispls, c.Size(), sendDesc.Count(), sendDispls == nil)
	if err != nil {
		return err
	}
	rCounts, rDispls, err := deriveVector(recvCounts, recvDispls, c.Size(), recvDesc.Count(), recvDispls == nil)
	if err != nil {
		return err
	}
	sendDesc = sendDesc.withVector(sCounts, sDispls)
	recvDesc = recvDesc.withVector(rCounts, rDispls)
	return c.runCollective(KindAlltoallv, sendDesc, recvDesc, 0, OpNone)
}

// Reduce folds every rank's send buffer elementwise under op into the root's
// receive buffer. Non-root ranks may pass a nil recv.
func (c *Communicator) Reduce(send, recv any, op ReduceOp, root Rank) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := c.checkRoot(root); err != nil {
		return err
	}
	if op == OpNone {
		return fmt.Errorf("commgroup: reduce requires a reduction operator")
	}
	sendDesc, err := resolveCollective(send, nil)
	if err != nil {
		return err
	}
	recvDesc, err := resolveCollective(recv, sendDesc.Type())
	if err != nil {
		return err
	}
	if c.Rank() == root && recvDesc.Count() != sendDesc.Count() {
		return fmt.Errorf("%w: reduce buffers differ: send %d, recv %d elements",
			ErrCountMismatch, sendDesc.Count(), recvDesc.Count())
	}
	return c.runCollective(KindReduce, sendDesc, recvDesc, root, op)
}

// Allreduce folds every rank's send buffer elementwise under op into every
// rank's receive buffer.
func (c *Communicator) Allreduce(send, recv any, op ReduceOp) error {
	if err := c.check(); err != nil {
		return err
	}
	if op == OpNone {
		return fmt.Errorf("commgroup: allreduce requires a reduction operator")
	}
	sendDesc, err := resolveCollective(send, nil)
	if err != nil {
		return err
	}
	recvDesc, err := resolveCollective(recv, sendDesc.Type())
	if err != nil {
		return err
	}
	if recvDesc.Count() != sendDesc.Count() {
		return fmt.Errorf("%w: allreduce buffers differ: send %d, recv %d elements",
			ErrCountMismatch, sendDesc.Count(), recvDesc.Count())
	}
	return c.runCollective(KindAllreduce, sendDesc, recvDesc, 0, op)
}

// ReduceScatter folds every rank's send buffer elementwise under op, then
// scatters the result by the explicit per-rank counts. The counts are
// required — the split is inherently asymmetric and is never guessed — and
// must sum to the send buffer's element count.
func (c *Communicator) ReduceScatter(send, recv any, counts []int, op ReduceOp) error {
	if err := c.check(); err != nil {
		return err
	}
	if op == OpNone {
		return fmt.Errorf("commgroup: reduce-scatter requires a reduction operator")
	}
	sendDesc, err := resolveCollective(send, nil)
	if err != nil {
		return err
	}
	recvDesc, err := resolveCollective(recv, sendDesc.Type())
	if err != nil {
		return err
	}
	if err := validateCounts(counts, c.Size()); err != nil {
		return err
	}
	if err := validateCountSum(counts, sendDesc.Count()); err != nil {
		return err
	}
	if recvDesc.Count() != counts[c.Rank()] {
		return fmt.Errorf("%w: reduce-scatter rank %d expects %d elements, receive buffer holds %d",
			ErrCountMismatch, c.Rank(), counts[c.Rank()], recvDesc.Count())
	}
	sendDesc = sendDesc.withVector(counts, DeriveDisplacements(counts))
	return c.runCollective(KindReduceScatter, sendDesc, recvDesc, 0, op)
}

// Scan computes the inclusive prefix reduction under op: rank i receives the
// fold of the send buffers of ranks 0 through i.
func (c *Communicator) Scan(send, recv any, op ReduceOp) error {
	if err := c.check(); err != nil {
		return err
	}
	if op == OpNone {
		return fmt.Errorf("commgroup: scan requires a reduction operator")
	}
	sendDesc, err := resolveCollective(send, nil)
	if err != nil {
		return err
	}
	recvDesc, err := resolveCollective(recv, sendDesc.Type())
	if err != nil {
		return err
	}
	if recvDesc.Count() != sendDesc.Count() {
		return fmt.Errorf("%w: scan buffers differ: send %d, recv %d elements",
			ErrCountMismatch, sendDesc.Count(), recvDesc.Count())
	}
	return c.runCollective(KindScan, sendDesc, recvDesc, 0, op)
}
