//go:build integration

package integration

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/rocketbitz/commgroup-go/comm"
	"github.com/rocketbitz/commgroup-go/internal/loopback"
)

// GroupSuite exercises the communicator surface end to end over a four-rank
// group, with every rank running on its own goroutine.
type GroupSuite struct {
	suite.Suite
	world *loopback.World
	comms []*comm.Communicator
}

func (s *GroupSuite) SetupTest() {
	world, err := loopback.NewWorld(4)
	require.NoError(s.T(), err)
	s.world = world
	s.comms = make([]*comm.Communicator, world.Size())
	for rank := range s.comms {
		tr, err := world.Transport(rank)
		require.NoError(s.T(), err)
		c, err := comm.NewCommunicator(tr, nil)
		require.NoError(s.T(), err)
		s.comms[rank] = c
	}
}

func (s *GroupSuite) TearDownTest() {
	for _, c := range s.comms {
		_ = c.Free()
	}
}

// perRank runs fn concurrently on every rank and propagates all failures.
func (s *GroupSuite) perRank(fn func(c *comm.Communicator) error) {
	s.T().Helper()
	errs := make(chan error, len(s.comms))
	var wg sync.WaitGroup
	for _, c := range s.comms {
		wg.Add(1)
		go func(c *comm.Communicator) {
			defer wg.Done()
			errs <- fn(c)
		}(c)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(s.T(), err)
	}
}

func (s *GroupSuite) TestScatterComputeReduce() {
	const root = comm.Rank(0)
	counts := []int{1, 2, 3, 4}
	displs := comm.DeriveDisplacements(counts)

	results := make([]int64, len(s.comms))
	s.perRank(func(c *comm.Communicator) error {
		var send any
		if c.Rank() == root {
			seq := make([]int64, 10)
			for i := range seq {
				seq[i] = int64(i + 1)
			}
			send = comm.Int64s(seq)
		}
		share := make([]int64, counts[c.Rank()])
		if err := c.Scatterv(send, counts, displs, comm.Int64s(share), root); err != nil {
			return err
		}

		local := []int64{0}
		for _, v := range share {
			local[0] += v
		}
		total := []int64{0}
		if err := c.Allreduce(comm.Int64s(local), comm.Int64s(total), comm.OpSum); err != nil {
			return err
		}
		results[c.Rank()] = total[0]
		return c.Barrier()
	})

	// 1+2+...+10 on every rank.
	for rank, total := range results {
		require.EqualValues(s.T(), 55, total, "rank %d", rank)
	}
}

func (s *GroupSuite) TestObjectRing() {
	type record struct {
		Origin int
		Hops   []string
	}

	s.perRank(func(c *comm.Communicator) error {
		n := comm.Rank(c.Size())
		next := (c.Rank() + 1) % n
		prev := (c.Rank() + n - 1) % n

		out := record{Origin: int(c.Rank()), Hops: []string{"start"}}
		if err := c.SendObject(&out, next, 0); err != nil {
			return err
		}
		var in record
		st, err := c.RecvObject(&in, prev, 0)
		if err != nil {
			return err
		}
		require.EqualValues(s.T(), prev, st.Source)
		require.EqualValues(s.T(), prev, in.Origin)
		require.Equal(s.T(), []string{"start"}, in.Hops)
		return nil
	})
}

func (s *GroupSuite) TestSplitSubgroupReduction() {
	sums := make([]int32, len(s.comms))
	s.perRank(func(c *comm.Communicator) error {
		// Even and odd ranks form separate two-rank groups.
		sub, err := c.Split(int(c.Rank())%2, int(c.Rank()))
		if err != nil {
			return err
		}
		defer func() {
			_ = sub.Free()
		}()
		if sub.Size() != 2 {
			s.T().Errorf("rank %d: unexpected subgroup size %d", c.Rank(), sub.Size())
		}

		local := []int32{int32(c.Rank())}
		total := []int32{0}
		if err := sub.Allreduce(comm.Int32s(local), comm.Int32s(total), comm.OpSum); err != nil {
			return err
		}
		sums[c.Rank()] = total[0]
		return nil
	})

	// Evens sum 0+2, odds sum 1+3.
	require.Equal(s.T(), []int32{2, 4, 2, 4}, sums)
}

func (s *GroupSuite) TestDupIsolation() {
	s.perRank(func(c *comm.Communicator) error {
		dup, err := c.Dup()
		if err != nil {
			return err
		}
		defer func() {
			_ = dup.Free()
		}()

		// Same tag on both communicators; messages must not cross.
		peer := (c.Rank() + 1) % comm.Rank(c.Size())
		prev := (c.Rank() + comm.Rank(c.Size()) - 1) % comm.Rank(c.Size())
		if err := c.Send(comm.ByteBuffer([]byte("parent")), peer, 5); err != nil {
			return err
		}
		if err := dup.Send(comm.ByteBuffer([]byte("dup")), peer, 5); err != nil {
			return err
		}

		buf := make([]byte, 8)
		st, err := dup.Recv(comm.ByteBuffer(buf), prev, 5)
		if err != nil {
			return err
		}
		require.Equal(s.T(), "dup", string(buf[:st.Count]))
		st, err = c.Recv(comm.ByteBuffer(buf), prev, 5)
		if err != nil {
			return err
		}
		require.Equal(s.T(), "parent", string(buf[:st.Count]))
		return nil
	})
}

func (s *GroupSuite) TestOverlappedRequests() {
	s.perRank(func(c *comm.Communicator) error {
		n := comm.Rank(c.Size())
		var reqs []*comm.Request
		for dest := comm.Rank(0); dest < n; dest++ {
			if dest == c.Rank() {
				continue
			}
			req, err := c.Isend(comm.ByteBuffer([]byte{byte(c.Rank())}), dest, 1)
			if err != nil {
				return err
			}
			reqs = append(reqs, req)
		}
		recvBufs := make([][]byte, 0, int(n)-1)
		for src := comm.Rank(0); src < n; src++ {
			if src == c.Rank() {
				continue
			}
			buf := make([]byte, 1)
			recvBufs = append(recvBufs, buf)
			req, err := c.Irecv(comm.ByteBuffer(buf), src, 1)
			if err != nil {
				return err
			}
			reqs = append(reqs, req)
		}
		if _, err := comm.WaitAll(reqs...); err != nil {
			return err
		}
		for _, req := range reqs {
			if err := req.Free(); err != nil {
				return err
			}
		}

		seen := map[byte]bool{}
		for _, buf := range recvBufs {
			seen[buf[0]] = true
		}
		require.Len(s.T(), seen, int(n)-1)
		return nil
	})
}

func TestGroupSuite(t *testing.T) {
	suite.Run(t, new(GroupSuite))
}
