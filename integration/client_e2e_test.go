//go:build integration

package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/rocketbitz/commgroup-go/client"
	"github.com/rocketbitz/commgroup-go/comm"
	"github.com/rocketbitz/commgroup-go/internal/loopback"
)

// ClientSuite runs the asynchronous client layer end to end over a four-rank
// group.
type ClientSuite struct {
	suite.Suite
	comms   []*comm.Communicator
	clients []*client.Client
}

func (s *ClientSuite) SetupTest() {
	world, err := loopback.NewWorld(4)
	require.NoError(s.T(), err)
	s.comms = make([]*comm.Communicator, world.Size())
	s.clients = make([]*client.Client, world.Size())
	for rank := range s.clients {
		tr, err := world.Transport(rank)
		require.NoError(s.T(), err)
		c, err := comm.NewCommunicator(tr, nil)
		require.NoError(s.T(), err)
		s.comms[rank] = c
		cl, err := client.New(client.Config{Comm: c, Timeout: 5 * time.Second})
		require.NoError(s.T(), err)
		s.clients[rank] = cl
	}
}

func (s *ClientSuite) TearDownTest() {
	for _, cl := range s.clients {
		_ = cl.Close()
	}
	for _, c := range s.comms {
		_ = c.Free()
	}
}

func (s *ClientSuite) TestAllToAllExchange() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n := len(s.clients)
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for rank, cl := range s.clients {
		wg.Add(1)
		go func(rank int, cl *client.Client) {
			defer wg.Done()
			var futures []*client.SendFuture
			for dest := 0; dest < n; dest++ {
				if dest == rank {
					continue
				}
				f, err := cl.SendAsync([]byte(fmt.Sprintf("from-%d", rank)), comm.Rank(dest))
				if err != nil {
					errs <- err
					return
				}
				futures = append(futures, f)
			}
			seen := map[comm.Rank]string{}
			for i := 0; i < n-1; i++ {
				buf := make([]byte, 32)
				got, source, err := cl.Receive(ctx, buf, comm.AnySource)
				if err != nil {
					errs <- err
					return
				}
				seen[source] = string(buf[:got])
			}
			for _, f := range futures {
				if err := f.Await(ctx); err != nil {
					errs <- err
					return
				}
			}
			for source, msg := range seen {
				if msg != fmt.Sprintf("from-%d", source) {
					errs <- fmt.Errorf("rank %d: payload %q from rank %d", rank, msg, source)
					return
				}
			}
			if len(seen) != n-1 {
				errs <- fmt.Errorf("rank %d: heard from %d peers", rank, len(seen))
			}
		}(rank, cl)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(s.T(), err)
	}
}

func (s *ClientSuite) TestHandlerFanOut() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	receiver := s.clients[1]
	received := make(chan client.ReceiveCompletion, 4)
	unregister := receiver.RegisterReceiveHandler(func(completion client.ReceiveCompletion) {
		received <- completion
	})
	defer unregister()

	buf := make([]byte, 16)
	future, err := receiver.ReceiveAsync(buf, 0)
	require.NoError(s.T(), err)

	require.NoError(s.T(), s.clients[0].Send(ctx, []byte("observed"), 1))
	_, err = future.Await(ctx)
	require.NoError(s.T(), err)

	select {
	case completion := <-received:
		require.NoError(s.T(), completion.Err)
		require.EqualValues(s.T(), 0, completion.Source)
		require.Equal(s.T(), "observed", string(completion.Payload))
	case <-ctx.Done():
		s.T().Fatal("receive handler never fired")
	}
}

func (s *ClientSuite) TestStatsAccumulate() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const messages = 5
	sender, receiver := s.clients[2], s.clients[3]
	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		for i := 0; i < messages; i++ {
			if _, _, err := receiver.Receive(ctx, buf, sender.Rank()); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for i := 0; i < messages; i++ {
		require.NoError(s.T(), sender.Send(ctx, []byte("count me"), receiver.Rank()))
	}
	require.NoError(s.T(), <-done)

	stats := sender.Stats()
	require.EqualValues(s.T(), messages, stats.SendPosted)
	require.EqualValues(s.T(), messages, stats.SendCompleted)
	require.Zero(s.T(), stats.SendErrored)

	rstats := receiver.Stats()
	require.EqualValues(s.T(), messages, rstats.ReceiveMatched)
	require.Zero(s.T(), rstats.ReceiveErrored)
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}
