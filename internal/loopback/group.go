package loopback

import (
	"sort"

	"github.com/rocketbitz/commgroup-go/comm"
)

// Dup binds the caller to a fresh context: same group, private mailboxes, so
// traffic on the duplicate never matches traffic on the parent. The first
// rank to arrive allocates the context; the rest attach to it. No data is
// exchanged, so Dup does not block.
func (t *transport) Dup() (comm.Transport, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	seq := t.dupSeq
	t.dupSeq++
	ctx := t.ctx.hub.joinDup(seq, t.ctx)
	return &transport{ctx: ctx, rank: t.rank}, nil
}

// Split partitions the group by color: ranks with equal colors form a new
// context, ordered by key and then by parent rank. Split blocks until every
// rank of the parent context has called it, since ranks cannot know their new
// rank before all colors are in.
func (t *transport) Split(color, key int) (comm.Transport, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	seq := t.splitSeq
	t.splitSeq++
	ctx, rank, err := t.ctx.hub.joinSplit(seq, t.ctx, t.rank, color, key)
	if err != nil {
		return nil, err
	}
	return &transport{ctx: ctx, rank: rank}, nil
}

type dupCall struct {
	ctx     *commContext
	arrived int
}

func (r *rendezvous) joinDup(seq int, parent *commContext) *commContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, ok := r.dups[seq]
	if !ok {
		call = &dupCall{ctx: parent.world.newContext(parent.size)}
		r.dups[seq] = call
	}
	call.arrived++
	if call.arrived == r.size {
		delete(r.dups, seq)
	}
	return call.ctx
}

type splitEntry struct {
	rank  comm.Rank
	color int
	key   int
}

type splitResult struct {
	ctx  *commContext
	rank comm.Rank
}

type splitCall struct {
	entries []splitEntry
	arrived int
	done    bool
	results map[comm.Rank]splitResult
}

func (r *rendezvous) joinSplit(seq int, parent *commContext, rank comm.Rank, color, key int) (*commContext, comm.Rank, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.splits[seq]
	if !ok {
		call = &splitCall{results: make(map[comm.Rank]splitResult)}
		r.splits[seq] = call
	}
	call.entries = append(call.entries, splitEntry{rank: rank, color: color, key: key})
	call.arrived++

	if call.arrived == r.size {
		computeSplit(call, parent)
		call.done = true
		delete(r.splits, seq)
		r.cond.Broadcast()
	} else {
		for !call.done {
			r.cond.Wait()
		}
	}

	res := call.results[rank]
	return res.ctx, res.rank, nil
}

func computeSplit(call *splitCall, parent *commContext) {
	byColor := make(map[int][]splitEntry)
	for _, e := range call.entries {
		byColor[e.color] = append(byColor[e.color], e)
	}
	colors := make([]int, 0, len(byColor))
	for color := range byColor {
		colors = append(colors, color)
	}
	sort.Ints(colors)
	for _, color := range colors {
		members := byColor[color]
		sort.Slice(members, func(i, j int) bool {
			if members[i].key != members[j].key {
				return members[i].key < members[j].key
			}
			return members[i].rank < members[j].rank
		})
		ctx := parent.world.newContext(len(members))
		for newRank, e := range members {
			call.results[e.rank] = splitResult{ctx: ctx, rank: comm.Rank(newRank)}
		}
	}
}
