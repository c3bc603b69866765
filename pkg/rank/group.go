// Package rank implements the collective-group abstraction the archiver's
// create and extract paths are built on: broadcast, scan, all-reduce,
// all-true and barrier, over a fixed set of cooperating workers.
//
// In a cluster deployment these collectives would run over MPI ranks on
// separate hosts. This package instead runs them over goroutines inside a
// single process, one goroutine per "rank" -- the same synchronization
// contract (byte-disjoint work, lock-step phase transitions) applies either
// way, so archive/layout/index/worksteal code written against *Rank does
// not need to know which transport backs it.
package rank

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Group coordinates a fixed number of ranks through collective operations.
type Group struct {
	size int

	mu   sync.Mutex
	cond *sync.Cond
	gen  int
	seen int

	u64s    []uint64
	lastSum uint64

	bools   []bool
	lastAll bool

	bcast    []byte
	bcastOut []byte
}

// NewLocalGroup builds a Group of n in-process ranks. n must be >= 1.
func NewLocalGroup(n int) *Group {
	if n < 1 {
		n = 1
	}
	g := &Group{
		size: n,
		u64s: make([]uint64, n),
		bools: make([]bool, n),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Size returns the number of ranks in the group.
func (g *Group) Size() int { return g.size }

// Run launches one goroutine per rank, invoking fn with a *Rank bound to
// that index, and joins them with an errgroup.Group so the first error
// cancels ctx for the rest.
func (g *Group) Run(ctx context.Context, fn func(ctx context.Context, me *Rank) error) error {
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < g.size; i++ {
		i := i
		eg.Go(func() error {
			return fn(ctx, &Rank{group: g, index: i})
		})
	}
	return eg.Wait()
}

// rendezvous blocks the calling rank until every rank has called it for the
// current generation. contribute runs for every rank before the barrier;
// finalize runs exactly once, for whichever rank is last to arrive, with the
// lock held, before the others are released.
func (g *Group) rendezvous(contribute func(), finalize func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	contribute()
	g.seen++
	gen := g.gen

	if g.seen == g.size {
		finalize()
		g.seen = 0
		g.gen++
		g.cond.Broadcast()
		return
	}

	for g.gen == gen {
		g.cond.Wait()
	}
}

// Rank is a single rank's handle onto its Group.
type Rank struct {
	group *Group
	index int
}

// Index returns this rank's position, in [0, Size()).
func (r *Rank) Index() int { return r.index }

// Size returns the total number of ranks in the group.
func (r *Rank) Size() int { return r.group.Size() }

// Barrier blocks until every rank has reached this call.
func (r *Rank) Barrier() {
	r.group.rendezvous(func() {}, func() {})
}

// ScanSum performs an inclusive-to-exclusive prefix sum of v across ranks,
// returning the exclusive prefix for this rank (the sum of all ranks with a
// lower index). Used by the layout planner to turn per-rank local byte
// counts into a global base offset.
func (r *Rank) ScanSum(v uint64) uint64 {
	g := r.group
	var exclusive uint64
	g.rendezvous(func() {
		g.u64s[r.index] = v
	}, func() {
		var running uint64
		for i, x := range g.u64s {
			g.u64s[i] = running
			running += x
		}
	})
	g.mu.Lock()
	exclusive = g.u64s[r.index]
	g.mu.Unlock()
	return exclusive
}

// AllReduceSum sums v across every rank and returns the total to all ranks.
func (r *Rank) AllReduceSum(v uint64) uint64 {
	g := r.group
	g.rendezvous(func() {
		g.u64s[r.index] = v
	}, func() {
		var total uint64
		for _, x := range g.u64s {
			total += x
		}
		g.lastSum = total
	})
	g.mu.Lock()
	total := g.lastSum
	g.mu.Unlock()
	return total
}

// AllTrue reports whether ok was true on every rank.
func (r *Rank) AllTrue(ok bool) bool {
	g := r.group
	g.rendezvous(func() {
		g.bools[r.index] = ok
	}, func() {
		all := true
		for _, b := range g.bools {
			if !b {
				all = false
				break
			}
		}
		g.lastAll = all
	})
	g.mu.Lock()
	all := g.lastAll
	g.mu.Unlock()
	return all
}

// Broadcast distributes data from root to every rank. Only the root's data
// argument is consulted; all ranks (including root) receive the returned
// copy.
func (r *Rank) Broadcast(data []byte, root int) []byte {
	g := r.group
	g.rendezvous(func() {
		if r.index == root {
			g.bcast = append(g.bcast[:0], data...)
		}
	}, func() {
		// Published apart from bcast: root may stage its next broadcast
		// into bcast before every rank has copied this one out.
		g.bcastOut = append([]byte(nil), g.bcast...)
	})
	g.mu.Lock()
	out := append([]byte(nil), g.bcastOut...)
	g.mu.Unlock()
	return out
}
