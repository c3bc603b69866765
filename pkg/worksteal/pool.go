// Package worksteal implements a work-stealing task pool: a queue of work
// items that any rank may pull from, plus a periodic reduction used to
// drive progress telemetry.
//
// The steal protocol here is a single shared, atomically-indexed cursor
// rather than per-worker deques with pairwise stealing -- behaviorally
// equivalent for this module's purposes, since any item may end up
// processed by any rank.
//
// Because every "rank" here is a goroutine in the same address space, the
// periodic cross-rank sum-reduce for progress telemetry collapses to
// plain atomic accumulation: there is no network boundary between ranks
// to reduce across. A clustered, multi-process implementation of this
// same Pool would instead keep rank-local counters and fold them with
// rank.Rank.AllReduceSum on each tick; see DESIGN.md.
package worksteal

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/parallelarchive/ptar/pkg/rank"
)

// Item is one unit of work. Implementations are expected to be small
// value types (a work item carries {entry name, file size, chunk index,
// archive data offset}).
type Item interface{}

// Process handles a single item on some rank. counters should report this
// call's contribution to each of the pool's reduction slots (e.g.
// [bytesWritten, itemsCompleted]) regardless of err; an error is logged by
// the caller via onError and does not stop the rank from pulling further
// items: sibling entries still get a chance to complete, and the
// operation as a whole reports failure only once the pool has drained.
type Process func(ctx context.Context, rankIndex int, item Item) (counters []int64, err error)

// Pool is a shared, drain-once queue of work items.
type Pool struct {
	items []Item
	next  int64
}

// NewPool builds a pool over a fixed, pre-enumerated slice of items. Task
// enumeration is deterministic from the layout plan, so every rank can
// build the identical items slice independently and still end up
// partitioning it correctly via the shared cursor.
func NewPool(items []Item) *Pool {
	return &Pool{items: items}
}

func (p *Pool) steal() (Item, bool) {
	i := atomic.AddInt64(&p.next, 1) - 1
	if int(i) >= len(p.items) {
		return nil, false
	}
	return p.items[i], true
}

// Run drains the pool using one goroutine per rank in group, invoking
// process for each stolen item. A running total of each counter slot is
// kept in shared atomics (see package doc) and, every interval, reported
// to onReduce; a final report is always delivered once every rank has
// drained the pool. onError, if non-nil, is called for every item that
// fails; Run keeps going regardless so sibling items still get processed,
// then reports overall success via an all-true collective and returns a
// non-nil error if any rank saw any failure.
func (p *Pool) Run(ctx context.Context, group *rank.Group, width int, interval time.Duration, process Process, onReduce func(totals []int64), onError func(rankIndex int, item Item, err error)) error {
	totals := make([]int64, width)

	report := func() {
		if onReduce == nil {
			return
		}
		snapshot := make([]int64, width)
		for i := range snapshot {
			snapshot[i] = atomic.LoadInt64(&totals[i])
		}
		onReduce(snapshot)
	}

	stop := make(chan struct{})
	tickerDone := make(chan struct{})
	if interval > 0 && onReduce != nil {
		go func() {
			defer close(tickerDone)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					report()
				case <-stop:
					return
				}
			}
		}()
	} else {
		close(tickerDone)
	}

	err := group.Run(ctx, func(ctx context.Context, me *rank.Rank) error {
		ok := true
		for {
			if ctx.Err() != nil {
				ok = false
				break
			}

			item, have := p.steal()
			if !have {
				break
			}
			counters, perr := process(ctx, me.Index(), item)
			for i := 0; i < width && i < len(counters); i++ {
				atomic.AddInt64(&totals[i], counters[i])
			}
			if perr != nil {
				ok = false
				if onError != nil {
					onError(me.Index(), item, perr)
				}
			}
		}

		if !me.AllTrue(ok) {
			return fmt.Errorf("worksteal: one or more ranks failed to process all items")
		}
		return nil
	})

	close(stop)
	<-tickerDone
	report()

	return err
}
