package worksteal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parallelarchive/ptar/pkg/rank"
)

func TestPoolDrainsEveryItemExactlyOnce(t *testing.T) {
	const n = 500
	items := make([]Item, n)
	for i := range items {
		items[i] = i
	}
	pool := NewPool(items)

	var seen [n]int32
	group := rank.NewLocalGroup(4)

	err := pool.Run(context.Background(), group, 1, 0, func(ctx context.Context, rankIndex int, item Item) ([]int64, error) {
		atomic.AddInt32(&seen[item.(int)], 1)
		return []int64{1}, nil
	}, nil, nil)
	require.NoError(t, err)

	for i, c := range seen {
		require.Equalf(t, int32(1), c, "item %d processed %d times", i, c)
	}
}

func TestPoolReportsFinalTotals(t *testing.T) {
	items := make([]Item, 10)
	for i := range items {
		items[i] = int64(i + 1)
	}
	pool := NewPool(items)
	group := rank.NewLocalGroup(3)

	var mu sync.Mutex
	var last []int64

	err := pool.Run(context.Background(), group, 2, 0, func(ctx context.Context, rankIndex int, item Item) ([]int64, error) {
		return []int64{item.(int64), 1}, nil
	}, func(totals []int64) {
		mu.Lock()
		last = append([]int64(nil), totals...)
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	require.Equal(t, []int64{55, 10}, last)
}

func TestPoolContinuesPastErrorsAndReportsFailure(t *testing.T) {
	items := make([]Item, 5)
	for i := range items {
		items[i] = i
	}
	pool := NewPool(items)
	group := rank.NewLocalGroup(2)

	var processed int32
	var errs int32

	err := pool.Run(context.Background(), group, 1, 0, func(ctx context.Context, rankIndex int, item Item) ([]int64, error) {
		atomic.AddInt32(&processed, 1)
		if item.(int) == 2 {
			return nil, errors.New("boom")
		}
		return []int64{1}, nil
	}, nil, func(rankIndex int, item Item, err error) {
		atomic.AddInt32(&errs, 1)
	})

	require.Error(t, err)
	require.Equal(t, int32(5), processed)
	require.Equal(t, int32(1), errs)
}

func TestPoolTickerDoesNotDeadlockWithUnevenWork(t *testing.T) {
	items := make([]Item, 50)
	for i := range items {
		items[i] = i
	}
	pool := NewPool(items)
	group := rank.NewLocalGroup(4)

	err := pool.Run(context.Background(), group, 1, time.Millisecond, func(ctx context.Context, rankIndex int, item Item) ([]int64, error) {
		if rankIndex == 0 {
			time.Sleep(2 * time.Millisecond)
		}
		return []int64{1}, nil
	}, func(totals []int64) {}, nil)
	require.NoError(t, err)
}
