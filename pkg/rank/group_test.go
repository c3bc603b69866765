package rank

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanSumIsExclusivePrefix(t *testing.T) {
	g := NewLocalGroup(4)
	results := make([]uint64, 4)

	err := g.Run(context.Background(), func(ctx context.Context, me *Rank) error {
		results[me.Index()] = me.ScanSum(uint64(me.Index() + 1))
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, []uint64{0, 1, 3, 6}, results)
}

func TestAllReduceSum(t *testing.T) {
	g := NewLocalGroup(5)
	var total uint64

	err := g.Run(context.Background(), func(ctx context.Context, me *Rank) error {
		got := me.AllReduceSum(uint64(me.Index()))
		if me.Index() == 0 {
			total = got
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, uint64(0+1+2+3+4), total)
}

func TestAllTrue(t *testing.T) {
	g := NewLocalGroup(3)
	results := make([]bool, 3)

	err := g.Run(context.Background(), func(ctx context.Context, me *Rank) error {
		ok := me.Index() != 1
		results[me.Index()] = me.AllTrue(ok)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []bool{false, false, false}, results)
}

func TestBroadcast(t *testing.T) {
	g := NewLocalGroup(4)
	results := make([][]byte, 4)

	err := g.Run(context.Background(), func(ctx context.Context, me *Rank) error {
		var payload []byte
		if me.Index() == 2 {
			payload = []byte("hello")
		}
		results[me.Index()] = me.Broadcast(payload, 2)
		return nil
	})
	require.NoError(t, err)
	for _, r := range results {
		require.Equal(t, []byte("hello"), r)
	}
}

func TestBarrierReleasesAllRanks(t *testing.T) {
	g := NewLocalGroup(8)
	err := g.Run(context.Background(), func(ctx context.Context, me *Rank) error {
		me.Barrier()
		me.Barrier()
		return nil
	})
	require.NoError(t, err)
}
