package layout

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parallelarchive/ptar/pkg/flist"
	"github.com/parallelarchive/ptar/pkg/header"
	"github.com/parallelarchive/ptar/pkg/rank"
)

func TestPlanProducesDisjointMonotonicOffsets(t *testing.T) {
	entries := make([]flist.Entry, 20)
	for i := range entries {
		entries[i] = flist.Entry{
			Name: string(rune('a' + i)),
			Type: flist.TypeRegular,
			Size: int64(i * 100),
		}
	}

	const ranks = 4
	g := rank.NewLocalGroup(ranks)

	var mu sync.Mutex
	plans := make([]*Plan, ranks)
	shards := make([][]flist.Entry, ranks)

	err := g.Run(context.Background(), func(ctx context.Context, me *rank.Rank) error {
		shard := flist.Shard(entries, me.Index(), me.Size())
		p, err := Plan(me, shard, header.Flags{})
		if err != nil {
			return err
		}
		mu.Lock()
		plans[me.Index()] = p
		shards[me.Index()] = shard
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	// Every rank agrees on the global scalars.
	for i := 1; i < ranks; i++ {
		require.Equal(t, plans[0].ArchiveSize, plans[i].ArchiveSize)
		require.Equal(t, plans[0].TotalItems, plans[i].TotalItems)
	}
	require.Equal(t, int64(len(entries)), plans[0].TotalItems)

	// Flatten offsets/slot sizes in rank order and check disjointness +
	// monotonicity, and that the sum of slot sizes equals ArchiveSize.
	var prevEnd int64
	var sum int64
	for r := 0; r < ranks; r++ {
		tbl := plans[r].Table
		for i := range shards[r] {
			require.GreaterOrEqual(t, tbl.Offset[i], prevEnd)
			prevEnd = tbl.Offset[i] + tbl.SlotSize[i]
			sum += tbl.SlotSize[i]
		}
	}
	require.Equal(t, plans[0].ArchiveSize, sum)
	require.Equal(t, prevEnd, plans[0].ArchiveSize)
}

func TestPlanZeroByteFile(t *testing.T) {
	entries := []flist.Entry{{Name: "f", Type: flist.TypeRegular, Size: 0}}
	g := rank.NewLocalGroup(1)

	var result *Plan
	err := g.Run(context.Background(), func(ctx context.Context, me *rank.Rank) error {
		p, err := Plan(me, entries, header.Flags{})
		result = p
		return err
	})
	require.NoError(t, err)
	require.Equal(t, result.Table.HeaderSize[0], result.Table.SlotSize[0])
	require.Equal(t, int64(0), result.TotalBytes)
}
