// Package layout computes, for a rank's sorted file-list shard, each
// entry's header size and slot size, then derives global byte offsets via
// a prefix-sum across ranks.
package layout

import (
	"fmt"

	"github.com/parallelarchive/ptar/pkg/flist"
	"github.com/parallelarchive/ptar/pkg/header"
	"github.com/parallelarchive/ptar/pkg/rank"
)

// Table is the rank-local layout: for every entry in the shard, its header
// size, total slot size (header + padded payload), and absolute archive
// offset.
type Table struct {
	HeaderSize []int64
	SlotSize   []int64
	Offset     []int64
}

// Plan is the full result of planning one rank's shard, including the
// global scalars every rank agrees on afterward.
type Plan struct {
	Table Table

	// ArchiveSize is the sum of every entry's slot size, across all
	// ranks -- the archive's total byte length excluding the trailer.
	ArchiveSize int64

	// TotalBytes is the sum of padded regular-file payload bytes, across
	// all ranks.
	TotalBytes int64

	// TotalItems is the global entry count, across all ranks.
	TotalItems int64
}

// ScratchSize is the default per-rank header-encode scratch buffer size,
// sized to comfortably hold a pax header with extended attributes.
const ScratchSize = 128 << 20

// Plan computes the layout table for one rank's shard and folds in the
// cross-rank prefix sum and global reductions. A header-probe failure
// anywhere in the shard is recorded but does not stop this rank from
// taking part in the collectives below in lock-step with its peers --
// skipping a collective call on one rank while others still make it would
// leave those peers blocked forever. The probe error, if any, is only
// surfaced after every rank has had a chance to report its own success or
// failure via the closing all-true collective.
func Plan(me *rank.Rank, shard []flist.Entry, flags header.Flags) (*Plan, error) {
	n := len(shard)
	table := Table{
		HeaderSize: make([]int64, n),
		SlotSize:   make([]int64, n),
		Offset:     make([]int64, n),
	}

	scratch := make([]byte, 0, ScratchSize)
	var localSlotBytes, localPaddedPayload int64
	var probeErr error

	for i := range shard {
		e := &shard[i]
		hdrBytes, err := header.Encode(e, scratch, flags)
		if err != nil {
			probeErr = fmt.Errorf("layout: probe-encode %s: %w", e.Name, err)
			break
		}
		hsz := int64(len(hdrBytes))
		table.HeaderSize[i] = hsz

		ssz := hsz
		if e.Type == flist.TypeRegular {
			padded := e.PaddedPayloadSize()
			ssz += padded
			localPaddedPayload += padded
		}
		table.SlotSize[i] = ssz
		localSlotBytes += ssz
	}

	base := me.ScanSum(uint64(localSlotBytes))
	archiveSize := me.AllReduceSum(uint64(localSlotBytes))
	totalBytes := me.AllReduceSum(uint64(localPaddedPayload))
	totalItems := me.AllReduceSum(uint64(n))
	ok := me.AllTrue(probeErr == nil)

	if !ok {
		if probeErr != nil {
			return nil, probeErr
		}
		return nil, fmt.Errorf("layout: a peer rank failed to probe-encode its shard")
	}

	offset := int64(base)
	for i := range shard {
		table.Offset[i] = offset
		offset += table.SlotSize[i]
	}

	return &Plan{
		Table:       table,
		ArchiveSize: int64(archiveSize),
		TotalBytes:  int64(totalBytes),
		TotalItems:  int64(totalItems),
	}, nil
}
