package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/parallelarchive/ptar/pkg/flist"
	"github.com/parallelarchive/ptar/pkg/header"
	"github.com/parallelarchive/ptar/pkg/index"
	"github.com/parallelarchive/ptar/pkg/layout"
	"github.com/parallelarchive/ptar/pkg/rank"
	"github.com/parallelarchive/ptar/pkg/worksteal"
)

// Create builds archivePath and its sidecar index from entries, which
// must already be sorted (see flist.List.Sort) so parent directories
// precede their children. Work is split across opts.Ranks cooperating
// goroutines (runtime.NumCPU() if unset).
//
// Phase order: layout planning + striping hint + truncate/preallocate,
// header writes, work-stealing payload copy, trailer write, index write.
func Create(ctx context.Context, entries []flist.Entry, archivePath string, opts Options) error {
	opts = opts.WithDefaults()
	ranks := opts.Ranks
	if ranks <= 0 {
		ranks = runtime.NumCPU()
	}
	group := rank.NewLocalGroup(ranks)
	n := len(entries)

	globalOffset := make([]int64, n)
	globalHeaderSize := make([]int64, n)
	localTables := make([]layout.Table, group.Size())

	var archiveSize, totalBytes, totalItems int64

	err := group.Run(ctx, func(ctx context.Context, me *rank.Rank) error {
		shard := flist.Shard(entries, me.Index(), me.Size())
		plan, planErr := layout.Plan(me, shard, header.Flags(opts.Flags))
		if planErr != nil {
			opts.Logger.Errorf("layout plan failed: %v", planErr)
			me.AllTrue(false)
			return wrapErr(KindLayout, "plan", "", planErr)
		}
		localTables[me.Index()] = plan.Table
		if me.Index() == 0 {
			archiveSize, totalBytes, totalItems = plan.ArchiveSize, plan.TotalBytes, plan.TotalItems
		}

		var createErr error
		if me.Index() == 0 {
			createErr = createAndPreallocate(archivePath, plan.ArchiveSize+1024)
		}
		if !me.AllTrue(createErr == nil) {
			if createErr != nil {
				opts.Logger.Errorf("create %s: %v", archivePath, createErr)
				return wrapErr(KindIO, "create", archivePath, createErr)
			}
			return fmt.Errorf("archive: create %s: a peer rank failed", archivePath)
		}

		f, openErr := os.OpenFile(archivePath, os.O_WRONLY, 0644)
		var headerErr error
		if openErr != nil {
			headerErr = openErr
		} else {
			defer f.Close()
			scratch := make([]byte, 0, layout.ScratchSize)
			for i := range shard {
				hdrBytes, encErr := header.Encode(&shard[i], scratch, header.Flags(opts.Flags))
				if encErr != nil {
					headerErr = fmt.Errorf("encode header for %s: %w", shard[i].Name, encErr)
					break
				}
				if _, writeErr := f.WriteAt(hdrBytes, plan.Table.Offset[i]); writeErr != nil {
					headerErr = fmt.Errorf("write header for %s: %w", shard[i].Name, writeErr)
					break
				}
			}
		}
		if !me.AllTrue(headerErr == nil) {
			if headerErr != nil {
				opts.Logger.Errorf("header write failed: %v", headerErr)
				return wrapErr(KindIO, "write-header", archivePath, headerErr)
			}
			return fmt.Errorf("archive: header write: a peer rank failed")
		}
		return nil
	})
	if err != nil {
		return err
	}

	for rankIdx := 0; rankIdx < group.Size(); rankIdx++ {
		start, count := flist.ShardBounds(n, rankIdx, group.Size())
		table := localTables[rankIdx]
		for i := 0; i < count; i++ {
			globalOffset[start+i] = table.Offset[i]
			globalHeaderSize[start+i] = table.HeaderSize[i]
		}
	}

	items := buildCopyItems(entries, globalOffset, globalHeaderSize, opts.ChunkSize)
	pool := worksteal.NewPool(items)

	archiveFiles := make([]*os.File, group.Size())
	defer closeAll(archiveFiles)

	process := func(ctx context.Context, rankIndex int, item worksteal.Item) ([]int64, error) {
		wi := item.(WorkItem)
		f := archiveFiles[rankIndex]
		if f == nil {
			var err error
			f, err = os.OpenFile(archivePath, os.O_WRONLY, 0644)
			if err != nil {
				return nil, err
			}
			archiveFiles[rankIndex] = f
		}
		return copyChunk(f, wi)
	}

	onError := func(rankIndex int, item worksteal.Item, err error) {
		opts.Logger.Errorf("copy chunk failed: %v", err)
	}
	onReduce := func(totals []int64) {
		opts.Logger.Debugf("progress: %d bytes written, %d files completed", totals[0], totals[1])
	}

	if err := pool.Run(ctx, group, 2, opts.ProgressInterval, process, onReduce, onError); err != nil {
		return wrapErr(KindIO, "copy", archivePath, err)
	}

	err = group.Run(ctx, func(ctx context.Context, me *rank.Rank) error {
		var trailerErr error
		if me.Index() == 0 {
			trailerErr = writeTrailer(archivePath, archiveSize)
		}
		if !me.AllTrue(trailerErr == nil) {
			if trailerErr != nil {
				opts.Logger.Errorf("write trailer: %v", trailerErr)
				return wrapErr(KindIO, "trailer", archivePath, trailerErr)
			}
			return fmt.Errorf("archive: trailer write: a peer rank failed")
		}

		start, count := flist.ShardBounds(n, me.Index(), me.Size())
		return index.Write(me, archivePath, globalOffset[start:start+count], totalItems)
	})
	return err
}

func buildCopyItems(entries []flist.Entry, offset, headerSize []int64, chunkSize int64) []worksteal.Item {
	var items []worksteal.Item
	for i, e := range entries {
		if e.Type != flist.TypeRegular {
			continue
		}
		dataOffset := offset[i] + headerSize[i]
		n := numChunks(e.Size, chunkSize)
		for c := 0; c < n; c++ {
			items = append(items, WorkItem{
				EntryName:         e.Name,
				SourcePath:        e.SourcePath,
				FileSize:          e.Size,
				ChunkIndex:        c,
				ChunkSize:         chunkSize,
				ArchiveDataOffset: dataOffset,
			})
		}
	}
	return items
}

func numChunks(size, chunkSize int64) int {
	if size <= 0 {
		return 1
	}
	return int((size + chunkSize - 1) / chunkSize)
}

func copyChunk(archiveFile *os.File, wi WorkItem) ([]int64, error) {
	src, err := os.Open(wi.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", wi.SourcePath, err)
	}
	defer src.Close()

	start, end := wi.ByteRange()
	n := end - start

	buf := make([]byte, n)
	if n > 0 {
		if _, err := src.ReadAt(buf, int64(wi.ChunkIndex)*wi.ChunkSize); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read %s: %w", wi.SourcePath, err)
		}
	}
	if _, err := archiveFile.WriteAt(buf, start); err != nil {
		return nil, fmt.Errorf("write %s at %d: %w", wi.EntryName, start, err)
	}

	written := n
	itemsDone := int64(0)
	if wi.IsLastChunk() {
		pad := (512 - wi.FileSize%512) % 512
		if pad > 0 {
			if _, err := archiveFile.WriteAt(make([]byte, pad), start+n); err != nil {
				return nil, fmt.Errorf("write padding for %s: %w", wi.EntryName, err)
			}
		}
		written += pad
		itemsDone = 1
	}
	return []int64{written, itemsDone}, nil
}

func createAndPreallocate(path string, size int64) error {
	_ = os.Remove(path)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Truncate(0); err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		return err
	}

	// Striping hint: ask the filesystem to reserve the extent up front.
	// Best-effort; ENOTSUP/EOPNOTSUPP on filesystems that don't support
	// fallocate are not fatal.
	_ = unix.Fallocate(int(f.Fd()), 0, 0, size)
	return nil
}

func writeTrailer(path string, archiveSize int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt(make([]byte, 1024), archiveSize)
	return err
}

func closeAll(files []*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}
