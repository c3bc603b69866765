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
	"github.com/parallelarchive/ptar/pkg/rank"
	"github.com/parallelarchive/ptar/pkg/worksteal"
)

// Extract materializes archivePath's entries beneath cwd. Phase order:
// index acquisition (or a scan-and-broadcast fallback), range partition,
// metadata shard decode, directory precreate, entry extraction, directory
// timestamp fix-up, opportunistic index emission.
func Extract(ctx context.Context, archivePath, cwd string, opts Options) error {
	opts = opts.WithDefaults()
	ranks := opts.Ranks
	if ranks <= 0 {
		ranks = runtime.NumCPU()
	}
	group := rank.NewLocalGroup(ranks)

	offsets, haveOffsets, scanned, err := acquireOffsets(group, archivePath)
	if err != nil {
		return wrapErr(KindIO, "acquire-index", archivePath, err)
	}

	var totalItems int
	if haveOffsets {
		totalItems = len(offsets)
	} else {
		totalItems, err = countEntries(archivePath)
		if err != nil {
			return wrapErr(KindUnsupported, "count-entries", archivePath, err)
		}
	}
	if totalItems == 0 {
		return nil
	}

	shardEntries := make([][]flist.Entry, group.Size())
	shardOffsets := make([][]int64, group.Size())

	err = group.Run(ctx, func(ctx context.Context, me *rank.Rank) error {
		entries, offs, decodeErr := decodeShard(archivePath, offsets, haveOffsets, totalItems, me)
		ok := me.AllTrue(decodeErr == nil)
		if !ok {
			if decodeErr != nil {
				return wrapErr(KindFormat, "decode-shard", archivePath, decodeErr)
			}
			return fmt.Errorf("archive: decode shard: a peer rank failed")
		}
		shardEntries[me.Index()] = entries
		shardOffsets[me.Index()] = offs

		localList := &flist.List{Entries: entries}
		mkdirErr := flist.Mkdir(cwd, localList)

		if !me.AllTrue(mkdirErr == nil) {
			if mkdirErr != nil {
				return wrapErr(KindIO, "mkdir", cwd, mkdirErr)
			}
			return fmt.Errorf("archive: mkdir: a peer rank failed")
		}
		return nil
	})
	if err != nil {
		return err
	}

	items := buildExtractItems(shardEntries, shardOffsets, opts.BlockSize)
	pool := worksteal.NewPool(items)

	archiveFiles := make([]*os.File, group.Size())
	defer closeAll(archiveFiles)

	process := func(ctx context.Context, rankIndex int, item worksteal.Item) ([]int64, error) {
		wi := item.(extractItem)
		f := archiveFiles[rankIndex]
		if f == nil {
			var err error
			f, err = os.Open(archivePath)
			if err != nil {
				return nil, err
			}
			archiveFiles[rankIndex] = f
		}
		return extractEntry(f, cwd, wi, opts)
	}

	onError := func(rankIndex int, item worksteal.Item, err error) {
		opts.Logger.Errorf("extract entry failed: %v", err)
	}
	onReduce := func(totals []int64) {
		opts.Logger.Debugf("progress: %d bytes written, %d entries extracted", totals[0], totals[1])
	}

	if err := pool.Run(ctx, group, 2, opts.ProgressInterval, process, onReduce, onError); err != nil {
		return wrapErr(KindIO, "extract", archivePath, err)
	}

	err = group.Run(ctx, func(ctx context.Context, me *rank.Rank) error {
		fixupErr := fixupDirectories(cwd, &flist.List{Entries: shardEntries[me.Index()]}, opts.Flags)
		if !me.AllTrue(fixupErr == nil) {
			if fixupErr != nil {
				return wrapErr(KindIO, "directory-fixup", cwd, fixupErr)
			}
			return fmt.Errorf("archive: directory fix-up: a peer rank failed")
		}

		if scanned {
			return index.Write(me, archivePath, shardOffsets[me.Index()], int64(totalItems))
		}
		return nil
	})
	return err
}

// acquireOffsets tries the sidecar index first; on a miss it scans the
// archive on rank 0 and broadcasts the recovered offsets. haveOffsets is
// false only when neither source produced a usable array (e.g. a
// compressed archive with no index), in which case the caller falls back
// to a round-robin partition. scanned reports that the offsets came from
// the scan rather than the sidecar index.
func acquireOffsets(group *rank.Group, archivePath string) (offsets []int64, haveOffsets, scanned bool, err error) {
	err = group.Run(context.Background(), func(ctx context.Context, me *rank.Rank) error {
		// index.Read and verifyOnRoot each fold their rank-0-only I/O into a
		// collective, so the bool they return (ok / verified) is identical
		// across every rank; branching on that bool keeps every rank walking
		// the same control-flow path, which the scan-fallback collectives
		// below depend on.
		offs, ok, _ := index.Read(me, archivePath)
		if ok && verifyOnRoot(me, archivePath, offs) {
			offsets = offs
			haveOffsets = true
			return nil
		}

		scannedOffs, scanErr := scanAndBroadcast(me, archivePath)
		if scanErr != nil {
			offsets = nil
			haveOffsets = false
			return nil
		}
		offsets = scannedOffs
		haveOffsets = true
		scanned = true
		return nil
	})
	return offsets, haveOffsets, scanned, err
}

// verifyOnRoot consults the .idx.sum companion on rank 0 and broadcasts
// the verdict, so every rank makes the same decision about whether to
// trust the loaded index. Any local error on rank 0 (missing/corrupt
// companion) is treated the same as "not verified."
func verifyOnRoot(me *rank.Rank, archivePath string, offsets []int64) bool {
	var good byte
	if me.Index() == 0 {
		if ok, err := index.Verify(archivePath, offsets); err == nil && ok {
			good = 1
		}
	}
	flag := me.Broadcast([]byte{good}, 0)
	return len(flag) > 0 && flag[0] == 1
}

func scanAndBroadcast(me *rank.Rank, archivePath string) ([]int64, error) {
	var raw []byte
	var scanErr error
	if me.Index() == 0 {
		raw, scanErr = scanOffsets(archivePath)
	}
	if !me.AllTrue(scanErr == nil) {
		if scanErr != nil {
			return nil, scanErr
		}
		return nil, fmt.Errorf("archive: scan: a peer rank failed")
	}
	data := me.Broadcast(raw, 0)
	n := len(data) / 8
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		out[i] = beUint64(data[i*8:])
	}
	return out, nil
}

func scanOffsets(archivePath string) ([]byte, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := header.NewDecoder(f)
	var out []byte
	for {
		_, off, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		var buf [8]byte
		putBEUint64(buf[:], off)
		out = append(out, buf[:]...)
	}
	return out, nil
}

func countEntries(archivePath string) (int, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := header.NewDecoder(f)
	n := 0
	for {
		_, _, err := dec.Next()
		if err != nil {
			break
		}
		n++
	}
	return n, nil
}

// decodeShard decodes this rank's contiguous range of entries, via
// indexed seeks when offsets are known or a round-robin scan of every
// header otherwise.
func decodeShard(archivePath string, offsets []int64, haveOffsets bool, totalItems int, me *rank.Rank) ([]flist.Entry, []int64, error) {
	if haveOffsets {
		start, count := flist.ShardBounds(totalItems, me.Index(), me.Size())
		entries := make([]flist.Entry, 0, count)
		offs := make([]int64, 0, count)
		f, err := os.Open(archivePath)
		if err != nil {
			return nil, nil, err
		}
		defer f.Close()

		for k := 0; k < count; k++ {
			off := offsets[start+k]
			if _, err := f.Seek(off, 0); err != nil {
				return nil, nil, err
			}
			e, err := header.DecodeAt(f)
			if err != nil {
				return nil, nil, fmt.Errorf("decode entry at %d: %w", off, err)
			}
			entries = append(entries, e)
			offs = append(offs, off)
		}
		return entries, offs, nil
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	dec := header.NewDecoder(f)
	var entries []flist.Entry
	var offs []int64
	idx := 0
	for {
		e, off, err := dec.Next()
		if err != nil {
			break
		}
		if idx%me.Size() == me.Index() {
			entries = append(entries, e)
			offs = append(offs, off)
		}
		idx++
	}
	return entries, offs, nil
}

type extractItem struct {
	entry  flist.Entry
	offset int64
}

func buildExtractItems(shardEntries [][]flist.Entry, shardOffsets [][]int64, blockSize int64) []worksteal.Item {
	var items []worksteal.Item
	for r := range shardEntries {
		for i, e := range shardEntries[r] {
			if e.Type != flist.TypeDirectory {
				items = append(items, extractItem{entry: e, offset: shardOffsets[r][i]})
			}
		}
	}
	return items
}

func extractEntry(archiveFile *os.File, cwd string, wi extractItem, opts Options) ([]int64, error) {
	target, err := flist.Resolve(cwd, wi.entry.Name)
	if err != nil {
		return nil, err
	}

	switch wi.entry.Type {
	case flist.TypeSymlink:
		_ = os.Remove(target)
		if err := os.Symlink(wi.entry.LinkTarget, target); err != nil {
			return nil, fmt.Errorf("symlink %s: %w", target, err)
		}
		if err := unix.Lchown(target, wi.entry.UID, wi.entry.GID); err != nil {
			return nil, fmt.Errorf("lchown %s: %w", target, err)
		}
		if err := applyXattrs(target, true, wi.entry.Xattrs, opts.Flags); err != nil {
			return nil, err
		}
		return []int64{0, 1}, nil
	case flist.TypeRegular:
		// Seeking to the header and decoding again (rather than trusting
		// wi.offset + a remembered header size) leaves the reader
		// positioned exactly at the payload's first byte regardless of how
		// large this entry's header turned out to be.
		if _, err := archiveFile.Seek(wi.offset, 0); err != nil {
			return nil, err
		}
		if _, err := header.DecodeAt(archiveFile); err != nil {
			return nil, fmt.Errorf("re-decode %s: %w", wi.entry.Name, err)
		}

		// Opened with the owner-write bit forced on regardless of the
		// archived mode, so the payload write below can't fail against a
		// read-only source mode (e.g. 0400); the real mode is restored via
		// Chmod once the payload is in place.
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, wi.entry.Mode.Perm()|0600)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", target, err)
		}
		defer out.Close()

		n, err := copyInBlocks(out, archiveFile, wi.entry.Size, opts.BlockSize)
		if err != nil {
			return nil, fmt.Errorf("write %s: %w", target, err)
		}

		if err := unix.Fchown(int(out.Fd()), wi.entry.UID, wi.entry.GID); err != nil {
			return nil, fmt.Errorf("chown %s: %w", target, err)
		}
		if err := out.Chmod(wi.entry.Mode.Perm()); err != nil {
			return nil, fmt.Errorf("chmod %s: %w", target, err)
		}
		if err := applyXattrs(target, false, wi.entry.Xattrs, opts.Flags); err != nil {
			return nil, err
		}
		if opts.Flags.Atime {
			_ = os.Chtimes(target, wi.entry.Atime, wi.entry.Mtime)
		} else {
			_ = os.Chtimes(target, wi.entry.Mtime, wi.entry.Mtime)
		}
		return []int64{n, 1}, nil
	default:
		return []int64{0, 0}, fmt.Errorf("unsupported entry type for %s", wi.entry.Name)
	}
}

// applyXattrs restores the extended attributes captured on e.Xattrs,
// gating plain attributes and POSIX ACLs independently so that, e.g.,
// --preserve-xattrs alone does not also restore ACLs. isSymlink selects
// the l-variant syscalls, since a symlink's own xattrs (not its target's)
// are what was captured.
func applyXattrs(target string, isSymlink bool, xattrs map[string]string, flags PreserveFlags) error {
	for name, value := range xattrs {
		if header.IsACLXattr(name) {
			if !flags.ACLs {
				continue
			}
		} else if !flags.Xattrs {
			continue
		}
		var err error
		if isSymlink {
			err = unix.Lsetxattr(target, name, []byte(value), 0)
		} else {
			err = unix.Setxattr(target, name, []byte(value), 0)
		}
		if err != nil {
			return fmt.Errorf("setxattr %s on %s: %w", name, target, err)
		}
	}
	return nil
}

func copyInBlocks(out *os.File, archiveFile *os.File, size int64, blockSize int64) (int64, error) {
	var written int64
	buf := make([]byte, blockSize)
	for written < size {
		want := size - written
		if want > blockSize {
			want = blockSize
		}
		n, err := archiveFile.Read(buf[:want])
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
		}
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// fixupDirectories corrects each directory's real mode, ownership, and
// xattrs now that every child has been created inside it -- flist.Mkdir
// forces owner rwx on precreate so descendants can be written at all, and
// this is the one pass that puts the archived bits back, in
// chown-then-chmod-then-chtimes order since chown can clear setuid/setgid
// bits chmod is about to set.
func fixupDirectories(cwd string, l *flist.List, flags PreserveFlags) error {
	for _, e := range l.Entries {
		if e.Type != flist.TypeDirectory {
			continue
		}
		target, err := flist.Resolve(cwd, e.Name)
		if err != nil {
			return err
		}
		if err := unix.Lchown(target, e.UID, e.GID); err != nil {
			return fmt.Errorf("chown %s: %w", target, err)
		}
		if err := os.Chmod(target, e.Mode.Perm()); err != nil {
			return fmt.Errorf("chmod %s: %w", target, err)
		}
		if err := applyXattrs(target, false, e.Xattrs, flags); err != nil {
			return err
		}
		if flags.Atime {
			err = os.Chtimes(target, e.Atime, e.Mtime)
		} else {
			err = os.Chtimes(target, e.Mtime, e.Mtime)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func beUint64(b []byte) int64 {
	var v int64
	for i := 0; i < 8; i++ {
		v = v<<8 | int64(b[i])
	}
	return v
}

func putBEUint64(b []byte, v int64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
